package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider holds the parts of an OpenID Connect discovery document this
// service uses.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

// NewOIDCProvider fetches the discovery document at
// <issuer>/.well-known/openid-configuration.
func NewOIDCProvider(issuerURL string) (*OIDCProvider, error) {
	issuerURL = strings.TrimRight(issuerURL, "/")
	discoveryURL := issuerURL + "/.well-known/openid-configuration"

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var provider OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&provider); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}
	if provider.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	return &provider, nil
}
