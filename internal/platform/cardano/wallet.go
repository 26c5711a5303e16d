package cardano

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// Identity is a signing identity a wallet exposes.
type Identity struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	KeyHash string `json:"key_hash"`
}

// SigningRequest is what the wallet owner is asked to approve.
type SigningRequest struct {
	Label    uint64
	Metadata map[string]any
}

// SignedTx is a signed, not yet submitted transaction.
type SignedTx struct {
	ID   string
	Fee  uint64
	CBOR []byte
}

// ApprovalFunc decides whether the wallet signs a request. Returning false
// yields ErrDeclined.
type ApprovalFunc func(ctx context.Context, req SigningRequest) bool

// AutoApprove signs every request.
func AutoApprove(context.Context, SigningRequest) bool { return true }

// ChainReader is the chain state a wallet needs to build a transaction.
type ChainReader interface {
	AddressUTXOs(ctx context.Context, addr string) ([]UTXO, error)
	LatestSlot(ctx context.Context) (uint64, error)
	FeeParams(ctx context.Context) (FeeParams, error)
}

// KeyWallet signs with a single ed25519 payment key and spends from its
// enterprise address.
type KeyWallet struct {
	name     string
	key      ed25519.PrivateKey
	address  Address
	keyHash  string
	chain    ChainReader
	approve  ApprovalFunc
	ttlSlots uint64
	logger   zerolog.Logger
}

// WalletOption configures a KeyWallet.
type WalletOption func(*KeyWallet)

// WithApproval sets the approval hook. The default approves everything.
func WithApproval(f ApprovalFunc) WalletOption {
	return func(w *KeyWallet) { w.approve = f }
}

// WithTTLSlots sets how many slots past the tip a transaction stays valid.
func WithTTLSlots(n uint64) WalletOption {
	return func(w *KeyWallet) { w.ttlSlots = n }
}

// WithWalletName sets the identity name shown to users.
func WithWalletName(name string) WalletOption {
	return func(w *KeyWallet) { w.name = name }
}

// WithWalletLogger sets the wallet logger.
func WithWalletLogger(l zerolog.Logger) WalletOption {
	return func(w *KeyWallet) { w.logger = l }
}

// NewKeyWallet derives the wallet from a hex-encoded 32-byte ed25519 seed.
// When expectAddress is non-empty it must match the derived address.
func NewKeyWallet(seedHex string, network Network, chain ChainReader, expectAddress string, opts ...WalletOption) (*KeyWallet, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet signing key must be a %d-byte hex seed", ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(seed)
	hash := KeyHash(key.Public().(ed25519.PublicKey))
	addr := EnterpriseAddress(network, hash)

	if expectAddress != "" {
		want, err := ParseAddress(expectAddress)
		if err != nil {
			return nil, fmt.Errorf("wallet address: %w", err)
		}
		if hex.EncodeToString(want.Raw) != hex.EncodeToString(addr.Raw) {
			return nil, fmt.Errorf("wallet address %s does not belong to the signing key (derived %s)", expectAddress, addr)
		}
	}

	w := &KeyWallet{
		name:     "anchor-wallet",
		key:      key,
		address:  addr,
		keyHash:  hex.EncodeToString(hash[:]),
		chain:    chain,
		approve:  AutoApprove,
		ttlSlots: 7200,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Identity returns the wallet's only identity.
func (w *KeyWallet) Identity() Identity {
	return Identity{Name: w.name, Address: w.address.String(), KeyHash: w.keyHash}
}

// Identities lists the identities the wallet can sign as.
func (w *KeyWallet) Identities(context.Context) ([]Identity, error) {
	return []Identity{w.Identity()}, nil
}

// Current returns the identity that will sign the next request.
func (w *KeyWallet) Current(context.Context) (Identity, error) {
	return w.Identity(), nil
}

// Authorize asks for approval, then builds and signs a transaction carrying
// the request metadata.
func (w *KeyWallet) Authorize(ctx context.Context, req SigningRequest) (*SignedTx, error) {
	if err := ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	if !w.approve(ctx, req) {
		w.logger.Info().Uint64("label", req.Label).Msg("signing request declined")
		return nil, ErrDeclined
	}

	addr := w.address.String()
	utxos, err := w.chain.AddressUTXOs(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("list wallet utxos: %w", err)
	}
	tip, err := w.chain.LatestSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain tip: %w", err)
	}
	fees, err := w.chain.FeeParams(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("fee parameters unavailable, using defaults")
		fees = DefaultFeeParams
	}

	tx, err := BuildMetadataTx(BuildParams{
		UTXOs:    utxos,
		Address:  w.address,
		Label:    req.Label,
		Metadata: req.Metadata,
		TTL:      tip + w.ttlSlots,
		Fees:     fees,
	})
	if err != nil {
		return nil, err
	}
	signed, err := tx.Sign(w.key)
	if err != nil {
		return nil, err
	}

	w.logger.Debug().
		Str("tx_id", tx.IDHex()).
		Uint64("fee", tx.Fee).
		Int("inputs", tx.Inputs).
		Int("size", len(signed)).
		Msg("transaction signed")

	return &SignedTx{ID: tx.IDHex(), Fee: tx.Fee, CBOR: signed}, nil
}
