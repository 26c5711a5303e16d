// Package cardano talks to the Cardano ledger through the Blockfrost API and
// builds, signs and submits metadata-carrying transactions.
package cardano

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when Blockfrost has no such transaction,
	// metadata label or address.
	ErrNotFound = errors.New("cardano: not found")
	// ErrUnavailable covers transport failures, throttling, server errors
	// and rejected credentials.
	ErrUnavailable = errors.New("cardano: ledger unavailable")
	// ErrRejected is returned when the node refuses a submitted transaction.
	ErrRejected = errors.New("cardano: transaction rejected")
	// ErrDeclined is returned when the wallet owner declines to sign.
	ErrDeclined = errors.New("cardano: signing declined")
	// ErrInsufficientFunds is returned when the wallet cannot cover the
	// minimum output plus fee.
	ErrInsufficientFunds = errors.New("cardano: insufficient funds")
)

const (
	projectIDHeader = "project_id"
	pageSize        = 100
	maxPages        = 20
	maxErrorBody    = 4096
)

// Client is a minimal Blockfrost API client.
type Client struct {
	baseURL    string
	projectID  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a client for baseURL, e.g.
// https://cardano-preprod.blockfrost.io/api/v0.
func NewClient(baseURL, projectID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		projectID:  projectID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MetadataEntry is one label of a transaction's metadata.
type MetadataEntry struct {
	Label        string          `json:"label"`
	JSONMetadata json.RawMessage `json:"json_metadata"`
}

// Amount is a quantity of one asset; Unit is "lovelace" for ADA.
type Amount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

// UTXO is an unspent output at an address.
type UTXO struct {
	TxHash      string   `json:"tx_hash"`
	OutputIndex uint32   `json:"output_index"`
	Amount      []Amount `json:"amount"`
}

// Lovelace returns the ADA amount of u and whether u holds nothing else.
func (u UTXO) Lovelace() (uint64, bool) {
	var total uint64
	pure := true
	for _, a := range u.Amount {
		if a.Unit != "lovelace" {
			pure = false
			continue
		}
		n, err := strconv.ParseUint(a.Quantity, 10, 64)
		if err != nil {
			return 0, false
		}
		total += n
	}
	return total, pure
}

// FeeParams are the linear fee coefficients: fee = MinFeeA*size + MinFeeB.
type FeeParams struct {
	MinFeeA uint64
	MinFeeB uint64
}

// DefaultFeeParams are the mainnet and preprod values at the time of writing.
var DefaultFeeParams = FeeParams{MinFeeA: 44, MinFeeB: 155381}

type apiError struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(projectIDHeader, c.projectID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("blockfrost request")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, path, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var ae apiError
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
		msg = ae.Message
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusBadRequest && path == "/tx/submit":
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	default:
		// 402 quota, 403 bad project id, 418 banned, 429 throttled, 5xx
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, path, resp.StatusCode, msg)
	}
}

// SubmitTx submits a CBOR-encoded signed transaction and returns its id.
func (c *Client) SubmitTx(ctx context.Context, tx []byte) (string, error) {
	var txID string
	if err := c.do(ctx, http.MethodPost, "/tx/submit", bytes.NewReader(tx), "application/cbor", &txID); err != nil {
		return "", err
	}
	return txID, nil
}

// TxMetadata returns every metadata label attached to a transaction.
func (c *Client) TxMetadata(ctx context.Context, txHash string) ([]MetadataEntry, error) {
	var entries []MetadataEntry
	if err := c.do(ctx, http.MethodGet, "/txs/"+url.PathEscape(txHash)+"/metadata", nil, "", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// LabelMetadata returns the JSON metadata of one label. A transaction
// without that label is ErrNotFound.
func (c *Client) LabelMetadata(ctx context.Context, txHash string, label uint64) (json.RawMessage, error) {
	entries, err := c.TxMetadata(ctx, txHash)
	if err != nil {
		return nil, err
	}
	want := strconv.FormatUint(label, 10)
	for _, e := range entries {
		if e.Label == want {
			return e.JSONMetadata, nil
		}
	}
	return nil, fmt.Errorf("%w: transaction %s has no metadata label %s", ErrNotFound, txHash, want)
}

// TxState is how far a submitted transaction has progressed.
type TxState int

const (
	TxUnknown TxState = iota
	TxPending
	TxConfirmed
)

// TxStatus reports whether txHash is in a block, still in the Blockfrost
// mempool, or unknown to both. Metadata of a pending transaction answers
// 404 until it is confirmed.
func (c *Client) TxStatus(ctx context.Context, txHash string) (TxState, error) {
	err := c.do(ctx, http.MethodGet, "/txs/"+url.PathEscape(txHash), nil, "", nil)
	if err == nil {
		return TxConfirmed, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return TxUnknown, err
	}
	err = c.do(ctx, http.MethodGet, "/mempool/"+url.PathEscape(txHash), nil, "", nil)
	switch {
	case err == nil:
		return TxPending, nil
	case errors.Is(err, ErrNotFound):
		return TxUnknown, nil
	default:
		return TxUnknown, err
	}
}

// AddressUTXOs returns all unspent outputs at addr. An address that has never
// been used has none.
func (c *Client) AddressUTXOs(ctx context.Context, addr string) ([]UTXO, error) {
	var all []UTXO
	for page := 1; page <= maxPages; page++ {
		var batch []UTXO
		path := fmt.Sprintf("/addresses/%s/utxos?count=%d&page=%d", url.PathEscape(addr), pageSize, page)
		err := c.do(ctx, http.MethodGet, path, nil, "", &batch)
		if errors.Is(err, ErrNotFound) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < pageSize {
			break
		}
	}
	return all, nil
}

// LatestSlot returns the slot of the chain tip.
func (c *Client) LatestSlot(ctx context.Context) (uint64, error) {
	var block struct {
		Slot uint64 `json:"slot"`
	}
	if err := c.do(ctx, http.MethodGet, "/blocks/latest", nil, "", &block); err != nil {
		return 0, err
	}
	return block.Slot, nil
}

// FeeParams returns the current epoch's linear fee coefficients.
func (c *Client) FeeParams(ctx context.Context) (FeeParams, error) {
	var p struct {
		MinFeeA uint64 `json:"min_fee_a"`
		MinFeeB uint64 `json:"min_fee_b"`
	}
	if err := c.do(ctx, http.MethodGet, "/epochs/latest/parameters", nil, "", &p); err != nil {
		return FeeParams{}, err
	}
	if p.MinFeeA == 0 && p.MinFeeB == 0 {
		return DefaultFeeParams, nil
	}
	return FeeParams{MinFeeA: p.MinFeeA, MinFeeB: p.MinFeeB}, nil
}

// HealthCheck asks Blockfrost for the chain tip.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.LatestSlot(ctx)
	return err
}
