package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/config"
	"github.com/ehr/anchor/internal/domain/anchoring"
	"github.com/ehr/anchor/internal/platform/cardano"
)

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                "0",
		Env:                 "test",
		AuthMode:            "development",
		CORSOrigins:         []string{"*"},
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
		RequestTimeout:      30 * time.Second,
		BodyLimit:           "1M",
		PayloadLimit:        "10M",
		LogLevel:            "error",
		HIPAAEncryptionKey:  testEncryptionKey,
		AnchorBackend:       config.BackendLocal,
		AnchorValidatorHash: config.DefaultValidatorHash,
		AnchorSubmitTimeout: 5 * time.Second,
		AnchorLookupTimeout: 5 * time.Second,
		LocalStorePath:      t.TempDir(),
		CardanoNetwork:      "preprod",
		WalletTTLSlots:      7200,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	a, err := buildApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

type request struct {
	method  string
	path    string
	body    string
	roles   string
	patient string
}

func do(t *testing.T, e *echo.Echo, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	if r.body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if r.roles != "" {
		req.Header.Set("X-Dev-Roles", r.roles)
	}
	if r.patient != "" {
		req.Header.Set("X-Dev-Patient", r.patient)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
}

type anchorResult struct {
	Receipt anchoring.AnchorReceipt `json:"receipt"`
	Handoff string                  `json:"handoff"`
}

type verifyResult struct {
	Status             string `json:"status"`
	Matched            bool   `json:"matched"`
	FingerprintMatched bool   `json:"fingerprint_matched"`
	ValidatorMatched   bool   `json:"validator_matched"`
	Error              string `json:"error"`
}

const observation = `{"resourceType":"Observation","code":"8867-4","value":72}`

func TestServer_Health(t *testing.T) {
	e := newServer(newTestApp(t, testConfig(t)))

	rec := do(t, e, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health map[string]string
	decode(t, rec, &health)
	if health["status"] != "ok" || health["backend"] != anchoring.BackendLocal {
		t.Errorf("unexpected health body %v", health)
	}

	rec = do(t, e, request{method: http.MethodGet, path: "/health/ready"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ready"`) {
		t.Errorf("expected ready, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, request{method: http.MethodGet, path: "/health/db"})
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Errorf("expected receipt index db disabled, got %s", rec.Body.String())
	}
}

func TestServer_LocalAnchorVerifyRoundTrip(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	e := newServer(a)

	rec := do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/anchor",
		body:   `{"subject_id":"PAT-001","payload":` + observation + `}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var anchored anchorResult
	decode(t, rec, &anchored)
	if !strings.HasPrefix(anchored.Receipt.ReceiptID, "local_") {
		t.Errorf("expected a local receipt id, got %s", anchored.Receipt.ReceiptID)
	}
	if anchored.Receipt.Fingerprint != anchoring.Hash([]byte(observation)) {
		t.Errorf("expected fingerprint of the payload as sent")
	}
	if anchored.Receipt.ValidatorReference != config.DefaultValidatorHash {
		t.Errorf("unexpected validator %s", anchored.Receipt.ValidatorReference)
	}
	if !strings.HasPrefix(anchored.Handoff, "HP1:") {
		t.Errorf("expected compact handoff, got %s", anchored.Handoff)
	}

	// payload is sealed at rest
	raw, err := a.store.Get(context.Background(), "recordData_"+anchored.Receipt.ReceiptID)
	if err != nil {
		t.Fatalf("stored payload: %v", err)
	}
	if strings.Contains(string(raw), "Observation") {
		t.Error("expected the stored payload to be encrypted")
	}

	// verify by receipt id
	rec = do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/verify",
		body:   `{"receipt_id":"` + anchored.Receipt.ReceiptID + `","payload":` + observation + `}`,
		roles:  "hospital",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var verified verifyResult
	decode(t, rec, &verified)
	if verified.Status != anchoring.StatusVerified || !verified.Matched {
		t.Errorf("expected verified, got %+v", verified)
	}

	// verify by handoff with a tampered payload
	tampered := strings.Replace(observation, "72", "27", 1)
	rec = do(t, e, request{
		method:  http.MethodPost,
		path:    "/api/v1/records/verify",
		body:    `{"handoff":"` + anchored.Handoff + `","payload":` + tampered + `}`,
		roles:   "patient",
		patient: "PAT-001",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var unverified verifyResult
	decode(t, rec, &unverified)
	if unverified.Status != anchoring.StatusUnverified || unverified.FingerprintMatched || !unverified.ValidatorMatched {
		t.Errorf("expected fingerprint mismatch, got %+v", unverified)
	}

	// another patient may not read the record
	rec = do(t, e, request{
		method:  http.MethodGet,
		path:    "/api/v1/records/" + anchored.Receipt.ReceiptID,
		roles:   "patient",
		patient: "PAT-999",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another patient, got %d", rec.Code)
	}

	// listing
	rec = do(t, e, request{method: http.MethodGet, path: "/api/v1/receipts?subject_id=PAT-001", roles: "doctor"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), anchored.Receipt.ReceiptID) {
		t.Errorf("expected receipt in listing, got %d %s", rec.Code, rec.Body.String())
	}

	// eviction, then the receipt is gone
	rec = do(t, e, request{method: http.MethodDelete, path: "/api/v1/records/" + anchored.Receipt.ReceiptID, roles: "hospital"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/verify",
		body:   `{"receipt_id":"` + anchored.Receipt.ReceiptID + `","payload":` + observation + `}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after eviction, got %d", rec.Code)
	}
}

func TestServer_RoleEnforcement(t *testing.T) {
	e := newServer(newTestApp(t, testConfig(t)))

	rec := do(t, e, request{
		method:  http.MethodPost,
		path:    "/api/v1/records/anchor",
		body:    `{"subject_id":"PAT-001","payload":"x"}`,
		roles:   "patient",
		patient: "PAT-001",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected patients to be refused anchoring, got %d", rec.Code)
	}

	rec = do(t, e, request{method: http.MethodGet, path: "/api/v1/audit/search", roles: "doctor"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected only admins to read the access log, got %d", rec.Code)
	}
}

func TestServer_AccessLogAndMetrics(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	e := newServer(a)

	rec := do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/anchor",
		body:   `{"subject_id":"PAT-002","payload":"free text note"}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// dev auth without role headers is admin
	rec = do(t, e, request{method: http.MethodGet, path: "/api/v1/audit/search?subject_id=PAT-002"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Total   int `json:"total"`
		Entries []struct {
			Action    string `json:"action"`
			ReceiptID string `json:"receipt_id"`
			Outcome   string `json:"outcome"`
		} `json:"entries"`
	}
	decode(t, rec, &result)
	if result.Total != 1 {
		t.Fatalf("expected 1 access entry, got %d", result.Total)
	}
	if result.Entries[0].Action != "anchor" || result.Entries[0].Outcome != "success" ||
		!strings.HasPrefix(result.Entries[0].ReceiptID, "local_") {
		t.Errorf("unexpected access entry %+v", result.Entries[0])
	}

	rec = do(t, e, request{method: http.MethodGet, path: "/metrics"})
	body := rec.Body.String()
	if !strings.Contains(body, `anchor_operations_total{backend="local",outcome="ok"} 1`) {
		t.Errorf("expected anchor counter in metrics output")
	}
	if !strings.Contains(body, "http_requests_total") {
		t.Errorf("expected http request counter in metrics output")
	}
}

// stubBlockfrost serves the Blockfrost endpoints the wallet and ledger
// backend use. Submitted transactions are decoded and their label 674
// metadata served back from /txs/{hash}/metadata. With hold set, submitted
// transactions stay in /mempool/{hash} until confirm is called.
type stubBlockfrost struct {
	mu       sync.Mutex
	metadata map[string]json.RawMessage
	mempool  map[string]json.RawMessage
	hold     bool
	submits  int
}

func (s *stubBlockfrost) confirm(txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[txID] = s.mempool[txID]
	delete(s.mempool, txID)
}

func (s *stubBlockfrost) submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *stubBlockfrost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/tx/submit":
		body, _ := io.ReadAll(r.Body)
		tx, err := cardano.DecodeTx(body)
		if err != nil || !tx.Signed {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"status_code":400,"message":"bad transaction: %v"}`, err)
			return
		}
		md, _ := json.Marshal(tx.Metadata[anchoring.MetadataLabel])
		s.mu.Lock()
		if s.hold {
			s.mempool[tx.ID] = md
		} else {
			s.metadata[tx.ID] = md
		}
		s.submits++
		s.mu.Unlock()
		json.NewEncoder(w).Encode(tx.ID)
	case strings.HasPrefix(path, "/addresses/"):
		fmt.Fprintf(w, `[{"tx_hash":"%s","output_index":0,"amount":[{"unit":"lovelace","quantity":"10000000"}]}]`,
			strings.Repeat("c", 64))
	case path == "/blocks/latest":
		fmt.Fprint(w, `{"slot": 51234567}`)
	case path == "/epochs/latest/parameters":
		fmt.Fprint(w, `{"min_fee_a": 44, "min_fee_b": 155381}`)
	case strings.HasPrefix(path, "/txs/") && strings.HasSuffix(path, "/metadata"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/txs/"), "/metadata")
		s.mu.Lock()
		md, ok := s.metadata[id]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{{"label": "674", "json_metadata": md}})
	case strings.HasPrefix(path, "/mempool/"):
		s.mu.Lock()
		_, ok := s.mempool[strings.TrimPrefix(path, "/mempool/")]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"tx":{}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestServer_LedgerAnchorVerifyRoundTrip(t *testing.T) {
	stub := &stubBlockfrost{metadata: make(map[string]json.RawMessage), mempool: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.AnchorBackend = config.BackendLedger
	cfg.BlockfrostURL = srv.URL
	cfg.BlockfrostProjectID = "preprodTestProject"
	cfg.WalletSigningKey = testSeed
	a := newTestApp(t, cfg)
	e := newServer(a)

	rec := do(t, e, request{method: http.MethodGet, path: "/api/v1/wallet", roles: "doctor"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var wallet struct {
		Backend    string               `json:"backend"`
		Identities []anchoring.Identity `json:"identities"`
	}
	decode(t, rec, &wallet)
	if wallet.Backend != anchoring.BackendLedger || len(wallet.Identities) != 1 {
		t.Fatalf("unexpected wallet response %+v", wallet)
	}
	if !strings.HasPrefix(wallet.Identities[0].Address, "addr_test1") {
		t.Errorf("expected a preprod address, got %s", wallet.Identities[0].Address)
	}

	rec = do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/anchor",
		body:   `{"subject_id":"PAT-001","payload":` + observation + `}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var anchored anchorResult
	decode(t, rec, &anchored)
	if len(anchored.Receipt.ReceiptID) != 64 {
		t.Errorf("expected a transaction hash receipt id, got %s", anchored.Receipt.ReceiptID)
	}
	if anchored.Receipt.IssuerID != wallet.Identities[0].KeyHash {
		t.Errorf("expected the wallet key hash as issuer, got %s", anchored.Receipt.IssuerID)
	}
	if stub.submitted() != 1 {
		t.Errorf("expected one submission, got %d", stub.submitted())
	}

	rec = do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/verify",
		body: `{"receipt_id":"` + anchored.Receipt.ReceiptID + `","expected_issuer":"` +
			wallet.Identities[0].KeyHash + `","payload":` + observation + `}`,
		roles: "hospital",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var verified verifyResult
	decode(t, rec, &verified)
	if !verified.Matched {
		t.Errorf("expected the ledger receipt to verify, got %+v", verified)
	}

	// an issuer that is not the wallet is refused before anything is signed
	rec = do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/anchor",
		body:   `{"subject_id":"PAT-001","issuer_id":"` + strings.Repeat("0", 56) + `","payload":"x"}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a foreign issuer, got %d", rec.Code)
	}
	if stub.submitted() != 1 {
		t.Errorf("expected no further submissions, got %d", stub.submitted())
	}

	// unknown transactions are not found on either backend
	rec = do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/verify",
		body:   `{"receipt_id":"` + strings.Repeat("e", 64) + `","payload":"x"}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown transaction, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_LedgerPendingConfirmation(t *testing.T) {
	stub := &stubBlockfrost{
		metadata: make(map[string]json.RawMessage),
		mempool:  make(map[string]json.RawMessage),
		hold:     true,
	}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.AnchorBackend = config.BackendLedger
	cfg.BlockfrostURL = srv.URL
	cfg.BlockfrostProjectID = "preprodTestProject"
	cfg.WalletSigningKey = testSeed
	e := newServer(newTestApp(t, cfg))

	rec := do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/anchor",
		body:   `{"subject_id":"PAT-001","payload":` + observation + `}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var anchored anchorResult
	decode(t, rec, &anchored)
	verify := request{
		method: http.MethodPost,
		path:   "/api/v1/records/verify",
		body:   `{"receipt_id":"` + anchored.Receipt.ReceiptID + `","payload":` + observation + `}`,
		roles:  "hospital",
	}

	rec = do(t, e, verify)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the transaction is in the mempool, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "pending confirmation") {
		t.Errorf("expected a pending confirmation error, got %s", rec.Body.String())
	}

	stub.confirm(anchored.Receipt.ReceiptID)
	rec = do(t, e, verify)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once confirmed, got %d: %s", rec.Code, rec.Body.String())
	}
	var verified verifyResult
	decode(t, rec, &verified)
	if !verified.Matched {
		t.Errorf("expected the confirmed receipt to verify, got %+v", verified)
	}
}

func TestServer_LedgerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.AnchorBackend = config.BackendLedger
	cfg.BlockfrostURL = srv.URL
	cfg.BlockfrostProjectID = "preprodTestProject"
	cfg.WalletSigningKey = testSeed
	e := newServer(newTestApp(t, cfg))

	rec := do(t, e, request{
		method: http.MethodPost,
		path:   "/api/v1/records/anchor",
		body:   `{"subject_id":"PAT-001","payload":"x"}`,
		roles:  "doctor",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when Blockfrost is down, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, request{method: http.MethodGet, path: "/health/ready"})
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "blockfrost") {
		t.Errorf("expected unready with blockfrost down, got %d %s", rec.Code, rec.Body.String())
	}
}
