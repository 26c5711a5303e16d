package cardano

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testTxHash = "8f5b1a6e0c3f2d4b7a9e1c0d2f3b4a5c6d7e8f9a0b1c2d3e4f5a6b7c8d9e0f1a"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "preprodTestProject")
}

func TestClient_SendsProjectID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("project_id"); got != "preprodTestProject" {
			t.Errorf("expected project_id header, got %q", got)
		}
		if r.URL.Path != "/blocks/latest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"slot": 51234567, "height": 2100000}`)
	})

	slot, err := c.LatestSlot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot != 51234567 {
		t.Errorf("expected slot 51234567, got %d", slot)
	}
}

func TestClient_SubmitTx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx/submit" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/cbor" {
			t.Errorf("expected application/cbor, got %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "\x84\xa0" {
			t.Errorf("unexpected body %x", body)
		}
		json.NewEncoder(w).Encode(testTxHash)
	})

	id, err := c.SubmitTx(context.Background(), []byte("\x84\xa0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != testTxHash {
		t.Errorf("expected %s, got %s", testTxHash, id)
	}
}

func TestClient_SubmitTx_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"status_code":400,"error":"Bad Request","message":"ValueNotConservedUTxO"}`)
	})

	_, err := c.SubmitTx(context.Background(), []byte{0x80})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "ValueNotConservedUTxO") {
		t.Errorf("expected node message in error, got %v", err)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusForbidden, ErrUnavailable},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadRequest, ErrUnavailable},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		_, err := c.TxMetadata(context.Background(), testTxHash)
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestClient_TransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, "p")
	if _, err := c.LatestSlot(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.LatestSlot(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on deadline, got %v", err)
	}
}

func TestClient_LabelMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/txs/"+testTxHash+"/metadata" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `[
			{"label":"721","json_metadata":{"name":"nft"}},
			{"label":"674","json_metadata":{"patient_id":"patient-1"}}
		]`)
	})

	raw, err := c.LabelMetadata(context.Background(), testTxHash, 674)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var md map[string]string
	if err := json.Unmarshal(raw, &md); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if md["patient_id"] != "patient-1" {
		t.Errorf("expected patient-1, got %v", md)
	}

	if _, err := c.LabelMetadata(context.Background(), testTxHash, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing label, got %v", err)
	}
}

func TestClient_AddressUTXOs_Paginates(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		page := r.URL.Query().Get("page")
		var out []UTXO
		n := pageSize
		if page == "2" {
			n = 3
		}
		for i := 0; i < n; i++ {
			out = append(out, UTXO{TxHash: testTxHash, OutputIndex: uint32(i), Amount: []Amount{{Unit: "lovelace", Quantity: "1000000"}}})
		}
		json.NewEncoder(w).Encode(out)
	})

	utxos, err := c.AddressUTXOs(context.Background(), "addr_test1xyz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(utxos) != pageSize+3 {
		t.Errorf("expected %d utxos, got %d", pageSize+3, len(utxos))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 pages fetched, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClient_AddressUTXOs_UnusedAddress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"status_code":404,"error":"Not Found","message":"The requested component has not been found."}`)
	})

	utxos, err := c.AddressUTXOs(context.Background(), "addr_test1xyz")
	if err != nil {
		t.Fatalf("expected no error for unused address, got %v", err)
	}
	if len(utxos) != 0 {
		t.Errorf("expected no utxos, got %d", len(utxos))
	}
}

func TestClient_FeeParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"epoch":150,"min_fee_a":45,"min_fee_b":155000}`)
	})
	p, err := c.FeeParams(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.MinFeeA != 45 || p.MinFeeB != 155000 {
		t.Errorf("unexpected fee params %+v", p)
	}
}

func TestUTXO_Lovelace(t *testing.T) {
	u := UTXO{Amount: []Amount{{Unit: "lovelace", Quantity: "5000000"}}}
	if n, pure := u.Lovelace(); n != 5000000 || !pure {
		t.Errorf("expected 5000000 pure, got %d %v", n, pure)
	}
	u.Amount = append(u.Amount, Amount{Unit: "abcd", Quantity: "1"})
	if _, pure := u.Lovelace(); pure {
		t.Error("expected output with tokens to be impure")
	}
}

func TestClient_TxStatus(t *testing.T) {
	tests := []struct {
		name    string
		txs     int
		mempool int
		want    TxState
		wantErr error
	}{
		{"in a block", http.StatusOK, http.StatusNotFound, TxConfirmed, nil},
		{"in the mempool", http.StatusNotFound, http.StatusOK, TxPending, nil},
		{"unknown", http.StatusNotFound, http.StatusNotFound, TxUnknown, nil},
		{"txs throttled", http.StatusTooManyRequests, http.StatusOK, TxUnknown, ErrUnavailable},
		{"mempool down", http.StatusNotFound, http.StatusBadGateway, TxUnknown, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/txs/" + testTxHash:
					w.WriteHeader(tt.txs)
					fmt.Fprintf(w, `{"hash":"%s"}`, testTxHash)
				case "/mempool/" + testTxHash:
					w.WriteHeader(tt.mempool)
					fmt.Fprintf(w, `{"tx":{"hash":"%s"}}`, testTxHash)
				default:
					t.Errorf("unexpected path %s", r.URL.Path)
					w.WriteHeader(http.StatusNotFound)
				}
			})

			got, err := c.TxStatus(context.Background(), testTxHash)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected state %d, got %d", tt.want, got)
			}
		})
	}
}
