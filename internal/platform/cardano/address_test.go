package cardano

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

func sequentialKeyHash() [KeyHashSize]byte {
	var h [KeyHashSize]byte
	for i := range h {
		h[i] = byte(i)
	}
	return h
}

func TestEnterpriseAddress_Bech32(t *testing.T) {
	tests := []struct {
		network Network
		want    string
	}{
		{Preprod, "addr_test1vqqqzqsrqszsvpcgpy9qkrqdpc83qygjzv2p29shrqv35xcftcpvd"},
		{Preview, "addr_test1vqqqzqsrqszsvpcgpy9qkrqdpc83qygjzv2p29shrqv35xcftcpvd"},
		{Mainnet, "addr1vyqqzqsrqszsvpcgpy9qkrqdpc83qygjzv2p29shrqv35xcjrvarg"},
	}
	for _, tt := range tests {
		got := EnterpriseAddress(tt.network, sequentialKeyHash()).String()
		if got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.network, tt.want, got)
		}
	}
}

func TestParseAddress_RoundTrip(t *testing.T) {
	addr := EnterpriseAddress(Mainnet, sequentialKeyHash())
	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Network != Mainnet {
		t.Errorf("expected mainnet, got %s", parsed.Network)
	}
	if hex.EncodeToString(parsed.Raw) != hex.EncodeToString(addr.Raw) {
		t.Errorf("raw bytes differ after round trip")
	}
	if parsed.PaymentKeyHash() != "000102030405060708090a0b0c0d0e0f101112131415161718191a1b" {
		t.Errorf("unexpected key hash %s", parsed.PaymentKeyHash())
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	bad := []string{
		"",
		"addr_test1vqqqzqsrqszsvpcgpy9qkrqdpc83qygjzv2p29shrqv35xcftcpve", // checksum
		"addr1vqqqzqsrqszsvpcgpy9qkrqdpc83qygjzv2p29shrqv35xcftcpvd",      // hrp/network mismatch
	}
	for _, s := range bad {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestKeyHash(t *testing.T) {
	h := KeyHash(ed25519.PublicKey{})
	if got := hex.EncodeToString(h[:]); got != "836cc68931c2e4e3e838602eca1902591d216837bafddfe6f0c8cb07" {
		t.Errorf("unexpected blake2b-224 of empty input: %s", got)
	}
}

func TestParseNetwork(t *testing.T) {
	for _, s := range []string{"mainnet", "preprod", "preview"} {
		if _, err := ParseNetwork(s); err != nil {
			t.Errorf("expected %s to parse: %v", s, err)
		}
	}
	if _, err := ParseNetwork("testnet"); err == nil {
		t.Error("expected error for unknown network")
	}
}
