package cardano

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

// Network identifies a Cardano network.
type Network string

const (
	Mainnet Network = "mainnet"
	Preprod Network = "preprod"
	Preview Network = "preview"
)

// KeyHashSize is the size of a verification key hash.
const KeyHashSize = 28

// enterprise address: header type 0110, payment key hash, no stake part
const enterpriseHeader byte = 0x60

// ParseNetwork validates a network name.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case Mainnet, Preprod, Preview:
		return n, nil
	default:
		return "", fmt.Errorf("unknown cardano network %q", s)
	}
}

func (n Network) id() byte {
	if n == Mainnet {
		return 1
	}
	return 0
}

func (n Network) hrp() string {
	if n == Mainnet {
		return "addr"
	}
	return "addr_test"
}

// KeyHash returns the blake2b-224 hash of a verification key.
func KeyHash(pub ed25519.PublicKey) [KeyHashSize]byte {
	h, err := blake2b.New(KeyHashSize, nil)
	if err != nil {
		panic(err) // only fails for invalid sizes
	}
	h.Write(pub)
	var out [KeyHashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Address is a decoded Shelley address.
type Address struct {
	Network Network
	Raw     []byte
}

// EnterpriseAddress returns the enterprise address of a payment key hash.
func EnterpriseAddress(n Network, keyHash [KeyHashSize]byte) Address {
	raw := make([]byte, 0, 1+KeyHashSize)
	raw = append(raw, enterpriseHeader|n.id())
	raw = append(raw, keyHash[:]...)
	return Address{Network: n, Raw: raw}
}

// String returns the bech32 form.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.Raw, 8, 5, true)
	if err != nil {
		return ""
	}
	s, err := bech32.Encode(a.Network.hrp(), conv)
	if err != nil {
		return ""
	}
	return s
}

// PaymentKeyHash returns the hex payment credential of a key-hash address.
func (a Address) PaymentKeyHash() string {
	if len(a.Raw) < 1+KeyHashSize {
		return ""
	}
	return hex.EncodeToString(a.Raw[1 : 1+KeyHashSize])
}

// ParseAddress decodes a bech32 Shelley address.
func ParseAddress(s string) (Address, error) {
	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return Address{}, fmt.Errorf("decode address: %w", err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("decode address: %w", err)
	}
	if len(raw) < 1+KeyHashSize {
		return Address{}, fmt.Errorf("address too short: %d bytes", len(raw))
	}

	netID := raw[0] & 0x0f
	var n Network
	switch {
	case hrp == "addr" && netID == 1:
		n = Mainnet
	case hrp == "addr_test" && netID == 0:
		// preprod and preview share a network id
		n = Preprod
	default:
		return Address{}, fmt.Errorf("address prefix %q does not match network id %d", hrp, netID)
	}
	return Address{Network: n, Raw: raw}, nil
}
