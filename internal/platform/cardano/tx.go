package cardano

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// MinUTxO is the smallest output the wallet creates, in lovelace.
const MinUTxO uint64 = 2_000_000

// MaxMetadataString is the ledger limit on metadata text and byte strings.
const MaxMetadataString = 64

const maxFeeRounds = 10

var txEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type txInput struct {
	_      struct{} `cbor:",toarray"`
	TxHash []byte
	Index  uint32
}

type txOutput struct {
	_       struct{} `cbor:",toarray"`
	Address []byte
	Amount  uint64
}

type txBody struct {
	Inputs      []txInput  `cbor:"0,keyasint"`
	Outputs     []txOutput `cbor:"1,keyasint"`
	Fee         uint64     `cbor:"2,keyasint"`
	TTL         uint64     `cbor:"3,keyasint,omitempty"`
	AuxDataHash []byte     `cbor:"7,keyasint,omitempty"`
}

type vkeyWitness struct {
	_         struct{} `cbor:",toarray"`
	VKey      []byte
	Signature []byte
}

type witnessSet struct {
	VKeyWitnesses []vkeyWitness `cbor:"0,keyasint,omitempty"`
}

type transaction struct {
	_         struct{} `cbor:",toarray"`
	Body      cbor.RawMessage
	Witnesses witnessSet
	Valid     bool
	AuxData   cbor.RawMessage
}

// BuildParams describes a transaction that pays the wallet back to itself
// and carries metadata.
type BuildParams struct {
	UTXOs    []UTXO
	Address  Address
	Label    uint64
	Metadata map[string]any
	TTL      uint64
	Fees     FeeParams
}

// Tx is an unsigned transaction.
type Tx struct {
	ID      [32]byte
	Fee     uint64
	Inputs  int
	body    []byte
	auxData []byte
}

// IDHex returns the transaction id as lower-case hex.
func (t *Tx) IDHex() string { return hex.EncodeToString(t.ID[:]) }

// Sign returns the CBOR encoding of t with a single vkey witness.
func (t *Tx) Sign(key ed25519.PrivateKey) ([]byte, error) {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sign transaction: unexpected public key type")
	}
	return encodeTx(t.body, t.auxData, pub, ed25519.Sign(key, t.ID[:]))
}

func encodeTx(body, aux []byte, vkey, sig []byte) ([]byte, error) {
	return txEnc.Marshal(transaction{
		Body:      body,
		Witnesses: witnessSet{VKeyWitnesses: []vkeyWitness{{VKey: vkey, Signature: sig}}},
		Valid:     true,
		AuxData:   aux,
	})
}

// ValidateMetadata checks that every value is a ledger metadatum the wallet
// can encode and that strings fit the ledger limit.
func ValidateMetadata(md map[string]any) error {
	for k, v := range md {
		if len(k) > MaxMetadataString {
			return fmt.Errorf("metadata key %q exceeds %d bytes", k, MaxMetadataString)
		}
		switch val := v.(type) {
		case string:
			if len(val) > MaxMetadataString {
				return fmt.Errorf("metadata value for %q exceeds %d bytes", k, MaxMetadataString)
			}
		case []byte:
			if len(val) > MaxMetadataString {
				return fmt.Errorf("metadata value for %q exceeds %d bytes", k, MaxMetadataString)
			}
		case int, int64, uint64:
		default:
			return fmt.Errorf("metadata value for %q has unsupported type %T", k, v)
		}
	}
	return nil
}

// BuildMetadataTx selects inputs largest first, sends everything back to the
// wallet address in one output and attaches the metadata under p.Label.
// Outputs holding native tokens are never spent.
func BuildMetadataTx(p BuildParams) (*Tx, error) {
	if err := ValidateMetadata(p.Metadata); err != nil {
		return nil, err
	}
	aux, err := txEnc.Marshal(map[uint64]map[string]any{p.Label: p.Metadata})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	auxHash := blake2b.Sum256(aux)

	type candidate struct {
		in       txInput
		lovelace uint64
	}
	var cands []candidate
	for _, u := range p.UTXOs {
		amount, pure := u.Lovelace()
		if !pure || amount == 0 {
			continue
		}
		h, err := hex.DecodeString(u.TxHash)
		if err != nil || len(h) != 32 {
			continue
		}
		cands = append(cands, candidate{in: txInput{TxHash: h, Index: u.OutputIndex}, lovelace: amount})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].lovelace > cands[j].lovelace })

	var (
		inputs []txInput
		total  uint64
	)
	for _, c := range cands {
		inputs = append(inputs, c.in)
		total += c.lovelace

		body, fee, err := fitFee(inputs, total, p, auxHash[:], aux)
		if err != nil {
			return nil, err
		}
		if total >= fee+MinUTxO {
			return &Tx{ID: blake2b.Sum256(body), Fee: fee, Inputs: len(inputs), body: body, auxData: aux}, nil
		}
	}
	return nil, fmt.Errorf("%w: have %d lovelace in %d spendable outputs, need at least %d plus fee",
		ErrInsufficientFunds, total, len(cands), MinUTxO)
}

// fitFee finds the smallest fee covering the size of the signed
// transaction. The fee changes the encoded size, so it iterates.
func fitFee(inputs []txInput, total uint64, p BuildParams, auxHash, aux []byte) ([]byte, uint64, error) {
	placeholderKey := make([]byte, ed25519.PublicKeySize)
	placeholderSig := make([]byte, ed25519.SignatureSize)

	var fee uint64
	for i := 0; i < maxFeeRounds; i++ {
		change := uint64(0)
		if total > fee {
			change = total - fee
		}
		body, err := txEnc.Marshal(txBody{
			Inputs:      inputs,
			Outputs:     []txOutput{{Address: p.Address.Raw, Amount: change}},
			Fee:         fee,
			TTL:         p.TTL,
			AuxDataHash: auxHash,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("encode transaction body: %w", err)
		}
		signed, err := encodeTx(body, aux, placeholderKey, placeholderSig)
		if err != nil {
			return nil, 0, fmt.Errorf("encode transaction: %w", err)
		}
		need := p.Fees.MinFeeA*uint64(len(signed)) + p.Fees.MinFeeB
		if need <= fee {
			return body, fee, nil
		}
		fee = need
	}
	return nil, 0, fmt.Errorf("fee did not converge after %d rounds", maxFeeRounds)
}

// DecodedTx is the subset of a transaction callers inspect in tests and
// diagnostics.
type DecodedTx struct {
	ID       string
	Fee      uint64
	TTL      uint64
	Inputs   int
	Outputs  []uint64
	Metadata map[uint64]map[string]any
	Signed   bool
}

// DecodeTx parses a transaction produced by Sign.
func DecodeTx(b []byte) (*DecodedTx, error) {
	var tx transaction
	if err := cbor.Unmarshal(b, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	var body txBody
	if err := cbor.Unmarshal(tx.Body, &body); err != nil {
		return nil, fmt.Errorf("decode transaction body: %w", err)
	}
	var md map[uint64]map[string]any
	if err := cbor.Unmarshal(tx.AuxData, &md); err != nil {
		return nil, fmt.Errorf("decode auxiliary data: %w", err)
	}

	id := blake2b.Sum256(tx.Body)
	auxHash := blake2b.Sum256(tx.AuxData)
	if hex.EncodeToString(body.AuxDataHash) != hex.EncodeToString(auxHash[:]) {
		return nil, fmt.Errorf("decode transaction: auxiliary data hash mismatch")
	}

	d := &DecodedTx{
		ID:       hex.EncodeToString(id[:]),
		Fee:      body.Fee,
		TTL:      body.TTL,
		Inputs:   len(body.Inputs),
		Metadata: md,
	}
	for _, o := range body.Outputs {
		d.Outputs = append(d.Outputs, o.Amount)
	}
	for _, w := range tx.Witnesses.VKeyWitnesses {
		if len(w.VKey) == ed25519.PublicKeySize && ed25519.Verify(w.VKey, id[:], w.Signature) {
			d.Signed = true
		}
	}
	return d, nil
}
