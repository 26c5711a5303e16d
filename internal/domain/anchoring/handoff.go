package anchoring

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Handoff kinds.
const (
	HandoffRecord        = "record"
	HandoffPatientAccess = "patient_access"
)

// handoffPrefix marks the compact scannable encoding.
const handoffPrefix = "HP1:"

// ErrInvalidHandoff is returned when a scanned code cannot be decoded.
var ErrInvalidHandoff = errors.New("invalid handoff code")

// Handoff is the content of a scannable code passed from a record's issuer
// to a later verifier. A record handoff carries the triple needed to call
// Verify; a patient access handoff only identifies the subject.
type Handoff struct {
	Kind        string      `json:"type"`
	ReceiptID   string      `json:"receipt_id,omitempty"`
	SubjectID   string      `json:"subject_id"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

type handoffWire struct {
	Kind        uint8  `cbor:"0,keyasint"`
	ReceiptID   string `cbor:"1,keyasint,omitempty"`
	SubjectID   string `cbor:"2,keyasint"`
	Fingerprint []byte `cbor:"3,keyasint,omitempty"`
}

const (
	wireRecord        uint8 = 1
	wirePatientAccess uint8 = 2
)

// legacyHandoff is the JSON form earlier portal builds put in QR codes.
type legacyHandoff struct {
	TxHash     string `json:"txHash"`
	PatientID  string `json:"patientId"`
	RecordHash string `json:"recordHash"`
	Type       string `json:"type"`
}

var handoffEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewHandoff returns the record handoff for a receipt.
func NewHandoff(r *AnchorReceipt) Handoff {
	return Handoff{
		Kind:        HandoffRecord,
		ReceiptID:   r.ReceiptID,
		SubjectID:   r.SubjectID,
		Fingerprint: r.Fingerprint,
	}
}

// NewPatientAccessHandoff returns a handoff granting a verifier the subject
// reference only.
func NewPatientAccessHandoff(subjectID string) Handoff {
	return Handoff{Kind: HandoffPatientAccess, SubjectID: subjectID}
}

// Encode renders h as a compact, URL-safe string suitable for a QR code.
func (h Handoff) Encode() (string, error) {
	w := handoffWire{SubjectID: h.SubjectID}
	switch h.Kind {
	case HandoffRecord:
		if h.ReceiptID == "" {
			return "", fmt.Errorf("%w: record handoff needs a receipt id", ErrInvalidHandoff)
		}
		w.Kind = wireRecord
		w.ReceiptID = h.ReceiptID
		w.Fingerprint = h.Fingerprint[:]
	case HandoffPatientAccess:
		w.Kind = wirePatientAccess
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidHandoff, h.Kind)
	}
	if h.SubjectID == "" {
		return "", fmt.Errorf("%w: subject id is empty", ErrInvalidHandoff)
	}

	b, err := handoffEnc.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode handoff: %w", err)
	}
	return handoffPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeHandoff parses a scanned code. Both the compact encoding produced by
// Encode and the JSON form {txHash, patientId, recordHash} are accepted.
func DecodeHandoff(code string) (*Handoff, error) {
	code = strings.TrimSpace(code)
	switch {
	case strings.HasPrefix(code, handoffPrefix):
		return decodeCompact(strings.TrimPrefix(code, handoffPrefix))
	case strings.HasPrefix(code, "{"):
		return decodeLegacy(code)
	default:
		return nil, fmt.Errorf("%w: unrecognised format", ErrInvalidHandoff)
	}
}

func decodeCompact(s string) (*Handoff, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandoff, err)
	}
	var w handoffWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandoff, err)
	}
	if w.SubjectID == "" {
		return nil, fmt.Errorf("%w: subject id is empty", ErrInvalidHandoff)
	}

	switch w.Kind {
	case wireRecord:
		if w.ReceiptID == "" || len(w.Fingerprint) != FingerprintSize {
			return nil, fmt.Errorf("%w: incomplete record handoff", ErrInvalidHandoff)
		}
		h := &Handoff{Kind: HandoffRecord, ReceiptID: w.ReceiptID, SubjectID: w.SubjectID}
		copy(h.Fingerprint[:], w.Fingerprint)
		return h, nil
	case wirePatientAccess:
		return &Handoff{Kind: HandoffPatientAccess, SubjectID: w.SubjectID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidHandoff, w.Kind)
	}
}

func decodeLegacy(s string) (*Handoff, error) {
	var l legacyHandoff
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandoff, err)
	}
	if l.PatientID == "" {
		return nil, fmt.Errorf("%w: patientId is empty", ErrInvalidHandoff)
	}
	if l.Type == HandoffPatientAccess {
		return &Handoff{Kind: HandoffPatientAccess, SubjectID: l.PatientID}, nil
	}
	if l.TxHash == "" {
		return nil, fmt.Errorf("%w: txHash is empty", ErrInvalidHandoff)
	}
	fp, err := ParseFingerprint(l.RecordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: recordHash: %v", ErrInvalidHandoff, err)
	}
	return &Handoff{Kind: HandoffRecord, ReceiptID: l.TxHash, SubjectID: l.PatientID, Fingerprint: fp}, nil
}
