package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/anchor/internal/domain/anchoring"
	"github.com/ehr/anchor/internal/platform/cardano"
	"github.com/ehr/anchor/internal/platform/hipaa"
	"github.com/ehr/anchor/internal/platform/middleware"
)

// ledgerError maps Blockfrost and wallet errors onto the anchoring error
// set, keeping the original as context.
func ledgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cardano.ErrNotFound):
		return fmt.Errorf("%w: %v", anchoring.ErrReceiptNotFound, err)
	case errors.Is(err, cardano.ErrDeclined):
		return fmt.Errorf("%w: %v", anchoring.ErrSigningRejected, err)
	case errors.Is(err, cardano.ErrRejected),
		errors.Is(err, cardano.ErrInsufficientFunds),
		errors.Is(err, cardano.ErrUnavailable):
		return fmt.Errorf("%w: %v", anchoring.ErrAnchoringUnavailable, err)
	default:
		return err
	}
}

// ledgerAdapter adapts the Blockfrost client to anchoring.Ledger.
type ledgerAdapter struct {
	client *cardano.Client
}

func (a *ledgerAdapter) Submit(ctx context.Context, signedTx []byte) (string, error) {
	id, err := a.client.SubmitTx(ctx, signedTx)
	return id, ledgerError(err)
}

func (a *ledgerAdapter) Metadata(ctx context.Context, txID string, label uint64) (json.RawMessage, error) {
	md, err := a.client.LabelMetadata(ctx, txID, label)
	return md, ledgerError(err)
}

func (a *ledgerAdapter) Pending(ctx context.Context, txID string) (bool, error) {
	state, err := a.client.TxStatus(ctx, txID)
	if err != nil {
		return false, ledgerError(err)
	}
	return state == cardano.TxPending, nil
}

// walletAdapter adapts the key wallet to anchoring.IdentityProvider.
type walletAdapter struct {
	wallet *cardano.KeyWallet
}

func toIdentity(id cardano.Identity) anchoring.Identity {
	return anchoring.Identity{Name: id.Name, Address: id.Address, KeyHash: id.KeyHash}
}

func (a *walletAdapter) Identities(ctx context.Context) ([]anchoring.Identity, error) {
	ids, err := a.wallet.Identities(ctx)
	if err != nil {
		return nil, ledgerError(err)
	}
	out := make([]anchoring.Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, toIdentity(id))
	}
	return out, nil
}

func (a *walletAdapter) Current(ctx context.Context) (anchoring.Identity, error) {
	id, err := a.wallet.Current(ctx)
	if err != nil {
		return anchoring.Identity{}, ledgerError(err)
	}
	return toIdentity(id), nil
}

func (a *walletAdapter) Authorize(ctx context.Context, req anchoring.SigningRequest) (*anchoring.SignedSubmission, error) {
	signed, err := a.wallet.Authorize(ctx, cardano.SigningRequest{Label: req.Label, Metadata: req.Metadata})
	if err != nil {
		return nil, ledgerError(err)
	}
	return &anchoring.SignedSubmission{TxID: signed.ID, Tx: signed.CBOR}, nil
}

// accessRecorder copies audit middleware entries into the access log.
func accessRecorder(log *hipaa.AccessLog) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(e middleware.AuditEntry) error {
		log.Add(&hipaa.AccessEntry{
			Timestamp:  e.Timestamp,
			UserID:     e.UserID,
			Roles:      e.UserRoles,
			SubjectID:  e.SubjectID,
			ReceiptID:  e.ReceiptID,
			Action:     e.Action,
			StatusCode: e.StatusCode,
			SourceIP:   e.IPAddress,
			UserAgent:  e.UserAgent,
			Route:      e.Route,
			RequestID:  e.RequestID,
		})
		return nil
	})
}
