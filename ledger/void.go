/*
void.go - Reversal of an applied transfer

PURPOSE:
  A void never edits history. It applies a compensating transfer with the
  accounts swapped, the same amount and partition, and a link back to the
  original. Afterwards both transfers exist and the net effect on every
  account is zero.

FLOW:
  index.Get(original)            -> ErrTransferNotFound
  already voided?                -> *AlreadyVoidedError
  void kind?                     -> ErrNotVoidable
  ledger.Apply(compensating)     -> id = VoidTransferID(original)
  index.MarkVoided(original, id) -> *AlreadyVoidedError if a concurrent void won
                                    *UnmarkedVoidError on any other failure

RECOVERY:
  The compensating transfer id is a pure function of the original id. If the
  process dies between Apply and MarkVoided, calling Void again replays the
  compensating transfer (no second reversal) and completes the mark.
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// transferNamespace scopes the name-based UUIDs of derived transfer ids.
var transferNamespace = uuid.MustParse("8f1d2c4e-6a7b-5c3d-9e0f-1a2b3c4d5e6f")

// TransferIDForReference derives the transfer id of a caller reference id.
// The same reference always yields the same id, so a retried request is a
// replay.
func TransferIDForReference(referenceID string) TransferID {
	return TransferID(uuid.NewSHA1(transferNamespace, []byte("ref:"+referenceID)).String())
}

// VoidTransferID derives the id of the compensating transfer of original.
func VoidTransferID(original TransferID) TransferID {
	return TransferID(uuid.NewSHA1(transferNamespace, []byte("void:"+string(original))).String())
}

// CompensatingTransfer builds the reversal of t.
func CompensatingTransfer(t Transfer) (Transfer, error) {
	kind, ok := t.Kind.VoidKind()
	if !ok {
		return Transfer{}, ErrNotVoidable
	}
	return Transfer{
		ID:               VoidTransferID(t.ID),
		DebitAccountID:   t.CreditAccountID,
		CreditAccountID:  t.DebitAccountID,
		Amount:           t.Amount,
		Partition:        t.Partition,
		Kind:             kind,
		LinkedTransferID: t.ID,
	}, nil
}

// =============================================================================
// VOID COORDINATOR
// =============================================================================

// VoidCoordinator reverses applied transfers at most once.
type VoidCoordinator struct {
	ledger  *TransferLedger
	index   MetadataIndex
	logger  *slog.Logger
	metrics *Metrics
}

// VoidOption configures a VoidCoordinator.
type VoidOption func(*VoidCoordinator)

// WithVoidLogger sets the structured logger. A nil logger is ignored.
func WithVoidLogger(logger *slog.Logger) VoidOption {
	return func(v *VoidCoordinator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithVoidMetrics enables the void outcome counter.
func WithVoidMetrics(m *Metrics) VoidOption {
	return func(v *VoidCoordinator) { v.metrics = m }
}

// NewVoidCoordinator creates a coordinator applying reversals through l.
func NewVoidCoordinator(l *TransferLedger, index MetadataIndex, opts ...VoidOption) *VoidCoordinator {
	v := &VoidCoordinator{ledger: l, index: index, logger: discardLogger()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Void reverses the transfer identified by original (a transfer id or a
// reference id known to the index).
//
// On *UnmarkedVoidError the returned result is valid: the reversal is
// applied and only the index is behind.
func (v *VoidCoordinator) Void(ctx context.Context, original string) (res TransferResult, err error) {
	defer func() { v.metrics.observeVoid(err) }()

	meta, err := v.index.Get(ctx, original)
	if err != nil {
		return TransferResult{}, err
	}
	if meta.Voided() {
		return TransferResult{}, &AlreadyVoidedError{TransferID: meta.TransferID, VoidTransferID: meta.VoidTransferID}
	}
	if meta.Kind.IsVoid() {
		return TransferResult{}, ErrNotVoidable
	}

	applied, err := v.ledger.Transfer(ctx, meta.TransferID)
	if err != nil {
		return TransferResult{}, err
	}
	comp, err := CompensatingTransfer(applied.Transfer)
	if err != nil {
		return TransferResult{}, err
	}
	comp.AppliedAt = time.Time{}

	res, err = v.ledger.Apply(ctx, comp)
	if err != nil {
		return TransferResult{}, err
	}

	if err := v.index.MarkVoided(ctx, meta.TransferID, comp.ID); err != nil {
		if errors.Is(err, ErrAlreadyVoided) {
			return TransferResult{}, err
		}
		v.logger.Error("void_unmarked",
			slog.String("transfer_id", string(meta.TransferID)),
			slog.String("void_transfer_id", string(comp.ID)),
			slog.String("error", err.Error()),
		)
		return res, &UnmarkedVoidError{TransferID: meta.TransferID, VoidTransferID: comp.ID, Err: err}
	}

	v.logger.Info("transfer_voided",
		slog.String("transfer_id", string(meta.TransferID)),
		slog.String("void_transfer_id", string(comp.ID)),
		slog.String("kind", string(comp.Kind)),
		slog.Uint64("amount", comp.Amount),
		slog.Bool("replayed", res.Replayed),
	)
	return res, nil
}
