/*
ledger.go - Double-entry transfer application

PURPOSE:
  TransferLedger is the only component that changes balances. It validates
  a transfer, applies both sides atomically, and records the transfer as
  proof of application so retries are answered without re-applying.

STATE PER TRANSFER ID:
  Unseen -> Applied   (terminal; later Apply calls replay the result)
  Unseen -> Rejected  (terminal for that call; nothing is persisted, the
                       ledger never retries on its own)

ALGORITHM (Apply):
  1. Already applied?                  -> replay stored result
  2. Structural checks                 -> ErrInvalidTransfer, ErrSelfTransfer,
                                          ErrAmountOutOfRange, ErrUnknownPartition
  3. Inside Store.WithAccounts(debit, credit):
     a. re-check the id (a concurrent Apply of the same id may have won)
     b. GetOrCreate both accounts with the transfer's partition and flags
     c. both partitions == transfer partition  -> else LedgerMismatchError
     d. debit account constrained and
        debits + amount > credits             -> else ExceedsCreditsError
     e. counters would overflow uint64        -> ErrAmountOutOfRange
     f. debit.DebitsPosted += amount; credit.CreditsPosted += amount
     g. PutTransfer(transfer + resulting balances)
  4. Store reports ErrTransferExists     -> the same id won through another
                                          account set; replay its result
  5. Return both resulting balances.

WHY THIS SHAPE:
  Step 1 gives at-most-once application under client retries without a
  pre-check by the caller. Step 3 is one atomic unit, so total credits
  always equal total debits, even as seen by a concurrent reader.

CANCELLATION:
  ctx is honored up to the start of step 3. Once the store transaction
  has begun it runs to commit or rollback; a caller that timed out simply
  retries and gets the replay.

SEE ALSO:
  - store.go: WithAccounts contract
  - void.go:  Compensating transfers go through Apply as well
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// =============================================================================
// TRANSFER LEDGER
// =============================================================================

// TransferLedger applies transfers against a Store.
type TransferLedger struct {
	store       Store
	partitioner *Partitioner
	now         func() time.Time
	logger      *slog.Logger
	metrics     *Metrics
}

// Option configures a TransferLedger.
type Option func(*TransferLedger)

// WithPartitioner makes Apply reject transfers whose partition is not in
// the table.
func WithPartitioner(p *Partitioner) Option {
	return func(l *TransferLedger) { l.partitioner = p }
}

// WithClock overrides time.Now for AppliedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(l *TransferLedger) { l.now = now }
}

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(l *TransferLedger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(l *TransferLedger) { l.metrics = m }
}

// NewTransferLedger creates a ledger over store.
func NewTransferLedger(store Store, opts ...Option) *TransferLedger {
	l := &TransferLedger{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *TransferLedger) Store() Store { return l.store }

// Apply applies t exactly once. See the file comment for the algorithm.
func (l *TransferLedger) Apply(ctx context.Context, t Transfer) (res TransferResult, err error) {
	start := time.Now()
	defer func() { l.metrics.observeApply(start, res, err) }()

	if t.ID == "" {
		return TransferResult{}, fmt.Errorf("%w: missing transfer id", ErrInvalidTransfer)
	}

	// 1. Idempotent replay
	prior, err := l.store.GetTransfer(ctx, t.ID)
	switch {
	case err == nil:
		l.logger.Debug("transfer_replayed", slog.String("transfer_id", string(t.ID)))
		return resultFrom(prior, true), nil
	case !errors.Is(err, ErrTransferNotFound):
		return TransferResult{}, err
	}

	// 2. Structural validation
	if err := l.validate(t); err != nil {
		l.logger.Info("transfer_rejected", slog.String("transfer_id", string(t.ID)), slog.String("error", err.Error()))
		return TransferResult{}, err
	}
	if t.AppliedAt.IsZero() {
		t.AppliedAt = l.now()
	}

	if err := ctx.Err(); err != nil {
		return TransferResult{}, err
	}

	// 3. Atomic two-sided update
	var (
		applied  AppliedTransfer
		replayed bool
	)
	err = l.store.WithAccounts(ctx, []AccountID{t.DebitAccountID, t.CreditAccountID}, func(tx Tx) error {
		existing, err := tx.GetTransfer(ctx, t.ID)
		if err == nil {
			applied, replayed = existing, true
			return nil
		}
		if !errors.Is(err, ErrTransferNotFound) {
			return err
		}

		debit, err := tx.GetOrCreate(ctx, t.DebitAccountID, t.Partition, t.DebitAccountFlags)
		if err != nil {
			return err
		}
		credit, err := tx.GetOrCreate(ctx, t.CreditAccountID, t.Partition, t.CreditAccountFlags)
		if err != nil {
			return err
		}
		if err := checkPosting(t, debit, credit); err != nil {
			return err
		}

		if debit, err = tx.ApplyDelta(ctx, debit.ID, 0, t.Amount); err != nil {
			return err
		}
		if credit, err = tx.ApplyDelta(ctx, credit.ID, t.Amount, 0); err != nil {
			return err
		}

		applied = AppliedTransfer{Transfer: t, DebitAccount: debit, CreditAccount: credit}
		return tx.PutTransfer(ctx, applied)
	})
	if errors.Is(err, ErrTransferExists) {
		// Same id committed through a disjoint account set.
		applied, err = l.store.GetTransfer(ctx, t.ID)
		replayed = err == nil
	}
	if err != nil {
		l.logRejection(t, err)
		return TransferResult{}, err
	}

	if replayed {
		l.logger.Debug("transfer_replayed", slog.String("transfer_id", string(t.ID)), slog.Bool("concurrent", true))
		return resultFrom(applied, true), nil
	}

	l.logger.Info("transfer_applied",
		slog.String("transfer_id", string(t.ID)),
		slog.String("kind", string(t.Kind)),
		slog.Uint64("amount", t.Amount),
		slog.Uint64("partition", uint64(t.Partition)),
		slog.String("debit_account", t.DebitAccountID.String()),
		slog.String("credit_account", t.CreditAccountID.String()),
	)
	return resultFrom(applied, false), nil
}

// Transfer returns a previously applied transfer.
func (l *TransferLedger) Transfer(ctx context.Context, id TransferID) (AppliedTransfer, error) {
	return l.store.GetTransfer(ctx, id)
}

// Account returns the current state of an account.
func (l *TransferLedger) Account(ctx context.Context, id AccountID) (Account, error) {
	return l.store.Get(ctx, id)
}

// VerifyConservation sums a partition and fails with ErrConservationViolated
// if credits and debits differ. Requires a store implementing TotalsReader.
func (l *TransferLedger) VerifyConservation(ctx context.Context, partition PartitionID) (Totals, error) {
	tr, ok := l.store.(TotalsReader)
	if !ok {
		return Totals{}, fmt.Errorf("store %T cannot compute totals", l.store)
	}
	totals, err := tr.Totals(ctx, partition)
	if err != nil {
		return Totals{}, err
	}
	if !totals.Balanced() {
		l.logger.Error("conservation_violated",
			slog.Uint64("partition", uint64(partition)),
			slog.String("credits", totals.CreditsPosted.String()),
			slog.String("debits", totals.DebitsPosted.String()),
		)
		return totals, fmt.Errorf("%w: partition %d credits %s debits %s",
			ErrConservationViolated, partition, totals.CreditsPosted, totals.DebitsPosted)
	}
	return totals, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func (l *TransferLedger) validate(t Transfer) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransfer, t.Kind)
	}
	if t.Kind.IsVoid() != (t.LinkedTransferID != "") {
		return fmt.Errorf("%w: kind %s with linked transfer %q", ErrInvalidTransfer, t.Kind, t.LinkedTransferID)
	}
	if t.Amount == 0 {
		return &AmountError{Amount: "0", Reason: "zero"}
	}
	if t.DebitAccountID == t.CreditAccountID {
		return fmt.Errorf("%w: account %s on both sides", ErrSelfTransfer, t.DebitAccountID)
	}
	if l.partitioner != nil {
		if _, _, err := l.partitioner.Resolve(t.Partition); err != nil {
			return err
		}
	}
	return nil
}

// checkPosting enforces partition and balance constraints on the current
// account state.
func checkPosting(t Transfer, debit, credit Account) error {
	for _, a := range []Account{debit, credit} {
		if a.Partition != t.Partition {
			return &LedgerMismatchError{AccountID: a.ID, AccountPartition: a.Partition, TransferPartition: t.Partition}
		}
	}
	if debit.Flags == FlagDebitsMustNotExceedCredits && t.Amount > debit.AvailableCredit() {
		return &ExceedsCreditsError{
			AccountID:     debit.ID,
			CreditsPosted: debit.CreditsPosted,
			DebitsPosted:  debit.DebitsPosted,
			Amount:        t.Amount,
		}
	}
	const max = ^uint64(0)
	if debit.DebitsPosted > max-t.Amount {
		return &AmountError{Amount: fmt.Sprint(t.Amount), Reason: "overflow of debits posted on " + debit.ID.String()}
	}
	if credit.CreditsPosted > max-t.Amount {
		return &AmountError{Amount: fmt.Sprint(t.Amount), Reason: "overflow of credits posted on " + credit.ID.String()}
	}
	return nil
}

func (l *TransferLedger) logRejection(t Transfer, err error) {
	attrs := []any{
		slog.String("transfer_id", string(t.ID)),
		slog.String("kind", string(t.Kind)),
		slog.Uint64("amount", t.Amount),
		slog.String("error", err.Error()),
	}
	switch {
	case IsRetryable(err):
		l.logger.Error("transfer_storage_failure", attrs...)
	case IsBusinessRejection(err) || IsValidationError(err):
		l.logger.Info("transfer_rejected", attrs...)
	default:
		l.logger.Warn("transfer_failed", attrs...)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
