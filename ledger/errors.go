/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Callers classify with errors.Is against the sentinels; structured
  errors carry the violated constraint so a caller can decide whether to
  retry, surface to an end user, or escalate.

ERROR CATEGORIES:
  1. Validation  - rejected before any mutation, never worth retrying
                   (InvalidKey, UnknownPartition, UnknownCurrency,
                   AmountOutOfRange, SelfTransfer, LedgerMismatch)
  2. Business    - ExceedsCredits, AlreadyVoided, NotVoidable
  3. Fatal       - AccountIDCollision, ConservationViolated: halt and
                   require an operator, never resolved automatically
  4. Storage     - StorageUnavailable: the only retryable class; retries
                   are safe because transfer ids are idempotent

USAGE:
  _, err := tl.Apply(ctx, t)
  var exceeds *ledger.ExceedsCreditsError
  if errors.As(err, &exceeds) {
      fmt.Printf("short by %d\n", exceeds.Shortfall())
  }
  if ledger.IsRetryable(err) {
      // retry with the same transfer id
  }

SEE ALSO:
  - ledger.go: Raises validation, business and storage errors
  - void.go:   Raises AlreadyVoided, NotVoidable, VoidUnmarked
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidKey is returned when an AccountKey misses a required component.
	ErrInvalidKey = errors.New("invalid account key")

	// ErrUnknownPartition is returned for an unmapped (currency, country)
	// pair or partition id. There is no fallback partition.
	ErrUnknownPartition = errors.New("unknown ledger partition")

	// ErrUnknownCurrency is returned when the amount codec has no precision
	// for a currency.
	ErrUnknownCurrency = errors.New("unknown currency")

	// ErrAmountOutOfRange is returned for negative, zero (for transfers),
	// over-precise or overflowing amounts.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrSelfTransfer is returned when debit and credit account are the same.
	ErrSelfTransfer = errors.New("self transfer rejected")

	// ErrLedgerMismatch is returned when an account belongs to a different
	// partition than the transfer.
	ErrLedgerMismatch = errors.New("ledger partition mismatch")

	// ErrExceedsCredits is returned when a debit would push a constrained
	// account's debits above its credits.
	ErrExceedsCredits = errors.New("debits would exceed credits")

	// ErrAlreadyVoided is returned when a transfer has already been voided.
	ErrAlreadyVoided = errors.New("transfer already voided")

	// ErrNotVoidable is returned when voiding a compensating transfer.
	ErrNotVoidable = errors.New("transfer kind cannot be voided")

	// ErrVoidUnmarked is returned when the compensating transfer was applied
	// but the original could not be marked voided in the metadata index.
	ErrVoidUnmarked = errors.New("void applied but original not marked")

	// ErrAccountIDCollision is returned when two distinct account keys derive
	// the same account id. Fatal: requires operator intervention.
	ErrAccountIDCollision = errors.New("account id collision")

	// ErrStorageUnavailable wraps every backend failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAccountNotFound is returned by AccountReader.Get for unknown ids.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransferNotFound is returned for unknown transfer or reference ids.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrTransferExists is returned by a store when the transfer id was
	// committed by another unit of work first. TransferLedger.Apply turns it
	// into a replay.
	ErrTransferExists = errors.New("transfer id already committed")

	// ErrInvalidTransfer is returned for structurally broken transfers
	// (missing id, unknown kind).
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrInvalidPartitionConfig is returned when the partition table is not
	// a bijection.
	ErrInvalidPartitionConfig = errors.New("invalid partition configuration")

	// ErrConservationViolated is returned when total credits and total
	// debits of a partition differ.
	ErrConservationViolated = errors.New("conservation violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ExceedsCreditsError describes a rejected debit on a constrained account.
type ExceedsCreditsError struct {
	AccountID     AccountID
	CreditsPosted uint64
	DebitsPosted  uint64
	Amount        uint64
}

// Available is the credit left on the account before the rejected transfer.
func (e *ExceedsCreditsError) Available() uint64 {
	if e.DebitsPosted >= e.CreditsPosted {
		return 0
	}
	return e.CreditsPosted - e.DebitsPosted
}

// Shortfall is how much the transfer exceeded the available credit.
func (e *ExceedsCreditsError) Shortfall() uint64 {
	return e.Amount - e.Available()
}

func (e *ExceedsCreditsError) Error() string {
	return fmt.Sprintf("debits would exceed credits on account %s: available %d, requested %d, shortfall %d",
		e.AccountID, e.Available(), e.Amount, e.Shortfall())
}

func (e *ExceedsCreditsError) Unwrap() error { return ErrExceedsCredits }

// LedgerMismatchError names the account whose partition differs.
type LedgerMismatchError struct {
	AccountID         AccountID
	AccountPartition  PartitionID
	TransferPartition PartitionID
}

func (e *LedgerMismatchError) Error() string {
	return fmt.Sprintf("account %s is in partition %d, transfer is in partition %d",
		e.AccountID, e.AccountPartition, e.TransferPartition)
}

func (e *LedgerMismatchError) Unwrap() error { return ErrLedgerMismatch }

// UnknownPartitionError names the lookup that failed.
type UnknownPartitionError struct {
	Currency  string
	Country   string
	Partition PartitionID
}

func (e *UnknownPartitionError) Error() string {
	if e.Currency != "" || e.Country != "" {
		return fmt.Sprintf("no partition for currency %s, country %s", e.Currency, e.Country)
	}
	return fmt.Sprintf("no partition with id %d", e.Partition)
}

func (e *UnknownPartitionError) Unwrap() error { return ErrUnknownPartition }

// AmountError describes why an amount was rejected.
type AmountError struct {
	Amount   string
	Currency string
	Reason   string // "negative", "zero", "precision", "overflow"
}

func (e *AmountError) Error() string {
	if e.Currency == "" {
		return fmt.Sprintf("amount out of range: %s (%s)", e.Amount, e.Reason)
	}
	return fmt.Sprintf("amount out of range: %s %s (%s)", e.Amount, e.Currency, e.Reason)
}

func (e *AmountError) Unwrap() error { return ErrAmountOutOfRange }

// CollisionError reports two distinct keys deriving the same account id.
type CollisionError struct {
	AccountID AccountID
	Existing  AccountKey
	Incoming  AccountKey
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("account id %s already belongs to %s, refusing %s",
		e.AccountID, e.Existing.Canonical(), e.Incoming.Canonical())
}

func (e *CollisionError) Unwrap() error { return ErrAccountIDCollision }

// AlreadyVoidedError names the compensating transfer recorded earlier.
type AlreadyVoidedError struct {
	TransferID     TransferID
	VoidTransferID TransferID
}

func (e *AlreadyVoidedError) Error() string {
	return fmt.Sprintf("transfer %s already voided by %s", e.TransferID, e.VoidTransferID)
}

func (e *AlreadyVoidedError) Unwrap() error { return ErrAlreadyVoided }

// UnmarkedVoidError is a reconciliation concern: the compensating transfer
// is applied, the metadata index does not know about it.
type UnmarkedVoidError struct {
	TransferID     TransferID
	VoidTransferID TransferID
	Err            error
}

func (e *UnmarkedVoidError) Error() string {
	return fmt.Sprintf("void %s of transfer %s applied but not recorded: %v",
		e.VoidTransferID, e.TransferID, e.Err)
}

func (e *UnmarkedVoidError) Unwrap() []error { return []error{ErrVoidUnmarked, e.Err} }

// StorageError wraps a backend failure. It matches both ErrStorageUnavailable
// and the underlying driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// StorageFailure wraps err as a *StorageError unless it is nil or already
// one of the ledger's own errors.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if isLedgerError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request might succeed on retry.
// Only storage failures qualify; retrying them is safe because Apply is
// idempotent on the transfer id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsValidationError returns true for errors raised before any mutation
// because the request itself is invalid.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrUnknownPartition) ||
		errors.Is(err, ErrUnknownCurrency) ||
		errors.Is(err, ErrAmountOutOfRange) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrLedgerMismatch) ||
		errors.Is(err, ErrInvalidTransfer)
}

// IsBusinessRejection returns true for business-rule rejections the caller
// should surface (e.g. decline the end-user's debit).
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrExceedsCredits) ||
		errors.Is(err, ErrAlreadyVoided) ||
		errors.Is(err, ErrNotVoidable)
}

// IsFatal returns true for errors that must halt and page an operator.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAccountIDCollision) ||
		errors.Is(err, ErrConservationViolated)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransferNotFound)
}

func isLedgerError(err error) bool {
	return IsValidationError(err) || IsBusinessRejection(err) || IsFatal(err) ||
		IsNotFound(err) || errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrVoidUnmarked) ||
		errors.Is(err, ErrTransferExists)
}
