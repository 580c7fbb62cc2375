/*
store.go - Persistence interfaces for accounts and applied transfers

PURPOSE:
  Defines the boundary between the transfer algorithm and the database.
  Different implementations use memory, SQLite, PostgreSQL or Pebble;
  the TransferLedger does not know which.

KEY INTERFACES:
  AccountReader: Read one account (safe from anywhere)
  AccountWriter: GetOrCreate / ApplyDelta (only inside WithAccounts)
  Tx:            Everything a transfer needs inside one atomic unit
  Store:         Entry point; WithAccounts opens the atomic unit
  TotalsReader:  Optional; sums for conservation checks

ATOMIC UNIT:
  WithAccounts(ctx, ids, fn) is the only way to obtain an AccountWriter.
  Implementations MUST:
  - Serialize callers whose id sets overlap (account-level locks taken in
    a deterministic order so two transfers A->B and B->A cannot deadlock).
  - Let callers with disjoint id sets run in parallel.
  - Commit every write made by fn together, or none of them if fn fails.
  - Never expose half of a commit to a concurrent reader.

SOLE MUTATION PATH:
  ApplyDelta only adds. Balances are never decremented or overwritten;
  a reversal adds to the opposite side.

SEE ALSO:
  - ledger/store/memory.go: In-memory implementation
  - store/sqlite, store/postgres, store/pebble: Durable implementations
  - ledger/ledgertest: Conformance suite every implementation passes
*/
package ledger

import "context"

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// AccountReader reads account state.
type AccountReader interface {
	// Get returns the account or ErrAccountNotFound.
	Get(ctx context.Context, id AccountID) (Account, error)
}

// AccountWriter mutates account state. Only reachable through a Tx.
type AccountWriter interface {
	// GetOrCreate returns the account, creating it with partition and flags
	// when absent. Concurrent creators converge on one account.
	GetOrCreate(ctx context.Context, id AccountID, partition PartitionID, flags ConstraintFlag) (Account, error)

	// ApplyDelta adds creditDelta to CreditsPosted and debitDelta to
	// DebitsPosted and returns the updated account.
	ApplyDelta(ctx context.Context, id AccountID, creditDelta, debitDelta uint64) (Account, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the view of the store inside WithAccounts. Writes become visible
// to others only when the surrounding WithAccounts commits.
type Tx interface {
	AccountReader
	AccountWriter

	// GetTransfer returns an applied transfer or ErrTransferNotFound.
	GetTransfer(ctx context.Context, id TransferID) (AppliedTransfer, error)

	// PutTransfer records an applied transfer. It is keyed by transfer id.
	PutTransfer(ctx context.Context, at AppliedTransfer) error
}

// Store is the ledger's persistence entry point.
type Store interface {
	AccountReader

	// GetTransfer returns an applied transfer or ErrTransferNotFound.
	GetTransfer(ctx context.Context, id TransferID) (AppliedTransfer, error)

	// WithAccounts runs fn holding exclusive access to ids. If fn returns
	// an error nothing fn wrote is kept and the error is returned as is.
	WithAccounts(ctx context.Context, ids []AccountID, fn func(Tx) error) error
}

// TotalsReader is implemented by stores that can sum a partition.
type TotalsReader interface {
	Totals(ctx context.Context, partition PartitionID) (Totals, error)
}
