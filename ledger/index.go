/*
index.go - Contracts of the external registries the core depends on

PURPOSE:
  The ledger core needs two registries it does not own:

  MetadataIndex: application reference id -> transfer id + void state.
                 Consulted by the VoidCoordinator; written by the wallet
                 service after each application.

  KeyRegistry:   AccountID -> AccountKey side table. Detects the (never
                 expected) case of two keys deriving the same id, and
                 answers "which accounts does this client own".

  Both need read-after-write consistency for a single id and nothing
  more. Implementations live next to the stores (memory, sqlite).
*/
package ledger

import (
	"context"
	"time"
)

// TransferMetadata is what the index remembers about an applied transfer.
type TransferMetadata struct {
	TransferID      TransferID   `json:"transfer_id"`
	ReferenceID     string       `json:"reference_id"`
	AccountID       AccountID    `json:"account_id"` // the customer-side account
	DebitAccountID  AccountID    `json:"debit_account_id"`
	CreditAccountID AccountID    `json:"credit_account_id"`
	Partition       PartitionID  `json:"partition"`
	Kind            TransferKind `json:"kind"`
	Amount          uint64       `json:"amount"`
	VoidTransferID  TransferID   `json:"void_transfer_id,omitempty"`
	RecordedAt      time.Time    `json:"recorded_at"`
}

// Voided reports whether a compensating transfer has been recorded.
func (m TransferMetadata) Voided() bool { return m.VoidTransferID != "" }

// MetadataFromTransfer fills the transfer-derived fields of a metadata row.
func MetadataFromTransfer(t Transfer, referenceID string, accountID AccountID) TransferMetadata {
	return TransferMetadata{
		TransferID:      t.ID,
		ReferenceID:     referenceID,
		AccountID:       accountID,
		DebitAccountID:  t.DebitAccountID,
		CreditAccountID: t.CreditAccountID,
		Partition:       t.Partition,
		Kind:            t.Kind,
		Amount:          t.Amount,
	}
}

// MetadataIndex maps reference ids to transfers and tracks void state.
type MetadataIndex interface {
	// RecordApplication stores m. Recording the same transfer id again is
	// a no-op.
	RecordApplication(ctx context.Context, m TransferMetadata) error

	// Get looks up by reference id first, then by transfer id.
	// Returns ErrTransferNotFound if neither matches.
	Get(ctx context.Context, referenceOrTransferID string) (TransferMetadata, error)

	// MarkVoided sets the void transfer id of transferID if it is unset.
	// Returns *AlreadyVoidedError if it is already set (even to the same
	// value) and ErrTransferNotFound for unknown ids.
	MarkVoided(ctx context.Context, transferID, voidTransferID TransferID) error
}

// KeyRegistry remembers which key produced which account id.
type KeyRegistry interface {
	// Register records key under id. Registering the same key twice is a
	// no-op; a different key under the same id is a *CollisionError.
	Register(ctx context.Context, id AccountID, key AccountKey) error

	// Lookup returns the key registered under id or ErrAccountNotFound.
	Lookup(ctx context.Context, id AccountID) (AccountKey, error)

	// AccountsForClient lists the ids registered for a client id.
	AccountsForClient(ctx context.Context, clientID string) ([]AccountID, error)
}

// RegisterKey derives the id of key and registers it. It is the admission
// check every caller-facing operation goes through.
func RegisterKey(ctx context.Context, reg KeyRegistry, key AccountKey) (AccountID, error) {
	id, err := DeriveAccountID(key)
	if err != nil {
		return id, err
	}
	if err := reg.Register(ctx, id, key.Normalize()); err != nil {
		return id, err
	}
	return id, nil
}
