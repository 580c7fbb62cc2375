// Package store provides the in-memory ledger.Store, MetadataIndex and
// KeyRegistry implementations used by tests and local development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/store/lockset"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a ledger.Store backed by maps.
//
// WithAccounts holds the per-account locks of its id set while fn runs and
// stages every write. On success the staged writes are published under the
// map lock in one step, so a reader sees either none or all of a transfer.
type Memory struct {
	mu        sync.RWMutex
	accounts  map[ledger.AccountID]ledger.Account
	transfers map[ledger.TransferID]ledger.AppliedTransfer
	locks     *lockset.Set
}

var (
	_ ledger.Store        = (*Memory)(nil)
	_ ledger.TotalsReader = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[ledger.AccountID]ledger.Account),
		transfers: make(map[ledger.TransferID]ledger.AppliedTransfer),
		locks:     lockset.New(),
	}
}

func (m *Memory) Get(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) GetTransfer(_ context.Context, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.transfers[id]
	if !ok {
		return ledger.AppliedTransfer{}, ledger.ErrTransferNotFound
	}
	return at, nil
}

// WithAccounts executes fn with exclusive access to ids.
// Writes are staged and discarded if fn fails, or if a staged transfer id
// was committed meanwhile (ledger.ErrTransferExists).
func (m *Memory) WithAccounts(_ context.Context, ids []ledger.AccountID, fn func(ledger.Tx) error) error {
	unlock := m.locks.Lock(ids...)
	defer unlock()

	tx := &memoryTx{
		parent:    m,
		accounts:  make(map[ledger.AccountID]ledger.Account, len(ids)),
		transfers: make(map[ledger.TransferID]ledger.AppliedTransfer, 1),
	}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The account locks do not cover a transfer id reused on another
	// account set.
	for id := range tx.transfers {
		if _, ok := m.transfers[id]; ok {
			return fmt.Errorf("%w: %s", ledger.ErrTransferExists, id)
		}
	}
	for id, a := range tx.accounts {
		m.accounts[id] = a
	}
	for id, at := range tx.transfers {
		m.transfers[id] = at
	}
	return nil
}

// Totals sums the accounts of partition. Partition 0 sums every partition.
func (m *Memory) Totals(_ context.Context, partition ledger.PartitionID) (ledger.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := ledger.Totals{CreditsPosted: decimal.Zero, DebitsPosted: decimal.Zero}
	for _, a := range m.accounts {
		if partition != 0 && a.Partition != partition {
			continue
		}
		totals.Accounts++
		totals.CreditsPosted = totals.CreditsPosted.Add(decimal.NewFromUint64(a.CreditsPosted))
		totals.DebitsPosted = totals.DebitsPosted.Add(decimal.NewFromUint64(a.DebitsPosted))
	}
	return totals, nil
}

// Accounts returns every account sorted by id.
func (m *Memory) Accounts() []ledger.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	parent    *Memory
	accounts  map[ledger.AccountID]ledger.Account
	transfers map[ledger.TransferID]ledger.AppliedTransfer
}

func (tx *memoryTx) Get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	if a, ok := tx.accounts[id]; ok {
		return a, nil
	}
	return tx.parent.Get(ctx, id)
}

func (tx *memoryTx) GetOrCreate(ctx context.Context, id ledger.AccountID, partition ledger.PartitionID, flags ledger.ConstraintFlag) (ledger.Account, error) {
	a, err := tx.Get(ctx, id)
	if err == nil {
		return a, nil
	}
	if err != ledger.ErrAccountNotFound {
		return ledger.Account{}, err
	}
	a = ledger.Account{ID: id, Partition: partition, Flags: flags, CreatedAt: now()}
	tx.accounts[id] = a
	return a, nil
}

func (tx *memoryTx) ApplyDelta(ctx context.Context, id ledger.AccountID, creditDelta, debitDelta uint64) (ledger.Account, error) {
	a, err := tx.Get(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	a.CreditsPosted += creditDelta
	a.DebitsPosted += debitDelta
	tx.accounts[id] = a
	return a, nil
}

func (tx *memoryTx) GetTransfer(ctx context.Context, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	if at, ok := tx.transfers[id]; ok {
		return at, nil
	}
	return tx.parent.GetTransfer(ctx, id)
}

func (tx *memoryTx) PutTransfer(_ context.Context, at ledger.AppliedTransfer) error {
	tx.transfers[at.Transfer.ID] = at
	return nil
}
