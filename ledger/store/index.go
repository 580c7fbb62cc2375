package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/wallet-ledger/ledger"
)

var now = func() time.Time { return time.Now().UTC() }

// =============================================================================
// METADATA INDEX
// =============================================================================

// MemoryIndex is an in-memory ledger.MetadataIndex.
type MemoryIndex struct {
	mu          sync.RWMutex
	byTransfer  map[ledger.TransferID]ledger.TransferMetadata
	byReference map[string]ledger.TransferID
}

var _ ledger.MetadataIndex = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byTransfer:  make(map[ledger.TransferID]ledger.TransferMetadata),
		byReference: make(map[string]ledger.TransferID),
	}
}

func (ix *MemoryIndex) RecordApplication(_ context.Context, m ledger.TransferMetadata) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.byTransfer[m.TransferID]; ok {
		return nil
	}
	if prev, ok := ix.byReference[m.ReferenceID]; ok && m.ReferenceID != "" {
		return fmt.Errorf("%w: reference %q already recorded for transfer %s", ledger.ErrInvalidTransfer, m.ReferenceID, prev)
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = now()
	}
	ix.byTransfer[m.TransferID] = m
	if m.ReferenceID != "" {
		ix.byReference[m.ReferenceID] = m.TransferID
	}
	return nil
}

func (ix *MemoryIndex) Get(_ context.Context, referenceOrTransferID string) (ledger.TransferMetadata, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if id, ok := ix.byReference[referenceOrTransferID]; ok {
		return ix.byTransfer[id], nil
	}
	if m, ok := ix.byTransfer[ledger.TransferID(referenceOrTransferID)]; ok {
		return m, nil
	}
	return ledger.TransferMetadata{}, ledger.ErrTransferNotFound
}

func (ix *MemoryIndex) MarkVoided(_ context.Context, transferID, voidTransferID ledger.TransferID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m, ok := ix.byTransfer[transferID]
	if !ok {
		return ledger.ErrTransferNotFound
	}
	if m.Voided() {
		return &ledger.AlreadyVoidedError{TransferID: transferID, VoidTransferID: m.VoidTransferID}
	}
	m.VoidTransferID = voidTransferID
	ix.byTransfer[transferID] = m
	return nil
}

// =============================================================================
// KEY REGISTRY
// =============================================================================

// MemoryKeys is an in-memory ledger.KeyRegistry.
type MemoryKeys struct {
	mu   sync.RWMutex
	keys map[ledger.AccountID]ledger.AccountKey
}

var _ ledger.KeyRegistry = (*MemoryKeys)(nil)

func NewMemoryKeys() *MemoryKeys {
	return &MemoryKeys{keys: make(map[ledger.AccountID]ledger.AccountKey)}
}

func (r *MemoryKeys) Register(_ context.Context, id ledger.AccountID, key ledger.AccountKey) error {
	key = key.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.keys[id]
	if !ok {
		r.keys[id] = key
		return nil
	}
	if existing != key {
		return &ledger.CollisionError{AccountID: id, Existing: existing, Incoming: key}
	}
	return nil
}

func (r *MemoryKeys) Lookup(_ context.Context, id ledger.AccountID) (ledger.AccountKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	if !ok {
		return ledger.AccountKey{}, ledger.ErrAccountNotFound
	}
	return key, nil
}

func (r *MemoryKeys) AccountsForClient(_ context.Context, clientID string) ([]ledger.AccountID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ledger.AccountID
	for id, key := range r.keys {
		if key.ClientID == clientID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].String(), out[j].String()) < 0 })
	return out, nil
}
