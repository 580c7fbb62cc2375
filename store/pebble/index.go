package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/warp/wallet-ledger/ledger"
)

var (
	metadataPrefix  = []byte("meta/")
	referencePrefix = []byte("ref/")
	keyPrefix       = []byte("akey/")
	clientPrefix    = []byte("client/")
)

func prefixed(prefix []byte, parts ...[]byte) []byte {
	out := append([]byte(nil), prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func clientScanPrefix(clientID string) []byte {
	return prefixed(clientPrefix, []byte(clientID), []byte{0})
}

// =============================================================================
// METADATA INDEX (ledger.MetadataIndex interface)
// =============================================================================

// Index returns the store's ledger.MetadataIndex.
func (s *Store) Index() *Index { return &Index{s: s} }

// Index is the transfer metadata index.
type Index struct{ s *Store }

var _ ledger.MetadataIndex = (*Index)(nil)

func (ix *Index) RecordApplication(_ context.Context, m ledger.TransferMetadata) error {
	ix.s.idxMu.Lock()
	defer ix.s.idxMu.Unlock()

	r := dbReader{ix.s.db}
	var existing ledger.TransferMetadata
	err := getJSON(r, prefixed(metadataPrefix, []byte(m.TransferID)), ledger.ErrTransferNotFound, &existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrTransferNotFound) {
		return err
	}
	if m.ReferenceID != "" {
		prev, closeFn, err := r.Get(prefixed(referencePrefix, []byte(m.ReferenceID)))
		if err == nil {
			defer closeFn()
			return fmt.Errorf("%w: reference %q already recorded for transfer %s", ledger.ErrInvalidTransfer, m.ReferenceID, prev)
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return ledger.StorageFailure("get reference", err)
		}
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}

	b := ix.s.db.NewBatch()
	defer b.Close()
	tx := &batchTx{b: b}
	if err := tx.put(prefixed(metadataPrefix, []byte(m.TransferID)), m); err != nil {
		return err
	}
	if m.ReferenceID != "" {
		if err := b.Set(prefixed(referencePrefix, []byte(m.ReferenceID)), []byte(m.TransferID), nil); err != nil {
			return ledger.StorageFailure("stage write", err)
		}
	}
	return ledger.StorageFailure("commit", b.Commit(pebble.Sync))
}

func (ix *Index) Get(_ context.Context, referenceOrTransferID string) (ledger.TransferMetadata, error) {
	r := dbReader{ix.s.db}
	transferID := []byte(referenceOrTransferID)
	v, closeFn, err := r.Get(prefixed(referencePrefix, []byte(referenceOrTransferID)))
	switch {
	case err == nil:
		transferID = append([]byte(nil), v...)
		closeFn()
	case !errors.Is(err, pebble.ErrNotFound):
		return ledger.TransferMetadata{}, ledger.StorageFailure("get reference", err)
	}

	var m ledger.TransferMetadata
	err = getJSON(r, prefixed(metadataPrefix, transferID), ledger.ErrTransferNotFound, &m)
	return m, err
}

func (ix *Index) MarkVoided(_ context.Context, transferID, voidTransferID ledger.TransferID) error {
	ix.s.idxMu.Lock()
	defer ix.s.idxMu.Unlock()

	key := prefixed(metadataPrefix, []byte(transferID))
	var m ledger.TransferMetadata
	if err := getJSON(dbReader{ix.s.db}, key, ledger.ErrTransferNotFound, &m); err != nil {
		return err
	}
	if m.Voided() {
		return &ledger.AlreadyVoidedError{TransferID: transferID, VoidTransferID: m.VoidTransferID}
	}
	m.VoidTransferID = voidTransferID

	b := ix.s.db.NewBatch()
	defer b.Close()
	if err := (&batchTx{b: b}).put(key, m); err != nil {
		return err
	}
	return ledger.StorageFailure("commit", b.Commit(pebble.Sync))
}

// =============================================================================
// KEY REGISTRY (ledger.KeyRegistry interface)
// =============================================================================

// Keys returns the store's ledger.KeyRegistry.
func (s *Store) Keys() *Keys { return &Keys{s: s} }

// Keys is the account key side table.
type Keys struct{ s *Store }

var _ ledger.KeyRegistry = (*Keys)(nil)

func (k *Keys) Register(ctx context.Context, id ledger.AccountID, key ledger.AccountKey) error {
	key = key.Normalize()
	k.s.idxMu.Lock()
	defer k.s.idxMu.Unlock()

	existing, err := k.Lookup(ctx, id)
	switch {
	case err == nil && existing == key:
		return nil
	case err == nil:
		return &ledger.CollisionError{AccountID: id, Existing: existing, Incoming: key}
	case !errors.Is(err, ledger.ErrAccountNotFound):
		return err
	}

	b := k.s.db.NewBatch()
	defer b.Close()
	if err := (&batchTx{b: b}).put(prefixed(keyPrefix, id[:]), key); err != nil {
		return err
	}
	if err := b.Set(prefixed(clientScanPrefix(key.ClientID), id[:]), nil, nil); err != nil {
		return ledger.StorageFailure("stage write", err)
	}
	return ledger.StorageFailure("commit", b.Commit(pebble.Sync))
}

func (k *Keys) Lookup(_ context.Context, id ledger.AccountID) (ledger.AccountKey, error) {
	var key ledger.AccountKey
	err := getJSON(dbReader{k.s.db}, prefixed(keyPrefix, id[:]), ledger.ErrAccountNotFound, &key)
	return key, err
}

// AccountsForClient scans the client's key range. Ids come back in byte
// order.
func (k *Keys) AccountsForClient(_ context.Context, clientID string) ([]ledger.AccountID, error) {
	lower := clientScanPrefix(clientID)
	upper := append([]byte(nil), lower...)
	upper[len(upper)-1]++
	it, err := k.s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, ledger.StorageFailure("accounts for client", err)
	}
	defer it.Close()

	var ids []ledger.AccountID
	for ok := it.First(); ok; ok = it.Next() {
		raw := bytes.TrimPrefix(it.Key(), lower)
		var id ledger.AccountID
		if len(raw) != len(id) {
			continue
		}
		copy(id[:], raw)
		ids = append(ids, id)
	}
	if err := it.Error(); err != nil {
		return nil, ledger.StorageFailure("accounts for client", err)
	}
	return ids, nil
}
