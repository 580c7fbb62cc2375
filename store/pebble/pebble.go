// Package pebble provides an embedded key-value ledger.Store on
// cockroachdb/pebble.
//
// Layout:
//
//	acct/<16 raw id bytes>  -> JSON ledger.Account
//	xfer/<transfer id>      -> JSON ledger.AppliedTransfer
//	meta/<transfer id>      -> JSON ledger.TransferMetadata
//	ref/<reference id>      -> transfer id
//	akey/<16 raw id bytes>  -> JSON ledger.AccountKey
//	client/<client id>\x00<16 raw id bytes> -> empty
//
// WithAccounts takes the per-account locks of its id set, stages writes in
// an indexed batch (reads see the batch's own writes) and commits the batch
// with pebble.Sync. A batch commit is atomic, so readers see all of a
// transfer or none of it. Commits are serialized and refuse a transfer id
// that is already stored (ledger.ErrTransferExists).
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/store/lockset"
)

var (
	accountPrefix  = []byte("acct/")
	transferPrefix = []byte("xfer/")
)

// Store is a ledger.Store over a pebble database.
type Store struct {
	db    *pebble.DB
	locks *lockset.Set

	// idxMu serializes index and key registry writes, which read before
	// they write.
	idxMu sync.Mutex

	// commitMu serializes the transfer-id check and the commit of
	// WithAccounts. The account locks alone do not cover an id reused on a
	// disjoint account set.
	commitMu sync.Mutex
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.TotalsReader = (*Store)(nil)
)

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a database that lives only in memory. For tests.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, locks: lockset.New()}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func accountKey(id ledger.AccountID) []byte {
	return append(append(make([]byte, 0, len(accountPrefix)+len(id)), accountPrefix...), id[:]...)
}

func transferKey(id ledger.TransferID) []byte {
	return append(append(make([]byte, 0, len(transferPrefix)+len(id)), transferPrefix...), id...)
}

type reader interface {
	Get(key []byte) ([]byte, func() error, error)
}

// dbReader and batchReader adapt pebble's io.Closer-returning Get.
type dbReader struct{ db *pebble.DB }

func (r dbReader) Get(key []byte) ([]byte, func() error, error) {
	v, closer, err := r.db.Get(key)
	if err != nil {
		return nil, nil, err
	}
	return v, closer.Close, nil
}

type batchReader struct{ b *pebble.Batch }

func (r batchReader) Get(key []byte) ([]byte, func() error, error) {
	v, closer, err := r.b.Get(key)
	if err != nil {
		return nil, nil, err
	}
	return v, closer.Close, nil
}

func getJSON(r reader, key []byte, notFound error, out any) error {
	v, closeFn, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return notFound
	}
	if err != nil {
		return ledger.StorageFailure("get", err)
	}
	defer closeFn()
	if err := json.Unmarshal(v, out); err != nil {
		return ledger.StorageFailure("decode", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	var a ledger.Account
	err := getJSON(dbReader{s.db}, accountKey(id), ledger.ErrAccountNotFound, &a)
	return a, err
}

func (s *Store) GetTransfer(_ context.Context, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	var at ledger.AppliedTransfer
	err := getJSON(dbReader{s.db}, transferKey(id), ledger.ErrTransferNotFound, &at)
	return at, err
}

// Totals scans the account keyspace. Partition 0 sums every partition.
func (s *Store) Totals(_ context.Context, partition ledger.PartitionID) (ledger.Totals, error) {
	upper := append([]byte(nil), accountPrefix...)
	upper[len(upper)-1]++
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: accountPrefix, UpperBound: upper})
	if err != nil {
		return ledger.Totals{}, ledger.StorageFailure("totals", err)
	}
	defer it.Close()

	totals := ledger.Totals{CreditsPosted: decimal.Zero, DebitsPosted: decimal.Zero}
	for ok := it.First(); ok; ok = it.Next() {
		var a ledger.Account
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			return ledger.Totals{}, ledger.StorageFailure("totals", err)
		}
		if partition != 0 && a.Partition != partition {
			continue
		}
		totals.Accounts++
		totals.CreditsPosted = totals.CreditsPosted.Add(decimal.NewFromUint64(a.CreditsPosted))
		totals.DebitsPosted = totals.DebitsPosted.Add(decimal.NewFromUint64(a.DebitsPosted))
	}
	if err := it.Error(); err != nil {
		return ledger.Totals{}, ledger.StorageFailure("totals", err)
	}
	return totals, nil
}

// WithAccounts runs fn against an indexed batch and commits it if fn
// succeeds.
func (s *Store) WithAccounts(_ context.Context, ids []ledger.AccountID, fn func(ledger.Tx) error) error {
	unlock := s.locks.Lock(ids...)
	defer unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	tx := &batchTx{b: b}
	if err := fn(tx); err != nil {
		return err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	for _, id := range tx.transfers {
		_, closer, err := s.db.Get(transferKey(id))
		if err == nil {
			closer.Close()
			return fmt.Errorf("%w: %s", ledger.ErrTransferExists, id)
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return ledger.StorageFailure("check transfer", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return ledger.StorageFailure("commit", err)
	}
	return nil
}

type batchTx struct {
	b *pebble.Batch

	// transfers staged by PutTransfer.
	transfers []ledger.TransferID
}

func (tx *batchTx) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := tx.b.Set(key, data, nil); err != nil {
		return ledger.StorageFailure("stage write", err)
	}
	return nil
}

func (tx *batchTx) Get(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	var a ledger.Account
	err := getJSON(batchReader{tx.b}, accountKey(id), ledger.ErrAccountNotFound, &a)
	return a, err
}

func (tx *batchTx) GetOrCreate(ctx context.Context, id ledger.AccountID, partition ledger.PartitionID, flags ledger.ConstraintFlag) (ledger.Account, error) {
	a, err := tx.Get(ctx, id)
	if err == nil || !errors.Is(err, ledger.ErrAccountNotFound) {
		return a, err
	}
	a = ledger.Account{ID: id, Partition: partition, Flags: flags, CreatedAt: time.Now().UTC()}
	return a, tx.put(accountKey(id), a)
}

func (tx *batchTx) ApplyDelta(ctx context.Context, id ledger.AccountID, creditDelta, debitDelta uint64) (ledger.Account, error) {
	a, err := tx.Get(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	a.CreditsPosted += creditDelta
	a.DebitsPosted += debitDelta
	return a, tx.put(accountKey(id), a)
}

func (tx *batchTx) GetTransfer(_ context.Context, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	var at ledger.AppliedTransfer
	err := getJSON(batchReader{tx.b}, transferKey(id), ledger.ErrTransferNotFound, &at)
	return at, err
}

func (tx *batchTx) PutTransfer(_ context.Context, at ledger.AppliedTransfer) error {
	if err := tx.put(transferKey(at.Transfer.ID), at); err != nil {
		return err
	}
	tx.transfers = append(tx.transfers, at.Transfer.ID)
	return nil
}
