/*
Package postgres provides a PostgreSQL-backed ledger.Store using pgx.

CONCURRENCY:
  WithAccounts opens one READ COMMITTED transaction and takes a
  transaction-scoped advisory lock per account id, in ascending id order.
  Overlapping transfers queue on the locks; disjoint ones proceed in
  parallel across processes sharing the database. Locks are released by
  COMMIT or ROLLBACK.

  The advisory key is the first 8 bytes of the AccountID. Two ids sharing a
  prefix share a lock, which only over-serializes.

UNSIGNED COUNTERS:
  Counters are NUMERIC(20,0) and travel as text so the whole uint64 range
  is preserved; pgx has no uint64 <-> numeric mapping that covers it.

DUPLICATE TRANSFER IDS:
  The advisory locks cover accounts, not transfer ids, so the same id
  submitted on two disjoint account pairs can race to the insert. The
  transfers primary key settles it: the loser's insert waits for the
  winner's commit and fails with 23505, reported as
  ledger.ErrTransferExists. The transaction rolls back and Apply replays
  the committed row.
*/
package postgres

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/store/lockset"
)

const uniqueViolation = "23505"

// Store is a ledger.Store over a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.TotalsReader = (*Store)(nil)
)

// New connects, pings and migrates.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{db: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id BYTEA PRIMARY KEY,
		partition_id BIGINT NOT NULL,
		credits_posted NUMERIC(20,0) NOT NULL DEFAULT 0,
		debits_posted NUMERIC(20,0) NOT NULL DEFAULT 0,
		flags SMALLINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_partition ON accounts(partition_id);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		debit_account_id BYTEA NOT NULL,
		credit_account_id BYTEA NOT NULL,
		amount NUMERIC(20,0) NOT NULL,
		partition_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		linked_transfer_id TEXT,
		applied_at TIMESTAMPTZ NOT NULL,
		debit_account JSONB NOT NULL,
		credit_account JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transfers_debit ON transfers(debit_account_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_credit ON transfers(credit_account_id);

	CREATE TABLE IF NOT EXISTS transfer_metadata (
		transfer_id TEXT PRIMARY KEY,
		reference_id TEXT UNIQUE,
		account_id BYTEA NOT NULL,
		debit_account_id BYTEA NOT NULL,
		credit_account_id BYTEA NOT NULL,
		partition_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		amount NUMERIC(20,0) NOT NULL,
		void_transfer_id TEXT,
		recorded_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_keys (
		account_id BYTEA PRIMARY KEY,
		client_id TEXT NOT NULL,
		country TEXT NOT NULL,
		currency TEXT NOT NULL,
		issuer_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_account_keys_client ON account_keys(client_id);
	`)
	return err
}

// Reset truncates every table. Only for tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `TRUNCATE transfers, accounts, transfer_metadata, account_keys`)
	return err
}

// =============================================================================
// READS
// =============================================================================

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `id, partition_id, credits_posted::text, debits_posted::text, flags, created_at`

func (s *Store) Get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.db, id, false)
}

func (s *Store) GetTransfer(ctx context.Context, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	return getTransfer(ctx, s.db, id)
}

func getAccount(ctx context.Context, q queryRower, id ledger.AccountID, forUpdate bool) (ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(q.QueryRow(ctx, query, id[:]))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, ledger.StorageFailure("get account", err)
	}
	return a, nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a         ledger.Account
		rawID     []byte
		partition int64
		credits   string
		debits    string
		flags     int16
	)
	if err := row.Scan(&rawID, &partition, &credits, &debits, &flags, &a.CreatedAt); err != nil {
		return a, err
	}
	if len(rawID) != len(a.ID) {
		return a, fmt.Errorf("account id has %d bytes", len(rawID))
	}
	copy(a.ID[:], rawID)
	var err error
	if a.CreditsPosted, err = strconv.ParseUint(credits, 10, 64); err != nil {
		return a, err
	}
	if a.DebitsPosted, err = strconv.ParseUint(debits, 10, 64); err != nil {
		return a, err
	}
	a.Partition = ledger.PartitionID(partition)
	a.Flags = ledger.ConstraintFlag(flags)
	return a, nil
}

func getTransfer(ctx context.Context, q queryRower, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	var (
		at         ledger.AppliedTransfer
		transferID string
		amount     string
		partition  int64
		kind       string
		linked     *string
		debitJSON  []byte
		creditJSON []byte
		debitID    []byte
		creditID   []byte
	)
	err := q.QueryRow(ctx, `
		SELECT id, debit_account_id, credit_account_id, amount::text, partition_id, kind,
		       linked_transfer_id, applied_at, debit_account, credit_account
		FROM transfers WHERE id = $1`, string(id),
	).Scan(&transferID, &debitID, &creditID, &amount, &partition, &kind,
		&linked, &at.Transfer.AppliedAt, &debitJSON, &creditJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return at, ledger.ErrTransferNotFound
	}
	if err != nil {
		return at, ledger.StorageFailure("get transfer", err)
	}

	t := &at.Transfer
	t.ID = ledger.TransferID(transferID)
	copy(t.DebitAccountID[:], debitID)
	copy(t.CreditAccountID[:], creditID)
	if t.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	t.Partition = ledger.PartitionID(partition)
	t.Kind = ledger.TransferKind(kind)
	if linked != nil {
		t.LinkedTransferID = ledger.TransferID(*linked)
	}
	if err := json.Unmarshal(debitJSON, &at.DebitAccount); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	if err := json.Unmarshal(creditJSON, &at.CreditAccount); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	return at, nil
}

// Totals sums the accounts of partition. Partition 0 sums every partition.
func (s *Store) Totals(ctx context.Context, partition ledger.PartitionID) (ledger.Totals, error) {
	var (
		count   int
		credits string
		debits  string
	)
	err := s.db.QueryRow(ctx, `
		SELECT count(*), coalesce(sum(credits_posted), 0)::text, coalesce(sum(debits_posted), 0)::text
		FROM accounts WHERE $1::bigint = 0 OR partition_id = $1::bigint`, int64(partition),
	).Scan(&count, &credits, &debits)
	if err != nil {
		return ledger.Totals{}, ledger.StorageFailure("totals", err)
	}
	c, err := decimal.NewFromString(credits)
	if err != nil {
		return ledger.Totals{}, ledger.StorageFailure("totals", err)
	}
	d, err := decimal.NewFromString(debits)
	if err != nil {
		return ledger.Totals{}, ledger.StorageFailure("totals", err)
	}
	return ledger.Totals{Accounts: count, CreditsPosted: c, DebitsPosted: d}, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithAccounts runs fn in one database transaction holding the advisory
// locks of ids. The transaction ignores ctx cancellation once begun.
func (s *Store) WithAccounts(ctx context.Context, ids []ledger.AccountID, fn func(ledger.Tx) error) error {
	txCtx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ledger.StorageFailure("begin transaction", err)
	}
	defer tx.Rollback(txCtx)

	for _, id := range lockset.Ordered(ids) {
		if _, err := tx.Exec(txCtx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(id)); err != nil {
			return ledger.StorageFailure("lock account", err)
		}
	}

	if err := fn(&txStore{tx: tx, ctx: txCtx}); err != nil {
		return err
	}

	if err := tx.Commit(txCtx); err != nil {
		return ledger.StorageFailure("commit", err)
	}
	return nil
}

func advisoryKey(id ledger.AccountID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}

type txStore struct {
	tx  pgx.Tx
	ctx context.Context
}

func (ts *txStore) Get(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ts.ctx, ts.tx, id, false)
}

func (ts *txStore) GetOrCreate(_ context.Context, id ledger.AccountID, partition ledger.PartitionID, flags ledger.ConstraintFlag) (ledger.Account, error) {
	_, err := ts.tx.Exec(ts.ctx, `
		INSERT INTO accounts (id, partition_id, flags, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		id[:], int64(partition), int16(flags), time.Now().UTC(),
	)
	if err != nil {
		return ledger.Account{}, ledger.StorageFailure("create account", err)
	}
	return getAccount(ts.ctx, ts.tx, id, true)
}

func (ts *txStore) ApplyDelta(_ context.Context, id ledger.AccountID, creditDelta, debitDelta uint64) (ledger.Account, error) {
	a, err := scanAccount(ts.tx.QueryRow(ts.ctx, `
		UPDATE accounts
		SET credits_posted = credits_posted + $2::numeric,
		    debits_posted = debits_posted + $3::numeric
		WHERE id = $1
		RETURNING `+accountColumns,
		id[:], strconv.FormatUint(creditDelta, 10), strconv.FormatUint(debitDelta, 10),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, ledger.StorageFailure("apply delta", err)
	}
	return a, nil
}

func (ts *txStore) GetTransfer(_ context.Context, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	return getTransfer(ts.ctx, ts.tx, id)
}

func (ts *txStore) PutTransfer(_ context.Context, at ledger.AppliedTransfer) error {
	debitJSON, err := json.Marshal(at.DebitAccount)
	if err != nil {
		return err
	}
	creditJSON, err := json.Marshal(at.CreditAccount)
	if err != nil {
		return err
	}

	t := at.Transfer
	var linked *string
	if t.LinkedTransferID != "" {
		v := string(t.LinkedTransferID)
		linked = &v
	}
	_, err = ts.tx.Exec(ts.ctx, `
		INSERT INTO transfers
		(id, debit_account_id, credit_account_id, amount, partition_id, kind,
		 linked_transfer_id, applied_at, debit_account, credit_account)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9::jsonb, $10::jsonb)`,
		string(t.ID), t.DebitAccountID[:], t.CreditAccountID[:], strconv.FormatUint(t.Amount, 10),
		int64(t.Partition), string(t.Kind), linked, t.AppliedAt, string(debitJSON), string(creditJSON),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ledger.ErrTransferExists, t.ID)
		}
		return ledger.StorageFailure("put transfer", err)
	}
	return nil
}
