/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements every persistence interface the wallet ledger needs using a
  single SQLite database. The PostgreSQL backend follows the same layout
  with dialect differences only.

INTERFACES IMPLEMENTED:
  ledger.Store:         Accounts and applied transfers
  ledger.TotalsReader:  Conservation sums
  ledger.MetadataIndex: Store.Index(), reference id -> transfer (index.go)
  ledger.KeyRegistry:   Store.Keys(), account id -> account key (index.go)

KEY TABLES:
  accounts:          One row per AccountID; counters only ever grow
  transfers:         Immutable record of every applied transfer, with the
                     post-apply account snapshots used for replays
  transfer_metadata: Reference index and void marks
  account_keys:      Key side table for collision detection

UNSIGNED COUNTERS:
  SQLite integers are signed 64-bit. Counters and amounts are stored as
  decimal TEXT so the full uint64 range round-trips.

CONCURRENCY:
  WithAccounts takes the per-account locks of its id set in-process, then
  runs one BEGIN IMMEDIATE transaction (_txlock=immediate). Other processes
  sharing the file are serialized by SQLite's write lock and busy timeout.

WAL MODE:
  File databases are opened in WAL mode so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewTransferLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/store/lockset"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db    *sql.DB
	locks *lockset.Set
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.TotalsReader = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, locks: lockset.New()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		partition_id INTEGER NOT NULL,
		credits_posted TEXT NOT NULL DEFAULT '0',
		debits_posted TEXT NOT NULL DEFAULT '0',
		flags INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_partition
		ON accounts(partition_id);

	-- Applied transfers (append-only)
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		debit_account_id TEXT NOT NULL,
		credit_account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		linked_transfer_id TEXT,
		applied_at TEXT NOT NULL,
		debit_account_json TEXT NOT NULL,
		credit_account_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_debit
		ON transfers(debit_account_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_credit
		ON transfers(credit_account_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_linked
		ON transfers(linked_transfer_id) WHERE linked_transfer_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS transfer_metadata (
		transfer_id TEXT PRIMARY KEY,
		reference_id TEXT UNIQUE,
		account_id TEXT NOT NULL,
		debit_account_id TEXT NOT NULL,
		credit_account_id TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		void_transfer_id TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_keys (
		account_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		country TEXT NOT NULL,
		currency TEXT NOT NULL,
		issuer_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_account_keys_client
		ON account_keys(client_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNT STORE (ledger.Store interface)
// =============================================================================

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const accountColumns = `id, partition_id, credits_posted, debits_posted, flags, created_at`

// Get returns an account.
func (s *Store) Get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

// GetTransfer returns an applied transfer.
func (s *Store) GetTransfer(ctx context.Context, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	return getTransfer(ctx, s.db, id)
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id.String())
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, ledger.StorageFailure("get account", err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a         ledger.Account
		id        string
		partition int64
		credits   string
		debits    string
		flags     int64
		createdAt string
	)
	if err := row.Scan(&id, &partition, &credits, &debits, &flags, &createdAt); err != nil {
		return a, err
	}
	var err error
	if a.ID, err = ledger.ParseAccountID(id); err != nil {
		return a, err
	}
	if a.CreditsPosted, err = strconv.ParseUint(credits, 10, 64); err != nil {
		return a, fmt.Errorf("credits_posted of %s: %w", id, err)
	}
	if a.DebitsPosted, err = strconv.ParseUint(debits, 10, 64); err != nil {
		return a, fmt.Errorf("debits_posted of %s: %w", id, err)
	}
	a.Partition = ledger.PartitionID(partition)
	a.Flags = ledger.ConstraintFlag(flags)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return a, nil
}

func getTransfer(ctx context.Context, q querier, id ledger.TransferID) (ledger.AppliedTransfer, error) {
	var (
		at         ledger.AppliedTransfer
		debitID    string
		creditID   string
		amount     string
		partition  int64
		kind       string
		linked     sql.NullString
		appliedAt  string
		debitJSON  string
		creditJSON string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, debit_account_id, credit_account_id, amount, partition_id, kind,
		       linked_transfer_id, applied_at, debit_account_json, credit_account_json
		FROM transfers WHERE id = ?`, string(id),
	).Scan(&at.Transfer.ID, &debitID, &creditID, &amount, &partition, &kind,
		&linked, &appliedAt, &debitJSON, &creditJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return at, ledger.ErrTransferNotFound
	}
	if err != nil {
		return at, ledger.StorageFailure("get transfer", err)
	}

	t := &at.Transfer
	if t.DebitAccountID, err = ledger.ParseAccountID(debitID); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	if t.CreditAccountID, err = ledger.ParseAccountID(creditID); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	if t.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	t.Partition = ledger.PartitionID(partition)
	t.Kind = ledger.TransferKind(kind)
	t.LinkedTransferID = ledger.TransferID(linked.String)
	t.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)

	if err := json.Unmarshal([]byte(debitJSON), &at.DebitAccount); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	if err := json.Unmarshal([]byte(creditJSON), &at.CreditAccount); err != nil {
		return at, ledger.StorageFailure("decode transfer", err)
	}
	return at, nil
}

// Totals sums the accounts of partition. Partition 0 sums every partition.
func (s *Store) Totals(ctx context.Context, partition ledger.PartitionID) (ledger.Totals, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if partition != 0 {
		query += ` WHERE partition_id = ?`
		args = append(args, int64(partition))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ledger.Totals{}, ledger.StorageFailure("totals", err)
	}
	defer rows.Close()

	totals := ledger.Totals{CreditsPosted: decimal.Zero, DebitsPosted: decimal.Zero}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return ledger.Totals{}, ledger.StorageFailure("totals", err)
		}
		totals.Accounts++
		totals.CreditsPosted = totals.CreditsPosted.Add(decimal.NewFromUint64(a.CreditsPosted))
		totals.DebitsPosted = totals.DebitsPosted.Add(decimal.NewFromUint64(a.DebitsPosted))
	}
	if err := rows.Err(); err != nil {
		return ledger.Totals{}, ledger.StorageFailure("totals", err)
	}
	return totals, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx)
// =============================================================================

// WithAccounts executes fn within a database transaction holding the
// account locks of ids. The transaction is not bound to ctx's cancellation:
// once begun it commits or rolls back on fn's outcome only.
func (s *Store) WithAccounts(ctx context.Context, ids []ledger.AccountID, fn func(ledger.Tx) error) error {
	unlock := s.locks.Lock(ids...)
	defer unlock()

	txCtx := context.WithoutCancel(ctx)
	sqlTx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return ledger.StorageFailure("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, ctx: txCtx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.StorageFailure("commit", err)
	}
	return nil
}

type txStore struct {
	tx  *sql.Tx
	ctx context.Context
}

func (ts *txStore) Get(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ts.ctx, ts.tx, id)
}

func (ts *txStore) GetOrCreate(_ context.Context, id ledger.AccountID, partition ledger.PartitionID, flags ledger.ConstraintFlag) (ledger.Account, error) {
	_, err := ts.tx.ExecContext(ts.ctx, `
		INSERT INTO accounts (id, partition_id, credits_posted, debits_posted, flags, created_at)
		VALUES (?, ?, '0', '0', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id.String(), int64(partition), int64(flags), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return ledger.Account{}, ledger.StorageFailure("create account", err)
	}
	return getAccount(ts.ctx, ts.tx, id)
}

func (ts *txStore) ApplyDelta(_ context.Context, id ledger.AccountID, creditDelta, debitDelta uint64) (ledger.Account, error) {
	a, err := getAccount(ts.ctx, ts.tx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	a.CreditsPosted += creditDelta
	a.DebitsPosted += debitDelta

	_, err = ts.tx.ExecContext(ts.ctx,
		`UPDATE accounts SET credits_posted = ?, debits_posted = ? WHERE id = ?`,
		strconv.FormatUint(a.CreditsPosted, 10), strconv.FormatUint(a.DebitsPosted, 10), id.String(),
	)
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
	_, err = ts.tx.ExecContext(ts.ctx, `
		INSERT INTO transfers
		(id, debit_account_id, credit_account_id, amount, partition_id, kind,
		 linked_transfer_id, applied_at, debit_account_json, credit_account_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID),
		t.DebitAccountID.String(),
		t.CreditAccountID.String(),
		strconv.FormatUint(t.Amount, 10),
		int64(t.Partition),
		string(t.Kind),
		nullString(string(t.LinkedTransferID)),
		t.AppliedAt.UTC().Format(time.RFC3339Nano),
		string(debitJSON),
		string(creditJSON),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrTransferExists, t.ID)
	}
	if err != nil {
		return ledger.StorageFailure("put transfer", err)
	}
	return nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all data. Only for tests and demos.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"transfers", "transfer_metadata", "account_keys", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueConstraintError reports a UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
