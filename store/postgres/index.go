package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// METADATA INDEX (ledger.MetadataIndex interface)
// =============================================================================

// Index returns the store's ledger.MetadataIndex.
func (s *Store) Index() *Index { return &Index{s: s} }

// Index is the transfer metadata index.
type Index struct{ s *Store }

var _ ledger.MetadataIndex = (*Index)(nil)

const metadataColumns = `transfer_id, reference_id, account_id, debit_account_id, credit_account_id,
	partition_id, kind, amount::text, void_transfer_id, recorded_at`

func (ix *Index) RecordApplication(ctx context.Context, m ledger.TransferMetadata) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	_, err := ix.s.db.Exec(ctx, `
		INSERT INTO transfer_metadata
		(transfer_id, reference_id, account_id, debit_account_id, credit_account_id,
		 partition_id, kind, amount, void_transfer_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)
		ON CONFLICT (transfer_id) DO NOTHING`,
		string(m.TransferID), optional(m.ReferenceID), m.AccountID[:], m.DebitAccountID[:], m.CreditAccountID[:],
		int64(m.Partition), string(m.Kind), strconv.FormatUint(m.Amount, 10),
		optional(string(m.VoidTransferID)), m.RecordedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: reference %q already recorded for another transfer", ledger.ErrInvalidTransfer, m.ReferenceID)
	}
	return ledger.StorageFailure("record application", err)
}

func (ix *Index) Get(ctx context.Context, referenceOrTransferID string) (ledger.TransferMetadata, error) {
	m, err := ix.query(ctx, `reference_id = $1`, referenceOrTransferID)
	if errors.Is(err, ledger.ErrTransferNotFound) {
		return ix.query(ctx, `transfer_id = $1`, referenceOrTransferID)
	}
	return m, err
}

// MarkVoided is a compare-and-set on void_transfer_id.
func (ix *Index) MarkVoided(ctx context.Context, transferID, voidTransferID ledger.TransferID) error {
	tag, err := ix.s.db.Exec(ctx,
		`UPDATE transfer_metadata SET void_transfer_id = $1 WHERE transfer_id = $2 AND void_transfer_id IS NULL`,
		string(voidTransferID), string(transferID),
	)
	if err != nil {
		return ledger.StorageFailure("mark voided", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	m, err := ix.query(ctx, `transfer_id = $1`, string(transferID))
	if err != nil {
		return err
	}
	return &ledger.AlreadyVoidedError{TransferID: transferID, VoidTransferID: m.VoidTransferID}
}

func (ix *Index) query(ctx context.Context, where, arg string) (ledger.TransferMetadata, error) {
	var (
		m          ledger.TransferMetadata
		transferID string
		reference  *string
		accountID  []byte
		debitID    []byte
		creditID   []byte
		partition  int64
		kind       string
		amount     string
		voidID     *string
	)
	err := ix.s.db.QueryRow(ctx, `SELECT `+metadataColumns+` FROM transfer_metadata WHERE `+where, arg).
		Scan(&transferID, &reference, &accountID, &debitID, &creditID, &partition, &kind, &amount, &voidID, &m.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, ledger.ErrTransferNotFound
	}
	if err != nil {
		return m, ledger.StorageFailure("get metadata", err)
	}

	m.TransferID = ledger.TransferID(transferID)
	if reference != nil {
		m.ReferenceID = *reference
	}
	if voidID != nil {
		m.VoidTransferID = ledger.TransferID(*voidID)
	}
	copy(m.AccountID[:], accountID)
	copy(m.DebitAccountID[:], debitID)
	copy(m.CreditAccountID[:], creditID)
	m.Partition = ledger.PartitionID(partition)
	m.Kind = ledger.TransferKind(kind)
	if m.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return m, ledger.StorageFailure("decode metadata", err)
	}
	return m, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
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
	tag, err := k.s.db.Exec(ctx, `
		INSERT INTO account_keys (account_id, client_id, country, currency, issuer_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO NOTHING`,
		id[:], key.ClientID, key.Country, key.Currency, key.IssuerID,
	)
	if err != nil {
		return ledger.StorageFailure("register key", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := k.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if existing != key {
		return &ledger.CollisionError{AccountID: id, Existing: existing, Incoming: key}
	}
	return nil
}

func (k *Keys) Lookup(ctx context.Context, id ledger.AccountID) (ledger.AccountKey, error) {
	var key ledger.AccountKey
	err := k.s.db.QueryRow(ctx,
		`SELECT client_id, country, currency, issuer_id FROM account_keys WHERE account_id = $1`, id[:],
	).Scan(&key.ClientID, &key.Country, &key.Currency, &key.IssuerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return key, ledger.ErrAccountNotFound
	}
	if err != nil {
		return key, ledger.StorageFailure("lookup key", err)
	}
	return key, nil
}

func (k *Keys) AccountsForClient(ctx context.Context, clientID string) ([]ledger.AccountID, error) {
	rows, err := k.s.db.Query(ctx,
		`SELECT account_id FROM account_keys WHERE client_id = $1 ORDER BY account_id`, clientID)
	if err != nil {
		return nil, ledger.StorageFailure("accounts for client", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.AccountID, error) {
		var (
			id  ledger.AccountID
			raw []byte
		)
		if err := row.Scan(&raw); err != nil {
			return id, err
		}
		copy(id[:], raw)
		return id, nil
	})
	if err != nil {
		return nil, ledger.StorageFailure("accounts for client", err)
	}
	return ids, nil
}
