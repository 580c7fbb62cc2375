package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// METADATA INDEX (ledger.MetadataIndex interface)
// =============================================================================

// Index returns the store's ledger.MetadataIndex. Store.Get is the account
// reader, so index lookups live on this view.
func (s *Store) Index() *Index { return &Index{s: s} }

// Index is the transfer metadata index.
type Index struct{ s *Store }

var _ ledger.MetadataIndex = (*Index)(nil)

const metadataColumns = `transfer_id, reference_id, account_id, debit_account_id, credit_account_id,
	partition_id, kind, amount, void_transfer_id, recorded_at`

// RecordApplication stores m. A second record of the same transfer id is
// ignored.
func (ix *Index) RecordApplication(ctx context.Context, m ledger.TransferMetadata) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	_, err := ix.s.db.ExecContext(ctx, `
		INSERT INTO transfer_metadata (`+metadataColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO NOTHING`,
		string(m.TransferID),
		nullString(m.ReferenceID),
		m.AccountID.String(),
		m.DebitAccountID.String(),
		m.CreditAccountID.String(),
		int64(m.Partition),
		string(m.Kind),
		strconv.FormatUint(m.Amount, 10),
		nullString(string(m.VoidTransferID)),
		m.RecordedAt.Format(time.RFC3339Nano),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: reference %q already recorded for another transfer", ledger.ErrInvalidTransfer, m.ReferenceID)
	}
	return ledger.StorageFailure("record application", err)
}

// Get looks up metadata by reference id, then by transfer id.
func (ix *Index) Get(ctx context.Context, referenceOrTransferID string) (ledger.TransferMetadata, error) {
	m, err := ix.s.queryMetadata(ctx, `reference_id = ?`, referenceOrTransferID)
	if errors.Is(err, ledger.ErrTransferNotFound) {
		return ix.s.queryMetadata(ctx, `transfer_id = ?`, referenceOrTransferID)
	}
	return m, err
}

// MarkVoided sets void_transfer_id if it is still NULL.
func (ix *Index) MarkVoided(ctx context.Context, transferID, voidTransferID ledger.TransferID) error {
	res, err := ix.s.db.ExecContext(ctx,
		`UPDATE transfer_metadata SET void_transfer_id = ? WHERE transfer_id = ? AND void_transfer_id IS NULL`,
		string(voidTransferID), string(transferID),
	)
	if err != nil {
		return ledger.StorageFailure("mark voided", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.StorageFailure("mark voided", err)
	}
	if n == 1 {
		return nil
	}

	m, err := ix.s.queryMetadata(ctx, `transfer_id = ?`, string(transferID))
	if err != nil {
		return err
	}
	return &ledger.AlreadyVoidedError{TransferID: transferID, VoidTransferID: m.VoidTransferID}
}

func (s *Store) queryMetadata(ctx context.Context, where string, arg string) (ledger.TransferMetadata, error) {
	var (
		m          ledger.TransferMetadata
		transferID string
		reference  sql.NullString
		accountID  string
		debitID    string
		creditID   string
		partition  int64
		kind       string
		amount     string
		voidID     sql.NullString
		recordedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM transfer_metadata WHERE `+where, arg).
		Scan(&transferID, &reference, &accountID, &debitID, &creditID, &partition, &kind, &amount, &voidID, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ledger.ErrTransferNotFound
	}
	if err != nil {
		return m, ledger.StorageFailure("get metadata", err)
	}

	m.TransferID = ledger.TransferID(transferID)
	m.ReferenceID = reference.String
	m.Partition = ledger.PartitionID(partition)
	m.Kind = ledger.TransferKind(kind)
	m.VoidTransferID = ledger.TransferID(voidID.String)
	m.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	if m.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return m, ledger.StorageFailure("decode metadata", err)
	}
	for _, f := range []struct {
		dst *ledger.AccountID
		src string
	}{{&m.AccountID, accountID}, {&m.DebitAccountID, debitID}, {&m.CreditAccountID, creditID}} {
		if *f.dst, err = ledger.ParseAccountID(f.src); err != nil {
			return m, ledger.StorageFailure("decode metadata", err)
		}
	}
	return m, nil
}

// =============================================================================
// KEY REGISTRY (ledger.KeyRegistry interface)
// =============================================================================

// Keys returns the store's ledger.KeyRegistry.
func (s *Store) Keys() *Keys { return &Keys{s: s} }

// Keys is the account key side table.
type Keys struct{ s *Store }

var _ ledger.KeyRegistry = (*Keys)(nil)

// Register records key under id; a different key under the same id is a
// *ledger.CollisionError.
func (k *Keys) Register(ctx context.Context, id ledger.AccountID, key ledger.AccountKey) error {
	key = key.Normalize()
	res, err := k.s.db.ExecContext(ctx, `
		INSERT INTO account_keys (account_id, client_id, country, currency, issuer_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO NOTHING`,
		id.String(), key.ClientID, key.Country, key.Currency, key.IssuerID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return ledger.StorageFailure("register key", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
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

// Lookup returns the key registered under id.
func (k *Keys) Lookup(ctx context.Context, id ledger.AccountID) (ledger.AccountKey, error) {
	var key ledger.AccountKey
	err := k.s.db.QueryRowContext(ctx,
		`SELECT client_id, country, currency, issuer_id FROM account_keys WHERE account_id = ?`, id.String(),
	).Scan(&key.ClientID, &key.Country, &key.Currency, &key.IssuerID)
	if errors.Is(err, sql.ErrNoRows) {
		return key, ledger.ErrAccountNotFound
	}
	if err != nil {
		return key, ledger.StorageFailure("lookup key", err)
	}
	return key, nil
}

// AccountsForClient lists the account ids registered for clientID.
func (k *Keys) AccountsForClient(ctx context.Context, clientID string) ([]ledger.AccountID, error) {
	rows, err := k.s.db.QueryContext(ctx,
		`SELECT account_id FROM account_keys WHERE client_id = ? ORDER BY account_id`, clientID)
	if err != nil {
		return nil, ledger.StorageFailure("accounts for client", err)
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, ledger.StorageFailure("accounts for client", err)
		}
		id, err := ledger.ParseAccountID(raw)
		if err != nil {
			return nil, ledger.StorageFailure("accounts for client", err)
		}
		ids = append(ids, id)
	}
	return ids, ledger.StorageFailure("accounts for client", rows.Err())
}
