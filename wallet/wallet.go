/*
wallet.go - Caller-facing wallet operations over the ledger core

PURPOSE:
  Translates "add 50.00 USD to this customer" into double-entry transfers.
  Callers speak in account keys, decimal amounts and their own reference
  ids; the ledger speaks in account ids, minor units and transfer ids.

OPERATIONS:
  GetBalance(key)               credits, debits and net of one wallet
  ApplyCredit(key, amt, ref)    Reserve(partition)  -> customer
  ApplyDebit(key, amt, ref)     customer -> Expense(partition)
  VoidByReference(ref)          compensating transfer of an earlier credit/debit
  ListBalances(clientID)        every wallet a client owns

SYSTEM ACCOUNTS:
  Each partition has one reserve and one expense account. They use the
  same key derivation as customers, with configurable client ids, so they
  are ordinary accounts to the ledger. They are never constrained: the
  reserve goes negative as value is issued.

IDEMPOTENCY:
  The transfer id is derived from the reference id. A retried request
  replays: balances are untouched and the first result is returned. A
  request reusing a reference with a different payload is rejected with
  ErrReferenceMismatch.

AFTER APPLY:
  1. The metadata index records reference -> transfer (repeated on replays,
     so a crash between apply and record is repaired by the retry).
  2. An event is published. Failures are logged and never fail the call.
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/ledger"
)

// ErrReferenceMismatch is returned when a reference id is reused for a
// different operation, amount or account.
var ErrReferenceMismatch = errors.New("reference id reused with a different request")

// ErrMissingReference is returned for an empty reference id.
var ErrMissingReference = fmt.Errorf("%w: missing reference id", ledger.ErrInvalidTransfer)

const (
	DefaultReserveClientID = "system:reserve"
	DefaultExpenseClientID = "system:expense"
	DefaultTopic           = "wallet.transfers"
)

// Config holds the service's business settings.
type Config struct {
	ReserveClientID string
	ExpenseClientID string

	// CustomerFlags is the constraint customer accounts are created with.
	// FlagNone allows overdraft.
	CustomerFlags ledger.ConstraintFlag

	// Topic events are published to.
	Topic string
}

// Deps are the collaborators of the service. Publisher and Logger are
// optional.
type Deps struct {
	Ledger      *ledger.TransferLedger
	Voids       *ledger.VoidCoordinator
	Index       ledger.MetadataIndex
	Keys        ledger.KeyRegistry
	Partitioner *ledger.Partitioner
	Codec       *ledger.AmountCodec
	Publisher   events.Publisher
	Logger      *slog.Logger
}

// Service implements the wallet operations.
type Service struct {
	cfg         Config
	ledger      *ledger.TransferLedger
	voids       *ledger.VoidCoordinator
	index       ledger.MetadataIndex
	keys        ledger.KeyRegistry
	partitioner *ledger.Partitioner
	codec       *ledger.AmountCodec
	publisher   events.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// Balance is the state of one wallet.
type Balance struct {
	Key           ledger.AccountKey
	AccountID     ledger.AccountID
	CreditsPosted uint64
	DebitsPosted  uint64

	// NetMinorUnits is CreditsPosted - DebitsPosted.
	NetMinorUnits decimal.Decimal
	// Net is NetMinorUnits in the currency's major unit.
	Net decimal.Decimal
}

// Result describes an applied (or replayed) wallet operation.
type Result struct {
	TransferID  ledger.TransferID
	ReferenceID string
	Kind        ledger.TransferKind
	Amount      decimal.Decimal
	Balance     Balance
	Replayed    bool
}

// New validates deps and builds a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("wallet: ledger is required")
	case deps.Index == nil:
		return nil, errors.New("wallet: metadata index is required")
	case deps.Keys == nil:
		return nil, errors.New("wallet: key registry is required")
	case deps.Partitioner == nil:
		return nil, errors.New("wallet: partitioner is required")
	case deps.Codec == nil:
		return nil, errors.New("wallet: amount codec is required")
	}
	if cfg.ReserveClientID == "" {
		cfg.ReserveClientID = DefaultReserveClientID
	}
	if cfg.ExpenseClientID == "" {
		cfg.ExpenseClientID = DefaultExpenseClientID
	}
	if cfg.ReserveClientID == cfg.ExpenseClientID {
		return nil, errors.New("wallet: reserve and expense client ids must differ")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	s := &Service{
		cfg:         cfg,
		ledger:      deps.Ledger,
		voids:       deps.Voids,
		index:       deps.Index,
		keys:        deps.Keys,
		partitioner: deps.Partitioner,
		codec:       deps.Codec,
		publisher:   deps.Publisher,
		logger:      deps.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.voids == nil {
		s.voids = ledger.NewVoidCoordinator(deps.Ledger, deps.Index, ledger.WithVoidLogger(s.logger))
	}
	if s.publisher == nil {
		s.publisher = events.Discard{}
	}
	return s, nil
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the balance of the wallet addressed by key. A wallet
// that never received a transfer has a zero balance.
func (s *Service) GetBalance(ctx context.Context, key ledger.AccountKey) (Balance, error) {
	key = key.Normalize()
	if _, err := s.partitioner.PartitionForKey(key); err != nil {
		return Balance{}, err
	}
	id, err := ledger.DeriveAccountID(key)
	if err != nil {
		return Balance{}, err
	}
	acct, err := s.ledger.Account(ctx, id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		acct = ledger.Account{ID: id}
	} else if err != nil {
		return Balance{}, err
	}
	return s.balance(key, acct)
}

// ListBalances returns every wallet registered for clientID, ordered by
// account id.
func (s *Service) ListBalances(ctx context.Context, clientID string) ([]Balance, error) {
	ids, err := s.keys.AccountsForClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(ids))
	for _, id := range ids {
		key, err := s.keys.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		acct, err := s.ledger.Account(ctx, id)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			acct = ledger.Account{ID: id}
		} else if err != nil {
			return nil, err
		}
		b, err := s.balance(key, acct)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Service) balance(key ledger.AccountKey, acct ledger.Account) (Balance, error) {
	netMinor := acct.Net()
	net, err := s.codec.FormatNet(netMinor, key.Currency)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Key:           key,
		AccountID:     acct.ID,
		CreditsPosted: acct.CreditsPosted,
		DebitsPosted:  acct.DebitsPosted,
		NetMinorUnits: netMinor,
		Net:           net,
	}, nil
}

// =============================================================================
// WRITES
// =============================================================================

// ApplyCredit moves amount from the partition's reserve to the wallet.
func (s *Service) ApplyCredit(ctx context.Context, key ledger.AccountKey, amount decimal.Decimal, referenceID string) (Result, error) {
	return s.apply(ctx, ledger.KindCredit, key, amount, referenceID)
}

// ApplyDebit moves amount from the wallet to the partition's expense
// account. With CustomerFlags set to FlagDebitsMustNotExceedCredits a debit
// larger than the available credit fails with *ledger.ExceedsCreditsError.
func (s *Service) ApplyDebit(ctx context.Context, key ledger.AccountKey, amount decimal.Decimal, referenceID string) (Result, error) {
	return s.apply(ctx, ledger.KindDebit, key, amount, referenceID)
}

func (s *Service) apply(ctx context.Context, kind ledger.TransferKind, key ledger.AccountKey, amount decimal.Decimal, referenceID string) (Result, error) {
	t, err := s.buildTransfer(ctx, kind, key, amount, referenceID)
	if err != nil {
		s.logRejection(kind, referenceID, err)
		return Result{}, err
	}

	res, err := s.ledger.Apply(ctx, t)
	if err != nil {
		s.logRejection(kind, referenceID, err)
		return Result{}, err
	}
	if res.Replayed && !samePayload(res.Transfer, t) {
		s.logRejection(kind, referenceID, ErrReferenceMismatch)
		return Result{}, fmt.Errorf("%w: reference %q was a %s of %d on partition %d",
			ErrReferenceMismatch, referenceID, res.Transfer.Kind, res.Transfer.Amount, res.Transfer.Partition)
	}

	customer := t.CreditAccountID
	if kind == ledger.KindDebit {
		customer = t.DebitAccountID
	}
	out, err := s.result(key.Normalize(), customer, referenceID, res)
	if err != nil {
		return Result{}, err
	}

	if err := s.index.RecordApplication(ctx, ledger.MetadataFromTransfer(res.Transfer, referenceID, customer)); err != nil {
		// The transfer is applied; retrying the request replays it and
		// records again.
		return out, fmt.Errorf("record reference %q: %w", referenceID, err)
	}

	if !res.Replayed {
		s.publish(ctx, events.TransferApplied{
			TransferID:      string(res.Transfer.ID),
			ReferenceID:     referenceID,
			Kind:            string(res.Transfer.Kind),
			AccountID:       customer.String(),
			DebitAccountID:  res.Transfer.DebitAccountID.String(),
			CreditAccountID: res.Transfer.CreditAccountID.String(),
			Partition:       uint32(res.Transfer.Partition),
			Currency:        out.Balance.Key.Currency,
			Amount:          res.Transfer.Amount,
			CreditsPosted:   out.Balance.CreditsPosted,
			DebitsPosted:    out.Balance.DebitsPosted,
			AppliedAt:       res.Transfer.AppliedAt,
		})
	}
	return out, nil
}

// buildTransfer validates the request and registers every key it touches.
func (s *Service) buildTransfer(ctx context.Context, kind ledger.TransferKind, key ledger.AccountKey, amount decimal.Decimal, referenceID string) (ledger.Transfer, error) {
	if referenceID == "" {
		return ledger.Transfer{}, ErrMissingReference
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ledger.Transfer{}, err
	}
	if key.ClientID == s.cfg.ReserveClientID || key.ClientID == s.cfg.ExpenseClientID {
		return ledger.Transfer{}, fmt.Errorf("%w: client id %q is reserved for system accounts", ledger.ErrInvalidKey, key.ClientID)
	}
	partition, err := s.partitioner.PartitionForKey(key)
	if err != nil {
		return ledger.Transfer{}, err
	}
	units, err := s.codec.ToMinorUnits(amount, key.Currency)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if units == 0 {
		return ledger.Transfer{}, &ledger.AmountError{Amount: amount.String(), Currency: key.Currency, Reason: "zero"}
	}

	customer, err := s.register(ctx, key)
	if err != nil {
		return ledger.Transfer{}, err
	}

	t := ledger.Transfer{
		ID:        ledger.TransferIDForReference(referenceID),
		Amount:    units,
		Partition: partition,
		Kind:      kind,
	}
	switch kind {
	case ledger.KindCredit:
		reserve, err := s.register(ctx, s.systemKey(s.cfg.ReserveClientID, key))
		if err != nil {
			return ledger.Transfer{}, err
		}
		t.DebitAccountID, t.CreditAccountID = reserve, customer
		t.CreditAccountFlags = s.cfg.CustomerFlags
	case ledger.KindDebit:
		expense, err := s.register(ctx, s.systemKey(s.cfg.ExpenseClientID, key))
		if err != nil {
			return ledger.Transfer{}, err
		}
		t.DebitAccountID, t.CreditAccountID = customer, expense
		t.DebitAccountFlags = s.cfg.CustomerFlags
	}
	return t, nil
}

func (s *Service) register(ctx context.Context, key ledger.AccountKey) (ledger.AccountID, error) {
	id, err := ledger.RegisterKey(ctx, s.keys, key)
	if errors.Is(err, ledger.ErrAccountIDCollision) {
		s.logger.Error("account_id_collision",
			slog.String("account_id", id.String()),
			slog.String("key", key.Canonical()),
			slog.String("error", err.Error()),
		)
	}
	return id, err
}

func (s *Service) systemKey(clientID string, customer ledger.AccountKey) ledger.AccountKey {
	return ledger.AccountKey{ClientID: clientID, Country: customer.Country, Currency: customer.Currency}
}

// =============================================================================
// VOIDS
// =============================================================================

// VoidByReference reverses the credit or debit recorded under referenceID.
//
// On *ledger.UnmarkedVoidError the result is valid: the reversal is applied
// and calling VoidByReference again completes the bookkeeping.
func (s *Service) VoidByReference(ctx context.Context, referenceID string) (Result, error) {
	if referenceID == "" {
		return Result{}, ErrMissingReference
	}
	meta, err := s.index.Get(ctx, referenceID)
	if err != nil {
		s.logRejection("void", referenceID, err)
		return Result{}, err
	}
	key, err := s.keys.Lookup(ctx, meta.AccountID)
	if err != nil {
		return Result{}, err
	}

	res, voidErr := s.voids.Void(ctx, referenceID)
	if voidErr != nil && !errors.Is(voidErr, ledger.ErrVoidUnmarked) {
		s.logRejection("void", referenceID, voidErr)
		return Result{}, voidErr
	}

	out, err := s.result(key, meta.AccountID, referenceID, res)
	if err != nil {
		return Result{}, err
	}
	if err := s.index.RecordApplication(ctx, ledger.MetadataFromTransfer(res.Transfer, "", meta.AccountID)); err != nil {
		s.logger.Error("void_record_failed",
			slog.String("void_transfer_id", string(res.Transfer.ID)),
			slog.String("error", err.Error()),
		)
	}
	if voidErr != nil {
		return out, voidErr
	}

	s.publish(ctx, events.TransferVoided{
		TransferID:     string(meta.TransferID),
		VoidTransferID: string(res.Transfer.ID),
		ReferenceID:    referenceID,
		Kind:           string(res.Transfer.Kind),
		AccountID:      meta.AccountID.String(),
		Partition:      uint32(res.Transfer.Partition),
		Amount:         res.Transfer.Amount,
		VoidedAt:       s.now(),
	})
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) result(key ledger.AccountKey, customer ledger.AccountID, referenceID string, res ledger.TransferResult) (Result, error) {
	acct := res.CreditAccount
	if res.DebitAccount.ID == customer {
		acct = res.DebitAccount
	}
	bal, err := s.balance(key, acct)
	if err != nil {
		return Result{}, err
	}
	amount, err := s.codec.FromMinorUnits(res.Transfer.Amount, key.Currency)
	if err != nil {
		return Result{}, err
	}
	return Result{
		TransferID:  res.Transfer.ID,
		ReferenceID: referenceID,
		Kind:        res.Transfer.Kind,
		Amount:      amount,
		Balance:     bal,
		Replayed:    res.Replayed,
	}, nil
}

func samePayload(stored, requested ledger.Transfer) bool {
	return stored.Kind == requested.Kind &&
		stored.Amount == requested.Amount &&
		stored.Partition == requested.Partition &&
		stored.DebitAccountID == requested.DebitAccountID &&
		stored.CreditAccountID == requested.CreditAccountID
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, s.cfg.Topic, ev); err != nil {
		s.logger.Error("event_publish_failed",
			slog.String("event_type", ev.EventType()),
			slog.String("key", ev.Key()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) logRejection(op any, referenceID string, err error) {
	level := slog.LevelWarn
	if ledger.IsFatal(err) || ledger.IsRetryable(err) {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "wallet_request_rejected",
		slog.Any("operation", op),
		slog.String("reference_id", referenceID),
		slog.String("error", err.Error()),
	)
}
