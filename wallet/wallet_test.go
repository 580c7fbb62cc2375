package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	usPartition ledger.PartitionID = 840
	mxPartition ledger.PartitionID = 484
)

var alice = ledger.AccountKey{ClientID: "alice", Country: "US", Currency: "USD"}

type fixture struct {
	svc       *Service
	ledger    *ledger.TransferLedger
	index     *store.MemoryIndex
	publisher *events.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	p, err := ledger.NewPartitioner([]ledger.PartitionEntry{
		{ID: usPartition, Currency: "USD", Country: "US"},
		{ID: mxPartition, Currency: "MXN", Country: "MX"},
	})
	require.NoError(t, err)
	codec, err := ledger.NewAmountCodec(ledger.DefaultCurrencies())
	require.NoError(t, err)

	l := ledger.NewTransferLedger(store.NewMemory(), ledger.WithPartitioner(p))
	ix := store.NewMemoryIndex()
	rec := &events.Recorder{}
	svc, err := New(cfg, Deps{
		Ledger:      l,
		Index:       ix,
		Keys:        store.NewMemoryKeys(),
		Partitioner: p,
		Codec:       codec,
		Publisher:   rec,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, ledger: l, index: ix, publisher: rec}
}

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// SCENARIOS
// =============================================================================

func TestWallet_CreditDebitVoidScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	// GIVEN: a fresh wallet credited 50.00
	res, err := f.svc.ApplyCredit(ctx, alice, usd("50.00"), "ref-credit")
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), res.Balance.CreditsPosted)
	assert.True(t, res.Balance.Net.Equal(usd("50")))

	// WHEN: 75.00 is debited without a constraint
	res, err = f.svc.ApplyDebit(ctx, alice, usd("75.00"), "ref-debit")
	require.NoError(t, err)

	// THEN: the wallet is overdrawn
	assert.Equal(t, uint64(7500), res.Balance.DebitsPosted)
	assert.Equal(t, "-2500", res.Balance.NetMinorUnits.String())

	// WHEN: the credit is voided
	res, err = f.svc.VoidByReference(ctx, "ref-credit")
	require.NoError(t, err)

	// THEN: the reversal debits the wallet again
	assert.Equal(t, ledger.KindCreditVoid, res.Kind)
	assert.Equal(t, uint64(5000), res.Balance.CreditsPosted)
	assert.Equal(t, uint64(12500), res.Balance.DebitsPosted)
	assert.Equal(t, "-7500", res.Balance.NetMinorUnits.String())
	assert.True(t, res.Balance.Net.Equal(usd("-75")))

	bal, err := f.svc.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, res.Balance, bal)

	// Reserve issued 50.00 and took it back
	reserve, err := f.svc.GetBalance(ctx, ledger.AccountKey{ClientID: DefaultReserveClientID, Country: "US", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), reserve.DebitsPosted)
	assert.Equal(t, uint64(5000), reserve.CreditsPosted)

	totals, err := f.ledger.VerifyConservation(ctx, usPartition)
	require.NoError(t, err)
	assert.True(t, totals.Balanced())

	// One event per fresh application
	require.Len(t, f.publisher.Events(), 3)
	assert.Equal(t, DefaultTopic, f.publisher.Events()[0].Topic)
	assert.Equal(t, "transfer_applied", f.publisher.Events()[0].Event.EventType())
	voided, ok := f.publisher.Events()[2].Event.(events.TransferVoided)
	require.True(t, ok)
	assert.Equal(t, string(ledger.TransferIDForReference("ref-credit")), voided.TransferID)
}

func TestWallet_RetriedRequestReplays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	first, err := f.svc.ApplyCredit(ctx, alice, usd("10.00"), "ref-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// WHEN: the same request is retried
	again, err := f.svc.ApplyCredit(ctx, alice, usd("10"), "ref-1")
	require.NoError(t, err)

	// THEN: nothing moves and the first result is returned
	assert.True(t, again.Replayed)
	assert.Equal(t, first.TransferID, again.TransferID)
	assert.Equal(t, first.Balance, again.Balance)
	assert.Len(t, f.publisher.Events(), 1)

	bal, err := f.svc.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.CreditsPosted)
}

func TestWallet_ConcurrentReferenceReuseAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	bob := ledger.AccountKey{ClientID: "bob", Country: "US", Currency: "USD"}

	// WHEN: two customers race with the same reference
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []ledger.AccountKey{alice, bob} {
		wg.Add(1)
		go func(i int, key ledger.AccountKey) {
			defer wg.Done()
			_, errs[i] = f.svc.ApplyCredit(ctx, key, usd("10.00"), "shared-ref")
		}(i, key)
	}
	wg.Wait()

	// THEN: one wins, the other learns the reference is taken
	mismatches := 0
	for _, err := range errs {
		if errors.Is(err, ErrReferenceMismatch) {
			mismatches++
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 1, mismatches)

	a, err := f.svc.GetBalance(ctx, alice)
	require.NoError(t, err)
	b, err := f.svc.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), a.CreditsPosted+b.CreditsPosted)
}

func TestWallet_ReferenceReuseRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	_, err := f.svc.ApplyCredit(ctx, alice, usd("10.00"), "ref-1")
	require.NoError(t, err)

	tests := []struct {
		name  string
		apply func() (Result, error)
	}{
		{"different amount", func() (Result, error) { return f.svc.ApplyCredit(ctx, alice, usd("11.00"), "ref-1") }},
		{"different kind", func() (Result, error) { return f.svc.ApplyDebit(ctx, alice, usd("10.00"), "ref-1") }},
		{"different wallet", func() (Result, error) {
			return f.svc.ApplyCredit(ctx, ledger.AccountKey{ClientID: "bob", Country: "US", Currency: "USD"}, usd("10.00"), "ref-1")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.apply()
			assert.ErrorIs(t, err, ErrReferenceMismatch)
		})
	}

	bal, err := f.svc.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.CreditsPosted)
	assert.Equal(t, uint64(0), bal.DebitsPosted)
}

func TestWallet_ConstrainedCustomers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{CustomerFlags: ledger.FlagDebitsMustNotExceedCredits})

	_, err := f.svc.ApplyCredit(ctx, alice, usd("50.00"), "c1")
	require.NoError(t, err)

	// WHEN: a debit exceeds the available credit
	_, err = f.svc.ApplyDebit(ctx, alice, usd("75.00"), "d1")

	// THEN: it is rejected with the shortfall and nothing is recorded
	var exceeds *ledger.ExceedsCreditsError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, uint64(5000), exceeds.Available())
	assert.Equal(t, uint64(2500), exceeds.Shortfall())

	_, err = f.index.Get(ctx, "d1")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)

	// A debit within the credit passes
	res, err := f.svc.ApplyDebit(ctx, alice, usd("50.00"), "d2")
	require.NoError(t, err)
	assert.True(t, res.Balance.NetMinorUnits.IsZero())
}

func TestWallet_RequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	tests := []struct {
		name   string
		key    ledger.AccountKey
		amount string
		ref    string
		want   error
	}{
		{"missing reference", alice, "1", "", ledger.ErrInvalidTransfer},
		{"zero amount", alice, "0", "r", ledger.ErrAmountOutOfRange},
		{"negative amount", alice, "-1", "r", ledger.ErrAmountOutOfRange},
		{"sub-cent amount", alice, "0.001", "r", ledger.ErrAmountOutOfRange},
		{"unknown partition", ledger.AccountKey{ClientID: "a", Country: "DE", Currency: "EUR"}, "1", "r", ledger.ErrUnknownPartition},
		{"missing client", ledger.AccountKey{Country: "US", Currency: "USD"}, "1", "r", ledger.ErrInvalidKey},
		{"system client", ledger.AccountKey{ClientID: DefaultExpenseClientID, Country: "US", Currency: "USD"}, "1", "r", ledger.ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ApplyCredit(ctx, tt.key, usd(tt.amount), tt.ref)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, ledger.IsValidationError(err))
		})
	}
	assert.Empty(t, f.publisher.Events())
}

func TestWallet_GetBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	// Unknown wallet: zero, not an error
	bal, err := f.svc.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bal.CreditsPosted)
	assert.True(t, bal.Net.IsZero())
	assert.Equal(t, ledger.MustDeriveAccountID(alice), bal.AccountID)

	// Codes are case-insensitive
	_, err = f.svc.ApplyCredit(ctx, alice, usd("1.50"), "r1")
	require.NoError(t, err)
	bal, err = f.svc.GetBalance(ctx, ledger.AccountKey{ClientID: "alice", Country: "us", Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, uint64(150), bal.CreditsPosted)
	assert.Equal(t, "1.50", bal.Net.StringFixed(2))

	_, err = f.svc.GetBalance(ctx, ledger.AccountKey{ClientID: "alice", Country: "DE", Currency: "EUR"})
	assert.ErrorIs(t, err, ledger.ErrUnknownPartition)
}

func TestWallet_ListBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	mx := ledger.AccountKey{ClientID: "alice", Country: "MX", Currency: "MXN"}

	_, err := f.svc.ApplyCredit(ctx, alice, usd("5"), "r-us")
	require.NoError(t, err)
	_, err = f.svc.ApplyCredit(ctx, mx, usd("100"), "r-mx")
	require.NoError(t, err)

	list, err := f.svc.ListBalances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)

	byCurrency := map[string]Balance{}
	for _, b := range list {
		byCurrency[b.Key.Currency] = b
	}
	assert.Equal(t, uint64(500), byCurrency["USD"].CreditsPosted)
	assert.Equal(t, uint64(10000), byCurrency["MXN"].CreditsPosted)

	// A client without wallets has an empty list
	list, err = f.svc.ListBalances(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWallet_VoidRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	_, err := f.svc.ApplyDebit(ctx, alice, usd("3"), "d1")
	require.NoError(t, err)

	_, err = f.svc.VoidByReference(ctx, "unknown")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)

	res, err := f.svc.VoidByReference(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindDebitVoid, res.Kind)
	assert.True(t, res.Balance.NetMinorUnits.IsZero())

	_, err = f.svc.VoidByReference(ctx, "d1")
	assert.ErrorIs(t, err, ledger.ErrAlreadyVoided)

	// The reversal itself is not voidable
	_, err = f.svc.VoidByReference(ctx, string(res.TransferID))
	assert.ErrorIs(t, err, ledger.ErrNotVoidable)
}

func TestWallet_PublishFailureDoesNotFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.publisher.Err = errors.New("broker down")

	res, err := f.svc.ApplyCredit(ctx, alice, usd("1"), "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Balance.CreditsPosted)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	f := newFixture(t, Config{})
	_, err = New(Config{ReserveClientID: "sys", ExpenseClientID: "sys"}, Deps{
		Ledger:      f.ledger,
		Index:       f.index,
		Keys:        store.NewMemoryKeys(),
		Partitioner: f.svc.partitioner,
		Codec:       f.svc.codec,
	})
	assert.Error(t, err)
}
