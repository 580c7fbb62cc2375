package ledger_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/ledgertest"
	"github.com/warp/wallet-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	reserve  = ledgertest.Account("reserve")
	customer = ledgertest.Account("customer")
	expense  = ledgertest.Account("expense")
)

func debit(id string, amount uint64) ledger.Transfer {
	return ledger.Transfer{
		ID:              ledger.TransferID(id),
		DebitAccountID:  customer,
		CreditAccountID: expense,
		Amount:          amount,
		Partition:       ledgertest.Partition,
		Kind:            ledger.KindDebit,
	}
}

// failingStore fails every operation with a driver error.
type failingStore struct{ err error }

func (f failingStore) Get(context.Context, ledger.AccountID) (ledger.Account, error) {
	return ledger.Account{}, ledger.StorageFailure("get", f.err)
}

func (f failingStore) GetTransfer(context.Context, ledger.TransferID) (ledger.AppliedTransfer, error) {
	return ledger.AppliedTransfer{}, ledger.StorageFailure("get transfer", f.err)
}

func (f failingStore) WithAccounts(context.Context, []ledger.AccountID, func(ledger.Tx) error) error {
	return ledger.StorageFailure("begin", f.err)
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewTransferLedger(store.NewMemory())

	// GIVEN: a credit of 5000 on a fresh customer account
	credit := ledgertest.Credit("credit-1", reserve, customer, 5000)
	res, err := l.Apply(ctx, credit)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), res.CreditAccount.CreditsPosted)
	assert.Equal(t, uint64(0), res.CreditAccount.DebitsPosted)
	assert.Equal(t, "5000", res.CreditAccount.Net().String())

	// WHEN: an unconstrained debit of 7500 follows
	res, err = l.Apply(ctx, debit("debit-1", 7500))
	require.NoError(t, err)

	// THEN: the account goes into overdraft
	assert.Equal(t, uint64(7500), res.DebitAccount.DebitsPosted)
	assert.Equal(t, "-2500", res.DebitAccount.Net().String())

	// WHEN: the credit is reversed
	comp, err := ledger.CompensatingTransfer(res.Transfer)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindDebitVoid, comp.Kind)

	comp, err = ledger.CompensatingTransfer(credit)
	require.NoError(t, err)
	res, err = l.Apply(ctx, comp)
	require.NoError(t, err)

	// THEN: the customer is debited again, nothing is edited
	assert.Equal(t, customer, res.DebitAccount.ID)
	assert.Equal(t, uint64(12500), res.DebitAccount.DebitsPosted)
	assert.Equal(t, uint64(5000), res.DebitAccount.CreditsPosted)
	assert.Equal(t, "-7500", res.DebitAccount.Net().String())

	// AND: reserve 5000 + customer 5000 + expense 7500 on each side
	totals, err := l.VerifyConservation(ctx, ledgertest.Partition)
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Accounts)
	assert.Equal(t, "17500", totals.CreditsPosted.String())
	assert.Equal(t, "17500", totals.DebitsPosted.String())
}

func TestApply_Validation(t *testing.T) {
	ctx := context.Background()
	p, err := ledger.NewPartitioner([]ledger.PartitionEntry{{ID: ledgertest.Partition, Currency: "USD", Country: "US"}})
	require.NoError(t, err)
	s := store.NewMemory()
	l := ledger.NewTransferLedger(s, ledger.WithPartitioner(p))

	tests := []struct {
		name   string
		mutate func(*ledger.Transfer)
		want   error
	}{
		{"empty id", func(t *ledger.Transfer) { t.ID = "" }, ledger.ErrInvalidTransfer},
		{"unknown kind", func(t *ledger.Transfer) { t.Kind = "refund" }, ledger.ErrInvalidTransfer},
		{"void without link", func(t *ledger.Transfer) { t.Kind = ledger.KindCreditVoid }, ledger.ErrInvalidTransfer},
		{"link without void", func(t *ledger.Transfer) { t.LinkedTransferID = "x" }, ledger.ErrInvalidTransfer},
		{"zero amount", func(t *ledger.Transfer) { t.Amount = 0 }, ledger.ErrAmountOutOfRange},
		{"self transfer", func(t *ledger.Transfer) { t.DebitAccountID = t.CreditAccountID }, ledger.ErrSelfTransfer},
		{"unknown partition", func(t *ledger.Transfer) { t.Partition = 999 }, ledger.ErrUnknownPartition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := ledgertest.Credit("v-"+tt.name, reserve, customer, 10)
			tt.mutate(&tr)

			_, err := l.Apply(ctx, tr)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, ledger.IsValidationError(err))
			assert.False(t, ledger.IsRetryable(err))
		})
	}

	// Nothing was created by any rejected transfer
	assert.Empty(t, s.Accounts())
}

func TestApply_OverflowRejected(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewTransferLedger(store.NewMemory())

	_, err := l.Apply(ctx, ledgertest.Credit("max", reserve, customer, ^uint64(0)))
	require.NoError(t, err)

	_, err = l.Apply(ctx, ledgertest.Credit("one", reserve, customer, 1))
	var amountErr *ledger.AmountError
	require.ErrorAs(t, err, &amountErr)
	assert.Contains(t, amountErr.Reason, "overflow")
}

func TestApply_UsesClockOnlyForFreshTransfers(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := first
	l := ledger.NewTransferLedger(store.NewMemory(), ledger.WithClock(func() time.Time { return now }))

	res, err := l.Apply(ctx, ledgertest.Credit("t1", reserve, customer, 1))
	require.NoError(t, err)
	assert.Equal(t, first, res.Transfer.AppliedAt)

	now = first.Add(time.Hour)
	res, err = l.Apply(ctx, ledgertest.Credit("t1", reserve, customer, 1))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, first, res.Transfer.AppliedAt)

	at, err := l.Transfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first, at.Transfer.AppliedAt)

	acct, err := l.Account(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.CreditsPosted)
}

func TestApply_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := store.NewMemory()
	l := ledger.NewTransferLedger(s)

	_, err := l.Apply(ctx, ledgertest.Credit("t1", reserve, customer, 1))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.GetTransfer(context.Background(), "t1")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func TestApply_StorageFailureIsRetryable(t *testing.T) {
	boom := errors.New("connection reset")
	l := ledger.NewTransferLedger(failingStore{err: boom})

	_, err := l.Apply(context.Background(), ledgertest.Credit("t1", reserve, customer, 1))
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.ErrorIs(t, err, boom)

	var storageErr *ledger.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "get transfer", storageErr.Op)
}

func TestVerifyConservation_RequiresTotals(t *testing.T) {
	l := ledger.NewTransferLedger(failingStore{err: errors.New("x")})
	_, err := l.VerifyConservation(context.Background(), ledgertest.Partition)
	assert.Error(t, err)
}

// =============================================================================
// METRICS
// =============================================================================

func TestApply_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := ledger.NewMetrics(reg)
	require.NoError(t, err)
	l := ledger.NewTransferLedger(store.NewMemory(), ledger.WithMetrics(m))

	credit := ledgertest.Credit("c1", reserve, customer, 10)
	credit.CreditAccountFlags = ledger.FlagDebitsMustNotExceedCredits
	_, err = l.Apply(ctx, credit)
	require.NoError(t, err)
	_, err = l.Apply(ctx, credit)
	require.NoError(t, err)
	_, err = l.Apply(ctx, debit("d1", 11))
	require.ErrorIs(t, err, ledger.ErrExceedsCredits)

	expected := `
# HELP wallet_ledger_transfers_applied_total Transfers applied, labeled by kind
# TYPE wallet_ledger_transfers_applied_total counter
wallet_ledger_transfers_applied_total{kind="credit"} 1
# HELP wallet_ledger_transfers_rejected_total Transfers rejected, labeled by reason
# TYPE wallet_ledger_transfers_rejected_total counter
wallet_ledger_transfers_rejected_total{reason="exceeds_credits"} 1
# HELP wallet_ledger_transfers_replayed_total Apply calls answered from an earlier application of the same transfer id
# TYPE wallet_ledger_transfers_replayed_total counter
wallet_ledger_transfers_replayed_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"wallet_ledger_transfers_applied_total",
		"wallet_ledger_transfers_rejected_total",
		"wallet_ledger_transfers_replayed_total",
	))
	n, err := testutil.GatherAndCount(reg, "wallet_ledger_apply_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Registering twice fails
	_, err = ledger.NewMetrics(reg)
	assert.Error(t, err)
}
