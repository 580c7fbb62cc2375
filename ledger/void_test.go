package ledger_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/ledgertest"
	"github.com/warp/wallet-ledger/ledger/store"
)

// flakyIndex fails MarkVoided while failMark is set.
type flakyIndex struct {
	*store.MemoryIndex
	failMark bool
}

func (f *flakyIndex) MarkVoided(ctx context.Context, transferID, voidTransferID ledger.TransferID) error {
	if f.failMark {
		return ledger.StorageFailure("mark voided", errors.New("index offline"))
	}
	return f.MemoryIndex.MarkVoided(ctx, transferID, voidTransferID)
}

type voidFixture struct {
	store  *store.Memory
	ledger *ledger.TransferLedger
	index  *flakyIndex
	voids  *ledger.VoidCoordinator
}

func newVoidFixture(t *testing.T, opts ...ledger.VoidOption) *voidFixture {
	t.Helper()
	s := store.NewMemory()
	l := ledger.NewTransferLedger(s)
	ix := &flakyIndex{MemoryIndex: store.NewMemoryIndex()}
	return &voidFixture{store: s, ledger: l, index: ix, voids: ledger.NewVoidCoordinator(l, ix, opts...)}
}

// apply applies tr and records it under ref, the way the wallet service does.
func (f *voidFixture) apply(t *testing.T, tr ledger.Transfer, ref string) ledger.TransferResult {
	t.Helper()
	ctx := context.Background()
	res, err := f.ledger.Apply(ctx, tr)
	require.NoError(t, err)
	require.NoError(t, f.index.RecordApplication(ctx, ledger.MetadataFromTransfer(res.Transfer, ref, tr.CreditAccountID)))
	return res
}

func TestVoid_ReversesCredit(t *testing.T) {
	ctx := context.Background()
	f := newVoidFixture(t)
	f.apply(t, ledgertest.Credit("c1", reserve, customer, 5000), "ref-c1")

	// WHEN: the credit is voided by reference
	res, err := f.voids.Void(ctx, "ref-c1")
	require.NoError(t, err)

	// THEN: a linked compensating transfer was applied
	assert.Equal(t, ledger.KindCreditVoid, res.Transfer.Kind)
	assert.Equal(t, ledger.TransferID("c1"), res.Transfer.LinkedTransferID)
	assert.Equal(t, ledger.VoidTransferID("c1"), res.Transfer.ID)
	assert.Equal(t, customer, res.Transfer.DebitAccountID)
	assert.Equal(t, reserve, res.Transfer.CreditAccountID)
	assert.Equal(t, uint64(5000), res.Transfer.Amount)

	// Both transfers exist; the original is untouched
	orig, err := f.ledger.Transfer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindCredit, orig.Transfer.Kind)

	acct, err := f.store.Get(ctx, customer)
	require.NoError(t, err)
	assert.True(t, acct.Net().IsZero())

	meta, err := f.index.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, res.Transfer.ID, meta.VoidTransferID)
}

func TestVoid_SecondVoidRejected(t *testing.T) {
	ctx := context.Background()
	f := newVoidFixture(t)
	f.apply(t, ledgertest.Credit("c1", reserve, customer, 100), "ref-c1")

	_, err := f.voids.Void(ctx, "c1")
	require.NoError(t, err)

	_, err = f.voids.Void(ctx, "c1")
	var already *ledger.AlreadyVoidedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, ledger.VoidTransferID("c1"), already.VoidTransferID)
	assert.True(t, ledger.IsBusinessRejection(err))

	// Only one reversal hit the balances
	acct, err := f.store.Get(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.DebitsPosted)
}

func TestVoid_ConcurrentVoidsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newVoidFixture(t)
	f.apply(t, ledgertest.Credit("c1", reserve, customer, 100), "ref-c1")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.voids.Void(ctx, "ref-c1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrAlreadyVoided):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, rejected)

	acct, err := f.store.Get(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.DebitsPosted)
}

func TestVoid_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newVoidFixture(t)
	f.apply(t, ledgertest.Credit("c1", reserve, customer, 100), "ref-c1")
	res, err := f.voids.Void(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, f.index.RecordApplication(ctx, ledger.MetadataFromTransfer(res.Transfer, "", customer)))

	_, err = f.voids.Void(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)

	_, err = f.voids.Void(ctx, string(res.Transfer.ID))
	assert.ErrorIs(t, err, ledger.ErrNotVoidable)

	_, err = ledger.CompensatingTransfer(res.Transfer)
	assert.ErrorIs(t, err, ledger.ErrNotVoidable)
}

func TestVoid_UnmarkedIsRepairedByRetry(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := ledger.NewMetrics(reg)
	require.NoError(t, err)
	f := newVoidFixture(t, ledger.WithVoidMetrics(m))
	f.apply(t, ledgertest.Credit("c1", reserve, customer, 100), "ref-c1")

	// GIVEN: the index fails right after the reversal is applied
	f.index.failMark = true
	res, err := f.voids.Void(ctx, "ref-c1")

	// THEN: the caller gets the applied result plus a reconciliation error
	var unmarked *ledger.UnmarkedVoidError
	require.ErrorAs(t, err, &unmarked)
	assert.ErrorIs(t, err, ledger.ErrVoidUnmarked)
	assert.Equal(t, ledger.VoidTransferID("c1"), unmarked.VoidTransferID)
	assert.Equal(t, uint64(100), res.DebitAccount.DebitsPosted)

	// WHEN: the index recovers and the void is retried
	f.index.failMark = false
	res, err = f.voids.Void(ctx, "ref-c1")
	require.NoError(t, err)

	// THEN: the reversal replays instead of applying twice
	assert.True(t, res.Replayed)
	acct, err := f.store.Get(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.DebitsPosted)

	meta, err := f.index.Get(ctx, "ref-c1")
	require.NoError(t, err)
	assert.True(t, meta.Voided())

	expected := `
# HELP wallet_ledger_voids_total Void attempts, labeled by outcome
# TYPE wallet_ledger_voids_total counter
wallet_ledger_voids_total{outcome="unmarked"} 1
wallet_ledger_voids_total{outcome="voided"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "wallet_ledger_voids_total"))
}

func TestTransferIDs_Deterministic(t *testing.T) {
	assert.Equal(t, ledger.TransferIDForReference("ref-1"), ledger.TransferIDForReference("ref-1"))
	assert.NotEqual(t, ledger.TransferIDForReference("ref-1"), ledger.TransferIDForReference("ref-2"))
	assert.NotEqual(t, ledger.TransferIDForReference("x"), ledger.VoidTransferID("x"))
	assert.Len(t, string(ledger.VoidTransferID("x")), 36)
}

func TestVoid_NilLoggerKeepsDefault(t *testing.T) {
	ctx := context.Background()
	f := newVoidFixture(t, ledger.WithVoidLogger(nil))
	f.apply(t, ledgertest.Credit("c1", reserve, customer, 100), "ref-c1")

	// WHEN: a void succeeds with no logger configured
	res, err := f.voids.Void(ctx, "ref-c1")

	// THEN: it logs to the discard default instead of panicking
	require.NoError(t, err)
	assert.Equal(t, ledger.KindCreditVoid, res.Transfer.Kind)
}
