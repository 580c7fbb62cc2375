package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/ledgertest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebble_Conformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return newTestStore(t) })
}

func TestPebble_IndexConformance(t *testing.T) {
	ledgertest.RunIndex(t, func(t *testing.T) ledger.MetadataIndex { return newTestStore(t).Index() })
}

func TestPebble_KeysConformance(t *testing.T) {
	ledgertest.RunKeys(t, func(t *testing.T) ledger.KeyRegistry { return newTestStore(t).Keys() })
}

func TestPebble_ReopenKeepsState(t *testing.T) {
	// GIVEN: a store on disk with one applied transfer
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = ledger.NewTransferLedger(s).Apply(ctx, ledgertest.Credit("t1", ledgertest.Account("r"), ledgertest.Account("a"), 9))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN: it is reopened
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	// THEN: the transfer replays and the account is intact
	res, err := ledger.NewTransferLedger(s).Apply(ctx, ledgertest.Credit("t1", ledgertest.Account("r"), ledgertest.Account("a"), 9))
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	a, err := s.Get(ctx, ledgertest.Account("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), a.CreditsPosted)
}

func TestPebble_TotalsIgnoresTransfers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.NewTransferLedger(s)
	for i, amt := range []uint64{5, 7, 11} {
		_, err := l.Apply(ctx, ledgertest.Credit(string(rune('a'+i)), ledgertest.Account("r"), ledgertest.Account("u"), amt))
		require.NoError(t, err)
	}

	totals, err := s.Totals(ctx, ledgertest.Partition)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Accounts)
	assert.Equal(t, "23", totals.CreditsPosted.String())
	assert.True(t, totals.Balanced())

	other, err := s.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, other.Accounts)
}
