package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
)

// Metadata builds an index row for a credit of amount to account.
func Metadata(transferID, referenceID string, account ledger.AccountID, amount uint64) ledger.TransferMetadata {
	return ledger.MetadataFromTransfer(
		Credit(transferID, Account("reserve"), account, amount),
		referenceID,
		account,
	)
}

// RunIndex checks a ledger.MetadataIndex implementation.
func RunIndex(t *testing.T, newIndex func(t *testing.T) ledger.MetadataIndex) {
	t.Helper()
	ctx := context.Background()
	alice := Account("alice")

	t.Run("GetByReferenceOrTransferID", func(t *testing.T) {
		ix := newIndex(t)
		require.NoError(t, ix.RecordApplication(ctx, Metadata("t1", "ref-1", alice, 500)))

		byRef, err := ix.Get(ctx, "ref-1")
		require.NoError(t, err)
		byID, err := ix.Get(ctx, "t1")
		require.NoError(t, err)

		assert.Equal(t, ledger.TransferID("t1"), byRef.TransferID)
		assert.Equal(t, "ref-1", byID.ReferenceID)
		assert.Equal(t, alice, byID.AccountID)
		assert.Equal(t, Account("reserve"), byID.DebitAccountID)
		assert.Equal(t, ledger.KindCredit, byID.Kind)
		assert.Equal(t, uint64(500), byID.Amount)
		assert.Equal(t, Partition, byID.Partition)
		assert.False(t, byID.Voided())
		assert.False(t, byID.RecordedAt.IsZero())

		_, err = ix.Get(ctx, "nope")
		assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
	})

	t.Run("RecordIsIdempotent", func(t *testing.T) {
		ix := newIndex(t)
		require.NoError(t, ix.RecordApplication(ctx, Metadata("t1", "ref-1", alice, 500)))
		require.NoError(t, ix.RecordApplication(ctx, Metadata("t1", "ref-1", alice, 500)))

		// A reference belongs to one transfer
		err := ix.RecordApplication(ctx, Metadata("t2", "ref-1", alice, 500))
		assert.ErrorIs(t, err, ledger.ErrInvalidTransfer)

		// Rows without a reference do not collide
		require.NoError(t, ix.RecordApplication(ctx, Metadata("v1", "", alice, 1)))
		require.NoError(t, ix.RecordApplication(ctx, Metadata("v2", "", alice, 1)))
	})

	t.Run("MarkVoidedOnce", func(t *testing.T) {
		ix := newIndex(t)
		require.NoError(t, ix.RecordApplication(ctx, Metadata("t1", "ref-1", alice, 500)))

		require.NoError(t, ix.MarkVoided(ctx, "t1", "void-1"))
		m, err := ix.Get(ctx, "ref-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.TransferID("void-1"), m.VoidTransferID)

		// Even the same value is rejected the second time
		err = ix.MarkVoided(ctx, "t1", "void-1")
		var already *ledger.AlreadyVoidedError
		require.ErrorAs(t, err, &already)
		assert.Equal(t, ledger.TransferID("void-1"), already.VoidTransferID)

		assert.ErrorIs(t, ix.MarkVoided(ctx, "missing", "v"), ledger.ErrTransferNotFound)
	})

	t.Run("ConcurrentMarkVoidedHasOneWinner", func(t *testing.T) {
		ix := newIndex(t)
		require.NoError(t, ix.RecordApplication(ctx, Metadata("t1", "ref-1", alice, 500)))

		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := ix.MarkVoided(ctx, "t1", "void-1")
				if err != nil && !errors.Is(err, ledger.ErrAlreadyVoided) {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

// RunKeys checks a ledger.KeyRegistry implementation.
func RunKeys(t *testing.T, newKeys func(t *testing.T) ledger.KeyRegistry) {
	t.Helper()
	ctx := context.Background()
	usd := ledger.AccountKey{ClientID: "alice", Country: "US", Currency: "USD"}
	mxn := ledger.AccountKey{ClientID: "alice", Country: "MX", Currency: "MXN"}

	t.Run("RegisterAndLookup", func(t *testing.T) {
		reg := newKeys(t)
		id, err := ledger.RegisterKey(ctx, reg, ledger.AccountKey{ClientID: "alice", Country: "us", Currency: "usd"})
		require.NoError(t, err)

		got, err := reg.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, usd, got)

		// Same key again is a no-op
		_, err = ledger.RegisterKey(ctx, reg, usd)
		require.NoError(t, err)

		_, err = reg.Lookup(ctx, Account("ghost"))
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})

	t.Run("CollisionIsFatal", func(t *testing.T) {
		reg := newKeys(t)
		id := ledger.MustDeriveAccountID(usd)
		require.NoError(t, reg.Register(ctx, id, usd))

		err := reg.Register(ctx, id, mxn)
		var collision *ledger.CollisionError
		require.ErrorAs(t, err, &collision)
		assert.Equal(t, usd, collision.Existing)
		assert.True(t, ledger.IsFatal(err))
	})

	t.Run("AccountsForClient", func(t *testing.T) {
		reg := newKeys(t)
		for _, k := range []ledger.AccountKey{usd, mxn, {ClientID: "bob", Country: "US", Currency: "USD"}} {
			_, err := ledger.RegisterKey(ctx, reg, k)
			require.NoError(t, err)
		}

		ids, err := reg.AccountsForClient(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []ledger.AccountID{ledger.MustDeriveAccountID(usd), ledger.MustDeriveAccountID(mxn)}, ids)

		ids, err = reg.AccountsForClient(ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
