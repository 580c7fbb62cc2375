/*
suite.go - Conformance tests shared by every ledger.Store backend

Each backend's test file calls Run with a constructor returning a fresh,
empty store. The suite drives the store through a TransferLedger, the way
production code does, plus a few direct WithAccounts calls for the atomic
unit contract.
*/
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
)

// Partition used by the suite.
const Partition ledger.PartitionID = 840

// Account returns a deterministic account id for name.
func Account(name string) ledger.AccountID {
	return ledger.MustDeriveAccountID(ledger.AccountKey{ClientID: name, Country: "US", Currency: "USD"})
}

// Credit builds a credit of amount from reserve to account.
func Credit(id string, reserve, account ledger.AccountID, amount uint64) ledger.Transfer {
	return ledger.Transfer{
		ID:              ledger.TransferID(id),
		DebitAccountID:  reserve,
		CreditAccountID: account,
		Amount:          amount,
		Partition:       Partition,
		Kind:            ledger.KindCredit,
	}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("ApplyUpdatesBothSides", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		reserve, alice := Account("reserve"), Account("alice")

		res, err := l.Apply(ctx, Credit("t1", reserve, alice, 5000))
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, uint64(5000), res.DebitAccount.DebitsPosted)
		assert.Equal(t, uint64(5000), res.CreditAccount.CreditsPosted)

		got, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(5000), got.CreditsPosted)
		assert.Equal(t, uint64(0), got.DebitsPosted)
		assert.Equal(t, Partition, got.Partition)

		at, err := s.GetTransfer(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, ledger.KindCredit, at.Transfer.Kind)
		assert.Equal(t, uint64(5000), at.Transfer.Amount)
	})

	t.Run("MissingRecordsAreNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(ctx, Account("nobody"))
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

		_, err = s.GetTransfer(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
	})

	t.Run("ReplayReturnsFirstResult", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		reserve, alice := Account("reserve"), Account("alice")

		first, err := l.Apply(ctx, Credit("t1", reserve, alice, 100))
		require.NoError(t, err)
		_, err = l.Apply(ctx, Credit("t2", reserve, alice, 50))
		require.NoError(t, err)

		// WHEN: t1 is submitted again, even with a different amount
		again, err := l.Apply(ctx, Credit("t1", reserve, alice, 999))
		require.NoError(t, err)

		// THEN: the stored outcome comes back and nothing moves
		assert.True(t, again.Replayed)
		assert.Equal(t, first.CreditAccount.CreditsPosted, again.CreditAccount.CreditsPosted)
		assert.Equal(t, uint64(100), again.Transfer.Amount)

		got, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(150), got.CreditsPosted)
	})

	t.Run("ConcurrentSameIDAppliesOnce", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		reserve, alice := Account("reserve"), Account("alice")

		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			fresh   int
			errs    []error
			results []ledger.TransferResult
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := l.Apply(ctx, Credit("same", reserve, alice, 700))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if !res.Replayed {
					fresh++
				}
				results = append(results, res)
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, fresh)
		for _, r := range results {
			assert.Equal(t, uint64(700), r.CreditAccount.CreditsPosted)
		}
		got, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(700), got.CreditsPosted)
	})

	t.Run("OppositeDirectionsDoNotDeadlock", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		a, b := Account("a"), Account("b")

		const n = 50
		var wg sync.WaitGroup
		errCh := make(chan error, 2*n)
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, err := l.Apply(ctx, Credit(fmt.Sprintf("ab-%d", i), a, b, 3))
				errCh <- err
			}(i)
			go func(i int) {
				defer wg.Done()
				_, err := l.Apply(ctx, Credit(fmt.Sprintf("ba-%d", i), b, a, 2))
				errCh <- err
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			require.NoError(t, err)
		}

		accA, err := s.Get(ctx, a)
		require.NoError(t, err)
		accB, err := s.Get(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, uint64(n*3), accA.DebitsPosted)
		assert.Equal(t, uint64(n*2), accA.CreditsPosted)
		assert.Equal(t, uint64(n*2), accB.DebitsPosted)
		assert.Equal(t, uint64(n*3), accB.CreditsPosted)
		assertConserved(t, s)
	})

	t.Run("ExceedsCreditsLeavesNoTrace", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		reserve, alice, expense := Account("reserve"), Account("alice"), Account("expense")

		credit := Credit("c1", reserve, alice, 100)
		credit.CreditAccountFlags = ledger.FlagDebitsMustNotExceedCredits
		_, err := l.Apply(ctx, credit)
		require.NoError(t, err)

		// WHEN: the constrained account is debited beyond its credits
		_, err = l.Apply(ctx, ledger.Transfer{
			ID: "d1", DebitAccountID: alice, CreditAccountID: expense,
			Amount: 150, Partition: Partition, Kind: ledger.KindDebit,
		})

		// THEN: rejected with the shortfall, and nothing was written
		var exceeds *ledger.ExceedsCreditsError
		require.ErrorAs(t, err, &exceeds)
		assert.Equal(t, uint64(100), exceeds.Available())
		assert.Equal(t, uint64(150), exceeds.Amount)

		got, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), got.DebitsPosted)
		_, err = s.Get(ctx, expense)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = s.GetTransfer(ctx, "d1")
		assert.ErrorIs(t, err, ledger.ErrTransferNotFound)

		// An exact debit still fits
		_, err = l.Apply(ctx, ledger.Transfer{
			ID: "d2", DebitAccountID: alice, CreditAccountID: expense,
			Amount: 100, Partition: Partition, Kind: ledger.KindDebit,
		})
		require.NoError(t, err)
	})

	t.Run("PartitionMismatchRejected", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		reserve, alice, other := Account("reserve"), Account("alice"), Account("other")

		_, err := l.Apply(ctx, Credit("c1", reserve, alice, 10))
		require.NoError(t, err)

		_, err = l.Apply(ctx, ledger.Transfer{
			ID: "x1", DebitAccountID: other, CreditAccountID: alice,
			Amount: 5, Partition: Partition + 1, Kind: ledger.KindCredit,
		})
		var mismatch *ledger.LedgerMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, alice, mismatch.AccountID)

		// The debit side was created inside the rolled-back unit
		_, err = s.Get(ctx, other)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})

	t.Run("WithAccountsRollsBackOnError", func(t *testing.T) {
		s := newStore(t)
		a, b := Account("a"), Account("b")
		boom := errors.New("boom")

		err := s.WithAccounts(ctx, []ledger.AccountID{a, b}, func(tx ledger.Tx) error {
			if _, err := tx.GetOrCreate(ctx, a, Partition, ledger.FlagNone); err != nil {
				return err
			}
			if _, err := tx.ApplyDelta(ctx, a, 10, 0); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = s.Get(ctx, a)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})

	t.Run("TxSeesItsOwnWrites", func(t *testing.T) {
		s := newStore(t)
		a := Account("a")

		err := s.WithAccounts(ctx, []ledger.AccountID{a}, func(tx ledger.Tx) error {
			created, err := tx.GetOrCreate(ctx, a, Partition, ledger.FlagDebitsMustNotExceedCredits)
			require.NoError(t, err)
			assert.Equal(t, ledger.FlagDebitsMustNotExceedCredits, created.Flags)

			updated, err := tx.ApplyDelta(ctx, a, 7, 3)
			require.NoError(t, err)
			assert.Equal(t, uint64(7), updated.CreditsPosted)
			assert.Equal(t, uint64(3), updated.DebitsPosted)

			again, err := tx.GetOrCreate(ctx, a, Partition, ledger.FlagNone)
			require.NoError(t, err)
			assert.Equal(t, uint64(7), again.CreditsPosted)
			assert.Equal(t, ledger.FlagDebitsMustNotExceedCredits, again.Flags)
			return nil
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), got.CreditsPosted)
		assert.Equal(t, uint64(3), got.DebitsPosted)
	})

	t.Run("VoidRestoresBalances", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		reserve, alice := Account("reserve"), Account("alice")

		orig := Credit("c1", reserve, alice, 250)
		_, err := l.Apply(ctx, orig)
		require.NoError(t, err)

		comp, err := ledger.CompensatingTransfer(orig)
		require.NoError(t, err)
		res, err := l.Apply(ctx, comp)
		require.NoError(t, err)

		assert.Equal(t, ledger.KindCreditVoid, res.Transfer.Kind)
		assert.Equal(t, ledger.TransferID("c1"), res.Transfer.LinkedTransferID)
		assert.True(t, res.DebitAccount.Net().IsZero(), "customer net after void")
		assert.True(t, res.CreditAccount.Net().IsZero(), "reserve net after void")
		assertConserved(t, s)
	})

	t.Run("ManyTransfersConserve", func(t *testing.T) {
		s := newStore(t)
		l := ledger.NewTransferLedger(s)
		names := []string{"reserve", "expense", "u1", "u2", "u3", "u4"}

		var wg sync.WaitGroup
		errCh := make(chan error, 120)
		for i := 0; i < 120; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				from := Account(names[i%len(names)])
				to := Account(names[(i+1)%len(names)])
				_, err := l.Apply(ctx, Credit(fmt.Sprintf("m-%d", i), from, to, uint64(i+1)))
				errCh <- err
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			require.NoError(t, err)
		}
		assertConserved(t, s)
	})

	t.Run("SameIDOnDisjointAccountsAppliesOnce", func(t *testing.T) {
		s := newStore(t)
		rv := newRendezvous(2, 250*time.Millisecond)
		l := ledger.NewTransferLedger(pausingStore{Store: s, rv: rv})
		pairs := [][2]ledger.AccountID{
			{Account("a"), Account("b")},
			{Account("c"), Account("d")},
		}

		// WHEN: one transfer id is submitted on two account pairs that share
		// no lock, and both reach the write before either commits
		var wg sync.WaitGroup
		results := make([]ledger.TransferResult, len(pairs))
		errs := make([]error, len(pairs))
		for i, p := range pairs {
			wg.Add(1)
			go func(i int, from, to ledger.AccountID) {
				defer wg.Done()
				results[i], errs[i] = l.Apply(ctx, Credit("same-id", from, to, 100))
			}(i, p[0], p[1])
		}
		wg.Wait()

		// THEN: one applies, the other replays it, money moves once
		for _, err := range errs {
			require.NoError(t, err)
		}
		fresh := 0
		for _, r := range results {
			if !r.Replayed {
				fresh++
			}
			assert.Equal(t, results[0].Transfer.CreditAccountID, r.Transfer.CreditAccountID)
		}
		assert.Equal(t, 1, fresh)
		assert.Equal(t, uint64(100), creditsOf(t, s, pairs[0][1])+creditsOf(t, s, pairs[1][1]))
		assertConserved(t, s)
	})

	t.Run("ConservationHoldsForConcurrentReaders", func(t *testing.T) {
		s := newStore(t)
		tr, ok := s.(ledger.TotalsReader)
		if !ok {
			t.Skip("store cannot compute totals")
		}
		l := ledger.NewTransferLedger(s)
		names := []string{"reserve", "expense", "u1", "u2", "u3"}

		done := make(chan struct{})
		readerErr := make(chan error, 1)
		go func() {
			defer close(readerErr)
			for {
				totals, err := tr.Totals(ctx, Partition)
				if err != nil {
					readerErr <- err
					return
				}
				if !totals.Balanced() {
					readerErr <- fmt.Errorf("unbalanced snapshot: credits %s debits %s",
						totals.CreditsPosted, totals.DebitsPosted)
					return
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()

		var wg sync.WaitGroup
		errCh := make(chan error, 60)
		for i := 0; i < 60; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				from := Account(names[i%len(names)])
				to := Account(names[(i+2)%len(names)])
				_, err := l.Apply(ctx, Credit(fmt.Sprintf("r-%d", i), from, to, uint64(10+i)))
				errCh <- err
			}(i)
		}
		wg.Wait()
		close(done)
		close(errCh)

		for err := range errCh {
			require.NoError(t, err)
		}
		require.NoError(t, <-readerErr)
		assertConserved(t, s)
	})
}

// creditsOf returns the credits posted on id, zero for a missing account.
func creditsOf(t *testing.T, s ledger.Store, id ledger.AccountID) uint64 {
	t.Helper()
	a, err := s.Get(context.Background(), id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0
	}
	require.NoError(t, err)
	return a.CreditsPosted
}

// rendezvous holds each arriving caller until n callers arrived or the
// timeout passed. Backends that serialize writers never let the second
// caller arrive, so the first proceeds after the timeout.
type rendezvous struct {
	mu      sync.Mutex
	pending int
	ready   chan struct{}
	timeout time.Duration
}

func newRendezvous(n int, timeout time.Duration) *rendezvous {
	return &rendezvous{pending: n, ready: make(chan struct{}), timeout: timeout}
}

func (r *rendezvous) arrive() {
	r.mu.Lock()
	r.pending--
	if r.pending == 0 {
		close(r.ready)
	}
	r.mu.Unlock()

	select {
	case <-r.ready:
	case <-time.After(r.timeout):
	}
}

// pausingStore stops every PutTransfer at a rendezvous.
type pausingStore struct {
	ledger.Store
	rv *rendezvous
}

func (s pausingStore) WithAccounts(ctx context.Context, ids []ledger.AccountID, fn func(ledger.Tx) error) error {
	return s.Store.WithAccounts(ctx, ids, func(tx ledger.Tx) error {
		return fn(pausingTx{Tx: tx, rv: s.rv})
	})
}

type pausingTx struct {
	ledger.Tx
	rv *rendezvous
}

func (tx pausingTx) PutTransfer(ctx context.Context, at ledger.AppliedTransfer) error {
	tx.rv.arrive()
	return tx.Tx.PutTransfer(ctx, at)
}

func assertConserved(t *testing.T, s ledger.Store) {
	t.Helper()
	if _, ok := s.(ledger.TotalsReader); !ok {
		return
	}
	totals, err := ledger.NewTransferLedger(s).VerifyConservation(context.Background(), Partition)
	require.NoError(t, err)
	assert.True(t, totals.Balanced())
	assert.Positive(t, totals.Accounts)
}
