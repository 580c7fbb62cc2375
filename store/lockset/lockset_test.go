package lockset

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/wallet-ledger/ledger"
)

func id(b byte) ledger.AccountID {
	var a ledger.AccountID
	a[0] = b
	return a
}

func TestOrdered_SortsAndDedupes(t *testing.T) {
	got := Ordered([]ledger.AccountID{id(3), id(1), id(3), id(2)})
	assert.Equal(t, []ledger.AccountID{id(1), id(2), id(3)}, got)
}

func TestLock_SerializesOverlappingSets(t *testing.T) {
	s := New()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []ledger.AccountID{id(1), id(2)}
			if i%2 == 0 {
				ids = []ledger.AccountID{id(2), id(1)}
			}
			unlock := s.Lock(ids...)
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, s.Len(), "entries are released")
}

func TestLock_DisjointSetsRunInParallel(t *testing.T) {
	s := New()
	unlockA := s.Lock(id(1))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := s.Lock(id(2))
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint lock blocked")
	}
}

func TestLock_UnlockIsIdempotent(t *testing.T) {
	var s Set
	unlock := s.Lock(id(9), id(9))
	unlock()
	unlock()
	assert.Equal(t, 0, s.Len())
}
