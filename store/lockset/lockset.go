// Package lockset provides per-account mutual exclusion for store backends.
//
// Lock takes one mutex per distinct account id, always in ascending byte
// order, so two callers locking {A, B} and {B, A} cannot deadlock. Entries
// are reference counted and dropped when the last holder or waiter leaves,
// so the set does not grow with the number of accounts ever touched.
package lockset

import (
	"bytes"
	"sort"
	"sync"

	"github.com/warp/wallet-ledger/ledger"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set is a collection of per-account mutexes. The zero value is ready to use.
type Set struct {
	mu      sync.Mutex
	entries map[ledger.AccountID]*entry
}

// New returns an empty Set.
func New() *Set {
	return &Set{entries: make(map[ledger.AccountID]*entry)}
}

// Lock blocks until every id is held by the caller and returns the function
// releasing them. Duplicate ids are locked once.
func (s *Set) Lock(ids ...ledger.AccountID) (unlock func()) {
	ordered := Ordered(ids)

	held := make([]*entry, 0, len(ordered))
	for _, id := range ordered {
		e := s.acquire(id)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				s.release(ordered[i])
			}
		})
	}
}

// Len returns the number of ids currently held or waited on.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Ordered returns ids sorted ascending by their bytes, without duplicates.
func Ordered(ids []ledger.AccountID) []ledger.AccountID {
	out := make([]ledger.AccountID, 0, len(ids))
	seen := make(map[ledger.AccountID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (s *Set) acquire(id ledger.AccountID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[ledger.AccountID]*entry)
	}
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.refs++
	return e
}

func (s *Set) release(id ledger.AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	e.refs--
	if e.refs == 0 {
		delete(s.entries, id)
	}
}
