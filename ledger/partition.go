/*
partition.go - (currency, country) <-> partition id mapping

PURPOSE:
  A partition is the isolation boundary of double-entry accounting:
  a transfer is valid only between two accounts of the same partition.
  The mapping is static, configured at startup, and a bijection.

NO FALLBACK:
  An unmapped pair is a hard error. Routing an unknown pair to some
  default partition would silently mix currencies in one ledger and
  corrupt the conservation invariant.

SEE ALSO:
  - factory/factory.go: builds the Partitioner from the config file
*/
package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// PartitionEntry is one row of the partition table.
type PartitionEntry struct {
	ID       PartitionID `json:"id" yaml:"id"`
	Currency string      `json:"currency" yaml:"currency"`
	Country  string      `json:"country" yaml:"country"`
}

type pairKey struct {
	currency string
	country  string
}

// Partitioner resolves partitions. Safe for concurrent use (read-only after
// construction).
type Partitioner struct {
	byPair map[pairKey]PartitionID
	byID   map[PartitionID]PartitionEntry
}

// NewPartitioner validates entries and builds the lookup tables.
// Both directions must be unique; the zero id is reserved.
func NewPartitioner(entries []PartitionEntry) (*Partitioner, error) {
	p := &Partitioner{
		byPair: make(map[pairKey]PartitionID, len(entries)),
		byID:   make(map[PartitionID]PartitionEntry, len(entries)),
	}
	for _, e := range entries {
		e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
		e.Country = strings.ToUpper(strings.TrimSpace(e.Country))

		if e.ID == 0 {
			return nil, fmt.Errorf("%w: partition id 0 is reserved (%s/%s)", ErrInvalidPartitionConfig, e.Currency, e.Country)
		}
		if e.Currency == "" || e.Country == "" {
			return nil, fmt.Errorf("%w: partition %d needs currency and country", ErrInvalidPartitionConfig, e.ID)
		}
		k := pairKey{currency: e.Currency, country: e.Country}
		if prev, ok := p.byPair[k]; ok {
			return nil, fmt.Errorf("%w: %s/%s mapped to both %d and %d", ErrInvalidPartitionConfig, e.Currency, e.Country, prev, e.ID)
		}
		if prev, ok := p.byID[e.ID]; ok {
			return nil, fmt.Errorf("%w: partition %d mapped to both %s/%s and %s/%s", ErrInvalidPartitionConfig,
				e.ID, prev.Currency, prev.Country, e.Currency, e.Country)
		}
		p.byPair[k] = e.ID
		p.byID[e.ID] = e
	}
	return p, nil
}

// PartitionFor returns the partition of a (currency, country) pair.
func (p *Partitioner) PartitionFor(currency, country string) (PartitionID, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	country = strings.ToUpper(strings.TrimSpace(country))
	id, ok := p.byPair[pairKey{currency: currency, country: country}]
	if !ok {
		return 0, &UnknownPartitionError{Currency: currency, Country: country}
	}
	return id, nil
}

// PartitionForKey is PartitionFor on an account key.
func (p *Partitioner) PartitionForKey(key AccountKey) (PartitionID, error) {
	return p.PartitionFor(key.Currency, key.Country)
}

// Resolve returns the (currency, country) pair of a partition id.
func (p *Partitioner) Resolve(id PartitionID) (currency, country string, err error) {
	e, ok := p.byID[id]
	if !ok {
		return "", "", &UnknownPartitionError{Partition: id}
	}
	return e.Currency, e.Country, nil
}

// Partitions lists the table sorted by id.
func (p *Partitioner) Partitions() []PartitionEntry {
	out := make([]PartitionEntry, 0, len(p.byID))
	for _, e := range p.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
