// Package events defines the notifications the wallet service emits after a
// ledger mutation. Delivery is best effort: the ledger is the source of truth
// and a lost event never changes a balance.
package events

import (
	"context"
	"sync"
	"time"
)

// Publisher delivers an event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// Event is implemented by every payload the service publishes.
type Event interface {
	// Key groups events of the same account on the same partition of the
	// broker so consumers see them in order.
	Key() string
	EventType() string
}

// TransferApplied is published after a credit or debit is applied for the
// first time. Replays do not publish.
type TransferApplied struct {
	TransferID      string    `json:"transfer_id"`
	ReferenceID     string    `json:"reference_id"`
	Kind            string    `json:"kind"`
	AccountID       string    `json:"account_id"`
	DebitAccountID  string    `json:"debit_account_id"`
	CreditAccountID string    `json:"credit_account_id"`
	Partition       uint32    `json:"partition"`
	Currency        string    `json:"currency"`
	Amount          uint64    `json:"amount"`
	CreditsPosted   uint64    `json:"credits_posted"`
	DebitsPosted    uint64    `json:"debits_posted"`
	AppliedAt       time.Time `json:"applied_at"`
}

func (e TransferApplied) Key() string       { return e.AccountID }
func (e TransferApplied) EventType() string { return "transfer_applied" }

// TransferVoided is published after a compensating transfer is applied and
// recorded.
type TransferVoided struct {
	TransferID     string    `json:"transfer_id"`
	VoidTransferID string    `json:"void_transfer_id"`
	ReferenceID    string    `json:"reference_id"`
	Kind           string    `json:"kind"`
	AccountID      string    `json:"account_id"`
	Partition      uint32    `json:"partition"`
	Amount         uint64    `json:"amount"`
	VoidedAt       time.Time `json:"voided_at"`
}

func (e TransferVoided) Key() string       { return e.AccountID }
func (e TransferVoided) EventType() string { return "transfer_voided" }

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, Event) error { return nil }

// Recorder keeps published events in memory. Tests use it to assert on what
// the service emitted. Safe for concurrent use.
type Recorder struct {
	// Err, when set, is returned by Publish and nothing is recorded.
	Err error

	mu     sync.Mutex
	events []Recorded
}

// Recorded is one call to Recorder.Publish.
type Recorded struct {
	Topic string
	Event Event
}

func (r *Recorder) Publish(_ context.Context, topic string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, Recorded{Topic: topic, Event: event})
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}
