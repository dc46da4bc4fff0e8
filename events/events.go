/*
events.go - Ledger events published to NATS

PURPOSE:
  Downstream consumers (notifications, analytics, the on-call pager) learn
  about ledger changes from these events. Publishing is best effort: the
  ledger write has already committed when an event is sent, and a publish
  failure is logged, never returned to the caller.

SUBJECTS:
  ledger.entry.appended              every committed entry
  ledger.transfer.completed          both legs of a transfer written
  ledger.transfer.compensated        saga credit failed, debit reversed
  ledger.alert.compensation_failed   saga reversal failed (money stuck)
  ledger.alert.drift                 reconciliation found a drifted aggregate
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/warp/incentive-ledger/ledger"
)

const (
	SubjectEntryAppended       = "ledger.entry.appended"
	SubjectTransferCompleted   = "ledger.transfer.completed"
	SubjectTransferCompensated = "ledger.transfer.compensated"
	SubjectCompensationFailed  = "ledger.alert.compensation_failed"
	SubjectDrift               = "ledger.alert.drift"
)

// Event is the JSON payload of every subject.
type Event struct {
	Subject    string    `json:"subject"`
	AccountID  string    `json:"account_id,omitempty"`
	ToAccount  string    `json:"to_account,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	EntryID    int64     `json:"entry_id,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EntryAppended builds the event for a committed entry.
func EntryAppended(e ledger.Entry) Event {
	return Event{
		Subject:    SubjectEntryAppended,
		AccountID:  string(e.AccountID),
		Amount:     e.Amount,
		Reason:     string(e.Reason),
		EntryID:    int64(e.ID),
		TransferID: e.TransferID,
		OccurredAt: e.CreatedAt,
	}
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// =============================================================================
// NATS
// =============================================================================

// NATSPublisher publishes events as JSON on their subject.
type NATSPublisher struct {
	conn *nats.Conn
}

// Connect dials url. An empty url yields (nil, nil); callers then use Noop.
func Connect(url string) (*NATSPublisher, error) {
	if url == "" {
		return nil, nil
	}

	nc, err := nats.Connect(url, nats.Name("ledgerd"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(ev.Subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// =============================================================================
// NOOP / RECORDER
// =============================================================================

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// BySubject returns the recorded events with the given subject.
func (r *Recorder) BySubject(subject string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Subject == subject {
			out = append(out, ev)
		}
	}
	return out
}
