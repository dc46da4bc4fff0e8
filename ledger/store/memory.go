// Package store provides the in-memory ledger.Backend.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/incentive-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu  sync.RWMutex
	now func() time.Time
	state
}

type state struct {
	entries    []ledger.Entry
	aggregates map[ledger.AccountID]ledger.Aggregate
	keys       map[string]ledger.EntryID
	intents    map[string]ledger.TransferIntent
	nextID     ledger.EntryID
}

var _ ledger.Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock stamps entries with now() instead of the wall clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now: now,
		state: state{
			aggregates: make(map[ledger.AccountID]ledger.Aggregate),
			keys:       make(map[string]ledger.EntryID),
			intents:    make(map[string]ledger.TransferIntent),
		},
	}
}

func (m *Memory) Close() error { return nil }

// EnsureAccount creates a zero aggregate when missing.
func (m *Memory) EnsureAccount(_ context.Context, accountID ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(accountID)
	return nil
}

func (m *Memory) ensureLocked(accountID ledger.AccountID) {
	if _, ok := m.aggregates[accountID]; !ok {
		m.aggregates[accountID] = ledger.Aggregate{AccountID: accountID, UpdatedAt: m.now().UTC()}
	}
}

// Append adds an entry and updates its aggregate. Append-only.
func (m *Memory) Append(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entry)
}

func (m *Memory) appendLocked(e ledger.Entry) (ledger.Entry, error) {
	if err := ledger.ValidateAmount(e.Amount); err != nil {
		return ledger.Entry{}, err
	}
	if e.IdempotencyKey != "" {
		if _, dup := m.keys[e.IdempotencyKey]; dup {
			return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
		}
	}

	agg, ok := m.aggregates[e.AccountID]
	if !ok {
		agg = ledger.Aggregate{AccountID: e.AccountID}
	}
	if agg.Balance+e.Amount < 0 {
		return ledger.Entry{}, &ledger.InsufficientBalanceError{
			AccountID: e.AccountID,
			Available: agg.Balance,
			Requested: -e.Amount,
		}
	}
	if err := agg.CheckApply(e.Amount); err != nil {
		return ledger.Entry{}, err
	}

	now := m.now().UTC()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = now
	e.RelatedID = cloneString(e.RelatedID)

	m.entries = append(m.entries, e)
	m.aggregates[e.AccountID] = agg.Apply(e.Amount, now)
	if e.IdempotencyKey != "" {
		m.keys[e.IdempotencyKey] = e.ID
	}
	return e, nil
}

func (m *Memory) Balance(_ context.Context, accountID ledger.AccountID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aggregates[accountID].Balance, nil
}

func (m *Memory) Aggregate(_ context.Context, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aggregateLocked(accountID)
}

func (m *Memory) aggregateLocked(accountID ledger.AccountID) (*ledger.Aggregate, error) {
	agg, ok := m.aggregates[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &agg, nil
}

func (m *Memory) Entries(_ context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(func(e ledger.Entry) bool { return e.AccountID == accountID }), nil
}

func (m *Memory) entriesLocked(match func(ledger.Entry) bool) []ledger.Entry {
	result := []ledger.Entry{}
	for _, e := range m.entries {
		if match(e) {
			result = append(result, e)
		}
	}
	return result
}

func (m *Memory) HasEntry(_ context.Context, q ledger.EntryQuery) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasEntryLocked(q), nil
}

func (m *Memory) hasEntryLocked(q ledger.EntryQuery) bool {
	for _, e := range m.entries {
		if e.AccountID != q.AccountID || e.Reason != q.Reason {
			continue
		}
		if !sameRelated(e.RelatedID, q.RelatedID) {
			continue
		}
		if !e.CreatedAt.Before(q.From) && e.CreatedAt.Before(q.To) {
			return true
		}
	}
	return false
}

func (m *Memory) TransferEntries(_ context.Context, transferID string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(func(e ledger.Entry) bool {
		return transferID != "" && e.TransferID == transferID
	}), nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn under the store lock.
// Simulated with a snapshot + restore on error.
func (m *Memory) WithTx(ctx context.Context, lockIDs []ledger.AccountID, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	for _, id := range lockIDs {
		m.ensureLocked(id)
	}

	if err := fn(&txView{parent: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshot() state {
	s := state{
		entries:    append([]ledger.Entry(nil), m.entries...),
		aggregates: make(map[ledger.AccountID]ledger.Aggregate, len(m.aggregates)),
		keys:       make(map[string]ledger.EntryID, len(m.keys)),
		intents:    make(map[string]ledger.TransferIntent, len(m.intents)),
		nextID:     m.nextID,
	}
	for k, v := range m.aggregates {
		s.aggregates[k] = v
	}
	for k, v := range m.keys {
		s.keys[k] = v
	}
	for k, v := range m.intents {
		s.intents[k] = v
	}
	return s
}

type txView struct {
	parent *Memory
}

func (tv *txView) EnsureAccount(_ context.Context, accountID ledger.AccountID) error {
	tv.parent.ensureLocked(accountID)
	return nil
}

func (tv *txView) Append(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	return tv.parent.appendLocked(entry)
}

func (tv *txView) Balance(_ context.Context, accountID ledger.AccountID) (int64, error) {
	return tv.parent.aggregates[accountID].Balance, nil
}

func (tv *txView) Aggregate(_ context.Context, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	return tv.parent.aggregateLocked(accountID)
}

func (tv *txView) Entries(_ context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return tv.parent.entriesLocked(func(e ledger.Entry) bool { return e.AccountID == accountID }), nil
}

func (tv *txView) HasEntry(_ context.Context, q ledger.EntryQuery) (bool, error) {
	return tv.parent.hasEntryLocked(q), nil
}

func (tv *txView) TransferEntries(_ context.Context, transferID string) ([]ledger.Entry, error) {
	return tv.parent.entriesLocked(func(e ledger.Entry) bool {
		return transferID != "" && e.TransferID == transferID
	}), nil
}

// =============================================================================
// REPORTING
// =============================================================================

func (m *Memory) TopAggregates(_ context.Context, limit int, field ledger.OrderField) ([]ledger.Aggregate, error) {
	m.mu.RLock()
	all := make([]ledger.Aggregate, 0, len(m.aggregates))
	for _, a := range m.aggregates {
		all = append(all, a)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		vi, vj := field.Value(all[i]), field.Value(all[j])
		if vi != vj {
			return vi > vj
		}
		return all[i].AccountID < all[j].AccountID
	})
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) CountInRanges(_ context.Context, ranges []ledger.BalanceRange) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make([]int64, len(ranges))
	for _, a := range m.aggregates {
		for i, r := range ranges {
			if r.Contains(a.Balance) {
				counts[i]++
				break
			}
		}
	}
	return counts, nil
}

func (m *Memory) Summary(_ context.Context) (ledger.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s ledger.Summary
	for _, a := range m.aggregates {
		s.AccountCount++
		s.TotalBalance += a.Balance
		s.TotalEarned += a.TotalEarned
		s.TotalConsumed += a.TotalConsumed
	}
	return s, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (m *Memory) AccountIDs(_ context.Context) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[ledger.AccountID]bool, len(m.aggregates))
	for id := range m.aggregates {
		seen[id] = true
	}
	for _, e := range m.entries {
		seen[e.AccountID] = true
	}
	ids := make([]ledger.AccountID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) LedgerTotals(_ context.Context, accountID ledger.AccountID) (ledger.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ledger.SumEntries(m.entriesLocked(func(e ledger.Entry) bool { return e.AccountID == accountID })), nil
}

func (m *Memory) CompareAggregate(_ context.Context, accountID ledger.AccountID) (ledger.Comparison, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := ledger.Comparison{
		Totals: ledger.SumEntries(m.entriesLocked(func(e ledger.Entry) bool { return e.AccountID == accountID })),
	}
	if agg, ok := m.aggregates[accountID]; ok {
		c.Aggregate = &agg
	}
	return c, nil
}

func (m *Memory) RebuildAggregate(_ context.Context, accountID ledger.AccountID) (ledger.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := ledger.SumEntries(m.entriesLocked(func(e ledger.Entry) bool { return e.AccountID == accountID }))
	agg := ledger.Aggregate{
		AccountID:     accountID,
		Balance:       t.Sum,
		TotalEarned:   t.Earned,
		TotalConsumed: t.Consumed,
		UpdatedAt:     m.now().UTC(),
	}
	m.aggregates[accountID] = agg
	return agg, nil
}

// ForceAggregate overwrites an aggregate without a ledger entry. It exists
// so tests can simulate drift; nothing outside tests calls it.
func (m *Memory) ForceAggregate(agg ledger.Aggregate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[agg.AccountID] = agg
}

// =============================================================================
// TRANSFER INTENTS
// =============================================================================

func (m *Memory) SaveIntent(_ context.Context, intent ledger.TransferIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	m.intents[intent.ID] = intent
	return nil
}

func (m *Memory) UpdateIntentStatus(_ context.Context, id string, status ledger.IntentStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ledger.ErrIntentNotFound
	}
	intent.Status = status
	intent.Note = note
	intent.UpdatedAt = m.now().UTC()
	m.intents[id] = intent
	return nil
}

func (m *Memory) Intent(_ context.Context, id string) (*ledger.TransferIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[id]
	if !ok {
		return nil, ledger.ErrIntentNotFound
	}
	return &intent, nil
}

func (m *Memory) OpenIntents(_ context.Context, olderThan time.Time) ([]ledger.TransferIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []ledger.TransferIntent
	for _, intent := range m.intents {
		if !intent.Status.Terminal() && intent.UpdatedAt.Before(olderThan) {
			open = append(open, intent)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func sameRelated(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
