/*
Package sqlite provides a SQLite-backed implementation of ledger.Backend.

PURPOSE:
  Embedded store for single-node deployments and tests. The same schema
  and statements carry over to PostgreSQL (see store/postgres) with only
  dialect differences.

KEY TABLES:
  ledger_entries:   Immutable log of every balance change
  balances:         One aggregate row per account
  transfer_intents: Durable saga state for non-atomic transfers

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statement touches ledger_entries
  - balances is only written by Append and RebuildAggregate

ATOMICITY:
  Append runs the aggregate update and the entry insert in one SQL
  transaction. Debits use a conditional UPDATE (balance + ? >= 0); zero
  rows affected means insufficient balance and the transaction is
  rolled back. The UNIQUE index on idempotency_key rejects duplicate
  rewards at the database level.

CONCURRENCY:
  One writer connection plus a sync.RWMutex. Transactions are opened with
  _txlock=immediate so a second process waits instead of failing late.

TIMESTAMPS:
  Stored as fixed-width UTC text so string order is time order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/incentive-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Backend using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var _ ledger.Backend = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithClock(dbPath, time.Now)
}

// NewWithClock is New with an injectable clock for entry timestamps.
func NewWithClock(dbPath string, now func() time.Time) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" one database and makes this
	// process the only writer.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount <> 0),
		reason TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		related_entity_id TEXT,
		idempotency_key TEXT UNIQUE,
		transfer_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON ledger_entries(account_id, id);

	-- Once-per-day reward lookups
	CREATE INDEX IF NOT EXISTS idx_entries_reward_lookup
		ON ledger_entries(account_id, reason, created_at);

	CREATE INDEX IF NOT EXISTS idx_entries_transfer
		ON ledger_entries(transfer_id) WHERE transfer_id IS NOT NULL;

	-- Balance aggregates
	CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_earned INTEGER NOT NULL DEFAULT 0,
		total_consumed INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balances_balance
		ON balances(balance DESC, account_id);
	CREATE INDEX IF NOT EXISTS idx_balances_earned
		ON balances(total_earned DESC, account_id);
	CREATE INDEX IF NOT EXISTS idx_balances_consumed
		ON balances(total_consumed DESC, account_id);

	-- Transfer intents (saga mode)
	CREATE TABLE IF NOT EXISTS transfer_intents (
		id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_intents_status
		ON transfer_intents(status, updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// EnsureAccount creates a zero aggregate if none exists.
func (s *Store) EnsureAccount(ctx context.Context, accountID ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ensureAccount(ctx, s.db, accountID)
}

func (s *Store) ensureAccount(ctx context.Context, q queryer, accountID ledger.AccountID) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO balances (account_id, balance, total_earned, total_consumed, updated_at)
		 VALUES (?, 0, 0, 0, ?)`,
		string(accountID), s.stamp())
	if err != nil {
		return ledger.Unavailable("ensure account", err)
	}
	return nil
}

// Append writes an entry and its aggregate update in one transaction.
func (s *Store) Append(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, ledger.Unavailable("begin transaction", err)
	}
	defer sqlTx.Rollback()

	stored, err := s.appendTx(ctx, sqlTx, entry)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.Entry{}, ledger.Unavailable("commit append", err)
	}
	return stored, nil
}

func (s *Store) appendTx(ctx context.Context, q queryer, e ledger.Entry) (ledger.Entry, error) {
	if err := ledger.ValidateAmount(e.Amount); err != nil {
		return ledger.Entry{}, err
	}

	now := s.now().UTC()
	stamp := now.Format(timeLayout)

	if e.Amount > 0 {
		// The WHERE keeps the totals inside int64; SQLite would silently
		// switch the column to REAL on overflow.
		res, err := q.ExecContext(ctx, `
			INSERT INTO balances (account_id, balance, total_earned, total_consumed, updated_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(account_id) DO UPDATE SET
				balance = balance + excluded.balance,
				total_earned = total_earned + excluded.total_earned,
				updated_at = excluded.updated_at
			WHERE balance <= ? AND total_earned <= ?`,
			string(e.AccountID), e.Amount, e.Amount, stamp, math.MaxInt64-e.Amount, math.MaxInt64-e.Amount)
		if err != nil {
			return ledger.Entry{}, ledger.Unavailable("credit aggregate", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ledger.Entry{}, ledger.NewValidationError("amount", "would overflow the account balance")
		}
	} else {
		res, err := q.ExecContext(ctx, `
			UPDATE balances
			SET balance = balance + ?, total_consumed = total_consumed + ?, updated_at = ?
			WHERE account_id = ? AND balance + ? >= 0 AND total_consumed <= ?`,
			e.Amount, -e.Amount, stamp, string(e.AccountID), e.Amount, math.MaxInt64+e.Amount)
		if err != nil {
			return ledger.Entry{}, ledger.Unavailable("debit aggregate", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			available, err := s.balance(ctx, q, e.AccountID)
			if err != nil {
				return ledger.Entry{}, err
			}
			if available+e.Amount >= 0 {
				return ledger.Entry{}, ledger.NewValidationError("amount", "would overflow the consumed total")
			}
			return ledger.Entry{}, &ledger.InsufficientBalanceError{
				AccountID: e.AccountID,
				Available: available,
				Requested: -e.Amount,
			}
		}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(account_id, amount, reason, description, related_entity_id, idempotency_key, transfer_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.AccountID),
		e.Amount,
		string(e.Reason),
		e.Description,
		nullPtr(e.RelatedID),
		nullString(e.IdempotencyKey),
		nullString(e.TransferID),
		stamp,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Entry{}, ledger.Unavailable("insert entry", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Entry{}, ledger.Unavailable("entry id", err)
	}
	e.ID = ledger.EntryID(id)
	e.CreatedAt = now
	return e, nil
}

// Balance returns the aggregate balance, 0 when the account is unknown.
func (s *Store) Balance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balance(ctx, s.db, accountID)
}

func (s *Store) balance(ctx context.Context, q queryer, accountID ledger.AccountID) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM balances WHERE account_id = ?`, string(accountID)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, ledger.Unavailable("read balance", err)
	}
	return balance, nil
}

// Aggregate returns the aggregate row or ledger.ErrAccountNotFound.
func (s *Store) Aggregate(ctx context.Context, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.aggregate(ctx, s.db, accountID)
}

func (s *Store) aggregate(ctx context.Context, q queryer, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	row := q.QueryRowContext(ctx, `
		SELECT account_id, balance, total_earned, total_consumed, updated_at
		FROM balances WHERE account_id = ?`, string(accountID))

	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, ledger.Unavailable("read aggregate", err)
	}
	return &agg, nil
}

// Entries returns the account's entries in ID order.
func (s *Store) Entries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, s.db, `WHERE account_id = ? ORDER BY id ASC`, string(accountID))
}

// HasEntry reports whether a matching entry exists in [q.From, q.To).
func (s *Store) HasEntry(ctx context.Context, q ledger.EntryQuery) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hasEntry(ctx, s.db, q)
}

func (s *Store) hasEntry(ctx context.Context, db queryer, q ledger.EntryQuery) (bool, error) {
	var exists int
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE account_id = ? AND reason = ?
			  AND related_entity_id IS ?
			  AND created_at >= ? AND created_at < ?
		)`,
		string(q.AccountID),
		string(q.Reason),
		nullPtr(q.RelatedID),
		q.From.UTC().Format(timeLayout),
		q.To.UTC().Format(timeLayout),
	).Scan(&exists)
	if err != nil {
		return false, ledger.Unavailable("lookup entry", err)
	}
	return exists == 1, nil
}

// TransferEntries returns every leg written for transferID.
func (s *Store) TransferEntries(ctx context.Context, transferID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, s.db, `WHERE transfer_id = ? ORDER BY id ASC`, transferID)
}

func (s *Store) queryEntries(ctx context.Context, q queryer, where string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, amount, reason, description, related_entity_id,
		       idempotency_key, transfer_id, created_at
		FROM ledger_entries `+where, args...)
	if err != nil {
		return nil, ledger.Unavailable("query entries", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, ledger.Unavailable("scan entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("iterate entries", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                  ledger.Entry
		id                 int64
		accountID, reason  string
		related, key, xfer sql.NullString
		createdAt          string
	)
	if err := rows.Scan(&id, &accountID, &e.Amount, &reason, &e.Description,
		&related, &key, &xfer, &createdAt); err != nil {
		return ledger.Entry{}, err
	}

	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(accountID)
	e.Reason = ledger.Reason(reason)
	if related.Valid {
		e.RelatedID = ledger.Related(related.String)
	}
	e.IdempotencyKey = key.String
	e.TransferID = xfer.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row rowScanner) (ledger.Aggregate, error) {
	var (
		agg       ledger.Aggregate
		accountID string
		updatedAt string
	)
	if err := row.Scan(&accountID, &agg.Balance, &agg.TotalEarned, &agg.TotalConsumed, &updatedAt); err != nil {
		return ledger.Aggregate{}, err
	}
	agg.AccountID = ledger.AccountID(accountID)
	agg.UpdatedAt = parseTime(updatedAt)
	return agg, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within one SQL transaction. The aggregates in lockIDs
// are created first; SQLite's database-level write lock covers the rest.
func (s *Store) WithTx(ctx context.Context, lockIDs []ledger.AccountID, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Unavailable("begin transaction", err)
	}
	defer sqlTx.Rollback()

	for _, id := range sortedIDs(lockIDs) {
		if err := s.ensureAccount(ctx, sqlTx, id); err != nil {
			return err
		}
	}

	if err := fn(&txStore{parent: s, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.Unavailable("commit transaction", err)
	}
	return nil
}

// txStore wraps a transaction to implement ledger.Store.
// The parent lock is already held.
type txStore struct {
	parent *Store
	tx     *sql.Tx
}

func (ts *txStore) EnsureAccount(ctx context.Context, accountID ledger.AccountID) error {
	return ts.parent.ensureAccount(ctx, ts.tx, accountID)
}

func (ts *txStore) Append(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	return ts.parent.appendTx(ctx, ts.tx, entry)
}

func (ts *txStore) Balance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	return ts.parent.balance(ctx, ts.tx, accountID)
}

func (ts *txStore) Aggregate(ctx context.Context, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	return ts.parent.aggregate(ctx, ts.tx, accountID)
}

func (ts *txStore) Entries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return ts.parent.queryEntries(ctx, ts.tx, `WHERE account_id = ? ORDER BY id ASC`, string(accountID))
}

func (ts *txStore) HasEntry(ctx context.Context, q ledger.EntryQuery) (bool, error) {
	return ts.parent.hasEntry(ctx, ts.tx, q)
}

func (ts *txStore) TransferEntries(ctx context.Context, transferID string) ([]ledger.Entry, error) {
	return ts.parent.queryEntries(ctx, ts.tx, `WHERE transfer_id = ? ORDER BY id ASC`, transferID)
}

// =============================================================================
// REPORTING (ledger.ReportStore interface)
// =============================================================================

var orderColumns = map[ledger.OrderField]string{
	ledger.OrderByBalance:       "balance",
	ledger.OrderByTotalEarned:   "total_earned",
	ledger.OrderByTotalConsumed: "total_consumed",
}

// TopAggregates returns up to limit aggregates, highest field first.
func (s *Store) TopAggregates(ctx context.Context, limit int, field ledger.OrderField) ([]ledger.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	column, ok := orderColumns[field]
	if !ok {
		return nil, ledger.NewValidationError("order_by", fmt.Sprintf("unsupported field %q", field))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, balance, total_earned, total_consumed, updated_at
		FROM balances
		ORDER BY `+column+` DESC, account_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, ledger.Unavailable("query leaderboard", err)
	}
	defer rows.Close()

	result := []ledger.Aggregate{}
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, ledger.Unavailable("scan aggregate", err)
		}
		result = append(result, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("iterate aggregates", err)
	}
	return result, nil
}

// CountInRanges counts aggregates per balance range.
func (s *Store) CountInRanges(ctx context.Context, ranges []ledger.BalanceRange) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make([]int64, len(ranges))
	for i, r := range ranges {
		query := `SELECT COUNT(*) FROM balances WHERE balance >= ?`
		args := []any{r.Min}
		if r.Max != nil {
			query += ` AND balance <= ?`
			args = append(args, *r.Max)
		}
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&counts[i]); err != nil {
			return nil, ledger.Unavailable("count balances", err)
		}
	}
	return counts, nil
}

// Summary sums every aggregate.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum ledger.Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(balance), 0),
		       COALESCE(SUM(total_earned), 0),
		       COALESCE(SUM(total_consumed), 0)
		FROM balances`).Scan(&sum.AccountCount, &sum.TotalBalance, &sum.TotalEarned, &sum.TotalConsumed)
	if err != nil {
		return ledger.Summary{}, ledger.Unavailable("summarise balances", err)
	}
	return sum, nil
}

// =============================================================================
// RECONCILIATION (ledger.ReconcileStore interface)
// =============================================================================

// AccountIDs lists accounts with an aggregate or at least one entry.
func (s *Store) AccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id FROM balances
		UNION
		SELECT account_id FROM ledger_entries
		ORDER BY 1`)
	if err != nil {
		return nil, ledger.Unavailable("list accounts", err)
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ledger.Unavailable("scan account", err)
		}
		ids = append(ids, ledger.AccountID(id))
	}
	return ids, rows.Err()
}

// LedgerTotals sums the account's entries.
func (s *Store) LedgerTotals(ctx context.Context, accountID ledger.AccountID) (ledger.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.ledgerTotals(ctx, s.db, accountID)
}

func (s *Store) ledgerTotals(ctx context.Context, q queryer, accountID ledger.AccountID) (ledger.Totals, error) {
	var t ledger.Totals
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0),
		       COALESCE(SUM(CASE WHEN amount > 0 THEN amount END), 0),
		       COALESCE(SUM(CASE WHEN amount < 0 THEN -amount END), 0),
		       COUNT(*)
		FROM ledger_entries WHERE account_id = ?`, string(accountID)).
		Scan(&t.Sum, &t.Earned, &t.Consumed, &t.Count)
	if err != nil {
		return ledger.Totals{}, ledger.Unavailable("sum entries", err)
	}
	return t, nil
}

// RebuildAggregate overwrites the aggregate with the ledger sum.
// CompareAggregate reads both sides under the read lock, which every
// writer excludes.
func (s *Store) CompareAggregate(ctx context.Context, accountID ledger.AccountID) (ledger.Comparison, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals, err := s.ledgerTotals(ctx, s.db, accountID)
	if err != nil {
		return ledger.Comparison{}, err
	}
	c := ledger.Comparison{Totals: totals}

	agg, err := s.aggregate(ctx, s.db, accountID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
	case err != nil:
		return ledger.Comparison{}, err
	default:
		c.Aggregate = agg
	}
	return c, nil
}

func (s *Store) RebuildAggregate(ctx context.Context, accountID ledger.AccountID) (ledger.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Aggregate{}, ledger.Unavailable("begin transaction", err)
	}
	defer sqlTx.Rollback()

	t, err := s.ledgerTotals(ctx, sqlTx, accountID)
	if err != nil {
		return ledger.Aggregate{}, err
	}

	now := s.now().UTC()
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO balances (account_id, balance, total_earned, total_consumed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			balance = excluded.balance,
			total_earned = excluded.total_earned,
			total_consumed = excluded.total_consumed,
			updated_at = excluded.updated_at`,
		string(accountID), t.Sum, t.Earned, t.Consumed, now.Format(timeLayout))
	if err != nil {
		return ledger.Aggregate{}, ledger.Unavailable("rebuild aggregate", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.Aggregate{}, ledger.Unavailable("commit rebuild", err)
	}

	return ledger.Aggregate{
		AccountID:     accountID,
		Balance:       t.Sum,
		TotalEarned:   t.Earned,
		TotalConsumed: t.Consumed,
		UpdatedAt:     now,
	}, nil
}

// =============================================================================
// TRANSFER INTENTS (ledger.IntentStore interface)
// =============================================================================

// SaveIntent inserts or replaces an intent.
func (s *Store) SaveIntent(ctx context.Context, intent ledger.TransferIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transfer_intents
		(id, from_account, to_account, amount, description, status, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID,
		string(intent.From),
		string(intent.To),
		intent.Amount,
		intent.Description,
		string(intent.Status),
		intent.Note,
		intent.CreatedAt.UTC().Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return ledger.Unavailable("save intent", err)
	}
	return nil
}

// UpdateIntentStatus moves an intent to status.
func (s *Store) UpdateIntentStatus(ctx context.Context, id string, status ledger.IntentStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_intents SET status = ?, note = ?, updated_at = ? WHERE id = ?`,
		string(status), note, s.stamp(), id)
	if err != nil {
		return ledger.Unavailable("update intent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrIntentNotFound
	}
	return nil
}

// Intent returns one intent by id.
func (s *Store) Intent(ctx context.Context, id string) (*ledger.TransferIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intents, err := s.queryIntents(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, ledger.ErrIntentNotFound
	}
	return &intents[0], nil
}

// OpenIntents returns non-terminal intents last updated before olderThan.
func (s *Store) OpenIntents(ctx context.Context, olderThan time.Time) ([]ledger.TransferIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryIntents(ctx, `
		WHERE status IN (?, ?, ?) AND updated_at < ?
		ORDER BY created_at ASC`,
		string(ledger.IntentPending), string(ledger.IntentDebited), string(ledger.IntentStuck),
		olderThan.UTC().Format(timeLayout))
}

func (s *Store) queryIntents(ctx context.Context, where string, args ...any) ([]ledger.TransferIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_account, to_account, amount, description, status, note, created_at, updated_at
		FROM transfer_intents `+where, args...)
	if err != nil {
		return nil, ledger.Unavailable("query intents", err)
	}
	defer rows.Close()

	var intents []ledger.TransferIntent
	for rows.Next() {
		var (
			in                   ledger.TransferIntent
			from, to, status     string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&in.ID, &from, &to, &in.Amount, &in.Description, &status, &in.Note,
			&createdAt, &updatedAt); err != nil {
			return nil, ledger.Unavailable("scan intent", err)
		}
		in.From = ledger.AccountID(from)
		in.To = ledger.AccountID(to)
		in.Status = ledger.IntentStatus(status)
		in.CreatedAt = parseTime(createdAt)
		in.UpdatedAt = parseTime(updatedAt)
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func sortedIDs(ids []ledger.AccountID) []ledger.AccountID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
