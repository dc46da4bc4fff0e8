/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Backend.

PURPOSE:
  Server store for multi-instance deployments. Mirrors store/sqlite
  statement for statement; the differences are PostgreSQL row locking
  and savepoints.

SCHEMA:
  Managed by goose (migrations/*.sql, embedded). Run `ledgerd migrate up`
  before serving.

ATOMICITY:
  Every Append runs in its own transaction, or in a savepoint when it is
  called inside WithTx, so a rejected leg never poisons the outer unit.
  Debits are a conditional UPDATE (balance + $1 >= 0): the row lock it
  takes serializes concurrent appends on the same account.

LOCK ORDER:
  WithTx locks the named balance rows with SELECT ... FOR UPDATE ordered
  by account_id, so two transfers in opposite directions cannot deadlock.

SEE ALSO:
  - store/sqlite/sqlite.go: Embedded twin
  - migrate.go: goose runner
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/incentive-ledger/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.Backend using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ledger.Backend = (*Store)(nil)

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// SetClock replaces the time source used for created_at/updated_at.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx. Begin on a pgx.Tx
// opens a savepoint.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) EnsureAccount(ctx context.Context, accountID ledger.AccountID) error {
	return s.ensureAccount(ctx, s.pool, accountID)
}

func (s *Store) ensureAccount(ctx context.Context, q querier, accountID ledger.AccountID) error {
	_, err := q.Exec(ctx, `
		INSERT INTO balances (account_id, balance, total_earned, total_consumed, updated_at)
		VALUES ($1, 0, 0, 0, $2)
		ON CONFLICT (account_id) DO NOTHING`,
		string(accountID), s.now().UTC())
	if err != nil {
		return ledger.Unavailable("ensure account", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	return s.appendIn(ctx, s.pool, entry)
}

func (s *Store) appendIn(ctx context.Context, q querier, e ledger.Entry) (ledger.Entry, error) {
	if err := ledger.ValidateAmount(e.Amount); err != nil {
		return ledger.Entry{}, err
	}

	now := s.now().UTC()
	err := pgx.BeginFunc(ctx, q, func(tx pgx.Tx) error {
		if e.Amount > 0 {
			tag, err := tx.Exec(ctx, `
				INSERT INTO balances (account_id, balance, total_earned, total_consumed, updated_at)
				VALUES ($1, $2, $2, 0, $3)
				ON CONFLICT (account_id) DO UPDATE SET
					balance = balances.balance + EXCLUDED.balance,
					total_earned = balances.total_earned + EXCLUDED.total_earned,
					updated_at = EXCLUDED.updated_at
				WHERE balances.balance <= $4 AND balances.total_earned <= $4`,
				string(e.AccountID), e.Amount, now, math.MaxInt64-e.Amount)
			if err != nil {
				return ledger.Unavailable("credit aggregate", err)
			}
			if tag.RowsAffected() == 0 {
				return ledger.NewValidationError("amount", "would overflow the account balance")
			}
		} else {
			tag, err := tx.Exec(ctx, `
				UPDATE balances
				SET balance = balance + $1, total_consumed = total_consumed - $1, updated_at = $2
				WHERE account_id = $3 AND balance + $1 >= 0 AND total_consumed <= $4`,
				e.Amount, now, string(e.AccountID), math.MaxInt64+e.Amount)
			if err != nil {
				return ledger.Unavailable("debit aggregate", err)
			}
			if tag.RowsAffected() == 0 {
				available, err := s.balance(ctx, tx, e.AccountID)
				if err != nil {
					return err
				}
				if available+e.Amount >= 0 {
					return ledger.NewValidationError("amount", "would overflow the consumed total")
				}
				return &ledger.InsufficientBalanceError{
					AccountID: e.AccountID,
					Available: available,
					Requested: -e.Amount,
				}
			}
		}

		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO ledger_entries
			(account_id, amount, reason, description, related_entity_id, idempotency_key, transfer_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			string(e.AccountID),
			e.Amount,
			string(e.Reason),
			e.Description,
			e.RelatedID,
			nullIfEmpty(e.IdempotencyKey),
			nullIfEmpty(e.TransferID),
			now,
		).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrDuplicateIdempotencyKey
			}
			return ledger.Unavailable("insert entry", err)
		}
		e.ID = ledger.EntryID(id)
		return nil
	})
	if err != nil {
		if isLedgerError(err) {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, ledger.Unavailable("append", err)
	}

	e.CreatedAt = now
	return e, nil
}

func (s *Store) Balance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	return s.balance(ctx, s.pool, accountID)
}

func (s *Store) balance(ctx context.Context, q querier, accountID ledger.AccountID) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT balance FROM balances WHERE account_id = $1`, string(accountID)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, ledger.Unavailable("read balance", err)
	}
	return balance, nil
}

func (s *Store) Aggregate(ctx context.Context, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	return s.aggregate(ctx, s.pool, accountID)
}

func (s *Store) aggregate(ctx context.Context, q querier, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	row := q.QueryRow(ctx, `
		SELECT account_id, balance, total_earned, total_consumed, updated_at
		FROM balances WHERE account_id = $1`, string(accountID))

	agg, err := scanAggregate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, ledger.Unavailable("read aggregate", err)
	}
	return &agg, nil
}

func (s *Store) Entries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, s.pool, `WHERE account_id = $1 ORDER BY id ASC`, string(accountID))
}

func (s *Store) HasEntry(ctx context.Context, q ledger.EntryQuery) (bool, error) {
	return s.hasEntry(ctx, s.pool, q)
}

func (s *Store) hasEntry(ctx context.Context, db querier, q ledger.EntryQuery) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE account_id = $1 AND reason = $2
			  AND related_entity_id IS NOT DISTINCT FROM $3::text
			  AND created_at >= $4 AND created_at < $5
		)`,
		string(q.AccountID), string(q.Reason), q.RelatedID, q.From.UTC(), q.To.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, ledger.Unavailable("lookup entry", err)
	}
	return exists, nil
}

func (s *Store) TransferEntries(ctx context.Context, transferID string) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, s.pool, `WHERE transfer_id = $1 ORDER BY id ASC`, transferID)
}

func (s *Store) queryEntries(ctx context.Context, q querier, where string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, account_id, amount, reason, description, related_entity_id,
		       idempotency_key, transfer_id, created_at
		FROM ledger_entries `+where, args...)
	if err != nil {
		return nil, ledger.Unavailable("query entries", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		var (
			e                 ledger.Entry
			id                int64
			accountID, reason string
			key, xfer         *string
		)
		if err := rows.Scan(&id, &accountID, &e.Amount, &reason, &e.Description,
			&e.RelatedID, &key, &xfer, &e.CreatedAt); err != nil {
			return nil, ledger.Unavailable("scan entry", err)
		}
		e.ID = ledger.EntryID(id)
		e.AccountID = ledger.AccountID(accountID)
		e.Reason = ledger.Reason(reason)
		if key != nil {
			e.IdempotencyKey = *key
		}
		if xfer != nil {
			e.TransferID = *xfer
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("iterate entries", err)
	}
	return entries, nil
}

func scanAggregate(row pgx.Row) (ledger.Aggregate, error) {
	var (
		agg       ledger.Aggregate
		accountID string
	)
	if err := row.Scan(&accountID, &agg.Balance, &agg.TotalEarned, &agg.TotalConsumed, &agg.UpdatedAt); err != nil {
		return ledger.Aggregate{}, err
	}
	agg.AccountID = ledger.AccountID(accountID)
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return agg, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx creates and row-locks the lockIDs aggregates in ascending order,
// then runs fn in the same transaction.
func (s *Store) WithTx(ctx context.Context, lockIDs []ledger.AccountID, fn func(ledger.Store) error) error {
	ids := make([]string, 0, len(lockIDs))
	for _, id := range lockIDs {
		ids = append(ids, string(id))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, id := range ids {
			if err := s.ensureAccount(ctx, tx, ledger.AccountID(id)); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			rows, err := tx.Query(ctx, `
				SELECT account_id FROM balances
				WHERE account_id = ANY($1)
				ORDER BY account_id
				FOR UPDATE`, ids)
			if err != nil {
				return ledger.Unavailable("lock aggregates", err)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return ledger.Unavailable("lock aggregates", err)
			}
		}
		return fn(&txStore{parent: s, tx: tx})
	})
	if err != nil && !isLedgerError(err) {
		return ledger.Unavailable("transaction", err)
	}
	return err
}

type txStore struct {
	parent *Store
	tx     pgx.Tx
}

func (ts *txStore) EnsureAccount(ctx context.Context, accountID ledger.AccountID) error {
	return ts.parent.ensureAccount(ctx, ts.tx, accountID)
}

func (ts *txStore) Append(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	return ts.parent.appendIn(ctx, ts.tx, entry)
}

func (ts *txStore) Balance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	return ts.parent.balance(ctx, ts.tx, accountID)
}

func (ts *txStore) Aggregate(ctx context.Context, accountID ledger.AccountID) (*ledger.Aggregate, error) {
	return ts.parent.aggregate(ctx, ts.tx, accountID)
}

func (ts *txStore) Entries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return ts.parent.queryEntries(ctx, ts.tx, `WHERE account_id = $1 ORDER BY id ASC`, string(accountID))
}

func (ts *txStore) HasEntry(ctx context.Context, q ledger.EntryQuery) (bool, error) {
	return ts.parent.hasEntry(ctx, ts.tx, q)
}

func (ts *txStore) TransferEntries(ctx context.Context, transferID string) ([]ledger.Entry, error) {
	return ts.parent.queryEntries(ctx, ts.tx, `WHERE transfer_id = $1 ORDER BY id ASC`, transferID)
}

// =============================================================================
// REPORTING
// =============================================================================

var orderColumns = map[ledger.OrderField]string{
	ledger.OrderByBalance:       "balance",
	ledger.OrderByTotalEarned:   "total_earned",
	ledger.OrderByTotalConsumed: "total_consumed",
}

func (s *Store) TopAggregates(ctx context.Context, limit int, field ledger.OrderField) ([]ledger.Aggregate, error) {
	column, ok := orderColumns[field]
	if !ok {
		return nil, ledger.NewValidationError("order_by", fmt.Sprintf("unsupported field %q", field))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT account_id, balance, total_earned, total_consumed, updated_at
		FROM balances
		ORDER BY `+column+` DESC, account_id ASC
		LIMIT $1`, limit)
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

func (s *Store) CountInRanges(ctx context.Context, ranges []ledger.BalanceRange) ([]int64, error) {
	counts := make([]int64, len(ranges))
	for i, r := range ranges {
		err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM balances
			WHERE balance >= $1 AND ($2::bigint IS NULL OR balance <= $2::bigint)`,
			r.Min, r.Max).Scan(&counts[i])
		if err != nil {
			return nil, ledger.Unavailable("count balances", err)
		}
	}
	return counts, nil
}

func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	var sum ledger.Summary
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(balance), 0)::bigint,
		       COALESCE(SUM(total_earned), 0)::bigint,
		       COALESCE(SUM(total_consumed), 0)::bigint
		FROM balances`).Scan(&sum.AccountCount, &sum.TotalBalance, &sum.TotalEarned, &sum.TotalConsumed)
	if err != nil {
		return ledger.Summary{}, ledger.Unavailable("summarise balances", err)
	}
	return sum, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (s *Store) AccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	rows, err := s.pool.Query(ctx, `
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

func (s *Store) LedgerTotals(ctx context.Context, accountID ledger.AccountID) (ledger.Totals, error) {
	return s.ledgerTotals(ctx, s.pool, accountID)
}

func (s *Store) ledgerTotals(ctx context.Context, q querier, accountID ledger.AccountID) (ledger.Totals, error) {
	var t ledger.Totals
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint,
		       COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0)::bigint,
		       COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0)::bigint,
		       COUNT(*)
		FROM ledger_entries WHERE account_id = $1`, string(accountID)).
		Scan(&t.Sum, &t.Earned, &t.Consumed, &t.Count)
	if err != nil {
		return ledger.Totals{}, ledger.Unavailable("sum entries", err)
	}
	return t, nil
}

// CompareAggregate reads both sides in one repeatable-read transaction, so
// they come from the same snapshot.
func (s *Store) CompareAggregate(ctx context.Context, accountID ledger.AccountID) (ledger.Comparison, error) {
	var c ledger.Comparison
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		totals, err := s.ledgerTotals(ctx, tx, accountID)
		if err != nil {
			return err
		}
		c.Totals = totals

		agg, err := s.aggregate(ctx, tx, accountID)
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			return nil
		case err != nil:
			return err
		}
		c.Aggregate = agg
		return nil
	})
	if err != nil && !isLedgerError(err) {
		return ledger.Comparison{}, ledger.Unavailable("compare aggregate", err)
	}
	return c, err
}

// RebuildAggregate locks the aggregate row, re-sums the ledger and
// overwrites the row.
func (s *Store) RebuildAggregate(ctx context.Context, accountID ledger.AccountID) (ledger.Aggregate, error) {
	var agg ledger.Aggregate
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.ensureAccount(ctx, tx, accountID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT 1 FROM balances WHERE account_id = $1 FOR UPDATE`, string(accountID)); err != nil {
			return ledger.Unavailable("lock aggregate", err)
		}

		t, err := s.ledgerTotals(ctx, tx, accountID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE balances
			SET balance = $2, total_earned = $3, total_consumed = $4, updated_at = $5
			WHERE account_id = $1`,
			string(accountID), t.Sum, t.Earned, t.Consumed, now)
		if err != nil {
			return ledger.Unavailable("rebuild aggregate", err)
		}

		agg = ledger.Aggregate{
			AccountID:     accountID,
			Balance:       t.Sum,
			TotalEarned:   t.Earned,
			TotalConsumed: t.Consumed,
			UpdatedAt:     now,
		}
		return nil
	})
	if err != nil && !isLedgerError(err) {
		return ledger.Aggregate{}, ledger.Unavailable("rebuild aggregate", err)
	}
	return agg, err
}

// =============================================================================
// TRANSFER INTENTS
// =============================================================================

func (s *Store) SaveIntent(ctx context.Context, intent ledger.TransferIntent) error {
	now := s.now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfer_intents
		(id, from_account, to_account, amount, description, status, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			note = EXCLUDED.note,
			updated_at = EXCLUDED.updated_at`,
		intent.ID,
		string(intent.From),
		string(intent.To),
		intent.Amount,
		intent.Description,
		string(intent.Status),
		intent.Note,
		intent.CreatedAt.UTC(),
		now,
	)
	if err != nil {
		return ledger.Unavailable("save intent", err)
	}
	return nil
}

func (s *Store) UpdateIntentStatus(ctx context.Context, id string, status ledger.IntentStatus, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transfer_intents SET status = $2, note = $3, updated_at = $4 WHERE id = $1`,
		id, string(status), note, s.now().UTC())
	if err != nil {
		return ledger.Unavailable("update intent", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrIntentNotFound
	}
	return nil
}

func (s *Store) Intent(ctx context.Context, id string) (*ledger.TransferIntent, error) {
	intents, err := s.queryIntents(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, ledger.ErrIntentNotFound
	}
	return &intents[0], nil
}

func (s *Store) OpenIntents(ctx context.Context, olderThan time.Time) ([]ledger.TransferIntent, error) {
	return s.queryIntents(ctx, `
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY created_at ASC`,
		[]string{string(ledger.IntentPending), string(ledger.IntentDebited), string(ledger.IntentStuck)},
		olderThan.UTC())
}

func (s *Store) queryIntents(ctx context.Context, where string, args ...any) ([]ledger.TransferIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_account, to_account, amount, description, status, note, created_at, updated_at
		FROM transfer_intents `+where, args...)
	if err != nil {
		return nil, ledger.Unavailable("query intents", err)
	}
	defer rows.Close()

	var intents []ledger.TransferIntent
	for rows.Next() {
		var (
			in               ledger.TransferIntent
			from, to, status string
		)
		if err := rows.Scan(&in.ID, &from, &to, &in.Amount, &in.Description, &status, &in.Note,
			&in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, ledger.Unavailable("scan intent", err)
		}
		in.From = ledger.AccountID(from)
		in.To = ledger.AccountID(to)
		in.Status = ledger.IntentStatus(status)
		in.CreatedAt = in.CreatedAt.UTC()
		in.UpdatedAt = in.UpdatedAt.UTC()
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// isLedgerError reports whether err already carries a ledger category and
// must reach the caller unwrapped.
func isLedgerError(err error) bool {
	return errors.Is(err, ledger.ErrValidation) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrStoreUnavailable) ||
		errors.Is(err, ledger.ErrCompensationFailed)
}
