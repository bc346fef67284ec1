// Package ledger enforces per-user daily and monthly generation quotas and
// keeps the append-only usage audit log. Reservation is a single atomic
// check-and-increment, never a read-then-write pair, so concurrent requests
// from one user cannot both pass a check that only one quota slot allows.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"commonground/internal/models"
	"commonground/internal/redis"
)

// Quota exhaustion reasons surfaced to clients.
const (
	ReasonDailyLimit   = "DAILY_LIMIT"
	ReasonMonthlyLimit = "MONTHLY_LIMIT"
)

const releaseTimeout = 5 * time.Second

// Decision is the outcome of a reservation attempt.
type Decision struct {
	Allowed bool
	Reason  string
	Limits  models.Limits
}

// Ledger reserves quota slots in Redis and records committed usage in the
// relational audit log. When Redis is unreachable it degrades to a
// conditional-update counters table, still atomic at the database boundary.
type Ledger struct {
	db         *sql.DB
	cache      *redis.Client
	dailyCap   int
	monthlyCap int
	logger     *slog.Logger

	now func() time.Time
}

func New(db *sql.DB, cache *redis.Client, dailyCap, monthlyCap int, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:         db,
		cache:      cache,
		dailyCap:   dailyCap,
		monthlyCap: monthlyCap,
		logger:     logger,
		now:        time.Now,
	}
}

// reserveScript checks both windows and increments them in one round trip.
// Returns {allowed, reasonCode, dailyRemaining, monthlyRemaining}.
const reserveScript = `
local dcap = tonumber(ARGV[1])
local mcap = tonumber(ARGV[2])
local d = tonumber(redis.call('GET', KEYS[1]) or '0')
local m = tonumber(redis.call('GET', KEYS[2]) or '0')
if d >= dcap then
	return {0, 1, 0, math.max(mcap - m, 0)}
end
if m >= mcap then
	return {0, 2, math.max(dcap - d, 0), 0}
end
d = redis.call('INCR', KEYS[1])
if d == 1 then redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3])) end
m = redis.call('INCR', KEYS[2])
if m == 1 then redis.call('EXPIRE', KEYS[2], tonumber(ARGV[4])) end
return {1, 0, dcap - d, mcap - m}
`

const releaseScript = `
for i = 1, 2 do
	local v = tonumber(redis.call('GET', KEYS[i]) or '0')
	if v > 0 then redis.call('DECR', KEYS[i]) end
end
return 1
`

// CheckAndReserve atomically claims one quota slot for the user. A denied
// decision carries the reason and the remaining counts; no provider call
// may be made after a denial.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID int64) (Decision, error) {
	if l.cache != nil {
		dec, err := l.reserveRedis(ctx, userID)
		if err == nil {
			return dec, nil
		}
		l.logger.Warn("quota reservation via redis failed, falling back to database", "error", err, "user_id", userID)
	}
	return l.reserveDB(ctx, userID)
}

// Release returns a previously reserved slot, used when a reserved turn
// fails before any assistant output is persisted (cancellation, provider
// exhaustion). The caller's context is usually already canceled at that
// point (client disconnect is exactly when slots need returning), so the
// release runs detached from it under its own deadline.
func (l *Ledger) Release(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	dayKey, monthKey := l.keys(userID)
	if l.cache != nil {
		if _, err := l.cache.Eval(ctx, releaseScript, []string{dayKey, monthKey}); err == nil {
			return
		} else {
			l.logger.Warn("quota release via redis failed", "error", err, "user_id", userID)
		}
	}
	day, month := l.windows()
	for _, window := range []string{day, month} {
		if _, err := l.db.ExecContext(ctx,
			`UPDATE usage_counters SET used = used - 1 WHERE user_id = ? AND window = ? AND used > 0`,
			userID, window,
		); err != nil {
			l.logger.Warn("quota release via database failed", "error", err, "user_id", userID)
		}
	}
}

// Commit appends one audit row for a completed generation.
func (l *Ledger) Commit(ctx context.Context, userID int64, provider, operation string, tokensIn, tokensOut int, costUSD float64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_records (user_id, provider, operation, tokens_in, tokens_out, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, provider, operation, tokensIn, tokensOut, costUSD, l.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

// Remaining reports the current quota headroom without reserving.
func (l *Ledger) Remaining(ctx context.Context, userID int64) (models.Limits, error) {
	dayKey, monthKey := l.keys(userID)
	if l.cache != nil {
		d, derr := counterValue(ctx, l.cache, dayKey)
		m, merr := counterValue(ctx, l.cache, monthKey)
		if derr == nil && merr == nil {
			return l.limits(d, m), nil
		}
	}
	day, month := l.windows()
	d, err := l.counterDB(ctx, userID, day)
	if err != nil {
		return models.Limits{}, err
	}
	m, err := l.counterDB(ctx, userID, month)
	if err != nil {
		return models.Limits{}, err
	}
	return l.limits(d, m), nil
}

// Usage aggregates the audit log since the given time for /usage reporting.
func (l *Ledger) Usage(ctx context.Context, userID int64, since time.Time) (models.UsageSummary, error) {
	var s models.UsageSummary
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC(),
	).Scan(&s.Requests, &s.TokensIn, &s.TokensOut, &s.CostUSD)
	if err != nil {
		return models.UsageSummary{}, fmt.Errorf("aggregate usage: %w", err)
	}
	return s, nil
}

func (l *Ledger) reserveRedis(ctx context.Context, userID int64) (Decision, error) {
	dayKey, monthKey := l.keys(userID)
	raw, err := l.cache.Eval(ctx, reserveScript,
		[]string{dayKey, monthKey},
		l.dailyCap, l.monthlyCap,
		int((48 * time.Hour).Seconds()),
		int((35 * 24 * time.Hour).Seconds()),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve script: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("reserve script: unexpected reply %v", raw)
	}
	nums := make([]int64, 4)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("reserve script: non-numeric reply %v", raw)
		}
		nums[i] = n
	}
	dec := Decision{
		Allowed: nums[0] == 1,
		Limits: models.Limits{
			DailyRemaining:   int(nums[2]),
			MonthlyRemaining: int(nums[3]),
		},
	}
	switch nums[1] {
	case 1:
		dec.Reason = ReasonDailyLimit
	case 2:
		dec.Reason = ReasonMonthlyLimit
	}
	return dec, nil
}

func (l *Ledger) reserveDB(ctx context.Context, userID int64) (Decision, error) {
	day, month := l.windows()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	// Seed rows so the conditional update has something to hit. Duplicate
	// key errors from concurrent seeding are expected and ignored.
	for _, window := range []string{day, month} {
		_, _ = tx.ExecContext(ctx,
			`INSERT INTO usage_counters (user_id, window, used) VALUES (?, ?, 0)`,
			userID, window,
		)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE usage_counters SET used = used + 1 WHERE user_id = ? AND window = ? AND used < ?`,
		userID, day, l.dailyCap,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve daily: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return l.deniedDB(ctx, tx, userID, ReasonDailyLimit)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE usage_counters SET used = used + 1 WHERE user_id = ? AND window = ? AND used < ?`,
		userID, month, l.monthlyCap,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve monthly: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return l.deniedDB(ctx, tx, userID, ReasonMonthlyLimit)
	}

	var d, m int
	if err := tx.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE user_id = ? AND window = ?`, userID, day,
	).Scan(&d); err != nil {
		return Decision{}, fmt.Errorf("read daily counter: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE user_id = ? AND window = ?`, userID, month,
	).Scan(&m); err != nil {
		return Decision{}, fmt.Errorf("read monthly counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit reserve: %w", err)
	}
	return Decision{Allowed: true, Limits: l.limits(int64(d), int64(m))}, nil
}

func (l *Ledger) deniedDB(ctx context.Context, tx *sql.Tx, userID int64, reason string) (Decision, error) {
	day, month := l.windows()
	var d, m int64
	_ = tx.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE user_id = ? AND window = ?`, userID, day,
	).Scan(&d)
	_ = tx.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE user_id = ? AND window = ?`, userID, month,
	).Scan(&m)
	// Rollback undoes any partial increment from this attempt.
	return Decision{Allowed: false, Reason: reason, Limits: l.limits(d, m)}, nil
}

func (l *Ledger) counterDB(ctx context.Context, userID int64, window string) (int64, error) {
	var used int64
	err := l.db.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE user_id = ? AND window = ?`, userID, window,
	).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return used, nil
}

func counterValue(ctx context.Context, cache *redis.Client, key string) (int64, error) {
	raw, err := cache.Get(ctx, key)
	if err == redis.ErrCacheMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

func (l *Ledger) limits(dailyUsed, monthlyUsed int64) models.Limits {
	return models.Limits{
		DailyRemaining:   clampRemaining(l.dailyCap, dailyUsed),
		MonthlyRemaining: clampRemaining(l.monthlyCap, monthlyUsed),
	}
}

func clampRemaining(limit int, used int64) int {
	r := limit - int(used)
	if r < 0 {
		return 0
	}
	return r
}

func (l *Ledger) windows() (day, month string) {
	now := l.now().UTC()
	return "d:" + now.Format("2006-01-02"), "m:" + now.Format("2006-01")
}

func (l *Ledger) keys(userID int64) (dayKey, monthKey string) {
	day, month := l.windows()
	return fmt.Sprintf("quota:%d:%s", userID, day), fmt.Sprintf("quota:%d:%s", userID, month)
}
