package ledger

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"commonground/internal/storage"
)

func newTestLedger(t *testing.T, dailyCap, monthlyCap int) (*Ledger, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Concurrent reservations share one connection so sqlite's in-memory
	// database does not fragment per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, nil, dailyCap, monthlyCap, nil), db
}

func TestCheckAndReserveDailyLimit(t *testing.T) {
	led, _ := newTestLedger(t, 2, 100)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dec, err := led.CheckAndReserve(ctx, 1)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("reserve %d denied: %+v", i, dec)
		}
	}

	dec, err := led.CheckAndReserve(ctx, 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("third reservation should be denied")
	}
	if dec.Reason != ReasonDailyLimit {
		t.Fatalf("reason %q, want %q", dec.Reason, ReasonDailyLimit)
	}
	if dec.Limits.DailyRemaining != 0 {
		t.Fatalf("daily remaining %d, want 0", dec.Limits.DailyRemaining)
	}
}

func TestReleaseWithCanceledContext(t *testing.T) {
	led, _ := newTestLedger(t, 3, 100)
	ctx := context.Background()

	dec, err := led.CheckAndReserve(ctx, 1)
	if err != nil || !dec.Allowed {
		t.Fatalf("reserve: %v %+v", err, dec)
	}

	// A client disconnect hands Release an already-canceled context; the
	// slot must come back regardless.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	led.Release(canceled, 1)

	limits, err := led.Remaining(ctx, 1)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if limits.DailyRemaining != 3 {
		t.Fatalf("daily remaining %d, want 3", limits.DailyRemaining)
	}
}

func TestCheckAndReserveMonthlyLimit(t *testing.T) {
	led, _ := newTestLedger(t, 100, 1)
	ctx := context.Background()

	if dec, err := led.CheckAndReserve(ctx, 1); err != nil || !dec.Allowed {
		t.Fatalf("first reserve failed: %v %+v", err, dec)
	}
	dec, err := led.CheckAndReserve(ctx, 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonMonthlyLimit {
		t.Fatalf("expected monthly denial, got %+v", dec)
	}
}

func TestCheckAndReserveConcurrentAtomicity(t *testing.T) {
	const dailyCap = 5
	const attempts = 20
	led, _ := newTestLedger(t, dailyCap, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := led.CheckAndReserve(ctx, 1)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if dec.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != dailyCap {
		t.Fatalf("exactly %d of %d reservations should pass, got %d", dailyCap, attempts, allowed)
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	led, _ := newTestLedger(t, 1, 100)
	ctx := context.Background()

	if dec, err := led.CheckAndReserve(ctx, 1); err != nil || !dec.Allowed {
		t.Fatalf("first reserve failed: %v %+v", err, dec)
	}
	if dec, err := led.CheckAndReserve(ctx, 1); err != nil || dec.Allowed {
		t.Fatalf("expected denial while slot held: %v %+v", err, dec)
	}

	led.Release(ctx, 1)

	dec, err := led.CheckAndReserve(ctx, 1)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("released slot should be reusable: %+v", dec)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	led, db := newTestLedger(t, 5, 100)
	ctx := context.Background()

	led.Release(ctx, 1)
	led.Release(ctx, 1)

	limits, err := led.Remaining(ctx, 1)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if limits.DailyRemaining != 5 {
		t.Fatalf("daily remaining %d, want 5", limits.DailyRemaining)
	}

	var negative int
	if err := db.QueryRow(`SELECT COUNT(*) FROM usage_counters WHERE used < 0`).Scan(&negative); err != nil {
		t.Fatalf("count: %v", err)
	}
	if negative != 0 {
		t.Fatalf("counters went negative")
	}
}

func TestCommitAndUsage(t *testing.T) {
	led, _ := newTestLedger(t, 5, 100)
	ctx := context.Background()

	if err := led.Commit(ctx, 1, "openai", "chat", 100, 200, 0.0035); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := led.Commit(ctx, 1, "claude", "generate:listing", 50, 80, 0.002); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := led.Commit(ctx, 2, "openai", "chat", 10, 10, 0.001); err != nil {
		t.Fatalf("commit: %v", err)
	}

	summary, err := led.Usage(ctx, 1, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if summary.Requests != 2 || summary.TokensIn != 150 || summary.TokensOut != 280 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	summary, err = led.Usage(ctx, 1, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if summary.Requests != 0 {
		t.Fatalf("future window should be empty: %+v", summary)
	}
}

func TestWindowsRoll(t *testing.T) {
	led, _ := newTestLedger(t, 1, 100)
	ctx := context.Background()

	base := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	led.now = func() time.Time { return base }

	if dec, err := led.CheckAndReserve(ctx, 1); err != nil || !dec.Allowed {
		t.Fatalf("reserve on day one failed: %v %+v", err, dec)
	}
	if dec, err := led.CheckAndReserve(ctx, 1); err != nil || dec.Allowed {
		t.Fatalf("cap should hold within the day: %v %+v", err, dec)
	}

	// A new UTC day opens a fresh daily window.
	led.now = func() time.Time { return base.Add(2 * time.Hour) }
	dec, err := led.CheckAndReserve(ctx, 1)
	if err != nil {
		t.Fatalf("reserve next day: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("new day should reset the daily counter: %+v", dec)
	}
}

func TestRemainingWithoutActivity(t *testing.T) {
	led, _ := newTestLedger(t, 50, 500)
	limits, err := led.Remaining(context.Background(), 42)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if limits.DailyRemaining != 50 || limits.MonthlyRemaining != 500 {
		t.Fatalf("unexpected limits %+v", limits)
	}
}
