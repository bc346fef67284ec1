package models

import "time"

// UsageRecord is one row of the append-only generation audit log.
type UsageRecord struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Provider  string    `json:"provider"`
	Operation string    `json:"operation"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageSummary aggregates audit rows over a window for /usage.
type UsageSummary struct {
	Requests  int     `json:"requests"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Limits carries remaining quota counts back to clients so they can render
// "come back tomorrow" style messaging.
type Limits struct {
	DailyRemaining   int `json:"daily_remaining"`
	MonthlyRemaining int `json:"monthly_remaining"`
}
