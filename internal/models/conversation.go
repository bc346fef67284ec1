package models

import "time"

// Conversation groups an ordered message history for one user within a
// tenant. ContextType/ContextID tag the platform object the conversation is
// about (a listing, an event, ...), when any.
type Conversation struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	TenantID    int64     `json:"tenant_id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Title       string    `json:"title"`
	ContextType string    `json:"context_type,omitempty"`
	ContextID   int64     `json:"context_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
