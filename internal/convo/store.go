// Package convo persists conversations and their ordered message history.
// Messages are immutable once written; only the most recent window is
// replayed into model context each turn.
package convo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"commonground/internal/models"
)

// RecentWindow is how many trailing messages are replayed per turn.
const RecentWindow = 20

const titleLimit = 60

// Store wraps the engine-owned conversation tables.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new conversation for the user.
func (s *Store) Create(ctx context.Context, c models.Conversation) (*models.Conversation, error) {
	if c.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if c.Title == "" {
		c.Title = "New Conversation"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, tenant_id, provider, model, title, context_type, context_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.TenantID, c.Provider, c.Model, c.Title, c.ContextType, c.ContextID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return &c, nil
}

// Get returns one conversation owned by the user. Ownership mismatch and
// absence are both sql.ErrNoRows; callers never learn which.
func (s *Store) Get(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tenant_id, provider, model, title, context_type, context_id, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&c.ID, &c.UserID, &c.TenantID, &c.Provider, &c.Model, &c.Title, &c.ContextType, &c.ContextID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// List returns a page of the user's conversations, most recently active
// first, with the total count for pagination.
func (s *Store) List(ctx context.Context, userID int64, limit, offset int) ([]models.Conversation, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, tenant_id, provider, model, title, context_type, context_id, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0, limit)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.TenantID, &c.Provider, &c.Model, &c.Title, &c.ContextType, &c.ContextID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, total, rows.Err()
}

// Messages returns the full ordered history of a conversation the user owns.
func (s *Store) Messages(ctx context.Context, userID, conversationID int64) ([]*models.Message, error) {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens_used, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the trailing window in creation order.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = RecentWindow
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens_used, created_at FROM (
			SELECT id, conversation_id, role, content, tokens_used, created_at
			FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		 ) recent ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AddMessage stores a new message and touches the conversation's
// updated_at so list ordering reflects last activity.
func (s *Store) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.ConversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil, errors.New("content cannot be empty")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tokens_used, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, content, msg.TokensUsed, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	msg.ID = id
	msg.Content = content
	msg.CreatedAt = now
	return &msg, nil
}

// Delete removes a conversation and its messages for the owning user.
func (s *Store) Delete(ctx context.Context, userID, conversationID int64) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// UpdateTitle sets the conversation title for the owning user.
func (s *Store) UpdateTitle(ctx context.Context, userID, conversationID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`,
		title, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("title rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeriveTitle builds a conversation title from the first user message.
func DeriveTitle(firstMessage string) string {
	title := strings.Join(strings.Fields(firstMessage), " ")
	if title == "" {
		return "New Conversation"
	}
	if runes := []rune(title); len(runes) > titleLimit {
		cut := string(runes[:titleLimit])
		if idx := strings.LastIndex(cut, " "); idx > titleLimit/2 {
			cut = cut[:idx]
		}
		title = cut + "…"
	}
	return title
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
