package convo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"commonground/internal/models"
	"commonground/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db), db
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1, Provider: "openai"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID <= 0 {
		t.Fatalf("expected positive id")
	}
	if created.Title != "New Conversation" {
		t.Fatalf("expected default title, got %q", created.Title)
	}

	got, err := store.Get(ctx, 1, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != created.ID || got.Provider != "openai" {
		t.Fatalf("unexpected conversation %+v", got)
	}
}

func TestGetOwnershipIndistinguishable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Another user's conversation and a missing one fail identically.
	_, errOther := store.Get(ctx, 2, created.ID)
	_, errMissing := store.Get(ctx, 1, created.ID+100)
	if !errors.Is(errOther, sql.ErrNoRows) || !errors.Is(errMissing, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for both, got %v and %v", errOther, errMissing)
	}
}

func TestAddMessageAndHistory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.AddMessage(ctx, models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: "  hello  "}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := store.AddMessage(ctx, models.Message{ConversationID: conv.ID, Role: models.RoleAssistant, Content: "hi there", TokensUsed: 30}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := store.AddMessage(ctx, models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: "   "}); err == nil {
		t.Fatalf("blank content must be rejected")
	}

	msgs, err := store.Messages(ctx, 1, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Fatalf("content not trimmed: %q", msgs[0].Content)
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
	if msgs[1].TokensUsed != 30 {
		t.Fatalf("tokens not persisted: %+v", msgs[1])
	}

	// History is denied across users.
	if _, err := store.Messages(ctx, 2, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for foreign history, got %v", err)
	}
}

func TestRecentMessagesWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 25; i++ {
		if _, err := store.AddMessage(ctx, models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	recent, err := store.RecentMessages(ctx, conv.ID, RecentWindow)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != RecentWindow {
		t.Fatalf("expected %d messages, got %d", RecentWindow, len(recent))
	}
	// Trailing window, oldest first.
	if recent[0].Content != "msg 6" || recent[len(recent)-1].Content != "msg 25" {
		t.Fatalf("unexpected window bounds: %q .. %q", recent[0].Content, recent[len(recent)-1].Content)
	}
}

func TestListOrdersByActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1, Title: "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1, Title: "second"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, models.Conversation{UserID: 2, TenantID: 1, Title: "foreign"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	// Activity on the first conversation bumps it to the top.
	if _, err := store.AddMessage(ctx, models.Message{ConversationID: first.ID, Role: models.RoleUser, Content: "ping"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	list, total, err := store.List(ctx, 1, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("expected 2 own conversations, got total=%d len=%d", total, len(list))
	}
	if list[0].Title != "first" || list[1].Title != "second" {
		t.Fatalf("unexpected order: %q, %q", list[0].Title, list[1].Title)
	}
}

func TestDelete(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.AddMessage(ctx, models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: "bye"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	if err := store.Delete(ctx, 2, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign delete should report not found, got %v", err)
	}
	if err := store.Delete(ctx, 1, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, 1, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second delete should report not found, got %v", err)
	}

	var remaining int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID).Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("messages survived conversation deletion")
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "New Conversation"},
		{"   ", "New Conversation"},
		{"Hello there", "Hello there"},
		{"line\nbreaks   and   spaces", "line breaks and spaces"},
	}
	for _, c := range cases {
		if got := DeriveTitle(c.in); got != c.want {
			t.Errorf("DeriveTitle(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("community exchange ", 10)
	title := DeriveTitle(long)
	if len([]rune(title)) > 61 {
		t.Fatalf("title too long: %q", title)
	}
	if !strings.HasSuffix(title, "…") {
		t.Fatalf("long title should end with ellipsis: %q", title)
	}
}

func TestUpdateTitle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, models.Conversation{UserID: 1, TenantID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateTitle(ctx, 1, conv.ID, "Bike repair chat"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	if err := store.UpdateTitle(ctx, 2, conv.ID, "hijack"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign title update should fail, got %v", err)
	}

	got, err := store.Get(ctx, 1, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Bike repair chat" {
		t.Fatalf("title not updated: %q", got.Title)
	}
}
