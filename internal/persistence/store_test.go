package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskclaw/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "taskclaw.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

// steppingClock returns a clock that advances one millisecond per call.
func steppingClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "conversations", "messages", "tasks", "kv_store", "channel_bindings"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	v, err := store.AppliedSchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != persistence.SchemaVersion() {
		t.Fatalf("expected schema version %d, got %d", persistence.SchemaVersion(), v)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskclaw.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumDrift(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_HistoryRoundTripAcrossReopen(t *testing.T) {
	store, dbPath := openTestStore(t)
	store.SetClock(steppingClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i, text := range []string{"one", "two", "three"} {
		calls := json.RawMessage(`[{"tool_name":"list_tasks","arguments":{},"result":{"success":true,"message":"ok"}}]`)
		if _, _, err := store.AppendTurn(ctx, persistence.TurnRecord{
			ConversationID: conv.ID,
			UserID:         "alice",
			UserContent:    text,
			AssistantText:  "reply " + text,
			ToolCalls:      calls,
		}); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}
	_ = store.Close()

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	msgs, err := reopened.ListMessages(ctx, conv.ID, "alice", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	want := []string{"one", "reply one", "two", "reply two", "three", "reply three"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("message %d: expected %q, got %q", i, want[i], m.Content)
		}
	}
	if msgs[1].Role != persistence.RoleAssistant || !strings.Contains(string(msgs[1].ToolCalls), "list_tasks") {
		t.Fatalf("assistant message lost tool calls: %+v", msgs[1])
	}
	if string(msgs[0].ToolCalls) != "[]" {
		t.Fatalf("user message should carry no tool calls, got %s", msgs[0].ToolCalls)
	}
}

func TestStore_ListMessagesLimitKeepsMostRecent(t *testing.T) {
	store, _ := openTestStore(t)
	store.SetClock(steppingClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for _, text := range []string{"a", "b", "c"} {
		if _, _, err := store.AppendTurn(ctx, persistence.TurnRecord{
			ConversationID: conv.ID, UserID: "alice", UserContent: text, AssistantText: "re " + text,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := store.ListMessages(ctx, conv.ID, "alice", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []string{msgs[0].Content, msgs[1].Content, msgs[2].Content}
	want := []string{"re b", "c", "re c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestStore_AppendTurnRejectsForeignConversation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	_, _, err = store.AppendTurn(ctx, persistence.TurnRecord{
		ConversationID: conv.ID, UserID: "mallory", UserContent: "hi", AssistantText: "hello",
	})
	if !errors.Is(err, persistence.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	msgs, err := store.ListMessages(ctx, conv.ID, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected rollback, found %d messages", len(msgs))
	}
}

func TestStore_AppendTurnTouchesActivity(t *testing.T) {
	store, _ := openTestStore(t)
	store.SetClock(steppingClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)))
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, "alice")
	if _, _, err := store.AppendTurn(ctx, persistence.TurnRecord{
		ConversationID: conv.ID, UserID: "alice", UserContent: "hi", AssistantText: "hello",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !got.LastActivityAt.After(conv.LastActivityAt) {
		t.Fatalf("expected last_activity_at to advance: before=%v after=%v", conv.LastActivityAt, got.LastActivityAt)
	}
}

func TestStore_GetConversationNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetConversation(context.Background(), "does-not-exist")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_KVRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if v, err := store.KVGet(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q err=%v", v, err)
	}
	if err := store.KVSet(ctx, "k", "v1"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.KVSet(ctx, "k", "v2"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if v, _ := store.KVGet(ctx, "k"); v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}
}

func TestStore_BindingsUpsert(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.GetBinding(ctx, "telegram", "42"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	b := persistence.Binding{Channel: "telegram", ExternalID: "42", UserID: "telegram:42", ConversationID: "c1"}
	if err := store.PutBinding(ctx, b); err != nil {
		t.Fatalf("put: %v", err)
	}
	b.ConversationID = "c2"
	if err := store.PutBinding(ctx, b); err != nil {
		t.Fatalf("put again: %v", err)
	}
	got, err := store.GetBinding(ctx, "telegram", "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConversationID != "c2" || got.UserID != "telegram:42" {
		t.Fatalf("unexpected binding: %+v", got)
	}
}

func TestStore_Optimize(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Optimize(context.Background()); err != nil {
		t.Fatalf("optimize: %v", err)
	}
}
