package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Message is one stored utterance. ToolCalls holds the JSON-encoded ordered
// tool invocation records of an assistant message ("[]" when none).
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ToolCalls      json.RawMessage `json:"tool_calls"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (s *Store) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("create conversation: empty user id")
	}
	now := s.now()
	conv := &Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, user_id, created_at, last_activity_at)
			VALUES (?, ?, ?, ?);
		`, conv.ID, conv.UserID, conv.CreatedAt, conv.LastActivityAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation looks a conversation up by id alone so the caller can tell
// a missing conversation from a foreign one.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, last_activity_at
		FROM conversations
		WHERE id = ?;
	`, id).Scan(&conv.ID, &conv.UserID, &conv.CreatedAt, &conv.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListMessages returns the conversation's messages owned by userID in
// creation order. When limit > 0 only the most recent limit messages are
// returned, still oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, user_id, role, content, tool_calls, created_at FROM (
				SELECT rowid AS seq, id, conversation_id, user_id, role, content, tool_calls, created_at
				FROM messages
				WHERE conversation_id = ? AND user_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC;
		`, conversationID, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, user_id, role, content, tool_calls, created_at
			FROM messages
			WHERE conversation_id = ? AND user_id = ?
			ORDER BY created_at ASC, rowid ASC;
		`, conversationID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m     Message
			calls string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &calls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCalls = json.RawMessage(calls)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// TurnRecord is the pair of messages produced by one completed turn.
type TurnRecord struct {
	ConversationID string
	UserID         string
	UserContent    string
	UserAt         time.Time
	AssistantText  string
	ToolCalls      json.RawMessage
}

// AppendTurn writes the user and assistant messages of a turn and bumps the
// conversation's activity marker in a single transaction. It returns the two
// stored messages.
func (s *Store) AppendTurn(ctx context.Context, rec TurnRecord) (user, assistant *Message, err error) {
	calls := rec.ToolCalls
	if len(calls) == 0 {
		calls = json.RawMessage("[]")
	}
	userAt := rec.UserAt
	if userAt.IsZero() {
		userAt = s.now()
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE id = ?;`, rec.ConversationID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read conversation owner: %w", err)
		}
		if owner != rec.UserID {
			return fmt.Errorf("conversation %s owned by another user: %w", rec.ConversationID, ErrIntegrity)
		}

		now := s.now()
		if now.Before(userAt) {
			now = userAt
		}
		user = &Message{
			ID:             uuid.NewString(),
			ConversationID: rec.ConversationID,
			UserID:         rec.UserID,
			Role:           RoleUser,
			Content:        rec.UserContent,
			ToolCalls:      json.RawMessage("[]"),
			CreatedAt:      userAt.UTC(),
		}
		assistant = &Message{
			ID:             uuid.NewString(),
			ConversationID: rec.ConversationID,
			UserID:         rec.UserID,
			Role:           RoleAssistant,
			Content:        rec.AssistantText,
			ToolCalls:      calls,
			CreatedAt:      now,
		}
		for _, m := range []*Message{user, assistant} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, conversation_id, user_id, role, content, tool_calls, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?);
			`, m.ID, m.ConversationID, m.UserID, m.Role, m.Content, string(m.ToolCalls), m.CreatedAt); err != nil {
				return fmt.Errorf("insert %s message: %w", m.Role, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_activity_at = ? WHERE id = ?;
		`, now, rec.ConversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, assistant, nil
}
