package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Binding maps an external chat identity (e.g. a Telegram chat) to a user
// and the conversation currently used for it.
type Binding struct {
	Channel        string
	ExternalID     string
	UserID         string
	ConversationID string
	UpdatedAt      time.Time
}

func (s *Store) GetBinding(ctx context.Context, channel, externalID string) (*Binding, error) {
	b := Binding{Channel: channel, ExternalID: externalID}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, conversation_id, updated_at
		FROM channel_bindings
		WHERE channel = ? AND external_id = ?;
	`, channel, externalID).Scan(&b.UserID, &b.ConversationID, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return &b, nil
}

func (s *Store) PutBinding(ctx context.Context, b Binding) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channel_bindings (channel, external_id, user_id, conversation_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(channel, external_id) DO UPDATE SET
				user_id = excluded.user_id,
				conversation_id = excluded.conversation_id,
				updated_at = excluded.updated_at;
		`, b.Channel, b.ExternalID, b.UserID, b.ConversationID, s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("put binding: %w", err)
	}
	return nil
}
