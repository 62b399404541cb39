// Package history rebuilds a conversation's context from storage on every
// turn. Nothing here is cached between calls.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/persistence"
)

// Store is the conversation half of persistence.
type Store interface {
	CreateConversation(ctx context.Context, userID string) (*persistence.Conversation, error)
	GetConversation(ctx context.Context, id string) (*persistence.Conversation, error)
	ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]persistence.Message, error)
}

// Limits bound the history handed to the oracle. Zero means unbounded.
type Limits struct {
	MaxMessages int
	MaxBytes    int
}

// Reconstructor loads and truncates conversation history.
type Reconstructor struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	limits Limits
}

func New(store Store, limits Limits, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{store: store, limits: limits, logger: logger}
}

// SetLimits swaps the truncation limits; in-flight loads keep the old ones.
func (r *Reconstructor) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l
	r.mu.Unlock()
}

func (r *Reconstructor) Limits() Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limits
}

// Context is the in-turn view of one conversation.
type Context struct {
	ConversationID string
	UserID         string
	// Created is true when Load started a new conversation.
	Created bool
	// Messages is the truncated prior history, oldest first.
	Messages []persistence.Message
	// Dropped counts stored messages left out by truncation.
	Dropped int
}

// View returns the history with the new user message appended. The new
// message is always present regardless of truncation.
func (c *Context) View(newMessage string) []persistence.Message {
	out := make([]persistence.Message, 0, len(c.Messages)+1)
	out = append(out, c.Messages...)
	return append(out, persistence.Message{
		ConversationID: c.ConversationID,
		UserID:         c.UserID,
		Role:           persistence.RoleUser,
		Content:        newMessage,
	})
}

// Load returns the context for conversationID, creating a conversation owned
// by userID when conversationID is empty.
func (r *Reconstructor) Load(ctx context.Context, conversationID, userID string) (*Context, error) {
	if userID == "" {
		return nil, apperr.Wrap(apperr.CodeInternal, "", errors.New("history: empty user id"))
	}
	if conversationID == "" {
		conv, err := r.store.CreateConversation(ctx, userID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodePersistence, "", fmt.Errorf("create conversation: %w", err))
		}
		r.logger.Debug("conversation created", "conversation_id", conv.ID, "user_id", userID)
		return &Context{ConversationID: conv.ID, UserID: userID, Created: true}, nil
	}

	conv, err := r.store.GetConversation(ctx, conversationID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, apperr.NotFound("conversation")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "", fmt.Errorf("load conversation: %w", err))
	}
	if conv.UserID != userID {
		r.logger.Warn("conversation owner mismatch", "conversation_id", conversationID, "user_id", userID)
		return nil, apperr.Ownership("conversation")
	}

	limits := r.Limits()
	// One extra row tells us whether the count ceiling dropped anything.
	fetch := 0
	if limits.MaxMessages > 0 {
		fetch = limits.MaxMessages + 1
	}
	msgs, err := r.store.ListMessages(ctx, conversationID, userID, fetch)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "", fmt.Errorf("load messages: %w", err))
	}
	kept, dropped := Truncate(msgs, limits)
	if dropped > 0 {
		r.logger.Debug("history truncated", "conversation_id", conversationID, "kept", len(kept), "dropped_at_least", dropped)
	}
	return &Context{
		ConversationID: conversationID,
		UserID:         userID,
		Messages:       kept,
		Dropped:        dropped,
	}, nil
}

// Truncate keeps the most recent messages that fit limits. It never starts
// the result with an assistant message, since providers expect the first
// turn to come from the user. It returns the kept slice and how many of the
// given messages were dropped.
func Truncate(msgs []persistence.Message, limits Limits) ([]persistence.Message, int) {
	start := 0
	if limits.MaxMessages > 0 && len(msgs) > limits.MaxMessages {
		start = len(msgs) - limits.MaxMessages
	}
	if limits.MaxBytes > 0 {
		total := 0
		for _, m := range msgs[start:] {
			total += size(m)
		}
		for start < len(msgs) && total > limits.MaxBytes {
			total -= size(msgs[start])
			start++
		}
	}
	for start < len(msgs) && msgs[start].Role != persistence.RoleUser {
		start++
	}
	return msgs[start:], start
}

func size(m persistence.Message) int {
	return len(m.Content) + len(m.ToolCalls)
}
