package channels

import (
	"context"

	"github.com/basket/taskclaw/internal/engine"
	"github.com/basket/taskclaw/internal/persistence"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// TurnRunner executes one conversational turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

// BindingStore remembers which conversation each external chat is in.
type BindingStore interface {
	GetBinding(ctx context.Context, channel, externalID string) (*persistence.Binding, error)
	PutBinding(ctx context.Context, b persistence.Binding) error
}
