package engine

import (
	"context"

	"github.com/basket/taskclaw/internal/tools"
)

// Role of a message in an oracle conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolRequest is one invocation the oracle asked for.
type ToolRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResponse feeds a tool result back to the oracle.
type ToolResponse struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Result tools.Result `json:"result"`
}

// OracleMessage is one entry of the oracle's working context. Assistant
// messages may carry ToolRequests; tool messages carry ToolResponses.
type OracleMessage struct {
	Role          Role
	Text          string
	ToolRequests  []ToolRequest
	ToolResponses []ToolResponse
}

// OracleRequest is a single request/response round with the model.
type OracleRequest struct {
	System   string
	Messages []OracleMessage
	Tools    []tools.Schema
}

// OracleReply holds either final text or tool requests. When ToolRequests
// is non-empty any Text is interim commentary.
type OracleReply struct {
	Text         string
	ToolRequests []ToolRequest
	// Provider names the backend that produced the reply, for logs.
	Provider string
}

// Oracle selects tools and writes replies. Implementations must be safe for
// concurrent use.
type Oracle interface {
	Next(ctx context.Context, req OracleRequest) (*OracleReply, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req OracleRequest) (*OracleReply, error)

func (f OracleFunc) Next(ctx context.Context, req OracleRequest) (*OracleReply, error) {
	return f(ctx, req)
}
