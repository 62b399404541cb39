package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/engine"
)

// TurnEnvelope is the success body of a turn.
type TurnEnvelope struct {
	ConversationID   string                  `json:"conversation_id"`
	AssistantMessage string                  `json:"assistant_message"`
	ToolCalls        []engine.ToolCallRecord `json:"tool_calls"`
	Timestamp        string                  `json:"timestamp"`
}

// ErrorEnvelope is the body of every failed request.
type ErrorEnvelope = apperr.Public

// FormatTurn renders a finished turn.
func FormatTurn(res *engine.TurnResult) TurnEnvelope {
	calls := res.ToolCalls
	if calls == nil {
		calls = []engine.ToolCallRecord{}
	}
	return TurnEnvelope{
		ConversationID:   res.ConversationID,
		AssistantMessage: res.AssistantMessage,
		ToolCalls:        calls,
		Timestamp:        res.Timestamp.UTC().Format(time.RFC3339),
	}
}

// FormatError renders any error. Errors outside the apperr taxonomy become
// INTERNAL_ERROR with a generic message.
func FormatError(err error) (int, ErrorEnvelope) {
	pub := apperr.From(err)
	return StatusFor(pub.Code), pub
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound, apperr.CodeOwnership:
		return http.StatusNotFound
	case apperr.CodeUnknownTool, apperr.CodeToolExecution, apperr.CodeOracle:
		return http.StatusBadGateway
	case apperr.CodeAgentLimit:
		return http.StatusUnprocessableEntity
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := FormatError(err)
	writeJSON(w, status, body)
}
