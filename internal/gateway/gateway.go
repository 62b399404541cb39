// Package gateway exposes the conversational turn pipeline over HTTP and
// websockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/bus"
	"github.com/basket/taskclaw/internal/config"
	"github.com/basket/taskclaw/internal/engine"
	otelpkg "github.com/basket/taskclaw/internal/otel"
	"github.com/basket/taskclaw/internal/persistence"
	"github.com/basket/taskclaw/internal/shared"
	"github.com/basket/taskclaw/internal/telemetry"
	"github.com/basket/taskclaw/internal/tools"
)

const (
	healthTimeout = 2 * time.Second
	traceHeader   = "X-Trace-ID"
)

// TurnRunner executes one conversational turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

// ToolInvoker runs a registered tool on behalf of a user.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, caller tools.Caller) tools.Result
}

// Store is the read side the gateway serves directly.
type Store interface {
	GetConversation(ctx context.Context, id string) (*persistence.Conversation, error)
	ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]persistence.Message, error)
	Ping(ctx context.Context) error
	AppliedSchemaVersion(ctx context.Context) (int, error)
}

type Config struct {
	Turns TurnRunner
	Tools ToolInvoker
	Store Store
	Bus   *bus.Bus

	Auth      *AuthMiddleware
	RateLimit *RateLimitMiddleware
	CORS      func(http.Handler) http.Handler

	// AllowOrigins lists origin patterns accepted on websocket upgrades.
	// Empty means same-origin only.
	AllowOrigins    []string
	MaxRequestBytes int64

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

type turnRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	if s.cfg.Auth == nil {
		s.cfg.Auth = NewAuthMiddleware(config.AuthConfig{})
	}
	if s.cfg.MaxRequestBytes <= 0 {
		s.cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if s.cfg.RateLimit != nil && s.cfg.Metrics != nil {
		m := s.cfg.Metrics
		s.cfg.RateLimit.OnReject(func(r *http.Request) {
			m.RecordReject(r.Context(), string(apperr.CodeRateLimited))
		})
	}
	return s
}

// Handler returns the routed handler wrapped in CORS, body size, auth, rate
// limit and tracing middleware, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/turn", s.handleTurn)
	mux.HandleFunc("GET /ws/turn", s.handleTurnWS)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = s.traced(mux)
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	h = s.cfg.Auth.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	if s.cfg.CORS != nil {
		h = s.cfg.CORS(h)
	}
	return h
}

// traced assigns a trace id, opens a server span and logs the request.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelpkg.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path,
			otelpkg.AttrUserID.String(shared.UserID(ctx)),
		)
		defer span.End()
		w.Header().Set(traceHeader, traceID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		telemetry.WithContext(ctx, s.logger).Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, decodeErr(err))
		return
	}
	res, err := s.runTurn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FormatTurn(res))
}

func (s *Server) runTurn(ctx context.Context, req turnRequest) (*engine.TurnResult, error) {
	return s.cfg.Turns.RunTurn(ctx, engine.TurnRequest{
		ConversationID: req.ConversationID,
		UserID:         shared.UserID(ctx),
		Message:        req.Message,
	})
}

// handleTurnWS runs one turn per text frame. Frames are handled in order;
// every frame gets exactly one envelope in reply.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(s.cfg.MaxRequestBytes)

	ctx := r.Context()
	log := telemetry.WithContext(ctx, s.logger)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Warn("ws turn: read failed", "error", err)
			}
			return
		}
		var reply any
		var req turnRequest
		if typ != websocket.MessageText {
			_, reply = FormatError(apperr.Validation("frames must be JSON text"))
		} else if err := json.Unmarshal(data, &req); err != nil {
			_, reply = FormatError(decodeErr(err))
		} else if res, err := s.runTurn(ctx, req); err != nil {
			_, reply = FormatError(err)
		} else {
			reply = FormatTurn(res)
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Warn("ws turn: write failed", "error", err)
			return
		}
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := shared.UserID(ctx)
	convID := r.PathValue("id")

	conv, err := s.cfg.Store.GetConversation(ctx, convID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, apperr.NotFound("conversation"))
		return
	case err != nil:
		writeError(w, apperr.Wrap(apperr.CodeInternal, "load conversation", err))
		return
	case conv.UserID != userID:
		writeError(w, apperr.Ownership("conversation"))
		return
	}

	msgs, err := s.cfg.Store.ListMessages(ctx, conv.ID, userID, 0)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInternal, "load messages", err))
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"messages":        msgs,
	})
}

// handleTasks lists the caller's tasks through the same handler the
// assistant uses.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if status := r.URL.Query().Get("status"); status != "" {
		args["status"] = status
	}
	res := s.cfg.Tools.Invoke(r.Context(), tools.ToolListTasks, args, tools.Caller{UserID: shared.UserID(r.Context())})
	if !res.Success {
		code := res.ErrorCode()
		writeJSON(w, StatusFor(code), ErrorEnvelope{Code: code, Message: res.Message})
		return
	}
	writeJSON(w, http.StatusOK, res.Data)
}

// handleEvents streams the caller's task events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, apperr.New(apperr.CodeInternal, "event stream unavailable"))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.SubscribeUser("task.", shared.UserID(r.Context()))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, map[string]any{"topic": ev.Topic, "event": ev.Payload}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	payload := map[string]any{"status": "ok", "db": "ok"}
	status := http.StatusOK
	if err := s.cfg.Store.Ping(ctx); err != nil {
		payload["status"], payload["db"] = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	} else if v, err := s.cfg.Store.AppliedSchemaVersion(ctx); err == nil {
		payload["schema_version"] = v
	}
	writeJSON(w, status, payload)
}

func decodeErr(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return apperr.Validation("request body exceeds %d bytes", tooBig.Limit)
	}
	return apperr.Validation("request body must be a JSON object with a message field")
}
