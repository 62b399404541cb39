package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/bus"
	"github.com/basket/taskclaw/internal/history"
	otelpkg "github.com/basket/taskclaw/internal/otel"
	"github.com/basket/taskclaw/internal/persistence"
	"github.com/basket/taskclaw/internal/shared"
	"github.com/basket/taskclaw/internal/telemetry"
	"github.com/basket/taskclaw/internal/tools"
)

// MaxMessageChars bounds the user message of a turn.
const MaxMessageChars = 10000

const maxDigestBytes = 2000

// DefaultSystemPrompt is used when no SYSTEM.md is configured.
const DefaultSystemPrompt = `You are a task management assistant. You help the user keep a personal todo list.
Use the provided tools for every read or change of tasks; never invent task ids or claim a change you did not make.
When the user refers to a task by its title, pass it as task_ref. Use task_id only with ids returned by a tool.
If a tool reports an error, explain it plainly and suggest what the user can do.
Keep replies short.`

// ToolInvoker is the registry surface the loop depends on.
type ToolInvoker interface {
	ListSchemas() []tools.Schema
	Invoke(ctx context.Context, name string, args map[string]any, caller tools.Caller) tools.Result
}

// HistoryLoader rebuilds conversation context.
type HistoryLoader interface {
	Load(ctx context.Context, conversationID, userID string) (*history.Context, error)
}

// TurnStore persists a finished turn.
type TurnStore interface {
	AppendTurn(ctx context.Context, rec persistence.TurnRecord) (user, assistant *persistence.Message, err error)
}

// Publisher receives turn notifications.
type Publisher interface {
	Publish(topic string, payload any)
}

type TurnRequest struct {
	ConversationID string
	UserID         string
	Message        string
}

// ToolCallRecord is one executed tool invocation, stored on the assistant
// message and returned to the caller.
type ToolCallRecord struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Result    tools.Result   `json:"result"`
}

type TurnResult struct {
	ConversationID   string
	AssistantMessage string
	ToolCalls        []ToolCallRecord
	Timestamp        time.Time
	// Clarification is true when the turn ended by asking the user to pick
	// between candidate tasks.
	Clarification bool
}

// Orchestrator runs conversational turns. It holds no per-conversation
// state; everything is rebuilt from storage on each call.
type Orchestrator struct {
	oracle  Oracle
	tools   ToolInvoker
	history HistoryLoader
	store   TurnStore

	limits limitsHolder
	system atomicString

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
	pub     Publisher
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithMetrics(m *otelpkg.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

func WithSystemPrompt(s string) Option {
	return func(o *Orchestrator) { o.SetSystemPrompt(s) }
}

func NewOrchestrator(oracle Oracle, reg ToolInvoker, hist HistoryLoader, store TurnStore, limits Limits, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		oracle:  oracle,
		tools:   reg,
		history: hist,
		store:   store,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer(otelpkg.TracerName),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	o.limits.store(limits)
	o.system.Store(DefaultSystemPrompt)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetLimits replaces the turn limits. Turns already running keep theirs.
func (o *Orchestrator) SetLimits(l Limits) { o.limits.store(l) }

func (o *Orchestrator) Limits() Limits { return o.limits.load() }

// SetSystemPrompt replaces the system prompt; empty restores the default.
func (o *Orchestrator) SetSystemPrompt(s string) {
	if strings.TrimSpace(s) == "" {
		s = DefaultSystemPrompt
	}
	o.system.Store(s)
}

// RunTurn executes one conversational turn. Errors are *apperr.Error values
// whose code is one of the turn-level codes.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (res *TurnResult, err error) {
	start := o.now()
	lim := o.limits.load()

	ctx = shared.WithUserID(ctx, req.UserID)
	if req.ConversationID != "" {
		ctx = shared.WithConversationID(ctx, req.ConversationID)
	}
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "turn",
		otelpkg.AttrUserID.String(req.UserID),
		otelpkg.AttrConversationID.String(req.ConversationID),
	)
	defer func() {
		code := "OK"
		if err != nil {
			code = string(apperr.CodeOf(err))
		}
		span.SetAttributes(otelpkg.AttrOutcome.String(code))
		otelpkg.EndSpan(span, err)
		o.metrics.RecordTurn(ctx, code, o.now().Sub(start))
	}()

	message := strings.TrimSpace(req.Message)
	if n := utf8.RuneCountInString(message); n == 0 || n > MaxMessageChars {
		return nil, apperr.Validation("message must be between 1 and %d characters", MaxMessageChars)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "authentication required")
	}

	turnCtx, cancel := context.WithTimeout(ctx, lim.TurnTimeout)
	defer cancel()

	hc, err := o.history.Load(turnCtx, req.ConversationID, req.UserID)
	if err != nil {
		if isDeadline(turnCtx, err) {
			return nil, timeoutErr(err)
		}
		return nil, err
	}
	turnCtx = shared.WithConversationID(turnCtx, hc.ConversationID)
	log := telemetry.WithContext(turnCtx, o.logger)

	caller := tools.Caller{UserID: req.UserID, ConversationID: hc.ConversationID}
	oreq := OracleRequest{
		System:   o.systemPrompt(),
		Messages: toOracleMessages(hc.View(message)),
		Tools:    o.tools.ListSchemas(),
	}

	var (
		records   []ToolCallRecord
		reply     string
		clarified bool
	)
loop:
	for {
		out, err := o.ask(turnCtx, oreq, lim, log)
		if err != nil {
			o.publishTurn(req.UserID, hc.ConversationID, len(records), err)
			return nil, err
		}
		if len(out.ToolRequests) == 0 {
			reply = strings.TrimSpace(out.Text)
			break
		}

		oreq.Messages = append(oreq.Messages, OracleMessage{
			Role:         RoleAssistant,
			Text:         out.Text,
			ToolRequests: out.ToolRequests,
		})
		responses := make([]ToolResponse, 0, len(out.ToolRequests))
		for _, tr := range out.ToolRequests {
			if len(records) >= lim.MaxToolCalls {
				log.Warn("tool call cap reached", "max_tool_calls", lim.MaxToolCalls, "requested", tr.Name)
				err := apperr.New(apperr.CodeAgentLimit, "")
				o.publishTurn(req.UserID, hc.ConversationID, len(records), err)
				return nil, err
			}
			if err := turnCtx.Err(); err != nil {
				err = interruptedErr(err)
				o.publishTurn(req.UserID, hc.ConversationID, len(records), err)
				return nil, err
			}
			result := o.tools.Invoke(turnCtx, tr.Name, tr.Arguments, caller)
			log.Debug("tool invoked", "tool", tr.Name, "step", len(records)+1, "success", result.Success, "code", string(result.ErrorCode()))
			records = append(records, ToolCallRecord{ToolName: tr.Name, Arguments: tr.Arguments, Result: result})
			responses = append(responses, ToolResponse{ID: tr.ID, Name: tr.Name, Result: result})

			if result.NeedsClarification() {
				reply = result.Message
				clarified = true
				break loop
			}
		}
		if err := turnCtx.Err(); err != nil {
			err = interruptedErr(err)
			o.publishTurn(req.UserID, hc.ConversationID, len(records), err)
			return nil, err
		}
		oreq.Messages = append(oreq.Messages, OracleMessage{Role: RoleTool, ToolResponses: responses})
	}

	if reply == "" {
		if len(records) == 0 {
			err := apperr.Wrap(apperr.CodeOracle, "", ErrMalformedReply)
			o.publishTurn(req.UserID, hc.ConversationID, 0, err)
			return nil, err
		}
		reply = records[len(records)-1].Result.Message
	}

	calls, err := json.Marshal(nonNilRecords(records))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "", fmt.Errorf("encode tool calls: %w", err))
	}
	_, assistant, err := o.store.AppendTurn(turnCtx, persistence.TurnRecord{
		ConversationID: hc.ConversationID,
		UserID:         req.UserID,
		UserContent:    message,
		UserAt:         start,
		AssistantText:  reply,
		ToolCalls:      calls,
	})
	if err != nil && isDeadline(turnCtx, err) {
		log.Error("turn timed out while persisting; tool side effects stand", "tool_calls", len(records), "error", err)
		return nil, timeoutErr(err)
	}
	if err != nil {
		log.Error("persist turn failed; tool side effects stand", "tool_calls", len(records), "error", err)
		perr := apperr.Wrap(apperr.CodePersistence, "", err)
		o.publishTurn(req.UserID, hc.ConversationID, len(records), perr)
		return nil, perr
	}

	o.publishTurn(req.UserID, hc.ConversationID, len(records), nil)
	log.Info("turn completed", "tool_calls", len(records), "clarification", clarified, "duration_ms", o.now().Sub(start).Milliseconds())
	return &TurnResult{
		ConversationID:   hc.ConversationID,
		AssistantMessage: reply,
		ToolCalls:        nonNilRecords(records),
		Timestamp:        assistant.CreatedAt.UTC(),
		Clarification:    clarified,
	}, nil
}

// ask calls the oracle, retrying once after a jittered backoff. Per-call and
// turn deadlines are not retried.
func (o *Orchestrator) ask(ctx context.Context, req OracleRequest, lim Limits, log *slog.Logger) (*OracleReply, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, jitter(lim.RetryBackoff)); err != nil {
				return nil, timeoutErr(err)
			}
		}
		reply, err := o.callOracle(ctx, req, lim.OracleTimeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		class := ClassifyError(err)
		log.Warn("oracle call failed", "attempt", attempt, "error_class", string(class), "error", err)

		if cerr := ctx.Err(); cerr != nil {
			return nil, interruptedErr(cerr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutErr(err)
		}
		if !class.Retryable() {
			break
		}
	}
	return nil, apperr.Wrap(apperr.CodeOracle, "", lastErr)
}

func (o *Orchestrator) callOracle(ctx context.Context, req OracleRequest, timeout time.Duration) (*OracleReply, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx, span := otelpkg.StartClientSpan(callCtx, o.tracer, "oracle.next")

	start := o.now()
	reply, err := o.oracle.Next(callCtx, req)
	if err == nil && reply == nil {
		err = ErrMalformedReply
	}
	if err != nil && callCtx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	class := ""
	if err != nil {
		class = string(ClassifyError(err))
		span.SetAttributes(otelpkg.AttrErrorClass.String(class))
	} else if reply.Provider != "" {
		span.SetAttributes(otelpkg.AttrProvider.String(reply.Provider))
	}
	otelpkg.EndSpan(span, err)
	o.metrics.RecordOracleCall(ctx, class, o.now().Sub(start))
	return reply, err
}

func (o *Orchestrator) systemPrompt() string {
	return o.system.Load() + "\n\nCurrent date: " + o.now().UTC().Format("Monday, 2 January 2006") + "."
}

func (o *Orchestrator) publishTurn(userID, convID string, calls int, err error) {
	if o.pub == nil {
		return
	}
	ev := bus.TurnEvent{UserID: userID, ConversationID: convID, ToolCalls: calls, At: o.now().UTC()}
	topic := bus.TopicTurnCompleted
	if err != nil {
		ev.ErrorCode = string(apperr.From(err).Code)
		topic = bus.TopicTurnFailed
	}
	o.pub.Publish(topic, ev)
}

// toOracleMessages turns stored history into oracle messages. Tool calls of
// earlier turns are folded into the assistant text so ids returned then stay
// visible to the model.
func toOracleMessages(msgs []persistence.Message) []OracleMessage {
	out := make([]OracleMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case persistence.RoleUser:
			out = append(out, OracleMessage{Role: RoleUser, Text: m.Content})
		case persistence.RoleAssistant:
			out = append(out, OracleMessage{Role: RoleAssistant, Text: m.Content + toolDigest(m.ToolCalls)})
		}
	}
	return out
}

func toolDigest(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var records []ToolCallRecord
	if err := json.Unmarshal(raw, &records); err != nil || len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n[tools used]")
	for _, r := range records {
		args, _ := json.Marshal(r.Arguments)
		result, _ := json.Marshal(r.Result)
		line := fmt.Sprintf("\n- %s %s => %s", r.ToolName, args, result)
		if b.Len()+len(line) > maxDigestBytes {
			b.WriteString("\n- ...")
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func nonNilRecords(r []ToolCallRecord) []ToolCallRecord {
	if r == nil {
		return []ToolCallRecord{}
	}
	return r
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func timeoutErr(cause error) error {
	return apperr.Wrap(apperr.CodeTimeout, "", cause)
}

// interruptedErr maps a done turn context to an error. Only a deadline is a
// TIMEOUT; a caller that went away is not.
func interruptedErr(cause error) error {
	if errors.Is(cause, context.Canceled) {
		return apperr.Wrap(apperr.CodeInternal, "turn cancelled", cause)
	}
	return timeoutErr(cause)
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
