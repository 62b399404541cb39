package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/bus"
	"github.com/basket/taskclaw/internal/history"
	"github.com/basket/taskclaw/internal/persistence"
	"github.com/basket/taskclaw/internal/tools"
)

// scriptedOracle replays one step per call. Each step sees the request so
// it can read earlier tool results.
type scriptedOracle struct {
	mu    sync.Mutex
	steps []func(req OracleRequest) (*OracleReply, error)
	reqs  []OracleRequest
}

func (s *scriptedOracle) Next(ctx context.Context, req OracleRequest) (*OracleReply, error) {
	s.mu.Lock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if i >= len(s.steps) {
		return &OracleReply{Text: "done"}, nil
	}
	return s.steps[i](req)
}

func (s *scriptedOracle) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scriptedOracle) Request(i int) OracleRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

func say(text string) func(OracleRequest) (*OracleReply, error) {
	return func(OracleRequest) (*OracleReply, error) { return &OracleReply{Text: text}, nil }
}

func call(name string, args map[string]any) func(OracleRequest) (*OracleReply, error) {
	return func(OracleRequest) (*OracleReply, error) {
		return &OracleReply{ToolRequests: []ToolRequest{{ID: name + "-1", Name: name, Arguments: args}}}, nil
	}
}

func fail(err error) func(OracleRequest) (*OracleReply, error) {
	return func(OracleRequest) (*OracleReply, error) { return nil, err }
}

type harness struct {
	store *persistence.Store
	orch  *Orchestrator
}

func newHarness(t *testing.T, oracle Oracle, lim Limits, turns TurnStore) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := tools.NewRegistry()
	if err := tools.RegisterTaskTools(reg, store, nil); err != nil {
		t.Fatal(err)
	}
	if turns == nil {
		turns = store
	}
	hist := history.New(store, history.Limits{MaxMessages: 20}, nil)
	orch := NewOrchestrator(oracle, reg, hist, turns, lim)
	orch.sleep = func(context.Context, time.Duration) error { return nil }
	return &harness{store: store, orch: orch}
}

func testLimits() Limits {
	return Limits{MaxToolCalls: 6, OracleTimeout: time.Second, TurnTimeout: 5 * time.Second}
}

func lastToolData(t *testing.T, req OracleRequest) map[string]any {
	t.Helper()
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleTool || len(last.ToolResponses) == 0 {
		t.Fatalf("last message = %+v, want tool responses", last)
	}
	data, ok := last.ToolResponses[0].Result.Data.(map[string]any)
	if !ok {
		t.Fatalf("tool data = %#v", last.ToolResponses[0].Result.Data)
	}
	return data
}

func TestRunTurn_ListThenCompleteFirst(t *testing.T) {
	var h *harness
	oracle := &scriptedOracle{}
	oracle.steps = []func(OracleRequest) (*OracleReply, error){
		call(tools.ToolListTasks, map[string]any{"status": "pending"}),
		func(req OracleRequest) (*OracleReply, error) {
			tasks := lastToolData(t, req)["tasks"].([]persistence.Task)
			return &OracleReply{ToolRequests: []ToolRequest{{
				ID: "c2", Name: tools.ToolCompleteTask, Arguments: map[string]any{"task_id": tasks[0].ID},
			}}}, nil
		},
		say("You have one task left."),
	}
	h = newHarness(t, oracle, testLimits(), nil)
	ctx := context.Background()
	first, err := h.store.CreateTask(ctx, "alice", "pay rent", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.CreateTask(ctx, "alice", "book flights", ""); err != nil {
		t.Fatal(err)
	}

	res, err := h.orch.RunTurn(ctx, TurnRequest{UserID: "alice", Message: "show my tasks and mark the first one done"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.AssistantMessage != "You have one task left." {
		t.Fatalf("reply = %q", res.AssistantMessage)
	}
	if len(res.ToolCalls) != 2 || res.ToolCalls[0].ToolName != tools.ToolListTasks || res.ToolCalls[1].ToolName != tools.ToolCompleteTask {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	got, err := h.store.GetTask(ctx, "alice", first.ID)
	if err != nil || !got.Completed {
		t.Fatalf("first task = %+v, err = %v", got, err)
	}

	msgs, err := h.store.ListMessages(ctx, res.ConversationID, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != persistence.RoleUser || msgs[1].Role != persistence.RoleAssistant {
		t.Fatalf("stored messages = %+v", msgs)
	}
	var stored []ToolCallRecord
	if err := json.Unmarshal(msgs[1].ToolCalls, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[1].ToolName != tools.ToolCompleteTask {
		t.Fatalf("stored tool calls = %+v", stored)
	}
	if res.Timestamp.Location() != time.UTC {
		t.Fatal("timestamp not UTC")
	}
}

func TestRunTurn_AmbiguousReferenceEndsWithQuestion(t *testing.T) {
	oracle := &scriptedOracle{steps: []func(OracleRequest) (*OracleReply, error){
		call(tools.ToolCompleteTask, map[string]any{"task_ref": "call"}),
		say("should never be asked"),
	}}
	h := newHarness(t, oracle, testLimits(), nil)
	ctx := context.Background()
	for _, title := range []string{"Call dentist", "Call mom"} {
		if _, err := h.store.CreateTask(ctx, "alice", title, ""); err != nil {
			t.Fatal(err)
		}
	}

	res, err := h.orch.RunTurn(ctx, TurnRequest{UserID: "alice", Message: "mark the call task as done"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !res.Clarification || !strings.Contains(res.AssistantMessage, "Which one") {
		t.Fatalf("result = %+v", res)
	}
	if oracle.Calls() != 1 {
		t.Fatalf("oracle called %d times, want 1", oracle.Calls())
	}
	pending, _ := h.store.ListTasks(ctx, "alice", persistence.FilterPending)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	// The follow-up turn sees the question and its candidates.
	follow := &scriptedOracle{steps: []func(OracleRequest) (*OracleReply, error){say("ok")}}
	h.orch.oracle = follow
	if _, err := h.orch.RunTurn(ctx, TurnRequest{ConversationID: res.ConversationID, UserID: "alice", Message: "the dentist one"}); err != nil {
		t.Fatal(err)
	}
	msgs := follow.Request(0).Messages
	if len(msgs) != 3 || !strings.Contains(msgs[1].Text, "Call dentist") {
		t.Fatalf("follow-up context = %+v", msgs)
	}
}

func TestRunTurn_ToolCapIsAgentLimit(t *testing.T) {
	loopForever := OracleFunc(func(context.Context, OracleRequest) (*OracleReply, error) {
		return &OracleReply{ToolRequests: []ToolRequest{{ID: "x", Name: tools.ToolListTasks, Arguments: map[string]any{}}}}, nil
	})
	lim := testLimits()
	lim.MaxToolCalls = 3
	h := newHarness(t, loopForever, lim, nil)

	_, err := h.orch.RunTurn(context.Background(), TurnRequest{UserID: "alice", Message: "list forever"})
	if apperr.CodeOf(err) != apperr.CodeAgentLimit {
		t.Fatalf("err = %v, want AGENT_LIMIT", err)
	}
	var n int
	if err := h.store.DB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("%d messages persisted after cap, want 0", n)
	}
}

func TestRunTurn_OracleRetriedOnce(t *testing.T) {
	oracle := &scriptedOracle{steps: []func(OracleRequest) (*OracleReply, error){
		fail(errors.New("503 service unavailable")),
		say("hello again"),
	}}
	h := newHarness(t, oracle, testLimits(), nil)
	res, err := h.orch.RunTurn(context.Background(), TurnRequest{UserID: "u", Message: "hi"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.AssistantMessage != "hello again" || oracle.Calls() != 2 {
		t.Fatalf("reply = %q calls = %d", res.AssistantMessage, oracle.Calls())
	}

	twice := &scriptedOracle{steps: []func(OracleRequest) (*OracleReply, error){
		fail(errors.New("503")), fail(errors.New("503")), say("too late"),
	}}
	h = newHarness(t, twice, testLimits(), nil)
	_, err = h.orch.RunTurn(context.Background(), TurnRequest{UserID: "u", Message: "hi"})
	if apperr.CodeOf(err) != apperr.CodeOracle || twice.Calls() != 2 {
		t.Fatalf("err = %v calls = %d", err, twice.Calls())
	}
	if pub := apperr.From(err); strings.Contains(pub.Message, "503") {
		t.Fatalf("provider detail leaked: %q", pub.Message)
	}

	auth := &scriptedOracle{steps: []func(OracleRequest) (*OracleReply, error){
		fail(errors.New("401 invalid api key")), say("unreachable"),
	}}
	h = newHarness(t, auth, testLimits(), nil)
	_, err = h.orch.RunTurn(context.Background(), TurnRequest{UserID: "u", Message: "hi"})
	if apperr.CodeOf(err) != apperr.CodeOracle || auth.Calls() != 1 {
		t.Fatalf("auth: err = %v calls = %d", err, auth.Calls())
	}
}

func TestRunTurn_OracleTimeout(t *testing.T) {
	slow := OracleFunc(func(ctx context.Context, _ OracleRequest) (*OracleReply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	lim := testLimits()
	lim.OracleTimeout = 20 * time.Millisecond
	h := newHarness(t, slow, lim, nil)

	_, err := h.orch.RunTurn(context.Background(), TurnRequest{UserID: "u", Message: "hi"})
	if apperr.CodeOf(err) != apperr.CodeTimeout {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if msg := apperr.From(err).Message; !strings.Contains(msg, "timed out") {
		t.Fatalf("message = %q", msg)
	}
}

type failingTurns struct{}

func (failingTurns) AppendTurn(context.Context, persistence.TurnRecord) (*persistence.Message, *persistence.Message, error) {
	return nil, nil, errors.New("disk I/O error")
}

func TestRunTurn_PersistenceFailureKeepsToolEffects(t *testing.T) {
	oracle := &scriptedOracle{steps: []func(OracleRequest) (*OracleReply, error){
		call(tools.ToolAddTask, map[string]any{"title": "water plants"}),
		say("Added."),
	}}
	h := newHarness(t, oracle, testLimits(), failingTurns{})

	_, err := h.orch.RunTurn(context.Background(), TurnRequest{UserID: "alice", Message: "add water plants"})
	if apperr.CodeOf(err) != apperr.CodePersistence {
		t.Fatalf("err = %v, want PERSISTENCE_ERROR", err)
	}
	tasks, _ := h.store.ListTasks(context.Background(), "alice", persistence.FilterAll)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want the committed add to stand", len(tasks))
	}
}

func TestRunTurn_TruncatedViewKeepsNewMessage(t *testing.T) {
	oracle := &scriptedOracle{}
	h := newHarness(t, oracle, testLimits(), nil)
	ctx := context.Background()

	res, err := h.orch.RunTurn(ctx, TurnRequest{UserID: "u", Message: "first"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 15; i++ {
		if _, err := h.orch.RunTurn(ctx, TurnRequest{ConversationID: res.ConversationID, UserID: "u", Message: "again"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.orch.RunTurn(ctx, TurnRequest{ConversationID: res.ConversationID, UserID: "u", Message: "the newest one"}); err != nil {
		t.Fatal(err)
	}
	req := oracle.Request(oracle.Calls() - 1)
	if len(req.Messages) > 21 {
		t.Fatalf("view has %d messages, want at most 21", len(req.Messages))
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleUser || last.Text != "the newest one" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestRunTurn_InputValidation(t *testing.T) {
	h := newHarness(t, &scriptedOracle{}, testLimits(), nil)
	ctx := context.Background()
	for _, msg := range []string{"", "   ", strings.Repeat("x", MaxMessageChars+1)} {
		_, err := h.orch.RunTurn(ctx, TurnRequest{UserID: "u", Message: msg})
		if apperr.CodeOf(err) != apperr.CodeValidation {
			t.Fatalf("message of %d chars: err = %v", len(msg), err)
		}
	}
	if _, err := h.orch.RunTurn(ctx, TurnRequest{UserID: "u", Message: strings.Repeat("x", MaxMessageChars)}); err != nil {
		t.Fatalf("max-length message rejected: %v", err)
	}
	_, err := h.orch.RunTurn(ctx, TurnRequest{ConversationID: "nope", UserID: "u", Message: "hi"})
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("unknown conversation: err = %v", err)
	}
}

func TestRunTurn_ForeignConversationLooksMissing(t *testing.T) {
	h := newHarness(t, &scriptedOracle{}, testLimits(), nil)
	ctx := context.Background()
	res, err := h.orch.RunTurn(ctx, TurnRequest{UserID: "alice", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.orch.RunTurn(ctx, TurnRequest{ConversationID: res.ConversationID, UserID: "bob", Message: "hi"})
	if apperr.From(err).Code != apperr.CodeNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jitter = %v", d)
		}
	}
	if jitter(0) != 0 {
		t.Fatal("zero backoff should stay zero")
	}
}

func TestRunTurn_UnknownToolContinues(t *testing.T) {
	oracle := &scriptedOracle{steps: []func(OracleRequest) (*OracleReply, error){
		call("drop_db", map[string]any{}),
		say("I can't do that."),
	}}
	h := newHarness(t, oracle, testLimits(), nil)

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{UserID: "alice", Message: "drop everything"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.AssistantMessage != "I can't do that." {
		t.Fatalf("reply = %q", res.AssistantMessage)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	got := res.ToolCalls[0]
	if got.ToolName != "drop_db" || got.Result.Success || got.Result.ErrorCode() != apperr.CodeUnknownTool {
		t.Fatalf("record = %+v", got)
	}
	// The failed call is reported back to the oracle before it answers.
	if resp := oracle.Request(1).Messages; resp[len(resp)-1].Role != RoleTool {
		t.Fatalf("second request did not carry the tool response: %+v", resp[len(resp)-1])
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []bus.TurnEvent
}

func (p *recordingPublisher) Publish(topic string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if ev, ok := payload.(bus.TurnEvent); ok {
		p.events = append(p.events, ev)
	}
}

func (p *recordingPublisher) last(t *testing.T) (string, bus.TurnEvent) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.topics) == 0 {
		t.Fatal("nothing published")
	}
	return p.topics[len(p.topics)-1], p.events[len(p.events)-1]
}

func TestRunTurn_InterruptedBeforeToolPublishesFailure(t *testing.T) {
	listReq := &OracleReply{ToolRequests: []ToolRequest{{ID: "l1", Name: tools.ToolListTasks, Arguments: map[string]any{}}}}

	t.Run("deadline", func(t *testing.T) {
		waitOut := OracleFunc(func(ctx context.Context, _ OracleRequest) (*OracleReply, error) {
			<-ctx.Done()
			return listReq, nil
		})
		lim := testLimits()
		lim.TurnTimeout = 200 * time.Millisecond
		h := newHarness(t, waitOut, lim, nil)
		pub := &recordingPublisher{}
		h.orch.pub = pub

		_, err := h.orch.RunTurn(context.Background(), TurnRequest{UserID: "alice", Message: "list"})
		if apperr.CodeOf(err) != apperr.CodeTimeout {
			t.Fatalf("err = %v, want TIMEOUT", err)
		}
		topic, ev := pub.last(t)
		if topic != bus.TopicTurnFailed || ev.ErrorCode != string(apperr.CodeTimeout) {
			t.Fatalf("published %s %+v", topic, ev)
		}
	})

	t.Run("caller gone", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		hangUp := OracleFunc(func(context.Context, OracleRequest) (*OracleReply, error) {
			cancel()
			return listReq, nil
		})
		h := newHarness(t, hangUp, testLimits(), nil)
		pub := &recordingPublisher{}
		h.orch.pub = pub

		_, err := h.orch.RunTurn(ctx, TurnRequest{UserID: "alice", Message: "list"})
		if err == nil || apperr.CodeOf(err) == apperr.CodeTimeout {
			t.Fatalf("err = %v, want a non-timeout failure", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v does not wrap context.Canceled", err)
		}
		topic, ev := pub.last(t)
		if topic != bus.TopicTurnFailed || ev.ErrorCode != string(apperr.CodeInternal) {
			t.Fatalf("published %s %+v", topic, ev)
		}
		var n int
		if err := h.store.DB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("%d messages persisted after cancel, want 0", n)
		}
	})
}
