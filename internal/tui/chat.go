package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/basket/taskclaw/internal/bus"
	"github.com/basket/taskclaw/internal/engine"
	"github.com/basket/taskclaw/internal/persistence"
	"github.com/basket/taskclaw/internal/tools"
)

// TurnRunner executes one conversational turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

// ToolInvoker runs a registered tool directly.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, caller tools.Caller) tools.Result
}

// ChatConfig holds the dependencies for the chat clients.
type ChatConfig struct {
	Turns      TurnRunner
	Tools      ToolInvoker
	EventBus   *bus.Bus // nil = no task activity feed
	UserID     string
	ModelName  string
	CancelFunc context.CancelFunc
}

const helpText = `Commands:
  /tasks [all|pending|completed]  list tasks without asking the assistant
  /new                            start a new conversation
  /help                           show this help
  /quit                           exit`

// RunChat runs the full-screen chat UI on stdin/stdout.
// It blocks until the user types /quit, presses ctrl+d, or ctx is done.
func RunChat(ctx context.Context, cc ChatConfig) error {
	return runChatTUI(ctx, newChatModel(ctx, cc), cc.CancelFunc)
}

// RunLineChat runs a line-oriented REPL. It is used when stdin or stdout is
// not a terminal.
func RunLineChat(ctx context.Context, cc ChatConfig, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	conversationID := ""
	fmt.Fprintf(out, "taskclaw chat as %s. Type /help for commands.\n", cc.UserID)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			res := handleCommand(ctx, line, cc, out)
			if res.reset {
				conversationID = ""
			}
			if res.quit {
				return nil
			}
			continue
		}

		res, err := cc.Turns.RunTurn(ctx, engine.TurnRequest{
			ConversationID: conversationID,
			UserID:         cc.UserID,
			Message:        line,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %s\n", humanError(err))
			continue
		}
		conversationID = res.ConversationID
		fmt.Fprintln(out, res.AssistantMessage)
		if s := toolSummary(res.ToolCalls); s != "" {
			fmt.Fprintf(out, "  (%s)\n", s)
		}
	}
}

type commandResult struct {
	quit  bool
	reset bool
}

// handleCommand processes a slash command, writing any output to out.
func handleCommand(ctx context.Context, line string, cc ChatConfig, out io.Writer) commandResult {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	switch cmd {
	case "/quit", "/exit", "/q":
		return commandResult{quit: true}
	case "/help", "/?":
		fmt.Fprintln(out, helpText)
	case "/new", "/reset":
		fmt.Fprintln(out, "Started a new conversation.")
		return commandResult{reset: true}
	case "/tasks", "/list":
		if cc.Tools == nil {
			fmt.Fprintln(out, "Task listing is not available.")
			break
		}
		args := map[string]any{}
		if len(fields) > 1 {
			args["status"] = strings.ToLower(fields[1])
		}
		res := cc.Tools.Invoke(ctx, tools.ToolListTasks, args, tools.Caller{UserID: cc.UserID})
		if !res.Success {
			fmt.Fprintf(out, "error: %s\n", res.Message)
			break
		}
		fmt.Fprint(out, formatTasks(res))
	default:
		fmt.Fprintf(out, "Unknown command %s. Type /help for commands.\n", fields[0])
	}
	return commandResult{}
}

// formatTasks renders a list_tasks result as a checklist.
func formatTasks(res tools.Result) string {
	data, _ := res.Data.(map[string]any)
	list, _ := data["tasks"].([]persistence.Task)
	if len(list) == 0 {
		return "No tasks.\n"
	}
	var b strings.Builder
	for _, t := range list {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %s\n", mark, t.Title)
		if t.Description != "" {
			fmt.Fprintf(&b, "    %s\n", t.Description)
		}
	}
	return b.String()
}

// toolSummary lists the tools a turn used with their outcome.
func toolSummary(calls []engine.ToolCallRecord) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		mark := "ok"
		if !c.Result.Success {
			mark = strings.ToLower(string(c.Result.ErrorCode()))
		}
		parts = append(parts, c.ToolName+" "+mark)
	}
	return strings.Join(parts, ", ")
}
