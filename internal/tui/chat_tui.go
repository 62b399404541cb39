package tui

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskclaw/internal/bus"
	"github.com/basket/taskclaw/internal/engine"
	"github.com/basket/taskclaw/internal/shared"
)

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleSystem    chatRole = "system"
)

const activityMaxAge = 2 * time.Minute

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type chatEntry struct {
	role  chatRole
	text  string
	tools string
	err   bool
}

type turnReplyMsg struct {
	res *engine.TurnResult
	err error
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

type cleanupTickMsg struct{}

type taskEventMsg struct {
	event bus.Event
}

type chatModel struct {
	ctx context.Context
	cc  ChatConfig

	conversationID string

	width  int
	height int

	history    []chatEntry
	thinking   bool
	spinnerIdx int

	input  []rune
	cursor int // rune index within input

	// Input history navigation (Up/Down).
	inputHistory []string
	histIdx      int    // 0..len(inputHistory); len = editing new line
	histSaved    string // current draft before entering history

	feed *ActivityFeed
	sub  *bus.Subscription
}

func newChatModel(ctx context.Context, cc ChatConfig) chatModel {
	m := chatModel{
		ctx:  ctx,
		cc:   cc,
		feed: NewActivityFeed(),
	}
	if cc.EventBus != nil {
		m.sub = cc.EventBus.SubscribeUser("task.", cc.UserID)
	}
	m.history = append(m.history, chatEntry{
		role: chatRoleSystem,
		text: fmt.Sprintf("Signed in as %s. Type /help for commands.", cc.UserID),
	})
	return m
}

func runChatTUI(ctx context.Context, m chatModel, cancel context.CancelFunc) error {
	// Restore the terminal even if the program is interrupted mid-render.
	defer bestEffortResetTTY()
	if m.sub != nil {
		defer m.cc.EventBus.Unsubscribe(m.sub)
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cancel != nil {
		cancel()
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), cleanupTickCmd()}
	if m.sub != nil {
		cmds = append(cmds, waitForTaskEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func cleanupTickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(time.Time) tea.Msg { return cleanupTickMsg{} })
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}

// waitForTaskEvent blocks until a task event arrives on the subscription.
func waitForTaskEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return taskEventMsg{event: ev}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case taskEventMsg:
		m.feed.AddEvent(msg.event)
		return m, waitForTaskEvent(m.sub)

	case cleanupTickMsg:
		m.feed.CleanupOld(activityMaxAge)
		return m, cleanupTickCmd()

	case turnReplyMsg:
		m.thinking = false
		if msg.err != nil {
			if m.ctx.Err() != nil {
				return m, tea.Quit
			}
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: humanError(msg.err), err: true})
			return m, nil
		}
		m.conversationID = msg.res.ConversationID
		m.history = append(m.history, chatEntry{
			role:  chatRoleAssistant,
			text:  msg.res.AssistantMessage,
			tools: toolSummary(msg.res.ToolCalls),
		})
		return m, nil

	case spinnerTickMsg:
		if m.thinking {
			m.spinnerIdx++
			return m, waitForSpinner()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter", "ctrl+m", "ctrl+j":
		return m.submit()

	case "up", "ctrl+p":
		return m.historyPrev(), nil
	case "down", "ctrl+n":
		return m.historyNext(), nil

	case "backspace":
		m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
	case "delete":
		m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
	case " ":
		// Some terminals report space as KeySpace (not KeyRunes).
		m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
	case "left", "ctrl+b":
		if m.cursor > 0 {
			m.cursor--
		}
	case "right", "ctrl+f":
		if m.cursor < len(m.input) {
			m.cursor++
		}
	case "home", "ctrl+a":
		m.cursor = 0
	case "end", "ctrl+e":
		m.cursor = len(m.input)
	case "ctrl+k":
		if m.cursor < len(m.input) {
			m.input = append([]rune(nil), m.input[:m.cursor]...)
		}
	case "ctrl+u":
		m.input = nil
		m.cursor = 0
	case "ctrl+w", "alt+backspace":
		m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
	default:
		// Typing stays possible while a turn is running; only Enter waits.
		if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
			filtered := make([]rune, 0, len(msg.Runes))
			for _, r := range msg.Runes {
				if r < 0x20 && r != '\t' {
					continue
				}
				filtered = append(filtered, r)
			}
			if len(filtered) > 0 {
				m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
			}
		}
	}
	return m, nil
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	if m.thinking {
		return m, nil
	}
	line := strings.TrimSpace(string(m.input))
	m.input = nil
	m.cursor = 0
	if line == "" {
		return m, nil
	}
	m.inputHistory = append(m.inputHistory, line)
	m.histIdx = len(m.inputHistory)
	m.histSaved = ""

	if strings.HasPrefix(line, "/") {
		var buf bytes.Buffer
		res := handleCommand(m.ctx, line, m.cc, &buf)
		if out := strings.TrimRight(buf.String(), "\n"); out != "" {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: out})
		}
		if res.reset {
			m.conversationID = ""
		}
		if res.quit {
			return m, tea.Quit
		}
		return m, nil
	}

	m.history = append(m.history, chatEntry{role: chatRoleUser, text: line})
	m.thinking = true
	return m, tea.Batch(respondCmd(m.ctx, m.cc, m.conversationID, line), waitForSpinner())
}

func respondCmd(ctx context.Context, cc ChatConfig, conversationID, text string) tea.Cmd {
	return func() tea.Msg {
		if cc.Turns == nil {
			return turnReplyMsg{err: fmt.Errorf("chat is not configured")}
		}
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(ctx, traceID)
		res, err := cc.Turns.RunTurn(ctx, engine.TurnRequest{
			ConversationID: conversationID,
			UserID:         cc.UserID,
			Message:        text,
		})
		if err != nil {
			slog.Warn("tui: turn failed", "user_id", cc.UserID, "trace_id", traceID, "error", err)
		}
		return turnReplyMsg{res: res, err: err}
	}
}

func (m chatModel) View() string {
	var b strings.Builder

	title := "taskclaw"
	if m.cc.ModelName != "" {
		title += " · " + m.cc.ModelName
	}
	b.WriteString(headerStyle.Render(title) + "\n")
	b.WriteString(systemStyle.Render("Type a message. /help for commands, Ctrl+D or /quit to exit.") + "\n\n")

	activity := m.feed.View()
	reserved := 6 + strings.Count(activity, "\n")
	hLines := m.renderHistoryLines()
	available := m.height - reserved
	if available < 3 {
		available = 3
	}
	if len(hLines) > available {
		hLines = hLines[len(hLines)-available:]
	}
	for _, l := range hLines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(renderCursor(string(m.input), m.cursor))
	b.WriteString("\n")
	if m.thinking {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(systemStyle.Render(spin+" thinking...") + "\n")
	} else {
		b.WriteString("\n")
	}
	b.WriteString(activity)
	return b.String()
}

func (m chatModel) renderHistoryLines() []string {
	lines := make([]string, 0, len(m.history)*2)
	for _, e := range m.history {
		var (
			prefix string
			style  lipgloss.Style
		)
		switch e.role {
		case chatRoleUser:
			prefix, style = "You: ", userStyle
		case chatRoleAssistant:
			prefix, style = "taskclaw: ", assistantStyle
		default:
			style = systemStyle
			if e.err {
				prefix, style = "! ", errorStyle
			}
		}
		for _, l := range m.wrapWithPrefix(e.text, prefix) {
			lines = append(lines, style.Render(l))
		}
		if e.tools != "" {
			lines = append(lines, systemStyle.Render("  ("+e.tools+")"))
		}
	}
	return lines
}

func (m chatModel) wrapWithPrefix(text, prefix string) []string {
	width := m.width - len([]rune(prefix))
	if m.width <= 0 {
		width = 0
	} else if width < 10 {
		width = 10
	}

	var result []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		for width > 0 && len(runes) > width {
			result = append(result, prefix+string(runes[:width]))
			runes = runes[width:]
		}
		result = append(result, prefix+string(runes))
	}
	return result
}

func (m chatModel) historyPrev() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	// First time entering history: capture the current draft.
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m chatModel) historyNext() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}

func renderCursor(s string, pos int) string {
	runes := []rune(s)
	if pos >= len(runes) {
		return s + "█"
	}
	return string(runes[:pos]) + "█" + string(runes[pos:])
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	cursor = max(0, min(cursor, len(in)))
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	cursor = min(cursor, len(in))
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	cursor = max(0, cursor)
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	cursor = min(cursor, len(in))
	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}
	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
