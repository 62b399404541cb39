package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskclaw/internal/bus"
)

// ActivityItem is one task change shown under the chat.
type ActivityItem struct {
	Icon    string
	Message string
	At      time.Time
}

// ActivityFeed keeps the most recent task changes.
type ActivityFeed struct {
	mu       sync.Mutex
	items    []ActivityItem
	maxItems int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 5}
}

var kindIcons = map[string]string{
	"created":   "+",
	"completed": "✓",
	"updated":   "~",
	"deleted":   "-",
}

// AddEvent records a task event. Other payloads are ignored.
func (f *ActivityFeed) AddEvent(ev bus.Event) {
	te, ok := ev.Payload.(bus.TaskEvent)
	if !ok {
		return
	}
	icon := kindIcons[te.Kind]
	if icon == "" {
		icon = "•"
	}
	at := te.At
	if at.IsZero() {
		at = time.Now()
	}
	f.Add(ActivityItem{Icon: icon, Message: fmt.Sprintf("%s %s", te.Kind, te.Title), At: at})
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops items older than maxAge and reports how many went.
func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if now.Sub(it.At) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Recent changes ──") + "\n")
	for _, it := range f.items {
		out.WriteString(itemS.Render(fmt.Sprintf("%s %s", it.Icon, it.Message)))
		out.WriteString(dim.Render(" " + it.At.Local().Format("15:04")))
		out.WriteString("\n")
	}
	return out.String()
}
