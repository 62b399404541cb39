package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/taskclaw/internal/bus"
)

func TestActivityFeed_AddEvent(t *testing.T) {
	f := NewActivityFeed()
	f.AddEvent(bus.Event{Topic: bus.TopicTaskCreated, Payload: bus.TaskEvent{Kind: "created", Title: "buy milk", At: time.Now()}})
	f.AddEvent(bus.Event{Topic: "other", Payload: "not a task"})

	if f.Len() != 1 {
		t.Fatalf("Len = %d, want 1", f.Len())
	}
	view := f.View()
	if !strings.Contains(view, "+ created buy milk") {
		t.Fatalf("view = %q", view)
	}
}

func TestActivityFeed_KeepsMostRecent(t *testing.T) {
	f := NewActivityFeed()
	for i := 0; i < 8; i++ {
		f.Add(ActivityItem{Icon: "+", Message: string(rune('a' + i)), At: time.Now()})
	}
	if f.Len() != 5 {
		t.Fatalf("Len = %d, want 5", f.Len())
	}
	if view := f.View(); strings.Contains(view, "+ a") || !strings.Contains(view, "+ h") {
		t.Fatalf("view = %q", view)
	}
}

func TestActivityFeed_CleanupOld(t *testing.T) {
	f := NewActivityFeed()
	f.Add(ActivityItem{Icon: "+", Message: "old", At: time.Now().Add(-time.Hour)})
	f.Add(ActivityItem{Icon: "+", Message: "new", At: time.Now()})

	if removed := f.CleanupOld(time.Minute); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if f.Len() != 1 {
		t.Fatalf("Len = %d", f.Len())
	}
	f.CleanupOld(0)
	if f.View() != "" {
		t.Fatalf("empty feed view = %q", f.View())
	}
}
