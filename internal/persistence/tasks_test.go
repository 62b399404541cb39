package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/taskclaw/internal/persistence"
)

func TestTasks_ListOrderAndFilters(t *testing.T) {
	store, _ := openTestStore(t)
	store.SetClock(steppingClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		task, err := store.CreateTask(ctx, "alice", title, "")
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		ids = append(ids, task.ID)
	}
	if _, err := store.CreateTask(ctx, "bob", "bob's", ""); err != nil {
		t.Fatalf("create bob task: %v", err)
	}
	if _, _, err := store.CompleteTask(ctx, "alice", ids[1]); err != nil {
		t.Fatalf("complete: %v", err)
	}

	cases := []struct {
		filter persistence.TaskFilter
		want   []string
	}{
		{persistence.FilterAll, []string{"first", "second", "third"}},
		{persistence.FilterPending, []string{"first", "third"}},
		{persistence.FilterCompleted, []string{"second"}},
	}
	for _, tc := range cases {
		got, err := store.ListTasks(ctx, "alice", tc.filter)
		if err != nil {
			t.Fatalf("list %s: %v", tc.filter, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %d tasks, got %d", tc.filter, len(tc.want), len(got))
		}
		for i := range got {
			if got[i].Title != tc.want[i] {
				t.Fatalf("%s: position %d expected %q got %q", tc.filter, i, tc.want[i], got[i].Title)
			}
		}
	}
}

func TestTasks_ListEmptyIsNotNil(t *testing.T) {
	store, _ := openTestStore(t)
	got, err := store.ListTasks(context.Background(), "nobody", persistence.FilterPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestTasks_CompleteIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	store.SetClock(steppingClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, "alice", "water plants", "")

	first, changed, err := store.CompleteTask(ctx, "alice", task.ID)
	if err != nil || !changed || !first.Completed {
		t.Fatalf("first complete: task=%+v changed=%v err=%v", first, changed, err)
	}
	if !first.UpdatedAt.After(task.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}
	second, changed, err := store.CompleteTask(ctx, "alice", task.ID)
	if err != nil || changed || !second.Completed {
		t.Fatalf("second complete: task=%+v changed=%v err=%v", second, changed, err)
	}
}

func TestTasks_ForeignOwnerLooksMissing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, "alice", "secret", "")
	title := "hijacked"

	checks := map[string]func() error{
		"get": func() error { _, err := store.GetTask(ctx, "bob", task.ID); return err },
		"complete": func() error {
			_, _, err := store.CompleteTask(ctx, "bob", task.ID)
			return err
		},
		"update": func() error {
			_, err := store.UpdateTask(ctx, "bob", task.ID, persistence.TaskPatch{Title: &title})
			return err
		},
		"delete": func() error { _, err := store.DeleteTask(ctx, "bob", task.ID); return err },
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, persistence.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
	got, err := store.GetTask(ctx, "alice", task.ID)
	if err != nil || got.Title != "secret" || got.Completed {
		t.Fatalf("alice's task was modified: %+v err=%v", got, err)
	}
}

func TestTasks_UpdateOnlyProvidedFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, "alice", "draft", "keep me")
	title := "final"
	got, err := store.UpdateTask(ctx, "alice", task.ID, persistence.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "final" || got.Description != "keep me" {
		t.Fatalf("unexpected task after update: %+v", got)
	}
	if _, err := store.UpdateTask(ctx, "alice", task.ID, persistence.TaskPatch{}); err == nil {
		t.Fatalf("expected empty patch to fail")
	}
}

func TestTasks_DeleteIsHard(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, "alice", "temp", "")
	deleted, err := store.DeleteTask(ctx, "alice", task.ID)
	if err != nil || deleted.ID != task.ID {
		t.Fatalf("delete: %+v %v", deleted, err)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, task.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected row removed, found %d", n)
	}
	if _, err := store.DeleteTask(ctx, "alice", task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
