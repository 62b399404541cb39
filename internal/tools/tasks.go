package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/bus"
	"github.com/basket/taskclaw/internal/persistence"
)

const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 5000
)

// Tool names.
const (
	ToolAddTask      = "add_task"
	ToolListTasks    = "list_tasks"
	ToolCompleteTask = "complete_task"
	ToolUpdateTask   = "update_task"
	ToolDeleteTask   = "delete_task"
)

// TaskStore is the slice of persistence the task tools need. Every method is
// scoped by user id.
type TaskStore interface {
	CreateTask(ctx context.Context, userID, title, description string) (*persistence.Task, error)
	ListTasks(ctx context.Context, userID string, filter persistence.TaskFilter) ([]persistence.Task, error)
	GetTask(ctx context.Context, userID, id string) (*persistence.Task, error)
	CompleteTask(ctx context.Context, userID, id string) (*persistence.Task, bool, error)
	UpdateTask(ctx context.Context, userID, id string, patch persistence.TaskPatch) (*persistence.Task, error)
	DeleteTask(ctx context.Context, userID, id string) (*persistence.Task, error)
}

// Publisher receives committed task changes.
type Publisher interface {
	Publish(topic string, payload any)
}

type taskTools struct {
	store TaskStore
	pub   Publisher
}

var taskRefProps = map[string]any{
	"task_id": map[string]any{
		"type":        "string",
		"description": "Exact task id, as returned by list_tasks or add_task.",
		"minLength":   1,
	},
	"task_ref": map[string]any{
		"type":        "string",
		"description": "Free-text reference to the task title when the id is not known, e.g. \"dentist\".",
		"minLength":   1,
		"maxLength":   MaxTitleLen,
	},
}

func withRef(extra map[string]any) map[string]any {
	props := map[string]any{}
	for k, v := range taskRefProps {
		props[k] = v
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

// RegisterTaskTools registers the five task tools on reg. pub may be nil.
func RegisterTaskTools(reg *Registry, store TaskStore, pub Publisher) error {
	tt := &taskTools{store: store, pub: pub}
	defs := []Tool{
		{
			Name:        ToolAddTask,
			Description: "Create a new task for the user. Returns the created task including its id.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Short title of the task.",
						"minLength":   1,
						"maxLength":   MaxTitleLen,
					},
					"description": map[string]any{
						"type":        "string",
						"description": "Optional longer description.",
						"maxLength":   MaxDescriptionLen,
					},
				},
				"required":             []any{"title"},
				"additionalProperties": false,
			},
			Handler: tt.add,
		},
		{
			Name:        ToolListTasks,
			Description: "List the user's tasks in creation order, optionally filtered by status.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type":        "string",
						"description": "Which tasks to return.",
						"enum":        []any{"all", "pending", "completed"},
						"default":     "all",
					},
				},
				"additionalProperties": false,
			},
			Handler: tt.list,
		},
		{
			Name:        ToolCompleteTask,
			Description: "Mark a task as completed. Identify it by task_id, or by task_ref when only the title is known. Completing an already completed task is harmless.",
			Schema: map[string]any{
				"type":                 "object",
				"properties":           withRef(nil),
				"additionalProperties": false,
			},
			Handler: tt.complete,
		},
		{
			Name:        ToolUpdateTask,
			Description: "Change the title and/or description of a task. Only the provided fields change.",
			Schema: map[string]any{
				"type": "object",
				"properties": withRef(map[string]any{
					"title": map[string]any{
						"type":      "string",
						"minLength": 1,
						"maxLength": MaxTitleLen,
					},
					"description": map[string]any{
						"type":      "string",
						"maxLength": MaxDescriptionLen,
					},
				}),
				"additionalProperties": false,
			},
			Handler: tt.update,
		},
		{
			Name:        ToolDeleteTask,
			Description: "Permanently delete a task. Identify it by task_id, or by task_ref when only the title is known.",
			Schema: map[string]any{
				"type":                 "object",
				"properties":           withRef(nil),
				"additionalProperties": false,
			},
			Handler: tt.delete,
		},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (tt *taskTools) add(ctx context.Context, c Caller, args map[string]any) (any, error) {
	if err := requireCaller(c); err != nil {
		return nil, err
	}
	title := strArg(args, "title")
	desc := strArg(args, "description")
	if err := checkTitle(title); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(desc) > MaxDescriptionLen {
		return nil, apperr.Validation("description must be at most %d characters", MaxDescriptionLen)
	}
	t, err := tt.store.CreateTask(ctx, c.UserID, title, desc)
	if err != nil {
		return nil, storeErr(err)
	}
	tt.publish(bus.TopicTaskCreated, "created", t.UserID, t.ID, t.Title, t)
	return OK(fmt.Sprintf("Added task %q.", t.Title), map[string]any{"task": t}), nil
}

func (tt *taskTools) list(ctx context.Context, c Caller, args map[string]any) (any, error) {
	if err := requireCaller(c); err != nil {
		return nil, err
	}
	status := persistence.TaskFilter(strArg(args, "status"))
	if status == "" {
		status = persistence.FilterAll
	}
	if !status.Valid() {
		return nil, apperr.Validation("status must be one of all, pending, completed")
	}
	tasks, err := tt.store.ListTasks(ctx, c.UserID, status)
	if err != nil {
		return nil, storeErr(err)
	}
	msg := fmt.Sprintf("Found %d %s.", len(tasks), plural(len(tasks), "task", "tasks"))
	if len(tasks) == 0 {
		msg = "No tasks found."
	}
	return OK(msg, map[string]any{
		"tasks":  tasks,
		"count":  len(tasks),
		"status": string(status),
	}), nil
}

func (tt *taskTools) complete(ctx context.Context, c Caller, args map[string]any) (any, error) {
	if err := requireCaller(c); err != nil {
		return nil, err
	}
	target, clarify, err := tt.resolve(ctx, c, args, true)
	if err != nil || clarify != nil {
		return clarify, err
	}
	t, changed, err := tt.store.CompleteTask(ctx, c.UserID, target.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !changed {
		return OK(fmt.Sprintf("Task %q was already completed.", t.Title), map[string]any{
			"task":              t,
			"already_completed": true,
		}), nil
	}
	tt.publish(bus.TopicTaskCompleted, "completed", t.UserID, t.ID, t.Title, t)
	return OK(fmt.Sprintf("Completed task %q.", t.Title), map[string]any{
		"task":              t,
		"already_completed": false,
	}), nil
}

func (tt *taskTools) update(ctx context.Context, c Caller, args map[string]any) (any, error) {
	if err := requireCaller(c); err != nil {
		return nil, err
	}
	var patch persistence.TaskPatch
	if v, ok := args["title"].(string); ok {
		if err := checkTitle(v); err != nil {
			return nil, err
		}
		patch.Title = &v
	}
	if v, ok := args["description"].(string); ok {
		if utf8.RuneCountInString(v) > MaxDescriptionLen {
			return nil, apperr.Validation("description must be at most %d characters", MaxDescriptionLen)
		}
		patch.Description = &v
	}
	if patch.Title == nil && patch.Description == nil {
		return nil, apperr.Validation("provide a new title or description")
	}
	target, clarify, err := tt.resolve(ctx, c, args, false)
	if err != nil || clarify != nil {
		return clarify, err
	}
	t, err := tt.store.UpdateTask(ctx, c.UserID, target.ID, patch)
	if err != nil {
		return nil, storeErr(err)
	}
	tt.publish(bus.TopicTaskUpdated, "updated", t.UserID, t.ID, t.Title, t)
	return OK(fmt.Sprintf("Updated task %q.", t.Title), map[string]any{"task": t}), nil
}

func (tt *taskTools) delete(ctx context.Context, c Caller, args map[string]any) (any, error) {
	if err := requireCaller(c); err != nil {
		return nil, err
	}
	target, clarify, err := tt.resolve(ctx, c, args, false)
	if err != nil || clarify != nil {
		return clarify, err
	}
	t, err := tt.store.DeleteTask(ctx, c.UserID, target.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	tt.publish(bus.TopicTaskDeleted, "deleted", t.UserID, t.ID, t.Title, nil)
	return OK(fmt.Sprintf("Deleted task %q.", t.Title), map[string]any{
		"task_id": t.ID,
		"title":   t.Title,
	}), nil
}

// resolve finds the task named by task_id or task_ref. A non-nil *Result is
// a clarification request; nothing should be mutated in that case.
func (tt *taskTools) resolve(ctx context.Context, c Caller, args map[string]any, preferPending bool) (*persistence.Task, *Result, error) {
	if id := strArg(args, "task_id"); id != "" {
		t, err := tt.store.GetTask(ctx, c.UserID, id)
		if err != nil {
			return nil, nil, storeErr(err)
		}
		return t, nil, nil
	}
	ref := strArg(args, "task_ref")
	if ref == "" {
		return nil, nil, apperr.Validation("task_id or task_ref is required")
	}
	all, err := tt.store.ListTasks(ctx, c.UserID, persistence.FilterAll)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	matches := MatchTasks(all, ref)
	if preferPending {
		matches = preferOpen(matches)
	}
	switch len(matches) {
	case 0:
		return nil, nil, apperr.NotFound("task")
	case 1:
		return &matches[0], nil, nil
	}
	res := Clarify(clarifyQuestion(matches), candidates(matches))
	return nil, &res, nil
}

// MatchTasks returns the tasks whose title matches ref, using the first tier
// that yields anything: exact, then substring, then all words present. The
// comparison ignores case.
func MatchTasks(tasks []persistence.Task, ref string) []persistence.Task {
	needle := strings.ToLower(strings.TrimSpace(ref))
	if needle == "" {
		return nil
	}
	words := strings.Fields(needle)
	tiers := []func(title string) bool{
		func(title string) bool { return title == needle },
		func(title string) bool { return strings.Contains(title, needle) },
		func(title string) bool {
			for _, w := range words {
				if !strings.Contains(title, w) {
					return false
				}
			}
			return true
		},
	}
	for _, match := range tiers {
		var out []persistence.Task
		for _, t := range tasks {
			if match(strings.ToLower(t.Title)) {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func preferOpen(matches []persistence.Task) []persistence.Task {
	var open []persistence.Task
	for _, t := range matches {
		if !t.Completed {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return matches
	}
	return open
}

func clarifyQuestion(matches []persistence.Task) string {
	quoted := make([]string, len(matches))
	for i, t := range matches {
		quoted[i] = fmt.Sprintf("%q", t.Title)
	}
	var list string
	if len(quoted) == 2 {
		list = quoted[0] + " or " + quoted[1]
	} else {
		list = strings.Join(quoted[:len(quoted)-1], ", ") + ", or " + quoted[len(quoted)-1]
	}
	return fmt.Sprintf("I found %d matching tasks: %s. Which one did you mean?", len(matches), list)
}

func candidates(matches []persistence.Task) []Candidate {
	out := make([]Candidate, len(matches))
	for i, t := range matches {
		out[i] = Candidate{ID: t.ID, Title: t.Title, Completed: t.Completed}
	}
	return out
}

func (tt *taskTools) publish(topic, kind, userID, taskID, title string, task *persistence.Task) {
	if tt.pub == nil {
		return
	}
	ev := bus.TaskEvent{UserID: userID, TaskID: taskID, Title: title, Kind: kind, At: time.Now().UTC()}
	if task != nil {
		ev.Task = *task
	}
	tt.pub.Publish(topic, ev)
}

func requireCaller(c Caller) error {
	if strings.TrimSpace(c.UserID) == "" {
		return apperr.Wrap(apperr.CodeToolExecution, "", errors.New("tool invoked without a caller identity"))
	}
	return nil
}

func checkTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return apperr.Validation("title must not be blank")
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return apperr.Validation("title must be at most %d characters", MaxTitleLen)
	}
	return nil
}

// storeErr maps persistence failures onto the tool error vocabulary.
func storeErr(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return apperr.NotFound("task")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.CodeToolExecution, "", err)
}

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
