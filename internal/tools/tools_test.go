package tools

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/basket/taskclaw/internal/apperr"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echo " + name,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "minLength": 1, "maxLength": 5},
			},
			"required": []any{"text"},
		},
		Handler: func(_ context.Context, c Caller, args map[string]any) (any, error) {
			return OK(c.UserID+":"+args["text"].(string), nil), nil
		},
	}
}

func TestRegister_DuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(echoTool("echo"))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("err = %v, want ErrDuplicateTool", err)
	}
}

func TestRegister_BadSchema(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("broken")
	tool.Schema = map[string]any{"type": "no-such-type"}
	if err := r.Register(tool); err == nil {
		t.Fatal("expected schema compile error")
	}
	if len(r.Names()) != 0 {
		t.Fatalf("names = %v, want none", r.Names())
	}
}

func TestListSchemas_SortedAndCopied(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(n)); err != nil {
			t.Fatal(err)
		}
	}
	schemas := r.ListSchemas()
	var names []string
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "mid", "zeta"}) {
		t.Fatalf("names = %v", names)
	}

	props := schemas[0].InputSchema["properties"].(map[string]any)
	text := props["text"].(map[string]any)
	if text["maxLength"] != float64(5) {
		t.Fatalf("maxLength = %#v, want 5", text["maxLength"])
	}
	text["maxLength"] = float64(999)
	again := r.ListSchemas()[0].InputSchema["properties"].(map[string]any)["text"].(map[string]any)
	if again["maxLength"] != float64(5) {
		t.Fatal("mutating a listed schema changed the registry")
	}

	defs := r.ToolDefinitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[0].InputSchema["type"] != "object" {
		t.Fatalf("tool definitions = %+v", defs)
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Invoke(context.Background(), "drop_tables", nil, Caller{UserID: "u"})
	if res.Success || res.ErrorCode() != apperr.CodeUnknownTool {
		t.Fatalf("res = %+v", res)
	}
	if strings.Contains(res.Message, "drop_tables") {
		t.Fatalf("message echoes the requested name: %q", res.Message)
	}
}

func TestInvoke_ValidatesTrimmedArgs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	c := Caller{UserID: "u1"}

	res := r.Invoke(ctx, "echo", map[string]any{"text": "  hi  "}, c)
	if !res.Success || res.Message != "u1:hi" {
		t.Fatalf("res = %+v", res)
	}

	for _, args := range []map[string]any{
		{},
		{"text": "    "},
		{"text": "toolong"},
		{"text": 42},
	} {
		res := r.Invoke(ctx, "echo", args, c)
		if res.Success || res.ErrorCode() != apperr.CodeValidation {
			t.Fatalf("args %v: res = %+v", args, res)
		}
	}
}

func TestInvoke_UnexpectedErrorsAreGeneric(t *testing.T) {
	r := NewRegistry()
	must := func(tool Tool) {
		t.Helper()
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	must(Tool{Name: "db_down", Handler: func(context.Context, Caller, map[string]any) (any, error) {
		return nil, errors.New("sqlite: database is locked at /var/lib/secret.db")
	}})
	must(Tool{Name: "boom", Handler: func(context.Context, Caller, map[string]any) (any, error) {
		panic("nil map write")
	}})
	must(Tool{Name: "domain", Handler: func(context.Context, Caller, map[string]any) (any, error) {
		return nil, apperr.Ownership("task")
	}})

	ctx := context.Background()
	for _, name := range []string{"db_down", "boom"} {
		res := r.Invoke(ctx, name, nil, Caller{UserID: "u"})
		if res.Success || res.ErrorCode() != apperr.CodeToolExecution {
			t.Fatalf("%s: res = %+v", name, res)
		}
		if strings.Contains(res.Message, "sqlite") || strings.Contains(res.Message, "nil map") {
			t.Fatalf("%s leaked detail: %q", name, res.Message)
		}
	}

	res := r.Invoke(ctx, "domain", nil, Caller{UserID: "u"})
	if res.ErrorCode() != apperr.CodeNotFound || res.Message != "task not found" {
		t.Fatalf("ownership should render as not found: %+v", res)
	}
}
