package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/basket/taskclaw/internal/tools"
)

func TestToGenkitMessages_RolesAndParts(t *testing.T) {
	msgs := toGenkitMessages("be brief", []OracleMessage{
		{Role: RoleUser, Text: "show my tasks"},
		{Role: RoleAssistant, ToolRequests: []ToolRequest{{ID: "c1", Name: "list_tasks", Arguments: map[string]any{"status": "all"}}}},
		{Role: RoleTool, ToolResponses: []ToolResponse{{ID: "c1", Name: "list_tasks", Result: tools.OK("Found 0 tasks.", nil)}}},
		{Role: RoleAssistant},
	})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4 (empty assistant skipped)", len(msgs))
	}
	wantRoles := []ai.Role{ai.RoleSystem, ai.RoleUser, ai.RoleModel, ai.RoleTool}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Fatalf("msg %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	req := msgs[2].Content[0]
	if !req.IsToolRequest() || req.ToolRequest.Name != "list_tasks" || req.ToolRequest.Ref != "c1" {
		t.Fatalf("tool request part = %+v", req)
	}
	resp := msgs[3].Content[0]
	if !resp.IsToolResponse() {
		t.Fatalf("tool response part = %+v", resp)
	}
	out, ok := resp.ToolResponse.Output.(map[string]any)
	if !ok || out["success"] != true {
		t.Fatalf("tool output = %#v", resp.ToolResponse.Output)
	}
}

func TestFromGenkitResponse(t *testing.T) {
	resp := &ai.ModelResponse{Message: &ai.Message{
		Role: ai.RoleModel,
		Content: []*ai.Part{
			ai.NewToolRequestPart(&ai.ToolRequest{Name: "complete_task", Input: `{"task_id":"t1"}`}),
			ai.NewToolRequestPart(&ai.ToolRequest{Name: "list_tasks", Ref: "r2", Input: map[string]any{}}),
		},
	}}
	reply, err := fromGenkitResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.ToolRequests) != 2 {
		t.Fatalf("requests = %+v", reply.ToolRequests)
	}
	first := reply.ToolRequests[0]
	if first.ID != "call_1" || first.Arguments["task_id"] != "t1" {
		t.Fatalf("first = %+v", first)
	}
	if reply.ToolRequests[1].ID != "r2" {
		t.Fatalf("second id = %q", reply.ToolRequests[1].ID)
	}

	bad := &ai.ModelResponse{Message: &ai.Message{
		Role:    ai.RoleModel,
		Content: []*ai.Part{ai.NewToolRequestPart(&ai.ToolRequest{Name: "add_task", Input: "{not json"})},
	}}
	if _, err := fromGenkitResponse(bad); !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("err = %v, want ErrMalformedReply", err)
	}
}

func TestNewGenkitOracle_RequiresKeyAndKnownProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewGenkitOracle(context.Background(), ProviderSpec{Provider: "anthropic", Model: "claude"}, nil); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := NewGenkitOracle(context.Background(), ProviderSpec{Provider: "telepathy", Model: "x", APIKey: "k"}, nil); err == nil {
		t.Fatal("expected unknown provider error")
	}
	if _, err := NewGenkitOracle(context.Background(), ProviderSpec{Provider: "openai_compatible", Model: "x", APIKey: "k"}, nil); err == nil {
		t.Fatal("expected openai_compatible config error")
	}
}
