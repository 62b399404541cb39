package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/taskclaw/internal/tools"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"
)

// ProviderSpec selects one model backend.
type ProviderSpec struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible",
	// "openrouter", "ollama".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// CompatibleProvider names an openai_compatible backend. It becomes the
	// prefix of the registered model name.
	CompatibleProvider string
}

// GenkitOracle drives a single model through genkit. Tool execution stays
// with the caller: the model only proposes tool requests.
type GenkitOracle struct {
	g        *genkit.Genkit
	provider string
	model    string
	logger   *slog.Logger
}

// NewGenkitOracle initializes genkit with the plugin for ps.Provider.
func NewGenkitOracle(ctx context.Context, ps ProviderSpec, logger *slog.Logger) (*GenkitOracle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(ps.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(ps.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" && provider != "ollama" {
		return nil, fmt.Errorf("genkit oracle: no API key for provider %q", provider)
	}
	model := strings.TrimSpace(ps.Model)
	if model == "" {
		return nil, fmt.Errorf("genkit oracle: no model for provider %q", provider)
	}

	var (
		g    *genkit.Genkit
		name string
	)
	switch provider {
	case "anthropic":
		baseURL := ps.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: baseURL,
		}))
		name = "anthropic/" + model

	case "openai":
		baseURL := ps.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
		name = "openai/" + model

	case "openai_compatible":
		if ps.CompatibleProvider == "" || ps.BaseURL == "" {
			return nil, fmt.Errorf("genkit oracle: openai_compatible needs compatible_provider and base_url")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: ps.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  ps.BaseURL,
		}))
		name = ps.CompatibleProvider + "/" + model

	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  openRouterBaseURL,
		}))
		name = "openrouter/" + model

	case "ollama":
		baseURL := ps.BaseURL
		if baseURL == "" {
			baseURL = ollamaBaseURL
		}
		if apiKey == "" {
			apiKey = "ollama"
		}
		if !detectOllamaTools(baseURL, model) {
			logger.Warn("ollama model may not support tool calling; task tools will be unreliable", "model", model)
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "ollama",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
		name = "ollama/" + strings.TrimPrefix(model, "ollama/")

	case "google":
		// The googlegenai plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
		name = "googleai/" + model

	default:
		return nil, fmt.Errorf("genkit oracle: unknown provider %q", provider)
	}

	logger.Info("genkit oracle initialized", "provider", provider, "model", name)
	return &GenkitOracle{g: g, provider: provider, model: name, logger: logger}, nil
}

// Name returns the provider-qualified model name.
func (o *GenkitOracle) Name() string { return o.model }

func (o *GenkitOracle) Next(ctx context.Context, req OracleRequest) (*OracleReply, error) {
	m := genkit.LookupModel(o.g, o.model)
	if m == nil {
		return nil, fmt.Errorf("genkit: model %s is not available", o.model)
	}
	mreq := &ai.ModelRequest{
		Messages: toGenkitMessages(req.System, req.Messages),
		Tools:    tools.ToolDefinitions(req.Tools),
	}
	resp, err := m.Generate(ctx, mreq, nil)
	if err != nil {
		return nil, fmt.Errorf("genkit generate %s: %w", o.model, err)
	}
	if resp == nil || resp.Message == nil {
		return nil, fmt.Errorf("genkit generate %s: %w", o.model, ErrMalformedReply)
	}
	return fromGenkitResponse(resp)
}

func toGenkitMessages(system string, msgs []OracleMessage) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, ai.NewSystemTextMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, ai.NewUserTextMessage(m.Text))
		case RoleAssistant:
			var parts []*ai.Part
			if m.Text != "" {
				parts = append(parts, ai.NewTextPart(m.Text))
			}
			for _, tr := range m.ToolRequests {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Name:  tr.Name,
					Ref:   tr.ID,
					Input: tr.Arguments,
				}))
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &ai.Message{Role: ai.RoleModel, Content: parts})
		case RoleTool:
			parts := make([]*ai.Part, 0, len(m.ToolResponses))
			for _, tr := range m.ToolResponses {
				parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
					Name:   tr.Name,
					Ref:    tr.ID,
					Output: resultOutput(tr.Result),
				}))
			}
			out = append(out, &ai.Message{Role: ai.RoleTool, Content: parts})
		}
	}
	return out
}

// resultOutput renders a Result as a plain JSON object, which every provider
// plugin accepts as tool output.
func resultOutput(r tools.Result) map[string]any {
	raw, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"success": r.Success, "message": r.Message}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"success": r.Success, "message": r.Message}
	}
	return out
}

func fromGenkitResponse(resp *ai.ModelResponse) (*OracleReply, error) {
	reply := &OracleReply{Text: resp.Text()}
	for i, tr := range resp.ToolRequests() {
		if tr == nil || tr.Name == "" {
			return nil, ErrMalformedReply
		}
		args, err := toolInput(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("tool %s arguments: %w", tr.Name, ErrMalformedReply)
		}
		id := tr.Ref
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		reply.ToolRequests = append(reply.ToolRequests, ToolRequest{ID: id, Name: tr.Name, Arguments: args})
	}
	return reply, nil
}

// toolInput normalizes the provider's argument payload into an object.
func toolInput(in any) (map[string]any, error) {
	switch v := in.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}
