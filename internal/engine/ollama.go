package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// ollamaCapabilities asks a local Ollama server, via its native /api/show
// endpoint, what model can do. baseURL is the OpenAI-compatible URL ending
// in /v1.
func ollamaCapabilities(ctx context.Context, client *http.Client, baseURL, model string) ([]string, error) {
	native := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	body, err := json.Marshal(map[string]string{"model": strings.TrimPrefix(model, "ollama/")})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, native+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama show: status %d", resp.StatusCode)
	}
	var show struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return nil, fmt.Errorf("ollama show: %w", err)
	}
	return show.Capabilities, nil
}

// detectOllamaTools reports whether model advertises tool calling. Any
// failure to ask counts as no.
func detectOllamaTools(baseURL, model string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	caps, err := ollamaCapabilities(ctx, http.DefaultClient, baseURL, model)
	if err != nil {
		return false
	}
	return slices.Contains(caps, "tools")
}
