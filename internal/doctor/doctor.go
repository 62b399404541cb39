package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskclaw/internal/config"
	"github.com/basket/taskclaw/internal/cron"
	"github.com/basket/taskclaw/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. Network lookups are skipped when
// offline is set.
func Run(ctx context.Context, cfg *config.Config, version string, offline bool) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuth,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkMaintenance,
	}
	if !offline {
		checks = append(checks, checkNetwork)
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml; using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Auth.Keys) == 0 {
		return CheckResult{
			Name:    "Auth",
			Status:  "WARN",
			Message: "No api keys configured; the X-User-ID header is trusted",
			Detail:  "Add auth.api_keys to config.yaml before exposing the gateway",
		}
	}
	users := map[string]bool{}
	for _, k := range cfg.Auth.Keys {
		users[k.UserID] = true
	}
	return CheckResult{Name: "Auth", Status: "PASS", Message: fmt.Sprintf("%d api keys for %d users", len(cfg.Auth.Keys), len(users))}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	type entry struct{ provider, key string }
	all := []entry{{cfg.LLM.Provider, cfg.LLM.APIKey}}
	for _, fb := range cfg.LLM.Fallbacks {
		all = append(all, entry{fb.Provider, fb.APIKey})
	}

	var missing []string
	for _, e := range all {
		if e.provider == "ollama" || e.provider == "openai_compatible" {
			continue
		}
		if config.ProviderAPIKey(e.provider, e.key) == "" {
			missing = append(missing, e.provider)
		}
	}
	if len(missing) == 0 {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Keys present for %d providers", len(all))}
	}
	status := "WARN"
	if missing[0] == cfg.LLM.Provider {
		// The primary provider cannot start without a key.
		status = "FAIL"
	}
	return CheckResult{
		Name:    "API Key",
		Status:  status,
		Message: "No API key for " + strings.Join(missing, ", "),
		Detail:  "Set llm.api_key in config.yaml or the provider's environment variable",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	applied, err := store.AppliedSchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if applied != persistence.SchemaVersion() {
		return CheckResult{
			Name:    "Database",
			Status:  "FAIL",
			Message: fmt.Sprintf("Schema version %d, binary expects %d", applied, persistence.SchemaVersion()),
		}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema version %d", applied), Detail: cfg.DBPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkMaintenance(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Maintenance", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Maintenance.Enabled {
		return CheckResult{Name: "Maintenance", Status: "WARN", Message: "Scheduled maintenance disabled"}
	}
	if err := cron.ValidateSchedule(cfg.Maintenance.Schedule); err != nil {
		return CheckResult{Name: "Maintenance", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Maintenance", Status: "PASS", Message: "Schedule " + cfg.Maintenance.Schedule}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}

	endpoints := map[string]string{
		"google":     "generativelanguage.googleapis.com",
		"anthropic":  "api.anthropic.com",
		"openai":     "api.openai.com",
		"openrouter": "openrouter.ai",
	}

	host, ok := endpoints[provider]
	if !ok {
		// Self-hosted providers resolve through base_url.
		if cfg.LLM.BaseURL == "" {
			return CheckResult{Name: "Network", Status: "SKIP", Message: fmt.Sprintf("No well-known endpoint for %q", provider)}
		}
		host = hostOf(cfg.LLM.BaseURL)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func hostOf(baseURL string) string {
	s := baseURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
