package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskclaw/internal/bus"
	"github.com/basket/taskclaw/internal/channels"
	"github.com/basket/taskclaw/internal/config"
	"github.com/basket/taskclaw/internal/cron"
	"github.com/basket/taskclaw/internal/engine"
	"github.com/basket/taskclaw/internal/gateway"
	"github.com/basket/taskclaw/internal/history"
	otelPkg "github.com/basket/taskclaw/internal/otel"
	"github.com/basket/taskclaw/internal/persistence"
	"github.com/basket/taskclaw/internal/telemetry"
	"github.com/basket/taskclaw/internal/tools"
	"github.com/basket/taskclaw/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: taskclaw [command] [flags]

COMMANDS:
  serve                      Start the HTTP/WebSocket gateway (default)
  chat [--user <id>]         Chat with the assistant from the terminal
  tasks [-user <id>] [-status all|pending|completed]
                             List tasks without going through the assistant
  status                     Query a running server's /healthz
  doctor [-json] [-offline]  Run diagnostic checks
  version                    Print the version

ENVIRONMENT VARIABLES:
  TASKCLAW_HOME              Data directory (default: ~/.taskclaw)
  LLM_PROVIDER, LLM_MODEL    Override the configured model provider
  GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY
  TELEGRAM_BOT_TOKEN         Enables the Telegram bridge when set
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(ctx, args))
	case "chat":
		os.Exit(runChatCommand(ctx, stop, args))
	case "tasks":
		os.Exit(runTasksCommand(ctx, args, os.Stdout))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args, os.Stdout))
	case "version":
		fmt.Println("taskclaw " + Version)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

// app holds the components shared by serve, chat and tasks.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	store    *persistence.Store
	bus      *bus.Bus
	registry *tools.Registry
	history  *history.Reconstructor
	orch     *engine.Orchestrator

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp loads config and opens the store. The oracle and orchestrator are
// only built when withOracle is set, so offline commands need no API key.
func newApp(ctx context.Context, quietLogs, withOracle bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	a.logger = logger
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelPkg.Version = Version
	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.otel = provider
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	})
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics unavailable", "error", err)
		metrics = otelPkg.MustNoopMetrics()
	}
	a.metrics = metrics

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath, "schema_version", persistence.SchemaVersion())

	a.bus = bus.New()
	a.registry = tools.NewRegistry(
		tools.WithLogger(logger),
		tools.WithTracer(provider.Tracer),
		tools.WithMetrics(metrics),
	)
	if err := tools.RegisterTaskTools(a.registry, store, a.bus); err != nil {
		a.Close()
		return nil, fmt.Errorf("register task tools: %w", err)
	}

	if !withOracle {
		return a, nil
	}

	oracle, err := buildOracle(ctx, cfg, store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.history = history.New(store, history.Limits{
		MaxMessages: cfg.History.MaxMessages,
		MaxBytes:    cfg.History.MaxBytes,
	}, logger)
	a.orch = engine.NewOrchestrator(oracle, a.registry, a.history, store,
		engine.LimitsFromConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithTracer(provider.Tracer),
		engine.WithMetrics(metrics),
		engine.WithPublisher(a.bus),
		engine.WithSystemPrompt(cfg.SystemPrompt),
	)
	logger.Info("startup phase", "phase", "engine_ready")
	return a, nil
}

// buildOracle wraps the primary provider and its fallbacks in a
// FailoverOracle. A fallback that fails to initialize is skipped; the
// primary is required.
func buildOracle(ctx context.Context, cfg config.Config, store *persistence.Store, logger *slog.Logger) (engine.Oracle, error) {
	primary, err := engine.NewGenkitOracle(ctx, engine.ProviderSpec{
		Provider:           cfg.LLM.Provider,
		Model:              cfg.LLM.Model,
		APIKey:             config.ProviderAPIKey(cfg.LLM.Provider, cfg.LLM.APIKey),
		BaseURL:            cfg.LLM.BaseURL,
		CompatibleProvider: cfg.LLM.CompatibleProvider,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init oracle: %w", err)
	}
	providers := []engine.NamedOracle{{Name: primary.Name(), Oracle: primary}}
	for _, fb := range cfg.LLM.Fallbacks {
		o, err := engine.NewGenkitOracle(ctx, engine.ProviderSpec{
			Provider: fb.Provider,
			Model:    fb.Model,
			APIKey:   config.ProviderAPIKey(fb.Provider, fb.APIKey),
			BaseURL:  fb.BaseURL,
		}, logger)
		if err != nil {
			logger.Warn("skipping fallback provider", "provider", fb.Provider, "model", fb.Model, "error", err)
			continue
		}
		providers = append(providers, engine.NamedOracle{Name: o.Name(), Oracle: o})
	}
	if len(providers) == 1 {
		return primary, nil
	}

	failover := engine.NewFailoverOracle(providers,
		cfg.LLM.FailoverThreshold,
		time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second,
		logger)
	failover.SetKVStore(store)
	failover.LoadBreakerState(ctx)
	logger.Info("failover oracle configured", "providers", len(providers))
	return failover, nil
}

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bindAddr := fs.String("bind", "", "override bind_addr from config.yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(ctx, false, true)
	if err != nil {
		fatalStartup(slog.Default(), "E_STARTUP", err)
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}

	auth := gateway.NewAuthMiddleware(cfg.Auth)
	if auth.DevMode() {
		logger.Warn("no api keys configured; trusting the " + gateway.DevUserHeader + " header (dev mode)")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && auth.DevMode() {
			logger.Warn("dev-mode auth on a non-loopback bind; any client can act as any user", "bind_addr", cfg.BindAddr)
		}
	}

	var rateLimit *gateway.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		rateLimit = gateway.NewRateLimitMiddleware(cfg.RateLimit)
		rateLimit.StartEviction(ctx, time.Minute, 10*time.Minute)
	}
	var cors func(http.Handler) http.Handler
	if cfg.CORS.Enabled {
		cors = gateway.NewCORSMiddleware(cfg.CORS)
	}

	gw := gateway.New(gateway.Config{
		Turns:           a.orch,
		Tools:           a.registry,
		Store:           a.store,
		Bus:             a.bus,
		Auth:            auth,
		RateLimit:       rateLimit,
		CORS:            cors,
		AllowOrigins:    cfg.CORS.AllowedOrigins,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Logger:          logger,
		Tracer:          a.otel.Tracer,
		Metrics:         a.metrics,
	})

	// Hot reload: limits, history bounds, system prompt and api keys.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go applyReloads(ctx, watcher.Updates(), a, auth)
	}

	if cfg.Maintenance.Enabled {
		sched, err := cron.NewScheduler(cron.Config{
			Store:    a.store,
			Logger:   logger,
			Schedule: cfg.Maintenance.Schedule,
		})
		if err != nil {
			fatalStartup(logger, "E_MAINTENANCE_SCHEDULE", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("maintenance scheduled", "schedule", cfg.Maintenance.Schedule, "next", sched.Next(time.Now()))
	}

	if cfg.Telegram.Enabled || cfg.Telegram.Token != "" {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram enabled without a token; bridge not started")
		} else {
			tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, a.orch, a.store, logger)
			go func() {
				if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram bridge stopped", "error", err)
				}
			}()
		}
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("bind address in use", "bind_addr", cfg.BindAddr,
				"hint", "Stop the other process or change bind_addr in config.yaml.")
		}
		fatalStartup(logger, "E_BIND", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "bind_addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", "error", err)
			return 1
		}
	}

	// In-flight turns get a grace period; their own deadlines still apply.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

func applyReloads(ctx context.Context, updates <-chan config.Config, a *app, auth *gateway.AuthMiddleware) {
	last := a.cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.orch.SetLimits(engine.LimitsFromConfig(cfg.Engine))
			a.orch.SetSystemPrompt(cfg.SystemPrompt)
			a.history.SetLimits(history.Limits{
				MaxMessages: cfg.History.MaxMessages,
				MaxBytes:    cfg.History.MaxBytes,
			})
			auth.Update(cfg.Auth)
			if fp := cfg.Fingerprint(); fp != last {
				a.logger.Info("config reloaded", "fingerprint", fp, "previous", last)
				last = fp
			}
			if cfg.LLM.Provider != a.cfg.LLM.Provider || cfg.LLM.Model != a.cfg.LLM.Model {
				a.logger.Warn("llm provider changes need a restart", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
			}
		}
	}
}

func runChatCommand(ctx context.Context, cancel context.CancelFunc, args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	user := fs.String("user", defaultLocalUser(), "user id to chat as")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*user) == "" {
		fmt.Fprintln(os.Stderr, "chat: --user must not be empty")
		return 2
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
	// Logs stay in the log file while the terminal UI owns the screen.
	a, err := newApp(ctx, true, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	defer a.Close()

	cc := tui.ChatConfig{
		Turns:      a.orch,
		Tools:      a.registry,
		EventBus:   a.bus,
		UserID:     strings.TrimSpace(*user),
		ModelName:  a.cfg.LLM.Provider + "/" + a.cfg.LLM.Model,
		CancelFunc: cancel,
	}
	if interactive {
		err = tui.RunChat(ctx, cc)
	} else {
		err = tui.RunLineChat(ctx, cc, os.Stdin, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	return 0
}

func runTasksCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	user := fs.String("user", defaultLocalUser(), "owner of the tasks")
	status := fs.String("status", "all", "all, pending or completed")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(ctx, true, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tasks: %v\n", err)
		return 1
	}
	defer a.Close()

	res := a.registry.Invoke(ctx, tools.ToolListTasks,
		map[string]any{"status": *status},
		tools.Caller{UserID: strings.TrimSpace(*user)})
	if !res.Success {
		fmt.Fprintf(os.Stderr, "tasks: %s\n", res.Message)
		return 1
	}
	return printTasks(out, res)
}

func printTasks(out io.Writer, res tools.Result) int {
	data, _ := res.Data.(map[string]any)
	list, _ := data["tasks"].([]persistence.Task)
	if len(list) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return 0
	}
	for _, t := range list {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Fprintf(out, "[%s] %s  (%s)\n", mark, t.Title, t.CreatedAt.Local().Format("2006-01-02 15:04"))
		if t.Description != "" {
			fmt.Fprintf(out, "    %s\n", t.Description)
		}
	}
	return 0
}

// defaultLocalUser is the owner used by the terminal commands when --user
// is not given.
func defaultLocalUser() string {
	if u := strings.TrimSpace(os.Getenv("TASKCLAW_USER")); u != "" {
		return u
	}
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return "local:" + u
	}
	return "local"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
