// Package cmd provides the CLI commands for PolicyShield.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/adapter/inbound/http"
	"github.com/policyshield/policyshield/internal/adapter/outbound/chat"
	tracefile "github.com/policyshield/policyshield/internal/adapter/outbound/trace"
	"github.com/policyshield/policyshield/internal/config"
	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/observability"
	"github.com/policyshield/policyshield/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the enforcement server",
	Long: `Start the PolicyShield enforcement server.

The server loads the rules path (a YAML file or a directory of YAML files),
compiles every rule, and only then binds the HTTP listener. Rule files are
hot-reloaded on change; a broken edit keeps the previous rule-set serving.

Examples:
  # Start with config file settings
  policyshield start

  # Start with an explicit rules file
  policyshield start --rules ./rules.yaml

  # Start on a different address in audit mode
  POLICYSHIELD_MODE=audit policyshield start --addr :9090 --rules ./rules/

  # Start with a specific config file
  policyshield --config /path/to/policyshield.yaml start`,
	RunE: runStart,
}

var (
	devMode   bool
	flagAddr  string
	flagRules string
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, in-memory approval backend)")
	startCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides server.addr)")
	startCmd.Flags().StringVar(&flagRules, "rules", "", "Rules file or directory (overrides shield.rules_path)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// CLI flags win over file and environment.
	if devMode {
		cfg.DevMode = true
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if flagRules != "" {
		cfg.Shield.RulesPath = flagRules
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	dur, err := cfg.ParseDurations()
	if err != nil {
		return fmt.Errorf("config durations: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := buildLogger(cfg)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "format", cfg.Server.LogFormat)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "policyshield stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, dur, logger); err != nil {
		return err
	}

	logger.Info("policyshield stopped")
	return nil
}

// run wires every component and blocks until the context is cancelled.
// Construction order doubles as the shutdown order: deferred teardowns run
// in reverse, giving watcher, approval backend, trace flush, session
// sweeper, telemetry last.
func run(ctx context.Context, cfg *config.Config, dur config.Durations, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not use in production")
	}

	// The socket binds only after everything below succeeds: rule compile,
	// backend health, trace dir writable.
	cs, err := rule.LoadPath(cfg.Shield.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules from %s: %w", cfg.Shield.RulesPath, err)
	}
	logger.Info("rules loaded",
		"path", cfg.Shield.RulesPath,
		"shield", cs.Source.ShieldName,
		"rules", cs.RulesCount(),
		"rate_limits", len(cs.Source.RateLimits),
		"hash", cs.Source.Hash,
	)

	telemetry, err := observability.New(observability.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "policyshield",
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
		ExportInterval: dur.ExportInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()

	sessions := session.NewStore(session.Config{
		TTL:             dur.SessionTTL,
		Capacity:        cfg.Session.Capacity,
		EventBufferSize: cs.Source.Session.EventBufferSize,
		SweepInterval:   dur.SweepInterval,
	})
	sessions.StartSweeper(ctx)
	defer sessions.Stop()

	traceStore, err := tracefile.NewFileTraceStore(tracefile.TraceFileConfig{
		Dir:           cfg.Trace.Dir,
		RetentionDays: cfg.Trace.RetentionDays,
	}, logger)
	if err != nil {
		return fmt.Errorf("trace store: %w", err)
	}
	defer func() { _ = traceStore.Close() }()

	traces := service.NewTraceService(traceStore, logger,
		service.WithChannelSize(cfg.Trace.ChannelSize),
		service.WithBatchSize(cfg.Trace.BatchSize),
		service.WithFlushInterval(dur.FlushInterval),
		service.WithSendTimeout(dur.SendTimeout),
		service.WithWarningThreshold(cfg.Trace.WarningThreshold),
		service.WithPrivacyMode(cfg.Trace.Privacy),
	)
	traces.Start(ctx)
	defer traces.Stop()

	backend, backendStop, err := buildApprovalBackend(ctx, cfg, dur, logger)
	if err != nil {
		return err
	}
	if backendStop != nil {
		defer backendStop()
	}
	if backend != nil {
		if h := backend.Health(); !h.OK {
			return fmt.Errorf("approval backend %s unhealthy: %s", h.Backend, h.Detail)
		}
		logger.Info("approval backend ready", "backend", cfg.Approval.Backend)
	}

	engineOpts := []service.EngineOption{
		service.WithMode(parseMode(cfg.Shield.Mode)),
		service.WithFailOpen(cfg.Shield.FailOpen),
		service.WithCheckTimeout(dur.CheckTimeout),
		service.WithApprovalTimeout(dur.ApprovalTimeout),
		service.WithApprovalTimeoutPolicy(parseTimeoutPolicy(cfg.Approval.OnTimeout)),
		service.WithApprovalCacheTTL(dur.ApprovalCache),
		service.WithRulesPath(cfg.Shield.RulesPath),
		service.WithTracer(telemetry.Tracer()),
	}
	if backend != nil {
		engineOpts = append(engineOpts, service.WithApprovalBackend(cfg.Approval.Backend, backend))
	}
	engine, err := service.NewShieldEngine(cs, sessions, traces, logger, engineOpts...)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	if cfg.Shield.Watch {
		watcher, err := service.NewRuleWatcher(engine, cfg.Shield.RulesPath, dur.WatchInterval, logger)
		if err != nil {
			return fmt.Errorf("rule watcher: %w", err)
		}
		watcher.Start(ctx)
		defer watcher.Stop()
		logger.Info("rule watcher started", "path", cfg.Shield.RulesPath, "interval", dur.WatchInterval)
	}

	// A request that waits on a human must outlive the approval window,
	// or every APPROVE verdict would end as a 504.
	requestTimeout := dur.RequestTimeout
	if backend != nil && requestTimeout <= dur.ApprovalTimeout {
		requestTimeout = dur.ApprovalTimeout + 30*time.Second
		logger.Warn("request_timeout raised above approval timeout",
			"configured", dur.RequestTimeout, "effective", requestTimeout)
	}

	transportOpts := []http.Option{
		http.WithAddr(cfg.Server.Addr),
		http.WithLogger(logger),
		http.WithAuthTokens(cfg.Auth.APIToken, cfg.Auth.AdminToken),
		http.WithMaxConcurrent(cfg.Server.MaxConcurrentChecks),
		http.WithMaxBodyBytes(cfg.Server.MaxRequestSize),
		http.WithRequestTimeout(requestTimeout),
		http.WithFailOpen(cfg.Shield.FailOpen),
	}
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		transportOpts = append(transportOpts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		transportOpts = append(transportOpts, http.WithCORSOrigins(cfg.Server.CORSOrigins))
	}
	if sb, ok := backend.(*chat.SlackBackend); ok {
		transportOpts = append(transportOpts, http.WithInteractions(sb))
	}

	transport := http.NewTransport(engine, traces, backend, transportOpts...)

	logger.Info("policyshield starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"mode", cfg.Shield.Mode,
		"fail_open", cfg.Shield.FailOpen,
		"rules", cs.RulesCount(),
		"approval_backend", cfg.Approval.Backend,
		"trace_dir", cfg.Trace.Dir,
		"dev_mode", cfg.DevMode,
	)
	printBanner(cfg, cs.RulesCount(), cs.Source.Hash)

	return transport.Start(ctx)
}

// buildApprovalBackend constructs the configured backend. The returned stop
// function tears down its workers; both are nil when no backend is
// configured, in which case APPROVE verdicts block with a "no backend"
// message.
func buildApprovalBackend(ctx context.Context, cfg *config.Config, dur config.Durations, logger *slog.Logger) (approval.Backend, func(), error) {
	switch cfg.Approval.Backend {
	case "":
		return nil, nil, nil

	case "memory":
		mem := approval.NewInMemory(dur.ApprovalTTL, 0)
		mem.StartGC(ctx)
		return mem, mem.Stop, nil

	case "slack":
		sb, err := chat.NewSlackBackend(chat.SlackConfig{
			Token:          cfg.Approval.Slack.Token,
			Channel:        cfg.Approval.Slack.Channel,
			SigningSecret:  cfg.Approval.Slack.SigningSecret,
			TTL:            dur.ApprovalTTL,
			RequestTimeout: dur.SlackTimeout,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("slack backend: %w", err)
		}
		sb.Start(ctx)
		return sb, sb.Stop, nil

	default:
		return nil, nil, fmt.Errorf("unknown approval backend %q", cfg.Approval.Backend)
	}
}

// buildLogger constructs the process logger on stderr, honoring the
// configured format and level. DevMode always forces debug.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Server.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseMode converts the config mode string to the engine mode.
func parseMode(mode string) rule.Mode {
	return rule.Mode(strings.ToUpper(mode))
}

// parseTimeoutPolicy converts the config on_timeout string to the engine
// policy.
func parseTimeoutPolicy(p string) service.ApprovalTimeoutPolicy {
	if p == "auto_approve" {
		return service.TimeoutAutoApprove
	}
	return service.TimeoutBlock
}

// printBanner prints a formatted startup banner to stderr with version,
// address, mode, and rule counts. Goes to stderr so stdout stays clean for
// telemetry exporters.
func printBanner(cfg *config.Config, ruleCount int, hash string) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		red    = "\033[31m"
		dim    = "\033[2m"
	)

	addr := cfg.Server.Addr
	scheme := "http"
	if cfg.Server.TLSCert != "" {
		scheme = "https"
	}
	checkURL := fmt.Sprintf("%s://localhost%s/api/v1/check", scheme, addr)
	if !strings.HasPrefix(addr, ":") {
		checkURL = fmt.Sprintf("%s://%s/api/v1/check", scheme, addr)
	}

	var modeStr string
	switch cfg.Shield.Mode {
	case "audit":
		modeStr = yellow + "audit" + reset + dim + " (verdicts logged, not enforced)" + reset
	case "disabled":
		modeStr = red + "disabled" + reset
	default:
		modeStr = green + "enforce" + reset
	}
	if cfg.DevMode {
		modeStr += dim + " [dev]" + reset
	}

	backendStr := cfg.Approval.Backend
	if backendStr == "" {
		backendStr = "none (APPROVE verdicts block)"
	}

	shortHash := hash
	if len(shortHash) > 12 {
		shortHash = shortHash[:12]
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s PolicyShield %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Check:", checkURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d loaded %s(%s)%s\n", "Rules:", ruleCount, dim, shortHash, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Approvals:", backendStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Traces:", cfg.Trace.Dir)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the PolicyShield PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".policyshield", "server.pid")
	}
	return filepath.Join(os.TempDir(), "policyshield-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
