package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/miniclaw/miniclaw/internal/agent"
	"github.com/miniclaw/miniclaw/internal/alerts"
	"github.com/miniclaw/miniclaw/internal/bus"
	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/internal/hooks"
	"github.com/miniclaw/miniclaw/internal/providers"
	"github.com/miniclaw/miniclaw/internal/ratelimit"
	"github.com/miniclaw/miniclaw/internal/runhistory"
	"github.com/miniclaw/miniclaw/internal/secrets"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/internal/tools"
	"github.com/miniclaw/miniclaw/internal/usage"
	"github.com/miniclaw/miniclaw/pkg/models"
)

const secretsNamespace = "llm"

func newServeCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(interactive)
		},
	}
	cmd.Flags().BoolVar(&interactive, "interactive", true, "Attach a CLI channel on stdin/stdout")
	return cmd
}

func runServe(interactive bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretStore, err := secrets.Open(cfg.Secrets, logger)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}

	llm, err := buildProviders(cfg, secretStore, logger)
	if err != nil {
		return err
	}

	msgBus := bus.New(logger)

	sessionStore, err := sessions.NewStore(cfg.Sessions.Dir, cfg.Workspace, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	history, err := runhistory.NewStore(cfg.RunHistory.Path, cfg.RunHistory.MaxRecords)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	ledger := usage.New(cfg.Usage, logger)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit, logger)
	}

	hookRunner, err := hooks.NewRunner(cfg.Hooks, logger)
	if err != nil {
		return fmt.Errorf("configure hooks: %w", err)
	}

	registry, err := buildToolRegistry(cfg, msgBus, hookRunner, limiter, logger)
	if err != nil {
		return err
	}

	core := agent.New(agent.Deps{
		Config:   cfg,
		Bus:      msgBus,
		LLM:      llm,
		Registry: registry,
		Sessions: sessionStore,
		History:  history,
		Usage:    ledger,
		Hooks:    hookRunner,
		Limiter:  limiter,
		Logger:   logger,
	})

	alertSvc := alerts.New(cfg.Alerts, msgBus, nil, logger)
	go alertSvc.Run(ctx)

	sched := cron.New()
	if expr := cfg.Agent.BulkResetCron; expr != "" {
		if _, err := sched.AddFunc(expr, func() {
			n, err := sessionStore.BulkReset("scheduled", "cron")
			if err != nil {
				logger.Error("bulk reset failed", "error", err)
				return
			}
			logger.Info("bulk session reset", "sessions", n)
		}); err != nil {
			return fmt.Errorf("bulk reset cron %q: %w", expr, err)
		}
	}
	if expr := cfg.Alerts.HealthPollCron; expr != "" {
		if _, err := sched.AddFunc(expr, func() {
			pollProviderHealth(ctx, llm, alertSvc)
		}); err != nil {
			return fmt.Errorf("health poll cron %q: %w", expr, err)
		}
	}
	sched.Start()
	defer sched.Stop()

	if interactive {
		go runCLIChannel(ctx, msgBus, logger)
	}

	logger.Info("miniclaw serving",
		"workspace", cfg.Workspace,
		"model", cfg.Providers.Model,
		"queue_mode", string(cfg.Queue.Mode))

	core.Run(ctx)
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// buildProviders assembles the ordered failover chain from config, pulling
// API keys from the secret store or the environment when the config leaves
// them blank.
func buildProviders(cfg *config.Config, secretStore secrets.Store, logger *slog.Logger) (*providers.Failover, error) {
	specs := cfg.Providers.Candidates
	if len(specs) == 0 {
		// Zero-config default: whichever well-known key is available.
		if key := resolveKey(secretStore, "anthropic_api_key", "ANTHROPIC_API_KEY"); key != "" {
			specs = append(specs, config.ProviderCandidate{Name: "anthropic", Type: "anthropic", APIKey: key})
		}
		if key := resolveKey(secretStore, "openai_api_key", "OPENAI_API_KEY"); key != "" {
			specs = append(specs, config.ProviderCandidate{Name: "openai", Type: "openai", APIKey: key})
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no LLM providers configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY, or list providers.candidates in %s", configPath)
	}

	for i := range specs {
		if specs[i].APIKey == "" {
			specs[i].APIKey = resolveKey(secretStore,
				specs[i].Name+"_api_key", strings.ToUpper(specs[i].Name)+"_API_KEY")
		}
		if specs[i].Model == "" {
			specs[i].Model = cfg.Providers.Model
		}
	}
	pcfg := cfg.Providers
	pcfg.Candidates = specs
	return providers.FromConfig(pcfg, logger)
}

func resolveKey(store secrets.Store, secretKey, envVar string) string {
	if store != nil {
		if v, err := store.Get(secretsNamespace, secretKey); err == nil && v != "" {
			return v
		}
	}
	return os.Getenv(envVar)
}

func buildToolRegistry(cfg *config.Config, msgBus *bus.MessageBus, hookRunner *hooks.Runner, limiter *ratelimit.Limiter, logger *slog.Logger) (*tools.Registry, error) {
	guard, err := tools.NewCommandGuard(cfg.Tools.Shell, cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("compile command guard: %w", err)
	}
	sandbox := tools.NewSandbox(cfg.Tools.Sandbox, cfg.Workspace, "main", logger)

	registry := tools.NewRegistry(cfg.Tools, msgBus, hookRunner, limiter, logger)
	for _, t := range []tools.Tool{
		tools.NewExecTool(cfg.Tools.Shell, guard, sandbox),
		tools.NewProcessTool(cfg.Tools.Shell, guard),
		tools.NewReadFileTool(),
		tools.NewWriteFileTool(),
		tools.NewEditFileTool(),
		tools.NewListDirTool(),
		tools.NewApplyPatchTool(),
		tools.NewWebFetchTool(),
		tools.NewMessageTool(msgBus),
	} {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}
	return registry, nil
}

// pollProviderHealth issues a tiny completion and feeds the result into the
// alert service's health tracker.
func pollProviderHealth(ctx context.Context, llm providers.Provider, alertSvc *alerts.Service) {
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := llm.Chat(hctx, providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 8,
	})
	switch {
	case err != nil:
		alertSvc.RecordHealth("provider", false, err.Error())
	case resp.Retryable():
		alertSvc.RecordHealth("provider", false, resp.Content)
	default:
		alertSvc.RecordHealth("provider", true, "")
	}
}

// runCLIChannel is the built-in interactive channel: stdin lines become
// inbound messages, replies print to stdout.
func runCLIChannel(ctx context.Context, msgBus *bus.MessageBus, logger *slog.Logger) {
	out := msgBus.SubscribeOutbound("cli")
	defer msgBus.UnsubscribeOutbound("cli")

	go func() {
		for {
			select {
			case msg, ok := <-out:
				if !ok {
					return
				}
				if msg.Channel != "cli" || msg.Control != "" {
					continue
				}
				fmt.Println(msg.Content)
			case <-ctx.Done():
				return
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		msgBus.PublishInbound(models.InboundMessage{
			Channel:   "cli",
			SenderID:  "local",
			ChatID:    "local",
			Content:   line,
			Timestamp: time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin closed", "error", err)
	}
}
