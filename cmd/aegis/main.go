package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/enforce"
	"github.com/aegisproxy/aegis/internal/enrich"
	"github.com/aegisproxy/aegis/internal/llm"
	"github.com/aegisproxy/aegis/internal/notify"
	"github.com/aegisproxy/aegis/internal/policy"
	"github.com/aegisproxy/aegis/internal/proxy"
	"github.com/aegisproxy/aegis/internal/session"
	"github.com/aegisproxy/aegis/internal/transport"
	"github.com/aegisproxy/aegis/internal/upstream"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Policy-enforcing proxy for agent tool traffic",
		Long:  "Aegis sits between AI agents and their capability servers,\nevaluating every tool call against the active policy catalog before it is forwarded.",
	}

	var configFile string
	var transportName string
	var port int
	var devMode bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(transportName, configFile, port, devMode)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aegis.yaml)")
	serveCmd.Flags().StringVarP(&transportName, "transport", "t", "stdio", "Transport: stdio or http")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = "aegis.yaml"
			}
			if err := config.GenerateDefault(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&configFile, "config", "c", "", "Destination path (default: aegis.yaml)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aegis %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(serveCmd, initCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(transportName, configFile string, portOverride int, devMode bool) error {
	proxy.Version = version

	loader := config.NewLoader(nil)
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	cfg := loader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.LogLevel = "debug"
	}

	// Logs go to stderr: on the stdio transport, stdout is the protocol
	// channel.
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	auditLog, err := audit.Open(cfg.DataDir, cfg.Audit.LearningStream, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	notifyMgr := notify.NewManager(notify.Config{
		Slack: notify.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
		},
		Webhook: notify.WebhookConfig{
			URL:    cfg.Notifications.Webhook.URL,
			Secret: cfg.Notifications.Webhook.Secret,
		},
	}, logger)

	llmClient, err := llm.New(llm.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		// Without an adapter the engine still runs; unconfident verdicts
		// come back INDETERMINATE with a manual-review obligation.
		logger.Warn("LLM adapter unavailable, structured evaluation only", "error", err)
		llmClient = nil
	}

	celEval, err := policy.NewCELEvaluator(logger)
	if err != nil {
		return fmt.Errorf("create CEL evaluator: %w", err)
	}
	store := policy.NewStore(logger)
	cache := policy.NewCache(cfg.Cache.Size, cfg.Cache.TTL, cfg.Cache.Enabled, logger)
	engine := policy.NewEngine(
		store,
		policy.NewStructuredEvaluator(celEval, logger),
		policy.NewLLMEvaluator(llmClient, logger),
		policy.NewResolver(logger),
		cache,
		logger,
		policy.WithAIThreshold(cfg.Security.AIThreshold),
		policy.WithDecisionTimeout(cfg.Server.DecisionTimeout),
	)
	seedPolicies(store, cfg, logger)

	enrichers := enrich.NewPipeline(logger)
	enrichers.Register(enrich.TimeEnricher{})
	enrichers.Register(enrich.AgentEnricher{})
	enrichers.Register(enrich.NewResourceClassifier(cfg.Environment == "production"))
	enrichers.Register(enrich.SecurityEnricher{})

	enforcer := enforce.NewEnforcer(logger)
	enforcer.RegisterConstraint(enforce.Anonymizer{})
	enforcer.RegisterConstraint(enforce.NewRateLimiter(nil))
	enforcer.RegisterConstraint(enforce.NewGeoRestrictor(cfg.Security.GeoRegions))
	enforcer.RegisterObligation(enforce.NewAuditLogger(auditLog))
	enforcer.RegisterObligation(enforce.NewNotifier(notifyMgr))
	enforcer.RegisterObligation(enforce.NewLifecycle(logger))

	supervisor := upstream.NewSupervisor(cfg.Servers, logger)
	supervisor.Start()

	sessions := session.NewManager(logger, session.WithIdleTimeout(cfg.Server.SessionIdle))

	coord := proxy.NewCoordinator(sessions, enrichers, engine, enforcer, supervisor, auditLog, logger)
	defer coord.Close()

	// Editing the config file re-seeds the policy catalog without a
	// restart. Decisions cached under replaced bodies age out by key.
	if configFile != "" {
		if err := loader.Watch(func(fresh *config.Config) {
			seedPolicies(store, fresh, logger)
		}); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
		defer loader.StopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch transportName {
	case "stdio":
		return transport.NewStdio(coord, logger).Run(ctx)
	case "http":
		h := transport.NewHTTP(coord, cfg.Server.CORS, logger)
		errCh := make(chan error, 1)
		go func() {
			errCh <- h.Start(fmt.Sprintf(":%d", cfg.Server.Port))
		}()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.Shutdown(shutdownCtx)
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", transportName)
	}
}

// seedPolicies loads the config's policy list into the catalog. Entries with
// stable ids replace in place; malformed entries are logged and skipped.
func seedPolicies(store *policy.Store, cfg *config.Config, logger *slog.Logger) {
	for _, pc := range cfg.Policies {
		id, err := store.Add(pc.ID, pc.Name, pc.Body, policy.Metadata{
			Status:   policy.Status(pc.Status),
			Priority: pc.Priority,
			Tags:     pc.Tags,
		})
		if err != nil {
			logger.Warn("skipping policy from config", "name", pc.Name, "error", err)
			continue
		}
		if pc.Conditions != nil {
			if err := store.AddConditions(id, *pc.Conditions); err != nil {
				logger.Warn("skipping policy conditions", "name", pc.Name, "error", err)
			}
		}
	}
}

// findConfigFile probes the conventional config locations.
func findConfigFile() string {
	candidates := []string{
		"aegis.yaml",
		"aegis.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "aegis", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
