package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/compaction"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/metrics"
	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/internal/runtime"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tooling"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay session runtime daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to configuration file")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b := bus.New(logger)

	resolver, err := buildResolver(cfg.Providers)
	if err != nil {
		return err
	}

	gate := tooling.NewApprovalGate(
		tooling.ApprovalMode(cfg.Approval.Mode),
		cfg.Approval.Timeout,
		b,
		logger,
	)

	engine := compaction.NewEngine(st, b, resolver, logger, compaction.Config{
		ProtectTokens:       cfg.Compaction.ProtectTokens,
		MinPruneTokens:      cfg.Compaction.MinPruneTokens,
		KeepRecentUserTurns: cfg.Compaction.KeepRecentUserTurns,
		ProtectedTools:      cfg.Compaction.ProtectedTools,
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	agents := make([]*runtime.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, &runtime.Agent{
			ID:              a.ID,
			Prompt:          a.Prompt,
			Tools:           a.Tools,
			ReasoningBudget: a.ReasoningBudget,
		})
	}

	rt := runtime.New(runtime.Deps{
		Store:    st,
		Bus:      b,
		Resolver: resolver,
		Tools:    tooling.NewRegistry(),
		Gate:     gate,
		Engine:   engine,
		Metrics:  m,
		Logger:   logger,
	}, agents, runtime.Config{MaxSteps: cfg.Runtime.MaxSteps})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1h", func() {
		if released := rt.SweepIdle(); released > 0 {
			logger.Info("swept idle session state", "released", released)
		}
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("relayd started",
		"store", cfg.Store.Driver,
		"approval_mode", gate.Mode(),
		"agents", len(agents),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.Path)
}

// buildResolver registers every provider with a configured key. A daemon with
// no providers can still serve store reads, so zero providers is not fatal.
func buildResolver(cfg config.ProvidersConfig) (*provider.Resolver, error) {
	var clients []provider.Client

	if key := cfg.Anthropic.Key(); key != "" {
		c, err := provider.NewAnthropic(provider.AnthropicConfig{APIKey: key, BaseURL: cfg.Anthropic.BaseURL})
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if key := cfg.OpenAI.Key(); key != "" {
		c, err := provider.NewOpenAI(provider.OpenAIConfig{APIKey: key, BaseURL: cfg.OpenAI.BaseURL})
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}

	if len(clients) == 0 {
		slog.Warn("no provider API keys configured; turns will fail at setup")
	}
	return provider.NewResolver(clients...), nil
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
