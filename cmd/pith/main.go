// Package main provides the CLI entry point for pith, a single-user
// self-extending conversational agent runtime.
//
// pith loads its YAML configuration, opens the embedded session/memory
// store, wires the tool registry (built-ins, hot-reloaded extensions, MCP
// servers), selects an LLM provider, and starts the Runtime behind an
// HTTP/SSE surface and any configured long-running channels.
//
// # Basic Usage
//
// Start the runtime in the foreground:
//
//	pith run --config pith.yaml
//
// Check system status:
//
//	pith status
//
// # Environment Variables
//
//   - PITH_CONFIG: path to the configuration file (default: ~/.config/pith/config.yaml)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: model provider credentials, named by
//     model.api_key_env in the config file
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/pith/internal/assembler"
	"github.com/haasonsaas/pith/internal/audit"
	"github.com/haasonsaas/pith/internal/channel"
	"github.com/haasonsaas/pith/internal/channel/discord"
	"github.com/haasonsaas/pith/internal/channel/slack"
	"github.com/haasonsaas/pith/internal/channel/telegram"
	"github.com/haasonsaas/pith/internal/config"
	"github.com/haasonsaas/pith/internal/eventbus"
	"github.com/haasonsaas/pith/internal/httpapi"
	"github.com/haasonsaas/pith/internal/metrics"
	"github.com/haasonsaas/pith/internal/registry"
	"github.com/haasonsaas/pith/internal/runtime"
	"github.com/haasonsaas/pith/internal/store"
	"github.com/haasonsaas/pith/internal/workspace"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "pith",
		Short:   "pith - a single-user self-extending conversational agent runtime",
		Version: version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: $PITH_CONFIG or ~/.config/pith/config.yaml)")

	root.AddCommand(buildRunCmd(&configPath), buildStatusCmd(&configPath))
	return root
}

func buildRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the runtime, HTTP/SSE API, and any configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), *configPath)
		},
	}
}

func buildStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the /status response of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), *configPath)
		},
	}
}

func runStatus(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	addr := cfg.Runtime.ListenAddr
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+httpHost(addr)+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("pith run is not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func httpHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// runForeground wires every component named in the runtime architecture and
// blocks until SIGINT/SIGTERM, shutting down gracefully.
func runForeground(ctx context.Context, configPath string) error {
	log := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ws := workspace.New(cfg.Runtime.WorkspacePath)
	if err := ws.EnsureLayout(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	st, err := store.Open(store.Config{Path: cfg.Runtime.MemoryDBPath, Logger: log})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	auditLog, err := audit.NewLogger(ws.AuditLogPath(), log)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer auditLog.Close()

	reg := registry.New(log)
	registry.RegisterFileTools(reg, ws.Root)
	registry.RegisterPythonTool(reg, toolexecConfig())
	registry.RegisterMemoryTools(reg, st)
	registry.RegisterProfileTool(reg, st)
	registry.RegisterToolCall(reg)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watcher := registry.NewExtensionWatcher(reg, ws.ExtensionToolsPath(), "python3", log)
	bus := eventbus.New(log)
	watcher.OnReloadFailure(func(name, kind, detail string) {
		bus.Publish("", eventbus.EventReloadFailure, "", map[string]any{"name": name, "kind": kind, "detail": detail})
		auditLog.Log(audit.Event{Type: audit.EventExtensionReload, ExtensionName: name, Kind: kind, Detail: detail})
	})
	if err := watcher.Start(runCtx); err != nil {
		return fmt.Errorf("extension watcher: %w", err)
	}
	defer watcher.Close()

	for _, srv := range cfg.MCP.Servers {
		mcfg := registry.MCPServerConfig{Name: srv.Name, URL: srv.URL, Headers: srv.Headers}
		if err := registry.DiscoverAndRegister(runCtx, reg, mcfg, log); err != nil {
			log.Warn("mcp server discovery failed", "server", srv.Name, "error", err)
		}
	}

	model, err := buildModel(cfg.Model, log)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	asm := assembler.New(st, ws, assembler.Config{
		WindowMessages: cfg.Runtime.Context.WindowMessages,
		MemoryTopK:     cfg.Runtime.Context.MemoryTopK,
	})
	asm.SetAuditLogger(auditLog)

	rt := runtime.New(st, reg, model, asm, bus, log, runtime.Config{
		MaxToolIterations: cfg.Runtime.Turn.MaxToolIterations,
		DefaultDeadline:   time.Duration(cfg.Runtime.Turn.DeadlineSeconds) * time.Second,
	})
	rt.SetAuditLogger(auditLog)

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)
	rt.SetMetrics(met)
	met.SetToolsRegistered(len(reg.Descriptors()))

	api := httpapi.New(rt, st, reg, bus, log)
	api.SetMetrics(promReg, met)
	api.SetWorkspace(ws)
	httpSrv := &http.Server{Addr: cfg.Runtime.ListenAddr, Handler: api.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http/sse api listening", "addr", cfg.Runtime.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stopChannels := startChannels(runCtx, cfg.Channels, rt, st, log)

	select {
	case <-runCtx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("http server failed", "error", err)
	}

	stopChannels()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// startChannels launches every enabled connector as its own reconnecting
// loop (channel.Run) and returns a function that stops them all.
func startChannels(ctx context.Context, cfg config.ChannelsConfig, rt *runtime.Runtime, st *store.Store, log *slog.Logger) func() {
	var cancels []context.CancelFunc

	launch := func(name string, ch channel.Channel) {
		chCtx, cancel := context.WithCancel(ctx)
		cancels = append(cancels, cancel)
		sessionID, err := channelSessionID(ctx, st, name)
		if err != nil {
			log.Error("channel session lookup failed", "channel", name, "error", err)
			return
		}
		go channel.Run(chCtx, ch, rt, sessionID, channel.BackoffConfig{}, log)
	}

	if cfg.Discord.Enabled {
		launch("discord", discord.New(discord.Config{
			Token:     os.Getenv(orDefault(cfg.Discord.TokenEnv, "DISCORD_BOT_TOKEN")),
			ChannelID: cfg.Discord.ChannelID,
			Logger:    log,
		}))
	}
	if cfg.Telegram.Enabled {
		launch("telegram", telegram.New(telegram.Config{
			Token:  os.Getenv(orDefault(cfg.Telegram.TokenEnv, "TELEGRAM_BOT_TOKEN")),
			ChatID: cfg.Telegram.ChatID,
			Logger: log,
			Store:  st,
		}))
	}
	if cfg.Slack.Enabled {
		launch("slack", slack.New(slack.Config{
			BotToken:  os.Getenv(orDefault(cfg.Slack.BotTokenEnv, "SLACK_BOT_TOKEN")),
			AppToken:  os.Getenv(orDefault(cfg.Slack.AppTokenEnv, "SLACK_APP_TOKEN")),
			ChannelID: cfg.Slack.ChannelID,
			Logger:    log,
		}))
	}

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// channelSessionID returns the persistent session a channel relays into,
// creating one on first use so restarts resume the same conversation
// instead of bootstrapping a fresh one per spec.md §4.7's cursor semantics.
func channelSessionID(ctx context.Context, st *store.Store, channelName string) (string, error) {
	key := "channel_session_" + channelName
	if id, ok, err := st.GetAppState(ctx, key); err != nil {
		return "", err
	} else if ok && id != "" {
		return id, nil
	}
	id := uuidString()
	if _, err := st.CreateSession(ctx, id); err != nil {
		return "", err
	}
	if err := st.SetAppState(ctx, key, id); err != nil {
		return "", err
	}
	return id, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
