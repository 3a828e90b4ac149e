package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"feedchat/internal/bus"
	"feedchat/internal/chat"
	"feedchat/internal/config"
	"feedchat/internal/conn"
	"feedchat/internal/console"
	"feedchat/internal/domain"
	"feedchat/internal/journal"
	"feedchat/internal/metrics"
	"feedchat/internal/relay"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "feedchat",
		Short:   "feedchat: real-time one-to-one chat over a message relay",
		Long:    "feedchat connects to a relay over WebSocket, sends text and documents, and tracks delivery of every message.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.feedchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(connectCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(journalCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config, falling back to defaults when the file is
// missing, and reconfigures the global logger from it.
func loadConfig() (*config.Config, io.Closer, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
	}
	closer, err := setupLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func setupLogger(g config.GeneralConfig) (io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(g.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return closer, nil
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [recipientId]",
		Short: "Chat with a recipient in the terminal",
		Long:  "Opens a conversation with the recipient through the configured relay. Use /switch inside the console to talk to someone else.",
		Args:  cobra.ExactArgs(1),
		RunE:  runConnect,
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)

	var recorder chat.Recorder
	if cfg.Journal.Enabled {
		j, err := journal.NewSQLiteJournal(cfg.Journal.DBPath, logger)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer j.Close()
		recorder = j
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		srv := serveMetrics(cfg.Metrics.Addr, collector.Handler())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	dialer := conn.NewWebSocketDialer(conn.WebSocketConfig{
		URL:              cfg.Relay.URL,
		SelfID:           cfg.Identity.SelfID,
		DisplayName:      cfg.Identity.DisplayName,
		AvatarURL:        cfg.Identity.AvatarURL,
		Token:            cfg.Identity.Token,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout(),
		PingInterval:     cfg.Relay.PingInterval(),
		ReadLimit:        cfg.Relay.ReadLimitBytes,
		Logger:           logger,
	})

	hub := chat.NewHub(chat.HubConfig{
		Self: domain.Sender{
			ID:     cfg.Identity.SelfID,
			Name:   cfg.Identity.DisplayName,
			Avatar: cfg.Identity.AvatarURL,
		},
		Dialer:      dialer,
		BaseDelay:   cfg.Reconnect.BaseDelay(),
		MaxDelay:    cfg.Reconnect.MaxDelay(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Events:      events,
		Recorder:    recorder,
		Metrics:     collector,
		Logger:      logger,
	})
	binding := chat.NewBinding(hub)
	defer binding.Close()

	logger.Info("connecting", "relay", cfg.Relay.URL, "self", cfg.Identity.SelfID, "recipient", args[0])

	c := console.New(console.Config{
		Binding: binding,
		Events:  events,
		SelfID:  cfg.Identity.SelfID,
		Logger:  logger,
	})
	if err := c.Start(ctx, args[0]); err != nil {
		return err
	}

	if client := binding.Current(); client != nil && conn.IsTerminal(client.Err()) {
		logger.Warn("relay unreachable", "relay", cfg.Relay.URL, "err", client.Err())
	}
	return nil
}

func serveMetrics(addr string, h http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "addr", addr, "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

func relayCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a development relay",
		Long:  "Routes messages between connected users, acknowledging each with a server id and timestamp. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := relay.NewServer(relay.Config{
				Addr:               cfg.Server.Addr(),
				RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
				RateBurst:          cfg.Server.RateBurst,
				ReadLimit:          cfg.Relay.ReadLimitBytes,
				Metrics:            metrics.NewRelayCollector(),
				Logger:             logger,
			})
			err = srv.Start(ctx)
			logger.Info("relay stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. relay.url)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. identity.displayName Ada)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if flat {
				values := config.ListPaths(sanitized)
				for _, path := range config.SortedPaths(sanitized) {
					fmt.Printf("%s = %v\n", path, values[path])
				}
				return nil
			}
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	listCmd.Flags().BoolVar(&flat, "flat", false, "print one path = value per line")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
