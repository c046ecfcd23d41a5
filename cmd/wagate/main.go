package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"wagate/internal/app"
	"wagate/internal/browser"
	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/gateway"
	"wagate/internal/messenger"
	"wagate/internal/session"
	"wagate/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = newLogger("info")

	root := &cobra.Command{
		Use:           "wagate",
		Short:         "wagate: HTTP gateway for sending WhatsApp messages",
		Long:          "wagate exposes a small HTTP API that forwards text messages and images to a linked WhatsApp Web session.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.wagate/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults plus environment
// overrides when it does not exist, and reconfigures the logger.
func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, found, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.Log.Level)
	if !found {
		logger.Debug("config file not found, using defaults", "path", cfgPath)
	}
	return cfg, cfgPath, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and the WhatsApp session",
		Long:  "Starts the WhatsApp Web session in the background and serves the HTTP API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	// Signals stay registered until return, so a second Ctrl+C during
	// shutdown is swallowed instead of killing the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := session.NewMonitor(logger.With("component", "session"))
	wa := newWhatsApp(cfg, monitor.Handle)

	application, err := app.New(app.Options{
		Config:    cfg,
		Logger:    logger,
		Messenger: wa,
		Monitor:   monitor,
	})
	if err != nil {
		return err
	}

	logger.Info("wagate starting", "version", version, "port", cfg.Server.Port)
	return application.Run(ctx)
}

func newWhatsApp(cfg *config.Config, onEvent domain.SessionEventHandler) *messenger.WhatsAppWeb {
	bridge := browser.NewBridge(browser.BridgeConfig{
		ProfileDir: cfg.WhatsApp.SessionDir,
		Headless:   cfg.WhatsApp.Headless,
		NoSandbox:  cfg.WhatsApp.NoSandbox,
		ExecPath:   cfg.WhatsApp.ChromePath,
		Logger:     logger.With("component", "browser"),
	})
	return messenger.NewWhatsAppWeb(messenger.WhatsAppWebConfig{
		Bridge:       bridge,
		Selectors:    cfg.WhatsApp.Selectors,
		QRImagePath:  cfg.WhatsApp.QRImagePath,
		PollInterval: time.Duration(cfg.WhatsApp.PollIntervalSeconds) * time.Second,
		OnEvent:      onEvent,
		Logger:       logger.With("component", "whatsapp"),
	})
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a visible browser to link this gateway to WhatsApp",
		Long:  "Opens WhatsApp Web in a visible Chrome window on the session profile. Scan the QR code, wait for your chats to load, then press Ctrl+C.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return newWhatsApp(cfg, nil).Login(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the session state of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			url := "http://" + localAddr(cfg) + "/health"

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			env, code, err := fetchEnvelope(ctx, url)
			if err != nil {
				return fmt.Errorf("gateway not reachable at %s: %w", url, err)
			}

			fmt.Printf("config:  %s\n", cfgPath)
			fmt.Printf("gateway: %s (HTTP %d)\n", url, code)
			fmt.Printf("status:  %s\n", env.Message)
			if data, ok := env.Data.(map[string]any); ok {
				for _, k := range []string{"session", "since", "uptimeSeconds"} {
					if v, ok := data[k]; ok {
						fmt.Printf("%-8s %v\n", k+":", v)
					}
				}
			}
			return nil
		},
	}
}

// localAddr is the address a local client should dial for cfg's listener.
func localAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

func fetchEnvelope(ctx context.Context, url string) (*gateway.Envelope, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	var env gateway.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return &env, resp.StatusCode, nil
}

func historyCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("delivery history is disabled (history.enabled=false)")
			}
			if limit < 1 || limit > store.MaxRecentLimit {
				return fmt.Errorf("--limit must be between 1 and %d", store.MaxRecentLimit)
			}

			st, err := store.NewSQLiteStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			deliveries, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(deliveries, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			printDeliveries(os.Stdout, deliveries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultRecentLimit, "number of deliveries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printDeliveries(w io.Writer, deliveries []domain.Delivery) {
	if len(deliveries) == 0 {
		fmt.Fprintln(w, "no deliveries recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCHAT\tKIND\tSTATUS\tDURATION\tFILE\tERROR")
	for _, d := range deliveries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\t%s\n",
			d.CreatedAt.Local().Format(time.DateTime), d.ChatID, d.Kind, d.Status, d.DurationMs, d.FileName, d.Error)
	}
	tw.Flush()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
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
		Short: "Set a config value (e.g. limits.sendsPerMinute 20)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadFile(cfgPath)
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

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, pv := range config.ListPaths(cfg) {
				fmt.Fprintf(tw, "%s\t%v\n", pv.Path, pv.Value)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
