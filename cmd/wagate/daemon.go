package main

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"text/template"

	"wagate/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.wagate.gateway"
	systemdUnit  = "wagate.service"
)

// service is the user service that runs `wagate serve` in the background.
type service struct {
	Exec   string
	Config string
	LogDir string
	Env    []envVar
	// StopTimeout covers the HTTP drain plus the session teardown, each of
	// which is bounded by server.shutdownTimeoutSeconds.
	StopTimeout int
}

type envVar struct {
	Key, Value string
}

func installDaemonCmd() *cobra.Command {
	var force, printOnly bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install wagate as a user service (launchd/systemd)",
		Long: `Validates the config, checks that the WhatsApp session has been linked with
'wagate login', and installs a service that runs 'wagate serve' headless on login.
PORT and WAGATE_* variables set in the current environment are written into the
service so it sees the same settings that were validated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := filepath.Abs(config.ExpandPath(resolveConfigPath()))
			if err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("%w (run 'wagate init' to create one)", err)
			}
			if !sessionLinked(cfg.WhatsApp.SessionDir) {
				if !force {
					return fmt.Errorf("no linked WhatsApp session in %s: run 'wagate login' first, or pass --force", cfg.WhatsApp.SessionDir)
				}
				logger.Warn("installing without a linked session; the service will wait for a QR scan", "qr", cfg.WhatsApp.QRImagePath)
			}

			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			svc := newService(execPath, cfgPath, cfg, os.Environ())

			var unit, unitPath string
			switch runtime.GOOS {
			case "darwin":
				unit, err = svc.render(launchdTemplate)
				unitPath = launchdPlistPath()
			case "linux":
				unit, err = svc.render(systemdTemplate)
				unitPath = systemdUnitPath()
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Print(unit)
				return nil
			}
			if err := os.MkdirAll(svc.LogDir, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", unitPath)
			fmt.Printf("Gateway will listen on %s\n", localAddr(cfg))
			printServiceHelp(unitPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "install even if the session has not been linked yet")
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the service file instead of installing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the wagate user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var unitPath string
			switch runtime.GOOS {
			case "darwin":
				unitPath = launchdPlistPath()
			case "linux":
				unitPath = systemdUnitPath()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(unitPath); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", unitPath)
			return nil
		},
	}
}

func newService(execPath, cfgPath string, cfg *config.Config, environ []string) *service {
	svc := &service{
		Exec:        execPath,
		Config:      cfgPath,
		LogDir:      filepath.Join(config.DefaultConfigDir(), "logs"),
		Env:         serviceEnv(environ),
		StopTimeout: 2*cfg.Server.ShutdownTimeoutSeconds + 5,
	}
	// A background service has no display to show Chrome on.
	if !cfg.WhatsApp.Headless {
		svc.setEnv("WAGATE_HEADLESS", "true")
	}
	return svc
}

// serviceEnv keeps the variables the gateway reads, sorted by name.
func serviceEnv(environ []string) []envVar {
	var out []envVar
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || (k != "PORT" && !strings.HasPrefix(k, "WAGATE_")) {
			continue
		}
		out = append(out, envVar{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b envVar) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func (s *service) setEnv(key, value string) {
	for i := range s.Env {
		if s.Env[i].Key == key {
			s.Env[i].Value = value
			return
		}
	}
	s.Env = append(s.Env, envVar{Key: key, Value: value})
}

// sessionLinked reports whether dir holds a Chrome profile, which exists once
// `wagate login` (or a previous serve) has run on it.
func sessionLinked(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "Default"))
	return err == nil && info.IsDir()
}

func (s *service) render(tmpl *template.Template) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("render service file: %w", err)
	}
	return buf.String(), nil
}

func launchdPlistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdUnitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit)
}

func printServiceHelp(unitPath string) {
	switch runtime.GOOS {
	case "darwin":
		fmt.Printf("To start: launchctl load %s\n", unitPath)
		fmt.Printf("To stop:  launchctl unload %s\n", unitPath)
	case "linux":
		fmt.Printf("To start:  systemctl --user start wagate\n")
		fmt.Printf("To enable: systemctl --user enable wagate\n")
		fmt.Printf("To stop:   systemctl --user stop wagate\n")
	}
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// systemdQuote quotes s as a single systemd word.
func systemdQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "%", "%%")
	return `"` + s + `"`
}

var unitFuncs = template.FuncMap{
	"xml":   xmlEscape,
	"quote": systemdQuote,
	"label": func() string { return launchdLabel },
}

var launchdTemplate = template.Must(template.New("launchd").Funcs(unitFuncs).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{xml .Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{xml .Config}}</string>
    </array>
{{- if .Env}}
    <key>EnvironmentVariables</key>
    <dict>
{{- range .Env}}
        <key>{{xml .Key}}</key>
        <string>{{xml .Value}}</string>
{{- end}}
    </dict>
{{- end}}
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ExitTimeOut</key>
    <integer>{{.StopTimeout}}</integer>
    <key>StandardOutPath</key>
    <string>{{xml .LogDir}}/wagate.log</string>
    <key>StandardErrorPath</key>
    <string>{{xml .LogDir}}/wagate-error.log</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Funcs(unitFuncs).Parse(`[Unit]
Description=wagate WhatsApp HTTP gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{quote .Exec}} serve --config {{quote .Config}}
{{- range .Env}}
Environment={{quote (printf "%s=%s" .Key .Value)}}
{{- end}}
KillSignal=SIGTERM
TimeoutStopSec={{.StopTimeout}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
