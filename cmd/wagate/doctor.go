package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"wagate/internal/config"
	"wagate/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wagate installation",
		Long: `Verifies that wagate's configuration, Chrome, session profile, upload
directory and history database are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wagate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &doctorReport{}

			// 1. Config file
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			// 2. Config loads and validates
			cfg, _, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 3. Chrome
			if chrome, err := findChrome(cfg.WhatsApp.ChromePath); err != nil {
				r.fail("Chrome", err.Error())
			} else {
				r.pass("Chrome", chrome)
			}

			// 4. Session profile
			if info, err := os.Stat(cfg.WhatsApp.SessionDir); err != nil {
				r.warn("Session", fmt.Sprintf("no profile at %s, run 'wagate login' to link", cfg.WhatsApp.SessionDir))
			} else if !info.IsDir() {
				r.fail("Session", fmt.Sprintf("not a directory: %s", cfg.WhatsApp.SessionDir))
			} else {
				r.pass("Session", cfg.WhatsApp.SessionDir)
			}

			// 5. Upload scratch directory
			if err := checkWritableDir(cfg.Upload.Dir); err != nil {
				r.fail("Upload dir", err.Error())
			} else {
				r.pass("Upload dir", cfg.Upload.Dir)
			}

			// 6. History database
			if cfg.History.Enabled {
				if err := checkDatabase(cmd.Context(), cfg.History.DBPath); err != nil {
					r.fail("History database", err.Error())
				} else {
					r.pass("History database", cfg.History.DBPath)
				}
			} else {
				r.warn("History database", "disabled")
			}

			// 7. Port
			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			if err := checkPort(addr); err != nil {
				r.warn("HTTP port", fmt.Sprintf("%s may be in use: %v", addr, err))
			} else {
				r.pass("HTTP port", addr+" available")
			}

			return r.summary()
		},
	}
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running wagate.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nwagate should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! wagate is ready to serve.\n")
	}
	return nil
}

// chromeNames are the binaries chromedp looks for on PATH.
var chromeNames = []string{
	"headless_shell",
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"google-chrome-beta",
	"google-chrome-unstable",
}

func findChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("whatsapp.chromePath: %w", err)
		}
		return configured, nil
	}
	for _, name := range chromeNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	for _, p := range []string{
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium found on PATH, set whatsapp.chromePath")
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkDatabase opens the history store, which creates and migrates it, and
// reads from it once.
func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.Recent(ctx, 1); err != nil {
		return fmt.Errorf("cannot read: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
