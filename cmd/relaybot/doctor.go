package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/correlation"
	"relaybot/internal/journal"
	"relaybot/internal/whatsapp"

	"github.com/spf13/cobra"
)

// doctorReport counts check outcomes.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(name, detail string) { printPass(name, detail); r.passed++ }
func (r *doctorReport) warn(name, detail string) { printWarn(name, detail); r.warned++ }
func (r *doctorReport) fail(name, detail string) { printFail(name, detail); r.failed++ }

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies the configuration, data files, Chrome and the WhatsApp profiles.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Println(titleStyle.Render("relaybot doctor " + version))
			fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Println("\nRun 'relaybot init' to create a default configuration.")
				return fmt.Errorf("no config")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", fmt.Sprintf("%s channel, %d account(s)", cfg.Channel.Kind, len(cfg.Accounts)))

			if err := checkWritableDir(cfg.General.DataDir); err != nil {
				r.fail("Data directory", err.Error())
			} else {
				r.pass("Data directory", cfg.General.DataDir)
			}
			if cfg.Channel.MediaDir != "" {
				if err := checkWritableDir(cfg.Channel.MediaDir); err != nil {
					r.warn("Media directory", err.Error()+" (media relay disabled)")
				} else {
					r.pass("Media directory", cfg.Channel.MediaDir)
				}
			}

			switch n, err := correlation.Inspect(cfg.Store.Path); {
			case os.IsNotExist(err):
				r.pass("Correlation store", cfg.Store.Path+" (not written yet)")
			case err != nil:
				r.fail("Correlation store", err.Error()+"; the relay would start empty and move it aside")
			default:
				r.pass("Correlation store", fmt.Sprintf("%s (%d entries)", cfg.Store.Path, n))
			}

			if cfg.Journal.Enabled {
				if err := checkJournal(cfg.Journal.DBPath); err != nil {
					r.fail("Journal", err.Error())
				} else {
					r.pass("Journal", cfg.Journal.DBPath)
				}
			}

			if chrome, ok := findChrome(); ok {
				r.pass("Chrome", chrome)
			} else {
				r.fail("Chrome", "no Chrome or Chromium binary found in PATH")
			}

			for _, a := range cfg.Accounts {
				name := "Account " + a.ID
				if _, err := os.Stat(cfg.ProfileDir(a)); err != nil {
					r.warn(name, fmt.Sprintf("no browser profile yet; run 'relaybot login %s'", a.ID))
				} else {
					r.pass(name, cfg.ProfileDir(a))
				}
				if a.SelectorsFile != "" {
					if _, err := whatsapp.LoadSelectors(a.SelectorsFile); err != nil {
						r.fail(name+" selectors", err.Error())
					} else {
						r.pass(name+" selectors", a.SelectorsFile)
					}
				}
			}

			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					r.warn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
				} else {
					r.pass("Metrics address", cfg.Metrics.Addr+" available")
				}
			}

			fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Println(errStyle.Render("Please fix the failed checks before running relaybot."))
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Println(warnStyle.Render("relaybot should work but consider fixing the warnings."))
			} else {
				fmt.Println(okStyle.Render("All checks passed."))
			}
			return nil
		},
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkJournal(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create journal directory: %w", err)
	}
	jr, err := journal.Open(dbPath, quietLogger())
	if err != nil {
		return err
	}
	defer jr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := jr.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := jr.Counts(ctx, time.Now().Add(-time.Hour)); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	return nil
}

var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
}

func findChrome() (string, bool) {
	for _, name := range chromeCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	if runtime.GOOS == "darwin" {
		const app = "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(app); err == nil {
			return app, true
		}
	}
	return "", false
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
