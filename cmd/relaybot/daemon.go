package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"relaybot/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.relaybot.relay"
	systemdUnit  = "relaybot.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install relaybot as a user service (launchd/systemd)",
		Long:  "Generates a service file that runs 'relaybot run' at login and restarts it if it exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for _, a := range cfg.Accounts {
				if !a.Headless {
					fmt.Println(warnStyle.Render(fmt.Sprintf("account %s is not headless; a service usually has no display", a.ID)))
				}
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath, filepath.Join(cfg.General.DataDir, "logs"))
			case "linux":
				return installSystemd(execPath, cfgPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the relaybot user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

func launchdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit)
}

func renderLaunchd(execPath, cfgPath, logDir string) string {
	return strings.NewReplacer(
		"{{LABEL}}", launchdLabel,
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LOG}}", filepath.Join(logDir, "relaybot.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "relaybot-error.log"),
	).Replace(launchdTemplate)
}

func renderSystemd(execPath, cfgPath string) string {
	return strings.NewReplacer("{{EXEC}}", execPath, "{{CONFIG}}", cfgPath).Replace(systemdTemplate)
}

func installLaunchd(execPath, cfgPath, logDir string) error {
	plistPath := launchdPath()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(renderLaunchd(execPath, cfgPath, logDir)), 0o644); err != nil {
		return err
	}

	fmt.Printf("%s %s\n", okStyle.Render("Daemon installed:"), plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	plistPath := launchdPath()
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", plistPath)
	return nil
}

func installSystemd(execPath, cfgPath string) error {
	unitPath := systemdPath()
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(renderSystemd(execPath, cfgPath)), 0o644); err != nil {
		return err
	}

	fmt.Printf("%s %s\n", okStyle.Render("Daemon installed:"), unitPath)
	fmt.Printf("To start:  systemctl --user start relaybot\n")
	fmt.Printf("To enable: systemctl --user enable relaybot\n")
	fmt.Printf("To stop:   systemctl --user stop relaybot\n")
	return nil
}

func uninstallSystemd() error {
	unitPath := systemdPath()
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", unitPath)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=relaybot WhatsApp relay
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=5
KillSignal=SIGINT
TimeoutStopSec=30

[Install]
WantedBy=default.target`
