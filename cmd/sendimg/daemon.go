package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"sendimg/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "dev.sendimg.gateway"
	systemdUnit  = "sendimg.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Run the gateway as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			svc, err := serviceFor(runtime.GOOS, home)
			if err != nil {
				return err
			}
			return svc.install(cmd.OutOrStdout(), execPath, cfgPath)
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			svc, err := serviceFor(runtime.GOOS, home)
			if err != nil {
				return err
			}
			if err := os.Remove(svc.path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service removed: %s\n", svc.path)
			return nil
		},
	}
}

// service is a rendered service definition for one init system.
type service struct {
	path     string
	template string
	logDir   string
	hints    []string
}

func serviceFor(goos, home string) (service, error) {
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	switch goos {
	case "darwin":
		plist := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		return service{
			path:     plist,
			template: launchdTemplate,
			logDir:   logDir,
			hints:    []string{"launchctl load " + plist, "launchctl unload " + plist},
		}, nil
	case "linux":
		return service{
			path:     filepath.Join(home, ".config", "systemd", "user", systemdUnit),
			template: systemdTemplate,
			logDir:   logDir,
			hints:    []string{"systemctl --user enable --now sendimg", "systemctl --user stop sendimg"},
		}, nil
	}
	return service{}, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
}

func (s service) render(execPath, cfgPath string) string {
	return strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(s.logDir, "sendimg.log"),
		"{{ERR_LOG}}", filepath.Join(s.logDir, "sendimg-error.log"),
	).Replace(s.template)
}

func (s service) install(w io.Writer, execPath, cfgPath string) error {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, []byte(s.render(execPath, cfgPath)), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "Service installed: %s\n", s.path)
	for _, h := range s.hints {
		fmt.Fprintf(w, "  %s\n", h)
	}
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
        <string>gateway</string>
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
Description=sendimg keyword image gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} gateway --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
