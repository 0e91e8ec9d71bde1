//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/sysupdate-agent/internal/privilege"
)

const (
	installedBin = "/usr/local/bin/sysupdate-agent"
	unitPath     = "/etc/systemd/system/sysupdate-agent.service"
	unitName     = "sysupdate-agent"
)

var agentDirs = []string{"/etc/breeze", "/var/lib/breeze", "/var/log/breeze"}

const unitFile = `[Unit]
Description=Breeze System Update Agent
Documentation=https://github.com/breeze-rmm/sysupdate-agent
After=dbus.service

[Service]
Type=simple
ExecStart=/usr/local/bin/sysupdate-agent run
WorkingDirectory=/etc/breeze
Restart=on-failure
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5

# Security hardening
ProtectSystem=strict
ProtectHome=true
ReadWritePaths=/etc/breeze /var/lib/breeze /var/log/breeze /var/run/breeze
PrivateTmp=true

# Logging (stdout goes to journald)
StandardOutput=journal
StandardError=journal
SyslogIdentifier=sysupdate-agent

# File limits
LimitNOFILE=8192

[Install]
WantedBy=multi-user.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the agent system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// rootOnly gates the service subcommands that talk to systemd.
func rootOnly(sub string) error {
	if !privilege.IsRunningAsRoot() {
		return fmt.Errorf("must run as root (sudo sysupdate-agent service %s)", sub)
	}
	return nil
}

// systemctl runs a systemctl subcommand and returns its combined output
// with surrounding whitespace stripped.
func systemctl(args ...string) (string, error) {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// createAgentDirs makes the config, data and log directories. The config
// directory is tightened to 0700 because it will hold the agent config.
func createAgentDirs() error {
	for _, dir := range agentDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.Chmod(agentDirs[0], 0700); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", agentDirs[0], err)
	}
	return nil
}

// installBinary copies the running executable to installedBin unless the
// agent is already being run from there.
func installBinary() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to determine executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}
	if exe == installedBin {
		return nil
	}

	data, err := os.ReadFile(exe)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}
	if err := os.WriteFile(installedBin, data, 0755); err != nil {
		return fmt.Errorf("failed to copy binary to %s: %w", installedBin, err)
	}
	fmt.Printf("Binary installed to %s\n", installedBin)
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rootOnly("install"); err != nil {
			return err
		}
		if err := createAgentDirs(); err != nil {
			return err
		}
		if err := installBinary(); err != nil {
			return err
		}

		if err := os.WriteFile(unitPath, []byte(unitFile), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", unitPath)

		if out, err := systemctl("daemon-reload"); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", out)
		}
		if out, err := systemctl("enable", unitName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", out)
		}

		fmt.Println()
		fmt.Println("System update agent installed and enabled.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Start:   sudo sysupdate-agent service start")
		fmt.Println("  2. Status:  sysupdate-agent status")
		fmt.Println("  3. Logs:    journalctl -u sysupdate-agent -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rootOnly("uninstall"); err != nil {
			return err
		}

		// Best effort: the unit may already be stopped or gone.
		systemctl("stop", unitName)
		systemctl("disable", unitName)
		os.Remove(unitPath)
		systemctl("daemon-reload")
		os.Remove(installedBin)

		fmt.Println("System update agent uninstalled.")
		fmt.Printf("Config at %s was preserved.\n", agentDirs[0])
		fmt.Printf("To remove config: sudo rm -rf %s\n", agentDirs[0])
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rootOnly("start"); err != nil {
			return err
		}
		if _, err := os.Stat(unitPath); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo sysupdate-agent service install' first")
		}

		if out, err := systemctl("start", unitName); err != nil {
			return fmt.Errorf("failed to start service: %s", out)
		}
		fmt.Println("System update agent started.")
		fmt.Println("Logs: journalctl -u sysupdate-agent -f")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rootOnly("stop"); err != nil {
			return err
		}
		if out, err := systemctl("stop", unitName); err != nil {
			return fmt.Errorf("failed to stop service: %s", out)
		}
		fmt.Println("System update agent stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(unitPath); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}

		// systemctl status exits non-zero when the unit is stopped,
		// print whatever it reported either way.
		out, _ := systemctl("status", unitName, "--no-pager")
		fmt.Println(out)
		return nil
	},
}
