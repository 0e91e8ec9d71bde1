package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/sysupdate-agent/internal/config"
	"github.com/breeze-rmm/sysupdate-agent/internal/ipc"
	"github.com/breeze-rmm/sysupdate-agent/internal/updates"
)

var (
	version    = "0.1.0"
	cfgFile    string
	socketFlag string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "sysupdate-agent",
	Short: "Breeze system update agent",
	Long: `Breeze system update agent - drives systemd-sysupdate targets and
serves update state to local clients over a control socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sysupdate-agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and app status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var refreshMaxAge int

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-derive target metadata from the update service",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Refresh(time.Duration(refreshMaxAge) * time.Second); err != nil {
			return err
		}
		fmt.Println("Metadata refreshed.")
		return nil
	},
}

var (
	listInstalled bool
	listAvailable bool
	listUpdates   bool
	listSearch    []string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List component apps",
	Long: `List component apps by one criterion: --installed, --available,
--updates (the default) or --search.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList()
	},
}

var upgradesCmd = &cobra.Command{
	Use:   "upgrades",
	Short: "List available operating system upgrades",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		apps, err := client.ListUpgrades()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(apps)
		}
		if len(apps) == 0 {
			fmt.Println("No upgrades available.")
			return nil
		}
		printApps(apps)
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <app>...",
	Short: "Show detailed app information including contents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		apps, err := client.Describe(args)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(apps)
		}
		for _, a := range apps {
			printAppDetail(a)
		}
		return nil
	},
}

var (
	noDownload bool
	noApply    bool
)

var updateCmd = &cobra.Command{
	Use:   "update [app]...",
	Short: "Update apps (all updatable apps when none are named)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(args)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <app>",
	Short: "Cancel the running update of an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Println("Cancellation requested.")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the agent configuration file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = "/etc/breeze/sysupdate.yaml"
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.SaveTo(config.Default(), cfgFile); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/sysupdate.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "daemon control socket path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	refreshCmd.Flags().IntVar(&refreshMaxAge, "max-age", 0, "skip when metadata is younger than this many seconds (0 forces a scan)")

	listCmd.Flags().BoolVar(&listInstalled, "installed", false, "apps with an installed version")
	listCmd.Flags().BoolVar(&listAvailable, "available", false, "apps without an installed version")
	listCmd.Flags().BoolVar(&listUpdates, "updates", false, "apps relevant for update management (the default)")
	listCmd.Flags().StringSliceVar(&listSearch, "search", nil, "apps matching any keyword")

	updateCmd.Flags().BoolVar(&noDownload, "no-download", false, "apply a previously downloaded update only")
	updateCmd.Flags().BoolVar(&noApply, "no-apply", false, "download without applying")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(upgradesCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(cancelCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing configuration file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// dialDaemon connects to the control socket, resolving its path from
// the --socket flag or the config file.
func dialDaemon() (*ipc.Client, error) {
	path := socketFlag
	if path == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.SocketPath
	}

	client, err := ipc.Dial(path)
	if err != nil {
		return nil, fmt.Errorf("cannot reach the agent daemon at %s (is it running?): %w", path, err)
	}
	return client, nil
}

func showStatus() error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(st)
	}

	fmt.Printf("Daemon:       v%s, up %s\n", st.Version, time.Duration(st.UptimeSeconds)*time.Second)
	if overall, ok := st.Health["status"].(string); ok {
		fmt.Printf("Health:       %s\n", overall)
	}
	fmt.Printf("Host:         %s (%s)\n", st.Status.Host.OSName, st.Status.Host.Hostname)
	fmt.Printf("Targets:      %d\n", st.Status.Targets)
	fmt.Printf("Active jobs:  %d\n", st.Status.ActiveJobs)
	switch {
	case st.Status.Refreshing:
		fmt.Println("Refresh:      in progress")
	case !st.Status.LastRefresh.IsZero():
		fmt.Printf("Last refresh: %s\n", st.Status.LastRefresh.Local().Format(time.RFC1123))
	default:
		fmt.Println("Last refresh: never")
	}

	if len(st.Status.Apps) > 0 {
		fmt.Println()
		printApps(st.Status.Apps)
	}
	return nil
}

func runList() error {
	var q updates.Query
	set := 0
	if listInstalled {
		q = updates.InstalledQuery(true)
		set++
	}
	if listAvailable {
		q = updates.InstalledQuery(false)
		set++
	}
	if listUpdates {
		q = updates.ForUpdateQuery()
		set++
	}
	if len(listSearch) > 0 {
		q = updates.KeywordQuery(listSearch...)
		set++
	}
	if set > 1 {
		return fmt.Errorf("choose one of --installed, --available, --updates or --search")
	}
	if set == 0 {
		q = updates.ForUpdateQuery()
	}

	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	apps, err := client.ListApps(q)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(apps)
	}
	if len(apps) == 0 {
		fmt.Println("No matching apps.")
		return nil
	}
	printApps(apps)
	return nil
}

func runUpdate(args []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ids := args
	if len(ids) == 0 {
		apps, err := client.ListApps(updates.ForUpdateQuery())
		if err != nil {
			return err
		}
		for _, a := range apps {
			ids = append(ids, a.ID)
		}
		if len(ids) == 0 {
			fmt.Println("Nothing to update.")
			return nil
		}
	}

	fmt.Printf("Updating %s...\n", strings.Join(ids, ", "))
	if err := client.Update(ids, noDownload, noApply); err != nil {
		return err
	}
	fmt.Println("Update batch finished. Run 'sysupdate-agent status' to inspect per-app results.")
	return nil
}

func printApps(apps []updates.AppInfo) {
	for _, a := range apps {
		line := fmt.Sprintf("  %-28s %-16s %s", a.ID, a.State, a.Version)
		if a.Progress != nil {
			line += fmt.Sprintf("  %d%%", *a.Progress)
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
}

func printAppDetail(a updates.AppInfo) {
	fmt.Printf("%s\n", a.ID)
	fmt.Printf("  Name:    %s\n", a.Name)
	fmt.Printf("  Summary: %s\n", a.Summary)
	fmt.Printf("  State:   %s\n", a.State)
	if a.Version != "" {
		fmt.Printf("  Version: %s\n", a.Version)
	}
	if a.Description != "" {
		fmt.Println("  Contents:")
		for _, line := range strings.Split(strings.TrimRight(a.Description, "\n"), "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
	fmt.Println()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
