package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// TunnelFlags holds the selector flags of the start/stop/list commands.
type TunnelFlags struct {
	App     string
	Version string
	Port    int
	// API connection
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &TunnelFlags{}
	stopFlags := &TunnelFlags{}
	listFlags := &TunnelFlags{}

	c := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(c, startFlags),
		createStopCommand(c, stopFlags),
		createListCommand(c, listFlags),
		createServerCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnel-starter",
		Short: "Tunnel lifecycle manager",
		Long: `tunnel-starter opens, tracks and closes local tunnel processes,
either through a running daemon or directly against local state.

Examples:
  tunnel-starter server                              # Start the daemon
  tunnel-starter start --app myapp --port 9000
  tunnel-starter list --app myapp
  tunnel-starter stop --app myapp --version v1.0`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createStartCommand(c command, f *TunnelFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a tunnel for an application",
		Long: `Open a tunnel for an application at a given version and local port.
When the daemon is reachable the request goes through its API; otherwise
the tunnel is launched directly and recorded in local state.

Examples:
  tunnel-starter start --app myapp --port 9000
  tunnel-starter start --app myapp --version v2.1 --port 9001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*f)
		},
	}
	addTunnelFlags(cmd, f, true)
	return cmd
}

func createStopCommand(c command, f *TunnelFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running tunnel",
		Long: `Close the tunnel for an application at a given version.

Examples:
  tunnel-starter stop --app myapp
  tunnel-starter stop --app myapp --version v2.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*f)
		},
	}
	addTunnelFlags(cmd, f, false)
	return cmd
}

func createListCommand(c command, f *TunnelFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked tunnels",
		Long: `List tunnels, optionally filtered by application name and version.

Examples:
  tunnel-starter list
  tunnel-starter list --app myapp --version v1.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(*f)
		},
	}
	addTunnelFlags(cmd, f, false)
	return cmd
}

func addTunnelFlags(cmd *cobra.Command, f *TunnelFlags, withPort bool) {
	cmd.Flags().StringVar(&f.App, "app", "", "application name")
	cmd.Flags().StringVar(&f.Version, "version", "", "application version (default v1.0)")
	if withPort {
		cmd.Flags().IntVar(&f.Port, "port", 8080, "local port for the tunnel")
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default http://localhost:8080)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}
