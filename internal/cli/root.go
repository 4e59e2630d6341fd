package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Build information - set by goreleaser via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

// flagAliases maps legacy flag names to the current ones.
var flagAliases = map[string]string{
	"start-command": "run-command",
	"stop-command":  "before-stop-command",
}

func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if alias, ok := flagAliases[name]; ok {
		name = alias
	}
	return pflag.NormalizedName(name)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &serveOptions{}

	rootCmd := &cobra.Command{
		Use:   "command-server",
		Short: "Supervise one shell command behind an HTTP control plane",
		Long: `command-server starts, stops and reports on a single shell command
through a small HTTP API.

API Endpoints:
  GET  /         Greeting
  GET  /status   {"running": bool, "output": "<status command stdout>"}
  POST /run      Start the run command (409 if already running)
  POST /stop     Run before-stop, kill the command, run after-stop (409 if not running)

The first SIGINT/SIGTERM stops accepting connections and waits for in-flight
requests; a second one exits immediately.

Examples:
  command-server --run-command 'sleep 100' --status-command 'echo idle'
  command-server --config ./command-server.toml --port 9000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/command-server/config.toml)")
	opts.register(rootCmd.Flags())

	rootCmd.AddCommand(
		newConfigCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, Version)
				return
			}
			fmt.Fprintf(out, "command-server version %s\n", Version)
			fmt.Fprintf(out, "  commit:  %s\n", Commit)
			fmt.Fprintf(out, "  built:   %s\n", Date)
			fmt.Fprintf(out, "  builder: %s\n", BuiltBy)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
