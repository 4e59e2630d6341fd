package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/command-server/internal/config"
)

func newConfigCmd(opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefault()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if opts.cfgFile != "" {
				fmt.Fprintln(cmd.OutOrStdout(), opts.cfgFile)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.DefaultPath())
		},
	})

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration (file and environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return &ConfigurationError{Err: err}
			}
			switch format {
			case "toml":
				return config.Print(cfg, cmd.OutOrStdout())
			case "yaml":
				return config.PrintYAML(cfg, cmd.OutOrStdout())
			default:
				return &ConfigurationError{Err: fmt.Errorf("unknown format %q (want toml or yaml)", format)}
			}
		},
	}
	show.Flags().StringVar(&format, "format", "toml", "Output format: toml or yaml")
	cmd.AddCommand(show)

	return cmd
}
