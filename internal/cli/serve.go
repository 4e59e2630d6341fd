package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Dicklesworthstone/command-server/internal/config"
	"github.com/Dicklesworthstone/command-server/internal/executor"
	"github.com/Dicklesworthstone/command-server/internal/logging"
	"github.com/Dicklesworthstone/command-server/internal/serve"
	"github.com/Dicklesworthstone/command-server/internal/shutdown"
	"github.com/Dicklesworthstone/command-server/internal/supervisor"
)

type serveOptions struct {
	cfgFile string

	runCommand        string
	statusCommand     string
	beforeStopCommand string
	afterStopCommand  string
	shell             string

	host         string
	port         int
	runRoute     string
	drainTimeout time.Duration

	logLevel  string
	logFormat string
}

func (o *serveOptions) register(flags *pflag.FlagSet) {
	flags.SetNormalizeFunc(normalizeFlagName)
	def := config.Default()

	flags.StringVar(&o.runCommand, "run-command", "", "shell command started by POST /run (alias --start-command)")
	flags.StringVar(&o.statusCommand, "status-command", "", "shell command whose stdout GET /status reports")
	flags.StringVar(&o.beforeStopCommand, "before-stop-command", "", "hook run before the command is killed (alias --stop-command)")
	flags.StringVar(&o.afterStopCommand, "after-stop-command", "", "hook run after the command is killed")
	flags.StringVar(&o.shell, "shell", def.Commands.Shell, "shell used to run commands as '<shell> -c <command>'")

	flags.StringVar(&o.host, "host", def.Server.Host, "address to bind")
	flags.IntVar(&o.port, "port", def.Server.Port, "port to bind (0 picks a free port)")
	flags.StringVar(&o.runRoute, "run-route", def.Server.RunRoute, "path of the start endpoint")
	flags.DurationVar(&o.drainTimeout, "drain-timeout", def.Server.DrainTimeout, "how long to wait for in-flight requests on shutdown (0 waits forever)")

	flags.StringVar(&o.logLevel, "log-level", def.Log.Level, "log level: trace, debug, info, warn, error")
	flags.StringVar(&o.logFormat, "log-format", def.Log.Format, "log format: auto, text, json")
}

// apply overrides cfg with the flags that were set explicitly.
func (o *serveOptions) apply(flags *pflag.FlagSet, cfg *config.Config) {
	strs := []struct {
		name string
		dst  *string
		val  string
	}{
		{"run-command", &cfg.Commands.Run, o.runCommand},
		{"status-command", &cfg.Commands.Status, o.statusCommand},
		{"before-stop-command", &cfg.Commands.BeforeStop, o.beforeStopCommand},
		{"after-stop-command", &cfg.Commands.AfterStop, o.afterStopCommand},
		{"shell", &cfg.Commands.Shell, o.shell},
		{"host", &cfg.Server.Host, o.host},
		{"run-route", &cfg.Server.RunRoute, o.runRoute},
		{"log-level", &cfg.Log.Level, o.logLevel},
		{"log-format", &cfg.Log.Format, o.logFormat},
	}
	for _, s := range strs {
		if flags.Changed(s.name) {
			*s.dst = s.val
		}
	}
	if flags.Changed("port") {
		cfg.Server.Port = o.port
	}
	if flags.Changed("drain-timeout") {
		cfg.Server.DrainTimeout = o.drainTimeout
	}
}

// resolveConfig layers flags over environment over file over defaults.
func resolveConfig(flags *pflag.FlagSet, o *serveOptions) (*config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	o.apply(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	logger, err := logging.New(cmd.ErrOrStderr(), level, cfg.Log.Format)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	return logger, nil
}

func runServe(cmd *cobra.Command, o *serveOptions) error {
	cfg, err := resolveConfig(cmd.Flags(), o)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	shell := executor.NewShell(
		executor.WithShell(cfg.Commands.Shell, "-c"),
		executor.WithChildOutput(os.Stdout, os.Stderr),
	)
	sup := supervisor.New(cfg.Commands, shell,
		supervisor.WithLogger(logger.With("component", "supervisor")))

	coord := shutdown.New(shutdown.Config{Logger: logger.With("component", "shutdown")})
	coord.HandleSignals()
	defer coord.Stop()

	srv := serve.New(serve.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		RunRoute:     cfg.Server.RunRoute,
		DrainTimeout: cfg.Server.DrainTimeout,
		Supervisor:   sup,
		Logger:       logger.With("component", "serve"),
	})

	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	err = srv.Serve(coord.Context(), ln)
	coord.Complete()
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if sup.Running() {
		logger.Info("exiting with the command still running; it is not stopped on shutdown")
	}
	return nil
}
