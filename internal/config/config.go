package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/command-server/internal/util"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COMMAND_SERVER_"

// Config represents the main configuration
type Config struct {
	Commands Commands `toml:"commands" yaml:"commands"`
	Server   Server   `toml:"server" yaml:"server"`
	Log      Log      `toml:"log" yaml:"log"`
}

// Commands holds the shell snippets that define the supervised process.
// An empty hook means the hook is not configured.
type Commands struct {
	Run        string `toml:"run" yaml:"run"`
	Status     string `toml:"status" yaml:"status"`
	BeforeStop string `toml:"before_stop" yaml:"before_stop"`
	AfterStop  string `toml:"after_stop" yaml:"after_stop"`
	Shell      string `toml:"shell" yaml:"shell"` // Program used as "<shell> -c <command>"
}

// Server holds listener settings
type Server struct {
	Host         string        `toml:"host" yaml:"host"`
	Port         int           `toml:"port" yaml:"port"`
	RunRoute     string        `toml:"run_route" yaml:"run_route"`
	DrainTimeout time.Duration `toml:"drain_timeout" yaml:"drain_timeout"` // 0 waits for in-flight requests without limit
}

// Log holds logging settings
type Log struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

var (
	logLevels  = []string{"trace", "debug", "info", "warn", "error"}
	logFormats = []string{"auto", "text", "json"}

	reservedRoutes = []string{"/", "/status", "/stop"}
)

// DefaultPath returns the default config file path
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "command-server", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "command-server", "config.toml")
}

// Default returns the built-in configuration. It has no run or status
// command, so it does not validate on its own.
func Default() *Config {
	return &Config{
		Commands: Commands{
			Shell: "sh",
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8080,
			RunRoute: "/run",
		},
		Log: Log{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the config file at path on top of the defaults and applies
// environment overrides. An empty path means DefaultPath, which may be
// missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	path = util.ExpandHome(path)

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills values a config file may have blanked out.
func applyDefaults(cfg *Config) {
	def := Default()
	if strings.TrimSpace(cfg.Commands.Shell) == "" {
		cfg.Commands.Shell = def.Commands.Shell
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.RunRoute == "" {
		cfg.Server.RunRoute = def.Server.RunRoute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}

// applyEnv overrides cfg from COMMAND_SERVER_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RUN_COMMAND":         &cfg.Commands.Run,
		"STATUS_COMMAND":      &cfg.Commands.Status,
		"BEFORE_STOP_COMMAND": &cfg.Commands.BeforeStop,
		"AFTER_STOP_COMMAND":  &cfg.Commands.AfterStop,
		"SHELL":               &cfg.Commands.Shell,
		"HOST":                &cfg.Server.Host,
		"RUN_ROUTE":           &cfg.Server.RunRoute,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FORMAT":          &cfg.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing %sPORT: %w", EnvPrefix, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup(EnvPrefix + "DRAIN_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing %sDRAIN_TIMEOUT: %w", EnvPrefix, err)
		}
		cfg.Server.DrainTimeout = d
	}
	return nil
}

// Validate reports every problem that would prevent serving.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Commands.Run) == "" {
		errs = append(errs, errors.New("run command is required"))
	}
	if strings.TrimSpace(c.Commands.Status) == "" {
		errs = append(errs, errors.New("status command is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	if c.Server.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("drain timeout %s is negative", c.Server.DrainTimeout))
	}

	route := c.Server.RunRoute
	switch {
	case !strings.HasPrefix(route, "/") || strings.ContainsAny(route, " {}"):
		errs = append(errs, fmt.Errorf("run route %q must be a plain path starting with /", route))
	case contains(reservedRoutes, route):
		errs = append(errs, fmt.Errorf("run route %q collides with a built-in route", route))
	}

	if !contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("unknown log level %q (want one of %s)", c.Log.Level, strings.Join(logLevels, ", ")))
	}
	if !contains(logFormats, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Errorf("unknown log format %q (want one of %s)", c.Log.Format, strings.Join(logFormats, ", ")))
	}

	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CreateDefault creates a default config file
func CreateDefault() (string, error) {
	path := DefaultPath()

	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := Print(Default(), f); err != nil {
		return "", err
	}

	return path, nil
}

// Print writes config to a writer in TOML format
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# command-server configuration")
	fmt.Fprintf(w, "# Environment variables with the %s prefix override these values,\n", EnvPrefix)
	fmt.Fprintln(w, "# and command-line flags override both.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[commands]")
	fmt.Fprintln(w, "# Shell snippets, each run as: <shell> -c <command>")
	writeOptional(w, "run", cfg.Commands.Run, "sleep 100")
	writeOptional(w, "status", cfg.Commands.Status, "echo idle")
	fmt.Fprintln(w, "# Hooks around /stop (optional)")
	writeOptional(w, "before_stop", cfg.Commands.BeforeStop, "echo stopping")
	writeOptional(w, "after_stop", cfg.Commands.AfterStop, "echo stopped")
	fmt.Fprintf(w, "shell = %q\n", cfg.Commands.Shell)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[server]")
	fmt.Fprintf(w, "host = %q\n", cfg.Server.Host)
	fmt.Fprintf(w, "port = %d\n", cfg.Server.Port)
	fmt.Fprintln(w, "# Path of the start endpoint, e.g. \"/start\"")
	fmt.Fprintf(w, "run_route = %q\n", cfg.Server.RunRoute)
	fmt.Fprintln(w, "# How long to wait for in-flight requests on shutdown; \"0s\" waits forever")
	fmt.Fprintf(w, "drain_timeout = %q\n", cfg.Server.DrainTimeout.String())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[log]")
	fmt.Fprintf(w, "# One of: %s\n", strings.Join(logLevels, ", "))
	fmt.Fprintf(w, "level = %q\n", cfg.Log.Level)
	fmt.Fprintf(w, "# One of: %s (auto picks text on a terminal)\n", strings.Join(logFormats, ", "))
	fmt.Fprintf(w, "format = %q\n", cfg.Log.Format)

	return nil
}

func writeOptional(w io.Writer, key, value, example string) {
	if value != "" {
		fmt.Fprintf(w, "%s = %q\n", key, value)
		return
	}
	fmt.Fprintf(w, "# %s = %q\n", key, example)
}

// PrintYAML writes config to a writer in YAML format
func PrintYAML(cfg *Config, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}
