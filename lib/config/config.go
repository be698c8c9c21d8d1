// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/holdfast/lib/runpath"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "HOLDFAST_CONFIG"

// Config is the master configuration for holdfast.
type Config struct {
	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Supervisor configures reconciliation and session creation.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Session holds defaults for newly created sessions.
	Session SessionConfig `yaml:"session"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// RunDir holds session sockets, spec files, daemon logs and the
	// control socket. It must be short enough for unix socket paths.
	// Default: ${XDG_RUNTIME_DIR:-/tmp}/holdfast
	RunDir string `yaml:"run_dir"`

	// State is where durable state is kept.
	// Default: ${HOME}/.local/state/holdfast
	State string `yaml:"state"`

	// Registry is the SQLite session registry.
	// Default: ${HOLDFAST_STATE}/registry.db
	Registry string `yaml:"registry"`

	// Bin is searched for holdfast binaries before PATH.
	Bin string `yaml:"bin"`
}

// SupervisorConfig configures the supervisor.
type SupervisorConfig struct {
	// Prefix is the file name stem of every socket.
	// Default: holdfast
	Prefix string `yaml:"prefix"`

	// Parallelism bounds concurrent probes during reconciliation.
	// Default: 5
	Parallelism int `yaml:"parallelism"`

	// ProbeTimeout bounds each reconciliation probe.
	// Default: 2s
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// StartTimeout bounds the wait for a new daemon's socket.
	// Default: 5s
	StartTimeout time.Duration `yaml:"start_timeout"`

	// SessionBinary is the session daemon executable. A bare name is
	// resolved with BinaryPath.
	// Default: holdfast-session
	SessionBinary string `yaml:"session_binary"`
}

// SessionConfig holds defaults applied to new sessions.
type SessionConfig struct {
	// Command is the program a session runs when the request names
	// none.
	// Default: [${SHELL:-/bin/sh}]
	Command []string `yaml:"command"`

	// Columns and Rows are the initial terminal size.
	// Default: 80x24
	Columns uint16 `yaml:"columns"`
	Rows    uint16 `yaml:"rows"`

	// RingBufferSize is the output history kept per session, in bytes.
	// Default: 1 MiB
	RingBufferSize int `yaml:"ring_buffer_size"`

	// RestartOnExit relaunches a session's process when it exits.
	RestartOnExit bool `yaml:"restart_on_exit"`

	// ExitLinger is how long a daemon outlives its process. Zero keeps
	// it until destroyed.
	ExitLinger time.Duration `yaml:"exit_linger"`
}

// Default returns the default configuration, unexpanded.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			RunDir:   "${XDG_RUNTIME_DIR:-/tmp}/holdfast",
			State:    "${HOME}/.local/state/holdfast",
			Registry: "${HOLDFAST_STATE}/registry.db",
		},
		Supervisor: SupervisorConfig{
			Prefix:        runpath.DefaultPrefix,
			Parallelism:   5,
			ProbeTimeout:  2 * time.Second,
			StartTimeout:  5 * time.Second,
			SessionBinary: "holdfast-session",
		},
		Session: SessionConfig{
			Command:        []string{"${SHELL:-/bin/sh}"},
			Columns:        80,
			Rows:           24,
			RingBufferSize: 1024 * 1024,
		},
	}
}

// Load loads configuration from the file named by HOLDFAST_CONFIG.
// It fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your holdfast.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// Resolve loads path if set, otherwise HOLDFAST_CONFIG if set,
// otherwise returns the expanded defaults.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv(EnvironmentVariable) != "" {
		return Load()
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths
// and the default command.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["HOLDFAST_STATE"] = c.Paths.State

	c.Paths.RunDir = expandVars(c.Paths.RunDir, vars)
	c.Paths.Registry = expandVars(c.Paths.Registry, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Supervisor.SessionBinary = expandVars(c.Supervisor.SessionBinary, vars)
	for index, argument := range c.Session.Command {
		c.Session.Command[index] = expandVars(argument, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. vars are
// consulted before the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if err := runpath.ValidateRunDir(c.Paths.RunDir, c.Supervisor.Prefix); err != nil {
		errs = append(errs, fmt.Errorf("paths.run_dir: %w", err))
	}
	if c.Paths.Registry == "" {
		errs = append(errs, fmt.Errorf("paths.registry is required"))
	}
	if c.Supervisor.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("supervisor.parallelism must be at least 1, got %d", c.Supervisor.Parallelism))
	}
	if c.Supervisor.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.probe_timeout must be positive"))
	}
	if c.Supervisor.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.start_timeout must be positive"))
	}
	if c.Supervisor.SessionBinary == "" {
		errs = append(errs, fmt.Errorf("supervisor.session_binary is required"))
	}
	if len(c.Session.Command) == 0 || c.Session.Command[0] == "" {
		errs = append(errs, fmt.Errorf("session.command is required"))
	}
	if c.Session.Columns == 0 || c.Session.Rows == 0 {
		errs = append(errs, fmt.Errorf("session size %dx%d must be nonzero", c.Session.Columns, c.Session.Rows))
	}
	if c.Session.RingBufferSize < 0 {
		errs = append(errs, fmt.Errorf("session.ring_buffer_size must not be negative"))
	}
	if c.Session.ExitLinger < 0 {
		errs = append(errs, fmt.Errorf("session.exit_linger must not be negative"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the run and state directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.RunDir, c.Paths.State, filepath.Dir(c.Paths.Registry)} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// BinaryPath returns the full path to a holdfast binary. An absolute
// name is returned as is; otherwise Paths.Bin is searched before PATH.
func (c *Config) BinaryPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
