package core

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/brun/internal/ssh"
	"github.com/3cpo-dev/brun/internal/worklist"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is everything a reconciliation pass needs to know about the
// cluster and the benchmark tree.
type Config struct {
	// Root holds one directory per benchmark.
	Root string `yaml:"root"`
	// User owns the queued jobs; defaults to the current user.
	User string `yaml:"user"`
	// Nodes is how many worker jobs one dispatch submits.
	Nodes     int             `yaml:"nodes"`
	Layout    worklist.Layout `yaml:"layout"`
	Queue     QueueConfig     `yaml:"queue"`
	HistoryDB string          `yaml:"history_db"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

type QueueConfig struct {
	// Backend is "pbs" (commands run locally) or "pbs-ssh" (commands run
	// on SSH.Host).
	Backend       string        `yaml:"backend"`
	StatusCommand string        `yaml:"status_command"`
	SubmitCommand string        `yaml:"submit_command"`
	WorkerScript  string        `yaml:"worker_script"`
	Walltime      time.Duration `yaml:"walltime"`
	CoresPerNode  int           `yaml:"cores_per_node"`
	SSH           ssh.Target    `yaml:"ssh"`
}

// ArchiveConfig names a host that receives the global output logs once
// every benchmark has finished. An empty Host disables archiving.
type ArchiveConfig struct {
	ssh.Target `yaml:",inline"`
	RemoteDir  string `yaml:"remote_dir"`
}

func (a ArchiveConfig) Enabled() bool { return a.Host != "" }

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig matches the Karst deployment: eight single-node
// jobs of 16 cores with a 24 hour walltime.
func DefaultConfig() Config {
	return Config{
		Nodes:  8,
		Layout: worklist.DefaultLayout(),
		Queue: QueueConfig{
			Backend:       "pbs",
			StatusCommand: "qstat",
			SubmitCommand: "qsub",
			Walltime:      24 * time.Hour,
			CoresPerNode:  16,
		},
		Log: LogConfig{MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 90},
	}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/brun/config.yaml or
// ~/.config/brun/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "brun", "config.yaml")
}

// LoadConfig reads YAML configuration on top of DefaultConfig. If path is
// empty the default path is used, and a missing default file is not an
// error. BRUN_ROOT and BRUN_USER override the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if v := os.Getenv("BRUN_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("BRUN_USER"); v != "" {
		cfg.User = v
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	c.Layout = c.Layout.WithDefaults()
	if c.User == "" {
		c.User = currentUser()
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = d.Queue.Backend
	}
	if c.Queue.StatusCommand == "" {
		c.Queue.StatusCommand = d.Queue.StatusCommand
	}
	if c.Queue.SubmitCommand == "" {
		c.Queue.SubmitCommand = d.Queue.SubmitCommand
	}
	if c.Queue.WorkerScript == "" && c.Root != "" {
		c.Queue.WorkerScript = filepath.Join(c.Root, "karst", "bnode.sh")
	}
}

func currentUser() string {
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func (c Config) Validate() error {
	switch {
	case c.Root == "":
		return fmt.Errorf("%w: root is required (set root or BRUN_ROOT)", ErrInvalidConfig)
	case c.User == "":
		return fmt.Errorf("%w: user is required", ErrInvalidConfig)
	case c.Nodes <= 0:
		return fmt.Errorf("%w: nodes must be positive, got %d", ErrInvalidConfig, c.Nodes)
	case c.Queue.Walltime <= 0:
		return fmt.Errorf("%w: queue.walltime must be positive", ErrInvalidConfig)
	case c.Queue.CoresPerNode <= 0:
		return fmt.Errorf("%w: queue.cores_per_node must be positive", ErrInvalidConfig)
	case c.Queue.WorkerScript == "":
		return fmt.Errorf("%w: queue.worker_script is required", ErrInvalidConfig)
	case c.Queue.Backend == "pbs-ssh" && c.Queue.SSH.Host == "":
		return fmt.Errorf("%w: queue.ssh.host is required for the pbs-ssh backend", ErrInvalidConfig)
	case c.Archive.Enabled() && c.Archive.RemoteDir == "":
		return fmt.Errorf("%w: archive.remote_dir is required when archive.host is set", ErrInvalidConfig)
	}
	return nil
}
