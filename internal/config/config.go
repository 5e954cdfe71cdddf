// Package config loads and validates the single YAML document that
// drives one sender or receiver run: jump-host coordinates, tunnel
// ports, transfer mode, and the adaptive engine's tunables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects what a run transfers: a file or a plain message.
type Mode string

const (
	ModeFile    Mode = "file"
	ModeMessage Mode = "message"
)

// Config is the root of the declarative configuration document.
type Config struct {
	SSH         SSHConfig         `yaml:"ssh"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Mode        Mode              `yaml:"mode"`
	Sender      SenderConfig      `yaml:"sender"`
	Receiver    ReceiverConfig    `yaml:"receiver"`
	Performance PerformanceConfig `yaml:"performance"`
	Progress    ProgressConfig    `yaml:"progress"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SSHConfig carries jump-host coordinates and auth selection.
type SSHConfig struct {
	JumpServer   string `yaml:"jump_server"`
	JumpUser     string `yaml:"jump_user"`
	JumpPort     int    `yaml:"jump_port"`
	UsePassword  bool   `yaml:"use_password"`
	Password     string `yaml:"password"`
	IdentityFile string `yaml:"identity_file"`
}

// TransferConfig carries tunnel ports and the protocol's frame and
// integrity tunables.
type TransferConfig struct {
	LocalPort     int  `yaml:"local_port"`
	RemotePort    int  `yaml:"remote_port"`
	MaxFrameSize  int  `yaml:"max_frame_size"`
	VerifyHash    bool `yaml:"verify_hash"`
}

// SenderConfig carries sender-role settings.
type SenderConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// ReceiverConfig carries receiver-role settings.
type ReceiverConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
}

// PerformanceConfig carries the adaptive engine's tunables.
type PerformanceConfig struct {
	UseAdaptiveTransfer bool  `yaml:"use_adaptive_transfer"`
	ChunkMinSize        int64 `yaml:"chunk_min_size"`
	ChunkMaxSize        int64 `yaml:"chunk_max_size"`
}

// ProgressConfig selects the rendering observer.
type ProgressConfig struct {
	UseProgressObserver bool `yaml:"use_progress_observer"`
	UseRichProgress     bool `yaml:"use_rich_progress"`
}

// LoggingConfig carries the Logger (C15) level and rotating file path.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// defaultMaxFrameSize matches the protocol's MAX_FRAME default.
const defaultMaxFrameSize = 16 * 1024 * 1024

// Load reads path, unmarshals it as a Config, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Config{Transfer: TransferConfig{VerifyHash: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SSH.JumpServer == "" {
		return fmt.Errorf("ssh.jump_server is required")
	}
	if c.SSH.JumpUser == "" {
		return fmt.Errorf("ssh.jump_user is required")
	}
	if c.SSH.JumpPort <= 0 {
		return fmt.Errorf("ssh.jump_port must be positive")
	}

	if c.Sender.Enabled && c.Receiver.Enabled {
		return fmt.Errorf("sender.enabled and receiver.enabled cannot both be true")
	}
	if !c.Sender.Enabled && !c.Receiver.Enabled {
		return fmt.Errorf("exactly one of sender.enabled or receiver.enabled must be true")
	}
	if c.Sender.Enabled && c.Sender.File == "" {
		return fmt.Errorf("sender.file is required when sender.enabled is true")
	}
	if c.Receiver.Enabled {
		if c.Receiver.OutputDir == "" {
			return fmt.Errorf("receiver.output_dir is required when receiver.enabled is true")
		}
		if err := os.MkdirAll(c.Receiver.OutputDir, 0o755); err != nil {
			return fmt.Errorf("creating receiver.output_dir: %w", err)
		}
	}

	switch c.Mode {
	case "", ModeFile, ModeMessage:
		if c.Mode == "" {
			c.Mode = ModeFile
		}
	default:
		return fmt.Errorf("mode must be %q or %q", ModeFile, ModeMessage)
	}

	if c.Transfer.MaxFrameSize <= 0 {
		c.Transfer.MaxFrameSize = defaultMaxFrameSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	return nil
}
