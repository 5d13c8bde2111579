// Package config loads enforcerd settings from defaults, an optional YAML
// file and PATHGUARD_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"pathguard.enforcer/internal/engine"
	"pathguard.enforcer/internal/policy"
	"pathguard.enforcer/internal/tables"
	"pathguard.enforcer/pkg/ipc"
)

const (
	DefaultConfigPath = "/etc/pathguard/enforcerd.yaml"
	EnvPrefix         = "PATHGUARD"

	BackendEBPF   = "ebpf"
	BackendPtrace = "ptrace"

	defaultObjectDir = "/usr/lib/pathguard/bpf"
	defaultPinDir    = "/sys/fs/bpf"
)

type Config struct {
	Backend string        `mapstructure:"backend"`
	Log     LogConfig     `mapstructure:"log"`
	IPC     IPCConfig     `mapstructure:"ipc"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Engine  EngineConfig  `mapstructure:"engine"`
	BPF     BPFConfig     `mapstructure:"bpf"`
	Ptrace  PtraceConfig  `mapstructure:"ptrace"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Policy  PolicyConfig  `mapstructure:"policy"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type IPCConfig struct {
	Socket string `mapstructure:"socket"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen"`
}

type EngineConfig struct {
	MaxAncestryHops int    `mapstructure:"max_ancestry_hops"`
	FailMode        string `mapstructure:"fail_mode"`
	StagingKey      string `mapstructure:"staging_key"`
	TableCapacity   int    `mapstructure:"table_capacity"`
}

type BPFConfig struct {
	ObjectDir string `mapstructure:"object_dir"`
	PinDir    string `mapstructure:"pin_dir"`
	// PerfBufferPages is the size of each per-CPU perf ring in pages.
	PerfBufferPages int `mapstructure:"perf_buffer_pages"`
}

type PtraceConfig struct {
	ProcRoot string `mapstructure:"proc_root"`
}

type AuditConfig struct {
	// BufferPerCPU is how many events each CPU's queue holds in the ptrace
	// backend before dropping.
	BufferPerCPU     int `mapstructure:"buffer_per_cpu"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type PolicyConfig struct {
	File          string        `mapstructure:"file"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
	Prune         bool          `mapstructure:"prune"`
	BufferSize    int           `mapstructure:"buffer_size"`
}

// SetDefaults registers every key, which also makes each one overridable
// from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendEBPF)
	v.SetDefault("log.level", "info")
	v.SetDefault("ipc.socket", ipc.DefaultSocket)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("engine.max_ancestry_hops", engine.DefaultMaxAncestryHops)
	v.SetDefault("engine.fail_mode", engine.FailOpen.String())
	v.SetDefault("engine.staging_key", engine.StageByThread.String())
	v.SetDefault("engine.table_capacity", tables.DefaultCapacity)
	v.SetDefault("bpf.object_dir", defaultObjectDir)
	v.SetDefault("bpf.pin_dir", defaultPinDir)
	v.SetDefault("bpf.perf_buffer_pages", 64)
	v.SetDefault("ptrace.proc_root", "/proc")
	v.SetDefault("audit.buffer_per_cpu", 256)
	v.SetDefault("audit.subscriber_buffer", 64)
	v.SetDefault("policy.file", "")
	v.SetDefault("policy.watch_interval", policy.DefaultWatchInterval)
	v.SetDefault("policy.prune", false)
	v.SetDefault("policy.buffer_size", policy.BufferSize)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v when it exists and decodes the result. A missing
// file is an error only when required is set.
func Load(v *viper.Viper, path string, required bool) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if required || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendEBPF, BackendPtrace:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendEBPF, BackendPtrace)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.IPC.Socket == "" {
		return errors.New("ipc.socket must be set")
	}
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	if c.BPF.PerfBufferPages < 1 {
		return fmt.Errorf("bpf.perf_buffer_pages must be positive, got %d", c.BPF.PerfBufferPages)
	}
	if c.Audit.BufferPerCPU < 1 || c.Audit.SubscriberBuffer < 1 {
		return errors.New("audit buffers must be positive")
	}
	if c.Policy.BufferSize < 1 {
		return fmt.Errorf("policy.buffer_size must be positive, got %d", c.Policy.BufferSize)
	}
	return nil
}

func (c *Config) EngineConfig() (engine.Config, error) {
	failMode, err := engine.ParseFailMode(c.Engine.FailMode)
	if err != nil {
		return engine.Config{}, err
	}
	stagingKey, err := engine.ParseStagingKey(c.Engine.StagingKey)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		MaxAncestryHops: c.Engine.MaxAncestryHops,
		FailMode:        failMode,
		StagingKey:      stagingKey,
		TableCapacity:   c.Engine.TableCapacity,
	}
	if err := ec.Validate(); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}

func (c *Config) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
