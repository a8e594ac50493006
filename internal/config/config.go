// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates metamapctl's runtime configuration.
//
// Configuration is layered the way the rest of the ambient stack expects:
// a fully-populated defaults struct, optionally overlaid by a YAML file,
// optionally overlaid by environment variables. Each layer only needs to
// specify what it changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/editnori/metamapctl/internal/scheduler"
	"github.com/editnori/metamapctl/internal/validation"
)

// ConfigPathEnvVar is the environment variable consulted for an explicit
// config file path before falling back to DefaultConfigPaths.
const ConfigPathEnvVar = "METAMAPCTL_CONFIG"

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"./metamapctl.yaml",
	"./config/metamapctl.yaml",
	"/etc/metamapctl/metamapctl.yaml",
}

// PortGuardConfig configures the port guard.
type PortGuardConfig struct {
	TaggerPort     int           `koanf:"tagger_port" validate:"required,gt=0,lt=65536"`
	WSDPort        int           `koanf:"wsd_port" validate:"required,gt=0,lt=65536"`
	EnsureTimeout  time.Duration `koanf:"ensure_timeout" validate:"required"`
	AutoKillStale  bool          `koanf:"auto_kill_stale"`
	StaleProcessAge time.Duration `koanf:"stale_process_age" validate:"required"`
}

// SupervisorConfig configures the server supervisor.
type SupervisorConfig struct {
	ServerScriptsDir string        `koanf:"server_scripts_dir"`
	PublicMMDir      string        `koanf:"public_mm_dir"`
	MetamapBinary    string        `koanf:"metamap_binary_path"`
	JavaHome         string        `koanf:"java_home"`
	StartPortTimeout time.Duration `koanf:"start_port_timeout" validate:"required"`
	RestartCooldown  time.Duration `koanf:"restart_cooldown" validate:"required"`
	VerifyConnectivity bool        `koanf:"verify_connectivity"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Enabled                bool          `koanf:"enabled"`
	CheckInterval          time.Duration `koanf:"check_interval" validate:"required"`
	PortProbeTimeout       time.Duration `koanf:"port_probe_timeout" validate:"required"`
	IntegrationProbeTimeout time.Duration `koanf:"integration_probe_timeout" validate:"required"`
	FailureThreshold       uint32        `koanf:"failure_threshold" validate:"required,gt=0"`
}

// PoolConfig configures the instance pool.
type PoolConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Cap              int           `koanf:"cap" validate:"required,gt=0"`
	MinCap           int           `koanf:"min_cap" validate:"gte=0"`
	MaxCap           int           `koanf:"max_cap" validate:"gte=0"`
	Adaptive         bool          `koanf:"adaptive"`
	PerInstanceBudgetMB int        `koanf:"per_instance_budget_mb" validate:"required,gt=0"`
	AcquireTimeout   time.Duration `koanf:"acquire_timeout" validate:"required"`
}

// StateConfig configures the durable state store.
type StateConfig struct {
	// Backend selects manifest or snapshot persistence. See DESIGN.md
	// for the rationale behind keeping both as alternate backends.
	Backend        string        `koanf:"backend" validate:"required,oneof=manifest snapshot"`
	DataDir        string        `koanf:"data_dir" validate:"required"`
	LockTimeout    time.Duration `koanf:"lock_timeout" validate:"required"`
	BatchSaveEvery int           `koanf:"batch_save_every" validate:"required,gt=0"`
	ConceptTopN    int           `koanf:"concept_top_n" validate:"required,gt=0"`
}

// RetryConfig configures the retry controller.
type RetryConfig struct {
	MaxAttempts         int           `koanf:"max_attempts" validate:"gte=0"`
	BaseDelay           time.Duration `koanf:"base_delay" validate:"required"`
	MaxDelay            time.Duration `koanf:"max_delay" validate:"required"`
	ExponentialBackoff  bool          `koanf:"exponential_backoff"`
}

// SchedulerConfig configures the worker scheduler.
type SchedulerConfig struct {
	MaxWorkers        int           `koanf:"max_workers" validate:"required,gt=0"`
	TimeoutPerFile    time.Duration `koanf:"timeout_per_file" validate:"required"`
	ChunkSize         int           `koanf:"chunk_size" validate:"required,gt=0"`
	UsePool           bool          `koanf:"use_pool"`
	MemoryStreaming   bool          `koanf:"memory_streaming"`
	ChunkedProcessing bool          `koanf:"chunked_processing"`
	DynamicWorkers    bool          `koanf:"dynamic_workers"`
	HealthMonitoring  bool          `koanf:"health_monitoring"`
	Validation        bool          `koanf:"validation"`
	MinDiskFreeMB     int           `koanf:"min_disk_free_mb" validate:"required,gt=0"`
	WarnDiskFreeMB    int           `koanf:"warn_disk_free_mb" validate:"required,gt=0"`
}

// FileTrackerConfig configures file discovery and selection.
type FileTrackerConfig struct {
	InputDir         string   `koanf:"input_dir" validate:"required"`
	OutputDir        string   `koanf:"output_dir" validate:"required"`
	Extensions       []string `koanf:"extensions"`
	BloomThreshold   int      `koanf:"bloom_threshold" validate:"required,gt=0"`
}

// APIConfig configures the monitoring API.
type APIConfig struct {
	Enabled    bool   `koanf:"enabled"`
	BindAddr   string `koanf:"bind_addr" validate:"required"`
	BearerToken string `koanf:"bearer_token"`
	EnableCORS bool   `koanf:"enable_cors"`
	EnableSwagger bool `koanf:"enable_swagger"`
}

// EventBusConfig configures the progress event bus.
type EventBusConfig struct {
	Backend  string `koanf:"backend" validate:"required,oneof=inprocess nats"`
	NATSURL  string `koanf:"nats_url"`
	Subject  string `koanf:"subject"`
}

// ArchiverConfig configures log rotation.
type ArchiverConfig struct {
	Enabled       bool   `koanf:"enabled"`
	LogsDir       string `koanf:"logs_dir" validate:"required"`
	RetainArchives int   `koanf:"retain_archives" validate:"gte=0"`
}

// Config is the root configuration object.
type Config struct {
	LogLevel    string `koanf:"log_level" validate:"required,oneof=trace debug info warn error"`
	LogFormat   string `koanf:"log_format" validate:"required,oneof=json console"`

	PortGuard   PortGuardConfig   `koanf:"port_guard"`
	Supervisor  SupervisorConfig  `koanf:"supervisor"`
	Health      HealthConfig      `koanf:"health"`
	Pool        PoolConfig        `koanf:"pool"`
	State       StateConfig       `koanf:"state"`
	Retry       RetryConfig       `koanf:"retry"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	FileTracker FileTrackerConfig `koanf:"file_tracker"`
	API         APIConfig         `koanf:"api"`
	EventBus    EventBusConfig    `koanf:"event_bus"`
	Archiver    ArchiverConfig    `koanf:"archiver"`
}

// defaultConfig returns a fully-populated Config with every field set to
// a sane default, mirroring the 8/16/1795/5554 constants from the
// annotator's own reference deployment.
func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		PortGuard: PortGuardConfig{
			TaggerPort:      1795,
			WSDPort:         5554,
			EnsureTimeout:   60 * time.Second,
			AutoKillStale:   true,
			StaleProcessAge: 24 * time.Hour,
		},
		Supervisor: SupervisorConfig{
			StartPortTimeout:   30 * time.Second,
			RestartCooldown:    2 * time.Second,
			VerifyConnectivity: true,
		},
		Health: HealthConfig{
			Enabled:                 true,
			CheckInterval:           30 * time.Second,
			PortProbeTimeout:        2 * time.Second,
			IntegrationProbeTimeout: 5 * time.Second,
			FailureThreshold:        3,
		},
		Pool: PoolConfig{
			Enabled:             true,
			Cap:                 4,
			MinCap:              1,
			MaxCap:              8,
			Adaptive:            false,
			PerInstanceBudgetMB: 512,
			AcquireTimeout:      30 * time.Second,
		},
		State: StateConfig{
			Backend:        "manifest",
			DataDir:        "./metamapctl_data",
			LockTimeout:    5 * time.Second,
			BatchSaveEvery: 10,
			ConceptTopN:    10,
		},
		Retry: RetryConfig{
			MaxAttempts:        3,
			BaseDelay:          5 * time.Second,
			MaxDelay:           60 * time.Second,
			ExponentialBackoff: true,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:        4,
			TimeoutPerFile:    300 * time.Second,
			ChunkSize:         scheduler.DefaultChunkSize(),
			UsePool:           true,
			MemoryStreaming:   false,
			ChunkedProcessing: false,
			DynamicWorkers:    false,
			HealthMonitoring:  false,
			Validation:        true,
			MinDiskFreeMB:     500,
			WarnDiskFreeMB:    1024,
		},
		FileTracker: FileTrackerConfig{
			InputDir:       "./input",
			OutputDir:      "./output",
			Extensions:     []string{".txt", ".text", ".input"},
			BloomThreshold: 50000,
		},
		API: APIConfig{
			Enabled:       true,
			BindAddr:      "127.0.0.1:8765",
			EnableCORS:    false,
			EnableSwagger: true,
		},
		EventBus: EventBusConfig{
			Backend: "inprocess",
			Subject: "metamapctl.progress",
		},
		Archiver: ArchiverConfig{
			Enabled:        true,
			LogsDir:        "./logs",
			RetainArchives: 10,
		},
	}
}

// Load builds a Config by layering defaults, an optional YAML file, and
// environment variables (prefixed METAMAPCTL_, double-underscore nested),
// then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("METAMAPCTL_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if verr := validation.ValidateStruct(&cfg); verr != nil {
		return nil, fmt.Errorf("config: validate: %w", verr)
	}

	return &cfg, nil
}

// findConfigFile resolves the config file path: explicit env var first,
// then the first existing entry in DefaultConfigPaths.
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			abs, err := filepath.Abs(p)
			if err != nil {
				return p
			}
			return abs
		}
	}
	return ""
}

// envTransformFunc maps METAMAPCTL_SCHEDULER__MAX_WORKERS to
// scheduler.max_workers, matching the struct tags above.
func envTransformFunc(s string) string {
	s = strings.TrimPrefix(s, "METAMAPCTL_")
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", ".")
	return s
}
