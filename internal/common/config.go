package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Stages      StagesConfig    `toml:"stages"`
	Storage     StorageConfig   `toml:"storage"`
	Progress    ProgressConfig  `toml:"progress"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Merge       MergeConfig     `toml:"merge"`
}

type ServerConfig struct {
	Port            int    `toml:"port"`
	Host            string `toml:"host"`
	ShutdownTimeout string `toml:"shutdown_timeout"` // e.g. "30s"
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// StagesConfig holds the external stage processors the service drives
type StagesConfig struct {
	Builder     StageConfig `toml:"builder"`
	Auxiliary   StageConfig `toml:"auxiliary"`
	Miner       StageConfig `toml:"miner"`
	MaxRetries  int         `toml:"max_retries"`  // Attempts per stage call, transport failures only
	BackoffUnit string      `toml:"backoff_unit"` // Base of the 2^attempt backoff, e.g. "1s"
	RateLimit   float64     `toml:"rate_limit"`   // Outbound requests per second, 0 disables
}

// StageConfig describes a single stage processor endpoint
type StageConfig struct {
	URL        string `toml:"url"`
	Path       string `toml:"path"`        // Request path appended to URL, e.g. "/api/load"
	Timeout    string `toml:"timeout"`     // Per-attempt timeout, e.g. "600s"
	WriterType string `toml:"writer_type"` // Builder output writer (builder stages only)
}

type StorageConfig struct {
	SharedOutputDir string `toml:"shared_output_dir"` // Output tree written by the stage processors
	LocalOutputDir  string `toml:"local_output_dir"`  // Derived local copies of mining output
	ScratchDir      string `toml:"scratch_dir"`       // Parent of per-request upload directories
	GraphArtifact   string `toml:"graph_artifact"`    // Builder artifact consumed by the miner
}

type ProgressConfig struct {
	PollInterval  string `toml:"poll_interval"`  // e.g. "500ms"
	SweepSchedule string `toml:"sweep_schedule"` // Cron spec for stopping unobserved watchers
}

type WebSocketConfig struct {
	KeepAlive      string   `toml:"keep_alive"` // Idle window before a keep-alive frame
	AllowedOrigins []string `toml:"allowed_origins"`
}

type MergeConfig struct {
	Subdir    string   `toml:"subdir"`     // Destination of auxiliary output inside the primary tree
	SkipNames []string `toml:"skip_names"` // Auxiliary files never copied over primary metadata
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:            9000,
			Host:            "0.0.0.0",
			ShutdownTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Stages: StagesConfig{
			Builder: StageConfig{
				URL:        "http://atomspace-api-dev:8000",
				Path:       "/api/load",
				Timeout:    "600s",
				WriterType: "networkx",
			},
			Auxiliary: StageConfig{
				URL:        "http://atomspace-api-dev:8000",
				Path:       "/api/load",
				Timeout:    "600s",
				WriterType: "neo4j",
			},
			Miner: StageConfig{
				URL:     "http://neural-miner:5000",
				Path:    "/mine",
				Timeout: "1800s",
			},
			MaxRetries:  3,
			BackoffUnit: "1s",
			RateLimit:   0,
		},
		Storage: StorageConfig{
			SharedOutputDir: "/shared/output",
			LocalOutputDir:  "./output",
			ScratchDir:      "",
			GraphArtifact:   "networkx_graph.pkl",
		},
		Progress: ProgressConfig{
			PollInterval:  "500ms",
			SweepSchedule: "@every 30s",
		},
		WebSocket: WebSocketConfig{
			KeepAlive:      "30s",
			AllowedOrigins: []string{"*"},
		},
		Merge: MergeConfig{
			Subdir:    "neo4j",
			SkipNames: []string{"progress.json", "metadata.json", "manifest.json"},
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> .env -> env
// Later files override earlier files. CLI flags are applied afterwards via ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// .env values never override variables already present in the environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("INTEGRATOR_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("INTEGRATOR_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("INTEGRATOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("INTEGRATOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("INTEGRATOR_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Stage processors. The unprefixed names are the ones the deployment
	// manifests of the stage services already export.
	if url := firstEnv("INTEGRATOR_BUILDER_URL", "ATOMSPACE_API_URL"); url != "" {
		config.Stages.Builder.URL = url
		config.Stages.Auxiliary.URL = url
	}
	if url := os.Getenv("INTEGRATOR_AUXILIARY_URL"); url != "" {
		config.Stages.Auxiliary.URL = url
	}
	if url := firstEnv("INTEGRATOR_MINER_URL", "NEURAL_MINER_URL"); url != "" {
		config.Stages.Miner.URL = url
	}
	if timeout := firstEnv("INTEGRATOR_BUILDER_TIMEOUT", "ATOMSPACE_TIMEOUT"); timeout != "" {
		config.Stages.Builder.Timeout = normalizeSeconds(timeout)
		config.Stages.Auxiliary.Timeout = normalizeSeconds(timeout)
	}
	if timeout := firstEnv("INTEGRATOR_MINER_TIMEOUT", "MINER_TIMEOUT"); timeout != "" {
		config.Stages.Miner.Timeout = normalizeSeconds(timeout)
	}
	if retries := os.Getenv("INTEGRATOR_MAX_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.Stages.MaxRetries = r
		}
	}

	// Storage configuration
	if shared := firstEnv("INTEGRATOR_SHARED_OUTPUT_DIR", "SHARED_VOLUME_PATH"); shared != "" {
		config.Storage.SharedOutputDir = shared
	}
	if local := os.Getenv("INTEGRATOR_LOCAL_OUTPUT_DIR"); local != "" {
		config.Storage.LocalOutputDir = local
	}
	if scratch := os.Getenv("INTEGRATOR_SCRATCH_DIR"); scratch != "" {
		config.Storage.ScratchDir = scratch
	}

	if interval := os.Getenv("INTEGRATOR_POLL_INTERVAL"); interval != "" {
		config.Progress.PollInterval = interval
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the values that cannot be defaulted at the point of use
func (c *Config) Validate() error {
	durations := map[string]string{
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"stages.backoff_unit":      c.Stages.BackoffUnit,
		"stages.builder.timeout":   c.Stages.Builder.Timeout,
		"stages.auxiliary.timeout": c.Stages.Auxiliary.Timeout,
		"stages.miner.timeout":     c.Stages.Miner.Timeout,
		"progress.poll_interval":   c.Progress.PollInterval,
		"websocket.keep_alive":     c.WebSocket.KeepAlive,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return &ValidationError{Field: key, Message: fmt.Sprintf("invalid duration %q", value)}
		}
	}

	if c.Stages.MaxRetries < 1 {
		return &ValidationError{Field: "stages.max_retries", Message: "must be at least 1"}
	}
	if c.Stages.RateLimit < 0 {
		return &ValidationError{Field: "stages.rate_limit", Message: "must not be negative"}
	}
	if c.Storage.SharedOutputDir == "" {
		return &ValidationError{Field: "storage.shared_output_dir", Message: "is required"}
	}
	if c.Storage.LocalOutputDir == "" {
		return &ValidationError{Field: "storage.local_output_dir", Message: "is required"}
	}
	if c.Progress.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Progress.SweepSchedule); err != nil {
			return &ValidationError{Field: "progress.sweep_schedule", Message: err.Error()}
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDuration parses a duration already checked by Validate, using fallback for empty values
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// normalizeSeconds accepts bare numbers (seconds, as the stage deployments
// export them) as well as Go duration strings.
func normalizeSeconds(value string) string {
	value = strings.TrimSpace(value)
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(f * float64(time.Second)).String()
	}
	return value
}
