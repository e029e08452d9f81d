package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

const envPrefix = "MIRADOR_REMEDIATION_"

// Config captures the settings required to boot the remediation engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Detection DetectionConfig `yaml:"detection"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
	Execution ExecutionConfig `yaml:"execution"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// DetectionConfig holds thresholds and the cadence of the evaluation loop.
type DetectionConfig struct {
	Default             models.Threshold                    `yaml:"default"`
	Services            map[string]models.ThresholdOverride `yaml:"services"`
	ThresholdsPath      string                              `yaml:"thresholdsPath"`
	EvaluationInterval  time.Duration                       `yaml:"evaluationInterval"`
	CheckpointInterval  time.Duration                       `yaml:"checkpointInterval"`
	EscalationTripCount int                                 `yaml:"escalationTripCount"`
	MTTDCeiling         time.Duration                       `yaml:"mttdCeiling"`
}

// DiagnosisConfig selects and tunes the diagnosis collaborator.
type DiagnosisConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"baseURL"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"apiKey"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	RulesPath         string        `yaml:"rulesPath"`
	FallbackToRules   bool          `yaml:"fallbackToRules"`
}

// ExecutionConfig selects how approved actions are carried out.
type ExecutionConfig struct {
	Mode       string        `yaml:"mode"`
	WebhookURL string        `yaml:"webhookURL"`
	AuthToken  string        `yaml:"authToken"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StoreConfig selects the incident store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig controls the Valkey-backed execution guard.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	GuardTTL     time.Duration `yaml:"guardTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Detection.Default.Validate(); err != nil {
		return fmt.Errorf("detection.default: %w", err)
	}
	for svc, override := range c.Detection.Services {
		if err := c.Detection.Default.Merge(override).Validate(); err != nil {
			return fmt.Errorf("detection.services.%s: %w", svc, err)
		}
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	switch c.Execution.Mode {
	case "dryrun":
	case "webhook":
		if c.Execution.WebhookURL == "" {
			return errors.New("execution.webhookURL is required in webhook mode")
		}
	default:
		return fmt.Errorf("execution.mode: unsupported mode %q", c.Execution.Mode)
	}
	switch c.Diagnosis.Provider {
	case "rules", "openai", "groq", "ollama":
	default:
		return fmt.Errorf("diagnosis.provider: unsupported provider %q", c.Diagnosis.Provider)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Detection: DetectionConfig{
			Default: models.Threshold{
				ErrorRateThreshold:     0.10,
				WindowSeconds:          300,
				MinSampleVolume:        5,
				ApprovalTimeoutSeconds: 900,
			},
			EvaluationInterval:  10 * time.Second,
			CheckpointInterval:  30 * time.Second,
			EscalationTripCount: 3,
			MTTDCeiling:         time.Hour,
		},
		Diagnosis: DiagnosisConfig{
			Provider:          "rules",
			Timeout:           30 * time.Second,
			RequestsPerMinute: 60,
			RulesPath:         "configs/rules/default.yaml",
		},
		Execution: ExecutionConfig{Mode: "dryrun", Timeout: 30 * time.Second},
		Store:     StoreConfig{Driver: "memory"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			GuardTTL:     24 * time.Hour,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv(envPrefix + "HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv(envPrefix + "METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv(envPrefix + "LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	if v := os.Getenv(envPrefix + "ERROR_RATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.Default.ErrorRateThreshold = f
		}
	}
	if v := os.Getenv(envPrefix + "WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.Default.WindowSeconds = n
		}
	}
	if v := os.Getenv(envPrefix + "MIN_SAMPLE_VOLUME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.Default.MinSampleVolume = n
		}
	}
	if v := os.Getenv(envPrefix + "APPROVAL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.Default.ApprovalTimeoutSeconds = n
		}
	}
	if v := os.Getenv(envPrefix + "THRESHOLDS_PATH"); v != "" {
		cfg.Detection.ThresholdsPath = v
	}
	if v := os.Getenv(envPrefix + "EVALUATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.EvaluationInterval = d
		}
	}
	if v := os.Getenv(envPrefix + "ESCALATION_TRIP_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.EscalationTripCount = n
		}
	}

	if v := os.Getenv(envPrefix + "DIAGNOSIS_PROVIDER"); v != "" {
		cfg.Diagnosis.Provider = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "DIAGNOSIS_BASE_URL"); v != "" {
		cfg.Diagnosis.BaseURL = v
	}
	if v := os.Getenv(envPrefix + "DIAGNOSIS_MODEL"); v != "" {
		cfg.Diagnosis.Model = v
	}
	if v := os.Getenv(envPrefix + "DIAGNOSIS_API_KEY"); v != "" {
		cfg.Diagnosis.APIKey = v
	}
	if v := os.Getenv(envPrefix + "DIAGNOSIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Diagnosis.Timeout = d
		}
	}
	if v := os.Getenv(envPrefix + "DIAGNOSIS_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Diagnosis.RequestsPerMinute = n
		}
	}
	if v := os.Getenv(envPrefix + "RULES_PATH"); v != "" {
		cfg.Diagnosis.RulesPath = v
	}

	if v := os.Getenv(envPrefix + "EXECUTION_MODE"); v != "" {
		cfg.Execution.Mode = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "EXECUTION_WEBHOOK_URL"); v != "" {
		cfg.Execution.WebhookURL = v
	}
	if v := os.Getenv(envPrefix + "EXECUTION_AUTH_TOKEN"); v != "" {
		cfg.Execution.AuthToken = v
	}

	if v := os.Getenv(envPrefix + "STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}

	if v := os.Getenv(envPrefix + "CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv(envPrefix + "CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv(envPrefix + "CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv(envPrefix + "CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv(envPrefix + "CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv(envPrefix + "CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv(envPrefix + "CACHE_GUARD_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.GuardTTL = d
		}
	}
}
