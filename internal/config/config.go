package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvConfigFile = "SLOTKEEPER_CONFIG_FILE"

// Config holds every tunable in one place. All heuristic thresholds are
// configuration, not contract.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`

	Session    SessionConfig    `yaml:"session"`
	Serializer SerializerConfig `yaml:"serializer"`
	Captcha    CaptchaConfig    `yaml:"captcha"`
	Prediction PredictionConfig `yaml:"prediction"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Engine     EngineConfig     `yaml:"engine"`
	Notify     NotifyConfig     `yaml:"notify"`
	Intel      IntelConfig      `yaml:"intel"`
}

type SessionConfig struct {
	TTL                 time.Duration `yaml:"ttl"`
	CheckpointRetention int           `yaml:"checkpoint_retention"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	BackupTTL           time.Duration `yaml:"backup_ttl"`
}

type SerializerConfig struct {
	CompressionThreshold int      `yaml:"compression_threshold"`
	EncryptionKey        string   `yaml:"encryption_key"`
	SensitiveFields      []string `yaml:"sensitive_fields"`
}

type CaptchaConfig struct {
	Window      time.Duration `yaml:"window"`
	MagicURLBase string       `yaml:"magic_url_base"`
}

// PredictionConfig exposes the pre-warning heuristics as tunables. Defaults
// mirror the values the heuristics were first shipped with; there is no
// calibration source behind them.
type PredictionConfig struct {
	Enabled           bool    `yaml:"enabled"`
	TriggerThreshold  float64 `yaml:"trigger_threshold"`
	BaseProbability   float64 `yaml:"base_probability"`
	LoadWeight        float64 `yaml:"load_weight"`
	RedTierWeight     float64 `yaml:"red_tier_weight"`
	YellowTierWeight  float64 `yaml:"yellow_tier_weight"`
	SubmitPhaseWeight float64 `yaml:"submit_phase_weight"`
	DwellWeight       float64 `yaml:"dwell_weight"`
	InteractionWeight float64 `yaml:"interaction_weight"`
	SpareTokens       int     `yaml:"spare_tokens"`
}

type AlertingConfig struct {
	Cooldown         time.Duration `yaml:"cooldown"`
	CriticalCooldown time.Duration `yaml:"critical_cooldown"`
	Level2Delay      time.Duration `yaml:"level2_delay"`
	Level3Delay      time.Duration `yaml:"level3_delay"`
}

type EngineConfig struct {
	URL            string        `yaml:"url"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbePerMinute int           `yaml:"probe_per_minute"`
}

type NotifyConfig struct {
	DiscordToken   string `yaml:"discord_token"`
	DiscordChannel string `yaml:"discord_channel"`
	WebhookURL     string `yaml:"webhook_url"`
}

type IntelConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		DBDriver: "sqlite",
		DBDSN:    "./storage/slotkeeper.db",
		Session: SessionConfig{
			TTL:                 24 * time.Hour,
			CheckpointRetention: 10,
			CleanupInterval:     10 * time.Minute,
			BackupTTL:           48 * time.Hour,
		},
		Serializer: SerializerConfig{
			CompressionThreshold: 1024,
			SensitiveFields: []string{
				"childInfo", "child_info", "paymentMethod", "payment_method",
				"password", "credentials", "ssn", "dateOfBirth", "creditCard",
			},
		},
		Captcha: CaptchaConfig{
			Window:       15 * time.Minute,
			MagicURLBase: "https://app.slotkeeper.dev/captcha",
		},
		Prediction: PredictionConfig{
			Enabled:           true,
			TriggerThreshold:  0.7,
			BaseProbability:   0.1,
			LoadWeight:        0.3,
			RedTierWeight:     0.25,
			YellowTierWeight:  0.1,
			SubmitPhaseWeight: 0.2,
			DwellWeight:       0.1,
			InteractionWeight: 0.05,
			SpareTokens:       3,
		},
		Alerting: AlertingConfig{
			Cooldown:         5 * time.Minute,
			CriticalCooldown: time.Hour,
			Level2Delay:      15 * time.Minute,
			Level3Delay:      5 * time.Minute,
		},
		Engine: EngineConfig{
			CommandTimeout: 35 * time.Second,
			ProbeTimeout:   10 * time.Second,
			ProbePerMinute: 6,
		},
		Intel: IntelConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML config file if present and applies env overrides on
// top of the defaults.
func Load() (Config, error) {
	cfg := Default()

	path := os.Getenv(EnvConfigFile)
	if path == "" {
		for _, candidate := range []string{"slotkeeper.yaml", "slotkeeper.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			} else if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("stat config file %s: %w", candidate, err)
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Session.CheckpointRetention <= 0 {
		return Config{}, fmt.Errorf("checkpoint_retention must be positive, got %d", cfg.Session.CheckpointRetention)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SLOTKEEPER_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SLOTKEEPER_DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("SLOTKEEPER_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("SLOTKEEPER_ENCRYPTION_KEY"); v != "" {
		cfg.Serializer.EncryptionKey = v
	}
	if v := os.Getenv("SLOTKEEPER_ENGINE_URL"); v != "" {
		cfg.Engine.URL = v
	}
	if v := os.Getenv("SLOTKEEPER_INTEL_URL"); v != "" {
		cfg.Intel.URL = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Notify.DiscordToken = v
	}
	if v := os.Getenv("DISCORD_CHANNEL_ID"); v != "" {
		cfg.Notify.DiscordChannel = v
	}
	if v := os.Getenv("SLOTKEEPER_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
}
