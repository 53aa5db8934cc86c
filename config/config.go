package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Environment overrides applied after the file is decoded.
const (
	EnvListenAddress = "ESCROW_LISTEN_ADDRESS"
	EnvDataDir       = "ESCROW_DATA_DIR"
	EnvJWTSecret     = "ESCROW_JWT_SECRET"
	EnvAdmins        = "ESCROW_ADMINS"
	EnvOTLPEndpoint  = "ESCROW_OTLP_ENDPOINT"
)

type Config struct {
	Storage   Storage   `toml:"Storage" yaml:"storage"`
	Ledger    Ledger    `toml:"Ledger" yaml:"ledger"`
	API       API       `toml:"API" yaml:"api"`
	Quota     Quota     `toml:"Quota" yaml:"quota"`
	Webhooks  Webhooks  `toml:"Webhooks" yaml:"webhooks"`
	Logging   Logging   `toml:"Logging" yaml:"logging"`
	Telemetry Telemetry `toml:"Telemetry" yaml:"telemetry"`
}

// Default returns the configuration written on first start. The JWT secret is
// left empty; createDefault fills it with random bytes.
func Default() *Config {
	return &Config{
		Storage: Storage{Backend: BackendLevelDB, DataDir: "./escrow-data"},
		Ledger: Ledger{
			Currency:             "USD",
			FeeBps:               100,
			MinAmount:            1,
			MaxAmount:            1_000_000_000,
			Treasury:             "treasury",
			HistoryRetentionDays: 365,
			AuditRetentionDays:   0,
		},
		API: API{
			ListenAddress:      ":8080",
			Issuer:             "escrowd",
			Admins:             []string{},
			RateLimitPerMinute: 120,
			Burst:              20,
			ReadTimeoutSecs:    15,
			WriteTimeoutSecs:   15,
		},
		Webhooks: Webhooks{
			Endpoints:       []WebhookEndpoint{},
			QueueCapacity:   1024,
			QueueTTLSecs:    900,
			MaxAttempts:     5,
			BackoffMillis:   1000,
			DeliveryTimeout: 10,
		},
		Logging: Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// Load reads the configuration at path, creating a default file when it does
// not exist. Files ending in .yaml or .yml are decoded as YAML, everything
// else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		applyEnv(cfg)
		return cfg, Validate(cfg)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isYAML(path) {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
		}
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvListenAddress)); v != "" {
		cfg.API.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.API.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdmins)); v != "" {
		admins := make([]string, 0)
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				admins = append(admins, trimmed)
			}
		}
		cfg.API.Admins = admins
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.API.JWTSecret = hex.EncodeToString(secret)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if isYAML(path) {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	// The file carries the JWT secret.
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
