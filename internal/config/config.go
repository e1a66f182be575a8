package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted for inference.transport.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// DefaultMaxUploadBytes mirrors the file picker limit of the browser client.
const DefaultMaxUploadBytes = 5_000_000

// Config is resolved once at startup.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Inference InferenceConfig `yaml:"inference"`
	Preview   PreviewConfig   `yaml:"preview"`
	Session   SessionConfig   `yaml:"session"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type InferenceConfig struct {
	Transport string `yaml:"transport"`
	URL       string `yaml:"url"`
	GRPCAddr  string `yaml:"grpc_addr"`
	// Timeout bounds a single classification; zero leaves it to the transport.
	Timeout           time.Duration `yaml:"timeout"`
	CancelOnSupersede bool          `yaml:"cancel_on_supersede"`
}

type PreviewConfig struct {
	// RedisAddr selects the Redis backed store; empty keeps previews in memory.
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type DatabaseConfig struct {
	// DSN enables the prediction journal when set.
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is supplied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost", "http://localhost:3000", "http://127.0.0.1:3000"},
			MaxUploadBytes:  DefaultMaxUploadBytes,
			ShutdownTimeout: 15 * time.Second,
		},
		Inference: InferenceConfig{
			Transport:         TransportHTTP,
			URL:               "http://localhost:8001/predict",
			GRPCAddr:          "localhost:50051",
			Timeout:           30 * time.Second,
			CancelOnSupersede: true,
		},
		Preview: PreviewConfig{TTL: 30 * time.Minute},
		Session: SessionConfig{IdleTTL: time.Hour, SweepInterval: time.Minute},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads the optional YAML file at path and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Inference.Transport {
	case TransportHTTP:
		if c.Inference.URL == "" {
			return fmt.Errorf("inference.url is required for the http transport")
		}
	case TransportGRPC:
		if c.Inference.GRPCAddr == "" {
			return fmt.Errorf("inference.grpc_addr is required for the grpc transport")
		}
	default:
		return fmt.Errorf("unknown inference.transport %q", c.Inference.Transport)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("http.max_upload_bytes must be positive")
	}
	if c.Inference.Timeout < 0 {
		return fmt.Errorf("inference.timeout must not be negative")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.HTTP.AllowedOrigins = splitList(origins)
	}
	cfg.Inference.Transport = strings.ToLower(getEnv("INFERENCE_TRANSPORT", cfg.Inference.Transport))
	// VITE_API_URL is what the browser build used for the same endpoint.
	cfg.Inference.URL = getEnv("INFERENCE_URL", getEnv("VITE_API_URL", cfg.Inference.URL))
	cfg.Inference.GRPCAddr = getEnv("INFERENCE_GRPC_ADDR", cfg.Inference.GRPCAddr)
	cfg.Preview.RedisAddr = getEnv("REDIS_ADDR", cfg.Preview.RedisAddr)
	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	var err error
	if cfg.HTTP.MaxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", cfg.HTTP.MaxUploadBytes); err != nil {
		return err
	}
	if cfg.Inference.Timeout, err = getEnvDuration("INFERENCE_TIMEOUT", cfg.Inference.Timeout); err != nil {
		return err
	}
	if cfg.Inference.CancelOnSupersede, err = getEnvBool("INFERENCE_CANCEL_ON_SUPERSEDE", cfg.Inference.CancelOnSupersede); err != nil {
		return err
	}
	if cfg.Preview.TTL, err = getEnvDuration("PREVIEW_TTL", cfg.Preview.TTL); err != nil {
		return err
	}
	if cfg.Session.IdleTTL, err = getEnvDuration("SESSION_IDLE_TTL", cfg.Session.IdleTTL); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
