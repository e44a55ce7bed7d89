package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port                  int      `yaml:"port"`
	Transport             string   `yaml:"transport"` // sdk, rest or mock
	BaseURL               string   `yaml:"base_url"`
	APIKeys               []string `yaml:"api_keys"`
	TextModels            []string `yaml:"text_models"`
	ImageModels           []string `yaml:"image_models"`
	AttemptTimeoutSeconds int      `yaml:"attempt_timeout_seconds"`
	DBPath                string   `yaml:"db_path"`
	HistoryLimit          int      `yaml:"history_limit"`
	GatewayToken          string   `yaml:"gateway_token"`
	SecretKey             string   `yaml:"secret_key"`
	LogLevel              string   `yaml:"log_level"`
	LogFile               string   `yaml:"log_file"`
	LogMaxSizeMB          int      `yaml:"log_max_size_mb"`
	RateLimitRPS          float64  `yaml:"rate_limit_rps"`
	RateLimitBurst        int      `yaml:"rate_limit_burst"`
}

const envPrefix = "TASHKEEL_"

func defaults() Config {
	return Config{
		Port:                  8000,
		Transport:             "sdk",
		TextModels:            []string{"gemini-3-flash-preview", "gemini-2.0-flash-exp"},
		AttemptTimeoutSeconds: 60,
		DBPath:                "tashkeel.db",
		HistoryLimit:          50,
		LogLevel:              "info",
		LogMaxSizeMB:          10,
		RateLimitRPS:          10,
		RateLimitBurst:        20,
	}
}

// Load loads configuration from a YAML file (if path is non-empty),
// then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.APIKeys = compact(cfg.APIKeys)
	cfg.TextModels = compact(cfg.TextModels)
	cfg.ImageModels = compact(cfg.ImageModels)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv 环境变量名为 TASHKEEL_ 加上 yaml 键名的大写形式
func applyEnv(cfg *Config) error {
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.Port},
		{"ATTEMPT_TIMEOUT_SECONDS", &cfg.AttemptTimeoutSeconds},
		{"HISTORY_LIMIT", &cfg.HistoryLimit},
		{"LOG_MAX_SIZE_MB", &cfg.LogMaxSizeMB},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst},
	} {
		if err := setInt(e.dst, e.name); err != nil {
			return err
		}
	}
	if v := os.Getenv(envPrefix + "RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: invalid %sRATE_LIMIT_RPS %q: %w", envPrefix, v, err)
		}
		cfg.RateLimitRPS = f
	}

	setString(&cfg.Transport, "TRANSPORT")
	setString(&cfg.BaseURL, "BASE_URL")
	setString(&cfg.DBPath, "DB_PATH")
	setString(&cfg.GatewayToken, "GATEWAY_TOKEN")
	setString(&cfg.SecretKey, "SECRET_KEY")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile, "LOG_FILE")

	if v := os.Getenv(envPrefix + "TEXT_MODELS"); v != "" {
		cfg.TextModels = strings.Split(v, ",")
	}
	if v := os.Getenv(envPrefix + "IMAGE_MODELS"); v != "" {
		cfg.ImageModels = strings.Split(v, ",")
	}

	// Key 列表：TASHKEEL_API_KEYS 整体覆盖，其余单个变量依次追加
	if keys := envKeys(); len(keys) > 0 {
		cfg.APIKeys = keys
	}
	return nil
}

// envKeys collects TASHKEEL_API_KEYS (comma separated), then TASHKEEL_API_KEY and
// TASHKEEL_API_KEY_2 .. TASHKEEL_API_KEY_5, in that order.
func envKeys() []string {
	var keys []string
	if v := os.Getenv(envPrefix + "API_KEYS"); v != "" {
		keys = append(keys, strings.Split(v, ",")...)
	}
	if v := os.Getenv(envPrefix + "API_KEY"); v != "" {
		keys = append(keys, v)
	}
	for i := 2; i <= 5; i++ {
		if v := os.Getenv(fmt.Sprintf("%sAPI_KEY_%d", envPrefix, i)); v != "" {
			keys = append(keys, v)
		}
	}
	return compact(keys)
}

func setInt(dst *int, name string) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s%s %q: %w", envPrefix, name, v, err)
	}
	*dst = n
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func (c Config) validate() error {
	switch c.Transport {
	case "sdk", "rest", "mock":
	default:
		return fmt.Errorf("config: unknown transport %q (expected sdk, rest or mock)", c.Transport)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if len(c.TextModels) == 0 {
		return fmt.Errorf("config: text_models must not be empty")
	}
	return nil
}

// compact trims entries and drops empty ones, keeping order.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
