package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration. Values come from an optional YAML
// file, then VOICEBRIDGE_* environment variables on top (a .env file is
// honored when present).
type Config struct {
	// Client (browser) listener
	ClientHost string `yaml:"client_host"`
	ClientPort int    `yaml:"client_port"`
	// Hub protocol listener
	HubHost string `yaml:"hub_host"`
	HubPort int    `yaml:"hub_port"`

	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Durations are configured as plain integers (seconds or minutes).
	AuthTimeoutSeconds     int `yaml:"auth_timeout_seconds"`
	SessionTimeoutMinutes  int `yaml:"session_timeout_minutes"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	AuthTimeout     time.Duration `yaml:"-"`
	SessionTimeout  time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"` // per shutdown phase

	// Optional TLS for the client listener; protocol semantics are unchanged.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// Static files served on unrecognized paths of the client listener.
	StaticDir string `yaml:"static_dir"`

	// Satellite identity advertised to the hub.
	Name        string `yaml:"name"`
	Area        string `yaml:"area"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`

	// TTS format we ask the hub to send.
	SndRate int `yaml:"snd_rate"`

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`

	MaxClients int `yaml:"max_clients"`

	// Debug WAV capture of mic audio between wake triggers; empty disables.
	RecordingDir      string `yaml:"recording_dir"`
	MaxRecordingBytes int    `yaml:"max_recording_bytes"`

	LogLevel string `yaml:"log_level"`
}

// Load reads configuration. path may be empty or point at a missing file; the
// defaults plus environment variables then apply.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		ClientHost:             "0.0.0.0",
		ClientPort:             8765,
		HubHost:                "0.0.0.0",
		HubPort:                10700,
		AuthTimeoutSeconds:     5,
		SessionTimeoutMinutes:  30,
		ShutdownTimeoutSeconds: 1,
		AllowedOrigins:         []string{"*"},
		Name:                   "web-satellite",
		Area:                   "Office",
		Description:            "Browser voice satellite",
		Version:                "0.2.0",
		SndRate:                22050,
		MaxClients:             100,
		LogLevel:               "info",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, config); err != nil {
				return nil, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if config.ClientPort <= 0 || config.ClientPort > 65535 {
		return nil, fmt.Errorf("invalid client_port: %d", config.ClientPort)
	}
	if config.HubPort <= 0 || config.HubPort > 65535 {
		return nil, fmt.Errorf("invalid hub_port: %d", config.HubPort)
	}
	if config.AuthTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid auth_timeout_seconds: %d", config.AuthTimeoutSeconds)
	}
	config.AuthTimeout = time.Duration(config.AuthTimeoutSeconds) * time.Second
	config.SessionTimeout = time.Duration(config.SessionTimeoutMinutes) * time.Minute
	if config.ShutdownTimeoutSeconds <= 0 {
		config.ShutdownTimeoutSeconds = 1
	}
	config.ShutdownTimeout = time.Duration(config.ShutdownTimeoutSeconds) * time.Second
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return nil, fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if host := os.Getenv("VOICEBRIDGE_CLIENT_HOST"); host != "" {
		config.ClientHost = host
	}
	if port := os.Getenv("VOICEBRIDGE_CLIENT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid VOICEBRIDGE_CLIENT_PORT: %w", err)
		}
		config.ClientPort = p
	}
	if host := os.Getenv("VOICEBRIDGE_HUB_HOST"); host != "" {
		config.HubHost = host
	}
	if port := os.Getenv("VOICEBRIDGE_HUB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid VOICEBRIDGE_HUB_PORT: %w", err)
		}
		config.HubPort = p
	}
	if token := os.Getenv("VOICEBRIDGE_AUTH_TOKEN"); token != "" {
		config.AuthToken = token
	}
	if timeout := os.Getenv("VOICEBRIDGE_AUTH_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid VOICEBRIDGE_AUTH_TIMEOUT: %w", err)
		}
		config.AuthTimeoutSeconds = t
	}
	if origins := os.Getenv("VOICEBRIDGE_ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}
	if cert := os.Getenv("VOICEBRIDGE_TLS_CERT"); cert != "" {
		config.TLSCertFile = cert
	}
	if key := os.Getenv("VOICEBRIDGE_TLS_KEY"); key != "" {
		config.TLSKeyFile = key
	}
	if dir := os.Getenv("VOICEBRIDGE_STATIC_DIR"); dir != "" {
		config.StaticDir = dir
	}
	if name := os.Getenv("VOICEBRIDGE_NAME"); name != "" {
		config.Name = name
	}
	if area := os.Getenv("VOICEBRIDGE_AREA"); area != "" {
		config.Area = area
	}
	if url := os.Getenv("VOICEBRIDGE_REDIS_URL"); url != "" {
		config.RedisURL = url
	}
	if password := os.Getenv("VOICEBRIDGE_REDIS_PASSWORD"); password != "" {
		config.RedisPassword = password
	}
	if maxClients := os.Getenv("VOICEBRIDGE_MAX_CLIENTS"); maxClients != "" {
		m, err := strconv.Atoi(maxClients)
		if err != nil {
			return fmt.Errorf("invalid VOICEBRIDGE_MAX_CLIENTS: %w", err)
		}
		config.MaxClients = m
	}
	if dir := os.Getenv("VOICEBRIDGE_RECORDING_DIR"); dir != "" {
		config.RecordingDir = dir
	}
	if level := os.Getenv("VOICEBRIDGE_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	return nil
}
