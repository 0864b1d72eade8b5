// Package server provides configuration helpers that define runtime defaults,
// validation, and environment overrides for the gochat realtime service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection inbound frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// HeartbeatConfig bounds how long a half-open connection can linger.
type HeartbeatConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteWait    time.Duration `yaml:"write_wait"`
}

// AuthConfig configures connection credential verification.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
}

// NATSConfig configures the message notification subscription. An empty URL
// disables it.
//
// Queue is empty by default so every node sees every notification; a node
// only reaches the connections it holds. Set a queue group only when a single
// process serves all connections.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
	Name    string `yaml:"name"`
}

// RedisConfig configures the presence directory mirror. An empty Addr
// disables it.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string   `yaml:"port"`
	NodeID         string   `yaml:"node_id"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	SendQueueSize  int      `yaml:"send_queue_size"`
	// InternalToken guards POST /internal/messages; empty disables the route.
	InternalToken string `yaml:"internal_token"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Auth      AuthConfig      `yaml:"auth"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

func defaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Port:   ":5001",
		NodeID: host,
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://localhost:5001",
		},
		MaxMessageSize: 1024,
		SendQueueSize:  256,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Heartbeat: HeartbeatConfig{
			PingInterval: 54 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
		},
		Auth: AuthConfig{
			CookieName: "jwt",
		},
		NATS: NATSConfig{
			Subject: "chat.messages.created",
			Name:    "gochat-live",
		},
		Redis: RedisConfig{
			KeyPrefix: "gochat:presence:",
			TTL:       90 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Sanitize fills zero or invalid values with defaults and normalizes origins.
func (cfg Config) Sanitize() Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.NodeID == "" {
		cfg.NodeID = def.NodeID
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.Heartbeat.PongWait <= 0 {
		cfg.Heartbeat.PongWait = def.Heartbeat.PongWait
	}
	if cfg.Heartbeat.PingInterval <= 0 || cfg.Heartbeat.PingInterval >= cfg.Heartbeat.PongWait {
		// pings must land before the peer's read deadline expires
		cfg.Heartbeat.PingInterval = cfg.Heartbeat.PongWait * 9 / 10
	}
	if cfg.Heartbeat.WriteWait <= 0 {
		cfg.Heartbeat.WriteWait = def.Heartbeat.WriteWait
	}

	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = def.Auth.CookieName
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = def.NATS.Subject
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = def.NATS.Name
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = def.Redis.TTL
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the effective configuration: defaults, then the YAML file
// at path (if any), then environment overrides. The result is sanitized.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	ApplyEnv(&cfg, os.Getenv)
	sanitized := cfg.Sanitize()
	return &sanitized, nil
}

// loadConfigFile decodes a YAML file over cfg. ${VAR} references in the file
// are expanded from the environment first.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with any variables set in getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	// SERVER_PORT wins over PORT when both are set
	if port := getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if port := getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if id := getenv("NODE_ID"); id != "" {
		cfg.NodeID = id
	}

	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if size := getenv("SEND_QUEUE_SIZE"); size != "" {
		cfg.SendQueueSize = parseIntValue(size, cfg.SendQueueSize)
	}
	if token := getenv("INTERNAL_TOKEN"); token != "" {
		cfg.InternalToken = token
	}

	if burst := getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if interval := getenv("PING_INTERVAL"); interval != "" {
		cfg.Heartbeat.PingInterval = parseSeconds(interval, cfg.Heartbeat.PingInterval)
	}
	if wait := getenv("PONG_WAIT"); wait != "" {
		cfg.Heartbeat.PongWait = parseSeconds(wait, cfg.Heartbeat.PongWait)
	}

	if secret := getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if name := getenv("AUTH_COOKIE_NAME"); name != "" {
		cfg.Auth.CookieName = name
	}

	if url := getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if subject := getenv("NATS_SUBJECT"); subject != "" {
		cfg.NATS.Subject = subject
	}
	if queue := getenv("NATS_QUEUE"); queue != "" {
		cfg.NATS.Queue = queue
	}

	if addr := getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if db := getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			cfg.Redis.DB = n
		}
	}
	if prefix := getenv("REDIS_KEY_PREFIX"); prefix != "" {
		cfg.Redis.KeyPrefix = prefix
	}
	if ttl := getenv("REDIS_TTL"); ttl != "" {
		cfg.Redis.TTL = parseSeconds(ttl, cfg.Redis.TTL)
	}

	if level := getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts either a bare number of seconds or a Go duration.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
