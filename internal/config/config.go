// Package config loads the teamchat runtime configuration from the
// environment, applies defaults and validates the result.
package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration.
type Config struct {
	Addr           string `env:"SERVER_ADDR,default=:8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`

	MaxMessageSize   int           `env:"MAX_MESSAGE_SIZE,default=32768" validate:"gte=0"`
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH,default=2000" validate:"gte=0"`
	SendQueueSize    int           `env:"SEND_QUEUE_SIZE,default=256" validate:"gte=0"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT,default=60s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	RateLimitBurst  int           `env:"RATE_LIMIT_BURST,default=5" validate:"gte=0"`
	RateLimitRefill time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`

	JWTSecret string `env:"JWT_SECRET" validate:"required"`
	JWTIssuer string `env:"JWT_ISSUER,default=teamchat"`

	StoreBackend string `env:"STORE_BACKEND,default=memory" validate:"oneof=memory badger"`
	BadgerPath   string `env:"BADGER_PATH,default=data/messages" validate:"required_if=StoreBackend badger"`

	MembershipBackend string `env:"MEMBERSHIP_BACKEND,default=static" validate:"oneof=static mongo"`
	MembershipFile    string `env:"MEMBERSHIP_FILE,default=members.yaml"`
	MongoURI          string `env:"MONGO_URI" validate:"required_if=MembershipBackend mongo"`
	MongoDatabase     string `env:"MONGO_DATABASE,default=teamsync"`

	HistoryPageSize int `env:"HISTORY_PAGE_SIZE,default=50" validate:"gte=0"`
	HistoryMaxSize  int `env:"HISTORY_MAX_SIZE,default=200" validate:"gte=0"`

	LogLevel  string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT,default=json" validate:"oneof=json console"`
}

var validate = validator.New()

// Default returns a Config populated with default values for all settings.
// JWTSecret is left empty.
func Default() Config {
	return Config{
		Addr:              ":8080",
		AllowedOrigins:    "http://localhost:8080",
		MaxMessageSize:    32768,
		MaxContentLength:  2000,
		SendQueueSize:     256,
		IdleTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RateLimitBurst:    5,
		RateLimitRefill:   time.Second,
		JWTIssuer:         "teamchat",
		StoreBackend:      "memory",
		BadgerPath:        "data/messages",
		MembershipBackend: "static",
		MembershipFile:    "members.yaml",
		MongoDatabase:     "teamsync",
		HistoryPageSize:   50,
		HistoryMaxSize:    200,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads an optional dotenv file, decodes the environment and validates
// the result. A missing dotenv file is not an error.
func Load(dotenvFiles ...string) (Config, error) {
	_ = godotenv.Load(dotenvFiles...)

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg = Sanitize(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against its declared constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if minSize := MinMessageSize(cfg.MaxContentLength); cfg.MaxMessageSize < minSize {
		return fmt.Errorf("invalid configuration: MAX_MESSAGE_SIZE %d is below %d, the largest frame MAX_CONTENT_LENGTH %d allows",
			cfg.MaxMessageSize, minSize, cfg.MaxContentLength)
	}
	if cfg.HistoryPageSize > cfg.HistoryMaxSize {
		return fmt.Errorf("invalid configuration: HISTORY_PAGE_SIZE %d exceeds HISTORY_MAX_SIZE %d",
			cfg.HistoryPageSize, cfg.HistoryMaxSize)
	}
	return nil
}

// Sanitize replaces zero or negative tunables with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = def.MaxContentLength
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = def.RateLimitRefill
	}
	if cfg.HistoryMaxSize <= 0 {
		cfg.HistoryMaxSize = def.HistoryMaxSize
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = def.HistoryPageSize
	}
	return cfg
}

const (
	// maxEscapedRune is the longest JSON encoding of one rune: a
	// surrogate pair written as two \uXXXX escapes.
	maxEscapedRune = 12
	frameOverhead  = 512
)

// MinMessageSize is the smallest websocket read limit that still admits a
// send frame carrying contentLength runes of content.
func MinMessageSize(contentLength int) int {
	return contentLength*maxEscapedRune + frameOverhead
}

// RateLimit groups the per-connection rate limit settings.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

// PingPeriod is how often the server pings an idle connection. It must be
// shorter than IdleTimeout so a healthy peer's pong arrives in time.
func (c Config) PingPeriod() time.Duration {
	return c.IdleTimeout * 9 / 10
}

// Origins splits AllowedOrigins into trimmed, non-empty entries.
func (c Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
