// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

type Config struct {
	Meta     MetaConfig
	Handover HandoverConfig
	Session  SessionConfig
	OpenAI   OpenAIConfig
	State    StateConfig
	DB       DBConfig
	Graph    GraphConfig

	ParamPrefix string
	Port        string
	LogFormat   string
	LogLevel    string
}

type MetaConfig struct {
	VerifyToken string
	AppSecret   string
	PageID      string
}

type HandoverConfig struct {
	InboxAppID   string
	RespectHuman bool
	TTL          time.Duration
}

type SessionConfig struct {
	TTL           time.Duration
	MaxTurns      int
	HistoryWindow int
}

type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	// Temperature is nil unless OPENAI_TEMPERATURE is set; 0 is a valid value.
	Temperature *float64
}

type StateConfig struct {
	Backend  string
	Table    string
	RedisURL string
}

type DBConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

type GraphConfig struct {
	BaseURL    string
	APIVersion string
}

// LoadDotEnv loads a local .env file when present. Variables already set in
// the environment win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads the configuration through lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		Meta: MetaConfig{
			VerifyToken: e.str("META_VERIFY_TOKEN", ""),
			AppSecret:   e.str("META_APP_SECRET", ""),
			PageID:      e.str("FB_PAGE_ID", ""),
		},
		Handover: HandoverConfig{
			InboxAppID:   e.str("INBOX_APP_ID", ""),
			RespectHuman: e.flag("RESPECT_HUMAN", true),
			TTL:          e.seconds("HUMAN_TTL_SEC", 900),
		},
		Session: SessionConfig{
			TTL:           e.seconds("SESSION_TTL_SEC", 3600),
			MaxTurns:      e.int("SESSION_MAX_TURNS", 12),
			HistoryWindow: e.int("HISTORY_WINDOW", 10),
		},
		OpenAI: OpenAIConfig{
			APIKey:      e.str("OPENAI_API_KEY", ""),
			Model:       e.str("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:     e.str("OPENAI_BASE_URL", ""),
			MaxTokens:   e.int("OPENAI_MAX_TOKENS", 220),
			Temperature: e.optFloat("OPENAI_TEMPERATURE", 0, 2),
		},
		State: StateConfig{
			Backend:  strings.ToLower(e.str("STATE_BACKEND", BackendMemory)),
			Table:    e.str("STATE_TABLE", ""),
			RedisURL: e.str("REDIS_URL", ""),
		},
		DB: DBConfig{
			DSN:      e.str("DATABASE_URL", ""),
			MaxConns: int32(e.int("DB_MAX_CONNS", 4)),
			MinConns: int32(e.int("DB_MIN_CONNS", 0)),
		},
		Graph: GraphConfig{
			BaseURL:    e.str("GRAPH_BASE_URL", "https://graph.facebook.com"),
			APIVersion: e.str("GRAPH_API_VERSION", "v20.0"),
		},
		ParamPrefix: strings.TrimRight(e.str("PARAM_PREFIX", ""), "/"),
		Port:        e.str("PORT", "8080"),
		LogFormat:   strings.ToLower(e.str("LOG_FORMAT", "text")),
		LogLevel:    e.str("LOG_LEVEL", "info"),
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.State.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.State.Table == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendRedis:
		if c.State.RedisURL == "" {
			errs = append(errs, errors.New("config: REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STATE_BACKEND %q", c.State.Backend))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	if c.Meta.VerifyToken == "" && c.ParamPrefix == "" {
		errs = append(errs, errors.New("config: META_VERIFY_TOKEN or PARAM_PREFIX is required"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// UsesParamStore reports whether secrets should be read from SSM.
func (c Config) UsesParamStore() bool {
	return c.ParamPrefix != ""
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		e.errs = append(e.errs, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, v))
		return fallback
	}
	return n
}

func (e *env) seconds(key string, fallback int) time.Duration {
	return time.Duration(e.int(key, fallback)) * time.Second
}

// optFloat returns nil when key is unset.
func (e *env) optFloat(key string, lo, hi float64) *float64 {
	v := e.str(key, "")
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < lo || f > hi {
		e.errs = append(e.errs, fmt.Errorf("config: %s must be a number in [%g, %g], got %q", key, lo, hi, v))
		return nil
	}
	return &f
}

// flag treats only "true" (any case) as set.
func (e *env) flag(key string, fallback bool) bool {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true")
}
