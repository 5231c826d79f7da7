package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the story service.
type Config struct {
	BindAddr         string        `env:"STORY_BIND_ADDR" envDefault:":8080"`
	MetricsNamespace string        `env:"STORY_METRICS_NAMESPACE" envDefault:"fableloom"`
	AllowAnyOrigin   bool          `env:"STORY_ALLOW_ANY_ORIGIN" envDefault:"false"`
	ShutdownTimeout  time.Duration `env:"STORY_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	SessionIdleTimeout time.Duration `env:"STORY_SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	TurnTimeout        time.Duration `env:"STORY_TURN_TIMEOUT" envDefault:"90s"`
	SubmitPolicy       string        `env:"STORY_SUBMIT_POLICY" envDefault:"queue"`
	QueueDepth         int           `env:"STORY_QUEUE_DEPTH" envDefault:"8"`
	MaxActionChars     int           `env:"STORY_MAX_ACTION_CHARS" envDefault:"500"`
	HistoryWindow      int           `env:"STORY_HISTORY_WINDOW" envDefault:"6"`

	GeneratorMode string `env:"STORY_GENERATOR_MODE" envDefault:"auto"`

	HFEndpointURL       string  `env:"STORY_HF_ENDPOINT_URL"`
	HFToken             string  `env:"HF_API_TOKEN"`
	HFModel             string  `env:"STORY_HF_MODEL" envDefault:"mistralai/Mistral-7B-Instruct-v0.2"`
	HFMaxNewTokens      int     `env:"STORY_HF_MAX_NEW_TOKENS" envDefault:"600"`
	HFTemperature       float64 `env:"STORY_HF_TEMPERATURE" envDefault:"0.6"`
	HFTopP              float64 `env:"STORY_HF_TOP_P" envDefault:"0.9"`
	HFRepetitionPenalty float64 `env:"STORY_HF_REPETITION_PENALTY" envDefault:"1.1"`

	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"STORY_GEMINI_MODEL" envDefault:"gemini-2.5-flash"`

	NarratorCLIPath string `env:"STORY_NARRATOR_CLI_PATH"`

	DatabaseURL string `env:"DATABASE_URL"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.SubmitPolicy = strings.ToLower(strings.TrimSpace(cfg.SubmitPolicy))
	cfg.GeneratorMode = strings.ToLower(strings.TrimSpace(cfg.GeneratorMode))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.HFEndpointURL = strings.TrimSpace(cfg.HFEndpointURL)
	cfg.HFToken = strings.TrimSpace(cfg.HFToken)
	cfg.GeminiAPIKey = strings.TrimSpace(cfg.GeminiAPIKey)
	cfg.NarratorCLIPath = strings.TrimSpace(cfg.NarratorCLIPath)

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("STORY_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.TurnTimeout < time.Second {
		return Config{}, fmt.Errorf("STORY_TURN_TIMEOUT must be at least 1s")
	}
	if cfg.SubmitPolicy != "queue" && cfg.SubmitPolicy != "reject" {
		return Config{}, fmt.Errorf("STORY_SUBMIT_POLICY must be queue or reject")
	}
	if cfg.QueueDepth <= 0 {
		return Config{}, fmt.Errorf("STORY_QUEUE_DEPTH must be positive")
	}
	if cfg.MaxActionChars <= 0 {
		return Config{}, fmt.Errorf("STORY_MAX_ACTION_CHARS must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("STORY_HISTORY_WINDOW must be positive")
	}
	if cfg.HFMaxNewTokens <= 0 {
		return Config{}, fmt.Errorf("STORY_HF_MAX_NEW_TOKENS must be positive")
	}

	return cfg, nil
}

// StoreMode names the persistence backend the database URL selects.
func (c Config) StoreMode() string {
	switch {
	case c.DatabaseURL == "":
		return "in-memory"
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
