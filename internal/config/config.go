package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port               string   `envconfig:"PORT" default:"8080"`
	DatabaseURL        string   `envconfig:"DATABASE_URL" required:"true"`
	JWTSecret          string   `envconfig:"JWT_SECRET" required:"true"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// Overage pricing, per unit.
	ImageOverageCents int64 `envconfig:"IMAGE_OVERAGE_CENTS" default:"10"`
	TextOverageCents  int64 `envconfig:"TEXT_OVERAGE_CENTS" default:"2"`

	// Generator backends
	GeneratorWebhookURL string        `envconfig:"GENERATOR_WEBHOOK_URL" required:"true"`
	GeneratorTimeout    time.Duration `envconfig:"GENERATOR_TIMEOUT" default:"2m"`
	GeminiAPIKey        string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel         string        `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`

	// Execution worker settings
	ExecutionMaxWorkers int           `envconfig:"EXECUTION_MAX_WORKERS" default:"10"`
	PausedSnooze        time.Duration `envconfig:"PAUSED_SNOOZE" default:"30s"`

	// Catalog sync settings
	SyncInterval         time.Duration `envconfig:"SYNC_INTERVAL" default:"1m"`
	SyncInvocationBudget time.Duration `envconfig:"SYNC_INVOCATION_BUDGET" default:"60s"`
	SyncSafetyMargin     time.Duration `envconfig:"SYNC_SAFETY_MARGIN" default:"5s"`
	SyncClaimLimit       int           `envconfig:"SYNC_CLAIM_LIMIT" default:"5"`
	SyncMaxPagesPerJob   int           `envconfig:"SYNC_MAX_PAGES_PER_JOB" default:"0"`
	CatalogPageSize      int           `envconfig:"CATALOG_PAGE_SIZE" default:"100"`
	CatalogTimeout       time.Duration `envconfig:"CATALOG_TIMEOUT" default:"20s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.SyncSafetyMargin >= cfg.SyncInvocationBudget {
		return nil, fmt.Errorf("SYNC_SAFETY_MARGIN (%s) must be below SYNC_INVOCATION_BUDGET (%s)", cfg.SyncSafetyMargin, cfg.SyncInvocationBudget)
	}
	return &cfg, nil
}
