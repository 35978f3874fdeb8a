// Package market parses marketplace service flags and launches the service.
package market

import (
	"context"
	"flag"

	"github.com/clawos/skillmarket/internal/market/app"
	entrypoint "github.com/clawos/skillmarket/internal/platform/cmd"
)

// Config holds market command configuration.
type Config struct {
	Port int `env:"SKILLMARKET_MARKET_PORT" envDefault:"8080"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The marketplace JSON API port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the marketplace API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMarket, func(context.Context) error {
		return app.Run(ctx, cfg.Port)
	})
}
