// Package cli holds the callsync subcommands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"callsync/internal/app"
	"callsync/internal/config"
	"callsync/internal/logger"
)

// bootstrap loads configuration and builds the engine. The caller closes the app.
func bootstrap() (*app.App, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
