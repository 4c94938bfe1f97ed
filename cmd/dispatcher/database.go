package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mitsuri-ai/dispatcher/internal/config"
)

// databaseURL resolves the Postgres DSN: explicit flag, then DATABASE_URL,
// then the database section of dispatcher.yaml.
func databaseURL(opts *rootOptions, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return "", err
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn, nil
	}
	cfg := config.DefaultConfig()
	if err := config.LoadFile(filepath.Join(opts.configDir, "dispatcher.yaml"), cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return cfg.Database.DSN(), nil
}
