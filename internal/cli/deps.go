package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/pipeline"
	"github.com/crafter-station/scrapi/internal/telemetry"
)

// openDB opens and migrates the run-history database.
func openDB(cfg *config.Config) (*db.DB, error) {
	dsn := cfg.Storage.DSN
	if dsn == "" {
		var err error
		if dsn, err = db.DefaultDSN(); err != nil {
			return nil, fmt.Errorf("db path: %w", err)
		}
	}
	database, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// openStore opens the artifact store.
func openStore(cfg *config.Config) (*pipeline.Store, error) {
	if cfg.Storage.ArtifactsDir != "" {
		if err := os.MkdirAll(cfg.Storage.ArtifactsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifacts dir: %w", err)
		}
		return pipeline.NewStore(cfg.Storage.ArtifactsDir), nil
	}
	store, err := pipeline.DefaultStore()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return store, nil
}

// startTracing installs the span exporter when tracing is enabled. Spans go
// to stderr so stdout stays machine-readable.
func startTracing(cfg *config.Config) func() {
	if !cfg.Telemetry.Tracing {
		return func() {}
	}
	shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, slog.Default())
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}
}

// readArg returns v, or the contents of the file it names when it starts
// with "@".
func readArg(v string) (string, error) {
	path, ok := strings.CutPrefix(v, "@")
	if !ok {
		return v, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
