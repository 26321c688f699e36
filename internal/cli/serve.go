package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/orchestrator"
	"github.com/crafter-station/scrapi/internal/pipeline"
	"github.com/crafter-station/scrapi/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API. POST /v1/runs runs the pipeline synchronously and returns
its summary; GET /v1/runs and /v1/runs/{id} read run history, and
/v1/runs/{id}/events streams a run's state changes. /metrics serves
Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}
		defer startTracing(cfg)()

		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		if err := failInterrupted(store, database); err != nil {
			return err
		}

		orch := orchestrator.NewDefault(cfg, store, database, slog.Default())
		return server.New(cfg.Server, orch, store, database, slog.Default()).Start(cmd.Context())
	},
}

// failInterrupted closes out runs a previous process left mid-flight so
// their event streams end.
func failInterrupted(store *pipeline.Store, database *db.DB) error {
	const reason = "interrupted: server restarted before the run finished"
	ids, err := store.FailInterrupted(reason)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	for _, id := range ids {
		slog.Warn("marked interrupted run as failed", "run_id", id)
		rec, err := database.GetRun(id)
		if err != nil || rec == nil {
			continue
		}
		rec.State = string(pipeline.StateFailed)
		rec.Error = reason
		if err := database.SaveRun(*rec); err != nil {
			return fmt.Errorf("recover run %s: %w", id, err)
		}
		if err := database.LogRunEvent(id, "error", string(pipeline.StateFailed), reason); err != nil {
			return fmt.Errorf("recover run %s: %w", id, err)
		}
	}
	return nil
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (default from config, 8080)")
}
