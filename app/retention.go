package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// StartRetention launches the background loops that prune old delivery logs
// (hourly) and old failed tasks (daily). Returns a stop function that waits
// for a running sweep to finish.
func StartRetention(relay *Application) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		logTicker := time.NewTicker(time.Hour)
		defer logTicker.Stop()
		taskTicker := time.NewTicker(24 * time.Hour)
		defer taskTicker.Stop()

		// Sweep once at startup so a restart loop cannot defer cleanup
		// indefinitely.
		PruneDeliveryLogs(ctx, relay)
		PruneFailedTasks(ctx, relay)

		for {
			select {
			case <-ctx.Done():
				return
			case <-logTicker.C:
				PruneDeliveryLogs(ctx, relay)
			case <-taskTicker.C:
				PruneFailedTasks(ctx, relay)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// PruneDeliveryLogs deletes delivery logs older than the configured
// retention horizon.
func PruneDeliveryLogs(ctx context.Context, relay *Application) {
	cutoff := time.Now().Add(-time.Duration(relay.Config.LogRetentionHours) * time.Hour)
	deleted, err := relay.DB.DeleteExpiredLogs(ctx, pgtype.Timestamptz{Time: cutoff, Valid: true})
	if err != nil {
		slog.Error("Failed to prune delivery logs", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Pruned delivery logs",
			"deleted", deleted, "retention_hours", relay.Config.LogRetentionHours)
	}
}

// PruneFailedTasks deletes terminally failed tasks past the configured
// retention horizon. Their logs go with them via the cascading foreign key.
func PruneFailedTasks(ctx context.Context, relay *Application) {
	cutoff := time.Now().Add(-time.Duration(relay.Config.FailedTaskRetentionDays) * 24 * time.Hour)
	deleted, err := relay.DB.DeleteExpiredFailedTasks(ctx, pgtype.Timestamptz{Time: cutoff, Valid: true})
	if err != nil {
		slog.Error("Failed to prune failed delivery tasks", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Pruned failed delivery tasks",
			"deleted", deleted, "retention_days", relay.Config.FailedTaskRetentionDays)
	}
}
