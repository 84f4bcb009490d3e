package task

import (
	"context"
	"log/slog"
	"time"
)

const maintenanceTimeout = time.Minute

// NewMaintenanceTask backs up the ledger database and trims old backups and
// log rows. Old backups are only purged after a new one succeeded.
func NewMaintenanceTask(logger *slog.Logger, db Maintainer, mc MaintenanceConfig) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		defer cancel()
		start := time.Now()

		archive, err := db.Backup(ctx)
		if err != nil {
			logger.Error("ledger backup failed, keeping old backups", slog.Any("error", err))
		} else if removed, err := db.PurgeBackups(ctx, mc.BackupKeepDays); err != nil {
			logger.Error("purging old backups", slog.Any("error", err))
		} else if removed > 0 {
			logger.Debug("old backups removed", slog.Int("count", removed), slog.Int("keep_days", mc.BackupKeepDays))
		}

		if err := db.PurgeLog(ctx, mc.MaxLogEntries); err != nil {
			logger.Error("trimming log", slog.Any("error", err))
		}

		logger.Info("maintenance done", slog.String("backup", archive), slog.Duration("took", time.Since(start)))
	}
}
