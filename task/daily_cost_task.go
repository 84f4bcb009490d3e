package task

import (
	"context"
	"log/slog"
	"time"
)

func NewDailyCostTask(logger *slog.Logger, ledger Ledger) func() {
	return func() {
		logger.Debug("running daily cost task...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ledger.AddDailyFixedCosts(ctx)
		logger.Debug("daily cost task done")
	}
}

// NewFaultCheckTask reports inputs that stayed unavailable without any new
// state arriving.
func NewFaultCheckTask(ledger Ledger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ledger.CheckFaults(ctx)
	}
}
