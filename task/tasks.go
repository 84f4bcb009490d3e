package task

import (
	"context"
	"log/slog"

	"github.com/icodeforyou/energycontract-go/hours"
	"github.com/robfig/cron/v3"
)

const (
	DailyCostSchedule   = "0 0 * * *"
	MaintenanceSchedule = "30 2 * * *"
	FaultCheckSchedule  = "@every 15s"
)

// Ledger is the part of the coordinator driven by the scheduler.
type Ledger interface {
	AddDailyFixedCosts(ctx context.Context)
	CheckFaults(ctx context.Context)
}

// Maintainer is the part of the database kept tidy by the scheduler.
type Maintainer interface {
	Backup(ctx context.Context) (string, error)
	PurgeBackups(ctx context.Context, keepDays int) (int, error)
	PurgeLog(ctx context.Context, maxLogEntries int) error
}

type MaintenanceConfig struct {
	// BackupKeepDays is how long backups are kept. The newest always stays.
	BackupKeepDays int
	MaxLogEntries  int
}

type Tasks struct {
	cron            *cron.Cron
	DailyCostTask   func()
	FaultCheckTask  func()
	MaintenanceTask func()
}

// NewTasks schedules in the configured timezone so the daily costs are
// added at local midnight.
func NewTasks(ledger Ledger, db Maintainer, mc MaintenanceConfig) *Tasks {
	logger := slog.Default().With("module", "tasks")
	return &Tasks{
		cron:            cron.New(cron.WithLocation(hours.Location())),
		DailyCostTask:   NewDailyCostTask(logger.With(slog.String("task", "daily_cost")), ledger),
		FaultCheckTask:  NewFaultCheckTask(ledger),
		MaintenanceTask: NewMaintenanceTask(logger.With(slog.String("task", "maintenance")), db, mc),
	}
}

func (t *Tasks) Run() {
	_, err := t.cron.AddFunc(DailyCostSchedule, t.DailyCostTask)
	if err != nil {
		panic(err)
	}
	_, err = t.cron.AddFunc(FaultCheckSchedule, t.FaultCheckTask)
	if err != nil {
		panic(err)
	}
	_, err = t.cron.AddFunc(MaintenanceSchedule, t.MaintenanceTask)
	if err != nil {
		panic(err)
	}
	t.cron.Start()
}

func (t *Tasks) Stop() context.Context {
	return t.cron.Stop()
}
