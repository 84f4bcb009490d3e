package task

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
)

type fakeLedger struct {
	dailyCosts  int
	faultChecks int
}

func (l *fakeLedger) AddDailyFixedCosts(context.Context) { l.dailyCosts++ }
func (l *fakeLedger) CheckFaults(context.Context)        { l.faultChecks++ }

type fakeMaintainer struct {
	calls     []string
	keepDays  int
	maxLog    int
	backupErr error
}

func (m *fakeMaintainer) Backup(context.Context) (string, error) {
	m.calls = append(m.calls, "backup")
	if m.backupErr != nil {
		return "", m.backupErr
	}
	return "backups/energycontract_20240615_023000.db.zip", nil
}

func (m *fakeMaintainer) PurgeBackups(_ context.Context, keepDays int) (int, error) {
	m.calls = append(m.calls, "purge_backups")
	m.keepDays = keepDays
	return 1, nil
}

func (m *fakeMaintainer) PurgeLog(_ context.Context, maxLogEntries int) error {
	m.calls = append(m.calls, "purge_log")
	m.maxLog = maxLogEntries
	return nil
}

func TestMaintenanceTask(t *testing.T) {
	db := &fakeMaintainer{}
	NewMaintenanceTask(slog.Default(), db, MaintenanceConfig{BackupKeepDays: 7, MaxLogEntries: 500})()

	if !slices.Equal(db.calls, []string{"backup", "purge_backups", "purge_log"}) {
		t.Fatalf("got calls %v, wanted backup, purge_backups and purge_log", db.calls)
	}
	if db.keepDays != 7 {
		t.Errorf("got keep days %d, wanted 7", db.keepDays)
	}
	if db.maxLog != 500 {
		t.Errorf("got max log entries %d, wanted 500", db.maxLog)
	}
}

func TestMaintenanceTaskKeepsBackupsWhenBackupFails(t *testing.T) {
	db := &fakeMaintainer{backupErr: errors.New("disk full")}
	NewMaintenanceTask(slog.Default(), db, MaintenanceConfig{BackupKeepDays: 7, MaxLogEntries: 500})()

	if !slices.Equal(db.calls, []string{"backup", "purge_log"}) {
		t.Errorf("got calls %v, wanted backup and purge_log", db.calls)
	}
}

func TestLedgerTasks(t *testing.T) {
	ledger := &fakeLedger{}
	tasks := NewTasks(ledger, &fakeMaintainer{}, MaintenanceConfig{})

	tasks.DailyCostTask()
	tasks.FaultCheckTask()
	tasks.FaultCheckTask()

	if ledger.dailyCosts != 1 {
		t.Errorf("got %d daily cost runs, wanted 1", ledger.dailyCosts)
	}
	if ledger.faultChecks != 2 {
		t.Errorf("got %d fault checks, wanted 2", ledger.faultChecks)
	}
}

func TestRunSchedulesTasks(t *testing.T) {
	tasks := NewTasks(&fakeLedger{}, &fakeMaintainer{}, MaintenanceConfig{})
	tasks.Run()
	defer tasks.Stop()

	if n := len(tasks.cron.Entries()); n != 3 {
		t.Errorf("got %d scheduled entries, wanted 3", n)
	}
}
