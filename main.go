package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/icodeforyou/energycontract-go/bridge"
	"github.com/icodeforyou/energycontract-go/config"
	"github.com/icodeforyou/energycontract-go/coordinator"
	"github.com/icodeforyou/energycontract-go/database"
	"github.com/icodeforyou/energycontract-go/hours"
	"github.com/icodeforyou/energycontract-go/logging"
	"github.com/icodeforyou/energycontract-go/task"
	"github.com/icodeforyou/energycontract-go/www"
	"github.com/lmittmann/tint"
)

var Version = "?.?.?"

func main() {
	defer func() {
		if err := recover(); err != nil {
			exitWithError(slog.Default(), fmt.Errorf("application panicked: %v", err))
		} else {
			slog.Default().Info("application is shutting down...")
		}
	}()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cnfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := hours.SetTimezone(cnfg.Location.GetTimezone()); err != nil {
		panic(fmt.Sprintf("failed to set timezone: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consoleHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      cnfg.Logging.GetConsoleLevel(),
		TimeFormat: time.RFC3339,
	})
	slog.New(consoleHandler).Debug("energy contract is starting...", slog.String("version", Version))

	db, err := database.New(ctx, cnfg.Database.Path)
	if err != nil {
		panic(fmt.Sprintf("failed to connect to database: %v", err))
	}
	defer db.Close()

	logger := slog.New(logging.NewMultiHandler(
		consoleHandler,
		logging.NewSQLiteHandler(db, cnfg.Logging.GetDbLevel(), cnfg.Logging.GetDbAttrsFormat())))
	slog.SetDefault(logger)

	// Now we can use the logger to log database operations into the database itself
	db.SetLogger(logger.With("module", "database"))

	coordCnfg, err := cnfg.ToCoordinator()
	if err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	br := bridge.New(bridge.Options{
		Host:          cnfg.Mqtt.Host,
		Port:          cnfg.Mqtt.Port,
		Username:      cnfg.Mqtt.Username,
		Password:      cnfg.Mqtt.Password,
		ClientID:      cnfg.Mqtt.GetClientId(),
		StatePrefix:   cnfg.Mqtt.GetStateTopicPrefix(),
		PublishPrefix: cnfg.Mqtt.GetPublishPrefix(),
	})

	coord, err := coordinator.New(ctx, coordCnfg, db, db, br)
	if err != nil {
		panic(fmt.Sprintf("failed to start coordinator: %v", err))
	}
	coord.OnChange(br.PublishMeter)
	br.Attach(coord)

	publishAll := func() {
		for _, m := range coord.Snapshot() {
			br.PublishMeter(m)
		}
	}

	if isDevMode() {
		logger.Info("dev mode, skipping mqtt connection")
	} else {
		if err := br.Connect(ctx); err != nil {
			panic(fmt.Sprintf("mqtt connection error: %v", err))
		}
		defer br.Disconnect()
		publishAll()
	}

	tasks := task.NewTasks(coord, db, task.MaintenanceConfig{
		BackupKeepDays: cnfg.Database.GetBackupRetentionDays(),
		MaxLogEntries:  cnfg.Logging.GetDbMaxEntries(),
	})
	tasks.Run()
	defer tasks.Stop()

	if cnfg.Path != "" {
		err := config.Watch(ctx, cnfg.Path, func(c *config.AppConfig) {
			cc, err := c.ToCoordinator()
			if err != nil {
				logger.Error("ignoring invalid configuration", slog.Any("error", err))
				return
			}
			if err := coord.Reconfigure(ctx, cc); err != nil {
				logger.Error("failed to apply configuration", slog.Any("error", err))
				return
			}
			if err := br.Resubscribe(); err != nil {
				logger.Error("failed to update subscriptions", slog.Any("error", err))
			}
			publishAll()
		})
		if err != nil {
			logger.Warn("configuration changes will not be applied until restart", slog.Any("error", err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("main context done")
		case sig := <-sigCh:
			logger.Info("received signal", slog.Any("signal", sig))
			cancel()
		}
	}()

	server := www.NewServer(coord, db, cnfg.Api)
	server.Run(ctx)
}

func isDevMode() bool {
	return strings.EqualFold(os.Getenv("APP_ENV"), "development")
}

func exitWithError(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("application shutting down with error", slog.Any("error", err))
	}
	if syncer, ok := logger.Handler().(interface{ Sync() error }); ok {
		if syncErr := syncer.Sync(); syncErr != nil {
			logger.Error("failed to flush logger", slog.Any("error", syncErr))
		}
	}

	time.Sleep(2 * time.Second)
	os.Exit(1)
}
