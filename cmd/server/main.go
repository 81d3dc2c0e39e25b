package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sshcollectorpro/arubatracker/api/router"
	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/internal/database"
	"github.com/sshcollectorpro/arubatracker/internal/service"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logConfig(cfg)); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logger.Fields{"version": "1.0.0", "trackers": len(cfg.Trackers)}).Info("Starting Aruba Tracker")

	var recorder service.RunRecorder
	var health func() error
	if cfg.Database.SQLite.Enabled {
		if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
			logger.Fatalf("Failed to initialize database: %v", err)
		}
		defer database.Close()
		recorder = service.NewGormRecorder(database.GetDB(), cfg.Database.SQLite.RunRetention)
		health = database.Health
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trackers := service.NewTrackerService(cfg, service.NewSSHDriver(cfg), recorder, service.NewSnapshotWriter(cfg))
	registered := trackers.Initialize(ctx)
	logger.WithFields(logger.Fields{"registered": registered, "configured": len(cfg.Trackers)}).Info("Tracker probes finished")

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := trackers.Run(ctx); err != nil {
			logger.Errorf("Polling stopped: %v", err)
		}
	}()

	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        router.SetupRouter(cfg.Server.Mode, trackers, health),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		logger.WithFields(logger.Fields{"addr": server.Addr, "mode": cfg.Server.Mode}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	go watchConfig(ctx, *configPath)

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	select {
	case <-pollDone:
	case <-shutdownCtx.Done():
		logger.Warn("Polling did not stop before shutdown timeout")
	}
	logger.Info("Server exited")
}

func logConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
}

// watchConfig 配置变更后只刷新日志级别；采集目标变更需重启生效
func watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("Config watch init failed: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.Warnf("Config watch add failed: %v", err)
		return
	}

	var debounce *time.Timer
	reload := func() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.Warnf("Config reload failed: %v", err)
			return
		}
		logger.SetLevel(newCfg.Log.Level)
		logger.WithField("level", newCfg.Log.Level).Info("Config reloaded; tracker changes apply after restart")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Config watch error: %v", err)
		}
	}
}
