package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sshcollectorpro/arubatracker/pkg/logger"
	"github.com/sshcollectorpro/arubatracker/simulate"
)

// 启动模拟 Aruba 设备，便于本地联调
func main() {
	path := flag.String("config", "configs/simulate.yaml", "模拟设备配置")
	level := flag.String("log_level", "info", "日志级别")
	statsEvery := flag.Duration("stats", 30*time.Second, "计数输出间隔（0 关闭）")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *level, Format: "text", Output: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := simulate.LoadConfig(*path)
	if err != nil {
		logger.Fatalf("Simulate: %v", err)
	}
	mgr, err := simulate.Start(cfg)
	if err != nil {
		logger.Fatalf("Simulate: failed to start: %v", err)
	}
	defer mgr.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var tick <-chan time.Time
	if *statsEvery > 0 {
		t := time.NewTicker(*statsEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-sig:
			logger.Info("Simulate: shutting down")
			return
		case <-tick:
			for name := range cfg.Devices {
				if srv := mgr.Server(name); srv != nil {
					st := srv.Stats()
					logger.WithFields(logger.Fields{
						"device":      name,
						"connections": st.Connections,
						"auth":        st.AuthAttempts,
						"commands":    st.Commands,
						"exits":       st.Exits,
						"active":      st.Active,
					}).Info("Simulate: stats")
				}
			}
		}
	}
}
