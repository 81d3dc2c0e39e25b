package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/internal/model"
	"github.com/sshcollectorpro/arubatracker/internal/service"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

// 单次扫描：探测一个采集目标并输出在线设备
func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	name := flag.String("tracker", "", "配置中的采集目标名称；为空时使用命令行参数")
	host := flag.String("host", "", "AP 地址")
	port := flag.Int("port", 0, "SSH 端口（0 使用配置默认值）")
	username := flag.String("username", "", "登录用户名")
	password := flag.String("password", "", "登录密码")
	enablePwd := flag.String("enable_password", "", "提权密码（为空时沿用登录密码）")
	mode := flag.String("mode", config.ModeAP, "设备模式：AP 或其它（client）")
	timeout := flag.Duration("timeout", 5*time.Minute, "整体超时")
	asJSON := flag.Bool("json", false, "以 JSON 输出")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	target, err := resolveTarget(cfg, *name, config.TrackerConfig{
		Name:           *host,
		Host:           *host,
		Port:           *port,
		Username:       *username,
		Password:       *password,
		EnablePassword: *enablePwd,
		Mode:           *mode,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sc, err := service.Initialize(ctx, target, service.NewSSHDriver(cfg), service.WithSnapshotWriter(service.NewSnapshotWriter(cfg)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	printDevices(sc.Devices(), *asJSON)
}

func resolveTarget(cfg *config.Config, name string, adhoc config.TrackerConfig) (config.TrackerConfig, error) {
	if name != "" {
		for _, t := range cfg.Trackers {
			if t.Name == name {
				return t, nil
			}
		}
		return config.TrackerConfig{}, fmt.Errorf("tracker %q not found in config", name)
	}
	probe := &config.Config{Trackers: []config.TrackerConfig{adhoc}}
	if err := probe.Validate(); err != nil {
		return config.TrackerConfig{}, fmt.Errorf("invalid target: %w", err)
	}
	return adhoc, nil
}

func printDevices(devices []model.DeviceRecord, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(devices)
		return
	}
	fmt.Printf("%-17s  %-15s  %-20s  %s\n", "MAC", "IP", "NAME", "LOCATION")
	for _, d := range devices {
		fmt.Printf("%-17s  %-15s  %-20s  %s\n", d.MAC, d.IP, d.Name, d.LocationName)
	}
	fmt.Printf("%d device(s)\n", len(devices))
}
