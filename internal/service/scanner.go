package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/internal/model"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

// Prober 执行一次查询周期
type Prober interface {
	RunQueryCycle(ctx context.Context, target config.TrackerConfig) (*RawOutput, error)
}

// ScanOutcome 一次扫描的结果摘要
type ScanOutcome struct {
	StartTime   time.Time
	Duration    time.Duration
	DeviceCount int
	Err         error
}

// Scanner 面向调用方的在线设备扫描器
// 当前结果只在扫描成功后整体替换；扫描失败保留上一次结果
type Scanner struct {
	target   config.TrackerConfig
	prober   Prober
	snapshot SnapshotWriter
	observe  func(ScanOutcome)

	// mu 串行化同一设备上的查询周期
	mu       sync.Mutex
	last     atomic.Pointer[model.ScanResult]
	lastScan atomic.Pointer[time.Time]
}

// ScannerOption 扫描器可选项
type ScannerOption func(*Scanner)

// WithSnapshotWriter 每次成功扫描后保存原始输出
func WithSnapshotWriter(w SnapshotWriter) ScannerOption {
	return func(s *Scanner) { s.snapshot = w }
}

// WithScanObserver 每次扫描结束后回调（含初始化探测）
func WithScanObserver(fn func(ScanOutcome)) ScannerOption {
	return func(s *Scanner) { s.observe = fn }
}

// NewScanner 创建未探测的扫描器
func NewScanner(target config.TrackerConfig, prober Prober, opts ...ScannerOption) *Scanner {
	s := &Scanner{target: target, prober: prober}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize 同步执行一次探测；失败时返回 nil，调用方不应登记该目标
func Initialize(ctx context.Context, target config.TrackerConfig, prober Prober, opts ...ScannerOption) (*Scanner, error) {
	s := NewScanner(target, prober, opts...)
	if _, err := s.refresh(ctx); err != nil {
		return nil, fmt.Errorf("initialize tracker %s: %w", target.Name, err)
	}
	return s, nil
}

// Target 采集目标配置
func (s *Scanner) Target() config.TrackerConfig {
	return s.target
}

// Scan 执行一次查询周期并返回当前 MAC 集合
// 失败时返回上一次的 MAC 集合与错误
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	result, err := s.refresh(ctx)
	if err != nil {
		return s.current().MACs(), err
	}
	return result.MACs(), nil
}

func (s *Scanner) refresh(ctx context.Context) (*model.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	raw, err := s.prober.RunQueryCycle(ctx, s.target)
	if err != nil {
		s.notify(ScanOutcome{StartTime: start, Duration: time.Since(start), DeviceCount: s.current().Len(), Err: err})
		return nil, err
	}

	result := ParseOutput(raw)
	s.last.Store(result)
	s.lastScan.Store(&start)

	if s.snapshot != nil {
		if obj, werr := s.snapshot.WriteSnapshot(ctx, s.target.Name, raw); werr != nil {
			logger.WithFields(logger.Fields{"tracker": s.target.Name, "error": werr}).Warn("failed to save raw snapshot")
		} else {
			logger.WithFields(logger.Fields{"tracker": s.target.Name, "uri": obj.URI}).Debug("raw snapshot saved")
		}
	}

	logger.WithFields(logger.Fields{
		"tracker": s.target.Name,
		"devices": result.Len(),
		"elapsed": time.Since(start).String(),
	}).Info("scan completed")
	s.notify(ScanOutcome{StartTime: start, Duration: time.Since(start), DeviceCount: result.Len()})
	return result, nil
}

func (s *Scanner) notify(o ScanOutcome) {
	if s.observe != nil {
		s.observe(o)
	}
}

func (s *Scanner) current() *model.ScanResult {
	return s.last.Load()
}

// LastScan 最近一次成功扫描的开始时间
func (s *Scanner) LastScan() (time.Time, bool) {
	if t := s.lastScan.Load(); t != nil {
		return *t, true
	}
	return time.Time{}, false
}

// MACs 当前结果中的 MAC 集合，不触发扫描
func (s *Scanner) MACs() []string {
	return s.current().MACs()
}

// Devices 当前结果中的全部记录
func (s *Scanner) Devices() []model.DeviceRecord {
	return s.current().Records()
}

// Device 按 MAC 查找记录
func (s *Scanner) Device(mac string) (model.DeviceRecord, bool) {
	return s.current().ByMAC(mac)
}

// DeviceName 按 MAC 查找名称；名称可能为空
func (s *Scanner) DeviceName(mac string) (string, bool) {
	rec, ok := s.Device(mac)
	if !ok {
		return "", false
	}
	return rec.Name, true
}

// ExtraAttributes 按 MAC 返回 ip 与 location_name 中有值的字段；找不到时返回 nil
func (s *Scanner) ExtraAttributes(mac string) map[string]string {
	rec, ok := s.Device(mac)
	if !ok {
		return nil
	}
	attrs := make(map[string]string, 2)
	if rec.IP != "" {
		attrs["ip"] = rec.IP
	}
	if rec.LocationName != "" {
		attrs["location_name"] = rec.LocationName
	}
	return attrs
}
