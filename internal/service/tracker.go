package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/internal/model"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

// TrackerStatus 采集目标运行状态
type TrackerStatus struct {
	model.Tracker
	Devices int `json:"devices"`
}

// TrackerService 管理全部采集目标：初始化探测、周期轮询与审计
type TrackerService struct {
	cfg      *config.Config
	prober   Prober
	recorder RunRecorder
	snapshot SnapshotWriter

	mu       sync.RWMutex
	scanners map[string]*Scanner
	status   map[string]*model.Tracker
}

// NewTrackerService 创建服务；recorder、snapshot 可为 nil
func NewTrackerService(cfg *config.Config, prober Prober, recorder RunRecorder, snapshot SnapshotWriter) *TrackerService {
	s := &TrackerService{
		cfg:      cfg,
		prober:   prober,
		recorder: recorder,
		snapshot: snapshot,
		scanners: make(map[string]*Scanner),
		status:   make(map[string]*model.Tracker),
	}
	for _, t := range cfg.Trackers {
		s.status[t.Name] = &model.Tracker{
			Name:     t.Name,
			Host:     t.Host,
			Port:     t.Port,
			Username: t.Username,
			Mode:     t.Mode,
			Status:   model.TrackerStatusPending,
		}
	}
	return s
}

// Initialize 并发地对每个目标做一次探测；探测失败的目标不登记扫描器，也不自动重试
// 返回成功登记的数量
func (s *TrackerService) Initialize(ctx context.Context) int {
	var g errgroup.Group
	for _, t := range s.cfg.Trackers {
		s.persist(ctx, t.Name)
		g.Go(func() error {
			sc, err := Initialize(ctx, t, s.prober,
				WithSnapshotWriter(s.snapshot),
				WithScanObserver(s.observer(ctx, t.Name)))
			if err != nil {
				logger.WithFields(logger.Fields{"tracker": t.Name, "error": err}).Error("tracker probe failed; not registered")
				return nil
			}
			s.mu.Lock()
			s.scanners[t.Name] = sc
			s.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scanners)
}

// Run 按各自间隔轮询已登记的目标，直到 ctx 结束
func (s *TrackerService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sc := range s.registered() {
		interval := s.cfg.TrackerInterval(sc.Target())
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					// 失败已在 observer 中记录，下一轮继续
					_, _ = sc.Scan(ctx)
				}
			}
		})
	}
	return g.Wait()
}

// ScanNow 立即扫描指定目标；与轮询串行执行
func (s *TrackerService) ScanNow(ctx context.Context, name string) ([]string, error) {
	sc, err := s.Scanner(name)
	if err != nil {
		return nil, err
	}
	return sc.Scan(ctx)
}

// Scanner 按名称获取已登记的扫描器
func (s *TrackerService) Scanner(name string) (*Scanner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.status[name]; !ok {
		return nil, ErrTrackerNotFound
	}
	sc, ok := s.scanners[name]
	if !ok {
		return nil, ErrTrackerNotInitialized
	}
	return sc, nil
}

// Trackers 全部目标的当前状态
func (s *TrackerService) Trackers() []TrackerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackerStatus, 0, len(s.status))
	for name, st := range s.status {
		ts := TrackerStatus{Tracker: *st}
		if sc, ok := s.scanners[name]; ok {
			ts.Devices = len(sc.MACs())
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runs 最近的扫描审计
func (s *TrackerService) Runs(ctx context.Context, name string, limit int) ([]model.ScanRun, error) {
	s.mu.RLock()
	_, ok := s.status[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTrackerNotFound
	}
	if s.recorder == nil {
		return []model.ScanRun{}, nil
	}
	return s.recorder.ListRuns(ctx, name, limit)
}

func (s *TrackerService) registered() []*Scanner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Scanner, 0, len(s.scanners))
	for _, sc := range s.scanners {
		out = append(out, sc)
	}
	return out
}

// observer 更新内存状态并写入审计
func (s *TrackerService) observer(ctx context.Context, name string) func(ScanOutcome) {
	return func(o ScanOutcome) {
		run := &model.ScanRun{
			ID:          uuid.NewString(),
			TrackerName: name,
			Status:      model.ScanRunSuccess,
			DeviceCount: o.DeviceCount,
			StartTime:   o.StartTime,
			Duration:    o.Duration.Milliseconds(),
		}

		s.mu.Lock()
		st := s.status[name]
		if o.Err == nil {
			st.Status = model.TrackerStatusActive
			st.LastError = ""
			st.LastScan = o.StartTime
		} else {
			run.Status = model.ScanRunFailed
			run.ErrorMsg = o.Err.Error()
			if kind, ok := FailureKindOf(o.Err); ok {
				run.FailureKind = kind.String()
			}
			st.LastError = o.Err.Error()
			if _, registered := s.scanners[name]; registered {
				st.Status = model.TrackerStatusStale
			} else {
				st.Status = model.TrackerStatusFailed
			}
		}
		s.mu.Unlock()

		if s.recorder == nil {
			return
		}
		// 轮询退出时仍写完最后一条审计
		rctx := context.WithoutCancel(ctx)
		if err := s.recorder.RecordRun(rctx, run); err != nil {
			logger.WithFields(logger.Fields{"tracker": name, "error": err}).Warn("failed to record scan run")
		}
		s.persist(rctx, name)
	}
}

func (s *TrackerService) persist(ctx context.Context, name string) {
	if s.recorder == nil {
		return
	}
	s.mu.RLock()
	st, ok := s.status[name]
	var row model.Tracker
	if ok {
		row = *st
	}
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.recorder.UpsertTracker(ctx, &row); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithFields(logger.Fields{"tracker": name, "error": err}).Warn("failed to persist tracker")
	}
}
