package service

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sshcollectorpro/arubatracker/internal/database"
	"github.com/sshcollectorpro/arubatracker/internal/model"
)

// RunRecorder 保存采集目标登记信息与扫描审计
type RunRecorder interface {
	UpsertTracker(ctx context.Context, t *model.Tracker) error
	RecordRun(ctx context.Context, run *model.ScanRun) error
	ListTrackers(ctx context.Context) ([]model.Tracker, error)
	ListRuns(ctx context.Context, tracker string, limit int) ([]model.ScanRun, error)
}

// GormRecorder 基于 gorm 的实现
type GormRecorder struct {
	db *gorm.DB
	// retention 每个目标保留的审计条数，<=0 不清理
	retention int
}

// NewGormRecorder 创建记录器
func NewGormRecorder(db *gorm.DB, retention int) *GormRecorder {
	return &GormRecorder{db: db, retention: retention}
}

// UpsertTracker 按名称插入或更新
func (r *GormRecorder) UpsertTracker(ctx context.Context, t *model.Tracker) error {
	return database.WithRetry(r.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"host", "port", "username", "mode", "status", "last_error", "last_scan", "updated_at"}),
		}).Create(t).Error
	}, 3, 50*time.Millisecond)
}

// RecordRun 写入一条审计并按保留条数清理旧记录
func (r *GormRecorder) RecordRun(ctx context.Context, run *model.ScanRun) error {
	conn := r.db.WithContext(ctx)
	if err := database.WithRetry(conn, func(tx *gorm.DB) error {
		return tx.Create(run).Error
	}, 3, 50*time.Millisecond); err != nil {
		return err
	}
	if r.retention <= 0 {
		return nil
	}
	keep := conn.Model(&model.ScanRun{}).
		Select("id").
		Where("tracker_name = ?", run.TrackerName).
		Order("start_time DESC").
		Limit(r.retention)
	return database.WithRetry(conn, func(tx *gorm.DB) error {
		return tx.Where("tracker_name = ? AND id NOT IN (?)", run.TrackerName, keep).
			Delete(&model.ScanRun{}).Error
	}, 3, 50*time.Millisecond)
}

// ListTrackers 全部登记目标
func (r *GormRecorder) ListTrackers(ctx context.Context) ([]model.Tracker, error) {
	var trackers []model.Tracker
	err := r.db.WithContext(ctx).Order("name").Find(&trackers).Error
	return trackers, err
}

// ListRuns 最近的扫描审计，按时间倒序
func (r *GormRecorder) ListRuns(ctx context.Context, tracker string, limit int) ([]model.ScanRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []model.ScanRun
	err := r.db.WithContext(ctx).
		Where("tracker_name = ?", tracker).
		Order("start_time DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
