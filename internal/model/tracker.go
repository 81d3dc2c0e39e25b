package model

import (
	"time"
)

// Tracker 已登记的 AP 采集目标（不含任何设备在线数据）
type Tracker struct {
	Name      string    `json:"name" gorm:"primaryKey;type:varchar(64)"`
	Host      string    `json:"host" gorm:"type:varchar(128);not null"`
	Port      int       `json:"port" gorm:"not null;default:22"`
	Username  string    `json:"username" gorm:"type:varchar(64);not null"`
	Mode      string    `json:"mode" gorm:"type:varchar(16);not null"`
	Status    string    `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`
	LastError string    `json:"last_error" gorm:"type:text"`
	LastScan  time.Time `json:"last_scan"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Tracker) TableName() string {
	return "trackers"
}

// TrackerStatus 采集目标状态
const (
	TrackerStatusPending = "pending"
	TrackerStatusActive  = "active"
	TrackerStatusStale   = "stale"
	TrackerStatusFailed  = "failed"
)

// ScanRun 单次扫描的审计记录：只记录结果统计，不保存 MAC/IP
type ScanRun struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TrackerName string    `json:"tracker_name" gorm:"type:varchar(64);not null;index"`
	Status      string    `json:"status" gorm:"type:varchar(16);not null"`
	FailureKind string    `json:"failure_kind" gorm:"type:varchar(32)"`
	ErrorMsg    string    `json:"error_msg" gorm:"type:text"`
	DeviceCount int       `json:"device_count"`
	StartTime   time.Time `json:"start_time" gorm:"index"`
	Duration    int64     `json:"duration"` // 毫秒
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (ScanRun) TableName() string {
	return "scan_runs"
}

// ScanRunStatus 扫描结果
const (
	ScanRunSuccess = "success"
	ScanRunFailed  = "failed"
)
