package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sshcollectorpro/arubatracker/internal/model"
	"github.com/sshcollectorpro/arubatracker/internal/service"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

// TrackerReader 处理器依赖的采集服务能力
type TrackerReader interface {
	Trackers() []service.TrackerStatus
	Scanner(name string) (*service.Scanner, error)
	ScanNow(ctx context.Context, name string) ([]string, error)
	Runs(ctx context.Context, name string, limit int) ([]model.ScanRun, error)
}

// TrackerHandler 采集目标处理器
type TrackerHandler struct {
	trackers TrackerReader
	health   func() error
}

// NewTrackerHandler 创建处理器；health 为空时不检查数据库
func NewTrackerHandler(trackers TrackerReader, health func() error) *TrackerHandler {
	return &TrackerHandler{trackers: trackers, health: health}
}

// DeviceResponse 单个在线设备
type DeviceResponse struct {
	MAC        string            `json:"mac"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
}

// DeviceListResponse 采集目标当前在线设备
type DeviceListResponse struct {
	Tracker  string               `json:"tracker"`
	LastScan *time.Time           `json:"last_scan,omitempty"`
	Devices  []model.DeviceRecord `json:"devices"`
}

// ScanResponse 手动扫描结果
type ScanResponse struct {
	Tracker string   `json:"tracker"`
	MACs    []string `json:"macs"`
	Stale   bool     `json:"stale"`
	Error   string   `json:"error,omitempty"`
}

// Health GET /api/v1/health
func (h *TrackerHandler) Health(c *gin.Context) {
	statuses := h.trackers.Trackers()
	active := 0
	for _, st := range statuses {
		if st.Status == model.TrackerStatusActive || st.Status == model.TrackerStatusStale {
			active++
		}
	}
	body := gin.H{
		"status":   "ok",
		"trackers": len(statuses),
		"active":   active,
	}
	if h.health != nil {
		if err := h.health(); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

// ListTrackers GET /api/v1/trackers
func (h *TrackerHandler) ListTrackers(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "OK",
		Message: "success",
		Data:    h.trackers.Trackers(),
	})
}

// ListDevices GET /api/v1/trackers/:name/devices
func (h *TrackerHandler) ListDevices(c *gin.Context) {
	name := c.Param("name")
	sc, err := h.trackers.Scanner(name)
	if err != nil {
		writeTrackerError(c, name, err)
		return
	}
	resp := DeviceListResponse{Tracker: name, Devices: sc.Devices()}
	if t, ok := sc.LastScan(); ok {
		resp.LastScan = &t
	}
	c.JSON(http.StatusOK, resp)
}

// GetDevice GET /api/v1/trackers/:name/devices/:mac
func (h *TrackerHandler) GetDevice(c *gin.Context) {
	name := c.Param("name")
	sc, err := h.trackers.Scanner(name)
	if err != nil {
		writeTrackerError(c, name, err)
		return
	}
	mac := c.Param("mac")
	deviceName, ok := sc.DeviceName(mac)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "DEVICE_NOT_FOUND",
			Message: "设备不在线: " + mac,
		})
		return
	}
	c.JSON(http.StatusOK, DeviceResponse{
		MAC:        model.NormalizeMAC(mac),
		Name:       deviceName,
		Attributes: sc.ExtraAttributes(mac),
	})
}

// Scan POST /api/v1/trackers/:name/scan
// 扫描失败时返回 502，并附带保留的上一次结果
func (h *TrackerHandler) Scan(c *gin.Context) {
	name := c.Param("name")
	macs, err := h.trackers.ScanNow(c.Request.Context(), name)
	if errors.Is(err, service.ErrTrackerNotFound) || errors.Is(err, service.ErrTrackerNotInitialized) {
		writeTrackerError(c, name, err)
		return
	}
	if err != nil {
		logger.WithFields(logger.Fields{"tracker": name, "error": err}).Warn("manual scan failed")
		c.JSON(http.StatusBadGateway, ScanResponse{Tracker: name, MACs: macs, Stale: true, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ScanResponse{Tracker: name, MACs: macs})
}

// ListRuns GET /api/v1/trackers/:name/runs?limit=N
func (h *TrackerHandler) ListRuns(c *gin.Context) {
	name := c.Param("name")
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:    "INVALID_PARAMS",
				Message: "limit 必须为正整数",
			})
			return
		}
		limit = n
	}
	runs, err := h.trackers.Runs(c.Request.Context(), name, limit)
	if err != nil {
		writeTrackerError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "OK", Message: "success", Data: runs})
}

func writeTrackerError(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, service.ErrTrackerNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "TRACKER_NOT_FOUND",
			Message: "采集目标不存在: " + name,
		})
	case errors.Is(err, service.ErrTrackerNotInitialized):
		c.JSON(http.StatusConflict, ErrorResponse{
			Code:    "TRACKER_NOT_INITIALIZED",
			Message: "采集目标初始化探测失败: " + name,
		})
	default:
		logger.WithFields(logger.Fields{"tracker": name, "error": err}).Error("tracker request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: err.Error(),
		})
	}
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
