package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

// snapshotName 每个采集目标只保留最近一次原始输出，覆盖写入
const snapshotName = "latest.txt"

// StoredObject 快照写入结果
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// SnapshotWriter 保存最近一次原始输出
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, tracker string, raw *RawOutput) (StoredObject, error)
}

// NewSnapshotWriter 根据配置创建写入器；未启用时返回 nil
func NewSnapshotWriter(cfg *config.Config) SnapshotWriter {
	if cfg == nil || !cfg.Scan.Capture.Enabled {
		return nil
	}
	w := &DelegatingSnapshotWriter{
		backend: strings.ToLower(strings.TrimSpace(cfg.Scan.Capture.Backend)),
		local:   &LocalSnapshotWriter{BaseDir: cfg.Scan.Capture.BaseDir, Prefix: cfg.Scan.Capture.Prefix},
	}
	if w.backend == "minio" {
		w.minio = initMinioWriter(cfg.Storage.Minio, cfg.Scan.Capture.Prefix)
	}
	return w
}

// DelegatingSnapshotWriter 按后端路由；MinIO 失败时回退到本地
type DelegatingSnapshotWriter struct {
	backend string
	local   *LocalSnapshotWriter
	minio   *MinioSnapshotWriter
}

func (w *DelegatingSnapshotWriter) WriteSnapshot(ctx context.Context, tracker string, raw *RawOutput) (StoredObject, error) {
	if w.backend != "minio" {
		return w.local.WriteSnapshot(ctx, tracker, raw)
	}
	if w.minio == nil {
		logger.Warn("MinIO backend selected but client not initialized; falling back to local")
		obj, err := w.local.WriteSnapshot(ctx, tracker, raw)
		if err != nil {
			return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", err)
		}
		return obj, nil
	}
	obj, err := w.minio.WriteSnapshot(ctx, tracker, raw)
	if err != nil {
		logger.WithField("error", err).Warn("MinIO write failed; falling back to local")
		objLocal, lerr := w.local.WriteSnapshot(ctx, tracker, raw)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
		}
		return objLocal, nil
	}
	return obj, nil
}

// LocalSnapshotWriter 本地文件：baseDir/prefix/<tracker>/latest.txt
type LocalSnapshotWriter struct {
	BaseDir string
	Prefix  string
}

func (w *LocalSnapshotWriter) WriteSnapshot(_ context.Context, tracker string, raw *RawOutput) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.BaseDir)
	if baseDir == "" {
		baseDir = "./data/captures"
	}
	parts := []string{baseDir}
	if p := strings.TrimSpace(w.Prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, slug(tracker))
	dirPath := filepath.Join(parts...)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
	}

	data := snapshotBytes(raw)
	fullPath := filepath.Join(dirPath, snapshotName)
	// 先写临时文件再改名，读者不会看到半截快照
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		return StoredObject{}, fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return storedObject("file://"+fullPath, data, ""), nil
}

// MinioSnapshotWriter MinIO 对象：bucket/prefix/<tracker>/latest.txt
type MinioSnapshotWriter struct {
	client        *minio.Client
	endpoint      string
	bucket        string
	prefix        string
	bucketEnsured bool
}

// initMinioWriter 初始化 MinIO 写入器，配置不完整时返回 nil
func initMinioWriter(cfg config.MinioConfig, prefix string) *MinioSnapshotWriter {
	host := strings.TrimSpace(cfg.Host)
	if host == "" || cfg.Port <= 0 {
		logger.Warn("MinIO configuration incomplete; host/port missing")
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, cfg.Port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.WithField("error", err).Error("MinIO client initialization failed")
		return nil
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		logger.Warn("MinIO bucket not configured")
		return nil
	}
	return &MinioSnapshotWriter{client: client, endpoint: endpoint, bucket: bucket, prefix: strings.TrimSpace(prefix)}
}

func (w *MinioSnapshotWriter) WriteSnapshot(ctx context.Context, tracker string, raw *RawOutput) (StoredObject, error) {
	if w == nil || w.client == nil {
		return StoredObject{}, fmt.Errorf("minio client not initialized")
	}
	objectName := snapshotObjectName(w.prefix, tracker)
	data := snapshotBytes(raw)
	ct := "text/plain; charset=utf-8"

	if !w.bucketEnsured {
		if err := w.ensureBucket(ctx, 2); err != nil {
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
		}
		w.bucketEnsured = true
	}

	var lastErr error
	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second} {
		attemptCtx, cancel := attemptContext(ctx, 10*time.Second)
		_, err := w.client.PutObject(attemptCtx, w.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: ct})
		cancel()
		if err == nil {
			return storedObject("minio://"+path.Join(w.bucket, objectName), data, ct), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return StoredObject{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return StoredObject{}, fmt.Errorf("minio put object to %s failed after retries: %w", w.endpoint, lastErr)
}

func (w *MinioSnapshotWriter) ensureBucket(parent context.Context, retries int) error {
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := attemptContext(parent, 10*time.Second)
		exists, err := w.client.BucketExists(ctx, w.bucket)
		if err == nil && !exists {
			err = w.client.MakeBucket(ctx, w.bucket, minio.MakeBucketOptions{})
		}
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}

// attemptContext 限时上下文，不超过父上下文剩余时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		if remain := time.Until(deadline); remain < prefer {
			prefer = remain
		}
	}
	return context.WithTimeout(parent, prefer)
}

func snapshotObjectName(prefix, tracker string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, slug(tracker), snapshotName)
	return path.Join(parts...)
}

func snapshotBytes(raw *RawOutput) []byte {
	if raw == nil {
		return nil
	}
	return []byte(raw.Text)
}

func storedObject(uri string, data []byte, contentType string) StoredObject {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	sum := sha256.Sum256(data)
	return StoredObject{
		URI:         uri,
		Size:        int64(len(data)),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		ContentType: contentType,
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(s)
	s = slugRe.ReplaceAllString(s, "")
	if s == "" || s == "." || s == ".." {
		s = "unknown"
	}
	return s
}
