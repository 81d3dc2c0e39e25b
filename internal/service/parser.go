package service

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sshcollectorpro/arubatracker/internal/model"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
	"github.com/sshcollectorpro/arubatracker/pkg/ssh"
)

// AP 模式 show user 表格的固定列位置
const (
	apFieldIP       = 0
	apFieldMAC      = 1
	apFieldLocation = 4
	apFieldName     = 10
	apMinFields     = apFieldName + 1
)

// reClientLine 名称（可为空）、IPv4、MAC 依次出现，以空白分隔
var reClientLine = regexp.MustCompile(
	`([^\s]+)?\s+` +
		`((?:[0-9]{1,3}\.){3}[0-9]{1,3})\s+` +
		`((?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2})(?:\s|$)`)

// ParseOutput 按采集模式把原始输出解析为扫描结果；无法解析的行跳过，不返回错误
func ParseOutput(raw *RawOutput) *model.ScanResult {
	if raw == nil {
		return model.NewScanResult()
	}
	if raw.AP {
		return ParseAPLines(raw.Lines)
	}
	return ParseClientLines(raw.Lines)
}

// ParseAPLines 解析 show user 输出，按 IP 为键
func ParseAPLines(lines []string) *model.ScanResult {
	result := model.NewScanResult()
	for _, line := range lines {
		rec, ok := parseAPLine(line)
		if !ok {
			continue
		}
		result.Put(rec)
	}
	return result
}

func parseAPLine(line string) (model.DeviceRecord, bool) {
	fields := strings.Fields(ssh.StripControl(line))
	if len(fields) == 0 {
		return model.DeviceRecord{}, false
	}
	if !isIPv4(fields[apFieldIP]) {
		logger.Debugf("skip line without leading IPv4: %q", line)
		return model.DeviceRecord{}, false
	}
	if len(fields) < apMinFields {
		logger.Debugf("skip line with %d fields: %q", len(fields), line)
		return model.DeviceRecord{}, false
	}
	return model.DeviceRecord{
		IP:           fields[apFieldIP],
		MAC:          fields[apFieldMAC],
		LocationName: fields[apFieldLocation],
		Name:         fields[apFieldName],
	}, true
}

// ParseClientLines 解析 show clients 输出，MAC 转大写，按 IP 为键
func ParseClientLines(lines []string) *model.ScanResult {
	result := model.NewScanResult()
	for _, line := range lines {
		rec, ok := parseClientLine(line)
		if !ok {
			continue
		}
		result.Put(rec)
	}
	return result
}

func parseClientLine(line string) (model.DeviceRecord, bool) {
	m := reClientLine.FindStringSubmatch(ssh.StripControl(line))
	if m == nil {
		if strings.TrimSpace(line) != "" {
			logger.Debugf("skip unmatched line: %q", line)
		}
		return model.DeviceRecord{}, false
	}
	if !isIPv4(m[2]) {
		logger.Debugf("skip line with invalid IPv4 %q", m[2])
		return model.DeviceRecord{}, false
	}
	return model.DeviceRecord{
		Name: m[1],
		IP:   m[2],
		MAC:  strings.ToUpper(m[3]),
	}, true
}

// isIPv4 点分四段、每段 1 到 3 位十进制且不大于 255；允许前导零（如 192.168.001.010）
func isIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 || strings.Trim(p, "0123456789") != "" {
			return false
		}
		if n, err := strconv.Atoi(p); err != nil || n > 255 {
			return false
		}
	}
	return true
}
