package model

import (
	"net"
	"sort"
	"strings"
)

// DeviceRecord 当前连接到 AP 的客户端
type DeviceRecord struct {
	MAC  string `json:"mac"`
	IP   string `json:"ip"`
	Name string `json:"name"`
	// LocationName 仅 AP 模式提供
	LocationName string `json:"location_name,omitempty"`
}

// ScanResult 一次扫描得到的完整客户端集合，按 IP 为键
// 扫描成功后整体替换，不做增量合并
type ScanResult struct {
	records map[string]DeviceRecord
	byMAC   map[string]string
}

// NewScanResult 创建空结果
func NewScanResult() *ScanResult {
	return &ScanResult{
		records: make(map[string]DeviceRecord),
		byMAC:   make(map[string]string),
	}
}

// Put 写入一条记录；相同 IP 以后写入者为准
// 同一 MAC 可能出现在多个 IP 上，MAC 索引指向最近写入且仍持有该 MAC 的 IP
func (r *ScanResult) Put(rec DeviceRecord) {
	rec.MAC = NormalizeMAC(rec.MAC)
	old, replaced := r.records[rec.IP]
	r.records[rec.IP] = rec
	r.byMAC[rec.MAC] = rec.IP
	if replaced && old.MAC != rec.MAC && r.byMAC[old.MAC] == rec.IP {
		r.reindexMAC(old.MAC)
	}
}

// reindexMAC 被覆盖 IP 原先持有的 MAC 改指向其他仍持有它的记录
func (r *ScanResult) reindexMAC(mac string) {
	delete(r.byMAC, mac)
	ips := make([]string, 0, 1)
	for ip, rec := range r.records {
		if rec.MAC == mac {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return
	}
	sort.Strings(ips)
	r.byMAC[mac] = ips[0]
}

// Len 记录数
func (r *ScanResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.records)
}

// Get 按 IP 查找
func (r *ScanResult) Get(ip string) (DeviceRecord, bool) {
	if r == nil {
		return DeviceRecord{}, false
	}
	rec, ok := r.records[ip]
	return rec, ok
}

// ByMAC 按 MAC 查找，大小写与分隔符不敏感
func (r *ScanResult) ByMAC(mac string) (DeviceRecord, bool) {
	if r == nil {
		return DeviceRecord{}, false
	}
	ip, ok := r.byMAC[NormalizeMAC(mac)]
	if !ok {
		return DeviceRecord{}, false
	}
	return r.records[ip], true
}

// MACs 当前在线 MAC 集合（排序后返回）
func (r *ScanResult) MACs() []string {
	if r == nil {
		return []string{}
	}
	macs := make([]string, 0, len(r.byMAC))
	for mac := range r.byMAC {
		macs = append(macs, mac)
	}
	sort.Strings(macs)
	return macs
}

// Records 全部记录（按 MAC 排序）
func (r *ScanResult) Records() []DeviceRecord {
	if r == nil {
		return []DeviceRecord{}
	}
	out := make([]DeviceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MAC == out[j].MAC {
			return out[i].IP < out[j].IP
		}
		return out[i].MAC < out[j].MAC
	})
	return out
}

// NormalizeMAC 统一为大写冒号分隔；无法解析为 6 字节 MAC 时仅转大写
func NormalizeMAC(mac string) string {
	mac = strings.TrimSpace(mac)
	if hw, err := net.ParseMAC(mac); err == nil && len(hw) == 6 {
		return strings.ToUpper(hw.String())
	}
	return strings.ToUpper(mac)
}
