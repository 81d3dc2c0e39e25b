package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 命令输出的头部与尾部行
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
	Total     int      `json:"total"`
}

// ParseOutputLines 提取输出的前后各 maxLines 行（总行数不足时头尾相同）
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "\n")
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return OutputLines{}
	}

	lines := strings.Split(output, "\n")
	n := len(lines)
	k := maxLines
	if k > n {
		k = n
	}
	res := OutputLines{Total: n}
	res.HeadLines = append([]string(nil), lines[:k]...)
	res.TailLines = append([]string(nil), lines[n-k:]...)
	return res
}

// Format 渲染为单行日志文本
func (o OutputLines) Format() string {
	if o.Total == 0 {
		return ""
	}
	head := "head-lines: [" + strings.Join(o.HeadLines, " ⟩ ") + "]"
	if o.Total <= len(o.HeadLines) {
		return head
	}
	return head + ", tail-lines: [" + strings.Join(o.TailLines, " ⟩ ") + "]"
}

// DebugCommandOutput 在 debug 级别记录命令输出摘要
func DebugCommandOutput(fields Fields, command string, output string, maxLines int) {
	if GetLogger().Level < logrus.DebugLevel {
		return
	}
	lines := ParseOutputLines(output, maxLines)
	if lines.Total == 0 {
		return
	}
	WithFields(fields).WithField("lines", lines.Total).Debugf("Command echo [%s]: %s", command, lines.Format())
}
