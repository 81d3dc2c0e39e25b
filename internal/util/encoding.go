package util

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// 设备终端常见的非 UTF-8 编码，按尝试顺序排列
var fallbackCharsets = []encoding.Encoding{
	simplifiedchinese.GB18030,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// EnsureUTF8 终端输出已是合法 UTF-8 时原样返回，否则依次尝试常见编码解码
// 全部失败时把非法字节替换为 U+FFFD
func EnsureUTF8(s string) string {
	if s == "" || utf8.ValidString(s) {
		return s
	}
	for _, enc := range fallbackCharsets {
		if out, ok := decode(enc, s); ok {
			return out
		}
	}
	return strings.ToValidUTF8(s, "�")
}

// DecodeCharset 按指定字符集名称（如 gbk、latin1、windows-1252）解码
// 名称无法识别时退回 EnsureUTF8
func DecodeCharset(name, s string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return EnsureUTF8(s)
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return EnsureUTF8(s)
	}
	if out, ok := decode(enc, s); ok {
		return out
	}
	return EnsureUTF8(s)
}

func decode(enc encoding.Encoding, s string) (string, bool) {
	out, err := enc.NewDecoder().String(s)
	if err != nil || !utf8.ValidString(out) || strings.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return out, true
}
