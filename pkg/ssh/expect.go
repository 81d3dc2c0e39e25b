package ssh

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"time"
)

// ErrTimeout 等待输出超时
var ErrTimeout = errors.New("expect: timeout")

// Match 一次匹配结果
type Match struct {
	// Index 命中的模式序号；超时或 EOF 时为 -1
	Index  int
	Before string
	Text   string
}

// Expecter 在交互式字节流上按正则等待输出
// 语义与 expect 一致：每次命中后丢弃匹配位置之前（含匹配文本）的缓冲
type Expecter struct {
	w          io.Writer
	lineEnding string

	chunks chan []byte
	stop   chan struct{}
	once   sync.Once

	buf []byte
	eof bool
}

// NewExpecter 创建 Expecter 并启动读取协程
func NewExpecter(rw io.ReadWriter, lineEnding string) *Expecter {
	if lineEnding == "" {
		lineEnding = "\n"
	}
	e := &Expecter{
		w:          rw,
		lineEnding: lineEnding,
		chunks:     make(chan []byte, 256),
		stop:       make(chan struct{}),
	}
	go e.readLoop(rw)
	return e
}

func (e *Expecter) readLoop(r io.Reader) {
	defer close(e.chunks)
	buf := make([]byte, 2048)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case e.chunks <- chunk:
			case <-e.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Expect 等待任一模式出现，超时返回 ErrTimeout，流结束返回 io.EOF
// 多个模式同时命中时取最早出现者，位置相同取序号较小者
func (e *Expecter) Expect(ctx context.Context, timeout time.Duration, patterns ...*regexp.Regexp) (Match, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		if m, ok := e.search(patterns); ok {
			return m, nil
		}
		if e.eof {
			before := string(e.buf)
			e.buf = nil
			return Match{Index: -1, Before: before}, io.EOF
		}
		select {
		case chunk, ok := <-e.chunks:
			if !ok {
				e.eof = true
				continue
			}
			e.buf = append(e.buf, chunk...)
		case <-timer:
			return Match{Index: -1, Before: string(e.buf)}, ErrTimeout
		case <-ctx.Done():
			return Match{Index: -1, Before: string(e.buf)}, ctx.Err()
		}
	}
}

func (e *Expecter) search(patterns []*regexp.Regexp) (Match, bool) {
	best, start, end := -1, 0, 0
	for i, p := range patterns {
		loc := p.FindIndex(e.buf)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < start {
			best, start, end = i, loc[0], loc[1]
		}
	}
	if best < 0 {
		return Match{}, false
	}
	m := Match{
		Index:  best,
		Before: string(e.buf[:start]),
		Text:   string(e.buf[start:end]),
	}
	e.buf = append([]byte(nil), e.buf[end:]...)
	return m, true
}

// Send 原样写入
func (e *Expecter) Send(s string) error {
	_, err := io.WriteString(e.w, s)
	return err
}

// SendLine 写入一行（追加行结束符）
func (e *Expecter) SendLine(s string) error {
	return e.Send(s + e.lineEnding)
}

// Stop 停止读取协程；不关闭底层流
func (e *Expecter) Stop() {
	e.once.Do(func() { close(e.stop) })
}

// StripControl 移除 ANSI 转义序列与不可见控制字符（保留制表符）
// 退格会删除前一个字符，用于还原分页器擦除后的行内容
func StripControl(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == 0x1b:
			// CSI: ESC [ ... 终止字节 0x40-0x7e；其他 ESC 序列跳过一个字节
			if i+1 < len(s) && s[i+1] == '[' {
				i += 2
				for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
					i++
				}
			} else {
				i++
			}
		case ch == '\b':
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		case ch < 0x20 && ch != '\t' && ch != '\n' && ch != '\r':
		case ch == 0x7f:
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}
