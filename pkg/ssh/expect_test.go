package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeExpecter(t *testing.T) (*Expecter, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	e := NewExpecter(client, "")
	t.Cleanup(e.Stop)
	return e, server
}

func TestExpectEarliestMatchWins(t *testing.T) {
	e, server := newPipeExpecter(t)
	go server.Write([]byte("banner\r\nHost key verification failed.\r\nadmin@h's password: "))

	password := regexp.MustCompile(`password:`)
	hostKey := regexp.MustCompile(`Host key verification failed\.`)

	m, err := e.Expect(context.Background(), time.Second, password, hostKey)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Index, "出现位置更早的模式优先")
	assert.Equal(t, "banner\r\n", m.Before)

	m, err = e.Expect(context.Background(), time.Second, password, hostKey)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Index, "命中后缓冲从匹配结尾继续")
	assert.Equal(t, "\r\nadmin@h's ", m.Before)
}

func TestExpectAcrossChunks(t *testing.T) {
	e, server := newPipeExpecter(t)
	go func() {
		server.Write([]byte("(lobby"))
		time.Sleep(20 * time.Millisecond)
		server.Write([]byte(") #"))
	}()
	m, err := e.Expect(context.Background(), time.Second, regexp.MustCompile(`#\s*$`))
	require.NoError(t, err)
	assert.Equal(t, "(lobby) ", m.Before)
	assert.Equal(t, "#", m.Text)
}

func TestExpectTimeoutKeepsBuffer(t *testing.T) {
	e, server := newPipeExpecter(t)
	go server.Write([]byte("partial output"))

	m, err := e.Expect(context.Background(), 100*time.Millisecond, regexp.MustCompile(`#`))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, -1, m.Index)
	assert.Equal(t, "partial output", m.Before)

	go server.Write([]byte(" done #"))
	m, err = e.Expect(context.Background(), time.Second, regexp.MustCompile(`#`))
	require.NoError(t, err)
	assert.Equal(t, "partial output done ", m.Before)
}

func TestExpectEOF(t *testing.T) {
	e, server := newPipeExpecter(t)
	go func() {
		server.Write([]byte("Permission denied\r\n"))
		server.Close()
	}()
	m, err := e.Expect(context.Background(), time.Second, regexp.MustCompile(`#`))
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, "Permission denied\r\n", m.Before)

	_, err = e.Expect(context.Background(), time.Second, regexp.MustCompile(`#`))
	assert.ErrorIs(t, err, io.EOF, "EOF 之后的等待立即返回")
}

func TestExpectContextCanceled(t *testing.T) {
	e, _ := newPipeExpecter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Expect(ctx, time.Second, regexp.MustCompile(`#`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	e := NewExpecter(client, "\r\n")
	defer e.Stop()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		got <- string(buf[:n])
	}()
	require.NoError(t, e.SendLine("show user"))
	assert.Equal(t, "show user\r\n", <-got)
}

func TestStripControl(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain\ttext\r\n", "plain\ttext\r\n"},
		{"\x1b[1;32mgreen\x1b[0m", "green"},
		{"\r\x1b[K10.0.0.5", "\r10.0.0.5"},
		{"abc\b\bX", "aX"},
		{"bell\x07\x00 del\x7f", "bell del"},
		{"\x1b7saved\x1b8", "saved"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StripControl(tc.in), "input %q", tc.in)
	}
}
