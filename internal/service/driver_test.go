package service

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/pkg/ssh"
)

// fakeDevice 脚本化的设备端，读取驱动写入的全部按键
type fakeDevice struct {
	t    *testing.T
	conn net.Conn
	in   chan string
	acc  string
}

func newFakeDevice(t *testing.T, conn net.Conn) *fakeDevice {
	d := &fakeDevice{t: t, conn: conn, in: make(chan string, 256)}
	go func() {
		defer close(d.in)
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				d.in <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return d
}

func (d *fakeDevice) send(s string) {
	_, _ = d.conn.Write([]byte(s))
}

// await 等待驱动写入 want，并消费到 want 末尾
func (d *fakeDevice) await(want string) {
	d.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if i := strings.Index(d.acc, want); i >= 0 {
			d.acc = d.acc[i+len(want):]
			return
		}
		select {
		case chunk, ok := <-d.in:
			if !ok {
				d.t.Errorf("terminal closed while waiting for %q (got %q)", want, d.acc)
				return
			}
			d.acc += chunk
		case <-deadline:
			d.t.Errorf("timed out waiting for %q (got %q)", want, d.acc)
			return
		}
	}
}

// drain 读取剩余输入直到驱动关闭终端
func (d *fakeDevice) drain() string {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-d.in:
			if !ok {
				rest := d.acc
				d.acc = ""
				return rest
			}
			d.acc += chunk
		case <-deadline:
			d.t.Error("terminal was never closed")
			return d.acc
		}
	}
}

type trackedConn struct {
	net.Conn
	closed *atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// pipeSpawner 以内存管道代替 ssh 终端
type pipeSpawner struct {
	t      *testing.T
	script func(d *fakeDevice)
	err    error

	closed atomic.Bool
	target ssh.Target
	done   chan struct{}
}

func (p *pipeSpawner) Spawn(_ context.Context, target ssh.Target) (io.ReadWriteCloser, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.target = target
	client, server := net.Pipe()
	d := newFakeDevice(p.t, server)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer server.Close()
		p.script(d)
	}()
	return &trackedConn{Conn: client, closed: &p.closed}, nil
}

func (p *pipeSpawner) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
		t.Fatal("device script did not finish")
	}
}

func testDriverOptions() DriverOptions {
	opts := DefaultDriverOptions()
	opts.HandshakeTimeout = 2 * time.Second
	opts.CommandTimeout = 2 * time.Second
	opts.ExitGrace = 100 * time.Millisecond
	return opts
}

func apTarget() config.TrackerConfig {
	return config.TrackerConfig{Name: "lobby", Host: "10.0.0.1", Username: "admin", Password: "secret", Mode: "AP"}
}

func clientTarget() config.TrackerConfig {
	return config.TrackerConfig{Name: "core", Host: "10.0.0.2", Port: 2222, Username: "admin", Password: "secret", Mode: "controller"}
}

const (
	apLine1 = "10.0.0.5   00:11:22:33:44:55   x   x   Lobby   x   x   x   x   x   bob-phone"
	apLine2 = "10.0.0.6   00:11:22:33:44:66   x   x   Annex   x   x   x   x   x   alice-tab"
)

func TestRunQueryCycleAP(t *testing.T) {
	var rest string
	sp := &pipeSpawner{t: t}
	sp.script = func(d *fakeDevice) {
		d.send("admin@10.0.0.1's password: ")
		d.await("secret\n")
		d.send("\r\n(lobby) >")
		d.await("enable\n")
		d.send("enable\r\nPassword:")
		d.await("secret\n")
		d.send("\r\n(lobby) #")
		d.await("show user\n")
		d.send("show user\r\n\r\nUsers\r\n-----\r\n" + apLine1 + "\r\n-- More -- (q) quit (space) next page")
		d.await(" ")
		d.send("\r\x1b[K" + apLine2 + "\r\n\r\nUser Entries: 2/2\r\n(lobby) #")
		d.await("exit\n")
		d.await("exit\n")
		rest = d.drain()
	}

	drv := NewDriver(sp, testDriverOptions())
	raw, err := drv.RunQueryCycle(context.Background(), apTarget())
	require.NoError(t, err)
	sp.wait(t)

	assert.True(t, raw.AP)
	assert.NotContains(t, raw.Text, "More")
	assert.NotContains(t, raw.Text, "\x1b")
	assert.Equal(t, 22, sp.target.Port, "未配置端口时使用默认端口")
	assert.True(t, sp.closed.Load(), "终端必须关闭")
	assert.NotContains(t, rest, "exit", "AP 模式只发送两次 exit")

	result := ParseOutput(raw)
	assert.Equal(t, []string{"00:11:22:33:44:55", "00:11:22:33:44:66"}, result.MACs())
	rec, ok := result.Get("10.0.0.6")
	require.True(t, ok)
	assert.Equal(t, "Annex", rec.LocationName)
}

func TestRunQueryCycleClient(t *testing.T) {
	var rest string
	sp := &pipeSpawner{t: t}
	sp.script = func(d *fakeDevice) {
		d.send("admin@10.0.0.2's password: ")
		d.await("secret\n")
		d.send("\r\nWelcome\r\ncore# ")
		d.await("show clients\n")
		d.send("show clients\r\nalice-laptop   192.168.1.42   aa:bb:cc:dd:ee:ff    \r\ncore# ")
		d.await("exit\n")
		rest = d.drain()
	}

	drv := NewDriver(sp, testDriverOptions())
	raw, err := drv.RunQueryCycle(context.Background(), clientTarget())
	require.NoError(t, err)
	sp.wait(t)

	assert.False(t, raw.AP)
	assert.Equal(t, 2222, sp.target.Port)
	assert.NotContains(t, rest, "exit", "client 模式只发送一次 exit")
	assert.NotContains(t, rest, "enable")
	assert.True(t, sp.closed.Load())

	result := ParseOutput(raw)
	rec, ok := result.Get("192.168.1.42")
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", rec.MAC)
	assert.Equal(t, "alice-laptop", rec.Name)
}

func TestRunQueryCycleHostKeyConfirmation(t *testing.T) {
	sp := &pipeSpawner{t: t}
	sp.script = func(d *fakeDevice) {
		d.send("The authenticity of host '10.0.0.2' can't be established.\r\n" +
			"Are you sure you want to continue connecting (yes/no/[fingerprint])? ")
		d.await("yes\n")
		d.send("Warning: Permanently added '10.0.0.2' (ED25519) to the list of known hosts.\r\nadmin@10.0.0.2's password: ")
		d.await("secret\n")
		d.send("\r\ncore# ")
		d.await("show clients\n")
		d.send("show clients\r\n\r\nNo clients\r\ncore# ")
		d.await("exit\n")
		d.drain()
	}

	raw, err := NewDriver(sp, testDriverOptions()).RunQueryCycle(context.Background(), clientTarget())
	require.NoError(t, err)
	sp.wait(t)
	assert.Equal(t, 0, ParseOutput(raw).Len(), "握手成功但没有记录时返回空结果")
}

func TestRunQueryCycleHandshakeFailures(t *testing.T) {
	cases := []struct {
		name   string
		output string
		hangup bool
		kind   FailureKind
		target error
	}{
		{"主机密钥变更", "@@@ WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED! @@@\r\nHost key verification failed.\r\n", false, FailureHostKey, ErrHostKeyChanged},
		{"连接被拒绝", "ssh: connect to host 10.0.0.1 port 22: Connection refused\r\n", false, FailureConnectionRefused, ErrConnectionRefused},
		{"连接超时", "ssh: connect to host 10.0.0.1 port 22: Connection timed out\r\n", false, FailureConnectionTimeout, ErrConnectionTimeout},
		{"流提前结束", "", true, FailureUnexpectedResponse, ErrUnexpectedResponse},
		{"无任何信号", "", false, FailureTimeout, ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var input string
			sp := &pipeSpawner{t: t}
			sp.script = func(d *fakeDevice) {
				if tc.output != "" {
					d.send(tc.output)
				}
				if tc.hangup {
					return
				}
				input = d.drain()
			}
			opts := testDriverOptions()
			opts.HandshakeTimeout = 200 * time.Millisecond

			raw, err := NewDriver(sp, opts).RunQueryCycle(context.Background(), apTarget())
			require.Error(t, err)
			assert.Nil(t, raw)
			sp.wait(t)

			assert.True(t, errors.Is(err, tc.target), "err = %v", err)
			kind, ok := FailureKindOf(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, kind)
			assert.True(t, sp.closed.Load(), "失败路径也必须关闭终端")
			assert.NotContains(t, input, "secret", "握手失败时不得发送密码")
			assert.NotContains(t, input, "exit", "未登录时无需发送 exit")
		})
	}
}

func TestRunQueryCycleFailureAfterAuthSendsExit(t *testing.T) {
	var input string
	sp := &pipeSpawner{t: t}
	sp.script = func(d *fakeDevice) {
		d.send("admin@10.0.0.1's password: ")
		d.await("secret\n")
		// 不再输出提示符
		input = d.drain()
	}
	opts := testDriverOptions()
	opts.CommandTimeout = 200 * time.Millisecond

	_, err := NewDriver(sp, opts).RunQueryCycle(context.Background(), apTarget())
	require.Error(t, err)
	sp.wait(t)

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, FailureTimeout, pe.Kind)
	assert.Equal(t, StateEnablePrivilege, pe.State)
	assert.Equal(t, "exit\nexit\n", input)
	assert.True(t, sp.closed.Load())
}

func TestRunQueryCycleAuthRejected(t *testing.T) {
	sp := &pipeSpawner{t: t}
	sp.script = func(d *fakeDevice) {
		d.send("admin@10.0.0.2's password: ")
		d.await("secret\n")
		d.send("\r\nPermission denied, please try again.\r\n")
	}

	_, err := NewDriver(sp, testDriverOptions()).RunQueryCycle(context.Background(), clientTarget())
	require.Error(t, err)
	sp.wait(t)

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, FailureUnexpectedResponse, pe.Kind)
	assert.Equal(t, StatePostAuthShell, pe.State)
	assert.Contains(t, pe.Detail, "Permission denied")
}

func TestRunQueryCycleSpawnError(t *testing.T) {
	sp := &pipeSpawner{t: t, err: errors.New("ssh: empty host")}
	_, err := NewDriver(sp, testDriverOptions()).RunQueryCycle(context.Background(), apTarget())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Contains(t, err.Error(), "empty host")
}

func TestRunQueryCycleEnablePasswordOverride(t *testing.T) {
	sp := &pipeSpawner{t: t}
	sp.script = func(d *fakeDevice) {
		d.send("admin@10.0.0.1's password: ")
		d.await("secret\n")
		d.send("\r\n(lobby) >")
		d.await("enable\n")
		d.send("Password:")
		d.await("priv\n")
		d.send("\r\n(lobby) #")
		d.await("show user\n")
		d.send("\r\nUser Entries: 0/0\r\n(lobby) #")
		d.drain()
	}
	target := apTarget()
	target.EnablePassword = "priv"

	raw, err := NewDriver(sp, testDriverOptions()).RunQueryCycle(context.Background(), target)
	require.NoError(t, err)
	sp.wait(t)
	assert.Equal(t, 0, ParseOutput(raw).Len())
}
