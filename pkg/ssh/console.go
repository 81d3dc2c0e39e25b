package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

// Config SSH 终端配置
type Config struct {
	Port int `yaml:"port"`
	// ConnectTimeout TCP 拨号超时
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// HandshakeTimeout SSH 握手（含认证）超时
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// KnownHostsFile 为空时不校验主机密钥
	KnownHostsFile string `yaml:"known_hosts"`
	TermType       string `yaml:"term_type"`
	TermWidth      int    `yaml:"term_width"`
	TermHeight     int    `yaml:"term_height"`
}

// Target 连接目标
type Target struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

func (t Target) port(def int) int {
	if t.Port > 0 {
		return t.Port
	}
	if def > 0 {
		return def
	}
	return 22
}

var errHostKeyRejected = errors.New("host key verification failed")

// Console 模拟 `ssh user@host` 的交互终端
//
// 与 OpenSSH 客户端相同，握手阶段的提示（主机密钥确认、密码）与失败信息
// （拒绝连接、超时、主机密钥校验失败）都以文本形式输出到终端流中，
// 由调用方通过 Expecter 读取并应答。认证成功后终端即为远端 PTY Shell。
type Console struct {
	config *Config
	target Target
	cancel context.CancelFunc

	outR  *io.PipeReader
	outW  *io.PipeWriter
	inR   *io.PipeReader
	inW   *io.PipeWriter
	input *bufio.Reader

	mutex   sync.Mutex
	conn    net.Conn
	client  *ssh.Client
	session *ssh.Session

	password      *string
	hostKeyFailed bool

	done      chan struct{}
	closeOnce sync.Once
}

// Spawn 启动终端；连接错误不会返回，而是输出到终端流后结束（EOF）
func Spawn(ctx context.Context, config *Config, target Target) *Console {
	if config == nil {
		config = &Config{}
	}
	ctx, cancel := context.WithCancel(ctx)
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	c := &Console{
		config: config,
		target: target,
		cancel: cancel,
		outR:   outR,
		outW:   outW,
		inR:    inR,
		inW:    inW,
		input:  bufio.NewReader(inR),
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Read 读取终端输出
func (c *Console) Read(p []byte) (int, error) {
	return c.outR.Read(p)
}

// Write 写入终端输入（键盘）
func (c *Console) Write(p []byte) (int, error) {
	return c.inW.Write(p)
}

// Done 终端会话结束后关闭
func (c *Console) Done() <-chan struct{} {
	return c.done
}

// Close 关闭终端与底层连接，可重复调用
func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.inW.Close()
		_ = c.outR.Close()

		c.mutex.Lock()
		session, client, conn := c.session, c.client, c.conn
		c.mutex.Unlock()

		if session != nil {
			_ = session.Close()
		}
		if client != nil {
			_ = client.Close()
		} else if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (c *Console) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(c.outW, format, args...)
}

// prompt 输出提示并读取一行输入（不回显）
func (c *Console) prompt(text string) (string, error) {
	c.printf("%s", text)
	line, err := c.input.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	c.printf("\r\n")
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Console) run(ctx context.Context) {
	defer close(c.done)
	defer c.outW.Close()
	// 会话结束后拒绝后续输入，避免写端阻塞
	defer c.inR.Close()

	host := c.target.Host
	port := c.target.port(c.config.Port)
	address := net.JoinHostPort(host, strconv.Itoa(port))
	fields := logger.Fields{"host": host, "port": port, "user": c.target.Username}

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		logger.WithFields(fields).Debugf("ssh dial failed: %v", err)
		c.printf("ssh: connect to host %s port %d: %s\r\n", host, port, describeDialError(err))
		return
	}
	c.mutex.Lock()
	c.conn = conn
	c.mutex.Unlock()

	if c.config.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.config.HandshakeTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, c.clientConfig())
	if err != nil {
		_ = conn.Close()
		logger.WithFields(fields).Debugf("ssh handshake failed: %v", err)
		c.reportHandshakeError(err, host, port)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	c.mutex.Lock()
	c.client = client
	c.mutex.Unlock()

	session, err := client.NewSession()
	if err != nil {
		c.printf("channel 0: open failed: %v\r\n", err)
		return
	}
	c.mutex.Lock()
	c.session = session
	c.mutex.Unlock()

	if err := c.requestPty(session); err != nil {
		c.printf("PTY allocation request failed on channel 0: %v\r\n", err)
		return
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		c.printf("shell request failed on channel 0: %v\r\n", err)
		return
	}
	session.Stdout = c.outW
	session.Stderr = c.outW
	if err := session.Shell(); err != nil {
		c.printf("shell request failed on channel 0: %v\r\n", err)
		return
	}
	logger.WithFields(fields).Debug("ssh shell started")

	go func() {
		_, _ = io.Copy(stdin, c.input)
		_ = stdin.Close()
	}()

	_ = session.Wait()
	c.printf("Connection to %s closed.\r\n", host)
}

func (c *Console) clientConfig() *ssh.ClientConfig {
	user := c.target.Username
	host := c.target.Host

	password := func() (string, error) {
		if c.password != nil {
			return *c.password, nil
		}
		p, err := c.prompt(fmt.Sprintf("%s@%s's password: ", user, host))
		if err != nil {
			return "", err
		}
		c.password = &p
		return p, nil
	}

	return &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: c.verifyHostKey,
		Timeout:         c.config.HandshakeTimeout,
		// 只提示一次密码，password 与 keyboard-interactive 共用同一输入
		Auth: []ssh.AuthMethod{
			ssh.PasswordCallback(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					p, err := password()
					if err != nil {
						return nil, err
					}
					answers[i] = p
				}
				return answers, nil
			}),
		},
		Config: ssh.Config{
			// 兼容老旧 ArubaOS 的算法
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group1-sha1",
			},
			Ciphers: []string{
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"chacha20-poly1305@openssh.com",
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
		},
	}
}

func (c *Console) requestPty(session *ssh.Session) error {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	width, height := c.config.TermWidth, c.config.TermHeight
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	terms := []string{"vt100", "xterm", "ansi", "dumb"}
	if t := strings.TrimSpace(c.config.TermType); t != "" {
		terms = append([]string{t}, terms...)
	}
	var lastErr error
	for _, term := range terms {
		if err := session.RequestPty(term, height, width, modes); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// verifyHostKey 按 known_hosts 校验主机密钥
// 未知主机走首次连接确认；已知主机密钥不一致直接失败
func (c *Console) verifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	path := strings.TrimSpace(c.config.KnownHostsFile)
	if path == "" {
		return nil
	}
	if err := ensureFile(path); err != nil {
		return fmt.Errorf("failed to prepare known_hosts: %w", err)
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return fmt.Errorf("failed to load known_hosts: %w", err)
	}
	err = check(hostname, remote, key)
	if err == nil {
		return nil
	}

	host := c.target.Host
	fingerprint := ssh.FingerprintSHA256(key)

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
		c.printf("The authenticity of host '%s (%s)' can't be established.\r\n", host, remoteIP(remote))
		c.printf("%s key fingerprint is %s.\r\n", key.Type(), fingerprint)
		answer, perr := c.prompt("Are you sure you want to continue connecting (yes/no/[fingerprint])? ")
		if perr != nil {
			return perr
		}
		answer = strings.TrimSpace(answer)
		if !strings.EqualFold(answer, "yes") && answer != fingerprint {
			c.hostKeyFailed = true
			c.printf("Host key verification failed.\r\n")
			return errHostKeyRejected
		}
		if werr := appendKnownHost(path, hostname, key); werr != nil {
			logger.WithField("host", host).Warnf("failed to record host key: %v", werr)
		}
		c.printf("Warning: Permanently added '%s' (%s) to the list of known hosts.\r\n", host, key.Type())
		return nil
	}

	c.hostKeyFailed = true
	c.printf("@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@\r\n")
	c.printf("@    WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED!     @\r\n")
	c.printf("@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@\r\n")
	c.printf("The fingerprint for the %s key sent by the remote host is\r\n%s.\r\n", key.Type(), fingerprint)
	c.printf("Host key for %s has changed and you have requested strict checking.\r\n", host)
	c.printf("Host key verification failed.\r\n")
	return err
}

func (c *Console) reportHandshakeError(err error, host string, port int) {
	if c.hostKeyFailed {
		return
	}
	var ne net.Error
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		c.printf("%s@%s: Permission denied (password,keyboard-interactive).\r\n", c.target.Username, host)
	case errors.As(err, &ne) && ne.Timeout():
		c.printf("Connection timed out during banner exchange\r\n")
	case errors.Is(err, io.EOF):
		c.printf("Connection closed by %s port %d\r\n", host, port)
	default:
		c.printf("kex_exchange_identification: %v\r\n", err)
	}
}

// describeDialError 与 OpenSSH 的错误文案保持一致
func describeDialError(err error) string {
	var ne net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "Connection timed out"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "No route to host"
	case errors.Is(err, syscall.ENETUNREACH):
		return "Network is unreachable"
	case errors.As(err, &dnsErr):
		return "Could not resolve hostname: " + dnsErr.Err
	default:
		return err.Error()
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
	return err
}

// Spawner 按统一配置打开终端
type Spawner struct {
	config *Config
}

// NewSpawner 创建 Spawner
func NewSpawner(config *Config) *Spawner {
	return &Spawner{config: config}
}

// Spawn 打开到目标的交互终端
func (s *Spawner) Spawn(ctx context.Context, target Target) (io.ReadWriteCloser, error) {
	if strings.TrimSpace(target.Host) == "" {
		return nil, fmt.Errorf("ssh: empty host")
	}
	return Spawn(ctx, s.config, target), nil
}
