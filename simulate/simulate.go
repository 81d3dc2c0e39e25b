package simulate

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/arubatracker/pkg/logger"
)

// 设备模式
const (
	ModeAP     = "AP"
	ModeClient = "client"
)

// MorePrompt 分页提示
const MorePrompt = "--More-- (q) quit (u) pageup (/) search (n) repeat"

// Config simulate.yaml 配置结构
type Config struct {
	HostKeyFile string                  `mapstructure:"host_key_file"`
	Devices     map[string]DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig 单台模拟设备
type DeviceConfig struct {
	Listen         string `mapstructure:"listen"`
	Mode           string `mapstructure:"mode"`
	Hostname       string `mapstructure:"hostname"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	EnablePassword string `mapstructure:"enable_password"`
	// PageSize 大于 0 时按页输出并显示 --More--
	PageSize    int `mapstructure:"page_size"`
	IdleSeconds int `mapstructure:"idle_seconds"`
	// Outputs 命令 -> 输出文本；OutputFiles 命令 -> 文本文件
	Outputs     map[string]string `mapstructure:"outputs"`
	OutputFiles map[string]string `mapstructure:"output_files"`
}

// Stats 模拟设备计数
type Stats struct {
	Connections  int64
	AuthAttempts int64
	Commands     int64
	Exits        int64
	Active       int64
}

// LoadConfig 读取 simulate.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	return &cfg, nil
}

// Manager 管理多台模拟设备，每台独立监听
type Manager struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// Start 按配置启动全部模拟设备
func Start(cfg *Config) (*Manager, error) {
	signer, err := LoadOrCreateHostKey(cfg.HostKeyFile)
	if err != nil {
		return nil, err
	}
	m := &Manager{servers: make(map[string]*Server)}
	for name, dc := range cfg.Devices {
		if dc.Hostname == "" {
			dc.Hostname = name
		}
		srv := NewServer(dc, signer)
		if err := srv.Start(); err != nil {
			logger.WithField("device", name).Errorf("Simulate: start failed: %v", err)
			continue
		}
		m.servers[name] = srv
		logger.WithFields(logger.Fields{"device": name, "addr": srv.Addr(), "mode": dc.Mode}).Info("Simulate: device started")
	}
	if len(m.servers) == 0 && len(cfg.Devices) > 0 {
		return nil, errors.New("simulate: no device started")
	}
	return m, nil
}

// Server 返回指定设备
func (m *Manager) Server(name string) *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[name]
}

// Stop 停止全部模拟设备
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, srv := range m.servers {
		srv.Stop()
		logger.WithField("device", name).Info("Simulate: device stopped")
	}
}

// Server 单台模拟 Aruba 设备的 SSH 服务
type Server struct {
	cfg      DeviceConfig
	hostKey  ssh.Signer
	listener net.Listener
	wg       sync.WaitGroup

	connections  atomic.Int64
	authAttempts atomic.Int64
	commands     atomic.Int64
	exits        atomic.Int64
	active       atomic.Int64
}

// NewServer 创建模拟设备
func NewServer(cfg DeviceConfig, hostKey ssh.Signer) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "aruba"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	return &Server{cfg: cfg, hostKey: hostKey}
}

// Start 开始监听
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.connections.Add(1)
			s.active.Add(1)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.active.Add(-1)
				s.handleConn(c)
			}(conn)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port 实际监听端口
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Stats 返回计数快照
func (s *Server) Stats() Stats {
	return Stats{
		Connections:  s.connections.Load(),
		AuthAttempts: s.authAttempts.Load(),
		Commands:     s.commands.Load(),
		Exits:        s.exits.Load(),
		Active:       s.active.Load(),
	}
}

// Stop 关闭监听并等待会话结束
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.authAttempts.Add(1)
			if meta.User() == s.cfg.Username && string(password) == s.cfg.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.Debugf("Simulate: handshake failed: %v", err)
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		s.handleSession(channel, requests)
		// 一个连接只服务一个 shell，shell 结束即断开
		return
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			s.runShell(channel)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// runShell 模拟 ArubaOS CLI
// AP 模式：(host) > → enable → (host) #，exit 从特权模式退回普通模式，再次 exit 断开
// client 模式：登录即为 host#，exit 断开
func (s *Server) runShell(channel ssh.Channel) {
	in := &lineReader{r: bufio.NewReader(channel), idle: time.Duration(s.cfg.IdleSeconds) * time.Second, ch: channel}
	privileged := !strings.EqualFold(s.cfg.Mode, ModeAP)

	prompt := func() {
		switch {
		case strings.EqualFold(s.cfg.Mode, ModeAP) && privileged:
			fmt.Fprintf(channel, "(%s) #", s.cfg.Hostname)
		case strings.EqualFold(s.cfg.Mode, ModeAP):
			fmt.Fprintf(channel, "(%s) >", s.cfg.Hostname)
		default:
			fmt.Fprintf(channel, "%s# ", s.cfg.Hostname)
		}
	}

	fmt.Fprintf(channel, "\r\n%s\r\n\r\n", "Aruba Networks")
	prompt()
	for {
		line, err := in.readLine()
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		fmt.Fprintf(channel, "%s\r\n", line)
		if cmd == "" {
			prompt()
			continue
		}
		s.commands.Add(1)

		switch {
		case strings.EqualFold(cmd, "exit") || strings.EqualFold(cmd, "quit"):
			s.exits.Add(1)
			if strings.EqualFold(s.cfg.Mode, ModeAP) && privileged {
				privileged = false
				prompt()
				continue
			}
			return
		case strings.EqualFold(cmd, "enable") && strings.EqualFold(s.cfg.Mode, ModeAP):
			fmt.Fprint(channel, "Password:")
			pwd, err := in.readLine()
			if err != nil {
				return
			}
			channel.Write([]byte("\r\n"))
			if strings.TrimSpace(pwd) == s.cfg.EnablePassword {
				privileged = true
			} else {
				fmt.Fprint(channel, "Error: Invalid password\r\n")
			}
			prompt()
			continue
		}

		out, ok := s.output(cmd)
		if !ok {
			fmt.Fprintf(channel, "                 ^\r\n%% Parse error\r\n")
			prompt()
			continue
		}
		if err := s.writePaged(channel, in, out); err != nil {
			return
		}
		prompt()
	}
}

func (s *Server) output(cmd string) (string, bool) {
	key := strings.Join(strings.Fields(cmd), " ")
	for k, v := range s.cfg.Outputs {
		if strings.EqualFold(strings.Join(strings.Fields(k), " "), key) {
			return v, true
		}
	}
	for k, path := range s.cfg.OutputFiles {
		if strings.EqualFold(strings.Join(strings.Fields(k), " "), key) {
			bs, err := os.ReadFile(path)
			if err != nil {
				logger.Warnf("Simulate: read output file %s failed: %v", path, err)
				return "", false
			}
			return string(bs), true
		}
	}
	return "", false
}

// writePaged 按页输出；空格翻页，回车下一行，q 结束
func (s *Server) writePaged(w io.Writer, in *lineReader, out string) error {
	lines := strings.Split(strings.TrimRight(strings.ReplaceAll(out, "\r\n", "\n"), "\n"), "\n")
	if s.cfg.PageSize <= 0 || len(lines) <= s.cfg.PageSize {
		for _, l := range lines {
			fmt.Fprintf(w, "%s\r\n", l)
		}
		return nil
	}

	idx := 0
	budget := s.cfg.PageSize
	for idx < len(lines) {
		for budget > 0 && idx < len(lines) {
			fmt.Fprintf(w, "%s\r\n", lines[idx])
			idx++
			budget--
		}
		if idx >= len(lines) {
			return nil
		}
		fmt.Fprint(w, MorePrompt)
		key, err := in.readKey()
		if err != nil {
			return err
		}
		// 擦除分页提示
		fmt.Fprint(w, "\r\x1b[K")
		switch key {
		case 'q', 'Q':
			return nil
		case '\r', '\n':
			budget = 1
		default:
			budget = s.cfg.PageSize
		}
	}
	return nil
}

// lineReader 按行/按键读取输入，支持空闲超时
type lineReader struct {
	r    *bufio.Reader
	idle time.Duration
	ch   ssh.Channel
}

func (l *lineReader) readKey() (byte, error) {
	type result struct {
		b   byte
		err error
	}
	if l.idle <= 0 {
		return l.r.ReadByte()
	}
	done := make(chan result, 1)
	go func() {
		b, err := l.r.ReadByte()
		done <- result{b, err}
	}()
	select {
	case res := <-done:
		return res.b, res.err
	case <-time.After(l.idle):
		fmt.Fprint(l.ch, "\r\nSession idle timeout.\r\n")
		_ = l.ch.Close()
		return 0, io.EOF
	}
}

func (l *lineReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := l.readKey()
		if err != nil {
			return "", err
		}
		switch b {
		case '\n':
			return sb.String(), nil
		case '\r':
			// CR 单独结束一行；紧随的 LF 由下一次读取吞掉为空行
			return sb.String(), nil
		default:
			sb.WriteByte(b)
		}
	}
}

// LoadOrCreateHostKey 加载或生成 ed25519 主机密钥；path 为空时只生成内存密钥
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if bs, err := os.ReadFile(path); err == nil {
			signer, err := ssh.ParsePrivateKey(bs)
			if err == nil {
				return signer, nil
			}
			logger.Warnf("Simulate: host key parse failed, regenerating: %v", err)
		}
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure host key dir: %w", err)
		}
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write host key: %w", err)
		}
	}
	return ssh.ParsePrivateKey(pemBytes)
}
