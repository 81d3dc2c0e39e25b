package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/internal/util"
	"github.com/sshcollectorpro/arubatracker/pkg/logger"
	"github.com/sshcollectorpro/arubatracker/pkg/ssh"
)

// State 会话状态
type State int

const (
	StateConnecting State = iota
	StateAwaitingAuthPrompt
	StateHostKeyPrompt
	StateAuthenticating
	StateEnablePrivilege
	StateEnablePasswordPrompt
	StatePrivilegedShell
	StateIssuingUserQuery
	StatePostAuthShell
	StateIssuingClientQuery
	StateCollecting
	StateClosing
	StateDone
)

var stateNames = map[State]string{
	StateConnecting:           "connecting",
	StateAwaitingAuthPrompt:   "awaiting_auth_prompt",
	StateHostKeyPrompt:        "host_key_prompt",
	StateAuthenticating:       "authenticating",
	StateEnablePrivilege:      "enable_privilege",
	StateEnablePasswordPrompt: "enable_password_prompt",
	StatePrivilegedShell:      "privileged_shell",
	StateIssuingUserQuery:     "issuing_user_query",
	StatePostAuthShell:        "post_auth_shell",
	StateIssuingClientQuery:   "issuing_client_query",
	StateCollecting:           "collecting",
	StateClosing:              "closing",
	StateDone:                 "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Signal 一次等待的分类结果
type Signal int

const (
	SignalNone Signal = iota
	SignalPasswordPrompt
	SignalHostKeyConfirm
	SignalHostKeyFailed
	SignalConnRefused
	SignalConnTimedOut
	SignalPrompt
	SignalMore
	SignalTimeout
	SignalEOF
	SignalCanceled
)

// 终端输出模式
var (
	rePasswordPrompt = regexp.MustCompile(`(?i)password:`)
	reHostKeyConfirm = regexp.MustCompile(`continue connecting \(yes/no`)
	reHostKeyFailed  = regexp.MustCompile(`Host key verification failed\.`)
	reConnRefused    = regexp.MustCompile(`Connection refused`)
	reConnTimedOut   = regexp.MustCompile(`Connection timed out`)

	reBasicPrompt      = regexp.MustCompile(`>\s*$`)
	rePrivilegedPrompt = regexp.MustCompile(`#\s*$`)
	reEnablePassword   = regexp.MustCompile(`Password:`)
	reMorePrompt       = regexp.MustCompile(`(?i)--\s*more\s*--[^\r\n]*$`)
	reMoreText         = regexp.MustCompile(`(?i)--\s*more\s*--[^\r\n]*`)
)

// 首个登录信号的模式与对应信号，顺序即优先级
var handshakePatterns = []*regexp.Regexp{rePasswordPrompt, reHostKeyConfirm, reHostKeyFailed, reConnRefused, reConnTimedOut}
var handshakeSignals = []Signal{SignalPasswordPrompt, SignalHostKeyConfirm, SignalHostKeyFailed, SignalConnRefused, SignalConnTimedOut}

type transition struct {
	next State
	fail FailureKind
}

// handshakeTable 首个登录信号的状态转移
var handshakeTable = map[Signal]transition{
	SignalPasswordPrompt: {next: StateAuthenticating},
	SignalHostKeyConfirm: {next: StateHostKeyPrompt},
	SignalHostKeyFailed:  {fail: FailureHostKey},
	SignalConnRefused:    {fail: FailureConnectionRefused},
	SignalConnTimedOut:   {fail: FailureConnectionTimeout},
	SignalTimeout:        {fail: FailureTimeout},
	SignalEOF:            {fail: FailureUnexpectedResponse},
	SignalCanceled:       {fail: FailureTimeout},
}

// RawOutput 一次查询周期捕获的原始输出
type RawOutput struct {
	AP    bool     `json:"ap"`
	Text  string   `json:"text"`
	Lines []string `json:"lines"`
}

// TerminalSpawner 打开到设备的交互式终端
type TerminalSpawner interface {
	Spawn(ctx context.Context, target ssh.Target) (io.ReadWriteCloser, error)
}

// DriverOptions 会话驱动参数
type DriverOptions struct {
	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration
	LineEnding       string
	Charset          string
	PageKeystrokes   int
	MaxPages         int
	UserCommand      string
	ClientCommand    string
	// ExitGrace 发送退出命令后等待远端关闭的时间
	ExitGrace time.Duration
	Port      int
}

// DefaultDriverOptions 默认参数：所有等待上限 120s
func DefaultDriverOptions() DriverOptions {
	return DriverOptions{
		HandshakeTimeout: 120 * time.Second,
		CommandTimeout:   120 * time.Second,
		LineEnding:       "\n",
		PageKeystrokes:   5,
		MaxPages:         64,
		UserCommand:      "show user",
		ClientCommand:    "show clients",
		ExitGrace:        2 * time.Second,
		Port:             22,
	}
}

// DriverOptionsFromConfig 从全局配置构造
func DriverOptionsFromConfig(cfg *config.Config) DriverOptions {
	opts := DefaultDriverOptions()
	if cfg == nil {
		return opts
	}
	if cfg.SSH.HandshakeTimeout > 0 {
		opts.HandshakeTimeout = cfg.SSH.HandshakeTimeout
	}
	if cfg.SSH.CommandTimeout > 0 {
		opts.CommandTimeout = cfg.SSH.CommandTimeout
	}
	if cfg.SSH.LineEnding != "" {
		opts.LineEnding = cfg.SSH.LineEnding
	}
	opts.Charset = cfg.SSH.Charset
	if cfg.SSH.Port > 0 {
		opts.Port = cfg.SSH.Port
	}
	if cfg.Scan.PageKeystrokes >= 0 {
		opts.PageKeystrokes = cfg.Scan.PageKeystrokes
	}
	if cfg.Scan.MaxPages > 0 {
		opts.MaxPages = cfg.Scan.MaxPages
	}
	if s := strings.TrimSpace(cfg.Scan.UserCommand); s != "" {
		opts.UserCommand = s
	}
	if s := strings.TrimSpace(cfg.Scan.ClientCommand); s != "" {
		opts.ClientCommand = s
	}
	return opts
}

// Driver 驱动一次完整的登录-查询-退出周期，不做周期内重试
type Driver struct {
	spawner TerminalSpawner
	opts    DriverOptions
}

// NewDriver 创建会话驱动
func NewDriver(spawner TerminalSpawner, opts DriverOptions) *Driver {
	return &Driver{spawner: spawner, opts: opts}
}

// NewSSHDriver 按配置创建基于 ssh 终端的驱动
func NewSSHDriver(cfg *config.Config) *Driver {
	return NewDriver(ssh.NewSpawner(ConsoleConfig(cfg)), DriverOptionsFromConfig(cfg))
}

// ConsoleConfig 终端参数
func ConsoleConfig(cfg *config.Config) *ssh.Config {
	if cfg == nil {
		return &ssh.Config{}
	}
	return &ssh.Config{
		Port:             cfg.SSH.Port,
		ConnectTimeout:   cfg.SSH.ConnectTimeout,
		HandshakeTimeout: cfg.SSH.HandshakeTimeout,
		KnownHostsFile:   cfg.SSH.KnownHostsFile,
		TermType:         cfg.SSH.TermType,
		TermWidth:        cfg.SSH.TermWidth,
		TermHeight:       cfg.SSH.TermHeight,
	}
}

// RunQueryCycle 登录设备、执行查询并返回原始输出
// 失败时返回 *ProtocolError；任何路径都会关闭终端，登录后的失败路径还会发送退出命令
func (d *Driver) RunQueryCycle(ctx context.Context, target config.TrackerConfig) (*RawOutput, error) {
	c := &cycle{
		d:      d,
		target: target,
		raw:    &RawOutput{AP: target.IsAP()},
		log: logger.WithFields(logger.Fields{
			"tracker": target.Name,
			"host":    target.Host,
			"mode":    target.Mode,
		}),
	}
	return c.run(ctx)
}

type stepFunc func(ctx context.Context) (State, error)

type cycle struct {
	d      *Driver
	target config.TrackerConfig
	log    *logrus.Entry

	term io.ReadWriteCloser
	exp  *ssh.Expecter

	state         State
	authenticated bool
	exited        bool
	pages         int
	collected     strings.Builder
	raw           *RawOutput
}

func (c *cycle) run(ctx context.Context) (_ *RawOutput, err error) {
	steps := map[State]stepFunc{
		StateConnecting:           c.connect,
		StateAwaitingAuthPrompt:   c.awaitAuthPrompt,
		StateHostKeyPrompt:        c.confirmHostKey,
		StateAuthenticating:       c.authenticate,
		StateEnablePrivilege:      c.enablePrivilege,
		StateEnablePasswordPrompt: c.enablePassword,
		StatePrivilegedShell:      c.privilegedShell,
		StateIssuingUserQuery:     c.issueUserQuery,
		StatePostAuthShell:        c.postAuthShell,
		StateIssuingClientQuery:   c.issueClientQuery,
		StateCollecting:           c.collect,
		StateClosing:              c.closeSession,
	}

	defer func() {
		c.release(err != nil)
	}()

	c.state = StateConnecting
	for c.state != StateDone {
		step, ok := steps[c.state]
		if !ok {
			return nil, fmt.Errorf("driver: no step for state %s", c.state)
		}
		next, serr := step(ctx)
		if serr != nil {
			c.log.WithField("state", c.state.String()).Warnf("query cycle failed: %v", serr)
			return nil, serr
		}
		c.log.WithField("state", c.state.String()).Debugf("-> %s", next)
		c.state = next
	}
	return c.raw, nil
}

// release 失败路径上登录后补发退出命令，随后关闭终端
func (c *cycle) release(failed bool) {
	if c.term == nil {
		return
	}
	if failed && c.authenticated && !c.exited {
		c.sendExits()
	}
	if c.exp != nil {
		c.exp.Stop()
	}
	_ = c.term.Close()
}

func (c *cycle) exitCommands() []string {
	if c.raw.AP {
		return []string{"exit", "exit"}
	}
	return []string{"exit"}
}

// sendExits 有界地发送退出命令；终端不再读取输入时不阻塞调用方
func (c *cycle) sendExits() {
	c.exited = true
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, cmd := range c.exitCommands() {
			if err := c.exp.SendLine(cmd); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(c.exitGrace()):
		c.log.Debug("exit commands not consumed before grace period")
	}
}

func (c *cycle) fail(kind FailureKind, err error, detail string) error {
	return &ProtocolError{Kind: kind, State: c.state, Err: err, Detail: lastLine(detail)}
}

// expect 等待并把结果归类为信号
func (c *cycle) expect(ctx context.Context, timeout time.Duration, patterns []*regexp.Regexp, signals []Signal) (Signal, ssh.Match, error) {
	m, err := c.exp.Expect(ctx, timeout, patterns...)
	switch {
	case err == nil:
		return signals[m.Index], m, nil
	case errors.Is(err, ssh.ErrTimeout):
		return SignalTimeout, m, err
	case errors.Is(err, io.EOF):
		return SignalEOF, m, err
	default:
		return SignalCanceled, m, err
	}
}

// expectPrompt 登录后的提示符等待：超时与流结束都是终止性失败
func (c *cycle) expectPrompt(ctx context.Context, prompt *regexp.Regexp) (ssh.Match, error) {
	sig, m, err := c.expect(ctx, c.d.opts.CommandTimeout, []*regexp.Regexp{prompt}, []Signal{SignalPrompt})
	switch sig {
	case SignalPrompt:
		return m, nil
	case SignalEOF:
		return m, c.fail(FailureUnexpectedResponse, err, m.Before)
	default:
		return m, c.fail(FailureTimeout, err, m.Before)
	}
}

func (c *cycle) connect(ctx context.Context) (State, error) {
	target := ssh.Target{Host: c.target.Host, Port: c.target.Port, Username: c.target.Username}
	if target.Port <= 0 {
		target.Port = c.d.opts.Port
	}
	term, err := c.d.spawner.Spawn(ctx, target)
	if err != nil {
		return StateDone, c.fail(FailureUnexpectedResponse, err, "")
	}
	c.term = term
	c.exp = ssh.NewExpecter(term, c.d.opts.LineEnding)
	return StateAwaitingAuthPrompt, nil
}

func (c *cycle) awaitAuthPrompt(ctx context.Context) (State, error) {
	sig, m, err := c.expect(ctx, c.d.opts.HandshakeTimeout, handshakePatterns, handshakeSignals)
	return c.applyHandshake(sig, m, err)
}

func (c *cycle) applyHandshake(sig Signal, m ssh.Match, err error) (State, error) {
	tr, ok := handshakeTable[sig]
	if !ok {
		return StateDone, c.fail(FailureUnexpectedResponse, err, m.Before)
	}
	if tr.fail != 0 {
		if err == nil {
			err = tr.fail.sentinel()
		}
		return StateDone, c.fail(tr.fail, err, m.Before+m.Text)
	}
	return tr.next, nil
}

// confirmHostKey 首次连接确认主机密钥后必须紧接密码提示
func (c *cycle) confirmHostKey(ctx context.Context) (State, error) {
	c.log.Info("accepting host key on first connection")
	if err := c.exp.SendLine("yes"); err != nil {
		return StateDone, c.fail(FailureUnexpectedResponse, err, "")
	}
	sig, m, err := c.expect(ctx, c.d.opts.HandshakeTimeout, handshakePatterns, handshakeSignals)
	if sig == SignalHostKeyConfirm {
		return StateDone, c.fail(FailureUnexpectedResponse, errors.New("host key confirmation repeated"), m.Before+m.Text)
	}
	return c.applyHandshake(sig, m, err)
}

func (c *cycle) authenticate(context.Context) (State, error) {
	if err := c.exp.SendLine(c.target.Password); err != nil {
		return StateDone, c.fail(FailureUnexpectedResponse, err, "")
	}
	c.authenticated = true
	if c.raw.AP {
		return StateEnablePrivilege, nil
	}
	return StatePostAuthShell, nil
}

func (c *cycle) enablePrivilege(ctx context.Context) (State, error) {
	if _, err := c.expectPrompt(ctx, reBasicPrompt); err != nil {
		return StateDone, err
	}
	if err := c.exp.SendLine("enable"); err != nil {
		return StateDone, c.fail(FailureUnexpectedResponse, err, "")
	}
	return StateEnablePasswordPrompt, nil
}

func (c *cycle) enablePassword(ctx context.Context) (State, error) {
	if _, err := c.expectPrompt(ctx, reEnablePassword); err != nil {
		return StateDone, err
	}
	if err := c.exp.SendLine(c.target.PrivilegePassword()); err != nil {
		return StateDone, c.fail(FailureUnexpectedResponse, err, "")
	}
	return StatePrivilegedShell, nil
}

func (c *cycle) privilegedShell(ctx context.Context) (State, error) {
	if _, err := c.expectPrompt(ctx, rePrivilegedPrompt); err != nil {
		return StateDone, err
	}
	return StateIssuingUserQuery, nil
}

// issueUserQuery 发送查询并预先发送若干空白按键翻页
func (c *cycle) issueUserQuery(context.Context) (State, error) {
	if err := c.exp.SendLine(c.d.opts.UserCommand); err != nil {
		return StateDone, c.fail(FailureUnexpectedResponse, err, "")
	}
	for i := 0; i < c.d.opts.PageKeystrokes; i++ {
		if err := c.exp.SendLine(" "); err != nil {
			return StateDone, c.fail(FailureUnexpectedResponse, err, "")
		}
	}
	return StateCollecting, nil
}

func (c *cycle) postAuthShell(ctx context.Context) (State, error) {
	if _, err := c.expectPrompt(ctx, rePrivilegedPrompt); err != nil {
		return StateDone, err
	}
	return StateIssuingClientQuery, nil
}

func (c *cycle) issueClientQuery(context.Context) (State, error) {
	if err := c.exp.SendLine(c.d.opts.ClientCommand); err != nil {
		return StateDone, c.fail(FailureUnexpectedResponse, err, "")
	}
	return StateCollecting, nil
}

// collect 收集直到特权提示符；遇到尚未应答的分页提示时继续翻页（有上限）
func (c *cycle) collect(ctx context.Context) (State, error) {
	patterns := []*regexp.Regexp{rePrivilegedPrompt, reMorePrompt}
	signals := []Signal{SignalPrompt, SignalMore}
	for {
		if c.pages >= c.d.opts.MaxPages {
			patterns, signals = patterns[:1], signals[:1]
		}
		sig, m, err := c.expect(ctx, c.d.opts.CommandTimeout, patterns, signals)
		switch sig {
		case SignalMore:
			c.collected.WriteString(m.Before)
			c.pages++
			if err := c.exp.Send(" "); err != nil {
				return StateDone, c.fail(FailureUnexpectedResponse, err, m.Before)
			}
			continue
		case SignalPrompt:
			c.collected.WriteString(m.Before)
			c.finishCapture()
			return StateClosing, nil
		case SignalEOF:
			return StateDone, c.fail(FailureUnexpectedResponse, err, m.Before)
		default:
			return StateDone, c.fail(FailureTimeout, err, m.Before)
		}
	}
}

func (c *cycle) finishCapture() {
	text := util.DecodeCharset(c.d.opts.Charset, c.collected.String())
	text = ssh.StripControl(text)
	text = reMoreText.ReplaceAllString(text, "")
	c.raw.Text = text
	if c.raw.AP {
		c.raw.Lines = splitLines(text)
	} else {
		c.raw.Lines = strings.Split(text, "\r\n")
	}
	cmd := c.d.opts.ClientCommand
	if c.raw.AP {
		cmd = c.d.opts.UserCommand
	}
	logger.DebugCommandOutput(c.log.Data, cmd, text, 5)
}

func (c *cycle) closeSession(ctx context.Context) (State, error) {
	c.sendExits()
	// 等待远端关闭会话；超时不视为失败
	_, _ = c.exp.Expect(ctx, c.exitGrace())
	return StateDone, nil
}

func (c *cycle) exitGrace() time.Duration {
	if c.d.opts.ExitGrace > 0 {
		return c.d.opts.ExitGrace
	}
	return 2 * time.Second
}

// splitLines 按 \r\n、\n、\r 切分
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func lastLine(s string) string {
	lines := splitLines(strings.TrimSpace(ssh.StripControl(s)))
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
