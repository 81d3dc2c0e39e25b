package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ModeAP 接入点模式（show user + 字段偏移解析）；其它取值均为 client 模式
const ModeAP = "AP"

// Config 应用配置结构
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	Storage  StorageConfig   `mapstructure:"storage"`
	SSH      SSHConfig       `mapstructure:"ssh"`
	Scan     ScanConfig      `mapstructure:"scan"`
	Log      LogConfig       `mapstructure:"log"`
	Trackers []TrackerConfig `mapstructure:"trackers"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// RunRetention 每个采集目标保留的扫描审计条数
	RunRetention int `mapstructure:"run_retention"`
}

// StorageConfig 原始输出快照存储
type StorageConfig struct {
	Minio MinioConfig `mapstructure:"minio"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// SSHConfig SSH 会话配置
type SSHConfig struct {
	Port int `mapstructure:"port"`
	// ConnectTimeout TCP 拨号超时
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// HandshakeTimeout 等待首个登录信号（密码提示等）的超时
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// CommandTimeout 登录后每次等待提示符的超时
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// KnownHostsFile 主机密钥记录文件；为空时不校验
	KnownHostsFile string `mapstructure:"known_hosts"`
	TermType       string `mapstructure:"term_type"`
	TermWidth      int    `mapstructure:"term_width"`
	TermHeight     int    `mapstructure:"term_height"`
	LineEnding     string `mapstructure:"line_ending"`
	// Charset 设备输出编码；为空时自动识别
	Charset string `mapstructure:"charset"`
}

// ScanConfig 扫描行为配置
type ScanConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// PageKeystrokes AP 模式查询后预先发送的空白按键数
	PageKeystrokes int `mapstructure:"page_keystrokes"`
	// MaxPages 额外应答 --More-- 的上限
	MaxPages int `mapstructure:"max_pages"`
	// UserCommand/ClientCommand 两种模式的查询命令
	UserCommand   string        `mapstructure:"user_command"`
	ClientCommand string        `mapstructure:"client_command"`
	Capture       CaptureConfig `mapstructure:"capture"`
}

// CaptureConfig 最近一次原始输出快照（每个目标一份，覆盖写入）
type CaptureConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend local | minio
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// TrackerConfig 单个 Aruba 采集目标
type TrackerConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"-"`
	// EnablePassword 为空时沿用登录密码
	EnablePassword string `mapstructure:"enable_password" json:"-"`
	Mode           string `mapstructure:"mode" json:"mode"`
	// Interval 为 0 时使用 scan.interval
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// IsAP 是否为 AP 模式
func (t TrackerConfig) IsAP() bool {
	return strings.EqualFold(strings.TrimSpace(t.Mode), ModeAP)
}

// PrivilegePassword 提权密码
func (t TrackerConfig) PrivilegePassword() string {
	if t.EnablePassword != "" {
		return t.EnablePassword
	}
	return t.Password
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvPrefix("ARUBA_TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = replaceEnvVars(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.sqlite.enabled", true)
	v.SetDefault("database.sqlite.path", "./data/arubatracker.db")
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)
	v.SetDefault("database.sqlite.run_retention", 200)

	// 登录与命令等待统一 120s 上限
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.handshake_timeout", 120*time.Second)
	v.SetDefault("ssh.command_timeout", 120*time.Second)
	v.SetDefault("ssh.known_hosts", "./data/known_hosts")
	v.SetDefault("ssh.term_type", "vt100")
	v.SetDefault("ssh.term_width", 200)
	v.SetDefault("ssh.term_height", 24)
	v.SetDefault("ssh.line_ending", "\n")

	v.SetDefault("scan.interval", 12*time.Second)
	v.SetDefault("scan.page_keystrokes", 5)
	v.SetDefault("scan.max_pages", 64)
	v.SetDefault("scan.user_command", "show user")
	v.SetDefault("scan.client_command", "show clients")
	v.SetDefault("scan.capture.enabled", false)
	v.SetDefault("scan.capture.backend", "local")
	v.SetDefault("scan.capture.base_dir", "./data/captures")
	v.SetDefault("scan.capture.prefix", "captures")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/arubatracker.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// Validate 校验采集目标
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Trackers))
	for i, t := range c.Trackers {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("trackers[%d]", i)
		}
		switch {
		case strings.TrimSpace(t.Name) == "":
			return fmt.Errorf("%s: name is required", label)
		case strings.TrimSpace(t.Host) == "":
			return fmt.Errorf("%s: host is required", label)
		case strings.TrimSpace(t.Username) == "":
			return fmt.Errorf("%s: username is required", label)
		case t.Password == "":
			return fmt.Errorf("%s: password is required", label)
		case strings.TrimSpace(t.Mode) == "":
			return fmt.Errorf("%s: mode is required", label)
		}
		if seen[t.Name] {
			return fmt.Errorf("%s: duplicate tracker name", label)
		}
		seen[t.Name] = true
	}
	return nil
}

// replaceEnvVars 替换 ${VAR} 形式的敏感字段
func replaceEnvVars(config Config) Config {
	for i := range config.Trackers {
		config.Trackers[i].Password = expandEnv(config.Trackers[i].Password)
		config.Trackers[i].EnablePassword = expandEnv(config.Trackers[i].EnablePassword)
	}
	config.Storage.Minio.AccessKey = expandEnv(config.Storage.Minio.AccessKey)
	config.Storage.Minio.SecretKey = expandEnv(config.Storage.Minio.SecretKey)
	return config
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
	}
	return s
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TrackerInterval 目标的轮询间隔
func (c *Config) TrackerInterval(t TrackerConfig) time.Duration {
	if t.Interval > 0 {
		return t.Interval
	}
	if c.Scan.Interval > 0 {
		return c.Scan.Interval
	}
	return 12 * time.Second
}
