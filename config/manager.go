package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// 选择策略名称
const (
	RuleLoop            = "loop"
	RuleRandom          = "random"
	RuleOneByOne        = "one_by_one"
	RuleChangeByTime    = "change_by_time"
	RuleMinConnectCount = "min_connect_count"
)

// Upstream 上游SOCKS5后端配置
type Upstream struct {
	Name         string  `json:"name"`
	Host         string  `json:"host"`
	Port         int     `json:"port"`
	AuthUser     *string `json:"auth_user,omitempty"`
	AuthPassword *string `json:"auth_password,omitempty"`
	Disable      bool    `json:"disable,omitempty"`
}

// Address 返回 host:port 形式的地址
func (u *Upstream) Address() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// Config 配置文件结构体
type Config struct {
	Listener struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"listener"`

	StateServer struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"state_server"`

	Balancer struct {
		UpstreamSelectRule string `json:"upstream_select_rule"`
		RetryTimes         int    `json:"retry_times"`
		// 超时配置，单位为秒
		ConnectTimeoutSeconds   int `json:"connect_timeout_seconds"`
		RelayIdleTimeoutSeconds int `json:"relay_idle_timeout_seconds"`
	} `json:"balancer"`

	Check struct {
		// 检测周期配置，单位为秒
		TcpCheckPeriodSeconds     int `json:"tcp_check_period_seconds"`
		ConnectCheckPeriodSeconds int `json:"connect_check_period_seconds"`
		// 附加随机延迟上限，单位为毫秒
		AdditionalCheckMaxRandomDelayMs int    `json:"additional_check_max_random_delay_ms"`
		TestRemoteHost                  string `json:"test_remote_host"`
		TestRemotePort                  int    `json:"test_remote_port"`
		TestRemoteHttpUrl               string `json:"test_remote_http_url"`
	} `json:"check"`

	DNS struct {
		Servers []string `json:"servers"`
		// 缓存配置
		CacheSize              int `json:"cache_size"`
		CleanupIntervalSeconds int `json:"cleanup_interval_seconds"`
	} `json:"dns"`

	Logging struct {
		Level string `json:"level"`
	} `json:"logging"`

	Upstreams []Upstream `json:"upstream"`
}

// ConnectTimeout 连接超时
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Balancer.ConnectTimeoutSeconds) * time.Second
}

// RelayIdleTimeout 转发空闲超时
func (c *Config) RelayIdleTimeout() time.Duration {
	return time.Duration(c.Balancer.RelayIdleTimeoutSeconds) * time.Second
}

// TcpCheckPeriod TCP探测周期
func (c *Config) TcpCheckPeriod() time.Duration {
	return time.Duration(c.Check.TcpCheckPeriodSeconds) * time.Second
}

// ConnectCheckPeriod SOCKS5/HTTP探测周期
func (c *Config) ConnectCheckPeriod() time.Duration {
	return time.Duration(c.Check.ConnectCheckPeriodSeconds) * time.Second
}

// AdditionalCheckMaxRandomDelay 探测启动随机延迟上限
func (c *Config) AdditionalCheckMaxRandomDelay() time.Duration {
	return time.Duration(c.Check.AdditionalCheckMaxRandomDelayMs) * time.Millisecond
}

// TestRemoteAddress 探测目标地址
func (c *Config) TestRemoteAddress() string {
	return fmt.Sprintf("%s:%d", c.Check.TestRemoteHost, c.Check.TestRemotePort)
}

// Default 返回填充默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.Listener.Host = "127.0.0.1"
	cfg.Listener.Port = 5000
	cfg.StateServer.Host = "127.0.0.1"
	cfg.StateServer.Port = 5010
	cfg.Balancer.UpstreamSelectRule = RuleRandom
	cfg.Balancer.RetryTimes = 3
	cfg.Balancer.ConnectTimeoutSeconds = 30
	cfg.Balancer.RelayIdleTimeoutSeconds = 600
	cfg.Check.TcpCheckPeriodSeconds = 5 * 60
	cfg.Check.ConnectCheckPeriodSeconds = 5 * 60
	cfg.Check.AdditionalCheckMaxRandomDelayMs = 2000
	cfg.Check.TestRemoteHost = "www.google.com"
	cfg.Check.TestRemotePort = 443
	cfg.Check.TestRemoteHttpUrl = "http://www.google.com/"
	cfg.DNS.Servers = []string{"223.5.5.5:53", "8.8.8.8:53"}
	cfg.DNS.CacheSize = 2000
	cfg.DNS.CleanupIntervalSeconds = 60
	cfg.Logging.Level = "info"
	return cfg
}

// validSelectRules 已知的选择策略
var validSelectRules = map[string]bool{
	RuleLoop:            true,
	RuleRandom:          true,
	RuleOneByOne:        true,
	RuleChangeByTime:    true,
	RuleMinConnectCount: true,
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Listener.Port <= 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("invalid listener port: %d", c.Listener.Port)
	}
	if c.StateServer.Port <= 0 || c.StateServer.Port > 65535 {
		return fmt.Errorf("invalid state server port: %d", c.StateServer.Port)
	}
	if !validSelectRules[c.Balancer.UpstreamSelectRule] {
		return fmt.Errorf("unknown upstream select rule: %q", c.Balancer.UpstreamSelectRule)
	}
	if c.Balancer.RetryTimes < 0 {
		return fmt.Errorf("retry_times must be >= 0, got %d", c.Balancer.RetryTimes)
	}
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	for i, u := range c.Upstreams {
		if u.Host == "" {
			return fmt.Errorf("upstream %d: host cannot be empty", i)
		}
		if u.Port <= 0 || u.Port > 65535 {
			return fmt.Errorf("upstream %s: invalid port %d", u.Name, u.Port)
		}
	}
	return nil
}

// Manager 配置管理器
type Manager struct {
	path   string
	config *Config
	mu     sync.RWMutex
}

// NewManager 创建配置管理器
func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		config: Default(),
	}
}

// Load 从磁盘加载配置文件
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", m.path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %v", m.path, err)
	}

	// 未命名的后端使用 host:port 作为名称
	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].Name == "" {
			cfg.Upstreams[i].Name = cfg.Upstreams[i].Address()
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	m.config = cfg
	return nil
}

// GetConfig 获取当前配置
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Save 将当前配置写回磁盘
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}

	return os.WriteFile(m.path, data, 0644)
}
