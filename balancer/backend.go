package balancer

import (
	"fmt"
	"time"
)

// pingHistorySize 每个后端保留的延迟采样数量
const pingHistorySize = 10

// PingSample 一次探测的延迟采样
type PingSample struct {
	Time time.Time     `json:"time"`
	Ping time.Duration `json:"ping_ns"`
}

// Backend 上游SOCKS5后端。
// 不可变的身份字段在创建后只读；滚动状态由所属 UpstreamPool 的锁保护。
type Backend struct {
	Index        int
	Name         string
	Host         string
	Port         int
	AuthUser     string
	AuthPassword string

	// 滚动状态，持有 pool.mu 时才能访问
	lastOnlineTime       time.Time
	lastConnectTime      time.Time
	lastTcpCheckTime     time.Time
	lastConnectCheckTime time.Time
	isOffline            bool
	isManualDisable      bool
	lastConnectFailed    bool
	connectCount         int
	tcpPing              time.Duration
	connectPing          time.Duration
	tcpPingHistory       []PingSample
	connectPingHistory   []PingSample
}

// Address 返回 host:port 形式的地址
func (b *Backend) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// eligible 后端当前是否可被选中。持锁调用。
func (b *Backend) eligible() bool {
	return !b.isManualDisable && !b.isOffline && !b.lastConnectFailed
}

// recordTcpPing 记录TCP探测延迟采样。持锁调用。
func (b *Backend) recordTcpPing(now time.Time, ping time.Duration) {
	b.tcpPing = ping
	b.tcpPingHistory = append(b.tcpPingHistory, PingSample{Time: now, Ping: ping})
	if len(b.tcpPingHistory) > pingHistorySize {
		b.tcpPingHistory = b.tcpPingHistory[len(b.tcpPingHistory)-pingHistorySize:]
	}
}

// recordConnectPing 记录SOCKS5/HTTP探测延迟采样。持锁调用。
func (b *Backend) recordConnectPing(now time.Time, ping time.Duration) {
	b.connectPing = ping
	b.connectPingHistory = append(b.connectPingHistory, PingSample{Time: now, Ping: ping})
	if len(b.connectPingHistory) > pingHistorySize {
		b.connectPingHistory = b.connectPingHistory[len(b.connectPingHistory)-pingHistorySize:]
	}
}

// BackendSnapshot 供监控接口读取的后端状态快照
type BackendSnapshot struct {
	Index                int    `json:"index"`
	Name                 string `json:"name"`
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	IsOffline            bool   `json:"is_offline"`
	IsManualDisable      bool   `json:"is_manual_disable"`
	LastConnectFailed    bool   `json:"last_connect_failed"`
	IsWorking            bool   `json:"is_working"`
	IsManualClosed       bool   `json:"is_manual_closed"`
	ConnectCount         int    `json:"connect_count"`
	TcpPingMs            int64  `json:"tcp_ping_ms"`
	ConnectPingMs        int64  `json:"connect_ping_ms"`
	LastOnlineTime       string `json:"last_online_time"`
	LastConnectTime      string `json:"last_connect_time"`
	LastTcpCheckTime     string `json:"last_tcp_check_time"`
	LastConnectCheckTime string `json:"last_connect_check_time"`
}

// timeString 空时间序列化为空字符串
func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

// snapshot 生成快照，派生字段在此时计算。持锁调用。
func (b *Backend) snapshot() BackendSnapshot {
	return BackendSnapshot{
		Index:                b.Index,
		Name:                 b.Name,
		Host:                 b.Host,
		Port:                 b.Port,
		IsOffline:            b.isOffline,
		IsManualDisable:      b.isManualDisable,
		LastConnectFailed:    b.lastConnectFailed,
		IsWorking:            b.eligible(),
		IsManualClosed:       b.isManualDisable,
		ConnectCount:         b.connectCount,
		TcpPingMs:            b.tcpPing.Milliseconds(),
		ConnectPingMs:        b.connectPing.Milliseconds(),
		LastOnlineTime:       timeString(b.lastOnlineTime),
		LastConnectTime:      timeString(b.lastConnectTime),
		LastTcpCheckTime:     timeString(b.lastTcpCheckTime),
		LastConnectCheckTime: timeString(b.lastConnectCheckTime),
	}
}

// BackendDelaySnapshot 供 delay_info 读取的延迟采样窗口
type BackendDelaySnapshot struct {
	Index          int          `json:"index"`
	Name           string       `json:"name"`
	TcpPingHistory []DelayPoint `json:"tcp_ping_history"`
	ConnectHistory []DelayPoint `json:"connect_ping_history"`
}

// DelayPoint 单个延迟采样点
type DelayPoint struct {
	Time   string `json:"time"`
	PingMs int64  `json:"ping_ms"`
}

// delaySnapshot 生成延迟采样快照。持锁调用。
func (b *Backend) delaySnapshot() BackendDelaySnapshot {
	ds := BackendDelaySnapshot{
		Index:          b.Index,
		Name:           b.Name,
		TcpPingHistory: make([]DelayPoint, 0, len(b.tcpPingHistory)),
		ConnectHistory: make([]DelayPoint, 0, len(b.connectPingHistory)),
	}
	for _, s := range b.tcpPingHistory {
		ds.TcpPingHistory = append(ds.TcpPingHistory, DelayPoint{
			Time:   s.Time.Format("15:04:05"),
			PingMs: s.Ping.Milliseconds(),
		})
	}
	for _, s := range b.connectPingHistory {
		ds.ConnectHistory = append(ds.ConnectHistory, DelayPoint{
			Time:   s.Time.Format("15:04:05"),
			PingMs: s.Ping.Milliseconds(),
		})
	}
	return ds
}
