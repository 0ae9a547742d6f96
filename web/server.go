package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socksbalancer/balancer"
	"socksbalancer/config"
	"socksbalancer/logger"
)

// APIResponse 统一API响应格式
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PoolInfo /per_info 响应体
type PoolInfo struct {
	Rule              string                     `json:"rule"`
	UptimeSeconds     int64                      `json:"uptime_seconds"`
	LiveSessions      int                        `json:"live_sessions"`
	RelayingSessions  int                        `json:"relaying_sessions"`
	TotalConnectCount int                        `json:"total_connect_count"`
	EligibleBackends  int                        `json:"eligible_backends"`
	Backends          []balancer.BackendSnapshot `json:"backends"`
}

// DelayInfo /delay_info 响应体
type DelayInfo struct {
	Backends []balancer.BackendDelaySnapshot `json:"backends"`
}

// wsPushInterval websocket快照推送间隔
const wsPushInterval = 2 * time.Second

// MonitorServer 状态监控HTTP服务器
type MonitorServer struct {
	cfgManager  *config.Manager
	pool        *balancer.UpstreamPool
	relayServer *balancer.RelayServer
	prober      *balancer.Prober
	logger      *logger.SlogLogger

	server    *http.Server
	listener  net.Listener
	startTime time.Time
	upgrader  websocket.Upgrader
}

// NewMonitorServer 创建监控服务器
func NewMonitorServer(cfgManager *config.Manager, pool *balancer.UpstreamPool, relayServer *balancer.RelayServer, prober *balancer.Prober, log *logger.SlogLogger) *MonitorServer {
	if log == nil {
		log = logger.WithPrefix("[Monitor]")
	}

	ms := &MonitorServer{
		cfgManager:  cfgManager,
		pool:        pool,
		relayServer: relayServer,
		prober:      prober,
		logger:      log,
		startTime:   time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", ms.handleIndex)
	mux.HandleFunc("/op", ms.handleOp)
	mux.HandleFunc("/per_info", ms.handlePerInfo)
	mux.HandleFunc("/delay_info", ms.handleDelayInfo)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", ms.handleWs)

	cfg := cfgManager.GetConfig()
	ms.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.StateServer.Host, cfg.StateServer.Port),
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
	}
	return ms
}

// Start 绑定监听地址并在后台开始服务。绑定失败时同步返回错误。
func (ms *MonitorServer) Start() error {
	listener, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind monitor server on %s: %v", ms.server.Addr, err)
	}
	ms.listener = listener

	ms.logger.Info("Monitor server started on %s", ms.server.Addr)
	go func() {
		if err := ms.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Monitor server error: %v", err)
		}
	}()
	return nil
}

// Stop 关闭监控服务器
func (ms *MonitorServer) Stop(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// writeJSON 写出JSON响应
func (ms *MonitorServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ms.logger.Error("Failed to encode response: %v", err)
	}
}

// handleIndex 简易状态页，数据由浏览器从 /per_info 拉取
func (ms *MonitorServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

// handleOp 操作命令入口
// 识别的查询参数: enable=<idx> disable=<idx> forceNowCheck=1 resetLastConnectFailed=<idx>
func (ms *MonitorServer) handleOp(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if v := query.Get("enable"); v != "" {
		ms.opSetDisable(w, v, false)
		return
	}
	if v := query.Get("disable"); v != "" {
		ms.opSetDisable(w, v, true)
		return
	}
	if query.Get("forceNowCheck") != "" {
		ms.prober.ForceCheckNow()
		ms.writeJSON(w, http.StatusOK, APIResponse{Success: true})
		return
	}
	if v := query.Get("resetLastConnectFailed"); v != "" {
		index, err := strconv.Atoi(v)
		if err != nil || !ms.pool.ResetLastConnectFailed(index) {
			ms.writeJSON(w, http.StatusOK, APIResponse{Success: false, Error: fmt.Sprintf("invalid backend index: %s", v)})
			return
		}
		ms.writeJSON(w, http.StatusOK, APIResponse{Success: true})
		return
	}

	ms.writeJSON(w, http.StatusOK, APIResponse{Success: false, Error: "unknown operation"})
}

// opSetDisable 启用/禁用后端
func (ms *MonitorServer) opSetDisable(w http.ResponseWriter, indexStr string, disable bool) {
	index, err := strconv.Atoi(indexStr)
	if err != nil || !ms.pool.SetManualDisable(index, disable) {
		ms.writeJSON(w, http.StatusOK, APIResponse{Success: false, Error: fmt.Sprintf("invalid backend index: %s", indexStr)})
		return
	}
	ms.writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

// poolInfo 汇总当前池状态
func (ms *MonitorServer) poolInfo() PoolInfo {
	return PoolInfo{
		Rule:              string(ms.pool.Rule()),
		UptimeSeconds:     int64(time.Since(ms.startTime).Seconds()),
		LiveSessions:      ms.relayServer.LiveCount(),
		RelayingSessions:  ms.relayServer.RelayingCount(),
		TotalConnectCount: ms.pool.TotalConnectCount(),
		EligibleBackends:  ms.pool.EligibleCount(),
		Backends:          ms.pool.Snapshot(),
	}
}

// handlePerInfo 每个后端的状态快照
func (ms *MonitorServer) handlePerInfo(w http.ResponseWriter, r *http.Request) {
	ms.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: ms.poolInfo()})
}

// handleDelayInfo 每个后端的延迟采样窗口
func (ms *MonitorServer) handleDelayInfo(w http.ResponseWriter, r *http.Request) {
	ms.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: DelayInfo{Backends: ms.pool.DelaySnapshot()}})
}

// handleWs 通过websocket周期推送池状态快照
func (ms *MonitorServer) handleWs(w http.ResponseWriter, r *http.Request) {
	conn, err := ms.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ms.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(ms.poolInfo()); err != nil {
			return
		}
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Socks Balancer</title>
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 4px 8px; }
.ok { color: green; }
.bad { color: red; }
</style>
</head>
<body>
<h2>Socks Balancer</h2>
<p>
<a href="/op?forceNowCheck=1">force check now</a> |
<a href="/per_info">per_info</a> |
<a href="/delay_info">delay_info</a> |
<a href="/metrics">metrics</a>
</p>
<div id="summary"></div>
<table id="backends"></table>
<script>
async function refresh() {
  const resp = await fetch('/per_info');
  const body = await resp.json();
  if (!body.success) return;
  const info = body.data;
  document.getElementById('summary').textContent =
    'rule=' + info.rule + ' live=' + info.live_sessions +
    ' relaying=' + info.relaying_sessions + ' eligible=' + info.eligible_backends;
  const rows = ['<tr><th>#</th><th>name</th><th>addr</th><th>working</th><th>offline</th>' +
    '<th>connect failed</th><th>disabled</th><th>count</th><th>tcp ping</th><th>connect ping</th><th>ops</th></tr>'];
  for (const b of info.backends) {
    rows.push('<tr><td>' + b.index + '</td><td>' + b.name + '</td><td>' + b.host + ':' + b.port +
      '</td><td class="' + (b.is_working ? 'ok' : 'bad') + '">' + b.is_working +
      '</td><td>' + b.is_offline + '</td><td>' + b.last_connect_failed +
      '</td><td>' + b.is_manual_disable + '</td><td>' + b.connect_count +
      '</td><td>' + b.tcp_ping_ms + 'ms</td><td>' + b.connect_ping_ms + 'ms</td>' +
      '<td><a href="/op?enable=' + b.index + '">enable</a> ' +
      '<a href="/op?disable=' + b.index + '">disable</a> ' +
      '<a href="/op?resetLastConnectFailed=' + b.index + '">reset</a></td></tr>');
  }
  document.getElementById('backends').innerHTML = rows.join('');
}
refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`
