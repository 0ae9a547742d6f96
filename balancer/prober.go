package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"socksbalancer/logger"
	"socksbalancer/resolver"
)

// sweepInterval 已完成探测会话的回收周期
const sweepInterval = 5 * time.Second

// ProberConfig 探测器配置
type ProberConfig struct {
	TcpCheckPeriod     time.Duration
	ConnectCheckPeriod time.Duration
	MaxRandomDelay     time.Duration
	TestRemoteHost     string
	TestRemotePort     int
	TestRemoteHttpUrl  string
}

// Prober 持有全部在途探测会话，周期性地对每个后端发起探测，
// 并把结果写回 UpstreamPool。
type Prober struct {
	pool   *UpstreamPool
	res    *resolver.Resolver
	cfg    ProberConfig
	logger *logger.SlogLogger

	mu       sync.Mutex
	sessions map[*ProbeSession]struct{}
	stopped  bool

	nextID atomic.Uint64

	stopCh         chan struct{}
	forceTcpCh     chan struct{}
	forceConnectCh chan struct{}
	wg             sync.WaitGroup
	stopOnce       sync.Once
}

// NewProber 创建探测器
func NewProber(pool *UpstreamPool, res *resolver.Resolver, cfg ProberConfig, log *logger.SlogLogger) *Prober {
	if log == nil {
		log = logger.WithPrefix("[Prober]")
	}
	return &Prober{
		pool:           pool,
		res:            res,
		cfg:            cfg,
		logger:         log,
		sessions:       make(map[*ProbeSession]struct{}),
		stopCh:         make(chan struct{}),
		forceTcpCh:     make(chan struct{}, 1),
		forceConnectCh: make(chan struct{}, 1),
	}
}

// Create 创建并注册一个探测会话。maxJitter 大于0时，
// 会话启动前等待 [0, maxJitter] 内的均匀随机延迟。
func (p *Prober) Create(kind ProbeKind, target ProbeTarget, maxJitter time.Duration) *ProbeSession {
	var delay time.Duration
	if maxJitter > 0 {
		delay = time.Duration(rand.Int63n(int64(maxJitter) + 1))
	}

	s := &ProbeSession{
		id:       p.nextID.Add(1),
		kind:     kind,
		target:   target,
		delay:    delay,
		testHost: p.cfg.TestRemoteHost,
		testPort: uint16(p.cfg.TestRemotePort),
		testURL:  p.cfg.TestRemoteHttpUrl,
		prober:   p,
		res:      p.res,
		logger:   p.logger,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		s.complete = true
		return s
	}
	p.sessions[s] = struct{}{}
	return s
}

// releaseSession 会话完成后自注销
func (p *Prober) releaseSession(s *ProbeSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sessions[s]; ok {
		delete(p.sessions, s)
	} else {
		p.logger.Warn("Probe session %d not found in registry at release time, double free?", s.id)
	}
}

// SessionCount 当前注册的会话数
func (p *Prober) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Start 启动清扫定时器和周期探测
func (p *Prober) Start() {
	p.wg.Add(3)
	go p.sweepLoop()
	go p.tcpLoop()
	go p.connectLoop()
}

// sweepLoop 周期性回收已完成但未自释放的会话
func (p *Prober) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

// sweep 移除完成态会话
func (p *Prober) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.sessions {
		if s.IsComplete() {
			delete(p.sessions, s)
		}
	}
}

// tcpLoop TCP探测轮次调度
func (p *Prober) tcpLoop() {
	defer p.wg.Done()

	// 启动时立即执行一轮
	p.runTcpRound()

	timer := time.NewTimer(p.cfg.TcpCheckPeriod)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			p.runTcpRound()
			timer.Reset(p.cfg.TcpCheckPeriod)
		case <-p.forceTcpCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			p.runTcpRound()
			timer.Reset(p.cfg.TcpCheckPeriod)
		case <-p.stopCh:
			return
		}
	}
}

// connectLoop SOCKS5/HTTP探测轮次调度
func (p *Prober) connectLoop() {
	defer p.wg.Done()

	p.runConnectRound()

	timer := time.NewTimer(p.cfg.ConnectCheckPeriod)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			p.runConnectRound()
			timer.Reset(p.cfg.ConnectCheckPeriod)
		case <-p.forceConnectCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			p.runConnectRound()
			timer.Reset(p.cfg.ConnectCheckPeriod)
		case <-p.stopCh:
			return
		}
	}
}

// runTcpRound 对每个后端发起一次TCP探测
func (p *Prober) runTcpRound() {
	for _, b := range p.pool.Backends() {
		index := b.Index
		s := p.Create(ProbeTCP, ProbeTarget{Host: b.Host, Port: b.Port}, p.cfg.MaxRandomDelay)
		s.Run(
			func(ping time.Duration) {
				p.pool.UpdateTcpPing(index, ping)
				metricProbeTotal.WithLabelValues(string(ProbeTCP), "ok").Inc()
			},
			func(msg string) {
				p.pool.MarkTcpFailed(index)
				metricProbeTotal.WithLabelValues(string(ProbeTCP), "err").Inc()
			},
		)
	}
}

// runConnectRound 对每个后端发起一次SOCKS5探测和一次HTTP探测
func (p *Prober) runConnectRound() {
	for _, b := range p.pool.Backends() {
		index := b.Index
		target := ProbeTarget{
			Host:         b.Host,
			Port:         b.Port,
			AuthUser:     b.AuthUser,
			AuthPassword: b.AuthPassword,
		}

		for _, kind := range []ProbeKind{ProbeSOCKS5, ProbeHTTP} {
			kind := kind
			s := p.Create(kind, target, p.cfg.MaxRandomDelay)
			s.Run(
				func(ping time.Duration) {
					p.pool.UpdateConnectPing(index, ping)
					metricProbeTotal.WithLabelValues(string(kind), "ok").Inc()
				},
				func(msg string) {
					p.pool.MarkConnectFailed(index)
					metricProbeTotal.WithLabelValues(string(kind), "err").Inc()
				},
			)
		}
	}
}

// ForceCheckNow 取消在途探测并立即开始新一轮
func (p *Prober) ForceCheckNow() {
	p.stopAllSessions()

	select {
	case p.forceTcpCh <- struct{}{}:
	default:
	}
	select {
	case p.forceConnectCh <- struct{}{}:
	default:
	}
	p.logger.Info("Forced check round triggered")
}

// stopAllSessions 停止全部在途会话
func (p *Prober) stopAllSessions() {
	p.mu.Lock()
	sessions := make([]*ProbeSession, 0, len(p.sessions))
	for s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// Stop 停止调度器，取消全部在途会话并清空注册表。幂等。
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.stopAllSessions()
		p.wg.Wait()
		p.sweep()
	})
}
