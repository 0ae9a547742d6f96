package balancer

import (
	"math/rand"
	"sync"
	"time"

	"socksbalancer/config"
	"socksbalancer/logger"
)

// SelectRule 上游选择策略
type SelectRule string

const (
	SelectLoop            SelectRule = config.RuleLoop
	SelectRandom          SelectRule = config.RuleRandom
	SelectOneByOne        SelectRule = config.RuleOneByOne
	SelectChangeByTime    SelectRule = config.RuleChangeByTime
	SelectMinConnectCount SelectRule = config.RuleMinConnectCount
)

// serverChangeTime change_by_time 策略的切换间隔
const serverChangeTime = 5 * time.Minute

// UpstreamPool 上游后端池。
// 持有全部后端的滚动状态，探测回调与选择在同一把锁下串行化。
type UpstreamPool struct {
	mu       sync.Mutex
	backends []*Backend
	rule     SelectRule
	rng      *rand.Rand
	logger   *logger.SlogLogger

	// loop/one_by_one/change_by_time 策略的游标，-1 表示尚未使用过
	lastUseUpstreamIndex   int
	lastChangeUpstreamTime time.Time
}

// NewUpstreamPool 从配置创建后端池
func NewUpstreamPool(upstreams []config.Upstream, rule SelectRule, log *logger.SlogLogger) *UpstreamPool {
	if log == nil {
		log = logger.WithPrefix("[UpstreamPool]")
	}

	pool := &UpstreamPool{
		rule:                 rule,
		rng:                  rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:               log,
		lastUseUpstreamIndex: -1,
	}

	for i, u := range upstreams {
		b := &Backend{
			Index:           i,
			Name:            u.Name,
			Host:            u.Host,
			Port:            u.Port,
			isManualDisable: u.Disable,
		}
		if u.AuthUser != nil {
			b.AuthUser = *u.AuthUser
		}
		if u.AuthPassword != nil {
			b.AuthPassword = *u.AuthPassword
		}
		pool.backends = append(pool.backends, b)
	}

	log.Info("Loaded %d upstream backends, select rule: %s", len(pool.backends), rule)
	return pool
}

// Size 后端总数
func (p *UpstreamPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends)
}

// Rule 当前选择策略
func (p *UpstreamPool) Rule() SelectRule {
	return p.rule
}

// Backends 返回全部后端。身份字段只读安全，滚动状态必须经池方法访问。
func (p *UpstreamPool) Backends() []*Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// GetNext 按配置的策略选出下一个后端；无可用后端时返回nil
func (p *UpstreamPool) GetNext() *Backend {
	return p.GetNextExcluding(nil)
}

// GetNextExcluding 选出下一个后端，跳过 exclude 中的下标。
// 无可用后端时返回nil，且不改变轮转游标。
func (p *UpstreamPool) GetNextExcluding(exclude map[int]bool) *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	usable := func(b *Backend) bool {
		return b.eligible() && !exclude[b.Index]
	}

	candidates := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if usable(b) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch p.rule {
	case SelectRandom:
		return candidates[p.rng.Intn(len(candidates))]

	case SelectOneByOne:
		// 只要当前后端仍然可用就一直用它
		if p.lastUseUpstreamIndex >= 0 && p.lastUseUpstreamIndex < len(p.backends) {
			if cur := p.backends[p.lastUseUpstreamIndex]; usable(cur) {
				return cur
			}
		}
		next := p.scanFrom(p.lastUseUpstreamIndex+1, usable)
		p.lastUseUpstreamIndex = next.Index
		return next

	case SelectChangeByTime:
		now := time.Now()
		if p.lastUseUpstreamIndex >= 0 && p.lastUseUpstreamIndex < len(p.backends) &&
			now.Sub(p.lastChangeUpstreamTime) < serverChangeTime {
			if cur := p.backends[p.lastUseUpstreamIndex]; usable(cur) {
				return cur
			}
		}
		next := p.scanFrom(p.lastUseUpstreamIndex+1, usable)
		p.lastUseUpstreamIndex = next.Index
		p.lastChangeUpstreamTime = now
		return next

	case SelectMinConnectCount:
		best := candidates[0]
		for _, b := range candidates[1:] {
			if b.connectCount < best.connectCount {
				best = b
			}
		}
		return best

	default: // SelectLoop
		next := p.scanFrom(p.lastUseUpstreamIndex+1, usable)
		p.lastUseUpstreamIndex = next.Index
		return next
	}
}

// scanFrom 从 start 开始环形查找第一个满足条件的后端。
// 调用方保证至少存在一个候选。持锁调用。
func (p *UpstreamPool) scanFrom(start int, usable func(*Backend) bool) *Backend {
	n := len(p.backends)
	if start < 0 {
		start = 0
	}
	for i := 0; i < n; i++ {
		b := p.backends[(start+i)%n]
		if usable(b) {
			return b
		}
	}
	return nil
}

// EligibleCount 当前可用后端数
func (p *UpstreamPool) EligibleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, b := range p.backends {
		if b.eligible() {
			count++
		}
	}
	return count
}

// UpdateTcpPing 记录一次成功的TCP探测
func (p *UpstreamPool) UpdateTcpPing(index int, ping time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return
	}
	now := time.Now()
	b.isOffline = false
	b.lastConnectFailed = false
	b.lastOnlineTime = now
	b.lastTcpCheckTime = now
	b.recordTcpPing(now, ping)
}

// UpdateConnectPing 记录一次成功的SOCKS5/HTTP探测
func (p *UpstreamPool) UpdateConnectPing(index int, ping time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return
	}
	now := time.Now()
	b.isOffline = false
	b.lastConnectFailed = false
	b.lastOnlineTime = now
	b.lastConnectCheckTime = now
	b.recordConnectPing(now, ping)
}

// MarkTcpFailed TCP探测失败，标记后端离线
func (p *UpstreamPool) MarkTcpFailed(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return
	}
	b.isOffline = true
	b.lastTcpCheckTime = time.Now()
}

// MarkConnectFailed SOCKS5/HTTP探测或中继建连失败，粘滞标记直到下次探测成功
func (p *UpstreamPool) MarkConnectFailed(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return
	}
	b.lastConnectFailed = true
	b.lastConnectCheckTime = time.Now()
}

// SetManualDisable 操作员启用/禁用后端
func (p *UpstreamPool) SetManualDisable(index int, disable bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return false
	}
	b.isManualDisable = disable
	if disable {
		p.logger.Info("Backend %s manually disabled", b.Name)
	} else {
		p.logger.Info("Backend %s manually enabled", b.Name)
	}
	return true
}

// ResetLastConnectFailed 清除粘滞的建连失败标记
func (p *UpstreamPool) ResetLastConnectFailed(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return false
	}
	b.lastConnectFailed = false
	p.logger.Info("Backend %s lastConnectFailed reset", b.Name)
	return true
}

// IncrementConnectCount 中继会话进入转发阶段时调用
func (p *UpstreamPool) IncrementConnectCount(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return
	}
	b.connectCount++
	b.lastConnectTime = time.Now()
}

// DecrementConnectCount 中继会话结束时调用
func (p *UpstreamPool) DecrementConnectCount(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return
	}
	if b.connectCount > 0 {
		b.connectCount--
	} else {
		p.logger.Warn("Backend %s connect count underflow", b.Name)
	}
}

// ConnectCount 指定后端当前在途中继数
func (p *UpstreamPool) ConnectCount(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backendAt(index)
	if b == nil {
		return 0
	}
	return b.connectCount
}

// TotalConnectCount 全部后端在途中继数之和
func (p *UpstreamPool) TotalConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, b := range p.backends {
		total += b.connectCount
	}
	return total
}

// Snapshot 生成全部后端的状态快照
func (p *UpstreamPool) Snapshot() []BackendSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]BackendSnapshot, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b.snapshot())
	}
	return out
}

// DelaySnapshot 生成全部后端的延迟采样快照
func (p *UpstreamPool) DelaySnapshot() []BackendDelaySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]BackendDelaySnapshot, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b.delaySnapshot())
	}
	return out
}

// backendAt 下标合法时返回对应后端。持锁调用。
func (p *UpstreamPool) backendAt(index int) *Backend {
	if index < 0 || index >= len(p.backends) {
		p.logger.Warn("Backend index %d out of range", index)
		return nil
	}
	return p.backends[index]
}

// setBackendStateForTest 测试辅助：直接设置后端滚动状态
func (p *UpstreamPool) setBackendStateForTest(index int, offline, manualDisable, connectFailed bool, connectCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backends[index]
	b.isOffline = offline
	b.isManualDisable = manualDisable
	b.lastConnectFailed = connectFailed
	b.connectCount = connectCount
}
