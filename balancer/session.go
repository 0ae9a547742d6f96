package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"socksbalancer/logger"
	"socksbalancer/resolver"
)

// relayBufSize 每个转发方向的缓冲区大小
const relayBufSize = 8 * 1024

// maxReplayBuffer 试用期内可回放的客户端数据上限，
// 超过后提交到当前上游，不再允许重试
const maxReplayBuffer = 64 * 1024

// bufferPool 转发缓冲区对象池
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, relayBufSize)
		return &buf
	},
}

// SessionState 中继会话状态
type SessionState int32

const (
	StateInit SessionState = iota
	StatePick
	StateConnect
	StateRelay
	StateDead
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePick:
		return "PICK"
	case StateConnect:
		return "CONNECT"
	case StateRelay:
		return "RELAY"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// errUpstreamRetry 上游在任何字节转发回客户端之前失败，可以换一个后端重试
var errUpstreamRetry = errors.New("upstream failed before any byte forwarded")

// PrependingConn is a net.Conn that allows prepending data to the read stream.
// This is useful for "pushing back" data consumed from the client before the
// upstream proved alive.
type PrependingConn struct {
	net.Conn
	prependedData []byte
	mu            sync.Mutex
}

// Read reads data from the connection. It will first read from the prepended
// buffer. The lock is not held across the blocking read so that Prepend can
// run while a read is in flight.
func (c *PrependingConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.prependedData) > 0 {
		n := copy(p, c.prependedData)
		c.prependedData = c.prependedData[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	return c.Conn.Read(p)
}

// Prepend 把数据推回读取流的头部
func (c *PrependingConn) Prepend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, 0, len(data)+len(c.prependedData))
	buf = append(buf, data...)
	buf = append(buf, c.prependedData...)
	c.prependedData = buf
}

// closeWriter 支持半关闭的连接
type closeWriter interface {
	CloseWrite() error
}

// SessionConfig 中继会话配置
type SessionConfig struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	RetryTimes     int
}

// RelaySession 一条客户端到上游的双向转发会话
type RelaySession struct {
	relayID uint64
	server  *RelayServer
	pool    *UpstreamPool
	res     *resolver.Resolver
	cfg     SessionConfig
	logger  *logger.SlogLogger

	clientConn *PrependingConn

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu           sync.Mutex
	state        SessionState
	upstreamConn net.Conn
	backendIndex int
	counted      bool
	promotedFlag bool
	tried        map[int]bool
	createdAt    time.Time
	idleTimer    *time.Timer

	done     chan struct{}
	deadOnce sync.Once
}

// NewRelaySession 包装一条已接受的客户端连接
func NewRelaySession(clientConn net.Conn, server *RelayServer, pool *UpstreamPool, res *resolver.Resolver, cfg SessionConfig, log *logger.SlogLogger) *RelaySession {
	relayID := NextRelayID()
	if log == nil {
		log = logger.NewLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RelaySession{
		relayID:      relayID,
		server:       server,
		pool:         pool,
		res:          res,
		cfg:          cfg,
		logger:       log.WithField("relay_id", strconv.FormatUint(relayID, 10)),
		clientConn:   &PrependingConn{Conn: clientConn},
		ctx:          ctx,
		cancelCtx:    cancel,
		state:        StateInit,
		backendIndex: -1,
		tried:        make(map[int]bool),
		createdAt:    time.Now(),
		done:         make(chan struct{}),
	}
}

// RelayID 会话id
func (s *RelaySession) RelayID() uint64 {
	return s.relayID
}

// State 当前状态
func (s *RelaySession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsDead 会话是否已终止
func (s *RelaySession) IsDead() bool {
	return s.State() == StateDead
}

// Done 会话终止时关闭
func (s *RelaySession) Done() <-chan struct{} {
	return s.done
}

// Run 执行会话状态机直到终止。由 RelayServer 在独立goroutine中调用。
func (s *RelaySession) Run() {
	defer s.toDead()

	connectDeadline := s.createdAt.Add(s.cfg.ConnectTimeout)
	attempts := s.cfg.RetryTimes + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if s.IsDead() {
			return
		}

		s.setState(StatePick)
		backend := s.pool.GetNextExcluding(s.tried)
		if backend == nil {
			// 无可用上游：直接断开，不发送任何SOCKS应答
			s.logger.Warn("No eligible upstream, closing client %s", s.clientConn.RemoteAddr())
			metricRelayErrors.WithLabelValues("no_eligible_upstream").Inc()
			return
		}

		s.setState(StateConnect)
		conn, err := s.connectUpstream(backend, connectDeadline)
		if err != nil {
			if s.ctx.Err() != nil {
				// 会话被停止，取消不算后端的失败
				return
			}
			s.pool.MarkConnectFailed(backend.Index)
			s.tried[backend.Index] = true
			s.logger.Warn("Connect to upstream %s failed: %v", backend.Name, err)
			metricRelayErrors.WithLabelValues("connect").Inc()
			continue
		}

		s.mu.Lock()
		if s.state == StateDead {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.upstreamConn = conn
		s.backendIndex = backend.Index
		s.mu.Unlock()

		s.logger.Info("Relaying %s -> %s", s.clientConn.RemoteAddr(), backend.Name)

		if retry := s.relay(conn); retry {
			if s.ctx.Err() != nil {
				return
			}
			// 上游在回应任何字节前失败，换一个后端重试
			s.pool.MarkConnectFailed(backend.Index)
			s.tried[backend.Index] = true
			s.mu.Lock()
			s.upstreamConn = nil
			if s.state != StateDead {
				s.state = StatePick
			}
			s.mu.Unlock()
			s.logger.Warn("Upstream %s failed before first byte, retrying", backend.Name)
			metricRelayErrors.WithLabelValues("early_reset").Inc()
			continue
		}
		return
	}

	s.logger.Warn("Connect retries exhausted for client %s", s.clientConn.RemoteAddr())
	metricRelayErrors.WithLabelValues("exhausted_retries").Inc()
}

// connectUpstream 在连接截止时间内解析并连接上游
func (s *RelaySession) connectUpstream(backend *Backend, deadline time.Time) (net.Conn, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, fmt.Errorf("connect Timeout before dialing %s", backend.Name)
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	addr, err := s.res.LookupHost(ctx, backend.Host)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(backend.Port)))
	if err != nil {
		if isTimeoutError(err) {
			return nil, fmt.Errorf("connect Timeout on %s: %v", backend.Address(), err)
		}
		return nil, err
	}
	return conn, nil
}

// relayAttempt 一次上游尝试的转发状态。
// 上游回应第一个字节之前为试用期：已消费的客户端数据进入 stash，
// 上游失败时推回客户端连接供下一个上游重放。
type relayAttempt struct {
	session  *RelaySession
	upstream net.Conn

	mu        sync.Mutex
	stash     []byte
	committed bool

	retryOnce sync.Once
	retrying  atomic.Bool
}

// relay 双向转发，返回是否应当换后端重试
func (s *RelaySession) relay(upstream net.Conn) (retry bool) {
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.logger.Warn("Relay idle Timeout, closing session")
		metricRelayErrors.WithLabelValues("idle_timeout").Inc()
		s.closeConns()
	})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.mu.Unlock()
	}()

	attempt := &relayAttempt{session: s, upstream: upstream}

	clientDone := make(chan error, 1)
	upstreamDone := make(chan error, 1)

	go attempt.pumpClientToUpstream(clientDone)
	go attempt.pumpUpstreamToClient(upstreamDone)

	err1 := <-clientDone
	err2 := <-upstreamDone

	if attempt.retrying.Load() && !s.promoted() &&
		(errors.Is(err1, errUpstreamRetry) || errors.Is(err2, errUpstreamRetry)) {
		// 清除唤醒客户端读取用的截止时间
		s.clientConn.Conn.SetReadDeadline(time.Time{})
		return true
	}
	return false
}

// stashBytes 试用期内记录已消费的客户端数据。
// 超出回放上限时提交到当前上游，之后不再允许重试。
func (a *relayAttempt) stashBytes(data []byte) {
	a.mu.Lock()
	if a.committed {
		a.mu.Unlock()
		return
	}
	if len(a.stash)+len(data) > maxReplayBuffer {
		// 数据量超出可回放范围，放弃重试能力
		a.committed = true
		a.stash = nil
		a.mu.Unlock()
		a.session.promote()
		return
	}
	a.stash = append(a.stash, data...)
	a.mu.Unlock()
}

// signalRetry 宣告本次上游尝试失败：推回stash、关闭上游、
// 唤醒阻塞中的客户端读取。恰好执行一次。
func (a *relayAttempt) signalRetry() {
	a.retryOnce.Do(func() {
		a.retrying.Store(true)

		a.mu.Lock()
		stash := a.stash
		a.stash = nil
		a.mu.Unlock()

		if len(stash) > 0 {
			a.session.clientConn.Prepend(stash)
		}
		a.upstream.Close()
		// 用零值截止时间之外的过去时间唤醒阻塞的客户端读
		a.session.clientConn.Conn.SetReadDeadline(time.Now())
	})
}

// pumpClientToUpstream 客户端到上游方向的转发泵
func (a *relayAttempt) pumpClientToUpstream(done chan error) {
	s := a.session
	bufPtr := bufferPool.Get().(*[]byte)
	buf := *bufPtr
	defer bufferPool.Put(bufPtr)

	for {
		n, err := s.clientConn.Read(buf)
		if n > 0 {
			if !s.promoted() {
				a.stashBytes(buf[:n])
			}
			if _, werr := a.upstream.Write(buf[:n]); werr != nil {
				if !s.promoted() {
					a.signalRetry()
					done <- errUpstreamRetry
					return
				}
				s.closeConns()
				done <- werr
				return
			}
			s.touch()
		}
		if err != nil {
			if a.retrying.Load() && !s.promoted() {
				// 对端泵已宣告重试，本方向安静退出
				done <- errUpstreamRetry
				return
			}
			if err == io.EOF {
				// 客户端读到EOF：半关闭上游写侧，另一方向继续
				if cw, ok := a.upstream.(closeWriter); ok {
					cw.CloseWrite()
				}
				done <- nil
			} else {
				s.closeConns()
				done <- err
			}
			return
		}
	}
}

// pumpUpstreamToClient 上游到客户端方向的转发泵
func (a *relayAttempt) pumpUpstreamToClient(done chan error) {
	s := a.session
	bufPtr := bufferPool.Get().(*[]byte)
	buf := *bufPtr
	defer bufferPool.Put(bufPtr)

	for {
		n, err := a.upstream.Read(buf)
		if n > 0 {
			// 上游已证明存活，进入正式计数
			s.promote()
			a.dropStash()
			if _, werr := s.clientConn.Conn.Write(buf[:n]); werr != nil {
				s.closeConns()
				done <- werr
				return
			}
			s.touch()
		}
		if err != nil {
			if !s.promoted() {
				// 上游在回应任何字节前出错或关闭，标记为可重试
				a.signalRetry()
				done <- errUpstreamRetry
				return
			}
			if err == io.EOF {
				// 上游读到EOF：半关闭客户端写侧，另一方向继续
				if cw, ok := s.clientConn.Conn.(closeWriter); ok {
					cw.CloseWrite()
				}
				done <- nil
				return
			}
			s.closeConns()
			done <- err
			return
		}
	}
}

// dropStash 提升后不再需要回放数据
func (a *relayAttempt) dropStash() {
	a.mu.Lock()
	a.committed = true
	a.stash = nil
	a.mu.Unlock()
}

// promote 上游回应第一个字节时（或试用期数据超出回放上限时）进入RELAY状态并计数，恰好一次
func (s *RelaySession) promote() {
	s.mu.Lock()
	if s.promotedFlag || s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.promotedFlag = true
	s.counted = true
	s.state = StateRelay
	index := s.backendIndex
	s.mu.Unlock()

	s.pool.IncrementConnectCount(index)
	metricRelayingSessions.Inc()
}

// promoted 会话是否已提交到当前上游（上游已回应过字节，或回放数据超限）
func (s *RelaySession) promoted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promotedFlag
}

// touch 任何字节转发后刷新空闲定时器
func (s *RelaySession) touch() {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()
}

// setState 状态迁移，DEAD为终态
func (s *RelaySession) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDead {
		s.state = state
	}
}

// closeConns 关闭两端连接
func (s *RelaySession) closeConns() {
	s.mu.Lock()
	client := s.clientConn
	upstream := s.upstreamConn
	s.mu.Unlock()

	if client != nil {
		client.Conn.Close()
	}
	if upstream != nil {
		upstream.Close()
	}
}

// toDead 进入终态：归还后端计数、关闭连接、从注册表移除。恰好一次。
func (s *RelaySession) toDead() {
	s.deadOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDead
		counted := s.counted
		s.counted = false
		index := s.backendIndex
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.mu.Unlock()

		s.cancelCtx()
		s.closeConns()

		if counted {
			s.pool.DecrementConnectCount(index)
			metricRelayingSessions.Dec()
		}
		metricSessionDuration.Observe(time.Since(s.createdAt).Seconds())

		if s.server != nil {
			s.server.removeSession(s)
		}
		close(s.done)
	})
}

// Stop 终止会话。幂等，停止后不再有任何可见副作用。
func (s *RelaySession) Stop() {
	if s.IsDead() {
		return
	}
	s.cancelCtx()
	s.closeConns()
}
