package balancer

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"socksbalancer/logger"
	"socksbalancer/resolver"
)

// sessionSweepInterval DEAD会话的防御性回收周期
const sessionSweepInterval = 5 * time.Second

// RelayServer 接受客户端连接并为每条连接启动一个中继会话
type RelayServer struct {
	listener   net.Listener
	pool       *UpstreamPool
	res        *resolver.Resolver
	sessionCfg SessionConfig
	logger     *logger.SlogLogger

	mu       sync.Mutex
	sessions map[uint64]*RelaySession
	stopped  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRelayServer 在指定地址上监听。绑定失败时返回错误。
func NewRelayServer(listenAddr string, pool *UpstreamPool, res *resolver.Resolver, sessionCfg SessionConfig, log *logger.SlogLogger) (*RelayServer, error) {
	if log == nil {
		log = logger.WithPrefix("[RelayServer]")
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", listenAddr, err)
	}

	return &RelayServer{
		listener:   listener,
		pool:       pool,
		res:        res,
		sessionCfg: sessionCfg,
		logger:     log,
		sessions:   make(map[uint64]*RelaySession),
		stopCh:     make(chan struct{}),
	}, nil
}

// Addr 实际监听地址
func (s *RelayServer) Addr() net.Addr {
	return s.listener.Addr()
}

// isClosedConnectionError 检查是否是连接关闭的错误
func isClosedConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Start 运行接收循环，监听器关闭后返回
func (s *RelayServer) Start() error {
	s.logger.Info("Relay server started on %s", s.listener.Addr())

	s.wg.Add(1)
	go s.sweepLoop()

	for {
		clientConn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Warn("Accept timeout: %v", err)
				continue
			}
			if isClosedConnectionError(err) {
				s.logger.Info("Relay server shutting down...")
				return nil
			}
			s.logger.Error("Failed to accept connection: %v", err)
			continue
		}

		session := NewRelaySession(clientConn, s, s.pool, s.res, s.sessionCfg, s.logger)
		if !s.addSession(session) {
			// 服务器已停止
			clientConn.Close()
			return nil
		}

		metricAcceptedTotal.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.Run()
		}()
	}
}

// addSession 注册会话，服务器已停止时返回false
func (s *RelayServer) addSession(session *RelaySession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	s.sessions[session.RelayID()] = session
	metricLiveSessions.Inc()
	return true
}

// removeSession 会话终止后自注销；服务器已不存在时静默跳过
func (s *RelayServer) removeSession(session *RelaySession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.RelayID()]; ok {
		delete(s.sessions, session.RelayID())
		metricLiveSessions.Dec()
	}
}

// sweepLoop 周期性回收终止态会话
func (s *RelayServer) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep 移除已终止的会话
func (s *RelayServer) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, session := range s.sessions {
		if session.IsDead() {
			delete(s.sessions, id)
			metricLiveSessions.Dec()
		}
	}
}

// LiveCount 当前注册的会话数
func (s *RelayServer) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RelayingCount 当前处于转发阶段的会话数
func (s *RelayServer) RelayingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range s.sessions {
		if session.State() == StateRelay {
			count++
		}
	}
	return count
}

// Stop 关闭监听器，终止全部会话并清空注册表。幂等。
func (s *RelayServer) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		sessions := make([]*RelaySession, 0, len(s.sessions))
		for _, session := range s.sessions {
			sessions = append(sessions, session)
		}
		s.mu.Unlock()

		close(s.stopCh)
		s.listener.Close()

		for _, session := range sessions {
			session.Stop()
		}
		s.wg.Wait()
		s.sweep()
	})
}
