package balancer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"socksbalancer/logger"
	"socksbalancer/resolver"
)

// ProbeKind 探测类型
type ProbeKind string

const (
	ProbeTCP    ProbeKind = "tcp"
	ProbeSOCKS5 ProbeKind = "socks5"
	ProbeHTTP   ProbeKind = "http"
)

// 探测超时预算
const (
	probeConnectTimeout = 30 * time.Second
	probeTotalTimeout   = 60 * time.Second
)

// ProbeTarget 被探测的上游
type ProbeTarget struct {
	Host         string
	Port         int
	AuthUser     string
	AuthPassword string
}

// ProbeSession 一次性的出站探测会话。
// onOK/onErr 恰好有一个被调用且只调用一次，回调后立即从所属 Prober 中自释放。
type ProbeSession struct {
	id     uint64
	kind   ProbeKind
	target ProbeTarget
	delay  time.Duration

	// SOCKS5/HTTP 探测的测试目标
	testHost string
	testPort uint16
	testURL  string

	prober *Prober
	res    *resolver.Resolver
	logger *logger.SlogLogger

	mu        sync.Mutex
	onOK      func(time.Duration)
	onErr     func(string)
	complete  bool
	cancel    context.CancelFunc
	conn      net.Conn
	startTime time.Time
}

// ID 会话id
func (s *ProbeSession) ID() uint64 {
	return s.id
}

// Kind 探测类型
func (s *ProbeSession) Kind() ProbeKind {
	return s.kind
}

// IsComplete 回调是否已经发出（或会话已被停止）
func (s *ProbeSession) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Run 启动探测。delay 之后开始执行协议，结果通过回调报告。
func (s *ProbeSession) Run(onOK func(time.Duration), onErr func(string)) {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.onOK = onOK
	s.onErr = onErr
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop 中止进行中的I/O并抑制后续回调
func (s *ProbeSession) Stop() {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	s.onOK = nil
	s.onErr = nil
	cancel := s.cancel
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.release()
}

func (s *ProbeSession) run(ctx context.Context) {
	// 随机起始延迟
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return
		}
	}

	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.startTime = time.Now()
	s.mu.Unlock()

	tctx, tcancel := context.WithTimeout(ctx, probeTotalTimeout)
	defer tcancel()

	// 解析
	addr, err := s.res.LookupHost(tctx, s.target.Host)
	if err != nil {
		s.fail(fmt.Sprintf("do_resolve on %s:%d", s.target.Host, s.target.Port), err)
		return
	}

	// 连接
	dialer := net.Dialer{Timeout: probeConnectTimeout}
	conn, err := dialer.DialContext(tctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(s.target.Port)))
	if err != nil {
		s.fail(fmt.Sprintf("do_connect on %s:%d", s.target.Host, s.target.Port), err)
		return
	}

	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	startTime := s.startTime
	s.mu.Unlock()

	// 剩余预算作为整条连接的截止时间
	conn.SetDeadline(startTime.Add(probeTotalTimeout))

	switch s.kind {
	case ProbeTCP:
		// 连接建立即成功
		s.allOk()

	case ProbeSOCKS5:
		if err := socks5Handshake(conn, s.target.AuthUser, s.target.AuthPassword); err != nil {
			s.fail(fmt.Sprintf("do_handshake on %s:%d", s.target.Host, s.target.Port), err)
			return
		}
		if err := socks5Connect(conn, s.testHost, s.testPort); err != nil {
			s.fail(fmt.Sprintf("do_socks5_connect via %s:%d", s.target.Host, s.target.Port), err)
			return
		}
		s.allOk()

	case ProbeHTTP:
		if err := s.doHttpGet(conn); err != nil {
			s.fail(fmt.Sprintf("do_http_get via %s:%d", s.target.Host, s.target.Port), err)
			return
		}
		s.allOk()
	}
}

// doHttpGet 通过上游SOCKS5连接测试URL并校验状态行
func (s *ProbeSession) doHttpGet(conn net.Conn) error {
	u, err := url.Parse(s.testURL)
	if err != nil {
		return fmt.Errorf("invalid test url %q: %v", s.testURL, err)
	}
	host := u.Hostname()
	port := uint16(80)
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = uint16(n)
		}
	}

	if err := socks5Handshake(conn, s.target.AuthUser, s.target.AuthPassword); err != nil {
		return err
	}
	if err := socks5Connect(conn, host, port); err != nil {
		return err
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, u.Host)
	if _, err := conn.Write([]byte(request)); err != nil {
		return err
	}

	// 只解析状态行
	statusLine, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	if _, err := parseHttpStatusLine(statusLine); err != nil {
		return err
	}
	return nil
}

// parseHttpStatusLine 解析 "HTTP/1.x NNN ..." 形式的状态行
func parseHttpStatusLine(line string) (int, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, fmt.Errorf("unparseable status line: %q", line)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("unparseable status line: %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("unparseable status line: %q", line)
	}
	return code, nil
}

// allOk 成功路径：计算延迟，发出 onOK，自释放
func (s *ProbeSession) allOk() {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	onOK := s.onOK
	s.onOK = nil
	s.onErr = nil
	conn := s.conn
	s.conn = nil
	latency := time.Since(s.startTime)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if onOK != nil {
		onOK(latency)
	}
	s.release()
}

// fail 失败路径：发出 onErr，自释放。取消导致的错误被吞掉。
func (s *ProbeSession) fail(what string, err error) {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	onErr := s.onErr
	s.onOK = nil
	s.onErr = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	var msg string
	if isTimeoutError(err) {
		msg = fmt.Sprintf("%s: Timeout: %v", what, err)
	} else {
		msg = fmt.Sprintf("%s: %v", what, err)
	}
	s.logger.Error(msg)

	if onErr != nil {
		onErr(msg)
	}
	s.release()
}

// release 从所属 Prober 注销自身
func (s *ProbeSession) release() {
	if s.prober != nil {
		s.prober.releaseSession(s)
	}
}

// isTimeoutError 判断超时类错误
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
