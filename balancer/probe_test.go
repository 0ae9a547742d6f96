package balancer

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeSocks5Upstream 完整SOCKS5上游：握手、CONNECT应答，
// 然后按 serve 回调处理后续流量
func fakeSocks5Upstream(t *testing.T, ln net.Listener, connectReply byte, serve func(net.Conn)) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				fakeSocks5Server(t, conn, false, connectReply)
				if serve != nil && connectReply == REP_SUCCESS {
					serve(conn)
				}
			}(conn)
		}
	}()
}

func TestSocks5ProbeSuccess(t *testing.T) {
	ln, host, port := listenTCP(t)
	fakeSocks5Upstream(t, ln, REP_SUCCESS, nil)

	prober := newTestProber(t, nil)
	defer prober.Stop()

	okCh := make(chan time.Duration, 1)
	errCh := make(chan string, 1)

	s := prober.Create(ProbeSOCKS5, ProbeTarget{Host: host, Port: port}, 0)
	s.Run(
		func(ping time.Duration) { okCh <- ping },
		func(msg string) { errCh <- msg },
	)

	select {
	case <-okCh:
	case msg := <-errCh:
		t.Fatalf("socks5 probe failed: %s", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("socks5 probe did not complete")
	}
}

func TestSocks5ProbeNonSuccessReply(t *testing.T) {
	ln, host, port := listenTCP(t)
	fakeSocks5Upstream(t, ln, 0x05, nil) // connection refused

	prober := newTestProber(t, nil)
	defer prober.Stop()

	errCh := make(chan string, 1)
	s := prober.Create(ProbeSOCKS5, ProbeTarget{Host: host, Port: port}, 0)
	s.Run(
		func(time.Duration) { t.Error("onOK fired for refused CONNECT") },
		func(msg string) { errCh <- msg },
	)

	select {
	case msg := <-errCh:
		if !strings.Contains(msg, "do_socks5_connect") {
			t.Errorf("error message %q does not name the failing step", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onErr never fired")
	}
}

func TestHttpProbeSuccess(t *testing.T) {
	ln, host, port := listenTCP(t)
	fakeSocks5Upstream(t, ln, REP_SUCCESS, func(conn net.Conn) {
		// 读请求直到空行，回一个最小HTTP应答
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || strings.TrimSpace(line) == "" {
				break
			}
		}
		io.WriteString(conn, "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n")
	})

	prober := newTestProber(t, nil)
	defer prober.Stop()

	okCh := make(chan time.Duration, 1)
	errCh := make(chan string, 1)

	s := prober.Create(ProbeHTTP, ProbeTarget{Host: host, Port: port}, 0)
	s.Run(
		func(ping time.Duration) { okCh <- ping },
		func(msg string) { errCh <- msg },
	)

	select {
	case <-okCh:
	case msg := <-errCh:
		t.Fatalf("http probe failed: %s", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("http probe did not complete")
	}
}

func TestHttpProbeBadStatusLine(t *testing.T) {
	ln, host, port := listenTCP(t)
	fakeSocks5Upstream(t, ln, REP_SUCCESS, func(conn net.Conn) {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || strings.TrimSpace(line) == "" {
				break
			}
		}
		io.WriteString(conn, "NOT HTTP AT ALL\r\n")
	})

	prober := newTestProber(t, nil)
	defer prober.Stop()

	errCh := make(chan string, 1)
	s := prober.Create(ProbeHTTP, ProbeTarget{Host: host, Port: port}, 0)
	s.Run(
		func(time.Duration) { t.Error("onOK fired for unparseable status line") },
		func(msg string) { errCh <- msg },
	)

	select {
	case msg := <-errCh:
		if !strings.Contains(msg, "do_http_get") {
			t.Errorf("error message %q does not name the failing step", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onErr never fired")
	}
}

func TestProbeJitterDelay(t *testing.T) {
	prober := newTestProber(t, nil)
	defer prober.Stop()

	// maxJitter为0时没有延迟
	s := prober.Create(ProbeTCP, ProbeTarget{Host: "127.0.0.1", Port: 1}, 0)
	if s.delay != 0 {
		t.Errorf("delay = %v with zero jitter, want 0", s.delay)
	}

	// 延迟落在 [0, maxJitter] 内
	maxJitter := 500 * time.Millisecond
	for i := 0; i < 20; i++ {
		s := prober.Create(ProbeTCP, ProbeTarget{Host: "127.0.0.1", Port: 1}, maxJitter)
		if s.delay < 0 || s.delay > maxJitter {
			t.Errorf("delay = %v outside [0, %v]", s.delay, maxJitter)
		}
		s.Stop()
	}
}
