package balancer

import (
	"bytes"
	"io"
	"net"
	"testing"
)

// fakeSocks5Server 按脚本应答的假SOCKS5上游
func fakeSocks5Server(t *testing.T, conn net.Conn, expectAuth bool, connectReply byte) {
	t.Helper()

	// greeting
	greeting := make([]byte, 3)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		t.Errorf("server failed to read greeting: %v", err)
		return
	}
	if greeting[0] != SOCKS5_VERSION {
		t.Errorf("greeting version = %d, want %d", greeting[0], SOCKS5_VERSION)
	}

	if expectAuth {
		conn.Write([]byte{SOCKS5_VERSION, AUTH_USERPASS})

		// 用户名密码子协商
		header := make([]byte, 2)
		io.ReadFull(conn, header)
		user := make([]byte, header[1])
		io.ReadFull(conn, user)
		passLen := make([]byte, 1)
		io.ReadFull(conn, passLen)
		pass := make([]byte, passLen[0])
		io.ReadFull(conn, pass)

		if string(user) != "user" || string(pass) != "secret" {
			conn.Write([]byte{0x01, 0x01})
			return
		}
		conn.Write([]byte{0x01, 0x00})
	} else {
		conn.Write([]byte{SOCKS5_VERSION, AUTH_NONE})
	}

	// CONNECT 请求
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Errorf("server failed to read connect request: %v", err)
		return
	}
	switch header[3] {
	case ATYPE_IPV4:
		io.CopyN(io.Discard, conn, 4+2)
	case ATYPE_IPV6:
		io.CopyN(io.Discard, conn, 16+2)
	case ATYPE_DOMAIN:
		lenByte := make([]byte, 1)
		io.ReadFull(conn, lenByte)
		io.CopyN(io.Discard, conn, int64(lenByte[0])+2)
	}

	// 应答，绑定地址 0.0.0.0:0
	conn.Write([]byte{SOCKS5_VERSION, connectReply, 0x00, ATYPE_IPV4, 0, 0, 0, 0, 0, 0})
}

func TestSocks5HandshakeNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeSocks5Server(t, server, false, REP_SUCCESS)

	if err := socks5Handshake(client, "", ""); err != nil {
		t.Fatalf("socks5Handshake() error: %v", err)
	}
	if err := socks5Connect(client, "example.com", 443); err != nil {
		t.Fatalf("socks5Connect() error: %v", err)
	}
}

func TestSocks5HandshakeUserPass(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeSocks5Server(t, server, true, REP_SUCCESS)

	if err := socks5Handshake(client, "user", "secret"); err != nil {
		t.Fatalf("socks5Handshake() with auth error: %v", err)
	}
	if err := socks5Connect(client, "10.0.0.1", 80); err != nil {
		t.Fatalf("socks5Connect() error: %v", err)
	}
}

func TestSocks5ConnectNonSuccessReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeSocks5Server(t, server, false, 0x05) // connection refused

	if err := socks5Handshake(client, "", ""); err != nil {
		t.Fatalf("socks5Handshake() error: %v", err)
	}
	if err := socks5Connect(client, "example.com", 443); err == nil {
		t.Fatal("socks5Connect() with refused reply = nil, want error")
	}
}

func TestSocks5HandshakeNoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		greeting := make([]byte, 3)
		io.ReadFull(server, greeting)
		server.Write([]byte{SOCKS5_VERSION, AUTH_NO_ACCEPT})
	}()

	if err := socks5Handshake(client, "", ""); err == nil {
		t.Fatal("socks5Handshake() = nil, want error for no acceptable method")
	}
}

func TestAddrSpec(t *testing.T) {
	testCases := []struct {
		addr     string
		wantType byte
		wantBody []byte
	}{
		{"192.168.1.1", ATYPE_IPV4, []byte{192, 168, 1, 1}},
		{"example.com", ATYPE_DOMAIN, append([]byte{11}, []byte("example.com")...)},
		{"::1", ATYPE_IPV6, net.ParseIP("::1").To16()},
	}

	for _, tc := range testCases {
		t.Run(tc.addr, func(t *testing.T) {
			atyp, body, err := addrSpec(tc.addr)
			if err != nil {
				t.Fatalf("addrSpec(%q) error: %v", tc.addr, err)
			}
			if atyp != tc.wantType {
				t.Errorf("addrSpec(%q) type = %d, want %d", tc.addr, atyp, tc.wantType)
			}
			if !bytes.Equal(body, tc.wantBody) {
				t.Errorf("addrSpec(%q) body = %v, want %v", tc.addr, body, tc.wantBody)
			}
		})
	}

	// 超长域名
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, _, err := addrSpec(string(long)); err == nil {
		t.Error("addrSpec(long domain) = nil, want error")
	}
}

func TestDrainReply(t *testing.T) {
	testCases := []struct {
		name string
		atyp byte
		body []byte
	}{
		{"ipv4", ATYPE_IPV4, []byte{1, 2, 3, 4, 0, 80}},
		{"ipv6", ATYPE_IPV6, append(make([]byte, 16), 0, 80)},
		{"domain", ATYPE_DOMAIN, append([]byte{4}, []byte("test\x00\x50")...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := bytes.NewReader(tc.body)
			if err := drainReply(r, tc.atyp); err != nil {
				t.Errorf("drainReply() error: %v", err)
			}
			if r.Len() != 0 {
				t.Errorf("drainReply() left %d bytes unread", r.Len())
			}
		})
	}

	if err := drainReply(bytes.NewReader(nil), 0x07); err == nil {
		t.Error("drainReply(unknown atyp) = nil, want error")
	}
}

func TestParseHttpStatusLine(t *testing.T) {
	testCases := []struct {
		line    string
		want    int
		wantErr bool
	}{
		{"HTTP/1.1 200 OK\r\n", 200, false},
		{"HTTP/1.0 301 Moved Permanently\r\n", 301, false},
		{"HTTP/1.1 404\r\n", 404, false},
		{"HTTP/2 502 Bad Gateway", 502, false},
		{"garbage", 0, true},
		{"HTTP/1.1", 0, true},
		{"HTTP/1.1 abc OK", 0, true},
		{"HTTP/1.1 999999 huge", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			code, err := parseHttpStatusLine(tc.line)
			if tc.wantErr {
				if err == nil {
					t.Errorf("parseHttpStatusLine(%q) = %d, want error", tc.line, code)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHttpStatusLine(%q) error: %v", tc.line, err)
			}
			if code != tc.want {
				t.Errorf("parseHttpStatusLine(%q) = %d, want %d", tc.line, code, tc.want)
			}
		})
	}
}
