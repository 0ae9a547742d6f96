package balancer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	SOCKS5_VERSION = 0x05

	// 命令类型
	CMD_CONNECT = 0x01

	// 地址类型
	ATYPE_IPV4   = 0x01
	ATYPE_DOMAIN = 0x03
	ATYPE_IPV6   = 0x04

	// 认证方法
	AUTH_NONE      = 0x00
	AUTH_USERPASS  = 0x02
	AUTH_NO_ACCEPT = 0xFF

	// 回应状态
	REP_SUCCESS = 0x00
)

// socks5Handshake 对上游执行SOCKS5握手，按需完成用户名密码认证
func socks5Handshake(conn net.Conn, authUser, authPassword string) error {
	authMethod := byte(AUTH_NONE)
	if authUser != "" {
		authMethod = AUTH_USERPASS
	}

	greeting := []byte{SOCKS5_VERSION, 1, authMethod}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("failed to send greeting: %v", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read greeting reply: %v", err)
	}
	if resp[0] != SOCKS5_VERSION {
		return fmt.Errorf("invalid SOCKS5 version in reply: %d", resp[0])
	}
	if resp[1] == AUTH_NO_ACCEPT {
		return fmt.Errorf("no acceptable authentication method")
	}
	if resp[1] != authMethod {
		return fmt.Errorf("unexpected auth method %d, offered %d", resp[1], authMethod)
	}

	if authMethod == AUTH_USERPASS {
		return socks5Auth(conn, authUser, authPassword)
	}
	return nil
}

// socks5Auth 执行用户名密码子协商
func socks5Auth(conn net.Conn, user, pass string) error {
	req := []byte{0x01, byte(len(user))}
	req = append(req, []byte(user)...)
	req = append(req, byte(len(pass)))
	req = append(req, []byte(pass)...)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to send auth request: %v", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read auth reply: %v", err)
	}
	if resp[0] != 0x01 {
		return fmt.Errorf("invalid auth reply version: %d", resp[0])
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("authentication failed with code %d", resp[1])
	}
	return nil
}

// socks5Connect 发送CONNECT请求并校验应答
func socks5Connect(conn net.Conn, targetHost string, targetPort uint16) error {
	req := []byte{SOCKS5_VERSION, CMD_CONNECT, 0x00}
	addrType, addrBody, err := addrSpec(targetHost)
	if err != nil {
		return err
	}
	req = append(req, addrType)
	req = append(req, addrBody...)

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, targetPort)
	req = append(req, portBytes...)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to send connect request: %v", err)
	}

	resp := make([]byte, 4) // VER, REP, RSV, ATYP
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read connect reply: %v", err)
	}
	if resp[0] != SOCKS5_VERSION {
		return fmt.Errorf("invalid SOCKS5 version in connect reply: %d", resp[0])
	}
	if resp[1] != REP_SUCCESS {
		return fmt.Errorf("connect command failed with code %d", resp[1])
	}

	// 丢弃 BND.ADDR 和 BND.PORT
	return drainReply(conn, resp[3])
}

// addrSpec 构造SOCKS5请求中的地址部分
func addrSpec(addr string) (byte, []byte, error) {
	ip := net.ParseIP(addr)
	if ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ATYPE_IPV4, ip4, nil
		}
		return ATYPE_IPV6, ip.To16(), nil
	}

	if len(addr) > 255 {
		return 0, nil, fmt.Errorf("domain name too long: %s", addr)
	}
	return ATYPE_DOMAIN, append([]byte{byte(len(addr))}, []byte(addr)...), nil
}

// drainReply 读取并丢弃SOCKS5应答的剩余部分
func drainReply(conn io.Reader, atyp byte) error {
	var addrLen int
	switch atyp {
	case ATYPE_IPV4:
		addrLen = 4
	case ATYPE_IPV6:
		addrLen = 16
	case ATYPE_DOMAIN:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return fmt.Errorf("failed to read domain length while draining reply: %v", err)
		}
		addrLen = int(lenByte[0])
	default:
		return fmt.Errorf("unknown address type %d in reply", atyp)
	}

	totalLen := addrLen + 2 // +2 for port
	if _, err := io.CopyN(io.Discard, conn, int64(totalLen)); err != nil {
		return fmt.Errorf("failed to drain reply: %v", err)
	}
	return nil
}
