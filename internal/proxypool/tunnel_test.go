package proxypool

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailplane/internal/domain"
)

// startEchoTarget accepts connections and echoes each line back prefixed
// with "echo: ".
func startEchoTarget(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go acceptLoop(ln, func(conn net.Conn) {
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		conn.Write([]byte("echo: " + line))
	})
	t.Cleanup(func() { ln.Close() })
	return ln
}

func acceptLoop(ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handle(conn)
	}
}

func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
}

// startSOCKS5Proxy runs a minimal no-auth SOCKS5 server.
func startSOCKS5Proxy(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go acceptLoop(ln, serveSOCKS5)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func serveSOCKS5(conn net.Conn) {
	// Greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		conn.Close()
		return
	}
	methods := make([]byte, hdr[1])
	io.ReadFull(conn, methods)
	conn.Write([]byte{0x05, 0x00})

	// Request: VER CMD RSV ATYP ...
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		conn.Close()
		return
	}
	var host string
	switch req[3] {
	case 0x01:
		ip := make([]byte, 4)
		io.ReadFull(conn, ip)
		host = net.IP(ip).String()
	case 0x03:
		l := make([]byte, 1)
		io.ReadFull(conn, l)
		name := make([]byte, l[0])
		io.ReadFull(conn, name)
		host = string(name)
	}
	portBuf := make([]byte, 2)
	io.ReadFull(conn, portBuf)
	port := binary.BigEndian.Uint16(portBuf)

	upstream, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		conn.Close()
		return
	}
	conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	relay(conn, upstream)
}

// startSOCKS4Proxy runs a minimal SOCKS4/4a server.
func startSOCKS4Proxy(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go acceptLoop(ln, serveSOCKS4)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func serveSOCKS4(conn net.Conn) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		conn.Close()
		return
	}
	port := binary.BigEndian.Uint16(hdr[2:4])
	ip := net.IP(hdr[4:8])

	br := bufio.NewReader(conn)
	br.ReadString(0) // user id

	host := ip.String()
	// 4a marker: 0.0.0.x with hostname trailing
	if hdr[4] == 0 && hdr[5] == 0 && hdr[6] == 0 && hdr[7] != 0 {
		name, _ := br.ReadString(0)
		host = strings.TrimRight(name, "\x00")
	}

	upstream, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		conn.Write([]byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0})
		conn.Close()
		return
	}
	conn.Write([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
	relay(conn, upstream)
}

// startHTTPConnectProxy runs a minimal CONNECT proxy. If wantAuth is
// non-empty the Proxy-Authorization header must match.
func startHTTPConnectProxy(t *testing.T, wantAuth string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go acceptLoop(ln, func(conn net.Conn) { serveHTTPConnect(conn, wantAuth) })
	t.Cleanup(func() { ln.Close() })
	return ln
}

func serveHTTPConnect(conn net.Conn, wantAuth string) {
	br := bufio.NewReader(conn)
	reqLine, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	parts := strings.Fields(reqLine)
	if len(parts) < 2 || parts[0] != "CONNECT" {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		conn.Close()
		return
	}

	var gotAuth string
	for {
		line, err := br.ReadString('\n')
		if err != nil || strings.TrimSpace(line) == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Proxy-Authorization: "); ok {
			gotAuth = strings.TrimSpace(v)
		}
	}
	if wantAuth != "" && gotAuth != wantAuth {
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
		conn.Close()
		return
	}

	upstream, err := net.Dial("tcp", parts[1])
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		conn.Close()
		return
	}
	conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
	relay(conn, upstream)
}

func proxyFromListener(ln net.Listener, kind domain.ProxyKind) *domain.Proxy {
	addr := ln.Addr().(*net.TCPAddr)
	return &domain.Proxy{
		ID:       "p1",
		Kind:     kind,
		Host:     addr.IP.String(),
		Port:     addr.Port,
		Status:   domain.ProxyValid,
		IsActive: true,
	}
}

func exerciseTunnel(t *testing.T, conn net.Conn) {
	t.Helper()
	defer conn.Close()
	_, err := conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo: hello\n", line)
}

func TestSOCKS5Tunnel(t *testing.T) {
	target := startEchoTarget(t)
	proxyLn := startSOCKS5Proxy(t)
	tgt := target.Addr().(*net.TCPAddr)

	tun := NewTunneler(5*time.Second, true)
	conn, err := tun.OpenTunnel(context.Background(), proxyFromListener(proxyLn, domain.ProxySOCKS5), tgt.IP.String(), tgt.Port)
	require.NoError(t, err)
	exerciseTunnel(t, conn)
}

func TestSOCKS4TunnelByIP(t *testing.T) {
	target := startEchoTarget(t)
	proxyLn := startSOCKS4Proxy(t)
	tgt := target.Addr().(*net.TCPAddr)

	tun := NewTunneler(5*time.Second, true)
	conn, err := tun.OpenTunnel(context.Background(), proxyFromListener(proxyLn, domain.ProxySOCKS4), tgt.IP.String(), tgt.Port)
	require.NoError(t, err)
	exerciseTunnel(t, conn)
}

func TestSOCKS4aTunnelByHostname(t *testing.T) {
	target := startEchoTarget(t)
	proxyLn := startSOCKS4Proxy(t)
	tgt := target.Addr().(*net.TCPAddr)

	tun := NewTunneler(5*time.Second, true)
	conn, err := tun.OpenTunnel(context.Background(), proxyFromListener(proxyLn, domain.ProxySOCKS4), "localhost", tgt.Port)
	require.NoError(t, err)
	exerciseTunnel(t, conn)
}

func TestHTTPConnectTunnel(t *testing.T) {
	target := startEchoTarget(t)
	proxyLn := startHTTPConnectProxy(t, "")
	tgt := target.Addr().(*net.TCPAddr)

	tun := NewTunneler(5*time.Second, true)
	conn, err := tun.OpenTunnel(context.Background(), proxyFromListener(proxyLn, domain.ProxyHTTP), tgt.IP.String(), tgt.Port)
	require.NoError(t, err)
	exerciseTunnel(t, conn)
}

func TestHTTPConnectAuthRejected(t *testing.T) {
	target := startEchoTarget(t)
	proxyLn := startHTTPConnectProxy(t, "Basic dXNlcjpwYXNz") // user:pass
	tgt := target.Addr().(*net.TCPAddr)

	tun := NewTunneler(5*time.Second, true)
	p := proxyFromListener(proxyLn, domain.ProxyHTTP)
	p.Username = "user"
	p.Password = "wrong"

	_, err := tun.OpenTunnel(context.Background(), p, tgt.IP.String(), tgt.Port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "407")
}

func TestDialDirectBlockedUnderLeakPrevention(t *testing.T) {
	tun := NewTunneler(time.Second, true)
	_, err := tun.DialDirect(context.Background(), "127.0.0.1", 25)
	assert.ErrorIs(t, err, ErrDirectEgressBlocked)
}

func TestDialDirectAllowedWithoutLeakPrevention(t *testing.T) {
	target := startEchoTarget(t)
	tgt := target.Addr().(*net.TCPAddr)

	tun := NewTunneler(time.Second, false)
	conn, err := tun.DialDirect(context.Background(), tgt.IP.String(), tgt.Port)
	require.NoError(t, err)
	exerciseTunnel(t, conn)
}

func TestUnsupportedProxyKind(t *testing.T) {
	tun := NewTunneler(time.Second, false)
	_, err := tun.OpenTunnel(context.Background(), &domain.Proxy{Kind: "carrier-pigeon"}, "h", 25)
	assert.Error(t, err)
}
