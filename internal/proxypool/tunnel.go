package proxypool

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/ignite/mailplane/internal/domain"
)

// ErrDirectEgressBlocked is returned when code attempts a direct socket while
// leak prevention is on. Hitting it is a programming error, not a network
// condition, so it is never retried.
var ErrDirectEgressBlocked = fmt.Errorf("direct egress blocked: leak prevention is enabled")

// SocketFactory is the single egress path for SMTP and IMAP connections.
// When leak prevention is enabled every socket must come from OpenTunnel;
// DialDirect fails fast.
type SocketFactory interface {
	OpenTunnel(ctx context.Context, p *domain.Proxy, targetHost string, targetPort int) (net.Conn, error)
	DialDirect(ctx context.Context, targetHost string, targetPort int) (net.Conn, error)
}

// Tunneler implements SocketFactory over SOCKS4, SOCKS5 and HTTP CONNECT
// proxies.
type Tunneler struct {
	timeout        time.Duration
	leakPrevention bool

	// dial is swappable in tests to pin the underlying TCP connection.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTunneler creates a tunneler. timeout bounds the full handshake, not just
// the TCP connect.
func NewTunneler(timeout time.Duration, leakPrevention bool) *Tunneler {
	d := &net.Dialer{Timeout: timeout}
	return &Tunneler{
		timeout:        timeout,
		leakPrevention: leakPrevention,
		dial:           d.DialContext,
	}
}

// OpenTunnel connects to the proxy and performs the protocol handshake for
// the target, returning a stream socket connected end to end.
func (t *Tunneler) OpenTunnel(ctx context.Context, p *domain.Proxy, targetHost string, targetPort int) (net.Conn, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	switch p.Kind {
	case domain.ProxySOCKS5:
		return t.openSOCKS5(ctx, p, targetHost, targetPort)
	case domain.ProxySOCKS4:
		return t.openSOCKS4(ctx, p, targetHost, targetPort)
	case domain.ProxyHTTP:
		return t.openHTTPConnect(ctx, p, targetHost, targetPort)
	default:
		return nil, fmt.Errorf("unsupported proxy kind %q", p.Kind)
	}
}

// DialDirect opens a plain TCP connection. Refused when leak prevention is
// enabled.
func (t *Tunneler) DialDirect(ctx context.Context, targetHost string, targetPort int) (net.Conn, error) {
	if t.leakPrevention {
		return nil, ErrDirectEgressBlocked
	}
	return t.dial(ctx, "tcp", net.JoinHostPort(targetHost, strconv.Itoa(targetPort)))
}

func (t *Tunneler) openSOCKS5(ctx context.Context, p *domain.Proxy, host string, port int) (net.Conn, error) {
	var auth *xproxy.Auth
	if p.Username != "" {
		auth = &xproxy.Auth{User: p.Username, Password: p.Password}
	}

	d, err := xproxy.SOCKS5("tcp", p.Addr(), auth, dialFunc(t.dial))
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", p.Addr(), err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer for %s lacks context support", p.Addr())
	}
	conn, err := cd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("socks5 tunnel via %s: %w", p.Addr(), err)
	}
	return conn, nil
}

// openSOCKS4 speaks SOCKS4 directly; x/net only covers SOCKS5. For hostname
// targets the 4a extension is used (invalid IP 0.0.0.1 plus trailing
// hostname), which every surviving SOCKS4 proxy understands.
func (t *Tunneler) openSOCKS4(ctx context.Context, p *domain.Proxy, host string, port int) (net.Conn, error) {
	conn, err := t.dial(ctx, "tcp", p.Addr())
	if err != nil {
		return nil, fmt.Errorf("socks4 connect %s: %w", p.Addr(), err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, uint16(port))

	ip := net.ParseIP(host)
	socks4a := ip == nil || ip.To4() == nil
	if socks4a {
		req = append(req, 0, 0, 0, 1)
	} else {
		req = append(req, ip.To4()...)
	}
	req = append(req, []byte(p.Username)...)
	req = append(req, 0)
	if socks4a {
		req = append(req, []byte(host)...)
		req = append(req, 0)
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 request via %s: %w", p.Addr(), err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 response via %s: %w", p.Addr(), err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("socks4 tunnel via %s refused: code 0x%02X", p.Addr(), resp[1])
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (t *Tunneler) openHTTPConnect(ctx context.Context, p *domain.Proxy, host string, port int) (net.Conn, error) {
	conn, err := t.dial(ctx, "tcp", p.Addr())
	if err != nil {
		return nil, fmt.Errorf("http proxy connect %s: %w", p.Addr(), err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if p.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http CONNECT via %s: %w", p.Addr(), err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http CONNECT response via %s: %w", p.Addr(), err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("http CONNECT via %s refused: %s", p.Addr(), resp.Status)
	}
	if br.Buffered() > 0 {
		// Bytes the proxy pushed after the 200 belong to the tunnel stream.
		peeked, _ := br.Peek(br.Buffered())
		conn = &bufferedConn{Conn: conn, buffered: peeked}
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// bufferedConn replays bytes that were read past the CONNECT response.
type bufferedConn struct {
	net.Conn
	buffered []byte
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	if len(c.buffered) > 0 {
		n := copy(b, c.buffered)
		c.buffered = c.buffered[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// dialFunc adapts a dial closure to the x/net proxy dialer interfaces.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialFunc) Dial(network, addr string) (net.Conn, error) {
	return f(context.Background(), network, addr)
}

func (f dialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}
