// Package smtpout delivers individual messages through rotating accounts and
// proxy tunnels, classifying every failure for the retry layer.
package smtpout

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/ignite/mailplane/internal/config"
	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/pkg/logger"
	"github.com/ignite/mailplane/internal/proxypool"
)

// connectRetriesPerHost bounds reconnect attempts on refused connections
// before moving to the next candidate host.
const connectRetriesPerHost = 2

// SendResult reports a delivered message. SPFMismatch flags a delivery whose
// egress IP is definitely absent from the sender domain's SPF record; the
// message was still accepted, so the flag is advisory.
type SendResult struct {
	MessageID    string
	Host         string
	ResponseTime time.Duration
	EgressIP     string
	SPFMismatch  bool
}

// Dispatcher sends single messages. It never opens a direct socket when the
// socket factory enforces leak prevention.
type Dispatcher struct {
	sockets  proxypool.SocketFactory
	cfg      config.SMTPConfig
	tokens   TokenProvider
	resolver Resolver
	spf      TXTResolver

	now func() time.Time
}

// NewDispatcher wires a dispatcher. tokens may be nil when no account uses
// OAuth.
func NewDispatcher(sockets proxypool.SocketFactory, cfg config.SMTPConfig, tokens TokenProvider) *Dispatcher {
	return &Dispatcher{
		sockets:  sockets,
		cfg:      cfg,
		tokens:   tokens,
		resolver: net.DefaultResolver,
		spf:      net.DefaultResolver,
		now:      time.Now,
	}
}

// Send delivers msg via the account, tunneling through proxy when given.
// A nil proxy means direct egress, which the socket factory refuses under
// leak prevention.
func (d *Dispatcher) Send(ctx context.Context, account *domain.SMTPAccount, proxy *domain.Proxy, msg *Message) (*SendResult, *SendError) {
	hosts, err := CandidateHosts(ctx, d.resolver, account.Host, account.Domain(), d.cfg.FallbackHosts)
	if err != nil {
		return nil, sendErr(KindConnect, err)
	}

	raw, msgID, err := msg.Build(account.Domain(), BuildOptions{
		CustomMessageID:   d.cfg.CustomMessageID,
		UnsubscribeHeader: d.cfg.UnsubscribeHeader,
		TrackingPixelURL:  d.cfg.TrackingPixelURL,
	}, d.now())
	if err != nil {
		return nil, sendErr(KindUnknown, err)
	}

	start := d.now()
	var lastErr *SendError
	for _, host := range hosts {
		for attempt := 0; attempt < connectRetriesPerHost; attempt++ {
			res, serr := d.sendViaHost(ctx, account, proxy, host, raw, msg)
			if serr == nil {
				res.MessageID = msgID
				res.Host = host
				res.ResponseTime = d.now().Sub(start)
				if res.EgressIP != "" {
					res.SPFMismatch = !CheckSPF(ctx, d.spf, account.Domain(), res.EgressIP)
				}
				return res, nil
			}
			lastErr = serr
			// Only connection-level failures justify another host or
			// another dial; protocol and auth failures will repeat.
			if serr.Kind != KindConnect {
				return nil, serr
			}
		}
	}
	if lastErr == nil {
		lastErr = sendErr(KindConnect, fmt.Errorf("no candidate host for %s", account.Email))
	}
	return nil, lastErr
}

func (d *Dispatcher) sendViaHost(ctx context.Context, account *domain.SMTPAccount, proxy *domain.Proxy, host string, raw []byte, msg *Message) (*SendResult, *SendError) {
	timeout := d.cfg.DefaultTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.dial(ctx, proxy, host, account.Port)
	if err != nil {
		return nil, Classify(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(d.now().Add(timeout))

	// The address the receiving MTA sees: the proxy exit, or our own socket
	// when dialing direct.
	egress := ""
	if proxy != nil {
		egress = proxy.Host
	} else if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		egress = addr.IP.String()
	}

	// Close the socket on cancellation to abort blocked reads.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	implicitTLS := account.Port == 465
	if implicitTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, sendErr(KindTLS, err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, Classify(err)
	}
	defer client.Close()

	if err := client.Hello(d.cfg.HeloHost); err != nil {
		return nil, Classify(err)
	}

	if !implicitTLS && !d.cfg.DisableTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return nil, sendErr(KindTLS, fmt.Errorf("server %s does not offer STARTTLS", host))
		}
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return nil, sendErr(KindTLS, err)
		}
	}

	auth, serr := d.authFor(ctx, account)
	if serr != nil {
		return nil, serr
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return nil, sendErr(KindAuth, err)
		}
	}

	if err := client.Mail(account.Email); err != nil {
		return nil, Classify(err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return nil, Classify(err)
	}
	w, err := client.Data()
	if err != nil {
		return nil, Classify(err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, Classify(err)
	}
	if err := w.Close(); err != nil {
		return nil, Classify(err)
	}
	if err := client.Quit(); err != nil {
		logger.Debug("smtp quit failed after accepted DATA", "host", host, "error", err.Error())
	}

	return &SendResult{EgressIP: egress}, nil
}

func (d *Dispatcher) dial(ctx context.Context, proxy *domain.Proxy, host string, port int) (net.Conn, error) {
	if proxy != nil {
		return d.sockets.OpenTunnel(ctx, proxy, host, port)
	}
	return d.sockets.DialDirect(ctx, host, port)
}

func (d *Dispatcher) authFor(ctx context.Context, account *domain.SMTPAccount) (smtp.Auth, *SendError) {
	cred := account.Credential
	switch cred.Kind {
	case domain.CredentialOAuth:
		if d.tokens == nil {
			return nil, sendErr(KindAuth, fmt.Errorf("oauth account %s but no token provider", account.Email))
		}
		tok, err := d.tokens.AccessToken(ctx, account)
		if err != nil {
			return nil, sendErr(KindAuth, err)
		}
		return XOAUTH2Auth(account.Email, tok), nil
	default:
		if cred.Password == "" {
			// Unauthenticated relay: some internal MTAs accept sender IPs
			// without SASL.
			return nil, nil
		}
		return LoginAuth(account.Email, cred.Password), nil
	}
}

// CheckConnection validates an account's credentials with a direct
// EHLO+STARTTLS+AUTH+QUIT exchange. Used by test_connection and the mock
// pre-flight; bypasses the proxy on purpose, via the factory's direct path.
func (d *Dispatcher) CheckConnection(ctx context.Context, account *domain.SMTPAccount) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CheckTimeout())
	defer cancel()

	hosts, err := CandidateHosts(ctx, d.resolver, account.Host, account.Domain(), d.cfg.FallbackHosts)
	if err != nil {
		return 0, err
	}
	host := hosts[0]

	start := d.now()
	conn, err := d.sockets.DialDirect(ctx, host, account.Port)
	if err != nil {
		return 0, Classify(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(d.now().Add(d.cfg.CheckTimeout()))

	if account.Port == 465 {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return 0, sendErr(KindTLS, err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return 0, Classify(err)
	}
	defer client.Close()

	if err := client.Hello(d.cfg.HeloHost); err != nil {
		return 0, Classify(err)
	}
	if account.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return 0, sendErr(KindTLS, err)
			}
		}
	}

	auth, serr := d.authFor(ctx, account)
	if serr != nil {
		return 0, serr
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return 0, sendErr(KindAuth, err)
		}
	}
	_ = client.Quit()

	return d.now().Sub(start), nil
}
