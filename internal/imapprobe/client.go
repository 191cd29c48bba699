// Package imapprobe verifies mailboxes: it authenticates through the proxy
// pool, discovers folders across uncooperative servers, and fetches message
// metadata and raw content.
package imapprobe

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/pkg/logger"
	"github.com/ignite/mailplane/internal/proxypool"
	"github.com/ignite/mailplane/internal/smtpout"
)

// TokenProvider mirrors the dispatcher's: a live OAuth access token per
// account.
type TokenProvider interface {
	IMAPAccessToken(ctx context.Context, account *domain.IMAPAccount) (string, error)
}

// DialOptions configure the connection path.
type DialOptions struct {
	Proxy     *domain.Proxy // nil means direct (refused under leak prevention)
	Timeout   time.Duration
	Plaintext bool // tests only; production is implicit TLS
}

// Client is a single authenticated IMAP connection.
type Client struct {
	conn net.Conn
	br   *bufio.Reader

	tagSeq  int
	timeout time.Duration

	// untagged responses collected during the last command
	lastUntagged []respUnit

	selected string
}

// respUnit is one parsed untagged or continuation response.
type respUnit struct {
	segs   []respSegment
	tokens []token
}

func (u respUnit) text() string {
	var b strings.Builder
	for _, s := range u.segs {
		b.WriteString(s.text)
	}
	return b.String()
}

// Dial connects to the account's IMAP endpoint through the socket factory,
// wraps implicit TLS unless Plaintext, and consumes the server greeting.
func Dial(ctx context.Context, sockets proxypool.SocketFactory, account *domain.IMAPAccount, opts DialOptions) (*Client, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn net.Conn
	var err error
	if opts.Proxy != nil {
		conn, err = sockets.OpenTunnel(dialCtx, opts.Proxy, account.Host, account.Port)
	} else {
		conn, err = sockets.DialDirect(dialCtx, account.Host, account.Port)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s:%d: %w", account.Host, account.Port, err)
	}

	if !opts.Plaintext {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: account.Host})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("imap tls %s: %w", account.Host, err)
		}
		conn = tlsConn
	}

	c := &Client{conn: conn, br: bufio.NewReader(conn), timeout: timeout}
	c.deadline()

	greeting, err := c.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("imap greeting: %w", err)
	}
	text := ""
	for _, s := range greeting {
		text += s.text
	}
	if !strings.HasPrefix(text, "* OK") && !strings.HasPrefix(text, "* PREAUTH") {
		conn.Close()
		return nil, fmt.Errorf("unexpected imap greeting: %s", strings.TrimSpace(text))
	}
	return c, nil
}

func (c *Client) deadline() {
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
}

// Close logs out and closes the socket.
func (c *Client) Close() error {
	_, _, _ = c.cmd("LOGOUT")
	return c.conn.Close()
}

var literalSuffix = regexp.MustCompile(`\{(\d+)\}$`)

// readLine reads one response line, pulling in any {N} literals it announces.
func (c *Client) readLine() ([]respSegment, error) {
	var segs []respSegment
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		m := literalSuffix.FindStringSubmatch(line)
		if m == nil {
			segs = append(segs, respSegment{text: line})
			return segs, nil
		}

		n, err := strconv.Atoi(m[1])
		if err != nil || n < 0 || n > 64<<20 {
			return nil, fmt.Errorf("bad literal size %q", m[1])
		}
		segs = append(segs, respSegment{text: strings.TrimSuffix(line, m[0])})

		buf := make([]byte, n)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, fmt.Errorf("literal read: %w", err)
		}
		segs = append(segs, respSegment{text: string(buf), literal: true})
	}
}

// cmd sends a tagged command and collects responses until the tag answers.
// Returns the status word (OK/NO/BAD) and the tagged response text.
func (c *Client) cmd(format string, args ...interface{}) (string, string, error) {
	c.tagSeq++
	tag := fmt.Sprintf("A%03d", c.tagSeq)
	line := fmt.Sprintf(format, args...)

	c.deadline()
	if _, err := fmt.Fprintf(c.conn, "%s %s\r\n", tag, line); err != nil {
		return "", "", fmt.Errorf("imap write: %w", err)
	}

	c.lastUntagged = c.lastUntagged[:0]
	for {
		segs, err := c.readLine()
		if err != nil {
			return "", "", fmt.Errorf("imap read: %w", err)
		}
		text := respUnit{segs: segs}.text()

		if strings.HasPrefix(text, tag+" ") {
			rest := strings.TrimPrefix(text, tag+" ")
			status := rest
			if i := strings.IndexByte(rest, ' '); i > 0 {
				status = rest[:i]
			}
			return strings.ToUpper(status), rest, nil
		}
		if strings.HasPrefix(text, "+") {
			// Unexpected continuation outside an auth exchange: answer with
			// an empty line to abort.
			fmt.Fprintf(c.conn, "\r\n")
			continue
		}
		c.lastUntagged = append(c.lastUntagged, respUnit{segs: segs})
	}
}

// untagged parses and returns the untagged responses of the last command
// whose first atoms match the given keyword (e.g. "LIST", "FETCH").
func (c *Client) untagged(keyword string) []respUnit {
	var out []respUnit
	for i := range c.lastUntagged {
		u := &c.lastUntagged[i]
		if u.tokens == nil {
			toks, err := parseSegments(u.segs)
			if err != nil {
				logger.Debug("unparseable imap response", "line", u.text(), "error", err.Error())
				continue
			}
			u.tokens = toks
		}
		// "* LIST ..." or "* 12 FETCH ..."
		if len(u.tokens) >= 2 && u.tokens[0].value() == "*" {
			if strings.EqualFold(u.tokens[1].value(), keyword) {
				out = append(out, *u)
				continue
			}
			if len(u.tokens) >= 3 && strings.EqualFold(u.tokens[2].value(), keyword) {
				out = append(out, *u)
			}
		}
	}
	return out
}

func quoteMailbox(name string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
}

// Login authenticates with LOGIN or AUTHENTICATE XOAUTH2 depending on the
// account credential.
func (c *Client) Login(ctx context.Context, account *domain.IMAPAccount, tokens TokenProvider) error {
	cred := account.Credential
	if cred.Kind == domain.CredentialOAuth {
		if tokens == nil {
			return fmt.Errorf("oauth account %s but no token provider", account.Email)
		}
		tok, err := tokens.IMAPAccessToken(ctx, account)
		if err != nil {
			return fmt.Errorf("oauth token for %s: %w", account.Email, err)
		}
		return c.authenticateXOAUTH2(account.Email, tok)
	}

	status, resp, err := c.cmd("LOGIN %s %s", quoteMailbox(account.Email), quoteMailbox(cred.Password))
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("imap login rejected: %s", resp)
	}
	return nil
}

func (c *Client) authenticateXOAUTH2(email, token string) error {
	c.tagSeq++
	tag := fmt.Sprintf("A%03d", c.tagSeq)
	c.deadline()
	if _, err := fmt.Fprintf(c.conn, "%s AUTHENTICATE XOAUTH2 %s\r\n", tag, smtpout.XOAUTH2String(email, token)); err != nil {
		return fmt.Errorf("imap write: %w", err)
	}

	for {
		segs, err := c.readLine()
		if err != nil {
			return fmt.Errorf("imap read: %w", err)
		}
		text := respUnit{segs: segs}.text()
		switch {
		case strings.HasPrefix(text, tag+" OK"):
			return nil
		case strings.HasPrefix(text, tag+" "):
			return fmt.Errorf("xoauth2 rejected: %s", strings.TrimPrefix(text, tag+" "))
		case strings.HasPrefix(text, "+"):
			// Error challenge blob; empty line surfaces the tagged NO.
			fmt.Fprintf(c.conn, "\r\n")
		}
	}
}

// Capability returns the server capability atoms, uppercased.
func (c *Client) Capability() (map[string]bool, error) {
	status, resp, err := c.cmd("CAPABILITY")
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, fmt.Errorf("capability: %s", resp)
	}
	caps := make(map[string]bool)
	for _, u := range c.untagged("CAPABILITY") {
		for _, tok := range u.tokens[2:] {
			caps[strings.ToUpper(tok.value())] = true
		}
	}
	return caps, nil
}

// Select opens a mailbox read-write and returns its EXISTS count.
func (c *Client) Select(name string) (int, error) {
	status, resp, err := c.cmd("SELECT %s", quoteMailbox(EncodeMailbox(name)))
	if err != nil {
		return 0, err
	}
	if status != "OK" {
		return 0, fmt.Errorf("select %q: %s", name, resp)
	}
	c.selected = name

	exists := 0
	for _, u := range c.lastUntagged {
		toks, err := parseSegments(u.segs)
		if err != nil || len(toks) < 3 {
			continue
		}
		if strings.EqualFold(toks[2].value(), "EXISTS") {
			exists, _ = strconv.Atoi(toks[1].value())
		}
	}
	return exists, nil
}

// Create makes a mailbox. ALREADYEXISTS counts as success.
func (c *Client) Create(name string) error {
	status, resp, err := c.cmd("CREATE %s", quoteMailbox(EncodeMailbox(name)))
	if err != nil {
		return err
	}
	if status == "OK" {
		return nil
	}
	if strings.Contains(strings.ToUpper(resp), "ALREADYEXISTS") ||
		strings.Contains(strings.ToLower(resp), "already exists") {
		return nil
	}
	return fmt.Errorf("create %q: %s", name, resp)
}
