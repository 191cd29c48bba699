package smtpout

import (
	"bytes"
	"fmt"
	"math/rand"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailplane/internal/domain"
)

// Message is a fully prepared outbound email.
type Message struct {
	From     string
	FromName string
	To       string
	Subject  string
	HTML     string
	Text     string

	CampaignID string
	Headers    map[string]string
}

// BuildOptions control the generated headers and body decorations.
type BuildOptions struct {
	CustomMessageID   bool
	UnsubscribeHeader bool
	UnsubscribeURL    string
	TrackingPixelURL  string
}

var userAgents = []string{
	"Mozilla Thunderbird 115.4.1",
	"Microsoft Outlook 16.0",
	"Apple Mail (2.3774.200.91)",
	"eM Client 9.2.2157",
	"Mailbird 3.0.3",
}

// ApplyMacros substitutes recipient macros in subject and bodies. Unknown
// macros are left untouched so pre-flight can detect them.
func (m *Message) ApplyMacros(r domain.Recipient, now time.Time) {
	repl := macroReplacer(m.CampaignID, r, now)
	m.Subject = repl.Replace(m.Subject)
	m.HTML = repl.Replace(m.HTML)
	m.Text = repl.Replace(m.Text)
	m.To = r.Email
}

func macroReplacer(campaignID string, r domain.Recipient, now time.Time) *strings.Replacer {
	pairs := []string{
		"%%FIRST_NAME%%", r.FirstName,
		"%%LAST_NAME%%", r.LastName,
		"%%EMAIL%%", r.Email,
		"%%RANDOM%%", fmt.Sprintf("%04d", rand.Intn(10000)),
		"%%DATE%%", now.Format("2006-01-02"),
		"%%TIME%%", now.Format("15:04:05"),
		"%%CAMPAIGN%%", campaignID,
	}
	for k, v := range r.Custom {
		pairs = append(pairs, "%%"+strings.ToUpper(k)+"%%", v)
	}
	return strings.NewReplacer(pairs...)
}

// UnresolvedMacros returns macro tokens still present after substitution.
func UnresolvedMacros(s string) []string {
	var out []string
	for i := 0; ; {
		start := strings.Index(s[i:], "%%")
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(s[start+2:], "%%")
		if end < 0 {
			break
		}
		out = append(out, s[start:start+2+end+2])
		i = start + 2 + end + 2
	}
	return out
}

// MessageID generates a `<random.timestamp@domain>` identifier.
func MessageID(senderDomain string, now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return fmt.Sprintf("<%s.%d@%s>", random, now.UnixNano(), senderDomain)
}

// Build renders the full RFC 5322 message. Both HTML and text parts go into
// a multipart/related container with a nested multipart/alternative; a
// single-part body is emitted directly.
func (m *Message) Build(senderDomain string, opts BuildOptions, now time.Time) ([]byte, string, error) {
	if m.To == "" {
		return nil, "", fmt.Errorf("message has no recipient")
	}

	var buf bytes.Buffer
	h := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	from := m.From
	if m.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", m.FromName), m.From)
	}
	h("From", from)
	h("To", m.To)
	h("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	h("Date", now.Format(time.RFC1123Z))
	h("MIME-Version", "1.0")

	msgID := ""
	if opts.CustomMessageID {
		msgID = MessageID(senderDomain, now)
		h("Message-ID", msgID)
	}

	h("User-Agent", userAgents[rand.Intn(len(userAgents))])
	h("Precedence", "bulk")
	h("Auto-Submitted", "auto-generated")

	if opts.UnsubscribeHeader {
		unsub := opts.UnsubscribeURL
		if unsub == "" {
			unsub = fmt.Sprintf("mailto:unsubscribe@%s?subject=unsubscribe", senderDomain)
		}
		h("List-Unsubscribe", "<"+unsub+">")
		h("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}

	for k, v := range m.Headers {
		h(k, v)
	}

	html := m.HTML
	if html != "" && opts.TrackingPixelURL != "" {
		html += fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none"/>`, opts.TrackingPixelURL)
	}

	switch {
	case html != "" && m.Text != "":
		if err := writeMultipart(&buf, m.Text, html); err != nil {
			return nil, "", err
		}
	case html != "":
		h("Content-Type", `text/html; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(crlf(html))
	default:
		h("Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(crlf(m.Text))
	}

	return buf.Bytes(), msgID, nil
}

func writeMultipart(buf *bytes.Buffer, text, html string) error {
	related := multipart.NewWriter(buf)
	fmt.Fprintf(buf, "Content-Type: multipart/related; boundary=%q\r\n\r\n", related.Boundary())

	altBoundary := "alt" + strings.ReplaceAll(uuid.New().String(), "-", "")
	altHdr := textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", altBoundary)},
	}
	altPart, err := related.CreatePart(altHdr)
	if err != nil {
		return err
	}

	altInner := multipart.NewWriter(altPart)
	if err := altInner.SetBoundary(altBoundary); err != nil {
		return err
	}
	// text/plain first so clients preferring the last part render HTML.
	tp, err := altInner.CreatePart(textproto.MIMEHeader{"Content-Type": {`text/plain; charset="utf-8"`}})
	if err != nil {
		return err
	}
	if _, err := tp.Write([]byte(crlf(text))); err != nil {
		return err
	}
	hp, err := altInner.CreatePart(textproto.MIMEHeader{"Content-Type": {`text/html; charset="utf-8"`}})
	if err != nil {
		return err
	}
	if _, err := hp.Write([]byte(crlf(html))); err != nil {
		return err
	}
	if err := altInner.Close(); err != nil {
		return err
	}
	return related.Close()
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
