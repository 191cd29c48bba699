package imapprobe

import (
	"fmt"
	"io"
	"mime"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/ignite/mailplane/internal/pkg/logger"
)

// Summary is the envelope-level view of one message.
type Summary struct {
	UID        uint32    `json:"uid"`
	Folder     string    `json:"folder"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name"`
	Subject    string    `json:"subject"`
	Preview    string    `json:"preview"`
	IsRead     bool      `json:"is_read"`
	IsStarred  bool      `json:"is_starred"`
	ReceivedAt time.Time `json:"received_at"`
}

// Attachment describes an attachment without its content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// FullMessage is the parsed raw content of one message.
type FullMessage struct {
	Summary
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments"`
	Raw         []byte       `json:"-"`
}

// SearchAll returns every UID in the selected folder.
func (c *Client) SearchAll() ([]uint32, error) {
	status, resp, err := c.cmd("UID SEARCH ALL")
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, fmt.Errorf("uid search: %s", resp)
	}

	var uids []uint32
	for _, u := range c.untagged("SEARCH") {
		for _, tok := range u.tokens[2:] {
			if n, err := strconv.ParseUint(tok.value(), 10, 32); err == nil {
				uids = append(uids, uint32(n))
			}
		}
	}
	return uids, nil
}

// FetchSummaries fetches envelopes for up to limit most-recent UIDs in the
// selected folder, newest first, deduplicated by (folder, uid).
func (c *Client) FetchSummaries(folder string, uids []uint32, limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	// Highest UIDs are the most recent messages.
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if offset >= len(uids) {
		return nil, nil
	}
	uids = uids[offset:]
	if len(uids) > limit {
		uids = uids[:limit]
	}
	if len(uids) == 0 {
		return nil, nil
	}

	set := uidSet(uids)
	status, resp, err := c.cmd("UID FETCH %s (UID FLAGS ENVELOPE BODYSTRUCTURE BODY.PEEK[TEXT]<0.200>)", set)
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, fmt.Errorf("uid fetch %s: %s", set, resp)
	}

	seen := make(map[uint32]bool)
	var out []Summary
	for _, u := range c.untagged("FETCH") {
		s, ok := parseSummary(u.tokens, folder)
		if !ok || seen[s.UID] {
			continue
		}
		seen[s.UID] = true
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func uidSet(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return strings.Join(parts, ",")
}

// parseSummary walks the FETCH item list: `* 12 FETCH (UID 5 FLAGS (\Seen)
// ENVELOPE (...) ...)`.
func parseSummary(toks []token, folder string) (Summary, bool) {
	items, ok := fetchItems(toks)
	if !ok {
		return Summary{}, false
	}

	s := Summary{Folder: folder}
	for key, val := range items {
		switch {
		case key == "UID":
			if n, err := strconv.ParseUint(val.value(), 10, 32); err == nil {
				s.UID = uint32(n)
			}
		case key == "FLAGS" && val.kind == tkList:
			for _, f := range val.list {
				switch {
				case strings.EqualFold(f.value(), `\Seen`):
					s.IsRead = true
				case strings.EqualFold(f.value(), `\Flagged`):
					s.IsStarred = true
				}
			}
		case key == "ENVELOPE" && val.kind == tkList:
			applyEnvelope(&s, val.list)
		case strings.HasPrefix(key, "BODY[TEXT]"):
			s.Preview = makePreview(val.value())
		}
	}
	if s.UID == 0 {
		return Summary{}, false
	}
	return s, true
}

// fetchItems flattens the key/value pairs of a FETCH response.
func fetchItems(toks []token) (map[string]token, bool) {
	if len(toks) < 4 || !strings.EqualFold(toks[2].value(), "FETCH") || toks[3].kind != tkList {
		return nil, false
	}
	items := make(map[string]token)
	lst := toks[3].list
	for i := 0; i+1 < len(lst); i += 2 {
		items[strings.ToUpper(lst[i].value())] = lst[i+1]
	}
	return items, true
}

// Envelope field order per RFC 3501: date subject from sender reply-to to cc
// bcc in-reply-to message-id.
func applyEnvelope(s *Summary, env []token) {
	if len(env) > 0 && !env[0].isNIL() {
		if at, err := mail.ParseDate(env[0].value()); err == nil {
			s.ReceivedAt = at
		}
	}
	if len(env) > 1 && !env[1].isNIL() {
		s.Subject = decodeHeader(env[1].value())
	}
	if len(env) > 2 && env[2].kind == tkList && len(env[2].list) > 0 {
		addr := env[2].list[0]
		// address: (name adl mailbox host)
		if addr.kind == tkList && len(addr.list) >= 4 {
			s.SenderName = decodeHeader(addr.list[0].value())
			mailbox, host := addr.list[2].value(), addr.list[3].value()
			if mailbox != "" && host != "" {
				s.Sender = mailbox + "@" + host
			}
		}
	}
}

var wordDecoder = mime.WordDecoder{}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func makePreview(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > 120 {
		body = body[:120]
	}
	return body
}

// FetchRaw retrieves the full RFC822 content of one UID and parses it into
// text, HTML and attachment descriptors.
func (c *Client) FetchRaw(folder string, uid uint32) (*FullMessage, error) {
	status, resp, err := c.cmd("UID FETCH %d (UID FLAGS BODY[])", uid)
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, fmt.Errorf("uid fetch %d: %s", uid, resp)
	}

	for _, u := range c.untagged("FETCH") {
		items, ok := fetchItems(u.tokens)
		if !ok {
			continue
		}
		var raw string
		for key, val := range items {
			if strings.HasPrefix(key, "BODY[]") || strings.HasPrefix(key, "RFC822") {
				raw = val.value()
			}
		}
		if raw == "" {
			continue
		}

		full := &FullMessage{Raw: []byte(raw)}
		full.UID = uid
		full.Folder = folder
		if flags, ok := items["FLAGS"]; ok && flags.kind == tkList {
			for _, f := range flags.list {
				if strings.EqualFold(f.value(), `\Seen`) {
					full.IsRead = true
				}
				if strings.EqualFold(f.value(), `\Flagged`) {
					full.IsStarred = true
				}
			}
		}
		parseRawMessage(full)
		return full, nil
	}
	return nil, fmt.Errorf("uid %d not found in %s", uid, folder)
}

// parseRawMessage extracts headers, bodies and attachment descriptors using
// go-message. Parse failures leave the raw bytes intact.
func parseRawMessage(full *FullMessage) {
	entity, err := message.Read(strings.NewReader(string(full.Raw)))
	if err != nil && !message.IsUnknownCharset(err) {
		logger.Debug("unparseable mime message", "uid", full.UID, "error", err.Error())
		return
	}

	hdr := entity.Header
	full.Subject = decodeHeader(hdr.Get("Subject"))
	if from, err := mail.ParseAddress(hdr.Get("From")); err == nil {
		full.Sender = from.Address
		full.SenderName = from.Name
	}
	if at, err := mail.ParseDate(hdr.Get("Date")); err == nil {
		full.ReceivedAt = at
	}

	walkEntity(entity, full)
	if full.Preview == "" {
		full.Preview = makePreview(full.Text)
	}
}

func walkEntity(e *message.Entity, full *FullMessage) {
	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			walkEntity(part, full)
		}
	}

	ct, params, err := e.Header.ContentType()
	if err != nil {
		ct = "text/plain"
	}

	disp, dispParams, _ := e.Header.ContentDisposition()
	if disp == "attachment" || dispParams["filename"] != "" || params["name"] != "" {
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}
		// Descriptor only; the body is drained to measure size, not kept.
		n, _ := io.Copy(io.Discard, e.Body)
		full.Attachments = append(full.Attachments, Attachment{
			Filename:    filename,
			ContentType: ct,
			Size:        int(n),
		})
		return
	}

	switch ct {
	case "text/plain":
		if full.Text == "" {
			b, _ := io.ReadAll(e.Body)
			full.Text = string(b)
		}
	case "text/html":
		if full.HTML == "" {
			b, _ := io.ReadAll(e.Body)
			full.HTML = string(b)
		}
	}
}

// MarkRead sets or clears \Seen on one message.
func (c *Client) MarkRead(uid uint32, read bool) error {
	op := "+FLAGS"
	if !read {
		op = "-FLAGS"
	}
	status, resp, err := c.cmd(`UID STORE %d %s (\Seen)`, uid, op)
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("store %d: %s", uid, resp)
	}
	return nil
}

// Delete flags a message \Deleted and expunges the folder.
func (c *Client) Delete(uid uint32) error {
	status, resp, err := c.cmd(`UID STORE %d +FLAGS (\Deleted)`, uid)
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("store %d: %s", uid, resp)
	}
	status, resp, err = c.cmd("EXPUNGE")
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("expunge: %s", resp)
	}
	return nil
}
