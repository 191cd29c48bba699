package imapprobe

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf16"
)

// Modified UTF-7 mailbox name codec per RFC 3501 §5.1.3: "&" shifts into
// modified base64 of UTF-16BE, "-" shifts out, a bare "&" is "&-", and the
// base64 alphabet uses "," in place of "/".
var mutf7 = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").WithPadding(base64.NoPadding)

// EncodeMailbox encodes a mailbox name to modified UTF-7.
func EncodeMailbox(name string) string {
	var b strings.Builder
	var pending []rune
	flush := func() {
		if len(pending) == 0 {
			return
		}
		units := utf16.Encode(pending)
		raw := make([]byte, 0, len(units)*2)
		for _, u := range units {
			raw = append(raw, byte(u>>8), byte(u))
		}
		b.WriteByte('&')
		b.WriteString(mutf7.EncodeToString(raw))
		b.WriteByte('-')
		pending = pending[:0]
	}

	for _, r := range name {
		switch {
		case r == '&':
			flush()
			b.WriteString("&-")
		case r >= 0x20 && r <= 0x7E:
			flush()
			b.WriteRune(r)
		default:
			pending = append(pending, r)
		}
	}
	flush()
	return b.String()
}

// DecodeMailbox decodes a modified UTF-7 mailbox name. Malformed input
// returns an error so callers can fall back to the raw name.
func DecodeMailbox(name string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(name); {
		c := name[i]
		if c != '&' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(name[i+1:], '-')
		if end < 0 {
			return "", fmt.Errorf("unterminated shift sequence in %q", name)
		}
		enc := name[i+1 : i+1+end]
		i += end + 2
		if enc == "" {
			b.WriteByte('&')
			continue
		}
		raw, err := mutf7.DecodeString(enc)
		if err != nil {
			return "", fmt.Errorf("bad base64 in %q: %w", name, err)
		}
		if len(raw)%2 != 0 {
			return "", fmt.Errorf("odd UTF-16 payload in %q", name)
		}
		units := make([]uint16, len(raw)/2)
		for j := range units {
			units[j] = uint16(raw[2*j])<<8 | uint16(raw[2*j+1])
		}
		for _, r := range utf16.Decode(units) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// DecodeMailboxLenient decodes, falling back to the raw name on malformed
// input. Discovery never fails on a single weird mailbox name.
func DecodeMailboxLenient(name string) string {
	if decoded, err := DecodeMailbox(name); err == nil {
		return decoded
	}
	return name
}
