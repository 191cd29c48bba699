package imapprobe

import (
	"fmt"
	"strings"
)

// tokenKind discriminates parsed IMAP response items.
type tokenKind int

const (
	tkAtom tokenKind = iota
	tkString
	tkList
	tkNIL
)

// token is one parsed item of an IMAP response: an atom, a quoted or literal
// string, NIL, or a parenthesized list.
type token struct {
	kind tokenKind
	str  string
	list []token
}

func (t token) isNIL() bool { return t.kind == tkNIL }

// value returns the string payload of an atom or string token, "" for NIL.
func (t token) value() string {
	if t.kind == tkNIL {
		return ""
	}
	return t.str
}

// respSegment is a chunk of a response line. Literal chunks carry raw bytes
// that must become exactly one string token regardless of content.
type respSegment struct {
	text    string
	literal bool
}

// parseSegments tokenizes a full response line (with literals already pulled
// off the wire) into a flat token sequence.
func parseSegments(segs []respSegment) ([]token, error) {
	p := &segParser{segs: segs}
	var out []token
	for {
		tok, ok, err := p.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, tok)
	}
}

type segParser struct {
	segs []respSegment
	si   int // segment index
	ci   int // char index within text segment
}

func (p *segParser) peekByte() (byte, bool) {
	for p.si < len(p.segs) {
		seg := p.segs[p.si]
		if seg.literal {
			return 0, true // literal boundary acts as a token
		}
		if p.ci < len(seg.text) {
			return seg.text[p.ci], true
		}
		p.si++
		p.ci = 0
	}
	return 0, false
}

func (p *segParser) advance() {
	p.ci++
}

// next returns the next token, reporting ok=false at end of input.
func (p *segParser) next() (token, bool, error) {
	for {
		c, ok := p.peekByte()
		if !ok {
			return token{}, false, nil
		}
		if p.si < len(p.segs) && p.segs[p.si].literal {
			lit := p.segs[p.si].text
			p.si++
			p.ci = 0
			return token{kind: tkString, str: lit}, true, nil
		}
		if c == ' ' {
			p.advance()
			continue
		}
		switch c {
		case '(':
			p.advance()
			lst, err := p.parseList()
			if err != nil {
				return token{}, false, err
			}
			return token{kind: tkList, list: lst}, true, nil
		case ')':
			return token{}, false, fmt.Errorf("unbalanced close paren")
		case '"':
			p.advance()
			s, err := p.parseQuoted()
			if err != nil {
				return token{}, false, err
			}
			return token{kind: tkString, str: s}, true, nil
		default:
			return p.parseAtom(), true, nil
		}
	}
}

func (p *segParser) parseList() ([]token, error) {
	var out []token
	for {
		c, ok := p.peekByte()
		if !ok {
			return nil, fmt.Errorf("unterminated list")
		}
		if p.si < len(p.segs) && p.segs[p.si].literal {
			lit := p.segs[p.si].text
			p.si++
			p.ci = 0
			out = append(out, token{kind: tkString, str: lit})
			continue
		}
		switch c {
		case ' ':
			p.advance()
		case ')':
			p.advance()
			return out, nil
		case '(':
			p.advance()
			inner, err := p.parseList()
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tkList, list: inner})
		case '"':
			p.advance()
			s, err := p.parseQuoted()
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tkString, str: s})
		default:
			out = append(out, p.parseAtom())
		}
	}
}

func (p *segParser) parseQuoted() (string, error) {
	var b strings.Builder
	for {
		c, ok := p.peekByte()
		if !ok {
			return "", fmt.Errorf("unterminated quoted string")
		}
		p.advance()
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			n, ok := p.peekByte()
			if !ok {
				return "", fmt.Errorf("dangling escape in quoted string")
			}
			p.advance()
			b.WriteByte(n)
		default:
			b.WriteByte(c)
		}
	}
}

// parseAtom consumes an unquoted atom. Square brackets stay inside the atom
// so BODY[TEXT]<0> style fetch item names hold together.
func (p *segParser) parseAtom() token {
	var b strings.Builder
	depth := 0
	for {
		c, ok := p.peekByte()
		if !ok {
			break
		}
		if p.si < len(p.segs) && p.segs[p.si].literal {
			break
		}
		if c == '[' {
			depth++
		}
		if c == ']' && depth > 0 {
			depth--
			b.WriteByte(c)
			p.advance()
			continue
		}
		if depth == 0 && (c == ' ' || c == '(' || c == ')' || c == '"') {
			break
		}
		b.WriteByte(c)
		p.advance()
	}
	s := b.String()
	if strings.EqualFold(s, "NIL") {
		return token{kind: tkNIL}
	}
	return token{kind: tkAtom, str: s}
}
