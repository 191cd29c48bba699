package imapprobe

import (
	"fmt"
	"strings"

	"github.com/ignite/mailplane/internal/pkg/logger"
)

// Folder is one discovered mailbox.
type Folder struct {
	Name       string // raw wire name (modified UTF-7)
	Decoded    string // human readable
	Delimiter  string
	Flags      []string
	Selectable bool
}

func (f Folder) hasFlag(flag string) bool {
	for _, fl := range f.Flags {
		if strings.EqualFold(fl, flag) {
			return true
		}
	}
	return false
}

// systemFolders maps logical names to the alias spellings seen across
// providers. Matching is case-insensitive on the last path segment.
var systemFolders = map[string][]string{
	"inbox":   {"INBOX"},
	"sent":    {"Sent", "Sent Items", "Sent Mail", "Sent Messages", "Outbox"},
	"drafts":  {"Drafts", "Draft"},
	"trash":   {"Trash", "Deleted", "Deleted Items", "Deleted Messages", "Bin"},
	"spam":    {"Spam", "Junk", "Junk E-mail", "Junk Email", "Bulk Mail"},
	"archive": {"Archive", "Archives", "All Mail"},
}

// canonical CREATE target per logical name.
var canonicalFolder = map[string]string{
	"sent": "Sent", "drafts": "Drafts", "trash": "Trash",
	"spam": "Spam", "archive": "Archive",
}

// Namespace reads the personal namespace prefix and hierarchy delimiter,
// defaulting to "" and "/" when the server does not support NAMESPACE.
func (c *Client) Namespace() (prefix, delimiter string) {
	prefix, delimiter = "", "/"
	status, _, err := c.cmd("NAMESPACE")
	if err != nil || status != "OK" {
		return
	}
	for _, u := range c.untagged("NAMESPACE") {
		// * NAMESPACE (("prefix" "delim")) other shared
		if len(u.tokens) < 3 || u.tokens[2].kind != tkList || len(u.tokens[2].list) == 0 {
			continue
		}
		personal := u.tokens[2].list[0]
		if personal.kind != tkList || len(personal.list) < 2 {
			continue
		}
		prefix = personal.list[0].value()
		if d := personal.list[1].value(); d != "" {
			delimiter = d
		}
	}
	return
}

// DiscoverFolders enumerates mailboxes robustly: LIST "" "*" first, then the
// fallback command ladder, then \Noselect recursion, then INBOX references.
func (c *Client) DiscoverFolders() ([]Folder, error) {
	_, delimiter := c.Namespace()

	folders := c.listWith("LIST", "", "*")
	if len(folders) == 0 {
		for _, try := range []struct{ verb, ref, pattern string }{
			{"LIST", "", ""},
			{"LIST", "", "%"},
			{"LSUB", "", "*"},
			{"XLIST", "", "*"},
		} {
			folders = c.listWith(try.verb, try.ref, try.pattern)
			if len(folders) > 0 {
				break
			}
		}
	}

	// Recurse into container-only entries.
	seen := make(map[string]bool)
	for _, f := range folders {
		seen[f.Name] = true
	}
	queue := folders
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if !f.hasFlag(`\Noselect`) || !f.hasFlag(`\HasChildren`) {
			continue
		}
		for _, child := range c.listWith("LIST", f.Name, "*") {
			if !seen[child.Name] {
				seen[child.Name] = true
				folders = append(folders, child)
				queue = append(queue, child)
			}
		}
	}

	if len(folders) == 0 {
		for _, ref := range []string{"INBOX", "INBOX.", "INBOX/"} {
			folders = c.listWith("LIST", ref, "*")
			if len(folders) > 0 {
				break
			}
		}
	}

	if len(folders) == 0 {
		return nil, fmt.Errorf("folder discovery exhausted every listing strategy")
	}

	for i := range folders {
		if folders[i].Delimiter == "" {
			folders[i].Delimiter = delimiter
		}
	}
	return folders, nil
}

// listWith issues one listing command and parses its untagged responses.
// Failures return an empty set so the ladder can continue.
func (c *Client) listWith(verb, ref, pattern string) []Folder {
	status, _, err := c.cmd("%s %s %s", verb, quoteMailbox(ref), quoteMailbox(pattern))
	if err != nil || status != "OK" {
		return nil
	}

	var out []Folder
	for _, u := range c.untagged(verb) {
		f, ok := parseListResponse(u.tokens)
		if ok {
			out = append(out, f)
		}
	}
	// Some servers answer LSUB/XLIST with plain LIST lines.
	if len(out) == 0 && verb != "LIST" {
		for _, u := range c.untagged("LIST") {
			if f, ok := parseListResponse(u.tokens); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// parseListResponse parses `* LIST (\Flags) "/" name`.
func parseListResponse(toks []token) (Folder, bool) {
	if len(toks) < 5 || toks[2].kind != tkList {
		return Folder{}, false
	}
	var flags []string
	for _, ft := range toks[2].list {
		flags = append(flags, ft.value())
	}
	name := toks[4].value()
	if name == "" {
		return Folder{}, false
	}
	f := Folder{
		Name:      name,
		Decoded:   DecodeMailboxLenient(name),
		Delimiter: toks[3].value(),
		Flags:     flags,
	}
	f.Selectable = !f.hasFlag(`\Noselect`)
	return f, true
}

// Selectable filters out \Noselect entries.
func Selectable(folders []Folder) []Folder {
	var out []Folder
	for _, f := range folders {
		if f.Selectable {
			out = append(out, f)
		}
	}
	return out
}

// FindByLogical resolves a logical name (inbox, sent, trash, ...) against the
// discovered set by matching the last path segment against known aliases.
func FindByLogical(folders []Folder, logical string) (Folder, bool) {
	aliases, ok := systemFolders[strings.ToLower(logical)]
	if !ok {
		// Not a logical name: exact or decoded match.
		for _, f := range folders {
			if f.Name == logical || f.Decoded == logical {
				return f, true
			}
		}
		return Folder{}, false
	}
	for _, alias := range aliases {
		for _, f := range folders {
			if strings.EqualFold(lastSegment(f.Decoded, f.Delimiter), alias) {
				return f, true
			}
		}
	}
	return Folder{}, false
}

func lastSegment(name, delim string) string {
	if delim == "" {
		return name
	}
	if i := strings.LastIndex(name, delim); i >= 0 {
		return name[i+len(delim):]
	}
	return name
}

// EnsureSystemFolders creates canonical folders for any logical name with no
// alias present. ALREADYEXISTS from a racing client counts as created.
func (c *Client) EnsureSystemFolders(folders []Folder, prefix string) []Folder {
	for logical, canonical := range canonicalFolder {
		if _, ok := FindByLogical(folders, logical); ok {
			continue
		}
		name := prefix + canonical
		if err := c.Create(name); err != nil {
			logger.Warn("could not create system folder", "folder", name, "error", err.Error())
			continue
		}
		folders = append(folders, Folder{
			Name: EncodeMailbox(name), Decoded: name, Delimiter: "/", Selectable: true,
		})
	}
	return folders
}

// SelectFolder selects by decoded or raw name, brute-forcing through alias
// spellings when the straight SELECT fails.
func (c *Client) SelectFolder(folders []Folder, name string) (int, error) {
	if n, err := c.Select(name); err == nil {
		return n, nil
	}
	if f, ok := FindByLogical(folders, name); ok {
		if n, err := c.Select(f.Decoded); err == nil {
			return n, nil
		}
	}
	norm := strings.ToLower(lastSegment(name, "/"))
	for logical, aliases := range systemFolders {
		match := logical == norm
		for _, a := range aliases {
			if strings.EqualFold(a, norm) {
				match = true
			}
		}
		if !match {
			continue
		}
		for _, a := range aliases {
			if n, err := c.Select(a); err == nil {
				return n, nil
			}
		}
	}
	return 0, fmt.Errorf("no selectable folder matches %q", name)
}
