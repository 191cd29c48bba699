package imapprobe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ignite/mailplane/internal/pkg/logger"
)

// DumpEntry is one persisted message in a raw dump index.
type DumpEntry struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
	Path   string `json:"path"`
	Size   int    `json:"size"`
	Error  string `json:"error,omitempty"`
}

// DumpIndex summarizes a raw dump run.
type DumpIndex struct {
	Account    string      `json:"account"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Folders    int         `json:"folders"`
	Messages   int         `json:"messages"`
	Errors     int         `json:"errors"`
	Entries    []DumpEntry `json:"entries"`
}

// RawDump walks every selectable folder and writes up to perFolder most
// recent messages as RFC822 files under dir, plus an index.json. Individual
// fetch failures are recorded and skipped; the dump always completes.
func (c *Client) RawDump(account string, dir string, perFolder int, retries int) (*DumpIndex, error) {
	if perFolder <= 0 {
		perFolder = 50
	}
	folders, err := c.DiscoverFolders()
	if err != nil {
		return nil, err
	}
	selectable := Selectable(folders)

	idx := &DumpIndex{Account: account, StartedAt: time.Now(), Folders: len(selectable)}
	for _, f := range selectable {
		if _, err := c.Select(f.Decoded); err != nil {
			idx.Errors++
			idx.Entries = append(idx.Entries, DumpEntry{Folder: f.Decoded, Error: err.Error()})
			continue
		}
		uids, err := c.SearchAll()
		if err != nil {
			idx.Errors++
			idx.Entries = append(idx.Entries, DumpEntry{Folder: f.Decoded, Error: err.Error()})
			continue
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		if len(uids) > perFolder {
			uids = uids[:perFolder]
		}

		folderDir := filepath.Join(dir, sanitizePath(f.Decoded))
		if err := os.MkdirAll(folderDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", folderDir, err)
		}

		for _, uid := range uids {
			entry := c.dumpOne(f.Decoded, folderDir, uid, retries)
			if entry.Error != "" {
				idx.Errors++
			} else {
				idx.Messages++
			}
			idx.Entries = append(idx.Entries, entry)
		}
	}

	idx.FinishedAt = time.Now()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	logger.Info("raw dump finished",
		"account", account, "folders", idx.Folders, "messages", idx.Messages, "errors", idx.Errors)
	return idx, nil
}

func (c *Client) dumpOne(folder, folderDir string, uid uint32, retries int) DumpEntry {
	entry := DumpEntry{Folder: folder, UID: uid}

	var raw []byte
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		full, err := c.fetchRFC822(uid)
		if err == nil {
			raw = full
			break
		}
		lastErr = err
	}
	if raw == nil {
		entry.Error = lastErr.Error()
		return entry
	}

	path := filepath.Join(folderDir, fmt.Sprintf("%d.eml", uid))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.Path = path
	entry.Size = len(raw)
	return entry
}

// fetchRFC822 pulls one message body with the RFC822 fetch item.
func (c *Client) fetchRFC822(uid uint32) ([]byte, error) {
	status, resp, err := c.cmd("UID FETCH %d (UID RFC822)", uid)
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, fmt.Errorf("uid fetch %d rfc822: %s", uid, resp)
	}
	for _, u := range c.untagged("FETCH") {
		items, ok := fetchItems(u.tokens)
		if !ok {
			continue
		}
		for key, val := range items {
			if strings.HasPrefix(key, "RFC822") && val.kind == tkString {
				return []byte(val.value()), nil
			}
		}
	}
	return nil, fmt.Errorf("uid %d: empty RFC822 response", uid)
}

func sanitizePath(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
