package imapprobe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/proxypool"
)

// fakeIMAP answers commands via a dispatch function. The function receives
// the command line without its tag and returns the response lines to send;
// "{tag}" placeholders are substituted. Returning nil produces a generic OK.
type fakeIMAP struct {
	ln       net.Listener
	dispatch func(cmd string) []string
}

func startFakeIMAP(t *testing.T, dispatch func(cmd string) []string) *fakeIMAP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeIMAP{ln: ln, dispatch: dispatch}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeIMAP) serve(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintf(conn, "* OK IMAP4rev1 server ready\r\n")
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		tag, cmd, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}

		var lines []string
		if f.dispatch != nil {
			lines = f.dispatch(cmd)
		}
		if lines == nil {
			lines = []string{"{tag} OK done"}
		}
		for _, l := range lines {
			fmt.Fprintf(conn, "%s\r\n", strings.ReplaceAll(l, "{tag}", tag))
		}
		if strings.HasPrefix(strings.ToUpper(cmd), "LOGOUT") {
			return
		}
	}
}

func (f *fakeIMAP) account() *domain.IMAPAccount {
	addr := f.ln.Addr().(*net.TCPAddr)
	return &domain.IMAPAccount{
		ID: "i1", SessionID: "s1",
		Host: addr.IP.String(), Port: addr.Port,
		Email:      "probe@example.com",
		Credential: domain.Credential{Kind: domain.CredentialPassword, Password: "secret"},
	}
}

func dialFake(t *testing.T, f *fakeIMAP) *Client {
	t.Helper()
	tun := proxypool.NewTunneler(5*time.Second, false)
	c, err := Dial(context.Background(), tun, f.account(), DialOptions{Plaintext: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoginSuccessAndFailure(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "LOGIN") {
			if strings.Contains(cmd, `"secret"`) {
				return []string{"{tag} OK logged in"}
			}
			return []string{"{tag} NO [AUTHENTICATIONFAILED] bad credentials"}
		}
		return nil
	})

	c := dialFake(t, f)
	require.NoError(t, c.Login(context.Background(), f.account(), nil))

	c2 := dialFake(t, f)
	bad := f.account()
	bad.Credential.Password = "wrong"
	err := c2.Login(context.Background(), bad, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHENTICATIONFAILED")
}

func TestDiscoverFoldersPlainList(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "NAMESPACE"):
			return []string{`* NAMESPACE (("" "/")) NIL NIL`, "{tag} OK done"}
		case strings.HasPrefix(cmd, `LIST "" "*"`):
			return []string{
				`* LIST (\HasNoChildren) "/" "INBOX"`,
				`* LIST (\HasNoChildren) "/" "Sent"`,
				`* LIST (\Noselect \HasNoChildren) "/" "Calendar"`,
				"{tag} OK done",
			}
		}
		return nil
	})

	c := dialFake(t, f)
	folders, err := c.DiscoverFolders()
	require.NoError(t, err)
	require.Len(t, folders, 3)

	sel := Selectable(folders)
	assert.Len(t, sel, 2)
	assert.Equal(t, "INBOX", sel[0].Decoded)
	assert.Equal(t, "/", sel[0].Delimiter)
}

func TestDiscoverFoldersFallsBackToLSUB(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "NAMESPACE"):
			return []string{"{tag} BAD unknown command"}
		case strings.HasPrefix(cmd, "LIST"):
			return []string{"{tag} OK done"} // empty
		case strings.HasPrefix(cmd, "LSUB"):
			return []string{
				`* LSUB (\HasNoChildren) "." "INBOX"`,
				"{tag} OK done",
			}
		}
		return nil
	})

	c := dialFake(t, f)
	folders, err := c.DiscoverFolders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "INBOX", folders[0].Decoded)
	assert.Equal(t, ".", folders[0].Delimiter)
}

func TestDiscoverFoldersRecursesNoselect(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "NAMESPACE"):
			return []string{`* NAMESPACE (("" "/")) NIL NIL`, "{tag} OK done"}
		case strings.HasPrefix(cmd, `LIST "" "*"`):
			return []string{
				`* LIST (\Noselect \HasChildren) "/" "Mail"`,
				"{tag} OK done",
			}
		case strings.HasPrefix(cmd, `LIST "Mail" "*"`):
			return []string{
				`* LIST (\HasNoChildren) "/" "Mail/INBOX"`,
				`* LIST (\HasNoChildren) "/" "Mail/Sent"`,
				"{tag} OK done",
			}
		}
		return nil
	})

	c := dialFake(t, f)
	folders, err := c.DiscoverFolders()
	require.NoError(t, err)
	assert.Len(t, folders, 3)
	assert.Len(t, Selectable(folders), 2)
}

func TestDiscoverFoldersLiteralName(t *testing.T) {
	name := "Entw&APw-rfe" // Entwürfe
	f := startFakeIMAP(t, func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "NAMESPACE"):
			return []string{"{tag} NO nope"}
		case strings.HasPrefix(cmd, `LIST "" "*"`):
			return []string{
				fmt.Sprintf(`* LIST (\HasNoChildren) "/" {%d}`, len(name)),
				name,
				"{tag} OK done",
			}
		}
		return nil
	})

	c := dialFake(t, f)
	folders, err := c.DiscoverFolders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Entwürfe", folders[0].Decoded)
}

func TestSelectReportsExists(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "SELECT") {
			return []string{
				"* 17 EXISTS",
				"* 2 RECENT",
				`* FLAGS (\Answered \Seen)`,
				"{tag} OK [READ-WRITE] SELECT completed",
			}
		}
		return nil
	})

	c := dialFake(t, f)
	n, err := c.Select("INBOX")
	require.NoError(t, err)
	assert.Equal(t, 17, n)
}

func TestSelectFolderBruteForcesAliases(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "SELECT") {
			if strings.Contains(cmd, `"Spam"`) {
				return []string{"* 3 EXISTS", "{tag} OK done"}
			}
			return []string{"{tag} NO no such mailbox"}
		}
		return nil
	})

	c := dialFake(t, f)
	n, err := c.SelectFolder(nil, "Junk")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFetchSummaries(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "UID SEARCH"):
			return []string{"* SEARCH 4 5", "{tag} OK done"}
		case strings.HasPrefix(cmd, "UID FETCH"):
			return []string{
				`* 1 FETCH (UID 4 FLAGS (\Seen) ENVELOPE ("Mon, 02 Mar 2026 10:00:00 +0000" "Older news" (("Alice" NIL "alice" "example.com")) NIL NIL NIL NIL NIL NIL "<m1@example.com>") BODYSTRUCTURE ("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1) BODY[TEXT]<0> {18}`,
				"hello from   alice)",
				`* 2 FETCH (UID 5 FLAGS (\Flagged) ENVELOPE ("Tue, 03 Mar 2026 10:00:00 +0000" {11}`,
				"Newer 11ch!" + ` (("Bob" NIL "bob" "example.org")) NIL NIL NIL NIL NIL NIL "<m2@example.org>") BODYSTRUCTURE ("TEXT" "PLAIN" NIL NIL NIL "7BIT" 5 1))`,
				"{tag} OK done",
			}
		}
		return nil
	})

	c := dialFake(t, f)
	uids, err := c.SearchAll()
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 5}, uids)

	sums, err := c.FetchSummaries("INBOX", uids, 50, 0)
	require.NoError(t, err)
	require.Len(t, sums, 2)

	// Newest first by envelope date.
	assert.Equal(t, uint32(5), sums[0].UID)
	assert.Equal(t, "Newer 11ch!", sums[0].Subject)
	assert.Equal(t, "bob@example.org", sums[0].Sender)
	assert.True(t, sums[0].IsStarred)
	assert.False(t, sums[0].IsRead)

	assert.Equal(t, uint32(4), sums[1].UID)
	assert.Equal(t, "alice@example.com", sums[1].Sender)
	assert.Equal(t, "Alice", sums[1].SenderName)
	assert.True(t, sums[1].IsRead)
	assert.Equal(t, "hello from alice", sums[1].Preview)
	assert.Equal(t, "INBOX", sums[1].Folder)
}

func TestFetchRawParsesMIME(t *testing.T) {
	raw := strings.Join([]string{
		"From: Alice <alice@example.com>",
		"To: probe@example.com",
		"Subject: raw test",
		"Date: Mon, 02 Mar 2026 10:00:00 +0000",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		"plain body",
		"--b1",
		`Content-Type: text/html; charset="utf-8"`,
		"",
		"<p>html body</p>",
		"--b1--",
		"",
	}, "\r\n")

	f := startFakeIMAP(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "UID FETCH 7") {
			return []string{
				fmt.Sprintf(`* 1 FETCH (UID 7 FLAGS (\Seen) BODY[] {%d}`, len(raw)),
				raw + ")",
				"{tag} OK done",
			}
		}
		return nil
	})

	c := dialFake(t, f)
	full, err := c.FetchRaw("INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, "raw test", full.Subject)
	assert.Equal(t, "alice@example.com", full.Sender)
	assert.Contains(t, full.Text, "plain body")
	assert.Contains(t, full.HTML, "html body")
	assert.True(t, full.IsRead)
	assert.Empty(t, full.Attachments)
}

func TestMarkReadAndDelete(t *testing.T) {
	var mu sync.Mutex
	var stores []string
	f := startFakeIMAP(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "UID STORE") || strings.HasPrefix(cmd, "EXPUNGE") {
			mu.Lock()
			stores = append(stores, cmd)
			mu.Unlock()
		}
		return nil
	})

	c := dialFake(t, f)
	require.NoError(t, c.MarkRead(9, true))
	require.NoError(t, c.MarkRead(9, false))
	require.NoError(t, c.Delete(9))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stores, 4)
	assert.Contains(t, stores[0], `+FLAGS (\Seen)`)
	assert.Contains(t, stores[1], `-FLAGS (\Seen)`)
	assert.Contains(t, stores[2], `+FLAGS (\Deleted)`)
	assert.Equal(t, "EXPUNGE", stores[3])
}

func TestEnsureSystemFoldersCreatesMissing(t *testing.T) {
	var mu sync.Mutex
	var created []string
	f := startFakeIMAP(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "CREATE") {
			mu.Lock()
			created = append(created, cmd)
			mu.Unlock()
			if strings.Contains(cmd, `"Archive"`) {
				return []string{"{tag} NO [ALREADYEXISTS] duplicate"}
			}
		}
		return nil
	})

	c := dialFake(t, f)
	existing := []Folder{
		{Name: "INBOX", Decoded: "INBOX", Delimiter: "/", Selectable: true},
		{Name: "Sent", Decoded: "Sent", Delimiter: "/", Selectable: true},
	}
	out := c.EnsureSystemFolders(existing, "")

	// drafts, trash, spam, archive created; inbox and sent already present.
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, created, 4)
	assert.Len(t, out, 6)
}

func TestXOAUTH2RejectionSurfacesError(t *testing.T) {
	f := startFakeIMAP(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "AUTHENTICATE XOAUTH2") {
			return []string{"+ eyJzdGF0dXMiOiI0MDEifQ==", "{tag} NO [AUTHENTICATIONFAILED] invalid token"}
		}
		return nil
	})

	c := dialFake(t, f)
	err := c.authenticateXOAUTH2("probe@example.com", "badtoken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHENTICATIONFAILED")
}
