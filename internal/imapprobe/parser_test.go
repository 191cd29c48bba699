package imapprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseText(t *testing.T, line string) []token {
	t.Helper()
	toks, err := parseSegments([]respSegment{{text: line}})
	require.NoError(t, err)
	return toks
}

func TestParseAtomsAndStrings(t *testing.T) {
	toks := parseText(t, `* LIST (\HasNoChildren) "/" "INBOX"`)
	require.Len(t, toks, 5)
	assert.Equal(t, "*", toks[0].value())
	assert.Equal(t, "LIST", toks[1].value())
	assert.Equal(t, tkList, toks[2].kind)
	assert.Equal(t, `\HasNoChildren`, toks[2].list[0].value())
	assert.Equal(t, "/", toks[3].value())
	assert.Equal(t, "INBOX", toks[4].value())
}

func TestParseNestedListsAndNIL(t *testing.T) {
	toks := parseText(t, `* 1 FETCH (ENVELOPE ("date" NIL (("A" NIL "a" "ex.com"))))`)
	require.Len(t, toks, 4)
	env := toks[3].list
	require.Len(t, env, 2)
	inner := env[1].list
	assert.Equal(t, "date", inner[0].value())
	assert.True(t, inner[1].isNIL())
	addr := inner[2].list[0].list
	assert.Equal(t, "A", addr[0].value())
	assert.Equal(t, "ex.com", addr[3].value())
}

func TestParseQuotedEscapes(t *testing.T) {
	toks := parseText(t, `"say \"hi\" \\now"`)
	require.Len(t, toks, 1)
	assert.Equal(t, `say "hi" \now`, toks[0].value())
}

func TestParseFetchItemAtoms(t *testing.T) {
	toks := parseText(t, `* 2 FETCH (UID 5 BODY[TEXT]<0> "x" RFC822.SIZE 120)`)
	items, ok := fetchItems(toks)
	require.True(t, ok)
	assert.Equal(t, "5", items["UID"].value())
	assert.Equal(t, "x", items["BODY[TEXT]<0>"].value())
	assert.Equal(t, "120", items["RFC822.SIZE"].value())
}

func TestParseLiteralSegment(t *testing.T) {
	toks, err := parseSegments([]respSegment{
		{text: `* LIST (\HasNoChildren) "/" `},
		{text: "A (weird) name", literal: true},
		{text: ""},
	})
	require.NoError(t, err)
	require.Len(t, toks, 5)
	// Literal content is one opaque string even with parens inside.
	assert.Equal(t, "A (weird) name", toks[4].value())
}

func TestParseUnbalancedParen(t *testing.T) {
	_, err := parseSegments([]respSegment{{text: `(a b`}})
	assert.Error(t, err)
	_, err = parseSegments([]respSegment{{text: `a)`}})
	assert.Error(t, err)
}
