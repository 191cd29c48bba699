package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailplane/internal/domain"
)

func TestCompileFilterEmptyMatchesAll(t *testing.T) {
	f, err := CompileFilter("")
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, f.Match(domain.Recipient{Email: "x@y.com"}))
}

func TestCompileFilterRejectsBadExpression(t *testing.T) {
	_, err := CompileFilter("domain ==")
	assert.Error(t, err)
}

func TestFilterByDomainAndCustomField(t *testing.T) {
	f, err := CompileFilter(`domain == "example.com" && custom.plan == "premium"`)
	require.NoError(t, err)

	in := []domain.Recipient{
		{Email: "a@example.com", Custom: map[string]string{"plan": "premium"}},
		{Email: "b@example.com", Custom: map[string]string{"plan": "free"}},
		{Email: "c@other.com", Custom: map[string]string{"plan": "premium"}},
		{Email: "d@example.com"}, // no custom map at all
	}
	out := f.Apply(in)
	require.Len(t, out, 1)
	assert.Equal(t, "a@example.com", out[0].Email)
}

func TestFilterOnNames(t *testing.T) {
	f, err := CompileFilter(`first_name != ""`)
	require.NoError(t, err)

	assert.True(t, f.Match(domain.Recipient{Email: "a@x.com", FirstName: "Ada"}))
	assert.False(t, f.Match(domain.Recipient{Email: "b@x.com"}))
}
