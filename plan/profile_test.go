package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileText = `---
name: reviewer
role: Reviews code changes
capabilities:
  - repo.read
  - chat.respond
approval_policy:
  repo.write: require
model:
  provider: anthropic
  routing: priority
  temperature: "0.2"
constraints: never push to main
---
# Reviewer

Review diffs carefully.
`

func TestParseProfile(t *testing.T) {
	profile, err := ParseProfile([]byte(profileText))
	require.NoError(t, err)

	assert.Equal(t, "reviewer", profile.Name)
	assert.Equal(t, "Reviews code changes", profile.Role)
	assert.Equal(t, StringList{"repo.read", "chat.respond"}, profile.Capabilities)
	assert.Equal(t, "require", profile.ApprovalPolicy["repo.write"])

	require.NotNil(t, profile.Model)
	assert.Equal(t, "anthropic", profile.Model.Provider)
	require.NotNil(t, profile.Model.Temperature)
	assert.InDelta(t, 0.2, float64(*profile.Model.Temperature), 1e-9)

	// Scalar constraint coerces to a single-element list.
	assert.Equal(t, StringList{"never push to main"}, profile.Constraints)
	assert.Contains(t, profile.Body, "# Reviewer")
}

func TestParseProfileCRLF(t *testing.T) {
	crlf := "---\r\nname: ops\r\n---\r\nbody here\r\n"
	profile, err := ParseProfile([]byte(crlf))
	require.NoError(t, err)
	assert.Equal(t, "ops", profile.Name)
	assert.Contains(t, profile.Body, "body here")
}

func TestParseProfileErrors(t *testing.T) {
	t.Run("missing front matter", func(t *testing.T) {
		_, err := ParseProfile([]byte("just a body"))
		assert.Error(t, err)
	})

	t.Run("unterminated front matter", func(t *testing.T) {
		_, err := ParseProfile([]byte("---\nname: x\n"))
		assert.Error(t, err)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := ParseProfile([]byte("---\nrole: r\n---\nbody"))
		assert.Error(t, err)
	})

	t.Run("bad temperature", func(t *testing.T) {
		_, err := ParseProfile([]byte("---\nname: x\nmodel:\n  temperature: warm\n---\n"))
		assert.Error(t, err)
	})
}
