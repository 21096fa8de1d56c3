package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIKeyLine = `const apiKey = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"`

func TestRedactor_NoSecrets(t *testing.T) {
	r, err := NewRedactor(nil)
	require.NoError(t, err)

	content := "package main\n\nfunc main() {\n\tprintln(\"Hello World\")\n}\n"
	out, n := r.Redact(content)
	assert.Equal(t, content, out)
	assert.Zero(t, n)
}

func TestRedactor_RedactsOpenAIKey(t *testing.T) {
	r, err := NewRedactor(nil)
	require.NoError(t, err)

	out, n := r.Redact("line one\n" + openAIKeyLine + "\n")
	require.Positive(t, n)
	assert.NotContains(t, out, "abc123def456ghi789")
	assert.Contains(t, out, "[REDACTED:")
	assert.Contains(t, out, "line one")
	assert.Equal(t, out, r.Scrub("line one\n"+openAIKeyLine+"\n"))
}

func TestNoop(t *testing.T) {
	var s Scrubber = Noop{}
	assert.Equal(t, openAIKeyLine, s.Scrub(openAIKeyLine))
}

func TestLoadAllowlists(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ".gitleaks.toml"), []byte(`
[allowlist]
paths = ["testdata/.*"]
regexes = ["DEMO_API_KEY"]
`), 0600))

	userFile := filepath.Join(t.TempDir(), "allowlist.toml")
	require.NoError(t, os.WriteFile(userFile, []byte(`
[allowlist]
regexes = ["EXAMPLE_TOKEN"]
`), 0600))

	list, err := LoadAllowlists(project, userFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"testdata/.*"}, list.Paths)
	assert.Equal(t, []string{"DEMO_API_KEY", "EXAMPLE_TOKEN"}, list.Regexes)

	list, err = LoadAllowlists(t.TempDir(), filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Empty(t, list.Paths)
	assert.Empty(t, list.Regexes)
}

func TestLoadAllowlists_Invalid(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ".gitleaks.toml"), []byte("not = [valid"), 0600))
	_, err := LoadAllowlists(project, "")
	assert.ErrorIs(t, err, ErrInvalidTOML)

	require.NoError(t, os.WriteFile(filepath.Join(project, ".gitleaks.toml"), []byte("[allowlist]\nregexes = [\"(unclosed\"]\n"), 0600))
	_, err = LoadAllowlists(project, "")
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestRedactor_WithAllowlist(t *testing.T) {
	r, err := NewRedactor(&Allowlist{Regexes: []string{`sk-proj-abc123`}})
	require.NoError(t, err)

	_, n := r.Redact(openAIKeyLine)
	assert.Zero(t, n)
}
