package modes

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLibrary_Template(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "poet.txt", "You are a poet.\n\n")
	l := NewLibrary(dir, testLogger())

	t.Run("reads and trims the template", func(t *testing.T) {
		assert.Equal(t, "You are a poet.", l.Template("poet"))
	})

	t.Run("normalizes the mode name", func(t *testing.T) {
		assert.Equal(t, "You are a poet.", l.Template("  POET "))
	})

	t.Run("missing template is empty", func(t *testing.T) {
		assert.Empty(t, l.Template("sage"))
	})

	t.Run("empty mode name is empty", func(t *testing.T) {
		assert.Empty(t, l.Template(""))
	})
}

func TestLibrary_NoDirectory(t *testing.T) {
	l := NewLibrary("", testLogger())
	assert.Empty(t, l.Template("poet"))
	assert.Nil(t, l.Available())
}

func TestLibrary_CachesTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "greeter.txt", "v1")
	l := NewLibrary(dir, testLogger())

	assert.Equal(t, "v1", l.Template("greeter"))

	writeTemplate(t, dir, "greeter.txt", "v2")
	assert.Equal(t, "v1", l.Template("greeter"), "first read should be cached")

	l.ClearCache()
	assert.Equal(t, "v2", l.Template("greeter"))
}

func TestLibrary_CachesMisses(t *testing.T) {
	dir := t.TempDir()
	l := NewLibrary(dir, testLogger())

	assert.Empty(t, l.Template("ghost"))

	writeTemplate(t, dir, "ghost.txt", "now I exist")
	assert.Empty(t, l.Template("ghost"), "miss should be cached")

	l.ClearCache()
	assert.Equal(t, "now I exist", l.Template("ghost"))
}

func TestLibrary_Available(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "poet.txt", "a")
	writeTemplate(t, dir, "sage.txt", "b")
	writeTemplate(t, dir, "notes.md", "not a template")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	l := NewLibrary(dir, testLogger())
	assert.ElementsMatch(t, []string{"poet", "sage"}, l.Available())
}

func TestLibrary_LookupsStayInsideDirectory(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "modes")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("top secret"), 0o600))

	l := NewLibrary(dir, testLogger())
	assert.Empty(t, l.Template("../secret"))
	assert.Empty(t, l.Template(".."))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"poet", "poet"},
		{"Poet", "poet"},
		{" RAW name ", "rawname"},
		{"mixed-Case_2", "mixed-case_2"},
		{"../../etc/passwd", "passwd"},
		{"a/b", "b"},
		{"..", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, sanitize(tc.in), "sanitize(%q)", tc.in)
	}
}
