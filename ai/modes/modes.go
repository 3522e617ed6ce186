// Package modes loads the per-mode system prompt templates. A mode named
// "poet" reads {dir}/poet.txt; a missing file means the mode runs without
// a system prompt.
package modes

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const templateExt = ".txt"

// Library hands out mode templates, caching each file after its first
// read. Templates are deployment artifacts, so there is no invalidation;
// ClearCache exists for tests and reload hooks.
type Library struct {
	dir    string
	logger *slog.Logger
	cache  sync.Map
}

// NewLibrary creates a library over dir. The directory may be empty or
// absent; every lookup then resolves to the empty template.
func NewLibrary(dir string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{dir: dir, logger: logger}
}

// Template returns the system prompt for a mode. Unknown modes and
// unreadable files return the empty string.
func (l *Library) Template(mode string) string {
	name := sanitize(mode)
	if name == "" || l.dir == "" {
		return ""
	}
	if cached, ok := l.cache.Load(name); ok {
		return cached.(string)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, name+templateExt))
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("mode template unreadable", "mode", name, "error", err)
		}
		l.cache.Store(name, "")
		return ""
	}

	tpl := strings.TrimSpace(string(data))
	l.cache.Store(name, tpl)
	return tpl
}

// Available lists the modes that have a template on disk.
func (l *Library) Available() []string {
	if l.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != templateExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), templateExt))
	}
	return names
}

// ClearCache drops every cached template.
func (l *Library) ClearCache() {
	l.cache.Clear()
}

// sanitize reduces a mode name to a bare lowercase file stem so lookups
// can never escape the template directory.
func sanitize(mode string) string {
	name := strings.ToLower(strings.TrimSpace(mode))
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
