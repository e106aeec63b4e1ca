package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStore_LoadsTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "demand.html", "<p>Dear {{ client_name }}</p>")
	writeTemplate(t, dir, "letters/agreement.md", "# Agreement for {{ client_name }} and {{ counterparty }}")
	writeTemplate(t, dir, "ignore.bin", "binary")

	store, err := NewStore(dir)
	require.NoError(t, err)

	assert.Len(t, store.List(), 2)

	demand, ok := store.Get("demand")
	require.True(t, ok)
	assert.Equal(t, []string{"client_name"}, demand.Variables)

	agreement, ok := store.Get("agreement")
	require.True(t, ok)
	assert.Equal(t, "letters/agreement.md", agreement.Path)
	assert.Equal(t, []string{"client_name", "counterparty"}, agreement.Variables)

	_, ok = store.Get("ignore")
	assert.False(t, ok)
}

func TestStore_ReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "demand.md", "v1 {{ a }}")

	store, err := NewStore(dir)
	require.NoError(t, err)

	writeTemplate(t, dir, "demand.md", "v2 {{ b }}")
	writeTemplate(t, dir, "new.md", "{{ c }}")
	require.NoError(t, store.Reload())

	demand, ok := store.Get("demand")
	require.True(t, ok)
	assert.Equal(t, "v2 {{ b }}", demand.Content)

	_, ok = store.Get("new")
	assert.True(t, ok)
}

func TestStore_CustomPatterns(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "only.tpl", "{{ x }}")
	writeTemplate(t, dir, "skipped.md", "{{ y }}")

	store, err := NewStore(dir, WithPatterns([]string{"**/*.tpl"}))
	require.NoError(t, err)

	_, ok := store.Get("only")
	assert.True(t, ok)
	_, ok = store.Get("skipped")
	assert.False(t, ok)
}
