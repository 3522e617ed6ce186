package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessChecker_Lists(t *testing.T) {
	dir := allowListDir(t, []string{"1001", "1002"}, []string{"1002"})
	a, err := NewAccessChecker(dir, "", testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, a.CheckAccess(ctx, "1001", "alice"))
	assert.True(t, a.CheckAccess(ctx, "1002", "bob"))
	assert.False(t, a.CheckAccess(ctx, "2002", "mallory"))

	assert.True(t, a.IsPremium(ctx, "1002"))
	assert.False(t, a.IsPremium(ctx, "1001"))
	assert.False(t, a.IsPremium(ctx, "2002"))
}

func TestAccessChecker_AdminBypass(t *testing.T) {
	dir := allowListDir(t, nil, nil)
	a, err := NewAccessChecker(dir, "AdminChat", testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, a.CheckAccess(ctx, "adminchat", "root"), "admin id matches case-insensitively")
	assert.True(t, a.CheckAccess(ctx, "ADMINCHAT", "root"))
	assert.False(t, a.CheckAccess(ctx, "someone", "else"))
}

func TestAccessChecker_MissingFiles(t *testing.T) {
	a, err := NewAccessChecker(t.TempDir(), "", testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, a.CheckAccess(ctx, "1001", "alice"), "missing lists mean empty lists")
	assert.False(t, a.IsPremium(ctx, "1001"))
}

func TestAccessChecker_TrimsAndSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	content := " spaced \n\n\tsecond\t\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, allowedListFile), []byte(content), 0o600))

	a, err := NewAccessChecker(dir, "", testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, a.CheckAccess(ctx, "spaced", "alice"))
	assert.True(t, a.CheckAccess(ctx, "second", "bob"))
	assert.False(t, a.CheckAccess(ctx, "", "carol"))
}

func TestAccessChecker_MemoisesVisitors(t *testing.T) {
	dir := allowListDir(t, []string{"1001"}, nil)
	a, err := NewAccessChecker(dir, "", testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, a.CheckAccess(ctx, "1001", "alice"))

	v, ok := a.Visitor("1001")
	require.True(t, ok)
	assert.True(t, v.AccessGranted)
	assert.Equal(t, "alice", v.Username)
	first := v.LatestAccessAt

	// Repeats refresh the memoised visitor.
	require.True(t, a.CheckAccess(ctx, "1001", "bob"))
	v, ok = a.Visitor("1001")
	require.True(t, ok)
	assert.Equal(t, "bob", v.Username)
	assert.False(t, v.LatestAccessAt.Before(first))

	// The username placeholder never overwrites a real one.
	require.True(t, a.CheckAccess(ctx, "1001", "_"))
	v, _ = a.Visitor("1001")
	assert.Equal(t, "bob", v.Username)

	// The decision is cached: removing the list does not revoke it.
	require.NoError(t, os.Remove(filepath.Join(dir, allowedListFile)))
	assert.True(t, a.CheckAccess(ctx, "1001", "bob"))
}

func TestAccessChecker_LoadsListsOnce(t *testing.T) {
	dir := allowListDir(t, []string{"1001"}, nil)
	a, err := NewAccessChecker(dir, "", testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, a.CheckAccess(ctx, "1001", "alice"))

	// A chat added after the first load is not picked up.
	writeIDFile(t, dir, allowedListFile, []string{"1001", "3003"})
	assert.False(t, a.CheckAccess(ctx, "3003", "carol"))
}
