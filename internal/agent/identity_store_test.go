package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityStoreLoadMissing(t *testing.T) {
	store := NewIdentityStore(filepath.Join(t.TempDir(), "state.json"))

	assert.Equal(t, Identity{}, store.Load())
}

func TestIdentityStoreLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	assert.Equal(t, Identity{}, NewIdentityStore(path).Load())
}

func TestIdentityStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	store := NewIdentityStore(path)

	id := Identity{AgentID: "a1", Token: "t1", RegisteredAt: 1700000000, LastOKTs: 1700000015}
	require.NoError(t, store.Save(id))

	assert.Equal(t, id, store.Load())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(store.Load()))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIdentityStoreSaveCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewIdentityStore(path)

	require.NoError(t, store.Save(Identity{AgentID: "a1", Token: "t1"}))
	require.NoError(t, store.Save(Identity{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
	assert.False(t, store.Load().Valid())
}

func TestIdentityStoreInterruptedWriteKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewIdentityStore(path)

	previous := Identity{AgentID: "a1", Token: "t1"}
	require.NoError(t, store.Save(previous))

	// A crash between writing the temp file and the rename leaves a
	// partial temp file next to the target.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json.tmp-123"), []byte(`{"agent_id":"a2","tok`), 0600))

	assert.Equal(t, previous, store.Load())
}

func TestIdentityStoreFailedRenameRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	// A non-empty directory at the target path makes the rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0700))

	err := NewIdentityStore(path).Save(Identity{AgentID: "a1", Token: "t1"})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestIdentityValid(t *testing.T) {
	assert.True(t, Identity{AgentID: "a", Token: "t"}.Valid())
	assert.False(t, Identity{AgentID: "a"}.Valid())
	assert.False(t, Identity{Token: "t"}.Valid())
	assert.False(t, Identity{}.Valid())
}
