package ledger

import (
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewStore(fs, "data/history.json", nil), fs
}

func TestStoreLoadMissingFile(t *testing.T) {
	store, _ := newTestStore(t)

	snap, migrated, err := store.Load()
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Empty(t, snap.Tracks)
	assert.True(t, snap.Settings.PreventDuplicates)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	snap := emptySnapshot()
	snap.Tracks["12345"] = Entry{
		SourceType:   "manual",
		SourceName:   "My Mix",
		DownloadDate: "2026-01-02T03:04:05Z",
	}
	snap.Settings.PreventDuplicates = false
	require.NoError(t, store.Save(&snap))

	loaded, migrated, err := store.Load()
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, snap.Tracks, loaded.Tracks)
	assert.False(t, loaded.Settings.PreventDuplicates)
	assert.Equal(t, schemaVersion, loaded.SchemaVersion)
	assert.NotEmpty(t, loaded.LastUpdated)
}

func TestStoreSaveStampsCallerSnapshot(t *testing.T) {
	store, _ := newTestStore(t)

	snap := emptySnapshot()
	snap.LastUpdated = ""
	require.NoError(t, store.Save(&snap))

	// The stamp the reader will see on disk is also visible in memory.
	assert.NotEmpty(t, snap.LastUpdated)
	loaded, _, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, snap.LastUpdated, loaded.LastUpdated)
}

func TestStoreCorruptFileQuarantined(t *testing.T) {
	store, fs := newTestStore(t)
	require.NoError(t, afero.WriteFile(fs, store.Path(), []byte("{not json"), 0o644))

	snap, migrated, err := store.Load()
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Empty(t, snap.Tracks)

	// The corrupt bytes must survive in the backup.
	backup, err := afero.ReadFile(fs, store.Path()+".bak")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(backup))

	exists, _ := afero.Exists(fs, store.Path())
	assert.False(t, exists)
}

func TestStoreQuarantineNeverOverwritesBackup(t *testing.T) {
	store, fs := newTestStore(t)
	require.NoError(t, afero.WriteFile(fs, store.Path()+".bak", []byte("earlier"), 0o644))
	require.NoError(t, afero.WriteFile(fs, store.Path(), []byte("later garbage"), 0o644))

	_, _, err := store.Load()
	require.NoError(t, err)

	first, err := afero.ReadFile(fs, store.Path()+".bak")
	require.NoError(t, err)
	assert.Equal(t, "earlier", string(first))

	second, err := afero.ReadFile(fs, store.Path()+".bak.1")
	require.NoError(t, err)
	assert.Equal(t, "later garbage", string(second))
}

func TestStoreLoadLegacyShape(t *testing.T) {
	store, fs := newTestStore(t)
	legacy := `{
		"_schema_version": 1,
		"settings": {"preventDuplicates": true},
		"98765": {"sourceType": "collection", "sourceId": "42", "downloadDate": "2025-11-01T00:00:00Z"}
	}`
	require.NoError(t, afero.WriteFile(fs, store.Path(), []byte(legacy), 0o644))

	snap, migrated, err := store.Load()
	require.NoError(t, err)
	assert.True(t, migrated)
	require.Contains(t, snap.Tracks, "98765")
	assert.Equal(t, "collection", snap.Tracks["98765"].SourceType)
	assert.Equal(t, "42", snap.Tracks["98765"].SourceID)
}

func TestStoreSaveIsAtomicReplace(t *testing.T) {
	store, fs := newTestStore(t)

	first := emptySnapshot()
	require.NoError(t, store.Save(&first))
	snap := emptySnapshot()
	snap.Tracks["1"] = Entry{SourceType: "manual", DownloadDate: "2026-01-01T00:00:00Z"}
	require.NoError(t, store.Save(&snap))

	// No temp files may be left behind after a successful save.
	entries, err := afero.ReadDir(fs, "data")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "history.json", entries[0].Name())

	raw, err := afero.ReadFile(fs, store.Path())
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "_schema_version")
	assert.Contains(t, doc, "tracks")
}
