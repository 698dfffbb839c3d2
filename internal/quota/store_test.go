package quota

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "quota-history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRecordAndQuery(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	store.Record("a@example.com", config.ModelFamilyClaude, 80, now.Add(-2*time.Hour))
	store.Record("a@example.com", config.ModelFamilyClaude, 60, now.Add(-time.Hour))
	store.Record("a@example.com", config.ModelFamilyClaude, 45, now)
	store.Record("a@example.com", config.ModelFamilyGemini, 99, now)
	store.Record("b@example.com", config.ModelFamilyClaude, 10, now)

	got := store.SnapshotsSince("a@example.com", config.ModelFamilyClaude, now.Add(-3*time.Hour))
	require.Len(t, got, 3)

	// Newest first.
	assert.InDelta(t, 45.0, got[0].Percentage, 0.001)
	assert.InDelta(t, 60.0, got[1].Percentage, 0.001)
	assert.InDelta(t, 80.0, got[2].Percentage, 0.001)
	assert.Equal(t, now, got[0].RecordedAt)
}

func TestStoreWindowedQuery(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	store.Record("a@example.com", config.ModelFamilyClaude, 80, now.Add(-25*time.Hour))
	store.Record("a@example.com", config.ModelFamilyClaude, 60, now.Add(-time.Hour))

	got := store.SnapshotsSince("a@example.com", config.ModelFamilyClaude, now.Add(-24*time.Hour))
	require.Len(t, got, 1)
	assert.InDelta(t, 60.0, got[0].Percentage, 0.001)
}

func TestStorePrune(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	store.Record("a@example.com", config.ModelFamilyClaude, 80, now.Add(-30*time.Hour))
	store.Record("a@example.com", config.ModelFamilyClaude, 60, now)

	require.NoError(t, store.Prune(now.Add(-24*time.Hour)))
	got := store.SnapshotsSince("a@example.com", config.ModelFamilyClaude, now.Add(-48*time.Hour))
	require.Len(t, got, 1)

	// Idempotent.
	require.NoError(t, store.Prune(now.Add(-24*time.Hour)))
	got = store.SnapshotsSince("a@example.com", config.ModelFamilyClaude, now.Add(-48*time.Hour))
	assert.Len(t, got, 1)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota-history.db")
	now := time.Now().UTC()

	store, err := OpenStore(path)
	require.NoError(t, err)
	store.Record("a@example.com", config.ModelFamilyClaude, 42, now)
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got := reopened.SnapshotsSince("a@example.com", config.ModelFamilyClaude, now.Add(-time.Hour))
	require.Len(t, got, 1)
	assert.InDelta(t, 42.0, got[0].Percentage, 0.001)
}
