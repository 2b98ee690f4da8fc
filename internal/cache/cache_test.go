package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxSizeMB int) *TileCache {
	t.Helper()
	c, err := New(t.TempDir(), maxSizeMB, 30, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSetAndGet(t *testing.T) {
	c := newTestCache(t, 10)

	data := []byte("tile-bytes")
	require.NoError(t, c.Set("gazo1", 16, 58260, 25814, "jpg", data))

	got, ok := c.Get("gazo1", 16, 58260, 25814)
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t, 10)

	_, ok := c.Get("gazo1", 16, 0, 0)
	assert.False(t, ok)
}

func TestDiskLayout(t *testing.T) {
	c := newTestCache(t, 10)

	require.NoError(t, c.Set("ort_riku10", 15, 29131, 12907, "png", []byte("p")))

	path := filepath.Join(c.Dir(), "ort_riku10", "15", "29131", "12907.png")
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestDiskHitWhenMemoryCold(t *testing.T) {
	c := newTestCache(t, 10)

	data := []byte("persisted")
	require.NoError(t, c.Set("gazo2", 10, 910, 403, "jpg", data))

	// Drop the memory tier; the disk copy must still answer.
	c.mem.Purge()

	got, ok := c.Get("gazo2", 10, 910, 403)
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, c.Stats().MemoryEntries, "disk hit should repopulate memory")
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(dir, 10, 30, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c1.Set("seamlessphoto", 16, 58260, 25814, "jpg", []byte("x")))
	// Force the async index write to land before reopening.
	require.NoError(t, c1.saveMetadata())
	c1.Close()

	c2, err := New(dir, 10, 30, zerolog.Nop())
	require.NoError(t, err)
	defer c2.Close()

	got, ok := c2.Get("seamlessphoto", 16, 58260, 25814)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), got)
}

func TestRebuildFromTileTree(t *testing.T) {
	dir := t.TempDir()

	// Simulate a cache dir with tiles but no index file.
	tilePath := filepath.Join(dir, "gazo3", "12", "3641", "1613.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(tilePath), 0755))
	require.NoError(t, os.WriteFile(tilePath, []byte("orphan"), 0644))

	c, err := New(dir, 10, 30, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	got, ok := c.Get("gazo3", 12, 3641, 1613)
	require.True(t, ok)
	assert.Equal(t, []byte("orphan"), got)
}

func TestEvictOverSize(t *testing.T) {
	// 1 MB ceiling, write ~2 MB of tiles.
	c := newTestCache(t, 1)

	payload := make([]byte, 100*1024)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set("gazo1", 16, i, 0, "jpg", payload))
	}

	c.evictOverSize()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.DiskSizeBytes, stats.DiskMaxBytes)
	assert.Less(t, stats.DiskEntries, 20)
}

func TestExpiredTileNotServed(t *testing.T) {
	c := newTestCache(t, 10)

	require.NoError(t, c.Set("gazo4", 16, 1, 1, "jpg", []byte("old")))

	// Age the entry past the TTL and clear the memory shadow.
	key := Key("gazo4", 16, 1, 1)
	c.mu.Lock()
	c.metadata[key].CreateTime = c.metadata[key].CreateTime.Add(-31 * 24 * time.Hour)
	c.mu.Unlock()
	c.mem.Remove(key)

	_, ok := c.Get("gazo4", 16, 1, 1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().DiskEntries)
}

func TestClear(t *testing.T) {
	c := newTestCache(t, 10)

	require.NoError(t, c.Set("gazo1", 5, 28, 12, "jpg", []byte("a")))
	require.NoError(t, c.Set("gazo2", 5, 28, 12, "jpg", []byte("b")))
	require.NoError(t, c.Clear())

	stats := c.Stats()
	assert.Equal(t, 0, stats.DiskEntries)
	assert.Equal(t, int64(0), stats.DiskSizeBytes)
	assert.Equal(t, 0, stats.MemoryEntries)

	_, ok := c.Get("gazo1", 5, 28, 12)
	assert.False(t, ok)
}

func TestOverwriteReplacesSize(t *testing.T) {
	c := newTestCache(t, 10)

	require.NoError(t, c.Set("gazo1", 16, 7, 7, "jpg", make([]byte, 1000)))
	require.NoError(t, c.Set("gazo1", 16, 7, 7, "jpg", make([]byte, 400)))

	assert.Equal(t, int64(400), c.Stats().DiskSizeBytes)
	assert.Equal(t, 1, c.Stats().DiskEntries)
}
