package image

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(filepath.Join(t.TempDir(), ".hutch", "image-cache.json"))
}

func TestCacheLoadMissingFile(t *testing.T) {
	cache := testCache(t)

	entries, err := cache.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheLoadMalformed(t *testing.T) {
	cache := testCache(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cache.Path()), 0755))
	require.NoError(t, os.WriteFile(cache.Path(), []byte("{not json"), 0644))

	_, err := cache.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed image cache")
}

func TestCacheRoundTrip(t *testing.T) {
	cache := testCache(t)
	now := time.Now().UTC().Truncate(time.Second)

	entries := map[string]*CacheEntry{
		"hutch-build-abc": {
			ImageTag:        "hutch-build-abc",
			DockerfileHash:  "deadbeef",
			DockerfilePath:  "/proj/Dockerfile",
			ImageID:         "sha256:1234",
			ImageSizeBytes:  1 << 20,
			BuildDurationMs: 4200,
			BuildTimestamp:  now,
			BuildContext:    "/proj",
			LastAccessed:    now,
		},
	}
	require.NoError(t, cache.Save(entries))

	loaded, err := cache.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded["hutch-build-abc"]
	require.NotNil(t, got)
	assert.Equal(t, "deadbeef", got.DockerfileHash)
	assert.Equal(t, "sha256:1234", got.ImageID)
	assert.True(t, got.BuildTimestamp.Equal(now))
}

func TestCacheVersionMismatchStillLoads(t *testing.T) {
	cache := testCache(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cache.Path()), 0755))
	doc := `{"version":"0.9","images":{"t":{"imageTag":"t","dockerfileHash":"h","imageId":"i"}}}`
	require.NoError(t, os.WriteFile(cache.Path(), []byte(doc), 0644))

	entries, err := cache.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCacheCleanupEvictsOldestAccessed(t *testing.T) {
	cache := testCache(t)
	base := time.Now()

	entries := make(map[string]*CacheEntry)
	for i := 0; i < 5; i++ {
		tag := fmt.Sprintf("tag-%d", i)
		entries[tag] = &CacheEntry{
			ImageTag:     tag,
			LastAccessed: base.Add(time.Duration(i) * time.Minute),
		}
	}
	require.NoError(t, cache.Save(entries))

	removed, err := cache.Cleanup(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	kept, err := cache.Load()
	require.NoError(t, err)
	require.Len(t, kept, 2)
	// The two most recently accessed survive
	assert.Contains(t, kept, "tag-4")
	assert.Contains(t, kept, "tag-3")
}

func TestCacheCleanupUnderLimitIsNoop(t *testing.T) {
	cache := testCache(t)
	require.NoError(t, cache.Save(map[string]*CacheEntry{
		"only": {ImageTag: "only", LastAccessed: time.Now()},
	}))

	removed, err := cache.Cleanup(10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
