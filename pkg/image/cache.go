package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchlabs/hutch/pkg/log"
)

// CacheVersion is the persisted cache document version. A mismatch is
// logged as a warning, not rejected.
const CacheVersion = "1.0"

// CacheEntry records one prior build, keyed by image tag. An entry is valid
// evidence that no rebuild is needed only while its DockerfileHash matches
// the current Dockerfile digest and the runtime still reports an image with
// the recorded ImageID under that tag.
type CacheEntry struct {
	ImageTag        string    `json:"imageTag"`
	DockerfileHash  string    `json:"dockerfileHash"`
	DockerfilePath  string    `json:"dockerfilePath"`
	ImageID         string    `json:"imageId"`
	ImageSizeBytes  int64     `json:"imageSizeBytes,omitempty"`
	BuildDurationMs int64     `json:"buildDurationMs"`
	BuildTimestamp  time.Time `json:"buildTimestamp"`
	BuildContext    string    `json:"buildContext"`
	LastAccessed    time.Time `json:"lastAccessed"`
}

type cacheDocument struct {
	Version string                 `json:"version"`
	Images  map[string]*CacheEntry `json:"images"`
}

// Cache is the persisted build cache, a single JSON document accessed
// read-modify-write.
type Cache struct {
	path   string
	logger zerolog.Logger
}

// NewCache creates a cache backed by the JSON file at path
func NewCache(path string) *Cache {
	return &Cache{
		path:   path,
		logger: log.WithComponent("image-cache"),
	}
}

// Path returns the cache file location
func (c *Cache) Path() string {
	return c.path
}

// Load reads all cache entries. A missing file is an empty cache, not an
// error; malformed content is a load error.
func (c *Cache) Load() (map[string]*CacheEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*CacheEntry), nil
		}
		return nil, fmt.Errorf("failed to read image cache %s: %w", c.path, err)
	}

	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed image cache %s: %w", c.path, err)
	}

	if doc.Version != CacheVersion {
		c.logger.Warn().
			Str("found", doc.Version).
			Str("expected", CacheVersion).
			Msg("image cache version mismatch, loading anyway")
	}

	if doc.Images == nil {
		doc.Images = make(map[string]*CacheEntry)
	}
	return doc.Images, nil
}

// Save writes all cache entries, creating the containing directory on demand
func (c *Cache) Save(entries map[string]*CacheEntry) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	doc := cacheDocument{Version: CacheVersion, Images: entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode image cache: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write image cache %s: %w", c.path, err)
	}
	return nil
}

// Cleanup evicts the oldest-accessed entries beyond maxEntries and returns
// how many were removed. One load, one bounded sort, one save.
func (c *Cache) Cleanup(maxEntries int) (int, error) {
	entries, err := c.Load()
	if err != nil {
		return 0, err
	}

	if maxEntries < 0 {
		maxEntries = 0
	}
	if len(entries) <= maxEntries {
		return 0, nil
	}

	ordered := make([]*CacheEntry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastAccessed.After(ordered[j].LastAccessed)
	})

	kept := make(map[string]*CacheEntry, maxEntries)
	for _, e := range ordered[:maxEntries] {
		kept[e.ImageTag] = e
	}

	removed := len(entries) - len(kept)
	if err := c.Save(kept); err != nil {
		return 0, err
	}

	c.logger.Info().Int("removed", removed).Int("kept", len(kept)).Msg("image cache cleaned up")
	return removed, nil
}
