// Package cache stores fetched tiles on two levels: a small in-memory LRU
// for tiles the compositor touches repeatedly, and a disk tree that
// persists across restarts. The disk level enforces a size ceiling and a
// TTL; the memory level only shadows it.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// memoryEntries bounds the hot tier. At 256x256 tiles this stays well
// under 20 MB even with every slot full.
const memoryEntries = 512

// TileCache is the two-level tile store.
// Disk layout: {baseDir}/{layer}/{z}/{x}/{y}.{ext}
// Metadata index: {baseDir}/cache_index.json
type TileCache struct {
	baseDir  string
	maxSize  int64 // bytes
	currSize int64 // atomic
	ttl      time.Duration
	logger   zerolog.Logger

	mem *lru.Cache[string, []byte]

	mu       sync.RWMutex
	metadata map[string]*TileMetadata

	evictChan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// TileMetadata records one cached tile in the persistent index.
type TileMetadata struct {
	Key        string    `json:"key"`
	Layer      string    `json:"layer"`
	Z          int       `json:"z"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Ext        string    `json:"ext"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// Stats summarizes cache occupancy.
type Stats struct {
	DiskEntries   int   `json:"diskEntries"`
	DiskSizeBytes int64 `json:"diskSizeBytes"`
	DiskMaxBytes  int64 `json:"diskMaxBytes"`
	MemoryEntries int   `json:"memoryEntries"`
}

// New opens (or creates) a tile cache rooted at baseDir. A ttlDays of zero
// disables expiry.
func New(baseDir string, maxSizeMB, ttlDays int, logger zerolog.Logger) (*TileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	mem, err := lru.New[string, []byte](memoryEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	c := &TileCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		ttl:       time.Duration(ttlDays) * 24 * time.Hour,
		logger:    logger,
		mem:       mem,
		metadata:  make(map[string]*TileMetadata),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := c.loadMetadata(); err != nil {
		// Index missing or corrupt. Rebuild it from the tile tree.
		if err := c.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	go c.maintenanceWorker()

	return c, nil
}

// Close stops the maintenance worker. The cache must not be used after.
func (c *TileCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Dir returns the cache root directory.
func (c *TileCache) Dir() string {
	return c.baseDir
}

// Key builds the canonical cache key for a tile.
func Key(layer string, z, x, y int) string {
	return fmt.Sprintf("%s:%d:%d:%d", layer, z, x, y)
}

// Get returns a cached tile, checking memory before disk. A disk hit is
// promoted into the memory tier.
func (c *TileCache) Get(layer string, z, x, y int) ([]byte, bool) {
	key := Key(layer, z, x, y)

	if data, ok := c.mem.Get(key); ok {
		return data, true
	}

	c.mu.RLock()
	meta, exists := c.metadata[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if c.ttl > 0 && time.Since(meta.CreateTime) > c.ttl {
		c.evictTile(key, meta)
		return nil, false
	}

	data, err := os.ReadFile(c.buildFilePath(meta))
	if err != nil {
		// File vanished underneath the index.
		c.evictTile(key, meta)
		return nil, false
	}

	c.mu.Lock()
	meta.AccessTime = time.Now()
	c.mu.Unlock()

	c.mem.Add(key, data)

	return data, true
}

// Set stores a tile on both levels. ext selects the on-disk file extension
// and must match the encoded bytes.
func (c *TileCache) Set(layer string, z, x, y int, ext string, data []byte) error {
	key := Key(layer, z, x, y)
	size := int64(len(data))

	now := time.Now()
	meta := &TileMetadata{
		Key:        key,
		Layer:      layer,
		Z:          z,
		X:          x,
		Y:          y,
		Ext:        ext,
		Size:       size,
		AccessTime: now,
		CreateTime: now,
	}

	filePath := c.buildFilePath(meta)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	c.mu.Lock()
	if old, exists := c.metadata[key]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
		if oldPath := c.buildFilePath(old); oldPath != filePath {
			os.Remove(oldPath)
		}
	}
	c.metadata[key] = meta
	c.mu.Unlock()

	atomic.AddInt64(&c.currSize, size)
	c.mem.Add(key, data)

	if atomic.LoadInt64(&c.currSize) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default:
		}
	}

	go c.saveMetadata()

	return nil
}

// buildFilePath maps metadata to {baseDir}/{layer}/{z}/{x}/{y}.{ext}.
func (c *TileCache) buildFilePath(meta *TileMetadata) string {
	ext := meta.Ext
	if ext == "" {
		ext = "jpg"
	}
	return filepath.Join(c.baseDir, meta.Layer, fmt.Sprintf("%d", meta.Z),
		fmt.Sprintf("%d", meta.X), fmt.Sprintf("%d.%s", meta.Y, ext))
}

func (c *TileCache) evictTile(key string, meta *TileMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	os.Remove(c.buildFilePath(meta))
	delete(c.metadata, key)
	c.mem.Remove(key)
	atomic.AddInt64(&c.currSize, -meta.Size)
}

func (c *TileCache) maintenanceWorker() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.evictChan:
			c.evictOverSize()
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

// evictOverSize drops least recently used tiles until the disk level is at
// 80% of its ceiling.
func (c *TileCache) evictOverSize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	currSize := atomic.LoadInt64(&c.currSize)
	if currSize <= c.maxSize {
		return
	}
	targetSize := c.maxSize * 8 / 10

	entries := make([]*TileMetadata, 0, len(c.metadata))
	for _, meta := range c.metadata {
		entries = append(entries, meta)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	evicted := 0
	for _, meta := range entries {
		if currSize <= targetSize {
			break
		}
		os.Remove(c.buildFilePath(meta))
		delete(c.metadata, meta.Key)
		c.mem.Remove(meta.Key)
		atomic.AddInt64(&c.currSize, -meta.Size)
		currSize -= meta.Size
		evicted++
	}

	if evicted > 0 {
		c.logger.Debug().Int("evicted", evicted).Int64("sizeBytes", currSize).
			Msg("cache size eviction")
		c.saveMetadataLocked()
	}
}

// evictExpired drops tiles older than the TTL.
func (c *TileCache) evictExpired() {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*TileMetadata
	for _, meta := range c.metadata {
		if now.Sub(meta.CreateTime) > c.ttl {
			expired = append(expired, meta)
		}
	}

	for _, meta := range expired {
		os.Remove(c.buildFilePath(meta))
		delete(c.metadata, meta.Key)
		c.mem.Remove(meta.Key)
		atomic.AddInt64(&c.currSize, -meta.Size)
	}

	if len(expired) > 0 {
		c.logger.Debug().Int("expired", len(expired)).Msg("cache ttl eviction")
		c.saveMetadataLocked()
	}
}

func (c *TileCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, "cache_index.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("metadata file not found")
		}
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata map[string]*TileMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	c.metadata = metadata

	var total int64
	for _, meta := range metadata {
		total += meta.Size
	}
	atomic.StoreInt64(&c.currSize, total)

	return nil
}

// saveMetadata writes the index atomically via a temp file rename.
func (c *TileCache) saveMetadata() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveMetadataLocked()
}

func (c *TileCache) saveMetadataLocked() error {
	metaPath := filepath.Join(c.baseDir, "cache_index.json")

	data, err := json.MarshalIndent(c.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}

	return nil
}

// rebuildMetadata reconstructs the index by walking the tile tree.
func (c *TileCache) rebuildMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metadata = make(map[string]*TileMetadata)
	var total int64

	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext != "jpg" && ext != "png" {
			return nil
		}

		rel, _ := filepath.Rel(c.baseDir, path)
		parts := strings.Split(rel, string(os.PathSeparator))
		if len(parts) != 4 {
			return nil
		}

		z, errZ := parseIntSafe(parts[1])
		x, errX := parseIntSafe(parts[2])
		y, errY := parseIntSafe(strings.TrimSuffix(parts[3], "."+ext))
		if errZ != nil || errX != nil || errY != nil {
			return nil
		}

		layer := parts[0]
		key := Key(layer, z, x, y)
		c.metadata[key] = &TileMetadata{
			Key:        key,
			Layer:      layer,
			Z:          z,
			X:          x,
			Y:          y,
			Ext:        ext,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		total += info.Size()

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	atomic.StoreInt64(&c.currSize, total)

	return c.saveMetadataLocked()
}

func parseIntSafe(s string) (int, error) {
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	return i, err
}

// Stats reports current occupancy of both levels.
func (c *TileCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		DiskEntries:   len(c.metadata),
		DiskSizeBytes: atomic.LoadInt64(&c.currSize),
		DiskMaxBytes:  c.maxSize,
		MemoryEntries: c.mem.Len(),
	}
}

// Clear drops every cached tile on both levels.
func (c *TileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, meta := range c.metadata {
		os.Remove(c.buildFilePath(meta))
	}
	c.metadata = make(map[string]*TileMetadata)
	c.mem.Purge()
	atomic.StoreInt64(&c.currSize, 0)

	return c.saveMetadataLocked()
}

// DefaultDir returns the OS-specific cache directory.
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "southmakuhari-history", "tiles")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "southmakuhari-history", "cache", "tiles")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "southmakuhari-history", "tiles")
	}
}
