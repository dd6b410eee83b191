// Package cache provides caching for rendered images, documents and
// remote resources.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	RasterCacheSizeMB int
	RasterTTL         time.Duration
	DocumentCacheSize int
}

// Manager holds rendered output: PNG rasters in bigcache and small text
// documents (stylesheets) in an LRU.
type Manager struct {
	rasters   *bigcache.BigCache
	documents *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	rasterConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.RasterTTL,
		CleanWindow:        cfg.RasterTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // a full sagittal PNG
		HardMaxCacheSize:   cfg.RasterCacheSizeMB,
		Verbose:            false,
	}

	rasters, err := bigcache.New(context.Background(), rasterConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create raster cache: %w", err)
	}

	documents, err := lru.New[string, []byte](cfg.DocumentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}

	return &Manager{
		rasters:   rasters,
		documents: documents,
	}, nil
}

// GetRaster retrieves an encoded image.
func (m *Manager) GetRaster(key string) ([]byte, bool) {
	data, err := m.rasters.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetRaster stores an encoded image.
func (m *Manager) SetRaster(key string, data []byte) error {
	return m.rasters.Set(key, data)
}

// GetDocument retrieves a rendered document.
func (m *Manager) GetDocument(key string) ([]byte, bool) {
	return m.documents.Get(key)
}

// SetDocument stores a rendered document.
func (m *Manager) SetDocument(key string, data []byte) {
	m.documents.Add(key, data)
}

// Reset drops every cached entry.
func (m *Manager) Reset() error {
	m.documents.Purge()
	return m.rasters.Reset()
}

// VolumeSliceKey identifies a rasterized volume slice.
func VolumeSliceKey(bucket, fname, cmap string, cmin, cmax int, axis string, idx int) string {
	return fmt.Sprintf("vol:%s/%s:%s:%d-%d:%s/%d", bucket, fname, cmap, cmin, cmax, axis, idx)
}

// ColorbarKey identifies a rendered colorbar.
func ColorbarKey(cmap string, cmin, cmax, width, height int) string {
	return fmt.Sprintf("cbar:%s:%d-%d:%dx%d", cmap, cmin, cmax, width, height)
}

// DistributionKey identifies a rendered distribution plot. The statistic
// picks the value range when the feature has no global histogram. The
// selection is hashed so that order does not matter.
func DistributionKey(bucket, fname, mapping, stat string, sigma float64, selected []int, width, height int) string {
	base := fmt.Sprintf("dist:%s/%s:%s:%s:s%g:%dx%d", bucket, fname, mapping, stat, sigma, width, height)
	if len(selected) == 0 {
		return base + ":none"
	}

	sorted := append([]int(nil), selected...)
	sort.Ints(sorted)
	h := sha256.New()
	for _, idx := range sorted {
		h.Write([]byte(strconv.Itoa(idx)))
		h.Write([]byte{','})
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// StylesheetKey identifies the stylesheet rendered by one coloring pass
// for a state token.
func StylesheetKey(token string, pass uint64) string {
	return fmt.Sprintf("css:%d:%s", pass, token)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"raster_cache_len":   m.rasters.Len(),
		"raster_cache_cap":   m.rasters.Capacity(),
		"document_cache_len": m.documents.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.rasters.Close()
}
