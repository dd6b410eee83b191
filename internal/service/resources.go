// Package service wires the atlas components into viewer sessions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ephys-atlas/server/internal/cache"
	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/internal/render"
	"github.com/ephys-atlas/server/internal/store"
	"github.com/ephys-atlas/server/internal/volume"
	"github.com/ephys-atlas/server/pkg/colormap"
)

// ResourcesConfig contains the shared resource dependencies.
type ResourcesConfig struct {
	Store            *store.Store
	Source           atlas.Source
	Local            *atlas.LocalBuckets
	Cache            *cache.Manager
	Renderer         *render.Renderer
	Canonical        volume.Sizes
	RequestCacheSize int
	// Buckets are downloaded by Load along with the base resources.
	Buckets     []string
	Concurrency int
}

// Resources are shared by every viewer session: the persistent store, the
// remote source, the request cache in front of both and the rendered
// output cache.
type Resources struct {
	store     *store.Store
	source    atlas.Source
	local     *atlas.LocalBuckets
	cache     *cache.Manager
	renderer  *render.Renderer
	canonical volume.Sizes
	buckets   []string
	workers   int

	requests *cache.RequestCache[any]

	loadMu   sync.Mutex
	progress atomic.Pointer[store.Progress]
}

// NewResources creates the shared resources.
func NewResources(cfg ResourcesConfig) (*Resources, error) {
	if cfg.Store == nil || cfg.Source == nil {
		return nil, errors.New("store and source are required")
	}
	if cfg.Local == nil {
		cfg.Local = atlas.NewLocalBuckets()
	}
	if cfg.Canonical == (volume.Sizes{}) {
		cfg.Canonical = volume.DefaultCanonical
	}
	if cfg.RequestCacheSize <= 0 {
		cfg.RequestCacheSize = 256
	}

	r := &Resources{
		store:     cfg.Store,
		source:    cfg.Source,
		local:     cfg.Local,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		canonical: cfg.Canonical,
		buckets:   cfg.Buckets,
		workers:   cfg.Concurrency,
	}
	requests, err := cache.NewRequestCache[any](cfg.RequestCacheSize, r.fetch)
	if err != nil {
		return nil, err
	}
	r.requests = requests
	r.progress.Store(store.NewProgress())
	return r, nil
}

// Load fills the persistent store when it is incomplete.
func (r *Resources) Load(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.store.Load(ctx, r.source, r.progress.Load(), store.LoadOptions{
		Buckets:     r.buckets,
		Concurrency: r.workers,
	})
}

// Progress returns the state of the current load.
func (r *Resources) Progress() store.ProgressSnapshot {
	return r.progress.Load().Snapshot()
}

// Reset wipes the persistent store and every in-memory cache. The next
// Load downloads the base resources again.
func (r *Resources) Reset(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if err := r.store.DeleteAndReset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	r.requests.Purge()
	if r.cache != nil {
		if err := r.cache.Reset(); err != nil {
			log.Printf("[Resources] Failed to reset raster cache: %v", err)
		}
	}
	r.progress.Store(store.NewProgress())
	log.Printf("[Resources] Cache cleared")
	return nil
}

// ClearCache resets, then reloads.
func (r *Resources) ClearCache(ctx context.Context) error {
	if err := r.Reset(ctx); err != nil {
		return err
	}
	return r.Load(ctx)
}

// fetch resolves one request cache key. Every kind is answered from the
// store first, then from the remote source.
func (r *Resources) fetch(ctx context.Context, key cache.Key) (any, error) {
	ids := key.IDs()
	switch key.Kind {
	case cache.KindColormap:
		return r.fetchColormap(ctx, ids[0])
	case cache.KindRegions:
		return r.fetchRegions(ctx, ids[0])
	case cache.KindSlice:
		axis, err := atlas.ParseAxis(ids[0])
		if err != nil {
			return nil, err
		}
		idx, err := strconv.Atoi(ids[1])
		if err != nil {
			return nil, fmt.Errorf("invalid slice index %q", ids[1])
		}
		return r.store.Slice(ctx, axis, idx)
	case cache.KindBucket:
		return r.fetchBucket(ctx, ids[0])
	case cache.KindFeatures:
		return r.fetchFeatures(ctx, ids[0], ids[1])
	case cache.KindVolume:
		return r.fetchVolume(ctx, ids[0], ids[1])
	default:
		return nil, fmt.Errorf("unknown resource kind %s", key.Kind)
	}
}

func (r *Resources) fetchColormap(ctx context.Context, name string) (colormap.Swatches, error) {
	cmap, err := r.store.Colormap(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		if builtin, ok := colormap.Builtin(name); ok {
			return builtin, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if err := cmap.Validate(); err != nil {
		return nil, fmt.Errorf("colormap %s: %w", name, err)
	}
	return cmap, nil
}

func (r *Resources) fetchRegions(ctx context.Context, mapping string) (atlas.RegionCatalog, error) {
	catalog, err := r.store.Regions(ctx, mapping)
	if !errors.Is(err, store.ErrNotFound) {
		return catalog, err
	}
	catalogs, err := r.source.Regions(ctx)
	if err != nil {
		return nil, err
	}
	catalog, ok := catalogs[mapping]
	if !ok {
		return nil, fmt.Errorf("%w: mapping %s", atlas.ErrNotFound, mapping)
	}
	return catalog, nil
}

func (r *Resources) fetchBucket(ctx context.Context, id string) (*atlas.Bucket, error) {
	if atlas.IsLocalBucket(id) {
		return r.local.Bucket(), nil
	}
	b, err := r.store.Bucket(ctx, id)
	if !errors.Is(err, store.ErrNotFound) {
		return b, err
	}
	b, err = r.source.Bucket(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.PutBucket(ctx, id, b); err != nil {
		log.Printf("[Resources] Failed to persist bucket %s: %v", id, err)
	}
	return b, nil
}

func (r *Resources) fetchFeatures(ctx context.Context, bucket, fname string) (*atlas.Feature, error) {
	if atlas.IsLocalBucket(bucket) {
		return r.local.Feature(fname)
	}
	f, err := r.store.Features(ctx, bucket, fname)
	if !errors.Is(err, store.ErrNotFound) {
		return f, err
	}
	f, err = r.source.Features(ctx, bucket, fname)
	if err != nil {
		return nil, err
	}
	if err := r.store.PutFeatures(ctx, bucket, fname, f); err != nil {
		log.Printf("[Resources] Failed to persist features %s/%s: %v", bucket, fname, err)
	}
	return f, nil
}

func (r *Resources) fetchVolume(ctx context.Context, bucket, fname string) (*volume.Resolver, error) {
	arr, err := r.source.Volume(ctx, bucket, fname)
	if err != nil {
		return nil, err
	}
	res := volume.NewResolver(arr, r.canonical)
	if res.Warning != nil {
		log.Printf("[Resources] Volume %s/%s shape %v: %v", bucket, fname, arr.Shape, res.Warning)
	}
	return res, nil
}

func get[V any](ctx context.Context, r *Resources, key cache.Key, opts ...cache.GetOption) (V, error) {
	var zero V
	v, err := r.requests.Get(ctx, key, opts...)
	if err != nil {
		return zero, err
	}
	out, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("unexpected %T for %s", v, key)
	}
	return out, nil
}

// Colormap returns a colormap by name.
func (r *Resources) Colormap(ctx context.Context, name string) (colormap.Swatches, error) {
	return get[colormap.Swatches](ctx, r, cache.NewKey(cache.KindColormap, name))
}

// Colormaps lists the available colormap names.
func (r *Resources) Colormaps(ctx context.Context) ([]string, error) {
	names, err := r.store.ColormapNames(ctx)
	if err != nil {
		return nil, err
	}
	for name := range colormap.Builtins {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Regions returns the region catalog of a mapping.
func (r *Resources) Regions(ctx context.Context, mapping string) (atlas.RegionCatalog, error) {
	return get[atlas.RegionCatalog](ctx, r, cache.NewKey(cache.KindRegions, mapping))
}

// Slice returns the SVG document of one slice.
func (r *Resources) Slice(ctx context.Context, axis atlas.Axis, idx int) (string, error) {
	return get[string](ctx, r, cache.NewKey(cache.KindSlice, string(axis), strconv.Itoa(idx)))
}

// Bucket returns bucket metadata.
func (r *Resources) Bucket(ctx context.Context, id string) (*atlas.Bucket, error) {
	return get[*atlas.Bucket](ctx, r, cache.NewKey(cache.KindBucket, id))
}

// Features returns a feature, optionally bypassing the memo.
func (r *Resources) Features(ctx context.Context, bucket, fname string, opts ...cache.GetOption) (*atlas.Feature, error) {
	return get[*atlas.Feature](ctx, r, cache.NewKey(cache.KindFeatures, bucket, fname), opts...)
}

// Volume returns the resolved volume of a feature.
func (r *Resources) Volume(ctx context.Context, bucket, fname string) (*volume.Resolver, error) {
	return get[*volume.Resolver](ctx, r, cache.NewKey(cache.KindVolume, bucket, fname))
}

// HasFeatures reports whether a feature is memoized, without fetching.
func (r *Resources) HasFeatures(bucket, fname string) bool {
	return r.requests.Has(cache.NewKey(cache.KindFeatures, bucket, fname))
}

// UploadLocal stores a feature in the local bucket.
func (r *Resources) UploadLocal(fname string, f *atlas.Feature, info atlas.FeatureInfo) error {
	if err := r.local.Put(fname, f, info); err != nil {
		return err
	}
	r.requests.Invalidate(cache.NewKey(cache.KindFeatures, atlas.LocalBucket, fname))
	r.requests.Invalidate(cache.NewKey(cache.KindBucket, atlas.LocalBucket))
	return nil
}

// RemoveLocal drops a feature of the local bucket.
func (r *Resources) RemoveLocal(fname string) bool {
	ok := r.local.Remove(fname)
	r.requests.Invalidate(cache.NewKey(cache.KindFeatures, atlas.LocalBucket, fname))
	r.requests.Invalidate(cache.NewKey(cache.KindBucket, atlas.LocalBucket))
	return ok
}

// ForgetBucket drops a bucket from the request cache.
func (r *Resources) ForgetBucket(id string) {
	r.requests.Invalidate(cache.NewKey(cache.KindBucket, id))
}

// Renderer returns the PNG renderer.
func (r *Resources) Renderer() *render.Renderer {
	return r.renderer
}

// CacheStats returns cache statistics.
func (r *Resources) CacheStats() map[string]interface{} {
	stats := map[string]interface{}{"request_cache_len": r.requests.Len()}
	if r.cache != nil {
		for k, v := range r.cache.Stats() {
			stats[k] = v
		}
	}
	return stats
}
