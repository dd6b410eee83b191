package atlas

import (
	"fmt"
	"sync"
)

// LocalBuckets is the ephemeral named cache of user-uploaded features served
// under LocalBucket. Its content is lost on restart.
type LocalBuckets struct {
	mu       sync.RWMutex
	features map[string]*Feature
	infos    map[string]FeatureInfo
}

// NewLocalBuckets creates an empty local bucket cache.
func NewLocalBuckets() *LocalBuckets {
	return &LocalBuckets{
		features: make(map[string]*Feature),
		infos:    make(map[string]FeatureInfo),
	}
}

// Put stores (or replaces) an uploaded feature.
func (l *LocalBuckets) Put(fname string, f *Feature, info FeatureInfo) error {
	if fname == "" {
		return fmt.Errorf("empty feature name")
	}
	if f == nil || len(f.Mappings) == 0 {
		return fmt.Errorf("feature %q has no mappings", fname)
	}
	f.Name = fname

	l.mu.Lock()
	defer l.mu.Unlock()
	l.features[fname] = f
	l.infos[fname] = info
	return nil
}

// Remove deletes an uploaded feature. It reports whether it existed.
func (l *LocalBuckets) Remove(fname string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.features[fname]
	delete(l.features, fname)
	delete(l.infos, fname)
	return ok
}

// Feature returns an uploaded feature.
func (l *LocalBuckets) Feature(fname string) (*Feature, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.features[fname]
	if !ok {
		return nil, fmt.Errorf("%w: local feature %q", ErrNotFound, fname)
	}
	return f, nil
}

// Bucket lists the uploaded features as a bucket.
func (l *LocalBuckets) Bucket() *Bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := &Bucket{
		Metadata: BucketMetadata{Alias: LocalBucket, Description: "Local features"},
		Features: make(map[string]FeatureInfo, len(l.infos)),
	}
	for name, info := range l.infos {
		b.Features[name] = info
	}
	return b
}
