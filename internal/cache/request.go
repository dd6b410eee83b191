package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "atlas_request_cache",
		Name:      "hits_total",
	}, []string{"kind"})
	requestMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "atlas_request_cache",
		Name:      "misses_total",
	}, []string{"kind"})
	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "atlas_request_cache",
		Name:      "fetch_errors_total",
	}, []string{"kind"})
)

// Kind is the closed set of cacheable resource kinds.
type Kind int

const (
	KindColormap Kind = iota
	KindRegions
	KindSlice
	KindBucket
	KindFeatures
	KindVolume
)

func (k Kind) String() string {
	switch k {
	case KindColormap:
		return "colormap"
	case KindRegions:
		return "regions"
	case KindSlice:
		return "slice"
	case KindBucket:
		return "bucket"
	case KindFeatures:
		return "features"
	case KindVolume:
		return "volume"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Key identifies one resource. Build keys with NewKey so that the same
// identifiers always produce the same key.
type Key struct {
	Kind Kind
	ID   string
}

// NewKey builds a key from a kind and its identifiers.
func NewKey(kind Kind, ids ...string) Key {
	return Key{Kind: kind, ID: strings.Join(ids, "\x00")}
}

// IDs splits the key identifiers back out.
func (k Key) IDs() []string {
	if k.ID == "" {
		return nil
	}
	return strings.Split(k.ID, "\x00")
}

func (k Key) String() string {
	return k.Kind.String() + ":" + strings.ReplaceAll(k.ID, "\x00", "/")
}

// Fetcher loads the resource behind a key.
type Fetcher[V any] func(ctx context.Context, key Key) (V, error)

type getOptions struct {
	refresh bool
}

// GetOption modifies a single Get call.
type GetOption func(*getOptions)

// WithRefresh bypasses the memo and forces one new fetch. The fetch starts
// after any fetch of the same key already in flight has settled.
func WithRefresh() GetOption {
	return func(o *getOptions) { o.refresh = true }
}

// RequestCache memoizes fetched resources and shares one in-flight fetch
// between concurrent callers of the same key. Failed fetches are not
// memoized. The memo is an LRU, so a very small size evicts resources that
// would otherwise stay resident for the whole session.
//
// A settled fetch is memoized and leaves the in-flight set under the same
// lock, so a caller always finds either the value or the fetch.
type RequestCache[V any] struct {
	fetch Fetcher[V]
	memo  *lru.Cache[Key, V]

	mu    sync.Mutex
	calls map[Key]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// NewRequestCache creates a request cache holding up to size resources.
func NewRequestCache[V any](size int, fetch Fetcher[V]) (*RequestCache[V], error) {
	memo, err := lru.New[Key, V](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create request cache: %w", err)
	}
	return &RequestCache[V]{
		fetch: fetch,
		memo:  memo,
		calls: make(map[Key]*call[V]),
	}, nil
}

// Get returns the resource for key, fetching it when absent.
func (c *RequestCache[V]) Get(ctx context.Context, key Key, opts ...GetOption) (V, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	kind := key.Kind.String()

	for {
		c.mu.Lock()
		if !o.refresh {
			if v, ok := c.memo.Get(key); ok {
				c.mu.Unlock()
				requestHits.WithLabelValues(kind).Inc()
				return v, nil
			}
		}
		cl, inflight := c.calls[key]
		if !inflight {
			cl = &call[V]{done: make(chan struct{})}
			c.calls[key] = cl
		}
		c.mu.Unlock()

		if !o.refresh {
			requestMisses.WithLabelValues(kind).Inc()
		}
		if !inflight {
			// The shared fetch must survive the caller that started it.
			go c.run(context.WithoutCancel(ctx), key, cl)
		}

		select {
		case <-cl.done:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
		if inflight && o.refresh {
			// That fetch started before the refresh; start a new one.
			continue
		}
		return cl.val, cl.err
	}
}

func (c *RequestCache[V]) run(ctx context.Context, key Key, cl *call[V]) {
	v, err := c.fetch(ctx, key)

	c.mu.Lock()
	if err != nil {
		requestErrors.WithLabelValues(key.Kind.String()).Inc()
		cl.err = fmt.Errorf("failed to fetch %s: %w", key, err)
	} else {
		c.memo.Add(key, v)
		cl.val = v
	}
	delete(c.calls, key)
	c.mu.Unlock()
	close(cl.done)
}

// Peek returns the memoized resource without fetching.
func (c *RequestCache[V]) Peek(key Key) (V, bool) {
	return c.memo.Peek(key)
}

// Has reports whether the resource is resident.
func (c *RequestCache[V]) Has(key Key) bool {
	return c.memo.Contains(key)
}

// Invalidate drops one resource.
func (c *RequestCache[V]) Invalidate(key Key) {
	c.memo.Remove(key)
}

// Purge drops every resource.
func (c *RequestCache[V]) Purge() {
	c.memo.Purge()
}

// Len returns the number of resident resources.
func (c *RequestCache[V]) Len() int {
	return c.memo.Len()
}
