package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ephys-atlas/server/internal/cache"
	"github.com/ephys-atlas/server/internal/coloring"
	"github.com/ephys-atlas/server/internal/companion"
	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/internal/dispatch"
	"github.com/ephys-atlas/server/internal/distribution"
	"github.com/ephys-atlas/server/internal/state"
	"github.com/ephys-atlas/server/internal/volume"
)

// ErrInvalidIntent is returned when an event payload cannot be applied.
var ErrInvalidIntent = errors.New("invalid intent")

// Relay publishes events to an external peer.
type Relay interface {
	Send(name string, ev any) bool
}

// ViewerConfig contains the per-session collaborators.
type ViewerConfig struct {
	Resources *Resources
	State     state.Fields
	Companion companion.Viewer
	Relay     Relay
	// Sigma is the distribution smoothing width, in bins.
	Sigma float64
}

// Viewer is one viewer session: its state, its dispatcher and the
// components subscribed to it.
type Viewer struct {
	res        *Resources
	state      *state.State
	dispatcher *dispatch.Dispatcher
	companion  *companion.Controller
	relay      Relay
	sigma      float64

	mu      sync.Mutex
	token   string
	dirty   bool
	refresh bool
	result  *coloring.Result
	pass    uint64
	// hidden holds the acronyms the companion viewer currently hides.
	hidden  map[string]bool
}

// passes numbers coloring passes across every session.
var passes atomic.Uint64

// recolorEvents change what the coloring pass computes.
var recolorEvents = []dispatch.Event{
	dispatch.Bucket, dispatch.BucketRemove, dispatch.Feature, dispatch.Stat,
	dispatch.Cmap, dispatch.CmapRange, dispatch.Mapping, dispatch.LogScale,
	dispatch.Reset, dispatch.Refresh,
}

// shareEvents refresh the share token.
var shareEvents = []dispatch.Event{
	dispatch.Bucket, dispatch.BucketRemove, dispatch.Clear, dispatch.Cmap,
	dispatch.CmapRange, dispatch.Feature, dispatch.LogScale, dispatch.Mapping,
	dispatch.Search, dispatch.Slice, dispatch.Stat, dispatch.Toggle,
	dispatch.Reset, dispatch.Volume, dispatch.Highlight, dispatch.Share,
}

// NewViewer creates a session and subscribes its components.
func NewViewer(cfg ViewerConfig) *Viewer {
	viewer := cfg.Companion
	if viewer == nil {
		viewer = companion.LogViewer{}
	}
	sigma := cfg.Sigma
	if sigma <= 0 {
		sigma = distribution.DefaultSigma
	}

	v := &Viewer{
		res:        cfg.Resources,
		state:      state.FromFields(cfg.State),
		dispatcher: dispatch.New(),
		companion:  companion.NewController(viewer),
		relay:      cfg.Relay,
		sigma:      sigma,
		dirty:      true,
		hidden:     make(map[string]bool),
	}
	v.token = v.state.Serialize()
	v.subscribe()
	return v
}

func (v *Viewer) subscribe() {
	for _, name := range recolorEvents {
		v.dispatcher.On(name, func(msg dispatch.Message) error {
			v.mu.Lock()
			defer v.mu.Unlock()
			v.dirty = true
			if msg.Name == dispatch.Refresh {
				v.refresh = true
			}
			return nil
		})
	}

	for _, name := range shareEvents {
		v.dispatcher.On(name, func(dispatch.Message) error {
			token := v.state.Serialize()
			v.mu.Lock()
			v.token = token
			v.mu.Unlock()
			return nil
		})
	}

	if v.relay != nil {
		v.dispatcher.On(dispatch.Feature, func(msg dispatch.Message) error {
			v.relay.Send(string(msg.Name), msg.Payload)
			return nil
		})
	}

	v.dispatcher.On(dispatch.Search, func(dispatch.Message) error {
		return v.syncVisibility(context.Background())
	})

	v.dispatcher.On(dispatch.BucketRemove, func(msg dispatch.Message) error {
		p, err := payloadAs[dispatch.BucketPayload](msg.Payload)
		if err != nil {
			return err
		}
		v.res.ForgetBucket(atlas.NormalizeBucketID(p.UUIDOrAlias))
		return nil
	})
}

// Dispatcher exposes the session's event bus, e.g. to attach more
// subscribers.
func (v *Viewer) Dispatcher() *dispatch.Dispatcher {
	return v.dispatcher
}

// State returns a copy of the current state.
func (v *Viewer) State() state.Fields {
	return v.state.Get()
}

// Token returns the last share token.
func (v *Viewer) Token() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.token
}

// ShareURL appends the current token to base.
func (v *Viewer) ShareURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Del("alias")
	q.Set("state", v.Token())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func payloadAs[T any](p any) (T, error) {
	switch t := p.(type) {
	case T:
		return t, nil
	case *T:
		if t != nil {
			return *t, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: unexpected payload %T", ErrInvalidIntent, p)
}

// Apply mutates the state for an intent, notifies every subscriber, then
// recolors when a subscriber asked for it.
func (v *Viewer) Apply(ctx context.Context, name dispatch.Event, source string, payload any) error {
	if err := v.applyIntent(ctx, name, payload); err != nil {
		return err
	}
	v.dispatcher.Emit(name, source, payload)

	v.mu.Lock()
	dirty := v.dirty
	v.mu.Unlock()
	if !dirty {
		return nil
	}
	if _, err := v.Colors(ctx); err != nil && !errors.Is(err, coloring.ErrNoData) {
		return err
	}
	return nil
}

func (v *Viewer) applyIntent(ctx context.Context, name dispatch.Event, payload any) error {
	switch name {
	case dispatch.Slice:
		p, err := payloadAs[dispatch.SlicePayload](payload)
		if err != nil {
			return err
		}
		axis, err := atlas.ParseAxis(p.Axis)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
		v.state.Update(func(f *state.Fields) { f.SetSlice(axis, p.Idx) })

	case dispatch.Highlight:
		p, err := payloadAs[dispatch.RegionPayload](payload)
		if err != nil {
			return err
		}
		v.state.Update(func(f *state.Fields) {
			if p.Idx < 0 {
				f.Highlighted = nil
				return
			}
			idx := p.Idx
			f.Highlighted = &idx
		})

	case dispatch.Toggle:
		p, err := payloadAs[dispatch.RegionPayload](payload)
		if err != nil {
			return err
		}
		v.state.Toggle(p.Idx)

	case dispatch.Clear:
		v.state.Clear()

	case dispatch.Reset:
		v.state.Replace(state.Defaults())

	case dispatch.Bucket:
		p, err := payloadAs[dispatch.BucketPayload](payload)
		if err != nil {
			return err
		}
		return v.setBucket(ctx, p.UUIDOrAlias)

	case dispatch.BucketRemove:
		p, err := payloadAs[dispatch.BucketPayload](payload)
		if err != nil {
			return err
		}
		id := atlas.NormalizeBucketID(p.UUIDOrAlias)
		if v.state.Get().Bucket == id {
			v.state.SetBucket(state.DefaultBucket)
		}

	case dispatch.Search:
		p, err := payloadAs[dispatch.SearchPayload](payload)
		if err != nil {
			return err
		}
		v.state.Update(func(f *state.Fields) { f.Search = p.Text })

	case dispatch.Feature:
		p, err := payloadAs[dispatch.FeaturePayload](payload)
		if err != nil {
			return err
		}
		if p.Fname == "" {
			return fmt.Errorf("%w: empty feature name", ErrInvalidIntent)
		}
		v.state.Update(func(f *state.Fields) { f.Feature = p.Fname })

	case dispatch.Stat:
		p, err := payloadAs[dispatch.NamePayload](payload)
		if err != nil {
			return err
		}
		v.state.Update(func(f *state.Fields) { f.Stat = p.Name })

	case dispatch.Cmap:
		p, err := payloadAs[dispatch.NamePayload](payload)
		if err != nil {
			return err
		}
		if _, err := v.res.Colormap(ctx, p.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
		v.state.Update(func(f *state.Fields) { f.Colormap = p.Name })

	case dispatch.CmapRange:
		p, err := payloadAs[dispatch.CmapRangePayload](payload)
		if err != nil {
			return err
		}
		v.state.Update(func(f *state.Fields) {
			f.CmapMin = max(0, min(p.Cmin, 100))
			f.CmapMax = max(0, min(p.Cmax, 100))
		})

	case dispatch.Mapping:
		p, err := payloadAs[dispatch.NamePayload](payload)
		if err != nil {
			return err
		}
		v.state.Update(func(f *state.Fields) { f.Mapping = p.Name })

	case dispatch.LogScale:
		p, err := payloadAs[dispatch.TogglePayload](payload)
		if err != nil {
			return err
		}
		v.state.Update(func(f *state.Fields) { f.LogScale = p.Enabled })

	case dispatch.Volume:
		p, err := payloadAs[dispatch.TogglePayload](payload)
		if err != nil {
			return err
		}
		v.state.Update(func(f *state.Fields) { f.IsVolume = p.Enabled })

	case dispatch.FeatureHover, dispatch.Refresh, dispatch.Share:
		// Subscribers only.

	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidIntent, name)
	}
	return nil
}

// setBucket switches to a bucket after checking it exists. When the
// bucket's default feature is not listed, its first feature is used.
func (v *Viewer) setBucket(ctx context.Context, uuidOrAlias string) error {
	id := atlas.NormalizeBucketID(uuidOrAlias)
	if id == "" {
		return fmt.Errorf("%w: empty bucket", ErrInvalidIntent)
	}
	b, err := v.res.Bucket(ctx, id)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", id, err)
	}
	v.state.SetBucket(id)

	fname := v.state.Get().Feature
	if _, ok := b.Features[fname]; !ok {
		if names := b.FeatureNames(); len(names) > 0 {
			v.state.Update(func(f *state.Fields) { f.Feature = names[0] })
		}
	}
	return nil
}

func (v *Viewer) feature(ctx context.Context, f state.Fields, refresh bool) (*atlas.Feature, error) {
	var opts []cache.GetOption
	if refresh {
		opts = append(opts, cache.WithRefresh())
	}
	return v.res.Features(ctx, f.Bucket, f.Feature, opts...)
}

// Colors runs the coloring pass when the state changed since the last one
// and pushes the colors to the companion viewer.
func (v *Viewer) Colors(ctx context.Context) (*coloring.Result, error) {
	res, _, err := v.colors(ctx)
	return res, err
}

// colors also returns the number of the pass that produced the result.
func (v *Viewer) colors(ctx context.Context) (*coloring.Result, uint64, error) {
	v.mu.Lock()
	if !v.dirty && v.result != nil {
		res, pass := v.result, v.pass
		v.mu.Unlock()
		return res, pass, nil
	}
	refresh := v.refresh
	v.mu.Unlock()

	f := v.state.Get()
	feature, err := v.feature(ctx, f, refresh)
	if err != nil {
		return nil, 0, fmt.Errorf("features %s/%s: %w", f.Bucket, f.Feature, err)
	}
	regions, err := v.res.Regions(ctx, f.Mapping)
	if err != nil {
		return nil, 0, err
	}
	cmap, err := v.res.Colormap(ctx, f.Colormap)
	if err != nil {
		return nil, 0, err
	}

	res, err := coloring.ComputeRegionColors(f, feature.ForMapping(f.Mapping), regions, cmap)
	for _, d := range res.Diagnostics {
		log.Printf("[Viewer] Coloring %s/%s: %v", f.Bucket, f.Feature, d)
	}
	if err != nil {
		return res, 0, err
	}

	if _, err := v.companion.SetColors(regions, res.Colors); err != nil {
		log.Printf("[Viewer] Companion update incomplete: %v", err)
	}

	pass := passes.Add(1)
	v.mu.Lock()
	// A concurrent intent may have changed the state during the pass.
	if state.Encode(v.state.Get()) == state.Encode(f) {
		v.dirty = false
		v.refresh = false
	}
	v.result = res
	v.pass = pass
	v.mu.Unlock()
	return res, pass, nil
}

// Stylesheet returns the CSS rules painting the current colors. Every
// coloring pass gets a fresh document.
func (v *Viewer) Stylesheet(ctx context.Context) (string, error) {
	res, pass, err := v.colors(ctx)
	if err != nil {
		return "", err
	}
	key := cache.StylesheetKey(v.Token(), pass)
	c := v.res.cache
	if c != nil {
		if data, ok := c.GetDocument(key); ok {
			return string(data), nil
		}
	}
	css := coloring.Stylesheet(res)
	if c != nil {
		c.SetDocument(key, []byte(css))
	}
	return css, nil
}

// syncVisibility shows the companion regions matching the current search
// and hides the others. Only changes are sent.
func (v *Viewer) syncVisibility(ctx context.Context) error {
	f := v.state.Get()
	regions, err := v.res.Regions(ctx, f.Mapping)
	if err != nil {
		return err
	}

	visible := make(map[string]bool)
	for _, idx := range regions.Indices() {
		r := regions[idx]
		if r.Acronym == "" {
			continue
		}
		visible[r.Acronym] = visible[r.Acronym] || matches(r, f.Search)
	}

	v.mu.Lock()
	var show, hide []string
	for acronym, vis := range visible {
		switch {
		case vis && v.hidden[acronym]:
			show = append(show, acronym)
			delete(v.hidden, acronym)
		case !vis && !v.hidden[acronym]:
			hide = append(hide, acronym)
			v.hidden[acronym] = true
		}
	}
	v.mu.Unlock()

	sort.Strings(show)
	sort.Strings(hide)
	return errors.Join(
		v.companion.SetVisibility(hide, false),
		v.companion.SetVisibility(show, true),
	)
}

// Colorbar returns the legend swatches of the current colormap and range.
func (v *Viewer) Colorbar(ctx context.Context) ([]string, error) {
	f := v.state.Get()
	cmap, err := v.res.Colormap(ctx, f.Colormap)
	if err != nil {
		return nil, err
	}
	return coloring.Colorbar(cmap, f.CmapMin, f.CmapMax, coloring.ColorbarItems)
}

// ColorbarPNG renders the legend swatches.
func (v *Viewer) ColorbarPNG(ctx context.Context) ([]byte, error) {
	f := v.state.Get()
	cfg := v.res.renderer.Config()
	key := cache.ColorbarKey(f.Colormap, f.CmapMin, f.CmapMax, cfg.ColorbarWidth, cfg.ColorbarHeight)
	return v.cachedRaster(key, func() ([]byte, error) {
		items, err := v.Colorbar(ctx)
		if err != nil {
			return nil, err
		}
		return v.res.renderer.RenderColorbar(items)
	})
}

func (v *Viewer) cachedRaster(key string, render func() ([]byte, error)) ([]byte, error) {
	c := v.res.cache
	if c != nil {
		if data, ok := c.GetRaster(key); ok {
			return data, nil
		}
	}
	data, err := render()
	if err != nil {
		return nil, err
	}
	if c != nil {
		if err := c.SetRaster(key, data); err != nil {
			log.Printf("[Viewer] Failed to cache %s: %v", key, err)
		}
	}
	return data, nil
}

// Histogram returns the legend histogram of the current feature.
func (v *Viewer) Histogram(ctx context.Context) (*coloring.Histogram, error) {
	f := v.state.Get()
	feature, err := v.feature(ctx, f, false)
	if err != nil {
		return nil, err
	}
	return coloring.LegendHistogram(feature, f.Mapping, f.Stat)
}

// SliceSVG returns the SVG document of a slice. A negative index means the
// current slice of that axis.
func (v *Viewer) SliceSVG(ctx context.Context, axis atlas.Axis, idx int) (string, error) {
	if idx < 0 {
		f := v.state.Get()
		idx = f.Slice(axis)
	}
	return v.res.Slice(ctx, axis, idx)
}

// VolumeSlice rasterizes the current slice of the current feature's volume.
func (v *Viewer) VolumeSlice(ctx context.Context, axis atlas.Axis) ([]byte, error) {
	if axis.Static() {
		return nil, fmt.Errorf("%w: axis %s has no volume slices", ErrInvalidIntent, axis)
	}
	f := v.state.Get()
	key := cache.VolumeSliceKey(f.Bucket, f.Feature, f.Colormap, f.CmapMin, f.CmapMax, string(axis), f.Slice(axis))
	return v.cachedRaster(key, func() ([]byte, error) {
		vol, err := v.res.Volume(ctx, f.Bucket, f.Feature)
		if err != nil {
			return nil, err
		}
		cmap, err := v.res.Colormap(ctx, f.Colormap)
		if err != nil {
			return nil, err
		}
		raw, err := vol.SliceIndexFor(axis, f.Slice(axis))
		if err != nil {
			return nil, err
		}
		lo, hi := volume.DisplayRange(f.CmapMin, f.CmapMax)
		img, err := vol.RasterizeSlice(axis, raw, cmap, lo, hi)
		if err != nil {
			return nil, err
		}
		return v.res.renderer.EncodePNG(img)
	})
}

// Distribution builds the distribution view of the selected regions.
func (v *Viewer) Distribution(ctx context.Context) (*distribution.View, error) {
	f := v.state.Get()
	feature, err := v.feature(ctx, f, false)
	if err != nil {
		return nil, err
	}
	data := feature.ForMapping(f.Mapping)
	if data == nil {
		return nil, distribution.ErrEmpty
	}
	r, ok := distribution.RangeFor(feature, data, f.Stat)
	if !ok {
		return nil, distribution.ErrEmpty
	}
	regions, err := v.res.Regions(ctx, f.Mapping)
	if err != nil {
		return nil, err
	}
	return distribution.Build(f.Selected.Sorted(), data, regions, r, v.sigma)
}

// DistributionPNG renders the distribution view.
func (v *Viewer) DistributionPNG(ctx context.Context) ([]byte, error) {
	f := v.state.Get()
	cfg := v.res.renderer.Config()
	key := cache.DistributionKey(f.Bucket, f.Feature, f.Mapping, f.Stat, v.sigma, f.Selected.Sorted(), cfg.PlotWidth, cfg.PlotHeight)
	return v.cachedRaster(key, func() ([]byte, error) {
		view, err := v.Distribution(ctx)
		if errors.Is(err, distribution.ErrEmpty) {
			view, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v.res.renderer.RenderDistribution(view)
	})
}

// RegionItem is one entry of the region bar list.
type RegionItem struct {
	Idx        int      `json:"idx"`
	Acronym    string   `json:"acronym"`
	Name       string   `json:"name"`
	Hemisphere string   `json:"hemisphere"`
	Value      *float64 `json:"value,omitempty"`
	Bar        float64  `json:"bar"`
	Color      string   `json:"color,omitempty"`
	Visible    bool     `json:"visible"`
	Selected   bool     `json:"selected"`
}

// Regions lists the regions carrying a value, in index order, with their
// bar width and whether they match the current search.
func (v *Viewer) Regions(ctx context.Context) ([]RegionItem, error) {
	res, err := v.Colors(ctx)
	if err != nil {
		return nil, err
	}
	f := v.state.Get()
	regions, err := v.res.Regions(ctx, f.Mapping)
	if err != nil {
		return nil, err
	}

	out := make([]RegionItem, 0, len(res.Values))
	for _, idx := range regions.Indices() {
		value, ok := res.Values[idx]
		if !ok {
			continue
		}
		r := regions[idx]
		out = append(out, RegionItem{
			Idx:        idx,
			Acronym:    r.Acronym,
			Name:       r.Name,
			Hemisphere: coloring.HemisphereOf(idx, regions).String(),
			Value:      &value,
			Bar:        res.Bars[idx],
			Color:      res.Colors[idx],
			Visible:    matches(r, f.Search),
			Selected:   f.Selected.Has(idx),
		})
	}
	return out, nil
}

func matches(r atlas.Region, query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Name), query) ||
		strings.Contains(strings.ToLower(r.Acronym), query)
}

// Search returns the left-hemisphere regions of the current mapping whose
// name or acronym contains text, case-insensitively.
func (v *Viewer) Search(ctx context.Context, text string) ([]atlas.Region, error) {
	f := v.state.Get()
	regions, err := v.res.Regions(ctx, f.Mapping)
	if err != nil {
		return nil, err
	}
	var out []atlas.Region
	for _, idx := range regions.Indices() {
		r := regions[idx]
		if coloring.HemisphereOf(idx, regions) != coloring.Left {
			continue
		}
		if matches(r, text) {
			out = append(out, r)
		}
	}
	return out, nil
}
