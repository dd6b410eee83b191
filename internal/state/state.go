// Package state holds the viewer selections and their URL token encoding.
package state

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/ephys-atlas/server/internal/data/atlas"
)

const (
	DefaultBucket   = "ephys"
	DefaultStat     = "mean"
	DefaultColormap = "viridis"
	DefaultCmapMin  = 0
	DefaultCmapMax  = 100
	DefaultMapping  = "allen"
)

// DefaultFeatures is the feature selected when a bucket is chosen.
var DefaultFeatures = map[string]string{
	"ephys":        "psd_alpha",
	"bwm_block":    "decoding_median",
	"bwm_choice":   "decoding_median",
	"bwm_reward":   "decoding_median",
	"bwm_stimulus": "values_median",
}

// DefaultFeature returns the default feature name of a bucket, or "".
func DefaultFeature(bucket string) string {
	return DefaultFeatures[bucket]
}

// Selection is a set of region indices. It encodes as a sorted list.
type Selection map[int]struct{}

// NewSelection builds a selection from indices, ignoring duplicates.
func NewSelection(idx ...int) Selection {
	s := make(Selection, len(idx))
	for _, i := range idx {
		s[i] = struct{}{}
	}
	return s
}

// Sorted returns the indices in ascending order.
func (s Selection) Sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Has reports membership.
func (s Selection) Has(idx int) bool {
	_, ok := s[idx]
	return ok
}

func (s Selection) clone() Selection {
	out := make(Selection, len(s))
	for i := range s {
		out[i] = struct{}{}
	}
	return out
}

func (s Selection) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Selection) UnmarshalJSON(data []byte) error {
	var list []int
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewSelection(list...)
	return nil
}

// Fields is the full set of user-visible selections.
type Fields struct {
	Bucket     string `json:"bucket"`
	FeatureSet string `json:"fset"`
	Feature    string `json:"fname"`
	Stat       string `json:"stat"`
	Colormap   string `json:"cmap"`
	CmapMin    int    `json:"cmapmin"`
	CmapMax    int    `json:"cmapmax"`
	Mapping    string `json:"mapping"`
	LogScale   bool   `json:"logScale"`
	Search     string `json:"search"`

	Coronal    int `json:"coronal"`
	Horizontal int `json:"horizontal"`
	Sagittal   int `json:"sagittal"`
	Top        int `json:"top"`
	Swanson    int `json:"swanson"`

	IsVolume bool      `json:"isVolume"`
	Selected Selection `json:"selected"`

	Highlighted *int `json:"highlighted,omitempty"`
}

// Slice returns the slice index of an axis.
func (f *Fields) Slice(axis atlas.Axis) int {
	switch axis {
	case atlas.Coronal:
		return f.Coronal
	case atlas.Horizontal:
		return f.Horizontal
	case atlas.Sagittal:
		return f.Sagittal
	case atlas.Top:
		return f.Top
	case atlas.Swanson:
		return f.Swanson
	}
	return 0
}

// SetSlice sets the slice index of an axis, clamped to its range.
func (f *Fields) SetSlice(axis atlas.Axis, idx int) {
	idx = max(0, min(idx, axis.Max()))
	switch axis {
	case atlas.Coronal:
		f.Coronal = idx
	case atlas.Horizontal:
		f.Horizontal = idx
	case atlas.Sagittal:
		f.Sagittal = idx
	case atlas.Top:
		f.Top = idx
	case atlas.Swanson:
		f.Swanson = idx
	}
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	out := f
	out.Selected = f.Selected.clone()
	if f.Highlighted != nil {
		h := *f.Highlighted
		out.Highlighted = &h
	}
	return out
}

// Equal compares two field sets, the selection as a set.
func (f Fields) Equal(o Fields) bool {
	return Encode(f) == Encode(o)
}

func (f *Fields) valid() error {
	for _, axis := range atlas.AllAxes {
		if idx := f.Slice(axis); idx < 0 || idx > axis.Max() {
			return fmt.Errorf("%s slice %d out of range", axis, idx)
		}
	}
	return nil
}

// Partial is a sparse set of fields; nil means "use the default".
type Partial struct {
	Bucket      *string `json:"bucket"`
	FeatureSet  *string `json:"fset"`
	Feature     *string `json:"fname"`
	Stat        *string `json:"stat"`
	Colormap    *string `json:"cmap"`
	CmapMin     *int    `json:"cmapmin"`
	CmapMax     *int    `json:"cmapmax"`
	Mapping     *string `json:"mapping"`
	LogScale    *bool   `json:"logScale"`
	Search      *string `json:"search"`
	Coronal     *int    `json:"coronal"`
	Horizontal  *int    `json:"horizontal"`
	Sagittal    *int    `json:"sagittal"`
	Top         *int    `json:"top"`
	Swanson     *int    `json:"swanson"`
	IsVolume    *bool   `json:"isVolume"`
	Selected    []int   `json:"selected"`
	Highlighted *int    `json:"highlighted"`
}

// Defaults returns the default field set.
func Defaults() Fields {
	return Initialize(Partial{})
}

// Initialize fills every field from p or its default.
func Initialize(p Partial) Fields {
	f := Fields{
		Bucket:     pick(p.Bucket, DefaultBucket),
		Stat:       pick(p.Stat, DefaultStat),
		Colormap:   pick(p.Colormap, DefaultColormap),
		CmapMin:    pick(p.CmapMin, DefaultCmapMin),
		CmapMax:    pick(p.CmapMax, DefaultCmapMax),
		Mapping:    pick(p.Mapping, DefaultMapping),
		LogScale:   pick(p.LogScale, false),
		Search:     pick(p.Search, ""),
		Coronal:    pick(p.Coronal, atlas.Coronal.Default()),
		Horizontal: pick(p.Horizontal, atlas.Horizontal.Default()),
		Sagittal:   pick(p.Sagittal, atlas.Sagittal.Default()),
		Top:        pick(p.Top, 0),
		Swanson:    pick(p.Swanson, 0),
		IsVolume:   pick(p.IsVolume, false),
		Selected:   NewSelection(p.Selected...),
	}
	f.FeatureSet = pick(p.FeatureSet, f.Bucket)
	f.Feature = pick(p.Feature, DefaultFeature(f.FeatureSet))
	if p.Highlighted != nil {
		h := *p.Highlighted
		f.Highlighted = &h
	}
	return f
}

func pick[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Encode serializes fields into a URL-safe token.
func Encode(f Fields) string {
	data, err := json.Marshal(f)
	if err != nil {
		// Fields only holds plain values.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

var tokenEncodings = []*base64.Encoding{
	base64.RawURLEncoding,
	base64.URLEncoding,
	base64.StdEncoding,
	base64.RawStdEncoding,
}

// Decode parses a token. Missing fields take their defaults.
func Decode(token string) (Fields, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Fields{}, fmt.Errorf("empty state token")
	}

	var data []byte
	var err error
	for _, enc := range tokenEncodings {
		if data, err = enc.DecodeString(token); err == nil {
			break
		}
	}
	if err != nil {
		return Fields{}, fmt.Errorf("invalid state token encoding: %w", err)
	}

	var p Partial
	if err := json.Unmarshal(data, &p); err != nil {
		return Fields{}, fmt.Errorf("invalid state token: %w", err)
	}
	f := Initialize(p)
	if err := f.valid(); err != nil {
		return Fields{}, fmt.Errorf("invalid state token: %w", err)
	}
	return f, nil
}

// Deserialize decodes a token and falls back to the defaults when the token
// is missing or malformed.
func Deserialize(token string) Fields {
	f, err := Decode(token)
	if err != nil {
		return Defaults()
	}
	return f
}

// Aliases maps short names to full state tokens.
type Aliases map[string]string

// presetPartials are the built-in feature presets.
var presetPartials = map[string]Partial{
	"ephys":        {Bucket: ptr("ephys")},
	"ephys_beta":   {Bucket: ptr("ephys"), Feature: ptr("psd_beta")},
	"ephys_gamma":  {Bucket: ptr("ephys"), Feature: ptr("psd_gamma")},
	"bwm_block":    {Bucket: ptr("bwm_block")},
	"bwm_choice":   {Bucket: ptr("bwm_choice")},
	"bwm_reward":   {Bucket: ptr("bwm_reward")},
	"bwm_stimulus": {Bucket: ptr("bwm_stimulus"), Colormap: ptr("magma")},
}

func ptr[T any](v T) *T { return &v }

// Presets returns the built-in aliases.
func Presets() Aliases {
	out := make(Aliases, len(presetPartials))
	for name, p := range presetPartials {
		out[name] = Encode(Initialize(p))
	}
	return out
}

// WithPresets merges configured aliases over the built-in ones.
func WithPresets(configured map[string]string) Aliases {
	out := Presets()
	for name, token := range configured {
		out[name] = token
	}
	return out
}

// Resolve returns the fields an alias stands for. Unknown aliases yield the
// defaults.
func (a Aliases) Resolve(alias string) Fields {
	token, ok := a[alias]
	if !ok {
		return Defaults()
	}
	return Deserialize(token)
}

// FromQuery reads the alias or state query parameter. alias wins.
func (a Aliases) FromQuery(q url.Values) Fields {
	if alias := q.Get("alias"); alias != "" {
		return a.Resolve(alias)
	}
	return Deserialize(q.Get("state"))
}

// State is the mutable, shared viewer state.
type State struct {
	mu sync.RWMutex
	f  Fields
}

// New creates a state from a partial record.
func New(p Partial) *State {
	return &State{f: Initialize(p)}
}

// FromFields wraps an existing field set.
func FromFields(f Fields) *State {
	return &State{f: f.Clone()}
}

// Get returns a copy of the current fields.
func (s *State) Get() Fields {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.f.Clone()
}

// Update mutates the fields under the lock.
func (s *State) Update(fn func(*Fields)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.f)
}

// Replace swaps in a whole field set.
func (s *State) Replace(f Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f = f.Clone()
}

// Toggle flips the membership of a region and reports whether it is now
// selected.
func (s *State) Toggle(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f.Selected == nil {
		s.f.Selected = make(Selection)
	}
	if s.f.Selected.Has(idx) {
		delete(s.f.Selected, idx)
		return false
	}
	s.f.Selected[idx] = struct{}{}
	return true
}

// Clear empties the selection.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Selected = make(Selection)
}

// SetBucket selects a bucket and resets the feature and statistic.
func (s *State) SetBucket(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Bucket = bucket
	s.f.FeatureSet = bucket
	s.f.Feature = DefaultFeature(bucket)
	s.f.Stat = DefaultStat
}

// Serialize encodes the current fields.
func (s *State) Serialize() string {
	return Encode(s.Get())
}
