// Package dispatch is the named-event bus between viewer components.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "atlas_dispatch",
		Name:      "events_total",
	}, []string{"event"})
	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "atlas_dispatch",
		Name:      "handler_failures_total",
	}, []string{"event"})
)

// Event names a dispatched intent or notification.
type Event string

const (
	Slice        Event = "slice"
	Highlight    Event = "highlight"
	Toggle       Event = "toggle"
	Clear        Event = "clear"
	Reset        Event = "reset"
	Bucket       Event = "bucket"
	BucketRemove Event = "bucketRemove"
	Search       Event = "search"
	Feature      Event = "feature"
	FeatureHover Event = "featureHover"
	Stat         Event = "stat"
	Cmap         Event = "cmap"
	CmapRange    Event = "cmapRange"
	Mapping      Event = "mapping"
	LogScale     Event = "logScale"
	Volume       Event = "volume"
	Refresh      Event = "refresh"
	Share        Event = "share"
)

// Events lists every known event.
var Events = []Event{
	Slice, Highlight, Toggle, Clear, Reset, Bucket, BucketRemove, Search,
	Feature, FeatureHover, Stat, Cmap, CmapRange, Mapping, LogScale, Volume,
	Refresh, Share,
}

// ParseEvent validates an event name.
func ParseEvent(name string) (Event, error) {
	for _, e := range Events {
		if string(e) == name {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown event: %q", name)
}

// Message is what handlers receive.
type Message struct {
	Name    Event
	Source  string
	Payload any
}

// Handler reacts to one message. A returned error is logged and does not
// stop the other handlers.
type Handler func(Message) error

// Dispatcher fans messages out to handlers synchronously, in registration
// order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[Event][]Handler)}
}

// On registers a handler for an event.
func (d *Dispatcher) On(name Event, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], h)
}

// Emit delivers a message to every handler of name. Handlers registered
// during the emission are not called for it.
func (d *Dispatcher) Emit(name Event, source string, payload any) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[name]...)
	d.mu.RUnlock()

	eventsEmitted.WithLabelValues(string(name)).Inc()
	msg := Message{Name: name, Source: source, Payload: payload}
	for i, h := range handlers {
		if err := call(h, msg); err != nil {
			handlerFailures.WithLabelValues(string(name)).Inc()
			log.Printf("[Dispatcher] handler %d for %q from %q failed: %v", i, name, source, err)
		}
	}
}

func call(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(msg)
}

// Payloads, one per event that carries data.

type SlicePayload struct {
	Axis string `json:"axis"`
	Idx  int    `json:"idx"`
}

type RegionPayload struct {
	Idx int `json:"idx"`
}

type BucketPayload struct {
	UUIDOrAlias string `json:"uuid_or_alias"`
}

type SearchPayload struct {
	Text string `json:"text"`
}

type FeaturePayload struct {
	Fname string `json:"fname"`
}

type FeatureHoverPayload struct {
	Fname string `json:"fname"`
	Desc  string `json:"desc"`
}

type NamePayload struct {
	Name string `json:"name"`
}

type CmapRangePayload struct {
	Cmin int `json:"cmin"`
	Cmax int `json:"cmax"`
}

type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

type Empty struct{}

// DecodePayload parses the JSON payload of an event into its typed struct.
// An empty body decodes to the zero payload.
func DecodePayload(name Event, raw []byte) (any, error) {
	var v any
	switch name {
	case Slice:
		v = &SlicePayload{}
	case Highlight, Toggle:
		v = &RegionPayload{}
	case Bucket, BucketRemove:
		v = &BucketPayload{}
	case Search:
		v = &SearchPayload{}
	case Feature:
		v = &FeaturePayload{}
	case FeatureHover:
		v = &FeatureHoverPayload{}
	case Stat, Cmap, Mapping:
		v = &NamePayload{}
	case CmapRange:
		v = &CmapRangePayload{}
	case LogScale, Volume:
		v = &TogglePayload{}
	case Clear, Reset, Refresh, Share:
		v = &Empty{}
	default:
		return nil, fmt.Errorf("unknown event: %q", name)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", name, err)
		}
	}
	return v, nil
}
