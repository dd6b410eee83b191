package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ephys-atlas/server/internal/service"
	"github.com/ephys-atlas/server/internal/state"
)

// SessionHeader carries the session id. The cookie of the same name is
// used when the header is absent.
const SessionHeader = "X-Atlas-Session"

const sessionCookie = "atlas_session"

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "atlas_api",
	Name:      "sessions",
	Help:      "Live viewer sessions.",
})

// ViewerFactory creates the viewer of a new session.
type ViewerFactory func(initial state.Fields) *service.Viewer

// SessionRegistry holds the viewer sessions, evicting the least recently
// used one when full.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions *lru.Cache[string, *service.Viewer]
	aliases  state.Aliases
	create   ViewerFactory
}

// NewSessionRegistry creates a registry of at most size sessions.
func NewSessionRegistry(size int, aliases state.Aliases, create ViewerFactory) (*SessionRegistry, error) {
	sessions, err := lru.NewWithEvict(size, func(id string, _ *service.Viewer) {
		log.Printf("[Sessions] Evicted %s", id)
		activeSessions.Dec()
	})
	if err != nil {
		return nil, err
	}
	if aliases == nil {
		aliases = state.Presets()
	}
	return &SessionRegistry{sessions: sessions, aliases: aliases, create: create}, nil
}

// Get returns a session, or nil if it does not exist.
func (r *SessionRegistry) Get(id string) *service.Viewer {
	v, _ := r.sessions.Get(id)
	return v
}

// Create starts a session with the given state.
func (r *SessionRegistry) Create(initial state.Fields) (string, *service.Viewer) {
	id := uuid.NewString()
	v := r.create(initial)
	r.sessions.Add(id, v)
	activeSessions.Inc()
	return id, v
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	return r.sessions.Len()
}

// Aliases returns the known state aliases.
func (r *SessionRegistry) Aliases() state.Aliases {
	return r.aliases
}

// Resolve returns the session of a request, creating one from the alias or
// state query parameter when the request carries no known session id.
func (r *SessionRegistry) Resolve(w http.ResponseWriter, req *http.Request) (string, *service.Viewer) {
	id := req.Header.Get(SessionHeader)
	if id == "" {
		if c, err := req.Cookie(sessionCookie); err == nil {
			id = c.Value
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if v := r.Get(id); v != nil {
			w.Header().Set(SessionHeader, id)
			return id, v
		}
	}

	id, v := r.Create(r.aliases.FromQuery(req.URL.Query()))
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(SessionHeader, id)
	return id, v
}
