package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ephys-atlas/server/internal/state"
)

func serve(router http.Handler, method, path, session, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSessionsAreIsolated_NoListen(t *testing.T) {
	router, sessions, _ := newTestRouter(t, 4)

	first := serve(router, http.MethodGet, "/api/state", "", "")
	second := serve(router, http.MethodGet, "/api/state?alias=bwm_stimulus", "", "")
	a, b := first.Header().Get(SessionHeader), second.Header().Get(SessionHeader)
	if a == "" || b == "" || a == b {
		t.Fatalf("expected two distinct sessions, got %q and %q", a, b)
	}
	if sessions.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", sessions.Len())
	}

	// The alias seeds the new session.
	if got := decodeState(t, second.Body.Bytes()); got.State.Colormap != "magma" {
		t.Errorf("expected the alias colormap, got %q", got.State.Colormap)
	}

	rec := serve(router, http.MethodPost, "/api/events/cmap", a, `{"name": "plasma"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if rec.Header().Get(SessionHeader) != a {
		t.Errorf("expected the session to be reused")
	}

	if got := decodeState(t, serve(router, http.MethodGet, "/api/state", a, "").Body.Bytes()); got.State.Colormap != "plasma" {
		t.Errorf("session a: expected plasma, got %q", got.State.Colormap)
	}
	if got := decodeState(t, serve(router, http.MethodGet, "/api/state", b, "").Body.Bytes()); got.State.Colormap != "magma" {
		t.Errorf("session b: expected magma, got %q", got.State.Colormap)
	}
}

func TestSessionEviction_NoListen(t *testing.T) {
	router, sessions, _ := newTestRouter(t, 2)

	oldest := serve(router, http.MethodGet, "/api/state", "", "").Header().Get(SessionHeader)
	serve(router, http.MethodGet, "/api/state", "", "")
	serve(router, http.MethodGet, "/api/state", "", "")

	if sessions.Len() != 2 {
		t.Fatalf("expected the registry to stay at 2 sessions, got %d", sessions.Len())
	}
	if sessions.Get(oldest) != nil {
		t.Fatalf("expected the oldest session to be evicted")
	}

	// An evicted id gets a fresh session seeded from the query.
	f := state.Defaults()
	f.Search = "visp"
	rec := serve(router, http.MethodGet, "/api/state?state="+state.Encode(f), oldest, "")
	if id := rec.Header().Get(SessionHeader); id == "" || id == oldest {
		t.Errorf("expected a new session id, got %q", id)
	}
}

func TestUnknownRoute_NoListen(t *testing.T) {
	router, _, _ := newTestRouter(t, 2)

	rec := serve(router, http.MethodGet, "/api/nothing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected %d, got %d", http.StatusNotFound, rec.Code)
	}
}
