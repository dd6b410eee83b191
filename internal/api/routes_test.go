package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ephys-atlas/server/internal/cache"
	"github.com/ephys-atlas/server/internal/companion"
	"github.com/ephys-atlas/server/internal/data/atlas/atlastest"
	"github.com/ephys-atlas/server/internal/render"
	"github.com/ephys-atlas/server/internal/service"
	"github.com/ephys-atlas/server/internal/state"
	"github.com/ephys-atlas/server/internal/store"
	"github.com/ephys-atlas/server/internal/volume"
)

const testPublicURL = "https://atlas.example.org/"

// testServer holds the test server and its dependencies
type testServer struct {
	server    *httptest.Server
	client    *http.Client
	router    http.Handler
	sessions  *SessionRegistry
	resources *service.Resources
}

func newTestResources(t *testing.T) *service.Resources {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "atlas.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cacheManager, err := cache.NewManager(cache.Config{
		RasterCacheSizeMB: 16, // Smaller cache for tests
		RasterTTL:         time.Minute,
		DocumentCacheSize: 64,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	res, err := service.NewResources(service.ResourcesConfig{
		Store:  st,
		Source: atlastest.Source(t),
		Cache:  cacheManager,
		Renderer: render.NewRenderer(render.Config{
			ColorbarWidth: 100, ColorbarHeight: 10, PlotWidth: 200, PlotHeight: 120,
		}),
		Canonical: volume.Sizes(atlastest.VolumeShape),
		Buckets:   []string{"ephys", "bwm"},
	})
	if err != nil {
		t.Fatalf("Failed to initialize resources: %v", err)
	}
	if err := res.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load resources: %v", err)
	}
	return res
}

func newTestRouter(t *testing.T, maxSessions int) (http.Handler, *SessionRegistry, *service.Resources) {
	t.Helper()
	res := newTestResources(t)
	sessions, err := NewSessionRegistry(maxSessions, state.Presets(), func(initial state.Fields) *service.Viewer {
		return service.NewViewer(service.ViewerConfig{
			Resources: res,
			State:     initial,
			Companion: &companion.Recorder{},
		})
	})
	if err != nil {
		t.Fatalf("Failed to create session registry: %v", err)
	}
	router := NewRouter(RouterConfig{
		Sessions:    sessions,
		Resources:   res,
		CORSOrigins: []string{"http://localhost:3000"},
		PublicURL:   testPublicURL,
	})
	return router, sessions, res
}

// setupTestServer initializes all components and returns a test server
// whose client keeps the session cookie.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	router, sessions, res := newTestRouter(t, 8)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{
		server:    server,
		client:    &http.Client{Jar: jar},
		router:    router,
		sessions:  sessions,
		resources: res,
	}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := ts.client.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, body
}

func (ts *testServer) post(t *testing.T, path, payload string) (*http.Response, []byte) {
	t.Helper()
	resp, err := ts.client.Post(ts.server.URL+path, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, body
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, body []byte, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("Expected status code %d, got %d: %s", expected, resp.StatusCode, body)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	// PNG magic bytes: 0x89 0x50 0x4E 0x47 0x0D 0x0A 0x1A 0x0A
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Errorf("Response too short to be a valid PNG (got %d bytes)", len(body))
		return
	}
	for i, b := range pngMagic {
		if body[i] != b {
			t.Errorf("Invalid PNG magic bytes at position %d: expected 0x%02X, got 0x%02X", i, b, body[i])
			return
		}
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
	return result
}

func decodeState(t *testing.T, body []byte) stateResponse {
	t.Helper()
	var out stateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	return out
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/health")
	assertStatusCode(t, resp, body, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}

	resp, body = ts.get(t, "/metrics")
	assertStatusCode(t, resp, body, http.StatusOK)
}

func TestStateEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/state")
	assertStatusCode(t, resp, body, http.StatusOK)
	if resp.Header.Get(SessionHeader) == "" {
		t.Errorf("Expected a session header")
	}
	got := decodeState(t, body)
	if got.State.Bucket != state.DefaultBucket || got.Token == "" {
		t.Errorf("Unexpected initial state: %+v", got)
	}

	// A state query decodes the token without touching the session.
	f := state.Defaults()
	f.Colormap = "magma"
	resp, body = ts.get(t, "/api/state?state="+state.Encode(f))
	assertStatusCode(t, resp, body, http.StatusOK)
	if decoded := decodeState(t, body); decoded.State.Colormap != "magma" {
		t.Errorf("Expected the decoded colormap, got %q", decoded.State.Colormap)
	}
	_, body = ts.get(t, "/api/state")
	if session := decodeState(t, body); session.State.Colormap == "magma" {
		t.Errorf("Decoding must not change the session")
	}

	if ts.sessions.Len() != 1 {
		t.Errorf("Expected one session with the cookie jar, got %d", ts.sessions.Len())
	}
}

func TestEventEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name           string
		path           string
		payload        string
		expectedStatus int
	}{
		{"colormap", "/api/events/cmap", `{"name": "magma"}`, http.StatusOK},
		{"unknown colormap", "/api/events/cmap", `{"name": "nope"}`, http.StatusBadRequest},
		{"unknown event", "/api/events/bogus", `{}`, http.StatusNotFound},
		{"malformed payload", "/api/events/slice", `{"axis": `, http.StatusBadRequest},
		{"invalid axis", "/api/events/slice", `{"axis": "oblique", "idx": 3}`, http.StatusBadRequest},
		{"empty body", "/api/events/clear", ``, http.StatusOK},
		{"unknown bucket", "/api/events/bucket", `{"uuid_or_alias": "missing"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.post(t, tt.path, tt.payload)
			assertStatusCode(t, resp, body, tt.expectedStatus)
		})
	}

	_, body := ts.get(t, "/api/state")
	got := decodeState(t, body)
	if got.State.Colormap != "magma" {
		t.Errorf("Expected colormap magma, got %q", got.State.Colormap)
	}
	if got.State.Bucket != state.DefaultBucket {
		t.Errorf("A rejected bucket must leave the state unchanged, got %q", got.State.Bucket)
	}
}

func TestColorEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/colors")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertContentType(t, resp, "application/json")
	result := assertJSONFields(t, body, []string{"mapping", "colors", "values", "bars", "range"})
	colors, _ := result["colors"].(map[string]any)
	if _, ok := colors["1"]; !ok {
		t.Errorf("Expected a color for region 1, got %v", colors)
	}

	resp, body = ts.get(t, "/api/stylesheet")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertContentType(t, resp, "text/css")
	if !strings.Contains(string(body), "CA1") {
		t.Errorf("Expected a rule for CA1, got %q", body)
	}

	resp, body = ts.get(t, "/api/colorbar")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertJSONFields(t, body, []string{"colors"})

	resp, body = ts.get(t, "/api/colorbar.png")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertContentType(t, resp, "image/png")
	assertPNG(t, body)

	resp, body = ts.get(t, "/api/histogram")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertJSONFields(t, body, []string{"counts", "min", "max"})
}

func TestRegionEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/regions")
	assertStatusCode(t, resp, body, http.StatusOK)
	var list struct {
		Regions []service.RegionItem `json:"regions"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	seen := map[int]bool{}
	for _, r := range list.Regions {
		seen[r.Idx] = true
	}
	if !seen[1] || !seen[3] || seen[4] {
		t.Errorf("Unexpected region list: %+v", list.Regions)
	}

	resp, body = ts.get(t, "/api/regions/search?q=ca1")
	assertStatusCode(t, resp, body, http.StatusOK)
	var found struct {
		Regions []struct {
			Idx int `json:"idx"`
		} `json:"regions"`
	}
	if err := json.Unmarshal(body, &found); err != nil {
		t.Fatal(err)
	}
	if len(found.Regions) != 1 || found.Regions[0].Idx != 1 {
		t.Errorf("Expected only the left CA1, got %+v", found.Regions)
	}
}

func TestSliceEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedBody   string
	}{
		{"explicit index", "/api/slices/coronal/0.svg", http.StatusOK, `<svg id="coronal-0"/>`},
		{"current slice", "/api/slices/sagittal.svg", http.StatusOK, `<svg id="sagittal-550"/>`},
		{"missing index", "/api/slices/coronal/7.svg", http.StatusNotFound, ""},
		{"invalid axis", "/api/slices/oblique/0.svg", http.StatusBadRequest, ""},
		{"invalid index", "/api/slices/coronal/abc.svg", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.get(t, tt.path)
			assertStatusCode(t, resp, body, tt.expectedStatus)
			if tt.expectedBody != "" {
				assertContentType(t, resp, "image/svg+xml")
				if string(body) != tt.expectedBody {
					t.Errorf("Expected %q, got %q", tt.expectedBody, body)
				}
			}
		})
	}
}

func TestVolumeEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/volume/coronal.png")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertContentType(t, resp, "image/png")
	assertPNG(t, body)

	resp, body = ts.get(t, "/api/volume/top.png")
	assertStatusCode(t, resp, body, http.StatusBadRequest)
}

func TestDistributionEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.post(t, "/api/events/toggle", `{"idx": 1}`)
	assertStatusCode(t, resp, body, http.StatusOK)
	if got := decodeState(t, body); !got.State.Selected.Has(1) {
		t.Fatalf("Expected region 1 selected, got %+v", got.State.Selected)
	}

	resp, body = ts.get(t, "/api/distribution")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertJSONFields(t, body, []string{"min", "max", "bin_centers", "series", "table"})

	resp, body = ts.get(t, "/api/distribution.png")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertPNG(t, body)
}

func TestShareEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	ts.post(t, "/api/events/cmap", `{"name": "magma"}`)
	resp, body := ts.get(t, "/api/share")
	assertStatusCode(t, resp, body, http.StatusOK)
	result := assertJSONFields(t, body, []string{"url", "token"})

	link, _ := result["url"].(string)
	token, _ := result["token"].(string)
	if !strings.HasPrefix(link, testPublicURL+"?state=") || !strings.HasSuffix(link, token) {
		t.Errorf("Unexpected share link %q for token %q", link, token)
	}
	if f := state.Deserialize(token); f.Colormap != "magma" {
		t.Errorf("Share token lost the colormap: %+v", f)
	}
}

func TestLocalBucketEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	feature := `{"mappings": {"allen": {
		"data": {"1": {"mean": 1}, "3": {"mean": 3}},
		"statistics": {"mean": {"min": 0, "max": 4}}
	}}}`
	resp, body := ts.post(t, "/api/buckets/local/custom?unit=mV", feature)
	assertStatusCode(t, resp, body, http.StatusCreated)

	resp, body = ts.post(t, "/api/buckets/local/empty", `{"mappings": {}}`)
	assertStatusCode(t, resp, body, http.StatusBadRequest)

	resp, body = ts.post(t, "/api/events/bucket", `{"uuid_or_alias": "local"}`)
	assertStatusCode(t, resp, body, http.StatusOK)
	if got := decodeState(t, body); got.State.Bucket != "local" || got.State.Feature != "custom" {
		t.Errorf("Expected local/custom, got %s/%s", got.State.Bucket, got.State.Feature)
	}

	resp, body = ts.get(t, "/api/colors")
	assertStatusCode(t, resp, body, http.StatusOK)

	req, _ := http.NewRequest(http.MethodDelete, ts.server.URL+"/api/buckets/local/custom", nil)
	del, err := ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", del.StatusCode)
	}
	del, err = ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for a second delete, got %d", del.StatusCode)
	}
}

func TestResourceEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/colormaps")
	assertStatusCode(t, resp, body, http.StatusOK)
	if !strings.Contains(string(body), `"bw"`) {
		t.Errorf("Expected the stored colormap, got %s", body)
	}

	resp, body = ts.get(t, "/api/buckets/ephys")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertJSONFields(t, body, []string{"metadata", "features"})

	resp, body = ts.get(t, "/api/buckets/missing")
	assertStatusCode(t, resp, body, http.StatusNotFound)

	resp, body = ts.get(t, "/api/cache/stats")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertJSONFields(t, body, []string{"request_cache_len"})
}

func TestClearCacheEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/progress")
	assertStatusCode(t, resp, body, http.StatusOK)
	if p := assertJSONFields(t, body, []string{"done", "total", "complete"}); p["complete"] != true {
		t.Fatalf("Expected a complete load, got %s", body)
	}

	resp, body = ts.post(t, "/api/cache/clear", "")
	assertStatusCode(t, resp, body, http.StatusAccepted)

	deadline := time.Now().Add(10 * time.Second)
	for {
		_, body = ts.get(t, "/api/progress")
		var p store.ProgressSnapshot
		if err := json.Unmarshal(body, &p); err != nil {
			t.Fatal(err)
		}
		if p.Error != "" {
			t.Fatalf("Reload failed: %s", p.Error)
		}
		if p.Complete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Reload did not complete: %+v", p)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, body = ts.get(t, "/api/slices/coronal/0.svg")
	assertStatusCode(t, resp, body, http.StatusOK)
}
