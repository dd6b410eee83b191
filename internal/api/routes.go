// Package api provides HTTP handlers for the atlas server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ephys-atlas/server/internal/coloring"
	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/internal/dispatch"
	"github.com/ephys-atlas/server/internal/distribution"
	"github.com/ephys-atlas/server/internal/service"
	"github.com/ephys-atlas/server/internal/state"
	"github.com/ephys-atlas/server/internal/store"
	"github.com/ephys-atlas/server/internal/volume"
)

// maxBodyBytes bounds event payloads and uploaded features.
const maxBodyBytes = 32 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Sessions    *SessionRegistry
	Resources   *service.Resources
	CORSOrigins []string
	// PublicURL is the viewer URL share links point to.
	PublicURL string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", SessionHeader},
		ExposedHeaders:   []string{SessionHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Shared resources, no session needed
		r.Get("/progress", progressHandler(cfg.Resources))
		r.Get("/colormaps", colormapsHandler(cfg.Resources))
		r.Get("/buckets/{bucket}", bucketHandler(cfg.Resources))
		r.Post("/buckets/local/{fname}", uploadLocalHandler(cfg.Resources))
		r.Delete("/buckets/local/{fname}", removeLocalHandler(cfg.Resources))
		r.Post("/cache/clear", clearCacheHandler(cfg.Resources))
		r.Get("/cache/stats", cacheStatsHandler(cfg.Resources))

		// Session-scoped
		r.Group(func(r chi.Router) {
			r.Use(sessionMiddleware(cfg.Sessions))

			r.Get("/state", stateHandler(cfg.Sessions))
			r.Get("/share", shareHandler(cfg.PublicURL))
			r.Post("/events/{name}", eventHandler)
			r.Get("/colors", colorsHandler)
			r.Get("/stylesheet", stylesheetHandler)
			r.Get("/colorbar", colorbarHandler)
			r.Get("/colorbar.png", colorbarPNGHandler)
			r.Get("/histogram", histogramHandler)
			r.Get("/regions", regionsHandler)
			r.Get("/regions/search", searchHandler)
			r.Get("/slices/{axis}.svg", sliceHandler)
			r.Get("/slices/{axis}/{idx}.svg", sliceHandler)
			r.Get("/volume/{axis}.png", volumeHandler)
			r.Get("/distribution", distributionHandler)
			r.Get("/distribution.png", distributionPNGHandler)
		})
	})

	return r
}

// Context key for the session viewer
type ctxKey string

const viewerKey ctxKey = "viewer"

// sessionMiddleware resolves the session of the request and injects its
// viewer into the context.
func sessionMiddleware(sessions *SessionRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, v := sessions.Resolve(w, r)
			ctx := context.WithValue(r.Context(), viewerKey, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getViewer(r *http.Request) *service.Viewer {
	if v, ok := r.Context().Value(viewerKey).(*service.Viewer); ok {
		return v
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidIntent):
		status = http.StatusBadRequest
	case errors.Is(err, atlas.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, volume.ErrOutOfBounds):
		status = http.StatusNotFound
	case errors.Is(err, coloring.ErrNoData), errors.Is(err, coloring.ErrInvalidRange),
		errors.Is(err, coloring.ErrLogScaleNonPositive), errors.Is(err, distribution.ErrEmpty),
		errors.Is(err, volume.ErrNoFit), errors.Is(err, volume.ErrInvalidRange):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return
	}
	if status == http.StatusInternalServerError {
		log.Printf("[API] %v", err)
	}
	http.Error(w, err.Error(), status)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

type stateResponse struct {
	State state.Fields `json:"state"`
	Token string       `json:"token"`
}

// stateHandler returns the session state. With a state or alias query
// parameter it decodes that token instead, without touching the session.
func stateHandler(sessions *SessionRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != "" || q.Get("alias") != "" {
			f := sessions.Aliases().FromQuery(q)
			writeJSON(w, stateResponse{State: f, Token: state.Encode(f)})
			return
		}
		v := getViewer(r)
		writeJSON(w, stateResponse{State: v.State(), Token: v.Token()})
	}
}

func shareHandler(publicURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := getViewer(r)
		if err := v.Apply(r.Context(), dispatch.Share, "api", &dispatch.Empty{}); err != nil {
			writeError(w, err)
			return
		}
		link, err := v.ShareURL(publicURL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"url": link, "token": v.Token()})
	}
}

// eventHandler applies one intent. The body is the JSON payload of the
// event; an empty body is the zero payload.
func eventHandler(w http.ResponseWriter, r *http.Request) {
	name, err := dispatch.ParseEvent(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	payload, err := dispatch.DecodePayload(name, raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = "api"
	}
	v := getViewer(r)
	if err := v.Apply(r.Context(), name, source, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stateResponse{State: v.State(), Token: v.Token()})
}

func colorsHandler(w http.ResponseWriter, r *http.Request) {
	res, err := getViewer(r).Colors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func stylesheetHandler(w http.ResponseWriter, r *http.Request) {
	css, err := getViewer(r).Stylesheet(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write([]byte(css))
}

func colorbarHandler(w http.ResponseWriter, r *http.Request) {
	items, err := getViewer(r).Colorbar(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"colors": items})
}

func colorbarPNGHandler(w http.ResponseWriter, r *http.Request) {
	data, err := getViewer(r).ColorbarPNG(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func histogramHandler(w http.ResponseWriter, r *http.Request) {
	h, err := getViewer(r).Histogram(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, h)
}

func regionsHandler(w http.ResponseWriter, r *http.Request) {
	items, err := getViewer(r).Regions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"regions": items})
}

func searchHandler(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	regions, err := getViewer(r).Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if regions == nil {
		regions = []atlas.Region{}
	}
	writeJSON(w, map[string]any{"query": q, "regions": regions})
}

// sliceHandler serves the SVG of a slice. Without an index, the session's
// current slice of the axis is served.
func sliceHandler(w http.ResponseWriter, r *http.Request) {
	axis, err := atlas.ParseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	idx := -1
	if s := chi.URLParam(r, "idx"); s != "" {
		idx, err = strconv.Atoi(s)
		if err != nil || idx < 0 {
			http.Error(w, "invalid idx", http.StatusBadRequest)
			return
		}
	}

	svg, err := getViewer(r).SliceSVG(r.Context(), axis, idx)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if idx >= 0 {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
	w.Write([]byte(svg))
}

func volumeHandler(w http.ResponseWriter, r *http.Request) {
	axis, err := atlas.ParseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := getViewer(r).VolumeSlice(r.Context(), axis)
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func distributionHandler(w http.ResponseWriter, r *http.Request) {
	view, err := getViewer(r).Distribution(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, view)
}

func distributionPNGHandler(w http.ResponseWriter, r *http.Request) {
	data, err := getViewer(r).DistributionPNG(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func progressHandler(res *service.Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, res.Progress())
	}
}

func colormapsHandler(res *service.Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := res.Colormaps(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"colormaps": names})
	}
}

func bucketHandler(res *service.Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := atlas.NormalizeBucketID(chi.URLParam(r, "bucket"))
		b, err := res.Bucket(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, b)
	}
}

// uploadLocalHandler stores a feature in the local bucket. The body is
// either a bare feature or the feature_data envelope of the features
// endpoint. unit and short_desc query parameters describe it.
func uploadLocalHandler(res *service.Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fname := chi.URLParam(r, "fname")
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		var envelope atlas.FeaturePayload
		if err := json.Unmarshal(raw, &envelope); err != nil {
			http.Error(w, "invalid feature: "+err.Error(), http.StatusBadRequest)
			return
		}
		feature := envelope.FeatureData
		if feature == nil {
			feature = &atlas.Feature{}
			if err := json.Unmarshal(raw, feature); err != nil {
				http.Error(w, "invalid feature: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		if len(feature.Mappings) == 0 {
			http.Error(w, "feature has no mappings", http.StatusBadRequest)
			return
		}

		q := r.URL.Query()
		info := atlas.FeatureInfo{Unit: q.Get("unit"), ShortDesc: q.Get("short_desc")}
		if err := res.UploadLocal(fname, feature, info); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"bucket": atlas.LocalBucket, "fname": fname})
	}
}

func removeLocalHandler(res *service.Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !res.RemoveLocal(chi.URLParam(r, "fname")) {
			http.Error(w, "feature not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// clearCacheHandler wipes every cache, then reloads in the background.
// Poll /api/progress for completion.
func clearCacheHandler(res *service.Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := res.Reset(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		go func() {
			if err := res.Load(context.Background()); err != nil {
				log.Printf("[API] Reload failed: %v", err)
			}
		}()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "reloading"})
	}
}

func cacheStatsHandler(res *service.Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, res.CacheStats())
	}
}
