package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Source downloads atlas resources.
type Source interface {
	Colormaps(ctx context.Context) (map[string][]string, error)
	Regions(ctx context.Context) (map[string]RegionCatalog, error)
	Slices(ctx context.Context, axis Axis) (map[int]string, error)
	Bucket(ctx context.Context, id string) (*Bucket, error)
	Features(ctx context.Context, bucket, fname string) (*Feature, error)
	Volume(ctx context.Context, bucket, fname string) (*VolumeArray, error)
}

// LocalBucket is the bucket identifier of user-uploaded features kept in memory.
const LocalBucket = "local"

// IsLocalBucket reports whether id designates the browser-local bucket.
func IsLocalBucket(id string) bool {
	return id == LocalBucket
}

// NormalizeBucketID returns the canonical form of a bucket identifier:
// UUIDs are lower-cased and hyphenated, aliases are returned unchanged.
func NormalizeBucketID(id string) string {
	id = strings.TrimSpace(id)
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}

func decodeJSON(r io.Reader, compressed bool, v any) error {
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}
	return json.NewDecoder(r).Decode(v)
}

func slicesFromWire(raw map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(raw))
	for key, svg := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid slice index %q", key)
		}
		out[idx] = svg
	}
	return out, nil
}

func unwrapFeature(p *FeaturePayload, fname string) (*Feature, error) {
	if p == nil || p.FeatureData == nil {
		return nil, fmt.Errorf("%w: feature %q has no feature_data", ErrNotFound, fname)
	}
	if p.FeatureData.Name == "" {
		p.FeatureData.Name = fname
	}
	return p.FeatureData, nil
}

// HTTPSource fetches resources from the feature server and the static data host.
type HTTPSource struct {
	// BaseURL serves /api/buckets/... .
	BaseURL string
	// DataURL serves /data/json/... .
	DataURL string
	Client  *http.Client
}

// NewHTTPSource creates a source with a default client.
func NewHTTPSource(baseURL, dataURL string) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		DataURL: strings.TrimRight(dataURL, "/"),
		Client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (s *HTTPSource) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s: status %d", rawURL, resp.StatusCode)
	}

	compressed := strings.HasSuffix(rawURL, ".zst") || resp.Header.Get("Content-Encoding") == "zstd"
	if err := decodeJSON(resp.Body, compressed, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}
	return nil
}

func (s *HTTPSource) Colormaps(ctx context.Context) (map[string][]string, error) {
	var out map[string][]string
	err := s.getJSON(ctx, s.DataURL+"/data/json/colormaps.json", &out)
	return out, err
}

func (s *HTTPSource) Regions(ctx context.Context) (map[string]RegionCatalog, error) {
	var out map[string]RegionCatalog
	err := s.getJSON(ctx, s.DataURL+"/data/json/regions.json", &out)
	return out, err
}

func (s *HTTPSource) Slices(ctx context.Context, axis Axis) (map[int]string, error) {
	var raw map[string]string
	if err := s.getJSON(ctx, s.DataURL+"/data/json/slices_"+string(axis)+".json", &raw); err != nil {
		return nil, err
	}
	return slicesFromWire(raw)
}

func (s *HTTPSource) Bucket(ctx context.Context, id string) (*Bucket, error) {
	var out Bucket
	if err := s.getJSON(ctx, s.BaseURL+"/api/buckets/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPSource) Features(ctx context.Context, bucket, fname string) (*Feature, error) {
	var p FeaturePayload
	u := s.BaseURL + "/api/buckets/" + url.PathEscape(bucket) + "/" + url.PathEscape(fname)
	if err := s.getJSON(ctx, u, &p); err != nil {
		return nil, err
	}
	return unwrapFeature(&p, fname)
}

func (s *HTTPSource) Volume(ctx context.Context, bucket, fname string) (*VolumeArray, error) {
	var out VolumeArray
	u := s.BaseURL + "/api/buckets/" + url.PathEscape(bucket) + "/" + url.PathEscape(fname) + "/volume"
	if err := s.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DirSource reads the same resources from a local directory:
//
//	colormaps.json, regions.json, slices_<axis>.json,
//	buckets/<id>.json, buckets/<id>/<fname>.json, buckets/<id>/<fname>.volume.json
//
// Every file may instead be stored zstd-compressed with a .zst suffix.
type DirSource struct {
	Dir string
}

func safeName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid resource name: %q", name)
	}
	return nil
}

func (s *DirSource) readJSON(rel string, v any) error {
	path := filepath.Join(s.Dir, filepath.FromSlash(rel))
	compressed := false
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		f, err = os.Open(path + ".zst")
		compressed = true
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := decodeJSON(f, compressed, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", rel, err)
	}
	return nil
}

func (s *DirSource) Colormaps(ctx context.Context) (map[string][]string, error) {
	var out map[string][]string
	err := s.readJSON("colormaps.json", &out)
	return out, err
}

func (s *DirSource) Regions(ctx context.Context) (map[string]RegionCatalog, error) {
	var out map[string]RegionCatalog
	err := s.readJSON("regions.json", &out)
	return out, err
}

func (s *DirSource) Slices(ctx context.Context, axis Axis) (map[int]string, error) {
	var raw map[string]string
	if err := s.readJSON("slices_"+string(axis)+".json", &raw); err != nil {
		return nil, err
	}
	return slicesFromWire(raw)
}

func (s *DirSource) Bucket(ctx context.Context, id string) (*Bucket, error) {
	if err := safeName(id); err != nil {
		return nil, err
	}
	var out Bucket
	if err := s.readJSON("buckets/"+id+".json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *DirSource) Features(ctx context.Context, bucket, fname string) (*Feature, error) {
	if err := errors.Join(safeName(bucket), safeName(fname)); err != nil {
		return nil, err
	}
	var p FeaturePayload
	if err := s.readJSON("buckets/"+bucket+"/"+fname+".json", &p); err != nil {
		return nil, err
	}
	return unwrapFeature(&p, fname)
}

func (s *DirSource) Volume(ctx context.Context, bucket, fname string) (*VolumeArray, error) {
	if err := errors.Join(safeName(bucket), safeName(fname)); err != nil {
		return nil, err
	}
	var out VolumeArray
	if err := s.readJSON("buckets/"+bucket+"/"+fname+".volume.json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
