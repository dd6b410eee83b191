package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestRegionValuesUnmarshal(t *testing.T) {
	var v RegionValues
	payload := `{"mean": 1.5, "std": null, "count": 4, "h_0": 1, "h_2": 3, "label": "x"}`
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got, ok := v.Stat("mean"); !ok || got != 1.5 {
		t.Fatalf("mean = %v, %v", got, ok)
	}
	if _, ok := v.Stat("std"); ok {
		t.Fatalf("null std should not be present")
	}
	if _, ok := v.Stats["std"]; !ok {
		t.Fatalf("null std should still be listed")
	}
	if _, ok := v.Stats["label"]; ok {
		t.Fatalf("non-numeric keys must be ignored")
	}
	want := []float64{1, 0, 3}
	if len(v.Histogram) != len(want) {
		t.Fatalf("histogram = %v", v.Histogram)
	}
	for i := range want {
		if v.Histogram[i] != want[i] {
			t.Fatalf("histogram = %v, want %v", v.Histogram, want)
		}
	}
	if names := v.StatNames(); len(names) != 3 || names[0] != "count" {
		t.Fatalf("stat names = %v", names)
	}
}

func TestRegionValuesWithoutHistogram(t *testing.T) {
	var v RegionValues
	if err := json.Unmarshal([]byte(`{"mean": 2}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.HasHistogram() {
		t.Fatalf("expected no histogram")
	}
}

func TestRegionCatalogForms(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		var c RegionCatalog
		data := `{"5": {"name": "Area (left)", "acronym": "A"}, "x": {"idx": 7, "name": "B", "acronym": "B"}}`
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatal(err)
		}
		if c[5].Acronym != "A" || !c[5].IsLeft() {
			t.Fatalf("unexpected region 5: %+v", c[5])
		}
		if c[7].Acronym != "B" || c[7].IsLeft() {
			t.Fatalf("unexpected region 7: %+v", c[7])
		}
		if idx := c.Indices(); len(idx) != 2 || idx[0] != 5 || idx[1] != 7 {
			t.Fatalf("indices = %v", idx)
		}
	})

	t.Run("array", func(t *testing.T) {
		var c RegionCatalog
		if err := json.Unmarshal([]byte(`[{"idx": 3, "name": "C", "acronym": "C"}]`), &c); err != nil {
			t.Fatal(err)
		}
		if c[3].Name != "C" {
			t.Fatalf("unexpected catalog %+v", c)
		}
	})
}

func TestVolumeArrayUnmarshal(t *testing.T) {
	t.Run("numeric", func(t *testing.T) {
		var a VolumeArray
		data := `{"shape": [1, 2, 2], "data": [0, 1, 2, 3], "fortran_order": true, "bounds": [-1, 5]}`
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			t.Fatal(err)
		}
		if a.Shape != [3]int{1, 2, 2} || !a.FortranOrder || a.Bounds[1] != 5 || a.Data[3] != 3 {
			t.Fatalf("unexpected array %+v", a)
		}
	})

	t.Run("base64", func(t *testing.T) {
		var a VolumeArray
		// AAEC -> bytes 0, 1, 2
		if err := json.Unmarshal([]byte(`{"shape": [3, 1, 1], "data": "AAEC"}`), &a); err != nil {
			t.Fatal(err)
		}
		if len(a.Data) != 3 || a.Data[2] != 2 {
			t.Fatalf("unexpected data %v", a.Data)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		var a VolumeArray
		err := json.Unmarshal([]byte(`{"shape": [2, 2, 2], "data": [1]}`), &a)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Fatalf("expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestNormalizeBucketID(t *testing.T) {
	if got := NormalizeBucketID("ephys"); got != "ephys" {
		t.Fatalf("alias changed: %q", got)
	}
	if got := NormalizeBucketID("6BA7B810-9DAD-11D1-80B4-00C04FD430C8"); got != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Fatalf("uuid not normalized: %q", got)
	}
}

func TestParseAxis(t *testing.T) {
	if a, err := ParseAxis("coronal"); err != nil || a.Max() != 1320 || a.Dim() != 0 {
		t.Fatalf("coronal: %v %v", a, err)
	}
	if _, err := ParseAxis("oblique"); err == nil {
		t.Fatalf("expected error")
	}
	if !Top.Static() || Coronal.Static() {
		t.Fatalf("static axes misclassified")
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "colormaps.json"), []byte(`{"viridis": ["#000000", "#ffffff"]}`))
	writeFile(t, filepath.Join(dir, "slices_top.json"), []byte(`{"0": "<svg/>"}`))

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		t.Fatal(err)
	}
	enc.Write([]byte(`{"feature_data": {"mappings": {"allen": {"data": {"1": {"mean": 2}}, "statistics": {"mean": {"min": 0, "max": 4}}}}}}`))
	enc.Close()
	writeFile(t, filepath.Join(dir, "buckets", "ephys", "psd_alpha.json.zst"), compressed.Bytes())

	src := &DirSource{Dir: dir}
	ctx := context.Background()

	cmaps, err := src.Colormaps(ctx)
	if err != nil || len(cmaps["viridis"]) != 2 {
		t.Fatalf("colormaps: %v %v", cmaps, err)
	}

	slices, err := src.Slices(ctx, Top)
	if err != nil || slices[0] != "<svg/>" {
		t.Fatalf("slices: %v %v", slices, err)
	}

	f, err := src.Features(ctx, "ephys", "psd_alpha")
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if f.Name != "psd_alpha" {
		t.Fatalf("feature name = %q", f.Name)
	}
	if v, ok := f.ForMapping("allen").Data[1].Stat("mean"); !ok || v != 2 {
		t.Fatalf("unexpected value %v", v)
	}

	if _, err := src.Bucket(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := src.Features(ctx, "..", "x"); err == nil {
		t.Fatalf("expected invalid name error")
	}
}

func TestHTTPSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/buckets/ephys", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metadata": {"alias": "ephys"}, "features": {"psd_alpha": {"short_desc": "alpha"}}}`))
	})
	mux.HandleFunc("/data/json/regions.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"allen": {"1": {"idx": 1, "name": "Root (left)", "acronym": "root"}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewHTTPSource(srv.URL, srv.URL)
	ctx := context.Background()

	b, err := src.Bucket(ctx, "ephys")
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if names := b.FeatureNames(); len(names) != 1 || names[0] != "psd_alpha" {
		t.Fatalf("feature names = %v", names)
	}

	regions, err := src.Regions(ctx)
	if err != nil || regions["allen"][1].Acronym != "root" {
		t.Fatalf("regions: %v %v", regions, err)
	}

	if _, err := src.Features(ctx, "ephys", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalBuckets(t *testing.T) {
	l := NewLocalBuckets()
	if _, err := l.Feature("x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := l.Put("x", &Feature{}, FeatureInfo{}); err == nil {
		t.Fatalf("expected error for empty feature")
	}
	f := &Feature{Mappings: map[string]*FeatureData{"allen": {}}}
	if err := l.Put("x", f, FeatureInfo{ShortDesc: "mine"}); err != nil {
		t.Fatal(err)
	}
	if got, err := l.Feature("x"); err != nil || got.Name != "x" {
		t.Fatalf("feature: %v %v", got, err)
	}
	if b := l.Bucket(); b.Features["x"].ShortDesc != "mine" {
		t.Fatalf("bucket listing: %+v", b)
	}
	if !l.Remove("x") || l.Remove("x") {
		t.Fatalf("remove should succeed exactly once")
	}
}
