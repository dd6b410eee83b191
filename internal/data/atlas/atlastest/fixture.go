// Package atlastest writes a small on-disk atlas for tests.
package atlastest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ephys-atlas/server/internal/data/atlas"
)

// VolumeShape is the shape of the fixture volume, stored in canonical
// order. Use it as the canonical size when resolving.
var VolumeShape = [3]int{4, 2, 3}

// Fixture files. Regions 1 and 3 are left, 2 and 4 right. In psd_alpha,
// region 1 has the minimum mean, region 3 the maximum and region 2 a zero.
var files = map[string]string{
	"colormaps.json": `{"bw": ["#000000", "#ffffff"]}`,
	"regions.json": `{"allen": [
		{"idx": 1, "name": "Field CA1 (left)", "acronym": "CA1"},
		{"idx": 2, "name": "Field CA1", "acronym": "CA1"},
		{"idx": 3, "name": "Primary visual area (left)", "acronym": "VISp"},
		{"idx": 4, "name": "Primary visual area", "acronym": "VISp"}
	]}`,
	"buckets/ephys.json": `{
		"metadata": {"alias": "ephys", "description": "Ephys atlas"},
		"features": {"psd_alpha": {"unit": "dB", "volume": true}, "psd_beta": {"unit": "dB"}}
	}`,
	"buckets/bwm.json": `{
		"metadata": {"alias": "bwm"},
		"features": {"decoding_median": {}}
	}`,
	"buckets/ephys/psd_alpha.json": `{"feature_data": {"mappings": {"allen": {
		"data": {
			"1": {"mean": 1, "std": 0.5, "h_0": 2, "h_1": 1, "h_2": 0},
			"2": {"mean": 0},
			"3": {"mean": 3, "std": null, "h_0": 0, "h_1": 1, "h_2": 4}
		},
		"statistics": {"mean": {"min": 1, "max": 3}}
	}}}}`,
	"buckets/ephys/psd_beta.json": `{"feature_data": {"mappings": {"allen": {
		"data": {"1": {"mean": 10}, "3": {"mean": 20}},
		"statistics": {"mean": {"min": 10, "max": 20}}
	}}}}`,
	"buckets/bwm/decoding_median.json": `{"feature_data": {"mappings": {"allen": {
		"data": {"4": {"mean": 0.5}},
		"statistics": {"mean": {"min": 0, "max": 1}}
	}}}}`,
}

func volumeJSON() string {
	n := VolumeShape[0] * VolumeShape[1] * VolumeShape[2]
	s := "["
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		// Voxel values span 0..230 so that the default display range
		// covers them.
		s += strconv.Itoa(i * 10)
	}
	s += "]"
	return fmt.Sprintf(`{"shape": [%d, %d, %d], "fortran_order": true, "data": %s}`,
		VolumeShape[0], VolumeShape[1], VolumeShape[2], s)
}

// Write creates the fixture under dir.
func Write(t testing.TB, dir string) {
	t.Helper()
	all := make(map[string]string, len(files)+len(atlas.AllAxes)+1)
	for name, content := range files {
		all[name] = content
	}
	for _, axis := range atlas.AllAxes {
		d := axis.Default()
		all["slices_"+string(axis)+".json"] = fmt.Sprintf(
			`{"0": "<svg id=\"%[1]s-0\"/>", "%[2]d": "<svg id=\"%[1]s-%[2]d\"/>"}`, axis, d)
	}
	all["buckets/ephys/psd_alpha.volume.json"] = volumeJSON()

	for name, content := range all {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// Source writes the fixture into a temporary directory and returns a
// DirSource reading it.
func Source(t testing.TB) *atlas.DirSource {
	t.Helper()
	dir := t.TempDir()
	Write(t, dir)
	return &atlas.DirSource{Dir: dir}
}
