package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/ephys-atlas/server/internal/data/atlas"
)

// LoadOptions configures Load.
type LoadOptions struct {
	// Buckets are downloaded with the base resources.
	Buckets []string
	// Concurrency bounds the parallel downloads.
	Concurrency int
}

// unit is one download followed by one insert. Weights follow the relative
// cost of each resource: the 2D slice sets dominate.
type unit struct {
	name     string
	download int
	store    int
	fetch    func(ctx context.Context) (put func(ctx context.Context) (int, error), err error)
}

func (s *Store) units(src atlas.Source, buckets []string) []unit {
	units := []unit{
		{
			name: "colormaps", download: 1, store: 1,
			fetch: func(ctx context.Context) (func(context.Context) (int, error), error) {
				cmaps, err := src.Colormaps(ctx)
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) (int, error) { return s.PutColormaps(ctx, cmaps) }, nil
			},
		},
		{
			name: "regions", download: 2, store: 1,
			fetch: func(ctx context.Context) (func(context.Context) (int, error), error) {
				catalogs, err := src.Regions(ctx)
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) (int, error) { return s.PutRegions(ctx, catalogs) }, nil
			},
		},
	}

	for _, axis := range atlas.AllAxes {
		axis := axis
		download, store := 10, 5
		if axis.Static() {
			download, store = 2, 2
		}
		units = append(units, unit{
			name: "slices_" + string(axis), download: download, store: store,
			fetch: func(ctx context.Context) (func(context.Context) (int, error), error) {
				svgs, err := src.Slices(ctx, axis)
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) (int, error) { return s.PutSlices(ctx, axis, svgs) }, nil
			},
		})
	}

	for _, id := range buckets {
		id := atlas.NormalizeBucketID(id)
		units = append(units, unit{
			name: "bucket " + id, download: 1, store: 1,
			fetch: func(ctx context.Context) (func(context.Context) (int, error), error) {
				b, err := src.Bucket(ctx, id)
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) (int, error) { return s.PutBucket(ctx, id, b) }, nil
			},
		})
	}
	return units
}

func (s *Store) run(ctx context.Context, u unit, progress *Progress) error {
	put, err := u.fetch(ctx)
	if err != nil {
		progress.Fail(u.name, err)
		return fmt.Errorf("failed to download %s: %w", u.name, err)
	}
	progress.Advance(u.download)

	size, err := put(ctx)
	if err != nil {
		progress.Fail(u.name, err)
		return fmt.Errorf("failed to store %s: %w", u.name, err)
	}
	progress.Advance(u.store)
	log.Printf("[Store] Stored %s (%s)", u.name, humanize.Bytes(uint64(size)))
	return nil
}

// Load downloads every base resource from src unless the store is already
// complete. All weights are declared before any work starts. The canary
// table is written after every other unit succeeded, so an interrupted load
// is retried in full on the next start.
func (s *Store) Load(ctx context.Context, src atlas.Source, progress *Progress, opts LoadOptions) error {
	if progress == nil {
		progress = NewProgress()
	}
	complete, err := s.IsComplete(ctx)
	if err != nil {
		progress.Fail("store", err)
		return fmt.Errorf("failed to check store: %w", err)
	}
	if complete {
		log.Printf("[Store] %s already complete, skipping download", s.path)
		progress.Finish()
		return nil
	}

	start := time.Now()
	var canary unit
	var rest []unit
	for _, u := range s.units(src, opts.Buckets) {
		progress.AddTotal(u.download + u.store)
		if u.name == canaryTable {
			canary = u
			continue
		}
		rest = append(rest, u)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, u := range rest {
		u := u
		g.Go(func() error { return s.run(gctx, u, progress) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.run(ctx, canary, progress); err != nil {
		return err
	}

	progress.Finish()
	log.Printf("[Store] Load finished in %v", time.Since(start).Round(time.Millisecond))
	return nil
}
