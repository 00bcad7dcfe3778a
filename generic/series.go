/*
series.go - Reference data lookups (index series and minimum schedules)

PURPOSE:
  The engine never owns its reference data. Published index series and legal
  minimum tables are supplied by collaborators behind two small interfaces.
  This file defines those interfaces plus in-memory implementations and two
  decorators (fallback chain, LRU cache).

LOOKUP SEMANTICS:
  IndexProvider.Lookup(from, to) returns every point dated inside [from, to]
  plus the latest point dated before from. That extra "anchor" point is what
  gives nearest-prior semantics at the start of the window:

    points: 01-01=100  02-01=104  03-01=110
    Lookup(01-15, 02-20) -> [01-01=100, 02-01=104]

  MinimumSchedule.EffectiveAt(date) returns the latest entry whose effective
  date is on or before date.

FALLBACK:
  Monthly wage indexes are published with a lag. FallbackProvider asks a
  primary series first and falls back to lagged variants (t+1, t+2) when the
  primary does not reach the end of the window.

SEE ALSO:
  - store/sqlite/sqlite.go: Database-backed providers
  - factory/tables.go: JSON loaders that build Series and Schedule
  - accident/update.go: Consumer of IndexProvider
*/
package generic

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// INTERFACES
// =============================================================================

// IndexProvider supplies dated points of one published series. Read-only.
type IndexProvider interface {
	// Name identifies the series (e.g. "ripte", "tasa_activa_bna").
	Name() string

	// Lookup returns points in [from, to] plus the latest point before from,
	// ordered by date.
	Lookup(ctx context.Context, from, to TimePoint) ([]RatePoint, error)
}

// SourceReporter is implemented by providers that delegate to other series
// and can tell which one answered.
type SourceReporter interface {
	LookupWithSource(ctx context.Context, from, to TimePoint) (string, []RatePoint, error)
}

// MinimumSchedule supplies legal minimum amounts keyed by effective date.
type MinimumSchedule interface {
	EffectiveAt(at TimePoint) (MinimumEntry, error)
}

// =============================================================================
// SERIES - In-memory IndexProvider
// =============================================================================

// Series is an immutable, date-ordered set of points.
type Series struct {
	name   string
	points []RatePoint
}

// NewSeries copies and sorts points. Later duplicates of a date win.
func NewSeries(name string, points []RatePoint) *Series {
	byDate := make(map[TimePoint]RatePoint, len(points))
	for _, p := range points {
		byDate[FromTime(p.Date.Time)] = RatePoint{Date: FromTime(p.Date.Time), Rate: p.Rate}
	}
	sorted := make([]RatePoint, 0, len(byDate))
	for _, p := range byDate {
		sorted = append(sorted, p)
	}
	SortPoints(sorted)
	return &Series{name: name, points: sorted}
}

func (s *Series) Name() string { return s.name }

func (s *Series) Len() int { return len(s.points) }

// Points returns a copy of all points.
func (s *Series) Points() []RatePoint {
	out := make([]RatePoint, len(s.points))
	copy(out, s.points)
	return out
}

// Lookup implements IndexProvider.
func (s *Series) Lookup(_ context.Context, from, to TimePoint) ([]RatePoint, error) {
	if to.Before(from) {
		return nil, &InvalidRangeError{Start: from, End: to}
	}
	return WindowWithAnchor(s.points, from, to), nil
}

// At returns the latest point at or before date.
func (s *Series) At(date TimePoint) (RatePoint, bool) {
	return NearestPrior(s.points, date)
}

// WindowWithAnchor filters date-ordered points to [from, to] and prepends the
// latest point before from, when one exists.
func WindowWithAnchor(points []RatePoint, from, to TimePoint) []RatePoint {
	var result []RatePoint
	if anchor, ok := NearestPrior(points, from.AddDays(-1)); ok {
		result = append(result, anchor)
	}
	for _, p := range points {
		if p.Date.Before(from) {
			continue
		}
		if p.Date.After(to) {
			break
		}
		result = append(result, p)
	}
	return result
}

// NearestPrior returns the latest point dated at or before date. Points must
// be ordered by date.
func NearestPrior(points []RatePoint, date TimePoint) (RatePoint, bool) {
	i := sort.Search(len(points), func(i int) bool {
		return points[i].Date.After(date)
	})
	if i == 0 {
		return RatePoint{}, false
	}
	return points[i-1], true
}

// =============================================================================
// SCHEDULE - In-memory MinimumSchedule
// =============================================================================

// Schedule is an immutable, date-ordered minimum table.
type Schedule struct {
	name    string
	entries []MinimumEntry
}

func NewSchedule(name string, entries []MinimumEntry) *Schedule {
	sorted := make([]MinimumEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectiveDate.Before(sorted[j].EffectiveDate)
	})
	return &Schedule{name: name, entries: sorted}
}

func (s *Schedule) Name() string { return s.name }

// Entries returns a copy of all entries.
func (s *Schedule) Entries() []MinimumEntry {
	out := make([]MinimumEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// EffectiveAt implements MinimumSchedule.
func (s *Schedule) EffectiveAt(at TimePoint) (MinimumEntry, error) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].EffectiveDate.After(at)
	})
	if i == 0 {
		return MinimumEntry{}, &NoMinimumDataError{Schedule: s.name, At: at}
	}
	return s.entries[i-1], nil
}

// =============================================================================
// FALLBACK PROVIDER - Lagged series chain
// =============================================================================

// FallbackProvider asks each provider in order and returns the first answer
// that covers the window. A window is covered when a point exists at or
// before from and the last point is no more than Tolerance days before to.
// When nothing covers, the first non-empty answer is returned.
type FallbackProvider struct {
	Providers []IndexProvider
	Tolerance int
}

func NewFallbackProvider(tolerance int, providers ...IndexProvider) *FallbackProvider {
	return &FallbackProvider{Providers: providers, Tolerance: tolerance}
}

func (f *FallbackProvider) Name() string {
	if len(f.Providers) == 0 {
		return ""
	}
	return f.Providers[0].Name()
}

func (f *FallbackProvider) Lookup(ctx context.Context, from, to TimePoint) ([]RatePoint, error) {
	_, points, err := f.LookupWithSource(ctx, from, to)
	return points, err
}

func (f *FallbackProvider) LookupWithSource(ctx context.Context, from, to TimePoint) (string, []RatePoint, error) {
	var (
		firstName   string
		firstPoints []RatePoint
		lastErr     error
	)
	for _, p := range f.Providers {
		points, err := p.Lookup(ctx, from, to)
		if err != nil {
			lastErr = err
			continue
		}
		if f.covers(points, from, to) {
			return p.Name(), points, nil
		}
		if firstPoints == nil && len(points) > 0 {
			firstName, firstPoints = p.Name(), points
		}
	}
	if firstPoints != nil {
		return firstName, firstPoints, nil
	}
	if lastErr != nil {
		return "", nil, fmt.Errorf("all series failed: %w", lastErr)
	}
	return f.Name(), nil, nil
}

func (f *FallbackProvider) covers(points []RatePoint, from, to TimePoint) bool {
	if len(points) == 0 {
		return false
	}
	if points[0].Date.After(from) {
		return false
	}
	return !points[len(points)-1].Date.Before(to.AddDays(-f.Tolerance))
}

// =============================================================================
// CACHED PROVIDER - LRU in front of a slow provider
// =============================================================================

// CachedProvider memoizes lookups by window. Reference series change rarely
// (daily at most), callers Purge after an import.
type CachedProvider struct {
	inner IndexProvider
	cache *lru.Cache[string, cachedLookup]
}

type cachedLookup struct {
	source string
	points []RatePoint
}

func NewCachedProvider(inner IndexProvider, size int) (*CachedProvider, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, cachedLookup](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

func (c *CachedProvider) Name() string { return c.inner.Name() }

func (c *CachedProvider) Lookup(ctx context.Context, from, to TimePoint) ([]RatePoint, error) {
	_, points, err := c.LookupWithSource(ctx, from, to)
	return points, err
}

func (c *CachedProvider) LookupWithSource(ctx context.Context, from, to TimePoint) (string, []RatePoint, error) {
	key := from.String() + "|" + to.String()
	if hit, ok := c.cache.Get(key); ok {
		return hit.source, copyPoints(hit.points), nil
	}

	var (
		source string
		points []RatePoint
		err    error
	)
	if sr, ok := c.inner.(SourceReporter); ok {
		source, points, err = sr.LookupWithSource(ctx, from, to)
	} else {
		source = c.inner.Name()
		points, err = c.inner.Lookup(ctx, from, to)
	}
	if err != nil {
		return "", nil, err
	}
	c.cache.Add(key, cachedLookup{source: source, points: copyPoints(points)})
	return source, points, nil
}

// Purge drops every memoized window.
func (c *CachedProvider) Purge() { c.cache.Purge() }

func copyPoints(points []RatePoint) []RatePoint {
	if points == nil {
		return nil
	}
	out := make([]RatePoint, len(points))
	copy(out, points)
	return out
}
