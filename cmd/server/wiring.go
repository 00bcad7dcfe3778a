package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/finlegal/accident-engine/accident"
	"github.com/finlegal/accident-engine/config"
	"github.com/finlegal/accident-engine/factory"
	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/logger"
	"github.com/finlegal/accident-engine/store/postgres"
	"github.com/finlegal/accident-engine/store/sqlite"
)

// stores bundles the reference store and the session slot store, which is
// the same sqlite file unless the postgres driver is configured.
type stores struct {
	reference *sqlite.Store
	slots     generic.StateStore
	closers   []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Get().Warn().Err(err).Msg("failed to close store")
		}
	}
}

func openReference(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return sqlite.New(path)
}

func openStores(ctx context.Context, c *config.Config) (*stores, error) {
	ref, err := openReference(c.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	s := &stores{reference: ref, slots: ref, closers: []func() error{ref.Close}}

	if c.Storage.Driver == "postgres" {
		pg, err := postgres.New(ctx, c.Storage.PostgresDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.slots = pg
		s.closers = append(s.closers, pg.Close)
	}
	return s, nil
}

// buildEngine wires the configured series, minimum tables and bracket
// tables of store into an engine. SIMPLE, WEIGHTED and the Stage 1 wage index read their series
// through the fallback chain; every provider is cached. The returned func
// purges the caches.
func buildEngine(c *config.Config, store *sqlite.Store, coeffs accident.Coefficients) (*accident.Engine, func(), error) {
	var caches []*generic.CachedProvider
	byName := map[string]generic.IndexProvider{}

	cached := func(key string, inner generic.IndexProvider) (generic.IndexProvider, error) {
		if p, ok := byName[key]; ok {
			return p, nil
		}
		p, err := generic.NewCachedProvider(inner, c.Series.CacheSize)
		if err != nil {
			return nil, err
		}
		caches = append(caches, p)
		byName[key] = p
		return p, nil
	}
	wageChain := func(name string) (generic.IndexProvider, error) {
		chain := []generic.IndexProvider{store.Series(name)}
		for _, fb := range c.Series.Fallbacks {
			if fb != name {
				chain = append(chain, store.Series(fb))
			}
		}
		return cached("chain:"+name, generic.NewFallbackProvider(c.Series.ToleranceDays, chain...))
	}

	simple, err := wageChain(c.Series.Simple)
	if err != nil {
		return nil, nil, err
	}
	weighted, err := wageChain(c.Series.Weighted)
	if err != nil {
		return nil, nil, err
	}
	wageIndex, err := wageChain(c.Series.WageIndex)
	if err != nil {
		return nil, nil, err
	}
	active, err := cached("series:"+c.Series.ActiveRate, store.Series(c.Series.ActiveRate))
	if err != nil {
		return nil, nil, err
	}

	schedules := func(names config.BracketNames) map[accident.Bracket]generic.MinimumSchedule {
		out := map[accident.Bracket]generic.MinimumSchedule{}
		for b, name := range names.ByBracket() {
			out[b] = store.Minimums(name)
		}
		return out
	}
	brackets := accident.BracketTables{
		Minimums: schedules(c.Minimums.Brackets),
		LumpSums: schedules(c.Minimums.LumpSums),
	}

	engine, err := accident.NewEngine(accident.EngineConfig{
		Providers: map[accident.Method]generic.IndexProvider{
			accident.MethodSimple:     simple,
			accident.MethodWeighted:   weighted,
			accident.MethodActiveRate: active,
		},
		WageIndex: wageIndex,
		Minimums: map[accident.Regime]generic.MinimumSchedule{
			accident.RegimePre27348:  store.Minimums(c.Minimums.Pre27348),
			accident.RegimePost27348: store.Minimums(c.Minimums.Post27348),
		},
		Brackets: map[accident.Regime]accident.BracketTables{
			accident.RegimePre27348:  brackets,
			accident.RegimePost27348: brackets,
		},
		Coefficients: coeffs,
	})
	if err != nil {
		return nil, nil, err
	}

	purge := func() {
		for _, p := range caches {
			p.Purge()
		}
	}
	return engine, purge, nil
}

// loadCoefficients returns the configured coefficients, or those of the
// JSON file at path when set. Keys missing from the file keep the defaults.
func loadCoefficients(c *config.Config, path string) (accident.Coefficients, error) {
	if path == "" {
		return c.Coefficients.Parse()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return accident.Coefficients{}, fmt.Errorf("failed to read coefficients: %w", err)
	}
	return factory.ParseCoefficients(data)
}
