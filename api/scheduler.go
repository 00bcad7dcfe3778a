/*
scheduler.go - Reference table refresh scheduler

PURPOSE:
  Periodically fingerprints the reference tables (index series, minimum
  amounts) and calls OnChange when they moved. Imports made through the CLI
  against the same database file then reach the lookup caches of a running
  server without a restart.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - The first check only records the baseline revision
  - A failed check is logged and retried on the next tick
  - Imports made through the API already call OnChange directly

CONFIGURATION:
  - CheckInterval: How often to check (series.refresh_interval, default 1m)
  - Enabled: Whether scheduler is active (false when the interval is zero)

USAGE:
  scheduler := NewRefreshScheduler(store, purge, time.Minute)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ImportSeries endpoint (in-process imports)
  - store/sqlite/sqlite.go: Revision
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/finlegal/accident-engine/logger"
)

// RevisionSource fingerprints the reference tables.
type RevisionSource interface {
	Revision(ctx context.Context) (string, error)
}

// RefreshScheduler calls OnChange whenever the reference revision changes.
type RefreshScheduler struct {
	Source        RevisionSource
	OnChange      func()
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	checkMu  sync.Mutex
	revision string
	seen     bool
	log      *logger.Logger
}

// NewRefreshScheduler creates a scheduler. A non-positive interval disables it.
func NewRefreshScheduler(source RevisionSource, onChange func(), interval time.Duration) *RefreshScheduler {
	return &RefreshScheduler{
		Source:        source,
		OnChange:      onChange,
		CheckInterval: interval,
		Enabled:       interval > 0,
		log:           logger.Named("refresh"),
	}
}

// Start begins the scheduler.
func (rs *RefreshScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("reference refresh disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("reference refresh started")
}

// Stop stops the scheduler and waits for a running check to finish. A
// stopped scheduler can be started again.
func (rs *RefreshScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info().Msg("reference refresh stopped")
	}
}

func (rs *RefreshScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	rs.RunNow()

	for {
		select {
		case <-ticker.C:
			rs.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow checks the revision immediately and reports whether OnChange ran.
func (rs *RefreshScheduler) RunNow() bool {
	rs.checkMu.Lock()
	defer rs.checkMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	revision, err := rs.Source.Revision(ctx)
	if err != nil {
		rs.log.Warn().Err(err).Msg("failed to read reference revision")
		return false
	}
	if !rs.seen {
		rs.revision, rs.seen = revision, true
		return false
	}
	if revision == rs.revision {
		return false
	}

	rs.revision = revision
	rs.log.Info().Msg("reference tables changed, purging lookup caches")
	if rs.OnChange != nil {
		rs.OnChange()
	}
	return true
}
