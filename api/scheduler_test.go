package api_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlegal/accident-engine/api"
	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/store/sqlite"
)

type brokenSource struct{}

func (brokenSource) Revision(context.Context) (string, error) {
	return "", errors.New("database is locked")
}

func TestRefreshScheduler_PurgesOnExternalImport(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	var purges atomic.Int32
	rs := api.NewRefreshScheduler(store, func() { purges.Add(1) }, time.Hour)

	// GIVEN: A recorded baseline
	// WHEN: A series is imported behind the server's back
	// THEN: The next check purges once, later checks do nothing

	assert.False(t, rs.RunNow(), "first check records the baseline")
	assert.False(t, rs.RunNow())

	require.NoError(t, store.SavePoints(ctx, "ripte", []generic.RatePoint{rp("2024-01-01", "100")}))
	assert.True(t, rs.RunNow())
	assert.False(t, rs.RunNow())
	assert.Equal(t, int32(1), purges.Load())
}

func TestRefreshScheduler_SurvivesErrors(t *testing.T) {
	var purges atomic.Int32
	rs := api.NewRefreshScheduler(brokenSource{}, func() { purges.Add(1) }, time.Hour)

	assert.False(t, rs.RunNow())
	assert.False(t, rs.RunNow())
	assert.Zero(t, purges.Load())
}

func TestRefreshScheduler_StartStop(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	disabled := api.NewRefreshScheduler(store, nil, 0)
	assert.False(t, disabled.Enabled)
	disabled.Start()
	disabled.Stop()

	var purges atomic.Int32
	rs := api.NewRefreshScheduler(store, func() { purges.Add(1) }, 5*time.Millisecond)
	rs.RunNow()
	rs.Start()
	rs.Start()

	require.NoError(t, store.SavePoints(context.Background(), "ripte", []generic.RatePoint{rp("2024-01-01", "100")}))
	assert.Eventually(t, func() bool { return purges.Load() == 1 }, time.Second, 5*time.Millisecond)

	rs.Stop()
	rs.Stop()
}

func TestRefreshScheduler_RestartAfterStop(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	var purges atomic.Int32
	rs := api.NewRefreshScheduler(store, func() { purges.Add(1) }, 5*time.Millisecond)
	rs.RunNow()

	// GIVEN: A scheduler that was started and stopped
	// WHEN: It is started again and the tables change
	// THEN: The restarted loop still purges and Stop does not panic

	rs.Start()
	rs.Stop()

	rs.Start()
	require.NoError(t, store.SavePoints(ctx, "ripte", []generic.RatePoint{rp("2024-01-01", "100")}))
	assert.Eventually(t, func() bool { return purges.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.NotPanics(t, rs.Stop)
}
