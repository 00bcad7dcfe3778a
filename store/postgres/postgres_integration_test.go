//go:build integration_pg

package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/store/postgres"
)

// Run with: ACCIDENT_TEST_PG_DSN=postgres://... go test -tags integration_pg ./store/postgres
func TestStore_Slots(t *testing.T) {
	dsn := os.Getenv("ACCIDENT_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ACCIDENT_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := "test/" + uuid.NewString()
	t.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	_, err = store.Load(ctx, key)
	assert.ErrorIs(t, err, generic.ErrSlotNotFound)

	require.NoError(t, store.Save(ctx, key, []byte(`{"version": 1}`)))
	require.NoError(t, store.Save(ctx, key, []byte(`{"version": 2}`)))

	payload, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version": 2}`, string(payload))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Load(ctx, key)
	assert.ErrorIs(t, err, generic.ErrSlotNotFound)
}
