package configstore

import (
	"context"
	"testing"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/store"
	"github.com/stretchr/testify/require"
)

type countingResetter struct{ calls int }

func (r *countingResetter) Reset(ctx context.Context) error {
	r.calls++
	return nil
}

func defaultConfig() models.LimitConfig {
	return models.LimitConfig{Algorithm: models.Fixed, Limit: 100, WindowSeconds: 60}
}

func TestApplyMergesPartialPatch(t *testing.T) {
	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds()})
	newLimit := int64(200)
	got, err := cs.Apply(context.Background(), models.ConfigPatch{Limit: &newLimit}, "api", false)
	require.NoError(t, err)
	require.Equal(t, int64(200), got.Limit)
	require.Equal(t, int64(60), got.WindowSeconds, "unpatched fields inherit current value")
}

func TestApplyRejectsBelowMinimum(t *testing.T) {
	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds()})
	zero := int64(0)
	_, err := cs.Apply(context.Background(), models.ConfigPatch{Limit: &zero}, "api", false)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestApplyClampsAboveMaximum(t *testing.T) {
	bounds := models.DefaultBounds()
	bounds.MaxLimit = 500
	cs := New(Options{Initial: defaultConfig(), Bounds: bounds})
	huge := int64(10_000)
	got, err := cs.Apply(context.Background(), models.ConfigPatch{Limit: &huge}, "api", false)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.Limit)
}

func TestApplyRequiresAllFieldsWhenRequested(t *testing.T) {
	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds()})
	limitOnly := int64(50)
	algo := models.Token
	_, err := cs.Apply(context.Background(), models.ConfigPatch{Algorithm: &algo, Limit: &limitOnly}, "api", true)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration, "token requires capacity and fillRate")
}

func TestApplyTriggersResetOnAlgorithmChange(t *testing.T) {
	resetter := &countingResetter{}
	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds(), Resetter: resetter})
	sliding := models.Sliding
	_, err := cs.Apply(context.Background(), models.ConfigPatch{Algorithm: &sliding}, "api", false)
	require.NoError(t, err)
	require.Equal(t, 1, resetter.calls)

	// Re-applying the same algorithm must not trigger another reset.
	limit := int64(10)
	_, err = cs.Apply(context.Background(), models.ConfigPatch{Limit: &limit}, "api", false)
	require.NoError(t, err)
	require.Equal(t, 1, resetter.calls)
}

func TestApplyPersistsBestEffort(t *testing.T) {
	fake := store.NewFake()
	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds(), Store: fake})
	limit := int64(42)
	_, err := cs.Apply(context.Background(), models.ConfigPatch{Limit: &limit}, "api", false)
	require.NoError(t, err)

	raw, err := fake.Get(context.Background(), "ratelimiter:config")
	require.NoError(t, err)
	require.Contains(t, raw, `"limit":42`)
}

func TestRefreshAppliesDivergedPersistedConfig(t *testing.T) {
	fake := store.NewFake()
	producer := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds(), Store: fake})
	limit := int64(999)
	_, err := producer.Apply(context.Background(), models.ConfigPatch{Limit: &limit}, "api", false)
	require.NoError(t, err)

	consumer := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds(), Store: fake})
	consumer.Refresh(context.Background())
	require.Equal(t, int64(999), consumer.Get().Limit)
}

func TestApplyPersistenceFailureIsNonFatal(t *testing.T) {
	fake := store.NewFake()
	fake.SetDown(true)
	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds(), Store: fake})
	limit := int64(7)
	got, err := cs.Apply(context.Background(), models.ConfigPatch{Limit: &limit}, "api", false)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Limit, "in-memory swap succeeds even if persistence fails")
}
