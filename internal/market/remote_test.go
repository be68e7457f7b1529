package market_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/market"
	"texchange/internal/notify"
)

func TestRemoteTickServedByEngine(t *testing.T) {
	ctx := context.Background()
	ms := seededStore(t, "g1")
	rec := &recorder{}
	eng := market.NewEngine(ms, rec, nil, market.WithSource(fixedSource{}))

	// The request bus is short-circuited straight into the engine.
	remote := market.NewRemote(eng.TickRequests())
	res, err := remote.Tick(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Empty(t, res.Changes)
	assert.Equal(t, "g1", res.MarketID)

	hist, err := ms.PriceHistory(ctx, "g1", "GMD", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, notify.KindPricesUpdated, rec.msgs[0].Kind)

	settings, err := ms.Settings(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, eng.Due("g1", settings, res.At), "served tick resets the engine's cadence")
}

func TestTickRequestsIgnoresOtherKinds(t *testing.T) {
	ctx := context.Background()
	ms := seededStore(t, "g1")
	eng := market.NewEngine(ms, nil, nil, market.WithSource(fixedSource{}))

	require.NoError(t, eng.TickRequests().Notify(ctx, notify.Message{MarketID: "g1", Kind: notify.KindLeaderboard}))
	hist, err := ms.PriceHistory(ctx, "g1", "GMD", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRemoteTickReportsPublishFailure(t *testing.T) {
	down := errors.New("bus down")
	remote := market.NewRemote(notify.Func(func(context.Context, notify.Message) error { return down }))
	res, err := remote.Tick(context.Background(), "g1")
	assert.ErrorIs(t, err, down)
	assert.False(t, res.Queued)
}
