package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/engine/internal/ratelimit"
	"github.com/wtthornton/ha-ingestor/engine/internal/testutil/httpmock"
	"github.com/wtthornton/ha-ingestor/engine/models"
)

func unlimitedLimiter() *ratelimit.AdaptiveRateLimiter {
	return ratelimit.NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: false})
}

func TestPricingFetchPopulatesSnapshot(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/", MatchPrefix: true, Status: 200, Body: `{"price_per_kwh":0.18,"tier":"` + TierPeak + `"}`},
	})
	defer srv.Close()

	src := New(Config{BaseURL: srv.URL()}, unlimitedLimiter(), nil, nil, nil)
	require.NoError(t, src.TriggerSnapshot(context.Background()))

	snap, fresh := src.Current()
	assert.True(t, fresh)
	assert.Equal(t, 0.18, snap.Values["price_per_kwh"])
	assert.Equal(t, TierPeak, snap.Values["tier"])
}

func TestPricingFetchWithoutBearerTokenStillWorks(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/", MatchPrefix: true, Status: 200, Body: `{"price_per_kwh":0.05,"tier":"` + TierOffPeak + `"}`},
	})
	defer srv.Close()

	src := New(Config{BaseURL: srv.URL()}, unlimitedLimiter(), nil, nil, nil)
	require.NoError(t, src.TriggerSnapshot(context.Background()))

	snap, _ := src.Current()
	assert.Equal(t, TierOffPeak, snap.Values["tier"])
}

func TestPricingFetchNonOKStatusFails(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/", MatchPrefix: true, Status: 404, Body: "not found"},
	})
	defer srv.Close()

	src := New(Config{BaseURL: srv.URL()}, unlimitedLimiter(), nil, nil, nil)
	require.Error(t, src.TriggerSnapshot(context.Background()))
}
