package smartmeter

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

func TestSmartMeterFetchPopulatesSnapshot(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/", MatchPrefix: true, Status: 200, Body: `{"power_w":850.5,"cumulative_kwh":1203.7}`},
	})
	defer srv.Close()

	src := New(Config{DeviceURL: srv.URL() + "/api/v1/reading", APIKey: "k"}, unlimitedLimiter(), nil, nil, nil)
	require.NoError(t, src.TriggerSnapshot(context.Background()))

	snap, fresh := src.Current()
	assert.True(t, fresh)
	assert.Equal(t, 850.5, snap.Values["power_w"])
	assert.Equal(t, 1203.7, snap.Values["cumulative_kwh"])
}

func TestSmartMeterFetchDeviceUnreachableFails(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/", MatchPrefix: true, Status: 502, Body: "bad gateway"},
	})
	defer srv.Close()

	src := New(Config{DeviceURL: srv.URL() + "/api/v1/reading", APIKey: "k"}, unlimitedLimiter(), nil, nil, nil)
	require.Error(t, src.TriggerSnapshot(context.Background()))
}
