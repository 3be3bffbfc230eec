package airquality

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

func TestAirQualityFetchPopulatesSnapshot(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/", MatchPrefix: true, Status: 200, Body: `{"aqi":42,"pm25":8.1,"pm10":15.4,"dominant_pollutant":"pm25"}`},
	})
	defer srv.Close()

	src := New(Config{BaseURL: srv.URL(), APIKey: "k"}, unlimitedLimiter(), nil, nil, nil)
	require.NoError(t, src.TriggerSnapshot(context.Background()))

	snap, fresh := src.Current()
	assert.True(t, fresh)
	assert.Equal(t, 42.0, snap.Values["aqi"])
	assert.Equal(t, "pm25", snap.Values["dominant_pollutant"])
}

func TestAirQualityFetchNonOKStatusFails(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/", MatchPrefix: true, Status: 401, Body: "unauthorized"},
	})
	defer srv.Close()

	src := New(Config{BaseURL: srv.URL(), APIKey: "bad"}, unlimitedLimiter(), nil, nil, nil)
	require.Error(t, src.TriggerSnapshot(context.Background()))
}
