package writer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Outcome{
		200: OutcomeSuccess,
		204: OutcomeSuccess,
		299: OutcomeSuccess,
		408: OutcomeTransient,
		429: OutcomeTransient,
		500: OutcomeTransient,
		503: OutcomeTransient,
		400: OutcomeNonTransient,
		401: OutcomeNonTransient,
		404: OutcomeNonTransient,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
}

func sampleBatch() models.WriteBatch {
	fired := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	normalized := 21.5
	duration := 42.0
	deviceClass := "temperature"
	area := "kitchen"
	ee := models.EnrichedEvent{
		Event: models.NormalizedEvent{
			RawEvent: models.RawEvent{
				EntityID:  "sensor.kitchen_temp",
				TimeFired: fired,
				Context:   models.EventContext{ID: "ctx-1"},
			},
			DeviceClass:     &deviceClass,
			Area:            &area,
			NormalizedValue: &normalized,
			DurationInState: &duration,
		},
		Enrichments: map[string]models.EnrichmentRecord{
			"weather": {Values: map[string]interface{}{"temperature_c": 10.0}, Fresh: true},
		},
	}
	return models.WriteBatch{Measurement: "home_events", Events: []models.EnrichedEvent{ee}, FormedAt: time.Now()}
}

func TestEncodeLineProtocolShape(t *testing.T) {
	batch := sampleBatch()
	line := string(encodeLineProtocol(batch))

	assert.True(t, strings.HasPrefix(line, "home_events,entity_id=sensor.kitchen_temp,idempotency_key="))
	assert.Contains(t, line, ",device_class=temperature")
	assert.Contains(t, line, ",area=kitchen")
	assert.Contains(t, line, "normalized_value=21.5")
	assert.Contains(t, line, "duration_in_state=42")
	assert.Contains(t, line, "weather_temperature_c=10")
	assert.Contains(t, line, "weather_fresh=true")
	assert.True(t, strings.HasSuffix(line, " 1767268800000000000\n"))
}

func TestHTTPStoreClientWriteSuccess(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPStoreClient(srv.URL, "home", "events", "secret-token")
	err := c.Write(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, "Token secret-token", gotAuth)
	assert.Equal(t, "text/plain; charset=utf-8", gotContentType)
	assert.Contains(t, string(gotBody), "sensor.kitchen_temp")
}

func TestHTTPStoreClientWriteTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPStoreClient(srv.URL, "home", "events", "tok")
	err := c.Write(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.Equal(t, OutcomeTransient, ClassifyError(err))
}

func TestHTTPStoreClientWriteNonTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPStoreClient(srv.URL, "home", "events", "tok")
	err := c.Write(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.Equal(t, OutcomeNonTransient, ClassifyError(err))
}

func TestHTTPStoreClientWriteURLFormat(t *testing.T) {
	c := NewHTTPStoreClient("http://localhost:8086/", "my-org", "my-bucket", "tok")
	assert.Equal(t, "http://localhost:8086?org=my-org&bucket=my-bucket&precision=ns", c.writeURL())
}

func TestClassifyErrorNonStoreErrorIsTransient(t *testing.T) {
	assert.Equal(t, OutcomeTransient, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, OutcomeSuccess, ClassifyError(nil))
}
