// Package writer implements the Write Pipeline's batching, retry, and
// dead-letter mechanics. The public engine/writer package owns the
// channel-facing API; this package is kept free of that surface so the
// batching/retry logic can be tested in isolation.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

// StoreClient writes a batch to the time-series store and classifies the
// outcome so the caller knows whether to retry, bisect, or give up.
type StoreClient interface {
	Write(ctx context.Context, batch models.WriteBatch) error
}

// Outcome classifies a write attempt's result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeNonTransient
)

// ClassifyStatus maps an HTTP status code to an Outcome per the spec: 2xx is
// success, 5xx/408/429 are transient (retry with backoff), any other 4xx is
// non-transient (bisect then dead-letter).
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return OutcomeTransient
	case code >= 400:
		return OutcomeNonTransient
	default:
		return OutcomeTransient
	}
}

// HTTPStoreClient writes batches as line-protocol-style bodies to an
// HTTP(S) time-series store write endpoint. No third-party time-series
// client library appears anywhere in the retrieved example pack, so this
// one component talks to its backend with net/http directly.
type HTTPStoreClient struct {
	URL    string
	Org    string
	Bucket string
	Token  string
	Client *http.Client
}

// NewHTTPStoreClient constructs a store client with a sane default timeout.
func NewHTTPStoreClient(url, org, bucket, token string) *HTTPStoreClient {
	return &HTTPStoreClient{URL: url, Org: org, Bucket: bucket, Token: token, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Write submits one batch. The idempotency key travels as a tag on every
// line so the store's own tag-based dedup is the authority on at-least-once
// delivery; this client does not attempt to interpret a 409 specially — the
// store's dedup makes a replayed write a no-op 2xx, not a conflict.
func (c *HTTPStoreClient) Write(ctx context.Context, batch models.WriteBatch) error {
	body := encodeLineProtocol(batch)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("store client: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.Client.Do(req)
	if err != nil {
		return &writeError{outcome: OutcomeTransient, err: fmt.Errorf("store client: request failed: %w", err)}
	}
	defer resp.Body.Close()

	outcome := ClassifyStatus(resp.StatusCode)
	if outcome == OutcomeSuccess {
		return nil
	}
	return &writeError{outcome: outcome, statusCode: resp.StatusCode, err: fmt.Errorf("store client: unexpected status %d", resp.StatusCode)}
}

func (c *HTTPStoreClient) writeURL() string {
	return fmt.Sprintf("%s?org=%s&bucket=%s&precision=ns", strings.TrimRight(c.URL, "/"), c.Org, c.Bucket)
}

// writeError carries the classified outcome alongside the underlying error
// so callers can branch on it with errors.As without string matching.
type writeError struct {
	outcome    Outcome
	statusCode int
	err        error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// ClassifyError extracts the Outcome from an error returned by a
// StoreClient. Errors not produced by this package are treated as
// transient, matching the spec's "transient transport" catch-all.
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if we, ok := err.(*writeError); ok {
		return we.outcome
	}
	return OutcomeTransient
}

func encodeLineProtocol(batch models.WriteBatch) []byte {
	var buf bytes.Buffer
	for _, ee := range batch.Events {
		ev := ee.Event
		fmt.Fprintf(&buf, "%s,entity_id=%s,idempotency_key=%s", batch.Measurement, ev.EntityID, ee.IdempotencyKey())
		if ev.DeviceClass != nil {
			fmt.Fprintf(&buf, ",device_class=%s", *ev.DeviceClass)
		}
		if ev.Area != nil {
			fmt.Fprintf(&buf, ",area=%s", *ev.Area)
		}
		buf.WriteByte(' ')
		fields := make([]string, 0, 4+len(ee.Enrichments))
		if ev.NormalizedValue != nil {
			fields = append(fields, fmt.Sprintf("normalized_value=%v", *ev.NormalizedValue))
		}
		if ev.DurationInState != nil {
			fields = append(fields, fmt.Sprintf("duration_in_state=%v", *ev.DurationInState))
		}
		for source, rec := range ee.Enrichments {
			for k, v := range rec.Values {
				fields = append(fields, fmt.Sprintf("%s_%s=%v", source, k, v))
			}
			fields = append(fields, fmt.Sprintf("%s_fresh=%t", source, rec.Fresh))
		}
		buf.WriteString(strings.Join(fields, ","))
		fmt.Fprintf(&buf, " %d\n", ev.TimeFired.UnixNano())
	}
	return buf.Bytes()
}
