// Package capi builds Conversions API payloads and delivers them to the
// external attribution platform.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/studioglow/conversion-relay/internal/dedup"
	"github.com/studioglow/conversion-relay/internal/logging"
	"github.com/studioglow/conversion-relay/internal/models"
)

// Status classifies one delivery attempt.
type Status string

const (
	// StatusDelivered: the platform accepted the event (2xx).
	StatusDelivered Status = "delivered"
	// StatusDuplicate: another producer already forwarded this event id.
	// A short-circuit success, not an error; no outbound call is made.
	StatusDuplicate Status = "duplicate"
	// StatusRejected: the platform refused the payload (4xx). Retrying a
	// malformed payload cannot succeed, so this is terminal.
	StatusRejected Status = "rejected"
	// StatusTransient: network error, timeout, or 5xx. Worth retrying.
	StatusTransient Status = "transient"
)

// Outcome is the result of one Dispatch or Deliver call.
type Outcome struct {
	Status     Status
	HTTPStatus int
	Err        error
	// Payload is the wire body that was (or would have been) sent. The
	// retry queue persists it verbatim for later attempts.
	Payload json.RawMessage
}

// Config holds the dispatcher's external-API settings.
type Config struct {
	Endpoint      string // e.g. https://graph.facebook.com/v19.0
	PixelID       string
	AccessToken   string
	TestEventCode string
	Timeout       time.Duration
}

// Dispatcher performs the server-side delivery leg. Before any outbound call
// it claims the event id in the shared dedup store; the outbound call itself
// runs behind a circuit breaker so a degraded platform API cannot pile up
// in-flight requests inside short-lived serverless handlers.
type Dispatcher struct {
	cfg     Config
	dedup   *dedup.Deduplicator
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[int]
}

// New returns a Dispatcher. The breaker opens after a 60% failure rate over
// at least 6 requests and probes again after 30 seconds; while open,
// attempts classify as transient and flow to the retry queue.
func New(cfg Config, d *dedup.Deduplicator) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "conversions-api",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 6 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Dispatcher{
		cfg:     cfg,
		dedup:   d,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// Dispatch claims the event id and, if this producer is first, builds the
// wire payload and delivers it. Duplicate claims short-circuit without an
// outbound call.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.TrackingEvent) Outcome {
	if !d.dedup.MarkIfNew(ctx, event.EventID) {
		logging.Debug().Str("event_id", event.EventID).Msg("duplicate event, skipped")
		return Outcome{Status: StatusDuplicate}
	}

	payload, err := BuildPayload(event, d.cfg.TestEventCode)
	if err != nil {
		// Local marshal failure; nothing was sent and nothing can be.
		return Outcome{Status: StatusRejected, Err: fmt.Errorf("build payload: %w", err)}
	}

	return d.Deliver(ctx, payload)
}

// Deliver sends an already-built wire body and classifies the result. The
// retry worker calls this directly with the persisted payload.
func (d *Dispatcher) Deliver(ctx context.Context, payload json.RawMessage) Outcome {
	status, err := d.breaker.Execute(func() (int, error) {
		return d.post(ctx, payload)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Outcome{Status: StatusTransient, Err: err, Payload: payload}
	case err != nil && status == 0:
		// Network error or timeout; the request may or may not have
		// arrived. At-least-once is the accepted posture here.
		return Outcome{Status: StatusTransient, Err: err, Payload: payload}
	case status >= 200 && status < 300:
		return Outcome{Status: StatusDelivered, HTTPStatus: status, Payload: payload}
	case status >= 400 && status < 500:
		return Outcome{Status: StatusRejected, HTTPStatus: status, Err: err, Payload: payload}
	default:
		return Outcome{Status: StatusTransient, HTTPStatus: status, Err: err, Payload: payload}
	}
}

// post performs the HTTP call and returns the status code. Non-2xx responses
// return an error so the breaker counts them as failures.
func (d *Dispatcher) post(ctx context.Context, payload json.RawMessage) (int, error) {
	endpoint := fmt.Sprintf("%s/%s/events?access_token=%s",
		d.cfg.Endpoint, d.cfg.PixelID, url.QueryEscape(d.cfg.AccessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("conversions api status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp.StatusCode, nil
}
