// Package pipeline orchestrates the server-side leg of event delivery:
// rate limit, dedup-guarded dispatch, and retry handoff.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studioglow/conversion-relay/internal/capi"
	"github.com/studioglow/conversion-relay/internal/logging"
	"github.com/studioglow/conversion-relay/internal/models"
	"github.com/studioglow/conversion-relay/internal/ratelimit"
	"github.com/studioglow/conversion-relay/internal/retry"
)

// ErrRateLimited is returned when the caller exceeded the ingest budget.
// This is the only pipeline condition that surfaces to the HTTP caller as a
// non-2xx; every delivery failure past this point is absorbed.
var ErrRateLimited = errors.New("rate limited")

// ingestKeyPrefix namespaces per-caller ingest counters within the limiter.
const ingestKeyPrefix = "ingest:"

// Config tunes the ingest path.
type Config struct {
	IngestRateMax    int
	IngestRateWindow time.Duration
	DispatchTimeout  time.Duration
	TestEventCode    string
}

// Pipeline wires the limiter, dispatcher, and retry queue behind one ingest
// operation. Handlers stay thin; all policy lives here.
type Pipeline struct {
	cfg        Config
	limiter    *ratelimit.Limiter
	dispatcher *capi.Dispatcher
	queue      *retry.Queue

	now func() time.Time
}

// New returns a Pipeline.
func New(cfg Config, limiter *ratelimit.Limiter, dispatcher *capi.Dispatcher, queue *retry.Queue) *Pipeline {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 3 * time.Second
	}
	return &Pipeline{cfg: cfg, limiter: limiter, dispatcher: dispatcher, queue: queue, now: time.Now}
}

// BuildEvent validates an ingest request and assembles the TrackingEvent,
// hashing contact fields so raw PII never travels past this point.
// occurred_at is server-assigned when absent.
func (p *Pipeline) BuildEvent(req models.EventIngestRequest, eventID, clientIP, userAgent string) (models.TrackingEvent, error) {
	name := models.EventName(req.EventName)
	if !name.IsValid() {
		return models.TrackingEvent{}, fmt.Errorf("unknown event_name %q", req.EventName)
	}
	if eventID == "" {
		return models.TrackingEvent{}, errors.New("event_id required")
	}

	occurredAt := p.now().UTC()
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			return models.TrackingEvent{}, errors.New("occurred_at must be RFC3339")
		}
		occurredAt = t.UTC()
	}

	return models.TrackingEvent{
		EventID:    eventID,
		EventName:  name,
		OccurredAt: occurredAt,
		SubjectID:  req.SubjectID,
		Attribution: models.AttributionContext{
			ClickID:   req.ClickID,
			BrowserID: req.BrowserID,
			EmailHash: models.HashEmail(req.Email),
			PhoneHash: models.HashPhone(req.Phone),
			ClientIP:  clientIP,
			UserAgent: userAgent,
			SourceURL: req.SourceURL,
		},
		CustomData: req.CustomData,
	}, nil
}

// Process admits one event to the pipeline. The returned status reports how
// far the event got; only ErrRateLimited is a caller-visible failure.
func (p *Pipeline) Process(ctx context.Context, event models.TrackingEvent) (models.EventIngestResponse, error) {
	resp := models.EventIngestResponse{EventID: event.EventID}

	if !p.limiter.Allow(ctx, ingestKeyPrefix+event.Attribution.ClientIP, p.cfg.IngestRateWindow, p.cfg.IngestRateMax) {
		return resp, ErrRateLimited
	}

	// If the hosting deadline cannot fit a dispatch attempt, hand off to
	// the retry queue now rather than let the attempt be silently lost.
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < p.cfg.DispatchTimeout+500*time.Millisecond {
		payload, err := capi.BuildPayload(event, p.cfg.TestEventCode)
		if err != nil {
			logging.Error().Err(err).Str("event_id", event.EventID).Msg("payload build failed")
			resp.Status = models.StatusAccepted
			return resp, nil
		}
		if err := p.queue.Defer(ctx, event.EventID, string(event.EventName), payload); err != nil {
			logging.Error().Err(err).Str("event_id", event.EventID).Msg("deadline handoff failed")
		}
		resp.Status = models.StatusQueued
		return resp, nil
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	outcome := p.dispatcher.Dispatch(dispatchCtx, event)
	switch outcome.Status {
	case capi.StatusDuplicate:
		resp.Status = models.StatusDuplicate
	case capi.StatusDelivered:
		resp.Status = models.StatusAccepted
		logging.Info().Str("event_id", event.EventID).Str("event_name", string(event.EventName)).Msg("dispatched")
	case capi.StatusRejected:
		// Retrying a malformed payload cannot succeed. Terminal for this
		// event; the caller still gets an accept, per the contract that
		// acceptance means "admitted", not "delivered".
		logging.Error().Err(outcome.Err).Int("http_status", outcome.HTTPStatus).Str("event_id", event.EventID).Msg("conversions api rejected payload")
		resp.Status = models.StatusAccepted
	default:
		if err := p.queue.Enqueue(ctx, event.EventID, string(event.EventName), outcome.Payload, errString(outcome.Err)); err != nil {
			logging.Error().Err(err).Str("event_id", event.EventID).Msg("retry enqueue failed")
		}
		resp.Status = models.StatusQueued
	}

	return resp, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
