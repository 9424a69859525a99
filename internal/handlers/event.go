package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/studioglow/conversion-relay/internal/models"
	"github.com/studioglow/conversion-relay/internal/pipeline"
)

// RegisterEventRoutes registers the ingestion-path endpoint.
//
// POST /api/events
//   - Public: called by browser beacons, so no API key.
//   - Accepting (202) means "admitted to the pipeline", not "confirmed
//     delivered upstream"; delivery failures are absorbed server-side.
//   - event_id should be the id the client channel already used for the same
//     action; a generated fallback cannot be deduplicated against the edge
//     channel's report.
func RegisterEventRoutes(r gin.IRoutes, p *pipeline.Pipeline) {
	r.POST("/api/events", func(c *gin.Context) {
		var req models.EventIngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		// Event id precedence: Idempotency-Key header, then payload,
		// then generated fallback.
		eventID := c.GetHeader("Idempotency-Key")
		if eventID == "" {
			eventID = req.EventID
		}
		if eventID == "" {
			eventID = "evt_" + uuid.New().String()
		}

		event, err := p.BuildEvent(req, eventID, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := p.Process(c.Request.Context(), event)
		if err != nil {
			if errors.Is(err, pipeline.ErrRateLimited) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
			return
		}

		c.JSON(http.StatusAccepted, resp)
	})
}
