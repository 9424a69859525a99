package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/studioglow/conversion-relay/internal/auth"
	"github.com/studioglow/conversion-relay/internal/retry"
)

// RegisterAdminRoutes registers the operator surface. All routes sit behind
// the X-API-Key middleware.
//
// POST /api/admin/retry/drain  — run one drain pass now
// GET  /api/admin/deadletters  — inspect dead-lettered items (?limit=N)
func RegisterAdminRoutes(r gin.IRoutes, q *retry.Queue) {
	r.POST("/api/admin/retry/drain", func(c *gin.Context) {
		stats, err := q.Drain(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "drain failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"triggered_by": auth.Caller(c),
			"stats":        stats,
		})
	})

	r.GET("/api/admin/deadletters", func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..500"})
				return
			}
			limit = n
		}

		items, err := q.DeadLetters(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dead letter read failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"count": len(items),
			"items": items,
		})
	})
}
