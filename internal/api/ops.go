package api

import (
	"net/http"

	"escrow-service/internal/apperrors"

	"github.com/gin-gonic/gin"
)

// Operator endpoints for the in-process resilience state. Breaker and
// queue state is per instance.

func (h *Handler) breakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Stats()})
}

func (h *Handler) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if !h.breakers.Reset(name) {
		h.respondError(c, apperrors.NotFound("circuit breaker", name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": name})
}

func (h *Handler) resetAllBreakers(c *gin.Context) {
	h.breakers.ResetAll()
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Stats()})
}

func (h *Handler) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": h.queue.Stats()})
}

func (h *Handler) processQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": h.queue.ProcessAll(c.Request.Context())})
}

func (h *Handler) clearQueue(c *gin.Context) {
	name := c.Param("name")
	c.JSON(http.StatusOK, gin.H{
		"queue":   name,
		"cleared": h.queue.Clear(name),
	})
}

func (h *Handler) transactionStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.guard.Stats(c.Request.Context()))
}

func (h *Handler) idempotencyStats(c *gin.Context) {
	stats := h.guard.Stats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cache_size": stats.CacheSize})
}

func (h *Handler) clearIdempotency(c *gin.Context) {
	n, err := h.guard.ClearCache(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}
