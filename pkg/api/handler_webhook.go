package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/herder/pkg/dispatch"
)

// handleWebhook ingests one tracker event and routes it through the
// dispatcher. Always answers 200 for processed events, whatever the dispatch
// outcome: the event source only needs to know the delivery landed.
func (s *Server) handleWebhook(c *gin.Context) {
	var ev dispatch.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	result, err := s.dispatcher.HandleEvent(c.Request.Context(), &ev)
	if err != nil {
		slog.Error("Webhook dispatch failed",
			"delivery_id", ev.DeliveryID, "ticket", ev.TicketIdentifier, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	s.metrics.webhookEvents.WithLabelValues(string(result.Outcome)).Inc()

	// Webhook arrivals are a natural moment to reap lost state. Detached
	// from the request context so client disconnects cannot cancel the pass.
	if s.cleanup != nil {
		go s.cleanup.Trigger(context.Background())
	}

	c.JSON(http.StatusOK, result)
}
