package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/herder/pkg/models"
)

// publicSession is the externally visible projection of a session. Internal
// ids, worker ownership, and prompts never leave the control plane.
type publicSession struct {
	ID               string    `json:"id"`
	TicketIdentifier string    `json:"ticket_identifier"`
	WorkType         string    `json:"work_type"`
	Status           string    `json:"status"`
	PRURL            string    `json:"pr_url,omitempty"`
	StopReason       string    `json:"stop_reason,omitempty"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toPublicSession(salt string, s *models.Session) publicSession {
	return publicSession{
		ID:               models.HashSessionID(salt, s.ID),
		TicketIdentifier: s.TicketIdentifier,
		WorkType:         string(s.WorkType),
		Status:           string(s.Status),
		PRURL:            s.PRURL,
		StopReason:       s.StopReason,
		CostUSD:          s.CostUSD,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.sessions.FindByPublicID(c.Request.Context(), s.cfg.Security.SessionHashSalt, c.Param("publicID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, toPublicSession(s.cfg.Security.SessionHashSalt, session))
}

type addPromptRequest struct {
	Prompt   string `json:"prompt" binding:"required"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// handleAddPrompt queues a user follow-up for a live session. The owning
// worker injects it between agent turns.
func (s *Server) handleAddPrompt(c *gin.Context) {
	var req addPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	session, err := s.sessions.FindByPublicID(ctx, s.cfg.Security.SessionHashSalt, c.Param("publicID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if session.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "session already finished"})
		return
	}

	promptID, err := s.inbox.Add(ctx, session.ID, req.Prompt, req.UserID, req.UserName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prompt enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"prompt_id": promptID})
}
