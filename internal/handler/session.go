package handler

import (
	"errors"
	"net/http"

	"github.com/estimatex/api/internal/model"
	"github.com/estimatex/api/internal/session"
	"github.com/gin-gonic/gin"
)

// SessionHandler is the stateless HTTP mirror of the realtime operations,
// for clients without a live socket.
type SessionHandler struct {
	sessions *session.Service
}

func NewSessionHandler(sessions *session.Service) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type CreateSessionRequest struct {
	Title       string               `json:"title" binding:"required"`
	Description *string              `json:"description"`
	Deck        []float64            `json:"deck"`
	RoleDecks   map[string][]float64 `json:"roleDecks"`
}

type JoinRequest struct {
	Name string     `json:"name" binding:"required"`
	Role model.Role `json:"role" binding:"required,oneof=DEV QA PO DESIGN OTHER"`
}

type VoteRequest struct {
	UserID    string   `json:"userId" binding:"required"`
	Value     *float64 `json:"value" binding:"required,min=0,max=100"`
	Dimension string   `json:"dimension"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Deck:        req.Deck,
		RoleDecks:   req.RoleDecks,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	// The only response that includes the facilitator secret.
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessions.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and a valid role are required"})
		return
	}

	result, err := h.sessions.Join(c.Request.Context(), c.Param("code"), req.Name, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SessionHandler) Vote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and a value between 0 and 100 are required"})
		return
	}

	vote, err := h.sessions.Vote(c.Request.Context(), c.Param("code"), req.UserID, *req.Value, req.Dimension)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vote)
}

func (h *SessionHandler) Votes(c *gin.Context) {
	includeHidden := c.Query("includeHidden") == "true"
	dimension := c.Query("dimension")

	result, err := h.sessions.Votes(c.Request.Context(), c.Param("code"), includeHidden, dimension)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SessionHandler) Reveal(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	if err := h.sessions.Authorize(ctx, code, c.GetHeader("x-facilitator-secret")); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.sessions.Reveal(ctx, code); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *SessionHandler) Clear(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	if err := h.sessions.Authorize(ctx, code, c.GetHeader("x-facilitator-secret")); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.sessions.Clear(ctx, code); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, session.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid facilitator secret"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Request failed"})
	}
}
