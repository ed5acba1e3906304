package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
	"github.com/noah-isme/clinic-auth-api/pkg/response"
)

type sessionService interface {
	ListSessions(ctx context.Context, userID string) ([]models.SessionView, error)
	TerminateSession(ctx context.Context, sessionID, userID string) error
	LogoutEverywhere(ctx context.Context, userID string) (int64, error)
}

// SessionHandler exposes the caller's device sessions.
type SessionHandler struct {
	service sessionService
}

// NewSessionHandler creates a new handler.
func NewSessionHandler(svc sessionService) *SessionHandler {
	return &SessionHandler{service: svc}
}

// List godoc
// @Summary List sessions
// @Description Active sessions of the caller from the last 24 hours, most recent first
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope{data=[]models.SessionView}
// @Failure 401 {object} response.Envelope
// @Router /auth/sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	sessions, err := h.service.ListSessions(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessions, map[string]interface{}{"total": len(sessions)})
}

// Terminate godoc
// @Summary Terminate session
// @Description End one of the caller's sessions. Unknown ids are ignored.
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope{data=response.Message}
// @Failure 401 {object} response.Envelope
// @Router /auth/sessions/{id} [delete]
func (h *SessionHandler) Terminate(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	if err := h.service.TerminateSession(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.Ack(c, http.StatusOK, "session terminated")
}

// TerminateAll godoc
// @Summary Log out everywhere
// @Description Revoke the caller's refresh token and end all of their sessions
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout-all [post]
func (h *SessionHandler) TerminateAll(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	count, err := h.service.LogoutEverywhere(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"terminated": count})
}

// ForceLogout godoc
// @Summary Force logout a user
// @Description Revoke a user's refresh token and end all of their sessions
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/sessions [delete]
func (h *SessionHandler) ForceLogout(c *gin.Context) {
	userID := c.Param("id")
	if _, err := uuid.Parse(userID); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "user not found"))
		return
	}

	count, err := h.service.LogoutEverywhere(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"terminated": count})
}
