package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/clinic-auth-api/internal/middleware"
	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
	"github.com/noah-isme/clinic-auth-api/pkg/response"
)

// requireClaims returns the authenticated caller, writing a 401 when absent.
func requireClaims(c *gin.Context) (*models.JWTClaims, bool) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return claims, true
}

func invalidPayload(err error, message string) *appErrors.Error {
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
}
