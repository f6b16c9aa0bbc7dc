package http

import (
	"net/http"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/services"
	"chatcall/internal/infrastructure/middleware"
	"chatcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

type IdentityHandler struct {
	identity services.IdentityService
	tokenTTL time.Duration
}

func NewIdentityHandler(identity services.IdentityService, tokenTTL time.Duration) *IdentityHandler {
	return &IdentityHandler{
		identity: identity,
		tokenTTL: tokenTTL,
	}
}

func (h *IdentityHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/me", h.Me)
	api.POST("/token/refresh", h.RefreshToken)
}

func (h *IdentityHandler) Me(c *gin.Context) {
	user := h.identity.LocalUser()
	c.JSON(http.StatusOK, gin.H{
		"uid":  user.ID,
		"name": user.Name,
	})
}

// RefreshToken reissues a token for the authenticated local user.
func (h *IdentityHandler) RefreshToken(c *gin.Context) {
	uid, _ := c.Get(middleware.ContextUserID)
	user := h.identity.LocalUser()
	if id, ok := uid.(domain.UserID); !ok || id != user.ID {
		c.Error(services.ErrUnauthorized)
		return
	}

	token, err := h.identity.GenerateToken(user)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
