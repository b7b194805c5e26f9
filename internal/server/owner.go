package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
)

type connectCredentialRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type credentialResponse struct {
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Connected bool      `json:"connected"`
}

func (s *Server) GetQuotaStatus(c *gin.Context) {
	ownerID := strings.TrimSpace(c.Param("owner_id"))
	resp, err := s.quota.Status(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ConnectCredential stores the token pair an owner obtained from the
// platform's consent flow. Tokens are never echoed back.
func (s *Server) ConnectCredential(c *gin.Context) {
	var req connectCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cred, err := s.credentials.Connect(c.Request.Context(), credentialdomain.Credential{
		OwnerID:      strings.TrimSpace(c.Param("owner_id")),
		AccessToken:  strings.TrimSpace(req.AccessToken),
		RefreshToken: strings.TrimSpace(req.RefreshToken),
		ExpiresAt:    req.ExpiresAt.UTC(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": credentialResponse{
		OwnerID:   cred.OwnerID,
		ExpiresAt: cred.ExpiresAt,
		Connected: true,
	}})
}
