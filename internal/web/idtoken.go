package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"github.com/tyemirov/tauthclient/internal/identity"
	"go.uber.org/zap"
)

// IDTokenExchanger issues nonces and trades provider ID tokens for sessions.
type IDTokenExchanger interface {
	IssueNonce(ctx context.Context) (string, error)
	SignInWithIDToken(ctx context.Context, provider string, idToken string, nonce string) (*identity.Session, error)
}

type idTokenRequest struct {
	Provider string `json:"provider"`
	IDToken  string `json:"id_token" binding:"required"`
	Nonce    string `json:"nonce"`
}

// HandleIssueNonce returns a one-time nonce for the page to embed in its provider request.
func HandleIssueNonce(logger *zap.Logger, exchanger IDTokenExchanger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		nonce, err := exchanger.IssueNonce(contextGin.Request.Context())
		if err != nil {
			logger.Error("nonce issue failed",
				zap.String("code", "web.nonce.issue_failed"),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "web.nonce.issue_failed"})
			return
		}
		writeNoStoreHeaders(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
	}
}

// HandleIDTokenSignIn exchanges a posted ID token. Rejections answer 401 without detail.
func HandleIDTokenSignIn(logger *zap.Logger, exchanger IDTokenExchanger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		var request idTokenRequest
		if bindErr := contextGin.ShouldBindJSON(&request); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "web.idtoken.invalid_payload"})
			return
		}
		provider := strings.TrimSpace(request.Provider)
		if provider == "" {
			provider = "google"
		}
		session, err := exchanger.SignInWithIDToken(contextGin.Request.Context(), provider, request.IDToken, request.Nonce)
		if err != nil {
			status := http.StatusBadGateway
			var backendErr *identity.BackendError
			switch {
			case errors.Is(err, authsession.ErrNonceNotFound),
				errors.Is(err, authsession.ErrNonceExpired),
				errors.Is(err, authsession.ErrIDTokenRejected):
				status = http.StatusUnauthorized
			case errors.As(err, &backendErr) && backendErr.Status >= 400 && backendErr.Status < 500:
				status = http.StatusUnauthorized
			}
			logger.Warn("id token sign-in failed",
				zap.String("code", "web.idtoken.failed"),
				zap.String("provider", provider),
				zap.Int("status", status),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(status, gin.H{"error": "web.idtoken.failed"})
			return
		}
		writeNoStoreHeaders(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{"user_id": session.UserID, "user_email": session.Email})
	}
}
