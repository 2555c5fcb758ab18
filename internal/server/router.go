package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/internal/gateway"
	"github.com/MarcoPoloResearchLab/cowrite/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingTokenIssuer    = errors.New("token issuer dependency required")
	errMissingUsersService   = errors.New("users service dependency required")
	errMissingGateway        = errors.New("gateway dependency required")
)

// GoogleVerifier validates Google ID tokens presented at login.
type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

// TokenIssuer issues gateway bearer tokens after login.
type TokenIssuer interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenIssuer    TokenIssuer
	UsersService   *users.Service
	Gateway        *gateway.Gateway
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing login, health, and the
// websocket attach point.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.GoogleVerifier,
		tokens:   deps.TokenIssuer,
		users:    deps.UsersService,
		gateway:  deps.Gateway,
		logger:   logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)
	router.GET("/ws", handler.handleWebsocket)
	router.GET("/healthz", handler.handleHealth)

	return router, nil
}

type httpHandler struct {
	verifier GoogleVerifier
	tokens   TokenIssuer
	users    *users.Service
	gateway  *gateway.Gateway
	logger   *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, err := h.users.EnsureIdentity(claims)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
