package handler

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/internal/identity"
	"github.com/jmerrifield20/decisionlog/internal/recorder"
)

// AuthHandler exchanges the admin secret for short-lived operator tokens.
type AuthHandler struct {
	secretHash []byte
	tokens     *identity.TokenIssuer
	rec        *recorder.Recorder
	logger     *zap.Logger
}

// NewAuthHandler creates an AuthHandler. secretHash is the bcrypt hash of the
// admin secret; empty disables token exchange. rec may be nil.
func NewAuthHandler(secretHash string, tokens *identity.TokenIssuer, rec *recorder.Recorder, logger *zap.Logger) *AuthHandler {
	if rec == nil {
		rec = recorder.New(nil, 0, logger)
	}
	return &AuthHandler{
		secretHash: []byte(secretHash),
		tokens:     tokens,
		rec:        rec,
		logger:     logger,
	}
}

// Register mounts the token route on the given router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/token", h.IssueToken)
}

type tokenRequest struct {
	Secret  string   `json:"secret"  binding:"required"`
	Subject string   `json:"subject" binding:"required"`
	Scopes  []string `json:"scopes"`
}

type tokenResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	ExpiresIn int      `json:"expires_in"`
	Scopes    []string `json:"scopes"`
}

// IssueToken handles POST /token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	if len(h.secretHash) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token exchange is disabled"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := bcrypt.CompareHashAndPassword(h.secretHash, []byte(req.Secret)); err != nil {
		h.logger.Warn("token exchange rejected", zap.String("subject", req.Subject))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = identity.AllScopes
	}
	for _, s := range scopes {
		if !slices.Contains(identity.AllScopes, s) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope " + s})
			return
		}
	}

	tok, err := h.tokens.Issue(req.Subject, scopes)
	if err != nil {
		h.logger.Error("issue operator token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	h.rec.Record(c.Request.Context(), eventlog.ActorHuman, "operator.token_issued", "operator", req.Subject,
		gin.H{"scopes": scopes})

	c.JSON(http.StatusOK, tokenResponse{
		Token:     tok,
		TokenType: "Bearer",
		ExpiresIn: int(h.tokens.TTL().Seconds()),
		Scopes:    scopes,
	})
}
