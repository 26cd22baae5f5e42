package handler_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/internal/handler"
	"github.com/jmerrifield20/decisionlog/internal/identity"
	"github.com/jmerrifield20/decisionlog/internal/recorder"
)

func setupAuthRouter(t *testing.T, secret string) (*testEnv, *eventlog.Log) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var hash string
	if secret != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash secret: %v", err)
		}
		hash = string(b)
	}

	l, err := eventlog.Open(context.Background(), eventlog.Config{Dir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	tokens := newTokens(t)
	rec := recorder.New(l, 0, zap.NewNop())

	r := gin.New()
	handler.NewAuthHandler(hash, tokens, rec, zap.NewNop()).Register(r.Group("/api/v1"))
	return &testEnv{router: r, tokens: tokens, rec: rec, log: l}, l
}

func TestIssueToken_200(t *testing.T) {
	env, l := setupAuthRouter(t, "s3cret")

	w, resp := env.do(t, http.MethodPost, "/api/v1/token", "", map[string]any{
		"secret": "s3cret", "subject": "alice", "scopes": []string{identity.ScopeAudit},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	claims, err := env.tokens.Verify(resp["token"].(string))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "alice" || !identity.HasScope(claims, identity.ScopeAudit) || identity.HasScope(claims, identity.ScopeAdmin) {
		t.Errorf("unexpected claims %+v", claims)
	}

	entries, _ := l.GetByEventKind(context.Background(), "operator.token_issued")
	if len(entries) != 1 || entries[0].EntityID != "alice" || entries[0].Actor != eventlog.ActorHuman {
		t.Errorf("token issuance not recorded: %+v", entries)
	}
}

func TestIssueToken_defaultsToAllScopes(t *testing.T) {
	env, _ := setupAuthRouter(t, "s3cret")

	_, resp := env.do(t, http.MethodPost, "/api/v1/token", "", map[string]any{"secret": "s3cret", "subject": "ops"})
	if scopes := resp["scopes"].([]any); len(scopes) != len(identity.AllScopes) {
		t.Errorf("expected all scopes, got %v", scopes)
	}
}

func TestIssueToken_401_wrongSecret(t *testing.T) {
	env, _ := setupAuthRouter(t, "s3cret")

	w, _ := env.do(t, http.MethodPost, "/api/v1/token", "", map[string]any{"secret": "guess", "subject": "mallory"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if st := env.rec.Status(); st.Appended != 0 {
		t.Errorf("rejected exchange was recorded")
	}
}

func TestIssueToken_400(t *testing.T) {
	env, _ := setupAuthRouter(t, "s3cret")

	if w, _ := env.do(t, http.MethodPost, "/api/v1/token", "", map[string]any{"secret": "s3cret"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing subject: expected 400, got %d", w.Code)
	}
	w, _ := env.do(t, http.MethodPost, "/api/v1/token", "", map[string]any{
		"secret": "s3cret", "subject": "alice", "scopes": []string{"eventlog:delete"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown scope: expected 400, got %d", w.Code)
	}
}

func TestIssueToken_503_disabled(t *testing.T) {
	env, _ := setupAuthRouter(t, "")

	w, _ := env.do(t, http.MethodPost, "/api/v1/token", "", map[string]any{"secret": "x", "subject": "alice"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
