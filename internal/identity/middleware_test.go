package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/decisionlog/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func scopedRouter(ti *identity.TokenIssuer) *gin.Engine {
	r := gin.New()
	r.GET("/audit", identity.RequireScope(ti, identity.ScopeAudit), func(c *gin.Context) {
		c.String(http.StatusOK, identity.ClaimsFromCtx(c).Subject)
	})
	return r
}

func TestRequireScope(t *testing.T) {
	ti := newTestTokenIssuer(t)
	r := scopedRouter(ti)

	audit, _ := ti.Issue("auditor", []string{identity.ScopeAudit})
	appendOnly, _ := ti.Issue("writer", []string{identity.ScopeAppend})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"missing scope", "Bearer " + appendOnly, http.StatusForbidden},
		{"granted", "Bearer " + audit, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/audit", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusOK && w.Body.String() != "auditor" {
				t.Errorf("handler saw subject %q", w.Body.String())
			}
		})
	}
}
