package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxTokenClaims = "eventlog_token_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer operator token.
//
// On success it injects the *OperatorClaims into the context under the
// "eventlog_token_claims" key.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, tokens) {
			return
		}
		c.Next()
	}
}

// RequireScope returns a Gin middleware that enforces a valid Bearer operator
// token carrying scope. Missing or invalid tokens get 401, tokens without the
// scope get 403.
func RequireScope(tokens *TokenIssuer, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, tokens) {
			return
		}
		if !HasScope(ClaimsFromCtx(c), scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "scope " + scope + " required",
			})
			return
		}
		c.Next()
	}
}

// authenticate verifies the Bearer token and stores its claims, aborting the
// request on failure.
func authenticate(c *gin.Context, tokens *TokenIssuer) bool {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Bearer token required",
		})
		return false
	}

	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := tokens.Verify(tokenStr)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid token: " + err.Error(),
		})
		return false
	}

	c.Set(ctxTokenClaims, claims)
	return true
}

// ClaimsFromCtx retrieves the operator claims injected by RequireToken.
func ClaimsFromCtx(c *gin.Context) *OperatorClaims {
	v, _ := c.Get(ctxTokenClaims)
	claims, _ := v.(*OperatorClaims)
	return claims
}
