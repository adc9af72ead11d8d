package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/britta/orchestrator/internal/config"
	"github.com/britta/orchestrator/internal/shared"
)

const principalKey = "orchestrator.principal"

// Principal is the authenticated caller of a tenant route.
type Principal struct {
	TenantID string
	OwnerID  string
}

// AuthMiddleware validates tenant API keys and the admin key. It fails
// closed: with no keys configured every protected route is refused.
type AuthMiddleware struct {
	keys     map[string]*config.APIKeyEntry
	adminKey string
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{
		keys:     make(map[string]*config.APIKeyEntry),
		adminKey: cfg.AdminKey,
	}
	for i := range cfg.Keys {
		am.keys[cfg.Keys[i].Key] = &cfg.Keys[i]
	}
	return am
}

// Tenant authenticates a tenant key and stores the Principal on the context.
// X-User-ID, when present, overrides the key's default owner.
func (am *AuthMiddleware) Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ExtractAPIKey(c.Request)
		if key == "" {
			abortAuth(c, http.StatusUnauthorized, "missing API key")
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			abortAuth(c, http.StatusForbidden, "invalid API key")
			return
		}
		p := Principal{TenantID: entry.TenantID, OwnerID: entry.OwnerID}
		if owner := strings.TrimSpace(c.GetHeader("X-User-ID")); owner != "" {
			p.OwnerID = owner
		}
		c.Set(principalKey, p)
		ctx := shared.WithOwnerID(shared.WithTenantID(c.Request.Context(), p.TenantID), p.OwnerID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Admin requires the elevated admin key. An empty admin key disables the
// admin surface entirely.
func (am *AuthMiddleware) Admin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.adminKey == "" {
			abortAuth(c, http.StatusForbidden, "admin API disabled")
			return
		}
		key := ExtractAPIKey(c.Request)
		if key == "" {
			abortAuth(c, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.adminKey)) != 1 {
			abortAuth(c, http.StatusForbidden, "admin key required")
			return
		}
		c.Next()
	}
}

// ExtractAPIKey extracts an API key from request headers.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	var found *config.APIKeyEntry
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			found = entry
		}
	}
	return found, found != nil
}

// PrincipalFrom returns the caller set by Tenant.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func abortAuth(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorBody("unauthorized", msg))
}
