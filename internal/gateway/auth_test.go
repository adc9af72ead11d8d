package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/britta/orchestrator/internal/config"
	"github.com/britta/orchestrator/internal/gateway"
	"github.com/britta/orchestrator/internal/shared"
)

func authEngine(cfg config.AuthConfig) *gin.Engine {
	am := gateway.NewAuthMiddleware(cfg)
	r := gin.New()
	r.GET("/tenant", am.Tenant(), func(c *gin.Context) {
		p, ok := gateway.PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, gin.H{
			"tenant":     p.TenantID,
			"owner":      p.OwnerID,
			"ctx_tenant": shared.TenantID(ctx),
			"ctx_owner":  shared.OwnerID(ctx),
		})
	})
	r.GET("/admin", am.Admin(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func serve(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuth_TenantKeyResolvesPrincipal(t *testing.T) {
	r := authEngine(config.AuthConfig{Keys: []config.APIKeyEntry{
		{Key: "k1", TenantID: "acme", OwnerID: "ops"},
	}})

	rec := serve(r, "/tenant", map[string]string{"Authorization": "Bearer k1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenant":"acme","owner":"ops","ctx_tenant":"acme","ctx_owner":"ops"}`, rec.Body.String())

	rec = serve(r, "/tenant", map[string]string{"X-API-Key": "k1", "X-User-ID": "dana"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"owner":"dana"`)
}

func TestAuth_TenantRejections(t *testing.T) {
	r := authEngine(config.AuthConfig{Keys: []config.APIKeyEntry{{Key: "k1", TenantID: "acme"}}})

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/tenant", nil).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, "/tenant", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/tenant", map[string]string{"Authorization": "Basic k1"}).Code)
}

func TestAuth_NoKeysFailsClosed(t *testing.T) {
	r := authEngine(config.AuthConfig{})
	assert.Equal(t, http.StatusForbidden, serve(r, "/tenant", map[string]string{"X-API-Key": "anything"}).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, "/admin", map[string]string{"X-API-Key": "anything"}).Code)
}

func TestAuth_Admin(t *testing.T) {
	r := authEngine(config.AuthConfig{
		AdminKey: "root",
		Keys:     []config.APIKeyEntry{{Key: "k1", TenantID: "acme"}},
	})
	assert.Equal(t, http.StatusOK, serve(r, "/admin", map[string]string{"Authorization": "Bearer root"}).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, "/admin", map[string]string{"Authorization": "Bearer k1"}).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/admin", nil).Code)
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"x-api-key", map[string]string{"X-API-Key": "xyz"}, "xyz"},
		{"bearer wins", map[string]string{"Authorization": "Bearer abc", "X-API-Key": "xyz"}, "abc"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, gateway.ExtractAPIKey(req))
		})
	}
}
