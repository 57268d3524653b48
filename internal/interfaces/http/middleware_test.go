package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func authRouter(m *Middleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", m.AuthRequired(), func(c *gin.Context) {
		operator, _ := c.Get("operator")
		c.JSON(http.StatusOK, gin.H{"operator": operator})
	})
	return r
}

func TestIssueTokenRequiresAPIKey(t *testing.T) {
	m := NewMiddleware("secret", "key-123")

	_, err := m.IssueToken("ops", "wrong")
	require.Error(t, err)

	token, err := m.IssueToken("ops", "key-123")
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestIssueTokenRefusesEmptyConfiguredKey(t *testing.T) {
	m := NewMiddleware("secret", "")
	_, err := m.IssueToken("ops", "")
	require.Error(t, err)
}

func TestAuthRequired(t *testing.T) {
	m := NewMiddleware("secret", "key-123")
	r := authRouter(m)

	// Missing header
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Garbage token
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token
	token, err := m.IssueToken("ops", "key-123")
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ops")
}

func TestAuthRequiredRejectsTokenFromOtherSecret(t *testing.T) {
	issuer := NewMiddleware("other-secret", "key-123")
	token, err := issuer.IssueToken("ops", "key-123")
	require.NoError(t, err)

	m := NewMiddleware("secret", "key-123")
	r := authRouter(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
