package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wanderlust/booking-backend/pkg/jwt"
)

func setupTestJWTService() *jwt.Service {
	return jwt.NewService("test-access-secret-key-123456789", "wanderlust-auth")
}

func setupTestRouter(jwtService *jwt.Service, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(jwtService, logger)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		userCtx, exists := GetUserContext(c)
		if !exists {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userCtx.UserID, "admin": userCtx.IsAdmin()})
	})
	router.GET("/protected", handlers...)
	return router
}

func doRequest(router *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_Success(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter(jwtService)
	userID := uuid.New()

	token, err := jwtService.GenerateAccessToken(userID, "ada@example.com", []string{"customer"}, time.Hour)
	require.NoError(t, err)

	w := doRequest(router, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), userID.String())
	assert.Contains(t, w.Body.String(), `"admin":false`)
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter(jwtService)

	expired, err := jwtService.GenerateAccessToken(uuid.New(), "", nil, -time.Minute)
	require.NoError(t, err)
	foreign, err := jwt.NewService("some-other-secret", "wanderlust-auth").GenerateAccessToken(uuid.New(), "", nil, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing header", header: "", code: "MISSING_AUTH_HEADER"},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", code: "INVALID_AUTH_FORMAT"},
		{name: "empty bearer", header: "Bearer   ", code: "INVALID_AUTH_FORMAT"},
		{name: "garbage token", header: "Bearer abc.def.ghi", code: "INVALID_TOKEN"},
		{name: "expired token", header: "Bearer " + expired, code: "TOKEN_EXPIRED"},
		{name: "wrong secret", header: "Bearer " + foreign, code: "INVALID_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter(jwtService, RequireRole(jwt.RoleAdmin))

	customer, err := jwtService.GenerateAccessToken(uuid.New(), "", []string{"customer"}, time.Hour)
	require.NoError(t, err)
	admin, err := jwtService.GenerateAccessToken(uuid.New(), "", []string{"customer", jwt.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	w := doRequest(router, "Bearer "+customer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "INSUFFICIENT_PERMISSIONS")

	w = doRequest(router, "Bearer "+admin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"admin":true`)
}

func TestRequireRole_WithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", RequireRole(jwt.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
