package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func newRouter(cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", Middleware(cfg), func(c *gin.Context) {
		userID, ok := GetUserID(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, userID)
	})
	return r
}

func TestMiddleware(t *testing.T) {
	cfg := Config{APIKey: "s3cret", JWTSecret: testSecret, JWTAudience: "foamline"}
	valid := jwt.RegisteredClaims{
		Subject:   "user-42",
		Audience:  jwt.ClaimStrings{"foamline"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongAudience := valid
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	noSubject := valid
	noSubject.Subject = ""

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
		wantUser string
	}{
		{name: "api key", headers: map[string]string{"API-Key": "s3cret"}, wantCode: http.StatusOK, wantUser: APIKeyUser},
		{name: "wrong api key", headers: map[string]string{"API-Key": "nope"}, wantCode: http.StatusUnauthorized},
		{
			name:     "bearer token",
			headers:  map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid)},
			wantCode: http.StatusOK,
			wantUser: "user-42",
		},
		{
			name:     "expired token",
			headers:  map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired)},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong audience",
			headers:  map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongAudience)},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "missing subject",
			headers:  map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noSubject)},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong secret",
			headers:  map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid)},
			wantCode: http.StatusUnauthorized,
		},
		{name: "malformed header", headers: map[string]string{"Authorization": "Token abc"}, wantCode: http.StatusUnauthorized},
		{name: "no credentials", wantCode: http.StatusUnauthorized},
	}

	router := newRouter(cfg)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantCode, rec.Code)
			if tc.wantUser != "" {
				assert.Equal(t, tc.wantUser, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestMiddlewareRejectsAPIKeyWhenUnconfigured(t *testing.T) {
	router := newRouter(Config{JWTSecret: testSecret})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(APIKeyHeader, "anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTMiddlewareRequiresSecret(t *testing.T) {
	router := newRouter(Config{})
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{Subject: "user"})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing JWT secret"}`, rec.Body.String())
}
