package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager(testSecret, "credit-ledger", time.Hour)
	userID := uuid.NewString()

	token, err := m.GenerateAccessToken(UserClaims{UserID: userID, Email: "a@example.com", IsAdmin: true})
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.True(t, claims.IsAdmin)
	assert.Equal(t, int64(3600), m.GetAccessTokenDuration())
}

func TestValidateRejects(t *testing.T) {
	m := NewJWTManager(testSecret, "credit-ledger", time.Hour)
	userID := uuid.NewString()

	t.Run("expired", func(t *testing.T) {
		token, err := m.GenerateAccessTokenWithTTL(UserClaims{UserID: userID}, -time.Minute)
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.Equal(t, ErrTokenExpired, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTManager("another-secret-another-secret-xx", "credit-ledger", time.Hour)
		token, err := other.GenerateAccessToken(UserClaims{UserID: userID})
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTManager(testSecret, "someone-else", time.Hour)
		token, err := other.GenerateAccessToken(UserClaims{UserID: userID})
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("malformed user id", func(t *testing.T) {
		token, err := m.GenerateAccessToken(UserClaims{UserID: "not-a-uuid"})
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserClaims: UserClaims{UserID: userID}})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(signed)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.ValidateAccessToken("abc.def.ghi")
		assert.Equal(t, ErrInvalidToken, err)
	})
}

func newRouter(m *JWTManager) *gin.Engine {
	r := gin.New()
	r.GET("/me", Middleware(m), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c), "admin": IsAdmin(c)})
	})
	r.GET("/admin", Middleware(m), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/optional", OptionalMiddleware(m), func(c *gin.Context) {
		if GetUserClaims(c) == nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, GetUserID(c))
	})
	return r
}

func do(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager(testSecret, "credit-ledger", time.Hour)
	r := newRouter(m)
	userID := uuid.NewString()

	userToken, err := m.GenerateAccessToken(UserClaims{UserID: userID})
	require.NoError(t, err)
	adminToken, err := m.GenerateAccessToken(UserClaims{UserID: uuid.NewString(), IsAdmin: true})
	require.NoError(t, err)

	w := do(r, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"UNAUTHENTICATED"`)

	w = do(r, "/me", "bogus")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "/me", userToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), userID)

	w = do(r, "/admin", userToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"FORBIDDEN"`)

	w = do(r, "/admin", adminToken)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, "/optional", "")
	assert.Equal(t, "anonymous", w.Body.String())

	w = do(r, "/optional", userToken)
	assert.Equal(t, userID, w.Body.String())
}
