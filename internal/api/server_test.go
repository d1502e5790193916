package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"credit-ledger/internal/auth"
	"credit-ledger/internal/events"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/ledger/memstore"
	"credit-ledger/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *Server
	store  *memstore.Store
	jwt    *auth.JWTManager
	bus    *events.EventBus
}

func newTestEnv(t *testing.T, cfg ServerConfig, opts ...Option) *testEnv {
	t.Helper()
	store := memstore.New()
	bus := events.NewEventBus()
	svc := ledger.NewService(store, zerolog.Nop(), ledger.WithEventBus(bus))
	jwt := auth.NewJWTManager(testSecret, "credit-ledger", time.Hour)
	logger := logging.NewWithWriter(&logging.Config{Level: "error", JSONFormat: true}, io.Discard)

	return &testEnv{
		server: NewServer(cfg, svc, jwt, bus, logger, opts...),
		store:  store,
		jwt:    jwt,
		bus:    bus,
	}
}

func (e *testEnv) token(t *testing.T, userID string, admin bool) string {
	t.Helper()
	tok, err := e.jwt.GenerateAccessToken(auth.UserClaims{UserID: userID, IsAdmin: admin})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (e *testEnv) seedCode(code string, ct ledger.CreditType, value, minutes, articles int64) {
	e.store.AddCode(ledger.LicenseCode{
		ID:           uuid.NewString(),
		Code:         code,
		CreditType:   ct,
		CreditValue:  value,
		VideoMinutes: minutes,
		ArticleCount: articles,
		CreatedAt:    time.Now().UTC(),
	})
}

func (e *testEnv) seedResource(rt ledger.ResourceType, price int64) string {
	id := uuid.NewString()
	e.store.AddResource(ledger.Resource{ID: id, Type: rt, Title: "Seeded", CreditsRequired: price})
	return id
}

func TestBalanceRequiresAuth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	w, body := env.do(t, http.MethodGet, "/api/credits/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])

	w, body = env.do(t, http.MethodGet, "/api/credits/balance", env.token(t, uuid.NewString(), false), nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, field := range []string{"balance", "video_watch_minutes", "article_credits", "total_earned", "total_spent"} {
		assert.Equal(t, float64(0), body[field], field)
	}
}

func TestRedeemFlow(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	userID := uuid.NewString()
	tok := env.token(t, userID, false)

	env.seedCode("FUND-AAAA-BBBB", ledger.CreditTypeUniversal, 50, 0, 0)
	env.seedCode("GIFT-XYZA-BCDE", ledger.CreditTypeUniversal, 100, 0, 0)

	w, _ := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "fund-aaaa-bbbb"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": " GIFT-XYZA-BCDE "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "universal", body["credit_type"])
	credits := body["credits"].(map[string]interface{})
	assert.Equal(t, float64(150), credits["balance"])

	txns := env.store.Transactions(userID)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(100), txns[1].Amount)
	assert.Equal(t, int64(50), txns[1].BalanceBefore)
	assert.Equal(t, int64(150), txns[1].BalanceAfter)

	w, body = env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "GIFT-XYZA-BCDE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ALREADY_REDEEMED", body["code"])
	assert.NotEmpty(t, body["error"])

	_, body = env.do(t, http.MethodGet, "/api/credits/balance", tok, nil)
	assert.Equal(t, float64(150), body["balance"])
}

func TestRedeemRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	tok := env.token(t, uuid.NewString(), false)

	w, body := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "code is required", body["error"])

	w, body = env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "NOPE-NOPE-NOPE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid code", body["error"])
	assert.Equal(t, "INVALID_CODE", body["code"])
}

func TestRedeemRateLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RedeemRateLimit: 2})
	tok := env.token(t, uuid.NewString(), false)

	for i := 0; i < 2; i++ {
		w, _ := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "NOPE-NOPE-NOPE"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	w, body := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "NOPE-NOPE-NOPE"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", body["code"])

	// other users keep their own window
	w, _ = env.do(t, http.MethodPost, "/api/credits/redeem", env.token(t, uuid.NewString(), false), gin.H{"code": "NOPE-NOPE-NOPE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) IncrementWindow(ctx context.Context, scope, subject string, window time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[scope+":"+subject]++
	return f.counts[scope+":"+subject], nil
}

func TestRateLimiterSharedCounter(t *testing.T) {
	ctx := context.Background()
	counter := &fakeCounter{counts: map[string]int64{}}
	rl := NewRateLimiter("redeem", 1, time.Minute, counter)

	assert.True(t, rl.Allow(ctx, "u1"))
	assert.False(t, rl.Allow(ctx, "u1"))
	assert.Equal(t, int64(2), counter.counts["redeem:u1"])

	// shared counter down: the in-memory window takes over
	counter.err = errors.New("redis down")
	assert.True(t, rl.Allow(ctx, "u2"))
	assert.False(t, rl.Allow(ctx, "u2"))

	assert.True(t, NewRateLimiter("redeem", 0, time.Minute, nil).Allow(ctx, "any"))
}

func TestRateLimiterForgetsIdleKeys(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter("redeem", 5, 20*time.Millisecond, nil)

	for i := 0; i < 50; i++ {
		assert.True(t, rl.Allow(ctx, fmt.Sprintf("user-%d", i)))
	}
	assert.Len(t, rl.requests, 50)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow(ctx, "fresh"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.requests, 1)
	assert.Contains(t, rl.requests, "fresh")
}

func TestConsumeArticleInsufficient(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	userID := uuid.NewString()
	tok := env.token(t, userID, false)
	articleID := env.seedResource(ledger.ResourceArticle, 3)

	w, body := env.do(t, http.MethodPost, "/api/credits/consume-article", tok, gin.H{"article_id": articleID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_ARTICLE_CREDITS", body["code"])

	grant, err := env.store.GetGrant(context.Background(), ledger.ResourceArticle, userID, articleID)
	require.NoError(t, err)
	assert.Nil(t, grant)

	_, body = env.do(t, http.MethodGet, "/api/credits/balance", tok, nil)
	assert.Equal(t, float64(0), body["article_credits"])
}

func TestConsumeArticleAndAccess(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	userID := uuid.NewString()
	tok := env.token(t, userID, false)
	articleID := env.seedResource(ledger.ResourceArticle, 3)
	freeID := env.seedResource(ledger.ResourceArticle, 0)
	env.seedCode("READ-AAAA-BBBB", ledger.CreditTypeArticle, 0, 0, 2)

	w, _ := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "READ-AAAA-BBBB"})
	require.Equal(t, http.StatusOK, w.Code)

	path := "/api/credits/check-article-access/" + articleID
	_, body := env.do(t, http.MethodGet, path, tok, nil)
	assert.Equal(t, false, body["has_access"])

	w, body = env.do(t, http.MethodPost, "/api/credits/consume-article", tok, gin.H{"article_id": articleID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), body["remaining_credits"])

	w, body = env.do(t, http.MethodPost, "/api/credits/consume-article", tok, gin.H{"article_id": articleID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["already_owned"])
	assert.Equal(t, float64(1), body["remaining_credits"])

	_, body = env.do(t, http.MethodGet, path, tok, nil)
	assert.Equal(t, true, body["has_access"])

	w, body = env.do(t, http.MethodPost, "/api/credits/consume-article", tok, gin.H{"article_id": freeID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["remaining_credits"])
}

func TestCheckAccessAnonymous(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	paid := env.seedResource(ledger.ResourceArticle, 5)
	free := env.seedResource(ledger.ResourceArticle, 0)

	w, body := env.do(t, http.MethodGet, "/api/credits/check-article-access/"+free, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["has_access"])
	assert.Equal(t, true, body["free"])

	_, body = env.do(t, http.MethodGet, "/api/credits/check-article-access/"+paid, "", nil)
	assert.Equal(t, false, body["has_access"])
	assert.Equal(t, true, body["requires_auth"])
	assert.Equal(t, float64(5), body["credits_required"])

	w, _ = env.do(t, http.MethodGet, "/api/credits/check-article-access/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = env.do(t, http.MethodGet, "/api/credits/check-course-access/not-an-id", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Course not found", body["error"])
}

func TestPurchaseCourse(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	userID := uuid.NewString()
	tok := env.token(t, userID, false)
	courseID := env.seedResource(ledger.ResourceCourse, 40)

	w, body := env.do(t, http.MethodPost, "/api/credits/purchase-course", tok, gin.H{"course_id": courseID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["code"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, float64(40), details["required"])
	assert.Equal(t, float64(0), details["current"])

	env.seedCode("FUND-CCCC-DDDD", ledger.CreditTypeUniversal, 100, 0, 0)
	w, _ = env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "FUND-CCCC-DDDD"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = env.do(t, http.MethodPost, "/api/credits/purchase-course", tok, gin.H{"course_id": courseID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(40), body["charged"])
	assert.Equal(t, float64(60), body["remaining_balance"])

	w, body = env.do(t, http.MethodPost, "/api/credits/purchase-course", tok, gin.H{"course_id": courseID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["already_owned"])
	assert.Equal(t, float64(60), body["remaining_balance"])

	_, body = env.do(t, http.MethodGet, "/api/credits/check-course-access/"+courseID, tok, nil)
	assert.Equal(t, true, body["has_access"])

	w, _ = env.do(t, http.MethodPost, "/api/credits/purchase-article", tok, gin.H{"article_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConsumeVideo(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	tok := env.token(t, uuid.NewString(), false)
	courseID := env.seedResource(ledger.ResourceCourse, 10)
	env.seedCode("WATCH-AAAA-BBBB", ledger.CreditTypeVideo, 0, 30, 0)

	w, _ := env.do(t, http.MethodPost, "/api/credits/consume-video", tok, gin.H{"minutes": 2.5, "course_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := env.do(t, http.MethodPost, "/api/credits/consume-video", tok, gin.H{"minutes": 0, "course_id": courseID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	w, body = env.do(t, http.MethodPost, "/api/credits/consume-video", tok, gin.H{"minutes": 1e30, "course_id": courseID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.Equal(t, "minutes must be at most 2147483647", body["error"])

	w, body = env.do(t, http.MethodPost, "/api/credits/consume-video", tok, gin.H{"minutes": 2.5, "course_id": courseID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_MINUTES", body["code"])

	w, _ = env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "WATCH-AAAA-BBBB"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = env.do(t, http.MethodPost, "/api/credits/consume-video", tok, gin.H{"minutes": 2.5, "course_id": courseID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(3), body["charged"])
	assert.Equal(t, float64(27), body["remaining_minutes"])
}

func TestListTransactions(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	tok := env.token(t, uuid.NewString(), false)
	for i := 0; i < 3; i++ {
		code := fmt.Sprintf("FUND-AAAA-000%d", i)
		env.seedCode(code, ledger.CreditTypeUniversal, 10, 0, 0)
		w, _ := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": code})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, body := env.do(t, http.MethodGet, "/api/credits/transactions?page=1&limit=2", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 2)
	pagination := body["pagination"].(map[string]interface{})
	assert.Equal(t, float64(3), pagination["total"])
	assert.Equal(t, float64(2), pagination["pages"])

	_, body = env.do(t, http.MethodGet, "/api/credits/transactions?type=usage", tok, nil)
	assert.Len(t, body["data"], 0)

	w, _ = env.do(t, http.MethodGet, "/api/credits/transactions?type=refund", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	userTok := env.token(t, uuid.NewString(), false)
	adminTok := env.token(t, uuid.NewString(), true)
	req := gin.H{"amount": 3, "credit_type": "universal", "credit_value": 25, "prefix": "promo"}

	w, body := env.do(t, http.MethodPost, "/api/admin/codes/generate", userTok, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])

	w, body = env.do(t, http.MethodPost, "/api/admin/codes/generate", adminTok, gin.H{"amount": 101, "credit_type": "universal", "credit_value": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "amount must be between 1 and 100", body["error"])

	w, body = env.do(t, http.MethodPost, "/api/admin/codes/generate", adminTok, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	codes := body["codes"].([]interface{})
	require.Len(t, codes, 3)
	first := codes[0].(map[string]interface{})
	assert.True(t, strings.HasPrefix(first["code"].(string), "PROMO-"))

	w, body = env.do(t, http.MethodGet, "/api/admin/reports/licenses?search=promo", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 3)

	w, _ = env.do(t, http.MethodGet, "/api/admin/reports/licenses", userTok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// brokenStore fails every balance read the way an exhausted retry would
type brokenStore struct {
	ledger.Store
}

func (brokenStore) GetCredits(ctx context.Context, userID string) (*ledger.Credits, error) {
	return nil, fmt.Errorf("%w: dial tcp 10.0.0.5:5432: connection refused", ledger.ErrStorageUnavailable)
}

func TestStorageFailureIsGeneric(t *testing.T) {
	svc := ledger.NewService(brokenStore{Store: memstore.New()}, zerolog.Nop())
	jwt := auth.NewJWTManager(testSecret, "credit-ledger", time.Hour)
	logger := logging.NewWithWriter(&logging.Config{Level: "error", JSONFormat: true}, io.Discard)
	env := &testEnv{server: NewServer(ServerConfig{}, svc, jwt, nil, logger), jwt: jwt}

	w, body := env.do(t, http.MethodGet, "/api/credits/balance", env.token(t, uuid.NewString(), false), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", body["error"])
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestHealthAndMetrics(t *testing.T) {
	dbErr := errors.New("db down")
	var failDB bool
	env := newTestEnv(t, ServerConfig{},
		WithHealthCheck(HealthCheck{Name: "database", Critical: true, Check: func(ctx context.Context) error {
			if failDB {
				return dbErr
			}
			return nil
		}}),
		WithHealthCheck(HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return errors.New("no redis") }}),
	)

	w, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])

	failDB = true
	w, body = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])

	w, _ = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestCreditsWebSocket(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	go env.server.Hub().Run()
	defer env.server.Hub().Stop()

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	userID := uuid.NewString()
	tok := env.token(t, userID, false)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/credits"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "CONNECTED", msg["type"])
	assert.Equal(t, 1, env.server.Hub().GetUserClientCount(userID))

	env.seedCode("LIVE-AAAA-BBBB", ledger.CreditTypeUniversal, 7, 0, 0)
	w, _ := env.do(t, http.MethodPost, "/api/credits/redeem", tok, gin.H{"code": "LIVE-AAAA-BBBB"})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventCreditsRedeemed), msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, float64(7), data["balance"])
}
