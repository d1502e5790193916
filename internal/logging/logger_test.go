package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		entries = append(entries, m)
	}
	return entries
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "debug", Component: "ledger", JSONFormat: true}, &buf)

	l.Info("Code redeemed", "user_id", "u-1", "amount", 100, "err", errors.New("boom"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "Code redeemed", e["message"])
	assert.Equal(t, "ledger", e["component"])
	assert.Equal(t, "u-1", e["user_id"])
	assert.Equal(t, float64(100), e["amount"])
	assert.Equal(t, "boom", e["err"])
}

func TestPrintfArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	l.Warn("retrying in %d ms", 250)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "retrying in 250 ms", entries[0]["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "warn", JSONFormat: true}, &buf)

	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["message"])
}

func TestDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	l := base.WithComponent("cache").WithTraceID("abc123").WithField("user_id", "u-2").WithError(errors.New("down"))
	l.Info("Balance cache degraded")
	base.Info("plain")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "cache", entries[0]["component"])
	assert.Equal(t, "abc123", entries[0]["trace_id"])
	assert.Equal(t, "u-2", entries[0]["user_id"])
	assert.Equal(t, "down", entries[0]["error"])
	assert.Equal(t, "abc123", l.TraceID())

	_, leaked := entries[1]["user_id"]
	assert.False(t, leaked)
}

func TestGinMiddlewareTracesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "debug", JSONFormat: true}, &buf)

	var seenTrace string
	r := gin.New()
	r.Use(GinMiddleware(base))
	r.GET("/boom", func(c *gin.Context) {
		seenTrace = TraceIDFromContext(c.Request.Context())
		FromContext(c.Request.Context()).Info("inside handler")
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(TraceHeader, "trace-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "trace-42", w.Header().Get(TraceHeader))
	assert.Equal(t, "trace-42", seenTrace)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "inside handler", entries[0]["message"])
	assert.Equal(t, "trace-42", entries[0]["trace_id"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, float64(500), entries[1]["status_code"])
}
