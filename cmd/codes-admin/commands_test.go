package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"credit-ledger/config"
	"credit-ledger/internal/auth"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/ledger/memstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedBackend keeps one memstore across command runs
func sharedBackend(store *memstore.Store) backendFactory {
	return func(ctx context.Context, cfg *config.Config) (*backend, error) {
		return &backend{store: store, catalog: store, close: func() {}}, nil
	}
}

func run(t *testing.T, open backendFactory, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "none.json"))
	t.Setenv("AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	var out bytes.Buffer
	root := newRootCommand(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGenerateCSV(t *testing.T) {
	store := memstore.New()
	out, err := run(t, sharedBackend(store), "generate", "-n", "4", "--type", "both", "--minutes", "30", "--articles", "2", "--prefix", "spring", "-o", "csv")
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "code", records[0][0])
	for _, rec := range records[1:] {
		assert.True(t, strings.HasPrefix(rec[0], "SPRING-"), rec[0])
		assert.Equal(t, "both", rec[1])

		lc, ok := store.Code(rec[0])
		require.True(t, ok)
		assert.Equal(t, int64(30), lc.VideoMinutes)
		assert.False(t, lc.Redeemed)
	}
}

func TestGenerateValidation(t *testing.T) {
	store := memstore.New()

	_, err := run(t, sharedBackend(store), "generate", "-n", "0", "--value", "5")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = run(t, sharedBackend(store), "generate", "--value", "5", "--created-by", "bob")
	assert.ErrorContains(t, err, "--created-by")

	_, err = run(t, sharedBackend(store), "generate", "--type", "gold", "--value", "5")
	assert.ErrorContains(t, err, "unknown credit type")

	_, err = run(t, sharedBackend(store), "generate", "--value", "5", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestReportJSON(t *testing.T) {
	store := memstore.New()
	_, err := run(t, sharedBackend(store), "generate", "-n", "3", "--value", "10", "--prefix", "rep")
	require.NoError(t, err)

	out, err := run(t, sharedBackend(store), "report", "--search", "REP", "-o", "json")
	require.NoError(t, err)

	var page ledger.CodePage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Len(t, page.Data, 3)
	assert.Equal(t, 3, page.Pagination.Total)

	out, err = run(t, sharedBackend(store), "report")
	require.NoError(t, err)
	assert.Contains(t, out, "3 codes total")
}

func TestResourceAdd(t *testing.T) {
	store := memstore.New()
	id := uuid.NewString()

	out, err := run(t, sharedBackend(store), "resource", "add", "course", "--id", id, "--title", "Go", "--credits", "40")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	res, err := store.GetResource(context.Background(), ledger.ResourceCourse, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(40), res.CreditsRequired)

	_, err = run(t, sharedBackend(store), "resource", "add", "podcast")
	assert.Error(t, err)
}

func TestTokenIsAccepted(t *testing.T) {
	userID := uuid.NewString()
	out, err := run(t, sharedBackend(memstore.New()), "token", "--user", userID, "--admin", "--ttl", "10m")
	require.NoError(t, err)

	m := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "credit-ledger", time.Hour)
	claims, err := m.ValidateAccessToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.True(t, claims.IsAdmin)
}
