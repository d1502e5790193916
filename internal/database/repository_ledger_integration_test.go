//go:build integration

package database

import (
	"context"
	"errors"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"credit-ledger/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"
)

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

func startPostgres(t *testing.T) *DB {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ledger",
				"POSTGRES_PASSWORD": "ledger",
				"POSTGRES_DB":       "credits",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := NewDB(Config{
		Host:     host,
		Port:     port.Int(),
		User:     "ledger",
		Password: "ledger",
		Database: "credits",
		MaxConns: 20,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.RunMigrations(ctx))
	// Migrations are idempotent
	require.NoError(t, db.RunMigrations(ctx))
	return db
}

func TestPostgresLedgerEndToEnd(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	pg := NewLedgerStore(db)
	store := NewResilientStore(pg, DefaultResilienceConfig(), zerolog.Nop())
	svc := ledger.NewService(store, zerolog.Nop())

	adminID := uuid.NewString()
	generated, err := svc.GenerateCodes(ctx, ledger.GenerateRequest{
		Count:       5,
		CreditType:  ledger.CreditTypeUniversal,
		CreditValue: 40,
		Prefix:      "INTEG",
		CreatedBy:   adminID,
	})
	require.NoError(t, err)
	require.Equal(t, 5, generated.Created)

	userID := uuid.NewString()
	redeemed, err := svc.RedeemCode(ctx, userID, generated.Codes[0].Code)
	require.NoError(t, err)
	assert.Equal(t, int64(40), redeemed.Credits.Balance)

	_, err = svc.RedeemCode(ctx, uuid.NewString(), generated.Codes[0].Code)
	assert.ErrorIs(t, err, ledger.ErrAlreadyRedeemed)

	courseID := uuid.NewString()
	require.NoError(t, pg.UpsertResource(ctx, ledger.Resource{ID: courseID, Type: ledger.ResourceCourse, Title: "Go", CreditsRequired: 25}))
	course, err := svc.GetResource(ctx, ledger.ResourceCourse, courseID)
	require.NoError(t, err)

	consumed, err := svc.ConsumeUniversal(ctx, userID, course.CreditsRequired, ledger.ResourceCourse, courseID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), consumed.Credits.Balance)

	again, err := svc.ConsumeUniversal(ctx, userID, course.CreditsRequired, ledger.ResourceCourse, courseID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyOwned)

	_, err = svc.ConsumeUniversal(ctx, userID, 100, ledger.ResourceCourse, uuid.NewString())
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	access, err := svc.CheckAccess(ctx, userID, ledger.ResourceCourse, courseID, course.CreditsRequired)
	require.NoError(t, err)
	assert.True(t, access.HasAccess)

	history, err := svc.ListTransactions(ctx, userID, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, history.Data, 2)
	assert.Equal(t, ledger.TransactionUsage, history.Data[0].Type)
	assert.Equal(t, ledger.TransactionRedeem, history.Data[1].Type)

	report, err := svc.LicenseReport(ctx, "integ", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Pagination.Total)

	byUser, err := svc.LicenseReport(ctx, userID, 1, 50)
	require.NoError(t, err)
	require.Len(t, byUser.Data, 1)
	assert.True(t, byUser.Data[0].Redeemed)

	literal, err := svc.LicenseReport(ctx, "%", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, literal.Pagination.Total)
}

func TestPostgresConcurrentRedemption(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	svc := ledger.NewService(NewResilientStore(NewLedgerStore(db), DefaultResilienceConfig(), zerolog.Nop()), zerolog.Nop())

	generated, err := svc.GenerateCodes(ctx, ledger.GenerateRequest{Count: 1, CreditType: ledger.CreditTypeArticle, ArticleCount: 3})
	require.NoError(t, err)
	code := generated.Codes[0].Code

	var successes atomic.Int32
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			_, err := svc.RedeemCode(ctx, uuid.NewString(), code)
			if err == nil {
				successes.Add(1)
				return nil
			}
			if errors.Is(err, ledger.ErrAlreadyRedeemed) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), successes.Load())
}

func TestPostgresConcurrentConsumption(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	svc := ledger.NewService(NewResilientStore(NewLedgerStore(db), DefaultResilienceConfig(), zerolog.Nop()), zerolog.Nop())

	generated, err := svc.GenerateCodes(ctx, ledger.GenerateRequest{Count: 1, CreditType: ledger.CreditTypeUniversal, CreditValue: 5})
	require.NoError(t, err)
	userID := uuid.NewString()
	_, err = svc.RedeemCode(ctx, userID, generated.Codes[0].Code)
	require.NoError(t, err)

	var successes atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := svc.ConsumeUniversal(ctx, userID, 1, ledger.ResourceArticle, uuid.NewString())
			if err == nil {
				successes.Add(1)
				return nil
			}
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(5), successes.Load())
	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Balance)
}

func TestPostgresTransactionsAreImmutable(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	svc := ledger.NewService(NewLedgerStore(db), zerolog.Nop())

	generated, err := svc.GenerateCodes(ctx, ledger.GenerateRequest{Count: 1, CreditType: ledger.CreditTypeVideo, VideoMinutes: 30})
	require.NoError(t, err)
	userID := uuid.NewString()
	_, err = svc.RedeemCode(ctx, userID, generated.Codes[0].Code)
	require.NoError(t, err)

	_, err = db.Pool.Exec(ctx, `UPDATE credit_transactions SET amount = 1000 WHERE user_id = $1`, userID)
	assert.Error(t, err)
	_, err = db.Pool.Exec(ctx, `DELETE FROM credit_transactions WHERE user_id = $1`, userID)
	assert.Error(t, err)

	_, err = db.Pool.Exec(ctx, `UPDATE user_credits SET video_watch_minutes = -1 WHERE user_id = $1`, userID)
	assert.Error(t, err, "balances must never go negative")
}
