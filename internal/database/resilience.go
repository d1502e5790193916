package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/metrics"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ResilienceConfig tunes retries and the storage circuit breaker
type ResilienceConfig struct {
	// InitialInterval is the first retry delay
	InitialInterval time.Duration
	// MaxElapsedTime bounds all retries of one operation
	MaxElapsedTime time.Duration
	// FailureThreshold is the number of consecutive transient failures that opens the breaker
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
}

// DefaultResilienceConfig returns production defaults
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		InitialInterval:  50 * time.Millisecond,
		MaxElapsedTime:   2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
	}
}

// ResilientStore wraps a ledger.Store with bounded retries on transient
// storage failures and a circuit breaker. Domain errors pass through
// untouched; exhausted retries surface as ledger.ErrStorageUnavailable.
type ResilientStore struct {
	inner      ledger.Store
	breaker    *gobreaker.CircuitBreaker[struct{}]
	newBackoff func() backoff.BackOff
	logger     zerolog.Logger
}

// NewResilientStore wraps inner
func NewResilientStore(inner ledger.Store, cfg ResilienceConfig, logger zerolog.Logger) *ResilientStore {
	logger = logger.With().Str("component", "StorageResilience").Logger()

	settings := gobreaker.Settings{
		Name:        "ledger-storage",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Only infrastructure failures count against the breaker
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	}
	metrics.CircuitBreakerState.WithLabelValues(settings.Name).Set(0)

	return &ResilientStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxElapsedTime = cfg.MaxElapsedTime
			return b
		},
		logger: logger,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// do runs fn through the breaker, retrying the failures retryable accepts.
// Other infrastructure failures surface as ledger.ErrStorageUnavailable at once.
func (s *ResilientStore) do(ctx context.Context, operation string, retryable func(error) bool, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.StorageRetries.WithLabelValues(operation).Inc()
		}

		_, err := s.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, fn()
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err))
		case retryable(err):
			s.logger.Debug().Err(err).Str("operation", operation).Int("attempt", attempt).Msg("Transient storage failure")
			return err
		case errors.Is(err, ledger.ErrStorageUnavailable):
			return backoff.Permanent(err)
		case isTransient(err):
			s.logger.Error().Err(err).Str("operation", operation).Msg("Storage failure is not safe to retry")
			return backoff.Permanent(fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err))
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(s.newBackoff(), ctx))

	if err != nil && isTransient(err) && !errors.Is(err, ledger.ErrStorageUnavailable) {
		s.logger.Error().Err(err).Str("operation", operation).Int("attempts", attempt).Msg("Storage unavailable")
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	return err
}

// WithTx replays a transaction only when the failure proves nothing was
// committed. Reads retry on any transient failure.
func (s *ResilientStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.do(ctx, "with_tx", isReplayable, func() error {
		return s.inner.WithTx(ctx, fn)
	})
}

func (s *ResilientStore) GetCredits(ctx context.Context, userID string) (c *ledger.Credits, err error) {
	err = s.do(ctx, "get_credits", isTransient, func() error {
		c, err = s.inner.GetCredits(ctx, userID)
		return err
	})
	return c, err
}

func (s *ResilientStore) GetGrant(ctx context.Context, rt ledger.ResourceType, userID, resourceID string) (g *ledger.Grant, err error) {
	err = s.do(ctx, "get_grant", isTransient, func() error {
		g, err = s.inner.GetGrant(ctx, rt, userID, resourceID)
		return err
	})
	return g, err
}

func (s *ResilientStore) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) (txns []ledger.Transaction, total int, err error) {
	err = s.do(ctx, "list_transactions", isTransient, func() error {
		txns, total, err = s.inner.ListTransactions(ctx, filter)
		return err
	})
	return txns, total, err
}

func (s *ResilientStore) ListCodes(ctx context.Context, filter ledger.CodeFilter) (codes []ledger.LicenseCode, total int, err error) {
	err = s.do(ctx, "list_codes", isTransient, func() error {
		codes, total, err = s.inner.ListCodes(ctx, filter)
		return err
	})
	return codes, total, err
}

func (s *ResilientStore) GetResource(ctx context.Context, rt ledger.ResourceType, id string) (res *ledger.Resource, err error) {
	err = s.do(ctx, "get_resource", isTransient, func() error {
		res, err = s.inner.GetResource(ctx, rt, id)
		return err
	})
	return res, err
}

// isTransient reports whether err is an infrastructure failure worth retrying
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ledger.ErrStorageUnavailable) {
		return true
	}
	if _, ok := ledger.AsLedgerError(err); ok {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P01", "57P02", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isReplayable reports whether a failed transaction certainly did not
// commit: the server rejected it, the connection was never established, or
// pgx reports nothing reached the server.
func isReplayable(err error) bool {
	var commitErr *CommitError
	if errors.As(err, &commitErr) {
		return false
	}
	if _, ok := ledger.AsLedgerError(err); ok {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P03", "08001", "08004":
			return true
		}
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

var _ ledger.Store = (*ResilientStore)(nil)
