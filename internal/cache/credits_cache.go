package cache

import (
	"context"
	"errors"
	"time"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// CreditsCache implements ledger.BalanceCache on top of CacheService.
// Every failure degrades to a miss; the database stays authoritative.
//
// Entries are versioned by Credits.UpdatedAt, so a reader that loaded a
// balance before a commit cannot overwrite the committed write-through.
type CreditsCache struct {
	cs  *CacheService
	ttl time.Duration
}

// NewCreditsCache wraps cs. A zero ttl uses DefaultBalanceTTL.
func NewCreditsCache(cs *CacheService, ttl time.Duration) *CreditsCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &CreditsCache{cs: cs, ttl: ttl}
}

func (c *CreditsCache) GetBalance(ctx context.Context, userID string) (*ledger.Credits, bool) {
	var credits ledger.Credits
	if _, err := c.cs.GetVersionedJSON(ctx, BalanceKey(userID), &credits); err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, ErrUnavailable) {
			c.cs.logger.Debug("Balance cache read failed", "user_id", userID, "error", err)
		}
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return &credits, true
}

// SetBalance stores credits unless a newer balance is already cached. When
// the write fails the entry is dropped so readers fall through to storage.
func (c *CreditsCache) SetBalance(ctx context.Context, credits *ledger.Credits) {
	key := BalanceKey(credits.UserID)
	_, err := c.cs.SetJSONIfNewer(ctx, key, BalanceVersion(credits), credits, c.ttl)
	if err == nil || errors.Is(err, ErrUnavailable) {
		return
	}

	c.cs.logger.Warn("Balance cache write failed", "user_id", credits.UserID, "error", err)
	if err := c.cs.Delete(ctx, key); err != nil && !errors.Is(err, ErrUnavailable) {
		c.cs.logger.Warn("Balance cache eviction failed", "user_id", credits.UserID, "error", err)
	}
}

// BalanceVersion orders cached balances. Microseconds match the precision
// Postgres keeps for updated_at; a user with no row yet is version 0.
func BalanceVersion(credits *ledger.Credits) int64 {
	if credits.UpdatedAt.IsZero() {
		return 0
	}
	return credits.UpdatedAt.UnixMicro()
}

var _ ledger.BalanceCache = (*CreditsCache)(nil)
