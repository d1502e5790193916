// Package cache provides Redis-based caching for credit balances and shared
// rate-limit counters.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"credit-ledger/config"
	"credit-ledger/internal/logging"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned while the cache circuit is open
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// CacheService provides Redis-based caching with graceful degradation.
// When Redis is unavailable, operations return errors that callers should handle
// by falling back to the database.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// Key prefixes for different cache types
const (
	PrefixBalance   = "credits:balance:%s"
	PrefixRateLimit = "ratelimit:%s:%s"
)

// DefaultBalanceTTL bounds staleness if a write-through is ever lost
const DefaultBalanceTTL = 5 * time.Minute

// NewCacheService creates a new CacheService with the provided configuration.
// A failed initial ping returns the service in degraded mode, not an error.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	return newCacheService(client, cfg), nil
}

func newCacheService(client *redis.Client, cfg config.RedisConfig) *CacheService {
	cs := &CacheService{
		client:        client,
		config:        cfg,
		logger:        logging.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("Initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		cs.lastCheck = time.Now()
		return cs
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info("Redis connected", "address", cfg.Address)
	return cs
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

// recordFailure tracks a Redis operation failure for circuit breaker.
func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("Circuit breaker OPEN: Redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

// recordSuccess resets the failure counter on successful operation.
func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("Circuit breaker CLOSED: Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth probes Redis in the background once the check interval has
// passed while unhealthy.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

// Get retrieves a value from cache. A miss returns redis.Nil.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	cs.checkHealth()

	if !cs.IsHealthy() {
		return "", ErrUnavailable
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", err
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// setIfNewerScript writes ARGV[2] unless the stored envelope carries a
// higher version than ARGV[1]. Returns 1 when written.
var setIfNewerScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local ok, decoded = pcall(cjson.decode, current)
	if ok and type(decoded) == 'table' then
		local stored = tonumber(decoded['version'])
		if stored and stored > tonumber(ARGV[1]) then
			return 0
		end
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// versioned is the stored form of values written with SetJSONIfNewer
type versioned struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

// SetJSONIfNewer stores value with TTL unless the cached entry has a higher
// version. It reports whether the value was written.
func (cs *CacheService) SetJSONIfNewer(ctx context.Context, key string, version int64, value interface{}, ttl time.Duration) (bool, error) {
	cs.checkHealth()

	if !cs.IsHealthy() {
		return false, ErrUnavailable
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	data, err := json.Marshal(versioned{Version: version, Value: raw})
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}

	written, err := setIfNewerScript.Run(ctx, cs.client, []string{key}, version, string(data), ttl.Milliseconds()).Int()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return written == 1, nil
}

// GetVersionedJSON reads a value written by SetJSONIfNewer. A miss returns redis.Nil.
func (cs *CacheService) GetVersionedJSON(ctx context.Context, key string, dest interface{}) (int64, error) {
	var env versioned
	if err := cs.GetJSON(ctx, key, &env); err != nil {
		return 0, err
	}
	if err := json.Unmarshal(env.Value, dest); err != nil {
		return 0, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return env.Version, nil
}

// Delete removes a key from cache.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	cs.checkHealth()

	if !cs.IsHealthy() {
		return ErrUnavailable
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// IncrementWindow atomically counts a hit in a fixed window and returns the
// count so far. The key expires with the window.
func (cs *CacheService) IncrementWindow(ctx context.Context, scope, subject string, window time.Duration) (int64, error) {
	cs.checkHealth()

	if !cs.IsHealthy() {
		return 0, ErrUnavailable
	}

	bucket := time.Now().UnixNano() / int64(window)
	key := fmt.Sprintf(PrefixRateLimit, scope, subject) + fmt.Sprintf(":%d", bucket)

	pipe := cs.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		cs.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}

	cs.recordSuccess()
	return incr.Val(), nil
}

// GetJSON retrieves and unmarshals a JSON value from cache.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
	}
}

// BalanceKey generates a cache key for a user's balances.
func BalanceKey(userID string) string {
	return fmt.Sprintf(PrefixBalance, userID)
}
