package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kombina-app/kombina/pkg/observability"
)

// CachedInstruction is a payment instruction held for re-display. Instructions
// are minted by the gateway with a fixed expiry, so entries carry their own
// deadline rather than relying on cache TTLs alone.
type CachedInstruction struct {
	ChargeID       string    `json:"chargeId"`
	Amount         float64   `json:"amount"`
	Instruction    string    `json:"instruction"`
	InstructionURL string    `json:"instructionUrl"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Expired reports whether the instruction is past its gateway deadline.
func (ci CachedInstruction) Expired(now time.Time) bool {
	return !ci.ExpiresAt.IsZero() && !ci.ExpiresAt.After(now)
}

// InstructionCache is a two-tier cache for payment instructions: a small
// in-process LRU in front of Redis. The LRU absorbs repeated reads from the
// same process (payment screens poll aggressively); Redis shares entries
// across instances.
type InstructionCache struct {
	redis      *RedisClient
	local      *lru.Cache[string, CachedInstruction]
	defaultTTL time.Duration
	metrics    *observability.Metrics
	now        func() time.Time
}

// InstructionCacheConfig configures an InstructionCache.
type InstructionCacheConfig struct {
	// TTL caps how long entries stay in Redis. Entries never outlive the
	// instruction's own expiry.
	TTL time.Duration
	// LocalItems sizes the in-process LRU.
	LocalItems int
}

// NewInstructionCache creates a two-tier instruction cache. The metrics may
// be nil.
func NewInstructionCache(redisClient *RedisClient, cfg InstructionCacheConfig, metrics *observability.Metrics) (*InstructionCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.LocalItems <= 0 {
		cfg.LocalItems = 1024
	}

	local, err := lru.New[string, CachedInstruction](cfg.LocalItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}

	return &InstructionCache{
		redis:      redisClient,
		local:      local,
		defaultTTL: cfg.TTL,
		metrics:    metrics,
		now:        time.Now,
	}, nil
}

func instructionKey(chargeID string) string {
	return "instruction:" + chargeID
}

// Get returns the cached instruction for a charge. A false result means the
// caller should mint or fetch a fresh instruction.
func (c *InstructionCache) Get(ctx context.Context, chargeID string) (CachedInstruction, bool, error) {
	now := c.now()

	// Local tier first
	if ci, ok := c.local.Get(chargeID); ok {
		if ci.Expired(now) {
			c.local.Remove(chargeID)
		} else {
			c.recordHit("instruction_local")
			return ci, true, nil
		}
	}

	data, err := c.redis.client.Get(ctx, instructionKey(chargeID)).Result()
	if err == redis.Nil {
		c.recordMiss("instruction")
		return CachedInstruction{}, false, nil
	} else if err != nil {
		return CachedInstruction{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var ci CachedInstruction
	if err := json.Unmarshal([]byte(data), &ci); err != nil {
		// Drop corrupt data and treat as a miss
		c.redis.client.Del(ctx, instructionKey(chargeID))
		c.recordMiss("instruction")
		return CachedInstruction{}, false, nil
	}

	if ci.Expired(now) {
		c.redis.client.Del(ctx, instructionKey(chargeID))
		c.local.Remove(chargeID)
		c.recordMiss("instruction")
		return CachedInstruction{}, false, nil
	}

	c.local.Add(chargeID, ci)
	c.recordHit("instruction")
	return ci, true, nil
}

// Put stores an instruction in both tiers. Entries already past their expiry
// are not stored.
func (c *InstructionCache) Put(ctx context.Context, ci CachedInstruction) error {
	now := c.now()
	if ci.Expired(now) {
		return nil
	}

	ttl := c.defaultTTL
	if !ci.ExpiresAt.IsZero() {
		if remaining := ci.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}

	data, err := json.Marshal(ci)
	if err != nil {
		return fmt.Errorf("failed to marshal instruction: %w", err)
	}

	if err := c.redis.client.Set(ctx, instructionKey(ci.ChargeID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	c.local.Add(ci.ChargeID, ci)
	return nil
}

// Invalidate removes an instruction from both tiers. Called when a charge is
// paid or cancelled so stale instructions stop circulating.
func (c *InstructionCache) Invalidate(ctx context.Context, chargeID string) error {
	c.local.Remove(chargeID)
	if c.metrics != nil {
		c.metrics.CacheEvictionsTotal.WithLabelValues("instruction", "invalidated").Inc()
	}
	return c.redis.client.Del(ctx, instructionKey(chargeID)).Err()
}

func (c *InstructionCache) recordHit(cacheType string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	}
}

func (c *InstructionCache) recordMiss(cacheType string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}
