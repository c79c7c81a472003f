// Package storage provides caching and connection infrastructure for the
// billing service.
//
// # Overview
//
// This package holds the Redis client, the two-tier payment instruction
// cache, and (under storage/postgres) the PostgreSQL connection manager with
// read replica support. Domain persistence lives with the domain packages;
// pkg/subscription and pkg/payouts own their own SQL.
//
// # Redis Client
//
// Connect:
//
//	client, err := storage.NewRedisClient(storage.RedisConfig{
//		URL: "redis://localhost:6379/0",
//	})
//	defer client.Close()
//
// # Instruction Cache
//
// Payment screens poll for the same instruction repeatedly while a driver
// completes payment. The cache keeps instructions close to the process and
// shares them across instances through Redis:
//
//	cache, err := storage.NewInstructionCache(client, storage.InstructionCacheConfig{
//		TTL:        time.Hour,
//		LocalItems: 1024,
//	}, metrics)
//
//	if ci, ok, _ := cache.Get(ctx, chargeID); ok {
//		return ci // still valid, no gateway round trip
//	}
//
// Entries carry the gateway's own expiry and are never served past it.
// Invalidate on payment confirmation or cancellation:
//
//	cache.Invalidate(ctx, chargeID)
//
// # PostgreSQL Connections
//
// The postgres subpackage manages a primary pool plus optional read
// replicas with round-robin selection:
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
//		PrimaryURL: cfg.Postgres.URL,
//		MaxConns:   cfg.Postgres.MaxConns,
//	}, logger)
//	store := subscription.NewPostgresStore(cm.Primary())
//
// # Related Packages
//
//   - pkg/subscription: SQL store for subscriptions, charges, riders, drivers
//   - pkg/payouts: SQL store for payout transactions
package storage
