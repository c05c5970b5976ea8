// cmd/cam-sentinel/ledger.go
package main

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/config"
	"github.com/sua-org/cam-sentinel/internal/gate"
)

// newLedger monta o ledger de cooldown: Redis se configurado, senão memória.
// Redis fora do ar no startup não derruba o processo; o gate admite
// (fail-open) até o Redis voltar.
func newLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gate.Ledger, func() error) {
	if !cfg.RedisEnabled() {
		logger.Info("cooldown ledger: memory")
		return gate.NewMemoryLedger(), func() error { return nil }
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Warn("redis unreachable at startup, cooldown fails open until it answers",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
	} else {
		logger.Info("cooldown ledger: redis", zap.String("addr", cfg.Redis.Addr))
	}
	return gate.NewRedisLedger(rdb, ""), rdb.Close
}
