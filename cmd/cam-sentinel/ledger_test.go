package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/config"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/gate"
)

func personEvent(ts time.Time) *core.ThreatEvent {
	return &core.ThreatEvent{CameraID: "1", AlertType: core.AlertPerson, Confidence: 0.9, Timestamp: ts}
}

func TestNewLedger_MemoryWhenRedisUnset(t *testing.T) {
	cfg := &config.Config{}
	ledger, closeFn := newLedger(context.Background(), cfg, zap.NewNop())
	defer closeFn()

	_, ok := ledger.(*gate.MemoryLedger)
	assert.True(t, ok)
}

func TestNewLedger_RedisDownAtStartupIsNotFatal(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.Close()

	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()

	ledger, closeFn := newLedger(context.Background(), cfg, zap.NewNop())
	defer closeFn()
	_, ok := ledger.(*gate.RedisLedger)
	require.True(t, ok)

	g := gate.New(ledger, 5*time.Second, zap.NewNop())
	now := time.Now()

	// Redis fora: fail-open
	assert.True(t, g.Admit(context.Background(), personEvent(now)))
	assert.Equal(t, uint64(1), g.Stats().FailOpen)

	// Redis volta: cooldown passa a valer sem reiniciar o processo
	require.NoError(t, mr.Restart())
	assert.True(t, g.Admit(context.Background(), personEvent(now)))
	assert.False(t, g.Admit(context.Background(), personEvent(now.Add(2*time.Second))))
}
