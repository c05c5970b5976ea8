// internal/gate/ledger.go
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// Ledger guarda o último alerta enviado por (câmera, tipo).
// CheckAndSet tem que ser atômico por chave: devolve false se a chave foi
// gravada dentro da janela; senão grava now e devolve true.
type Ledger interface {
	CheckAndSet(ctx context.Context, key core.CooldownKey, now time.Time, window time.Duration) (bool, error)
}

// MemoryLedger: um mutex só, gate serializado. Serve para um processo.
type MemoryLedger struct {
	mu   sync.Mutex
	last map[core.CooldownKey]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{last: make(map[core.CooldownKey]time.Time)}
}

func (l *MemoryLedger) CheckAndSet(_ context.Context, key core.CooldownKey, now time.Time, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.last[key]; ok && now.Sub(prev) < window {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

// Prune descarta entradas gravadas antes de before.
func (l *MemoryLedger) Prune(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, t := range l.last {
		if t.Before(before) {
			delete(l.last, k)
			n++
		}
	}
	return n
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

// RedisLedger usa SET NX PX: a chave existe enquanto a janela não venceu.
// Vale entre vários processos apontando pro mesmo Redis.
// A expiração segue o relógio do Redis, não o now passado.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "cam-sentinel:cooldown:"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) Key(key core.CooldownKey) string {
	return l.prefix + key.String()
}

func (l *RedisLedger) CheckAndSet(ctx context.Context, key core.CooldownKey, now time.Time, window time.Duration) (bool, error) {
	// janela zero com NX sem expiração bloquearia a chave para sempre
	if window <= 0 {
		return true, nil
	}
	return l.client.SetNX(ctx, l.Key(key), now.UnixMilli(), window).Result()
}
