// internal/gate/gate.go
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// Gate aplica o cooldown por (câmera, tipo). A janela é única para o deploy.
type Gate struct {
	ledger Ledger
	window time.Duration
	logger *zap.Logger

	admitted   atomic.Uint64
	suppressed atomic.Uint64
	failOpen   atomic.Uint64
}

func New(ledger Ledger, window time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{ledger: ledger, window: window, logger: logger.Named("gate")}
}

// Admit grava no ledger antes de liberar o evento (update-then-forward).
// Se o ledger falhar (Redis fora), o evento passa: perder alerta é pior que duplicar.
func (g *Gate) Admit(ctx context.Context, evt *core.ThreatEvent) bool {
	now := evt.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	key := core.CooldownKey{CameraID: evt.CameraID, AlertType: evt.AlertType}

	ok, err := g.ledger.CheckAndSet(ctx, key, now, g.window)
	if err != nil {
		g.failOpen.Add(1)
		g.logger.Warn("cooldown ledger failed, admitting event",
			zap.String("camera_id", evt.CameraID),
			zap.String("alert_type", string(evt.AlertType)),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		g.suppressed.Add(1)
		g.logger.Debug("alert suppressed by cooldown",
			zap.String("camera_id", evt.CameraID),
			zap.String("alert_type", string(evt.AlertType)),
			zap.Duration("window", g.window),
		)
		return false
	}
	g.admitted.Add(1)
	return true
}

// Maintain limpa entradas vencidas quando o ledger suporta (memória).
// Chamado periodicamente pelo supervisor.
func (g *Gate) Maintain(now time.Time) {
	if p, ok := g.ledger.(interface{ Prune(time.Time) int }); ok {
		if n := p.Prune(now.Add(-g.window)); n > 0 {
			g.logger.Debug("cooldown ledger pruned", zap.Int("entries", n))
		}
	}
}

type Stats struct {
	Admitted   uint64 `json:"admitted"`
	Suppressed uint64 `json:"suppressed"`
	FailOpen   uint64 `json:"fail_open"`
}

func (g *Gate) Stats() Stats {
	return Stats{
		Admitted:   g.admitted.Load(),
		Suppressed: g.suppressed.Load(),
		FailOpen:   g.failOpen.Load(),
	}
}
