// internal/detector/pool.go
package detector

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// Pool limita quantas inferências rodam ao mesmo tempo (slots de GPU/CPU).
// slots <= 0 = sem limite.
type Pool struct {
	det   Detector
	sem   *semaphore.Weighted
	slots int

	inflight atomic.Int64
	total    atomic.Uint64
}

func NewPool(det Detector, slots int) *Pool {
	p := &Pool{det: det, slots: slots}
	if slots > 0 {
		p.sem = semaphore.NewWeighted(int64(slots))
	}
	return p
}

func (p *Pool) Detect(ctx context.Context, frame core.Frame, threshold float32) ([]core.Detection, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.sem.Release(1)
	}

	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	p.total.Add(1)

	return p.det.Detect(ctx, frame, threshold)
}

// InFlight é o número de inferências em andamento agora.
func (p *Pool) InFlight() int64 { return p.inflight.Load() }

func (p *Pool) Total() uint64 { return p.total.Load() }

func (p *Pool) Slots() int { return p.slots }
