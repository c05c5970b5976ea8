// internal/registry/syncer.go
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/source"
)

type Fetcher interface {
	FetchActiveCameras(ctx context.Context) ([]core.CameraDescriptor, error)
}

// ApplyFunc recebe o conjunto ativo completo a cada sync bem sucedido.
type ApplyFunc func(ctx context.Context, cameras []core.CameraDescriptor)

// Syncer consulta o registry num intervalo fixo e entrega o conjunto ao supervisor.
type Syncer struct {
	fetcher  Fetcher
	apply    ApplyFunc
	interval time.Duration
	logger   *zap.Logger

	// URIs inválidas já reportadas (id -> uri), para logar uma vez só
	mu       sync.Mutex
	rejected map[string]string
	failures int
}

func NewSyncer(fetcher Fetcher, apply ApplyFunc, interval time.Duration, logger *zap.Logger) *Syncer {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		fetcher:  fetcher,
		apply:    apply,
		interval: interval,
		logger:   logger.Named("registry"),
		rejected: make(map[string]string),
	}
}

// Run faz um sync imediato e depois a cada intervalo, até o ctx acabar.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_ = s.SyncOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce busca e aplica. Em erro o conjunto anterior fica como está.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	cams, err := s.fetcher.FetchActiveCameras(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		s.failures++
		n := s.failures
		s.mu.Unlock()
		s.logger.Error("registry fetch failed, keeping current cameras",
			zap.Int("consecutive_failures", n),
			zap.Error(err),
		)
		return err
	}

	s.mu.Lock()
	if s.failures > 0 {
		s.logger.Info("registry reachable again", zap.Int("failed_polls", s.failures))
	}
	s.failures = 0
	s.mu.Unlock()

	s.apply(ctx, s.valid(cams))
	return nil
}

// valid descarta câmeras com URI inválida; cada (id, uri) ruim é logado uma vez.
func (s *Syncer) valid(cams []core.CameraDescriptor) []core.CameraDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.CameraDescriptor, 0, len(cams))
	seen := make(map[string]bool, len(cams))
	for _, cam := range cams {
		if _, err := source.ValidateURI(cam.StreamURI); err != nil {
			if s.rejected[cam.ID] != cam.StreamURI {
				s.rejected[cam.ID] = cam.StreamURI
				s.logger.Error("camera skipped: invalid stream uri",
					zap.String("camera_id", cam.ID),
					zap.String("uri", source.Redact(cam.StreamURI)),
					zap.Error(err),
				)
			}
			continue
		}
		delete(s.rejected, cam.ID)
		if seen[cam.ID] {
			s.logger.Warn("duplicate camera id in registry", zap.String("camera_id", cam.ID))
			continue
		}
		seen[cam.ID] = true
		out = append(out, cam)
	}
	return out
}
