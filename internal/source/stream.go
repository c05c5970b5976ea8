// internal/source/stream.go
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// StateChange é emitido a cada transição de ConnectionState.
type StateChange struct {
	CameraID string
	From     core.ConnectionState
	To       core.ConnectionState
	Err      error
	At       time.Time
}

type StreamConfig struct {
	// Limite de cada leitura (inclui o primeiro frame após abrir)
	StreamTimeout time.Duration
	// Espera no estado backoff antes de reabrir
	ReconnectDelay time.Duration

	// Chamado em toda mudança de estado (opcional)
	OnState func(StateChange)
	// Chamado quando um frame volta a fluir após uma falha (opcional)
	OnReconnect func()
}

// Stream é a fonte de frames de uma câmera. Falhas de conexão viram
// ErrUnavailable + backoff; nunca encerram o Stream. Só o cancelamento
// do ctx (câmera removida) para o ciclo.
type Stream struct {
	cameraID string
	uri      string
	driver   Driver
	cfg      StreamConfig
	logger   *zap.Logger

	// serializa Next: no máximo uma tentativa de conexão em andamento
	mu          sync.Mutex
	handle      Handle
	needBackoff bool
	everFailed  bool
	failures    int

	stateMu sync.RWMutex
	state   core.ConnectionState

	reconnects atomic.Uint64
}

func NewStream(cameraID, uri string, driver Driver, cfg StreamConfig, logger *zap.Logger) *Stream {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		cameraID: cameraID,
		uri:      uri,
		driver:   driver,
		cfg:      cfg,
		logger:   logger.Named("source").With(zap.String("camera_id", cameraID)),
		state:    core.ConnectionDisconnected,
	}
}

// Next devolve o próximo frame. Erros possíveis: ErrUnavailable (envolvido)
// ou ctx.Err().
func (s *Stream) Next(ctx context.Context) (core.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return core.Frame{}, err
	}

	if s.handle == nil {
		if s.needBackoff {
			if err := s.backoff(ctx); err != nil {
				return core.Frame{}, err
			}
		}
		s.setState(core.ConnectionConnecting, nil)
		h, err := s.driver.Open(ctx, s.uri)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(core.ConnectionDisconnected, nil)
				return core.Frame{}, ctx.Err()
			}
			return core.Frame{}, s.fail("open", err)
		}
		s.handle = h
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	frame, err := s.handle.Read(readCtx)
	timedOut := readCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			s.closeHandle()
			s.setState(core.ConnectionDisconnected, nil)
			return core.Frame{}, ctx.Err()
		}
		if timedOut {
			err = fmt.Errorf("no frame within %s: %w", s.cfg.StreamTimeout, err)
		}
		return core.Frame{}, s.fail("read", err)
	}

	if s.State() != core.ConnectionStreaming {
		s.setState(core.ConnectionStreaming, nil)
		if s.everFailed {
			s.reconnects.Add(1)
			s.logger.Info("stream recovered", zap.Int("failed_attempts", s.failures))
			if s.cfg.OnReconnect != nil {
				s.cfg.OnReconnect()
			}
		} else {
			s.logger.Info("stream connected", zap.String("uri", Redact(s.uri)))
		}
	}
	s.failures = 0

	frame.CameraID = s.cameraID
	return frame, nil
}

func (s *Stream) fail(stage string, err error) error {
	s.closeHandle()
	s.failures++
	s.everFailed = true
	s.needBackoff = true
	s.setState(core.ConnectionBackoff, err)

	s.logger.Warn("stream unavailable",
		zap.String("stage", stage),
		zap.Int("consecutive_failures", s.failures),
		zap.Duration("retry_in", s.cfg.ReconnectDelay),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, stage, err)
}

func (s *Stream) backoff(ctx context.Context) error {
	s.needBackoff = false
	if s.cfg.ReconnectDelay == 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		s.needBackoff = true
		s.setState(core.ConnectionDisconnected, nil)
		return ctx.Err()
	}
}

func (s *Stream) closeHandle() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		s.logger.Debug("close handle", zap.Error(err))
	}
	s.handle = nil
}

func (s *Stream) setState(to core.ConnectionState, err error) {
	s.stateMu.Lock()
	from := s.state
	s.state = to
	s.stateMu.Unlock()

	if from == to || s.cfg.OnState == nil {
		return
	}
	s.cfg.OnState(StateChange{
		CameraID: s.cameraID,
		From:     from,
		To:       to,
		Err:      err,
		At:       time.Now(),
	})
}

// State pode ser lido de qualquer goroutine.
func (s *Stream) State() core.ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Reconnects conta quantas vezes o stream voltou a entregar frames após falha.
func (s *Stream) Reconnects() uint64 {
	return s.reconnects.Load()
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandle()
	s.setState(core.ConnectionDisconnected, nil)
	return nil
}
