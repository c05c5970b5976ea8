// internal/supervisor/worker.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/classifier"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/mqttclient"
	"github.com/sua-org/cam-sentinel/internal/sampler"
	"github.com/sua-org/cam-sentinel/internal/source"
	"github.com/sua-org/cam-sentinel/internal/storage"
)

// runWorker é o loop de uma câmera: lê, amostra, detecta, classifica,
// passa no gate e despacha. Só sai quando o ctx é cancelado.
func (s *Supervisor) runWorker(ctx context.Context, w *cameraWorker, drv source.Driver) {
	cam := s.camera(w)
	log := s.logger.With(zap.String("camera_id", w.id))
	defer close(w.done)

	// uma conexão por câmera: o worker anterior precisa soltar o stream antes
	if w.after != nil {
		log.Warn("waiting for previous worker of this camera to exit")
		select {
		case <-w.after:
		case <-ctx.Done():
			log.Info("camera worker stopped")
			return
		}
	}

	smp := sampler.New(s.cfg.FrameSkip)
	stream := source.NewStream(cam.ID, cam.StreamURI, drv, source.StreamConfig{
		StreamTimeout:  s.cfg.StreamTimeout,
		ReconnectDelay: s.cfg.ReconnectDelay,
		OnState:        s.onConnState(w),
		// fase da amostragem não depende do que veio antes da queda
		OnReconnect: smp.Reset,
	}, s.logger)
	defer stream.Close()

	s.mu.Lock()
	w.stream = stream
	s.mu.Unlock()
	s.setWorkerState(w, core.WorkerRunning)
	log.Debug("pipeline ready", zap.Int("frame_skip", smp.Every()), zap.Duration("stream_timeout", s.cfg.StreamTimeout))

	for {
		if ctx.Err() != nil {
			log.Info("camera worker stopped")
			return
		}

		var frame core.Frame
		ok := s.guard(ctx, w, "read", func() error {
			var err error
			frame, err = stream.Next(ctx)
			if errors.Is(err, source.ErrUnavailable) {
				// o Stream já logou e entra em backoff na próxima chamada
				return errSkip
			}
			return err
		})
		if !ok {
			continue
		}
		w.frames.Add(1)

		if !smp.Admit() {
			continue
		}
		w.sampled.Add(1)
		s.processFrame(ctx, w, frame)
	}
}

// errSkip encerra o estágio sem contar erro.
var errSkip = errors.New("skip")

func (s *Supervisor) processFrame(ctx context.Context, w *cameraWorker, frame core.Frame) {
	var dets []core.Detection
	if !s.guard(ctx, w, "detect", func() error {
		var err error
		dets, err = s.deps.Detector.Detect(ctx, frame, s.cfg.Threshold)
		return err
	}) || len(dets) == 0 {
		return
	}
	w.detections.Add(uint64(len(dets)))

	cam := s.camera(w)
	now := frame.CapturedAt
	if now.IsZero() {
		now = time.Now()
	}

	var evt *core.ThreatEvent
	if !s.guard(ctx, w, "classify", func() error {
		evt = s.deps.Classifier.Classify(dets, classifier.CameraContext{
			ID:       cam.ID,
			Label:    cam.Label,
			Window:   cam.ActiveWindow,
			Snapshot: frame.Data,
		}, now)
		return nil
	}) || evt == nil {
		return
	}

	admitted := false
	if !s.guard(ctx, w, "gate", func() error {
		admitted = s.deps.Gate.Admit(ctx, evt)
		return nil
	}) || !admitted {
		return
	}

	w.alerts.Add(1)
	s.mu.Lock()
	w.lastAlert = evt.Timestamp.UTC()
	s.mu.Unlock()

	s.dispatch(ctx, w, evt)
}

// dispatch entrega um evento admitido: snapshot no MinIO, backend, MQTT.
// Roda desacoplado do cancelamento do worker (limitado por DispatchTimeout)
// para que um alerta já admitido ainda saia durante o shutdown.
func (s *Supervisor) dispatch(ctx context.Context, w *cameraWorker, evt *core.ThreatEvent) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DispatchTimeout)
	defer cancel()

	// o evento original é imutável; enriquecimentos vão na cópia
	out := *evt

	if s.deps.Store != nil {
		s.guard(dctx, w, "archive", func() error {
			u, err := storage.ArchiveEvent(dctx, s.deps.Store, evt)
			out.SnapshotURL = u
			return err
		})
	}

	s.guard(dctx, w, "report", func() error {
		return s.deps.Reporter.Send(dctx, &out)
	})

	if s.deps.MQTT != nil {
		s.guard(dctx, w, "publish", func() error {
			topic := mqttclient.EventTopic(s.cfg.BaseTopic, out.CameraID, string(out.AlertType))
			return s.deps.MQTT.PublishJSON(topic, 1, false, out)
		})
	}
}

// guard roda um estágio do pipeline com recover: pânico ou erro num
// estágio descarta o frame/evento atual e o worker segue.
func (s *Supervisor) guard(ctx context.Context, w *cameraWorker, stage string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.errors.Add(1)
			s.logger.Error("panic in pipeline stage",
				zap.String("camera_id", w.id),
				zap.String("stage", stage),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
			ok = false
		}
	}()

	err := fn()
	switch {
	case err == nil:
		return true
	case errors.Is(err, errSkip):
		return false
	case ctx.Err() != nil:
		// cancelamento não é erro
		return false
	default:
		w.errors.Add(1)
		s.logger.Warn("pipeline stage failed",
			zap.String("camera_id", w.id),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return false
	}
}
