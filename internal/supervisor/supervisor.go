// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/classifier"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/detector"
	"github.com/sua-org/cam-sentinel/internal/gate"
	"github.com/sua-org/cam-sentinel/internal/registry"
	"github.com/sua-org/cam-sentinel/internal/reporter"
	"github.com/sua-org/cam-sentinel/internal/source"
	"github.com/sua-org/cam-sentinel/internal/storage"
)

var ErrShutdownTimeout = errors.New("workers still running after shutdown timeout")

// Publisher é o pedaço do cliente MQTT que o supervisor usa.
type Publisher interface {
	PublishJSON(topic string, qos byte, retained bool, v any) error
}

// DriverResolver escolhe o driver de stream para a URI da câmera.
type DriverResolver func(uri string) (source.Driver, error)

type Config struct {
	Threshold      float32
	FrameSkip      int
	StreamTimeout  time.Duration
	ReconnectDelay time.Duration
	// Poll de câmeras http(s) que só entregam snapshot
	HTTPPollInterval time.Duration
	// Quanto Apply espera um worker parar antes de abandoná-lo
	StopTimeout time.Duration
	// Limite de archive + report + publish de um evento admitido
	DispatchTimeout time.Duration
	StatusInterval  time.Duration
	BaseTopic       string
}

type Deps struct {
	Detector   detector.Detector
	Classifier *classifier.Classifier
	Gate       *gate.Gate
	Reporter   reporter.Reporter

	// opcionais
	Store   storage.ImageStore
	MQTT    Publisher
	Drivers DriverResolver
}

type Supervisor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	root       context.Context
	rootCancel context.CancelFunc

	// serializa Apply/Shutdown (reconciliação)
	applyMu sync.Mutex

	mu      sync.Mutex
	workers map[string]*cameraWorker
	// workers abandonados no stop que ainda não terminaram, por camera id;
	// o próximo worker da câmera espera por eles antes de abrir o stream
	draining map[string]chan struct{}
	closed   bool

	proc *process.Process
}

type cameraWorker struct {
	id        string
	cam       core.CameraDescriptor // protegido por Supervisor.mu
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	// done do worker anterior da mesma câmera, se ainda rodando
	after chan struct{}

	// também protegidos por Supervisor.mu
	state      core.WorkerState
	conn       core.ConnectionState
	connSince  time.Time
	connReason string
	lastAlert  time.Time

	stream *source.Stream

	frames     atomic.Uint64
	sampled    atomic.Uint64
	detections atomic.Uint64
	alerts     atomic.Uint64
	errors     atomic.Uint64
}

// WorkerStatus é a foto de um worker para status/diagnóstico.
type WorkerStatus struct {
	CameraID         string               `json:"camera_id"`
	Label            string               `json:"label,omitempty"`
	URI              string               `json:"uri"`
	State            core.WorkerState     `json:"state"`
	Connection       core.ConnectionState `json:"connection"`
	ConnectionSince  time.Time            `json:"connection_since"`
	ConnectionReason string               `json:"connection_reason,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
	Frames           uint64               `json:"frames"`
	Sampled          uint64               `json:"sampled"`
	Detections       uint64               `json:"detections"`
	Alerts           uint64               `json:"alerts"`
	Errors           uint64               `json:"errors"`
	Reconnects       uint64               `json:"reconnects"`
	LastAlertAt      *time.Time           `json:"last_alert_at,omitempty"`
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FrameSkip < 1 {
		cfg.FrameSkip = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "cam-sentinel"
	}

	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("supervisor"),
		workers:  make(map[string]*cameraWorker),
		draining: make(map[string]chan struct{}),
	}
	if s.deps.Drivers == nil {
		opts := source.Options{Timeout: cfg.StreamTimeout, PollInterval: cfg.HTTPPollInterval, Logger: logger}
		s.deps.Drivers = func(uri string) (source.Driver, error) {
			return source.DriverFor(uri, opts)
		}
	}
	s.root, s.rootCancel = context.WithCancel(context.Background())

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Apply reconcilia os workers com o conjunto ativo vindo do registry.
// Assinatura compatível com registry.ApplyFunc.
func (s *Supervisor) Apply(ctx context.Context, cameras []core.CameraDescriptor) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	running := make(map[string]core.CameraDescriptor, len(s.workers))
	for id, w := range s.workers {
		running[id] = w.cam
	}
	s.mu.Unlock()

	plan := registry.Diff(running, cameras)
	if plan.Empty() {
		return
	}
	s.logger.Info("applying camera set",
		zap.Int("active", len(cameras)),
		zap.Int("spawn", len(plan.Spawn)),
		zap.Int("stop", len(plan.Stop)),
		zap.Int("restart", len(plan.Restart)),
		zap.Int("update", len(plan.Update)),
	)

	for _, id := range plan.Stop {
		s.stopWorker(id, "camera no longer active")
	}
	for _, cam := range plan.Restart {
		s.stopWorker(cam.ID, "stream uri changed")
		s.spawn(cam)
	}
	for _, cam := range plan.Update {
		s.updateWorker(cam)
	}
	for _, cam := range plan.Spawn {
		s.spawn(cam)
	}
}

func (s *Supervisor) spawn(cam core.CameraDescriptor) {
	log := s.logger.With(zap.String("camera_id", cam.ID))

	drv, err := s.deps.Drivers(cam.StreamURI)
	if err != nil {
		log.Error("camera not started: no usable driver", zap.String("uri", source.Redact(cam.StreamURI)), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, exists := s.workers[cam.ID]; exists {
		// nunca dois workers para a mesma câmera
		log.Warn("worker already running, spawn ignored")
		return
	}

	var after chan struct{}
	if prev, ok := s.draining[cam.ID]; ok {
		select {
		case <-prev:
			delete(s.draining, cam.ID)
		default:
			after = prev
		}
	}

	ctx, cancel := context.WithCancel(s.root)
	now := time.Now().UTC()
	w := &cameraWorker{
		id:        cam.ID,
		cam:       cam,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: now,
		after:     after,
		state:     core.WorkerStarting,
		conn:      core.ConnectionDisconnected,
		connSince: now,
	}
	s.workers[cam.ID] = w

	log.Info("starting camera worker",
		zap.String("label", cam.DisplayName()),
		zap.String("uri", source.Redact(cam.StreamURI)),
	)
	go s.runWorker(ctx, w, drv)
}

// stopWorker cancela e espera o worker, no máximo StopTimeout.
func (s *Supervisor) stopWorker(id, reason string) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		w.state = core.WorkerStopping
		w.cancel()
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	log := s.logger.With(zap.String("camera_id", id))
	log.Info("stopping camera worker", zap.String("reason", reason))

	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	abandoned := false
	select {
	case <-w.done:
	case <-t.C:
		abandoned = true
		log.Warn("worker did not stop in time, abandoned", zap.Duration("timeout", s.cfg.StopTimeout))
	}

	s.mu.Lock()
	if s.workers[id] == w {
		delete(s.workers, id)
	}
	if abandoned {
		s.draining[id] = w.done
	}
	s.mu.Unlock()
}

// updateWorker troca só os metadados (nome, janela); o stream continua.
func (s *Supervisor) updateWorker(cam core.CameraDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[cam.ID]; ok {
		w.cam = cam
		s.logger.Info("camera metadata updated", zap.String("camera_id", cam.ID), zap.String("label", cam.Label))
	}
}

func (s *Supervisor) camera(w *cameraWorker) core.CameraDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.cam
}

func (s *Supervisor) setWorkerState(w *cameraWorker, st core.WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// stopping só volta para absent (remoção do mapa)
	if w.state == core.WorkerStopping {
		return
	}
	w.state = st
}

func (s *Supervisor) onConnState(w *cameraWorker) func(source.StateChange) {
	return func(c source.StateChange) {
		reason := ""
		if c.Err != nil {
			reason = c.Err.Error()
		}
		s.mu.Lock()
		w.conn = c.To
		w.connSince = c.At.UTC()
		w.connReason = reason
		s.mu.Unlock()
	}
}

// Shutdown cancela todos os workers e espera até timeout.
// Quem não terminou a tempo é logado e abandonado.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.closed = true
	workers := make(map[string]*cameraWorker, len(s.workers))
	for id, w := range s.workers {
		w.state = core.WorkerStopping
		workers[id] = w
	}
	s.mu.Unlock()

	s.logger.Info("stopping all workers", zap.Int("workers", len(workers)), zap.Duration("timeout", timeout))
	s.rootCancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var stragglers []string
	expired := false
	for id, w := range workers {
		if !expired {
			select {
			case <-w.done:
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case <-w.done:
		default:
			stragglers = append(stragglers, id)
		}
	}

	s.mu.Lock()
	for id, w := range workers {
		if s.workers[id] == w {
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()

	if len(stragglers) > 0 {
		sort.Strings(stragglers)
		s.logger.Warn("workers abandoned after shutdown timeout", zap.Strings("camera_ids", stragglers))
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, stragglers)
	}
	s.logger.Info("all workers stopped")
	return nil
}

// Workers devolve a foto dos workers, ordenada por camera id.
func (s *Supervisor) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		st := WorkerStatus{
			CameraID:         w.cam.ID,
			Label:            w.cam.DisplayName(),
			URI:              source.Redact(w.cam.StreamURI),
			State:            w.state,
			Connection:       w.conn,
			ConnectionSince:  w.connSince,
			ConnectionReason: w.connReason,
			StartedAt:        w.startedAt,
			Frames:           w.frames.Load(),
			Sampled:          w.sampled.Load(),
			Detections:       w.detections.Load(),
			Alerts:           w.alerts.Load(),
			Errors:           w.errors.Load(),
		}
		if w.stream != nil {
			st.Reconnects = w.stream.Reconnects()
		}
		if !w.lastAlert.IsZero() {
			t := w.lastAlert
			st.LastAlertAt = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}
