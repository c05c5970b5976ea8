package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/classifier"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/detector"
	"github.com/sua-org/cam-sentinel/internal/gate"
	"github.com/sua-org/cam-sentinel/internal/registry"
	"github.com/sua-org/cam-sentinel/internal/source"
)

// --- fakes ---

type fakeDriver struct {
	failOpens atomic.Int32
	opens     atomic.Int32
	stuck     chan struct{} // não nil: Read ignora ctx e trava aqui
}

func (d *fakeDriver) Open(ctx context.Context, uri string) (source.Handle, error) {
	d.opens.Add(1)
	if d.failOpens.Load() > 0 {
		d.failOpens.Add(-1)
		return nil, errors.New("connection refused")
	}
	return &fakeHandle{stuck: d.stuck}, nil
}

type fakeHandle struct {
	seq   uint64
	stuck chan struct{}
}

func (h *fakeHandle) Read(ctx context.Context) (core.Frame, error) {
	if h.stuck != nil {
		<-h.stuck
		return core.Frame{}, errors.New("released")
	}
	select {
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	h.seq++
	return core.Frame{Seq: h.seq, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, CapturedAt: time.Now()}, nil
}

func (h *fakeHandle) Close() error { return nil }

type drivers struct {
	mu   sync.Mutex
	byID map[string]*fakeDriver // uri -> driver
}

func (d *drivers) get(uri string) *fakeDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byID == nil {
		d.byID = make(map[string]*fakeDriver)
	}
	drv, ok := d.byID[uri]
	if !ok {
		drv = &fakeDriver{}
		d.byID[uri] = drv
	}
	return drv
}

func (d *drivers) resolve(uri string) (source.Driver, error) {
	return d.get(uri), nil
}

type fakeDetector struct {
	panics atomic.Int32
	label  string
	conf   float32
}

func (d *fakeDetector) Detect(ctx context.Context, f core.Frame, threshold float32) ([]core.Detection, error) {
	if d.panics.Load() > 0 {
		d.panics.Add(-1)
		panic("model exploded")
	}
	if d.label == "" || d.conf < threshold {
		return nil, nil
	}
	return []core.Detection{{Label: d.label, Confidence: d.conf}}, nil
}

type fakeReporter struct {
	mu     sync.Mutex
	events []core.ThreatEvent
}

func (r *fakeReporter) Send(ctx context.Context, evt *core.ThreatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *evt)
	return nil
}

func (r *fakeReporter) sent() []core.ThreatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.ThreatEvent(nil), r.events...)
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads map[string]any
}

func (p *fakePublisher) PublishJSON(topic string, qos byte, retained bool, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if p.payloads == nil {
		p.payloads = make(map[string]any)
	}
	p.payloads[topic] = v
	return nil
}

func (p *fakePublisher) payload(topic string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[topic]
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

type harness struct {
	sup  *Supervisor
	drv  *drivers
	det  *fakeDetector
	rep  *fakeReporter
	pub  *fakePublisher
	gate *gate.Gate
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{
		drv: &drivers{},
		det: &fakeDetector{},
		rep: &fakeReporter{},
		pub: &fakePublisher{},
	}
	if cfg.FrameSkip == 0 {
		cfg.FrameSkip = 1
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Millisecond
	}
	cfg.Threshold = 0.5
	h.gate = gate.New(gate.NewMemoryLedger(), 5*time.Second, zap.NewNop())
	h.sup = New(cfg, Deps{
		Detector:   detector.NewPool(h.det, 2),
		Classifier: classifier.New(nil, time.UTC),
		Gate:       h.gate,
		Reporter:   h.rep,
		MQTT:       h.pub,
		Drivers:    h.drv.resolve,
	}, zap.NewNop())
	t.Cleanup(func() { _ = h.sup.Shutdown(time.Second) })
	return h
}

func cam(id, uri string) core.CameraDescriptor {
	return core.CameraDescriptor{ID: id, StreamURI: uri, IsActive: true}
}

func ids(ws []WorkerStatus) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.CameraID)
	}
	return out
}

func (h *harness) waitRunning(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		ws := h.sup.Workers()
		if len(ws) != n {
			return false
		}
		for _, w := range ws {
			if w.State != core.WorkerRunning || w.Frames == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

// --- tests ---

func TestApply_ReconcilesWorkerSet(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.sup.Apply(ctx, []core.CameraDescriptor{cam("1", "rtsp://h/1"), cam("2", "rtsp://h/2")})
	h.waitRunning(t, 2)
	assert.Equal(t, []string{"1", "2"}, ids(h.sup.Workers()))
	startedBefore := h.sup.Workers()[1].StartedAt

	// 1 sai, 2 muda de URI, 3 entra
	h.sup.Apply(ctx, []core.CameraDescriptor{cam("2", "rtsp://h/2-new"), cam("3", "rtsp://h/3")})
	h.waitRunning(t, 2)
	ws := h.sup.Workers()
	assert.Equal(t, []string{"2", "3"}, ids(ws))
	assert.Equal(t, "rtsp://h/2-new", ws[0].URI)
	assert.True(t, ws[0].StartedAt.After(startedBefore) || ws[0].StartedAt.Equal(startedBefore))
	assert.Equal(t, int32(1), h.drv.get("rtsp://h/2-new").opens.Load())

	// mesmo conjunto: nada muda, nada reconecta
	h.sup.Apply(ctx, []core.CameraDescriptor{cam("2", "rtsp://h/2-new"), cam("3", "rtsp://h/3")})
	assert.Equal(t, []string{"2", "3"}, ids(h.sup.Workers()))
	assert.Equal(t, int32(1), h.drv.get("rtsp://h/2-new").opens.Load())

	// metadado muda sem reconectar
	renamed := cam("3", "rtsp://h/3")
	renamed.Label = "Doca"
	h.sup.Apply(ctx, []core.CameraDescriptor{cam("2", "rtsp://h/2-new"), renamed})
	assert.Equal(t, "Doca", h.sup.Workers()[1].Label)
	assert.Equal(t, int32(1), h.drv.get("rtsp://h/3").opens.Load())

	// conjunto vazio = nenhuma câmera ativa
	h.sup.Apply(ctx, nil)
	assert.Empty(t, h.sup.Workers())
}

func TestApply_NoDuplicateWorkers(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sup.Apply(ctx, []core.CameraDescriptor{cam("1", "rtsp://h/1"), cam("1", "rtsp://h/1")})
		}()
	}
	wg.Wait()

	h.waitRunning(t, 1)
	assert.Equal(t, int32(1), h.drv.get("rtsp://h/1").opens.Load())
}

func TestWorker_PersonAlertReportedOnceWithinCooldown(t *testing.T) {
	h := newHarness(t, Config{BaseTopic: "site"})
	h.det.label, h.det.conf = "person", 0.9

	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("7", "rtsp://h/7")})

	require.Eventually(t, func() bool { return len(h.rep.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	// muitos frames depois, ainda dentro da janela de 5s
	require.Eventually(t, func() bool { return h.sup.Workers()[0].Sampled > 20 }, 2*time.Second, 5*time.Millisecond)

	sent := h.rep.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, core.AlertPerson, sent[0].AlertType)
	assert.InDelta(t, 0.9, sent[0].Confidence, 1e-6)
	assert.Equal(t, "7", sent[0].CameraID)

	assert.Equal(t, []string{"site/7/person/events"}, h.pub.published())
	assert.Equal(t, uint64(1), h.sup.Workers()[0].Alerts)
	assert.GreaterOrEqual(t, h.gate.Stats().Suppressed, uint64(1))
}

func TestWorker_NothingBelowThreshold(t *testing.T) {
	h := newHarness(t, Config{})
	h.det.label, h.det.conf = "person", 0.3

	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("7", "rtsp://h/7")})
	require.Eventually(t, func() bool {
		ws := h.sup.Workers()
		return len(ws) == 1 && ws[0].Sampled > 10
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, h.rep.sent())
	assert.Equal(t, uint64(0), h.sup.Workers()[0].Detections)
}

func TestWorker_FrameSkipSamplesOneInN(t *testing.T) {
	h := newHarness(t, Config{FrameSkip: 5})
	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("7", "rtsp://h/7")})

	require.Eventually(t, func() bool {
		ws := h.sup.Workers()
		return len(ws) == 1 && ws[0].Frames >= 50
	}, 2*time.Second, 5*time.Millisecond)

	ws := h.sup.Workers()
	assert.InDelta(t, float64(ws[0].Frames)/5, float64(ws[0].Sampled), 2)
}

func TestWorker_SurvivesStreamFailures(t *testing.T) {
	h := newHarness(t, Config{})
	h.det.label, h.det.conf = "car", 0.8
	h.drv.get("rtsp://h/9").failOpens.Store(3)

	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("9", "rtsp://h/9")})

	require.Eventually(t, func() bool { return len(h.rep.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ws := h.sup.Workers()
	require.Len(t, ws, 1)
	assert.Equal(t, core.WorkerRunning, ws[0].State)
	assert.Equal(t, core.ConnectionStreaming, ws[0].Connection)
	assert.Equal(t, uint64(1), ws[0].Reconnects)
	assert.Equal(t, int32(4), h.drv.get("rtsp://h/9").opens.Load())
	assert.Equal(t, core.AlertVehicle, h.rep.sent()[0].AlertType)
}

func TestWorker_RecoversFromStagePanic(t *testing.T) {
	h := newHarness(t, Config{})
	h.det.label, h.det.conf = "fire", 0.95
	h.det.panics.Store(3)

	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("4", "rtsp://h/4")})

	require.Eventually(t, func() bool { return len(h.rep.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ws := h.sup.Workers()
	require.Len(t, ws, 1)
	assert.Equal(t, uint64(3), ws[0].Errors)
	assert.Equal(t, core.WorkerRunning, ws[0].State)
}

func TestShutdown_StopsAllWorkers(t *testing.T) {
	h := newHarness(t, Config{})
	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("1", "rtsp://h/1"), cam("2", "rtsp://h/2"), cam("3", "rtsp://h/3")})
	h.waitRunning(t, 3)

	require.NoError(t, h.sup.Shutdown(time.Second))
	assert.Empty(t, h.sup.Workers())

	// depois do shutdown nada mais sobe
	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("1", "rtsp://h/1")})
	assert.Empty(t, h.sup.Workers())
}

func TestShutdown_AbandonsStragglers(t *testing.T) {
	h := newHarness(t, Config{})
	stuck := make(chan struct{})
	defer close(stuck)
	h.drv.get("rtsp://h/stuck").stuck = stuck

	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("ok", "rtsp://h/ok"), cam("stuck", "rtsp://h/stuck")})
	require.Eventually(t, func() bool { return h.drv.get("rtsp://h/stuck").opens.Load() == 1 }, time.Second, time.Millisecond)
	h.waitRunningID(t, "ok")

	start := time.Now()
	err := h.sup.Shutdown(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Contains(t, err.Error(), "stuck")
	assert.NotContains(t, err.Error(), "[ok")
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, h.sup.Workers())
}

func (h *harness) waitRunningID(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, w := range h.sup.Workers() {
			if w.CameraID == id && w.Frames > 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

type flakyFetcher struct {
	mu   sync.Mutex
	cams []core.CameraDescriptor
	err  error
}

func (f *flakyFetcher) FetchActiveCameras(ctx context.Context) ([]core.CameraDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cams, f.err
}

func TestRegistryOutageKeepsWorkers(t *testing.T) {
	h := newHarness(t, Config{})
	fetcher := &flakyFetcher{cams: []core.CameraDescriptor{cam("1", "rtsp://h/1"), cam("2", "rtsp://h/2")}}
	syncer := registry.NewSyncer(fetcher, h.sup.Apply, time.Hour, zap.NewNop())

	require.NoError(t, syncer.SyncOnce(context.Background()))
	h.waitRunning(t, 2)

	fetcher.mu.Lock()
	fetcher.cams, fetcher.err = nil, errors.New("dial tcp: i/o timeout")
	fetcher.mu.Unlock()

	assert.Error(t, syncer.SyncOnce(context.Background()))
	assert.Equal(t, []string{"1", "2"}, ids(h.sup.Workers()))
}

func TestPublishStatuses(t *testing.T) {
	h := newHarness(t, Config{BaseTopic: "site"})
	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("1", "rtsp://h/1")})
	h.waitRunning(t, 1)

	h.sup.publishStatuses("host-a", time.Now())
	assert.ElementsMatch(t, []string{"site/1/status", "site/collector/status"}, h.pub.published())

	collector, ok := h.pub.payload("site/collector/status").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, collector["cameras"])
	assert.Equal(t, "host-a", collector["hostname"])
	inference, ok := collector["inference"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, inference["slots"])
	assert.Contains(t, collector, "gate")
}

func TestApply_RestartWaitsForAbandonedWorker(t *testing.T) {
	h := newHarness(t, Config{StopTimeout: 30 * time.Millisecond})
	stuck := make(chan struct{})
	released := false
	defer func() {
		if !released {
			close(stuck)
		}
	}()
	oldDrv := h.drv.get("rtsp://h/old")
	oldDrv.stuck = stuck
	newDrv := h.drv.get("rtsp://h/new")

	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("1", "rtsp://h/old")})
	require.Eventually(t, func() bool { return oldDrv.opens.Load() == 1 }, time.Second, time.Millisecond)

	// o worker antigo não sai a tempo; o novo não pode abrir o stream ainda
	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("1", "rtsp://h/new")})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), newDrv.opens.Load())
	ws := h.sup.Workers()
	require.Len(t, ws, 1)
	assert.Equal(t, core.WorkerStarting, ws[0].State)

	close(stuck)
	released = true
	h.waitRunning(t, 1)
	assert.Equal(t, int32(1), newDrv.opens.Load())
}

func TestApply_ReAddAfterAbandonedStopWaits(t *testing.T) {
	h := newHarness(t, Config{StopTimeout: 30 * time.Millisecond})
	stuck := make(chan struct{})
	drv := h.drv.get("rtsp://h/1")
	drv.stuck = stuck

	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("1", "rtsp://h/1")})
	require.Eventually(t, func() bool { return drv.opens.Load() == 1 }, time.Second, time.Millisecond)

	h.sup.Apply(context.Background(), nil)
	assert.Empty(t, h.sup.Workers())

	// volta antes do antigo terminar
	h.sup.Apply(context.Background(), []core.CameraDescriptor{cam("1", "rtsp://h/1")})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), drv.opens.Load())

	close(stuck)
	require.Eventually(t, func() bool { return drv.opens.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}
