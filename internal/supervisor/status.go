// internal/supervisor/status.go
package supervisor

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/mqttclient"
)

// RunStatusLoop publica, a cada StatusInterval, o estado de cada câmera e do
// processo (CPU/memória) no MQTT, e faz a manutenção do ledger de cooldown.
// Bloqueia até o ctx acabar.
func (s *Supervisor) RunStatusLoop(ctx context.Context) {
	if s.cfg.StatusInterval <= 0 {
		return
	}
	hostname, _ := os.Hostname()
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	s.logger.Info("status loop started", zap.Duration("interval", s.cfg.StatusInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("status loop stopped")
			return
		case t := <-ticker.C:
			if s.deps.Gate != nil {
				s.deps.Gate.Maintain(t)
			}
			s.publishStatuses(hostname, t)
		}
	}
}

// inferenceStats é implementado pelo detector.Pool.
type inferenceStats interface {
	InFlight() int64
	Total() uint64
	Slots() int
}

type processMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"memory_percent"`
	MemRSSBytes uint64  `json:"memory_rss_bytes"`
}

func (s *Supervisor) processMetrics() processMetrics {
	var m processMetrics
	if s.proc == nil {
		return m
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if memInfo, err := s.proc.MemoryInfo(); err == nil {
		m.MemRSSBytes = memInfo.RSS
	}
	if memP, err := s.proc.MemoryPercent(); err == nil {
		m.MemPercent = float64(memP)
	}
	return m
}

func (s *Supervisor) publishStatuses(hostname string, now time.Time) {
	workers := s.Workers()
	metrics := s.processMetrics()

	streaming := 0
	var alerts uint64
	for _, w := range workers {
		if w.Connection == core.ConnectionStreaming {
			streaming++
		}
		alerts += w.Alerts
	}
	s.logger.Debug("status",
		zap.Int("cameras", len(workers)),
		zap.Int("streaming", streaming),
		zap.Uint64("alerts", alerts),
		zap.Float64("cpu_percent", metrics.CPUPercent),
		zap.Uint64("memory_rss_bytes", metrics.MemRSSBytes),
	)

	if s.deps.MQTT == nil {
		return
	}

	for _, w := range workers {
		topic := mqttclient.CameraStatusTopic(s.cfg.BaseTopic, w.CameraID)
		payload := struct {
			WorkerStatus
			Timestamp string `json:"timestamp"`
		}{w, now.UTC().Format(time.RFC3339)}
		if err := s.deps.MQTT.PublishJSON(topic, 1, true, payload); err != nil {
			s.logger.Warn("camera status publish failed", zap.String("camera_id", w.CameraID), zap.Error(err))
		}
	}

	collector := map[string]any{
		"collector":        "cam-sentinel",
		"status":           "online",
		"timestamp":        now.UTC().Format(time.RFC3339),
		"hostname":         hostname,
		"cameras":          len(workers),
		"streaming":        streaming,
		"alerts":           alerts,
		"cpu_percent":      metrics.CPUPercent,
		"memory_percent":   metrics.MemPercent,
		"memory_rss_bytes": metrics.MemRSSBytes,
	}
	if s.deps.Gate != nil {
		collector["gate"] = s.deps.Gate.Stats()
	}
	if inf, ok := s.deps.Detector.(inferenceStats); ok {
		collector["inference"] = map[string]any{
			"in_flight": inf.InFlight(),
			"total":     inf.Total(),
			"slots":     inf.Slots(),
		}
	}
	if err := s.deps.MQTT.PublishJSON(mqttclient.CollectorStatusTopic(s.cfg.BaseTopic), 1, true, collector); err != nil {
		s.logger.Warn("collector status publish failed", zap.Error(err))
	}
}
