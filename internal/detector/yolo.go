// internal/detector/yolo.go
package detector

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// Protocolo do serviço YOLO (ultralytics atrás de um FastAPI):
//
//	GET  /health -> {"status":"ok","model_loaded":true,"model":"yolov8n.pt"}
//	POST /detect    multipart: file, conf_threshold, model
//	             -> {"detections":[{"class":"person","confidence":0.91,"bbox":[x1,y1,x2,y2]}]}

type YOLOConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
}

type Health struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
	Model        string `json:"model"`
}

type yoloDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"`
}

type yoloResult struct {
	Detections      []yoloDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
}

// YOLOClient fala com o serviço de inferência. Depois do Load é imutável
// e pode ser usado por todos os workers ao mesmo tempo.
type YOLOClient struct {
	client *resty.Client
	model  string
	logger *zap.Logger

	loaded atomic.Bool
}

func NewYOLOClient(cfg YOLOConfig, logger *zap.Logger) *YOLOClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second // inferência em CPU pode demorar
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &YOLOClient{
		client: client,
		model:  cfg.Model,
		logger: logger.Named("detector"),
	}
}

// Load confere uma única vez, no start do processo, que o serviço responde
// e que o modelo configurado está carregado. Erro aqui é fatal.
func (c *YOLOClient) Load(ctx context.Context) (*Health, error) {
	var health Health
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&health).
		Get("/health")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: health returned status %d", ErrServiceUnavailable, resp.StatusCode())
	}
	if !health.ModelLoaded {
		return nil, fmt.Errorf("%w: service reports no model", ErrModelNotLoaded)
	}
	if c.model != "" && health.Model != "" && !sameModel(c.model, health.Model) {
		return nil, fmt.Errorf("%w: want %q, service has %q", ErrModelNotLoaded, c.model, health.Model)
	}

	c.loaded.Store(true)
	c.logger.Info("detector ready",
		zap.String("model", c.model),
		zap.String("service_model", health.Model),
		zap.String("device", health.Device),
		zap.Bool("gpu", health.GPUAvailable),
	)
	return &health, nil
}

func sameModel(a, b string) bool {
	return strings.EqualFold(path.Base(a), path.Base(b))
}

func (c *YOLOClient) Detect(ctx context.Context, frame core.Frame, threshold float32) ([]core.Detection, error) {
	if !c.loaded.Load() {
		return nil, ErrModelNotLoaded
	}
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	form := map[string]string{
		"conf_threshold": fmt.Sprintf("%.3f", threshold),
	}
	if c.model != "" {
		form["model"] = c.model
	}

	var result yoloResult
	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", "frame.jpg", bytes.NewReader(frame.Data)).
		SetMultipartFormData(form).
		SetResult(&result).
		Post("/detect")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("detect: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}

	dets := make([]core.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		det := core.Detection{
			Label:      strings.ToLower(strings.TrimSpace(d.Class)),
			Confidence: d.Confidence,
		}
		if len(d.BBox) == 4 {
			det.Box = core.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		}
		dets = append(dets, det)
	}
	// o serviço já filtra, mas o contrato é nosso
	return Filter(dets, threshold), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
