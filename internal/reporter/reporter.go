// internal/reporter/reporter.go
package reporter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

var (
	// ErrPermanent: o backend recusou o alerta (4xx que não é 429). Não adianta repetir.
	ErrPermanent = errors.New("alert rejected by backend")
	// ErrRetriesExhausted: falha transitória que persistiu depois de todas as tentativas.
	ErrRetriesExhausted = errors.New("alert delivery retries exhausted")
)

// Reporter entrega um ThreatEvent já admitido pelo gate.
type Reporter interface {
	Send(ctx context.Context, evt *core.ThreatEvent) error
}

type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	Retries          int
	RetryWait        time.Duration
	SnapshotMaxWidth int
}

// BackendReporter faz POST /api/send-alert/ no backend.
// Não existe fila local: evento que falhou é logado e descartado.
type BackendReporter struct {
	http     *resty.Client
	maxWidth int
	logger   *zap.Logger
}

type alertPayload struct {
	EventID     string    `json:"event_id"`
	CameraID    any       `json:"camera_id"`
	AlertType   string    `json:"alert_type"`
	Confidence  float64   `json:"confidence"`
	ImageBase64 string    `json:"image_base64"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	SnapshotURL string    `json:"snapshot_url,omitempty"`
}

func NewBackendReporter(cfg Config, logger *zap.Logger) *BackendReporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(8 * cfg.RetryWait).
		AddRetryCondition(transient).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthScheme("Token").SetAuthToken(cfg.Token)
	}

	return &BackendReporter{
		http:     client,
		maxWidth: cfg.SnapshotMaxWidth,
		logger:   logger.Named("reporter"),
	}
}

// transient: erro de rede, 5xx e 429 são repetidos.
func transient(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

func (r *BackendReporter) Send(ctx context.Context, evt *core.ThreatEvent) error {
	payload := alertPayload{
		EventID:     evt.EventID,
		CameraID:    evt.CameraID,
		AlertType:   string(evt.AlertType),
		Confidence:  roundConfidence(evt.Confidence),
		Description: evt.Description,
		Timestamp:   evt.Timestamp.UTC(),
		SnapshotURL: evt.SnapshotURL,
	}
	if n, ok := core.NumericID(evt.CameraID); ok {
		payload.CameraID = n
	}
	if len(evt.Snapshot) > 0 {
		img, err := EncodeSnapshot(evt.Snapshot, r.maxWidth)
		if err != nil {
			// alerta sem imagem ainda é alerta
			r.logger.Warn("snapshot encode failed, sending without image",
				zap.String("camera_id", evt.CameraID), zap.Error(err))
		} else {
			payload.ImageBase64 = base64.StdEncoding.EncodeToString(img)
		}
	}

	fields := []zap.Field{
		zap.String("camera_id", evt.CameraID),
		zap.String("alert_type", string(evt.AlertType)),
		zap.String("event_id", evt.EventID),
	}

	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/api/send-alert/")

	attempts := 0
	if resp != nil && resp.Request != nil {
		attempts = resp.Request.Attempt
	}
	fields = append(fields, zap.Int("attempts", attempts))

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("alert delivery failed", append(fields, zap.Error(err))...)
		return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		r.logger.Info("alert sent", append(fields, zap.Float32("confidence", evt.Confidence))...)
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		r.logger.Warn("alert delivery failed", append(fields, zap.Int("status", code))...)
		return fmt.Errorf("%w: status %d", ErrRetriesExhausted, code)
	default:
		r.logger.Error("alert rejected by backend, dropping",
			append(fields, zap.Int("status", code), zap.String("body", truncate(resp.String(), 300)))...)
		return fmt.Errorf("%w: status %d", ErrPermanent, code)
	}
}

// float32 -> float64 sem o ruído (0.9 virando 0.8999999761581421)
func roundConfidence(c float32) float64 {
	return float64(int64(float64(c)*10000+0.5)) / 10000
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
