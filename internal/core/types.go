// internal/core/types.go
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CameraDescriptor é a cópia local (somente leitura) de uma câmera do registry.
// A identidade é o ID; a StreamURI pode mudar entre syncs.
type CameraDescriptor struct {
	ID        string `json:"id"`
	StreamURI string `json:"rtsp_url"`
	Label     string `json:"name,omitempty"`
	IsActive  bool   `json:"is_active"`

	// Janela ativa específica da câmera (sobrepõe a default do deployment)
	ActiveWindow *ActiveWindow `json:"-"`
}

// UnmarshalJSON aceita o formato do backend: id numérico ou string,
// rtsp_url ou stream_uri, name ou label. Ausência de is_active = ativa.
func (c *CameraDescriptor) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID               json.RawMessage `json:"id"`
		RTSPURL          string          `json:"rtsp_url"`
		StreamURI        string          `json:"stream_uri"`
		Name             string          `json:"name"`
		Label            string          `json:"label"`
		IsActive         *bool           `json:"is_active"`
		ActiveHoursStart *int            `json:"active_hours_start"`
		ActiveHoursEnd   *int            `json:"active_hours_end"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	id, err := parseID(raw.ID)
	if err != nil {
		return err
	}

	c.ID = id
	c.StreamURI = strings.TrimSpace(raw.RTSPURL)
	if c.StreamURI == "" {
		c.StreamURI = strings.TrimSpace(raw.StreamURI)
	}
	c.Label = raw.Name
	if c.Label == "" {
		c.Label = raw.Label
	}
	c.IsActive = raw.IsActive == nil || *raw.IsActive
	c.ActiveWindow = nil
	if raw.ActiveHoursStart != nil && raw.ActiveHoursEnd != nil {
		w := ActiveWindow{StartHour: *raw.ActiveHoursStart, EndHour: *raw.ActiveHoursEnd}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("camera %s: %w", id, err)
		}
		c.ActiveWindow = &w
	}
	return nil
}

func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("camera without id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("camera without id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid camera id %s: %w", string(raw), err)
	}
	return n.String(), nil
}

// DisplayName devolve o label ou, na falta dele, o ID.
func (c CameraDescriptor) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.ID
}

// ActiveWindow é o intervalo de horas [StartHour, EndHour) em que detecções
// podem gerar alerta. Pode atravessar a meia-noite (ex.: 22 -> 6).
// StartHour == EndHour significa o dia inteiro.
type ActiveWindow struct {
	StartHour int
	EndHour   int
}

func (w ActiveWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("active window hours must be within 0-23 (got %d-%d)", w.StartHour, w.EndHour)
	}
	return nil
}

// Contains diz se o instante t (já no fuso desejado) cai dentro da janela.
func (w ActiveWindow) Contains(t time.Time) bool {
	h := t.Hour()
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return h >= w.StartHour && h < w.EndHour
	default:
		return h >= w.StartHour || h < w.EndHour
	}
}

func (w ActiveWindow) String() string {
	return fmt.Sprintf("%02d:00-%02d:00", w.StartHour, w.EndHour)
}

// Frame é um quadro JPEG decodificado do stream. Efêmero.
type Frame struct {
	CameraID   string
	Seq        uint64
	Data       []byte // JPEG
	Width      int
	Height     int
	CapturedAt time.Time
}

// BBox em coordenadas de pixel.
type BBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

type Detection struct {
	Label      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        BBox    `json:"bbox"`
}

type AlertType string

const (
	AlertIntrusion  AlertType = "intrusion"
	AlertPerson     AlertType = "person"
	AlertVehicle    AlertType = "vehicle"
	AlertSuspicious AlertType = "suspicious"
	AlertViolence   AlertType = "violence"
	AlertFire       AlertType = "fire"
	AlertSmoke      AlertType = "smoke"
)

var alertTypes = []AlertType{
	AlertIntrusion, AlertPerson, AlertVehicle, AlertSuspicious,
	AlertViolence, AlertFire, AlertSmoke,
}

func (a AlertType) Valid() bool {
	for _, t := range alertTypes {
		if t == a {
			return true
		}
	}
	return false
}

func ParseAlertType(s string) (AlertType, error) {
	a := AlertType(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown alert type %q", s)
	}
	return a, nil
}

// Severity é o nível de ameaça atribuído por regra de classe.
// HIGH sempre alerta, MEDIUM alerta se a regra pedir, LOW só loga,
// IGNORE descarta.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
	SeverityIgnore Severity = "IGNORE"
)

func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case SeverityHigh, SeverityMedium, SeverityLow, SeverityIgnore:
		return v, nil
	}
	return "", fmt.Errorf("unknown threat level %q", s)
}

// ThreatRule ajusta uma classe detectada. Formato igual ao do backend:
// {"object_class":"person","threat_level":"HIGH","should_alert":true,"min_confidence":0.7}
type ThreatRule struct {
	Label         string   `json:"object_class"`
	Severity      Severity `json:"threat_level"`
	ShouldAlert   bool     `json:"should_alert"`
	MinConfidence float32  `json:"min_confidence"`
}

// Alerts diz se uma detecção acima do mínimo da regra vira alerta.
func (r ThreatRule) Alerts() bool {
	switch r.Severity {
	case SeverityHigh:
		return true
	case SeverityMedium:
		return r.ShouldAlert
	default:
		return false
	}
}

// ThreatEvent é criado pelo classifier e nunca alterado depois.
// Quem precisa enriquecer (ex.: SnapshotURL) trabalha numa cópia.
type ThreatEvent struct {
	EventID     string    `json:"event_id"`
	CameraID    string    `json:"camera_id"`
	CameraLabel string    `json:"camera_label,omitempty"`
	AlertType   AlertType `json:"alert_type"`
	Severity    Severity  `json:"severity,omitempty"`
	Confidence  float32   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Labels      []string  `json:"labels,omitempty"`

	// URL pública do snapshot no MinIO (se arquivado)
	SnapshotURL string `json:"snapshot_url,omitempty"`

	// bytes JPEG do frame; não vai pro JSON / MQTT
	Snapshot []byte `json:"-"`
}

// ConnectionState é o estado de conexão de uma câmera, controlado
// exclusivamente pelo Frame Source dono dela.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionStreaming    ConnectionState = "streaming"
	ConnectionBackoff      ConnectionState = "backoff"
)

// WorkerState é o ciclo de vida de um worker no supervisor.
type WorkerState string

const (
	WorkerAbsent   WorkerState = "absent"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
)

// CooldownKey identifica uma entrada do ledger de cooldown.
type CooldownKey struct {
	CameraID  string
	AlertType AlertType
}

func (k CooldownKey) String() string {
	return k.CameraID + "|" + string(k.AlertType)
}

// NumericID devolve o ID como inteiro quando possível (o backend usa ids numéricos).
func NumericID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
