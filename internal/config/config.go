// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// ErrInvalid marca erros de configuração (fatais no startup).
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	API struct {
		BaseURL string
		Token   string
		Timeout time.Duration
	}

	Detector struct {
		URL                 string
		ModelPath           string
		ConfidenceThreshold float32
		InferenceSlots      int
	}

	Pipeline struct {
		FrameSkip        int
		PollInterval     time.Duration
		StreamTimeout    time.Duration
		ReconnectDelay   time.Duration
		HTTPPollInterval time.Duration
		ShutdownTimeout  time.Duration
	}

	Alert struct {
		Cooldown         time.Duration
		ActiveWindow     *core.ActiveWindow
		Location         *time.Location
		ReportRetries    int
		ReportRetryWait  time.Duration
		SnapshotMaxWidth int
		// Regras por classe (THREAT_RULES / THREAT_RULES_FILE); vazio = tabela padrão
		Rules []core.ThreatRule
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	MQTT struct {
		Host      string
		Port      int
		Username  string
		Password  string
		ClientID  string
		BaseTopic string
	}

	Minio struct {
		Endpoint      string
		AccessKey     string
		SecretKey     string
		Bucket        string
		UseSSL        bool
		PublicBaseURL string
	}

	StatusInterval time.Duration

	Log struct {
		Level  string
		Format string
	}
}

// Load lê o ambiente (o main já carregou o .env), aplica defaults e valida.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	bad := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.API.BaseURL = strings.TrimRight(getEnv("API_BASE_URL", getEnv("DJANGO_API_URL", "http://localhost:8000")), "/")
	cfg.API.Token = getEnv("API_TOKEN", os.Getenv("DJANGO_API_TOKEN"))
	cfg.API.Timeout = 10 * time.Second

	cfg.Detector.URL = strings.TrimRight(getEnv("DETECTOR_URL", "http://localhost:8001"), "/")
	cfg.Detector.ModelPath = strings.TrimSpace(getEnv("MODEL_PATH", "yolov8n.pt"))

	conf, err := getEnvFloat("CONFIDENCE_THRESHOLD", 0.5)
	bad(err)
	cfg.Detector.ConfidenceThreshold = float32(conf)

	cfg.Detector.InferenceSlots, err = getEnvInt("INFERENCE_SLOTS", 0)
	bad(err)

	cfg.Pipeline.FrameSkip, err = getEnvInt("FRAME_SKIP", 30)
	bad(err)
	cfg.Pipeline.PollInterval, err = getEnvSeconds("POLL_INTERVAL", 3*time.Second)
	bad(err)
	cfg.Pipeline.StreamTimeout, err = getEnvSeconds("STREAM_TIMEOUT", 10*time.Second)
	bad(err)
	cfg.Pipeline.ReconnectDelay, err = getEnvSeconds("RECONNECT_DELAY", 5*time.Second)
	bad(err)
	cfg.Pipeline.HTTPPollInterval, err = getEnvSeconds("HTTP_POLL_INTERVAL", time.Second)
	bad(err)
	cfg.Pipeline.ShutdownTimeout, err = getEnvSeconds("SHUTDOWN_TIMEOUT", 10*time.Second)
	bad(err)

	cfg.Alert.Cooldown, err = getEnvSeconds("ALERT_COOLDOWN", 5*time.Second)
	bad(err)
	cfg.Alert.ReportRetries, err = getEnvInt("REPORT_RETRIES", 3)
	bad(err)
	cfg.Alert.ReportRetryWait, err = getEnvSeconds("REPORT_RETRY_WAIT", time.Second)
	bad(err)
	cfg.Alert.SnapshotMaxWidth, err = getEnvInt("SNAPSHOT_MAX_WIDTH", 1280)
	bad(err)
	cfg.Alert.ActiveWindow, err = loadActiveWindow()
	bad(err)
	cfg.Alert.Location, err = loadLocation(getEnv("TIMEZONE", ""))
	bad(err)
	cfg.Alert.Rules, err = loadRules(cfg.Detector.ConfidenceThreshold)
	bad(err)

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB, err = getEnvInt("REDIS_DB", 0)
	bad(err)

	cfg.MQTT.Host = os.Getenv("MQTT_HOST")
	cfg.MQTT.Port, err = getEnvInt("MQTT_PORT", 1883)
	bad(err)
	cfg.MQTT.Username = os.Getenv("MQTT_USERNAME")
	cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "cam-sentinel")
	cfg.MQTT.BaseTopic = strings.TrimSuffix(getEnv("MQTT_BASE_TOPIC", "cam-sentinel"), "/")

	cfg.Minio.Endpoint = getEnv("MINIO_ENDPOINT", "localhost:9000")
	cfg.Minio.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	cfg.Minio.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	cfg.Minio.Bucket = getEnv("MINIO_BUCKET", "threat-snapshots")
	cfg.Minio.UseSSL = strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true")
	cfg.Minio.PublicBaseURL = os.Getenv("MINIO_PUBLIC_BASE_URL")

	cfg.StatusInterval, err = getEnvSeconds("STATUS_INTERVAL", 30*time.Second)
	bad(err)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate confere os valores obrigatórios e os limites.
func (c *Config) Validate() error {
	var errs []error
	if err := validateHTTPURL("API_BASE_URL", c.API.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateHTTPURL("DETECTOR_URL", c.Detector.URL); err != nil {
		errs = append(errs, err)
	}
	if c.Detector.ModelPath == "" {
		errs = append(errs, fmt.Errorf("MODEL_PATH is required"))
	}
	if th := c.Detector.ConfidenceThreshold; math.IsNaN(float64(th)) || th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1] (got %.3f)", c.Detector.ConfidenceThreshold))
	}
	if c.Detector.InferenceSlots < 0 {
		errs = append(errs, fmt.Errorf("INFERENCE_SLOTS must be >= 0"))
	}
	if c.Pipeline.FrameSkip < 1 {
		errs = append(errs, fmt.Errorf("FRAME_SKIP must be >= 1"))
	}
	if c.Pipeline.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0"))
	}
	if c.Pipeline.StreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_TIMEOUT must be > 0"))
	}
	if c.Alert.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("ALERT_COOLDOWN must be >= 0"))
	}
	if c.Alert.ReportRetries < 0 {
		errs = append(errs, fmt.Errorf("REPORT_RETRIES must be >= 0"))
	}
	if c.Alert.SnapshotMaxWidth < 0 {
		errs = append(errs, fmt.Errorf("SNAPSHOT_MAX_WIDTH must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }
func (c *Config) MQTTEnabled() bool  { return c.MQTT.Host != "" }
func (c *Config) MinioEnabled() bool {
	return c.Minio.AccessKey != "" && c.Minio.SecretKey != ""
}

func loadActiveWindow() (*core.ActiveWindow, error) {
	startRaw := strings.TrimSpace(getEnv("ACTIVE_HOURS_START", os.Getenv("AFTER_HOURS_START")))
	endRaw := strings.TrimSpace(getEnv("ACTIVE_HOURS_END", os.Getenv("AFTER_HOURS_END")))
	if startRaw == "" && endRaw == "" {
		return nil, nil
	}
	if startRaw == "" || endRaw == "" {
		return nil, fmt.Errorf("ACTIVE_HOURS_START and ACTIVE_HOURS_END must be set together")
	}
	start, err := strconv.Atoi(startRaw)
	if err != nil {
		return nil, fmt.Errorf("ACTIVE_HOURS_START=%q: %w", startRaw, err)
	}
	end, err := strconv.Atoi(endRaw)
	if err != nil {
		return nil, fmt.Errorf("ACTIVE_HOURS_END=%q: %w", endRaw, err)
	}
	w := core.ActiveWindow{StartHour: start, EndHour: end}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// loadRules lê as regras por classe, inline (THREAT_RULES) ou de arquivo
// (THREAT_RULES_FILE). min_confidence ausente herda o threshold global.
func loadRules(threshold float32) ([]core.ThreatRule, error) {
	key := "THREAT_RULES"
	raw := []byte(strings.TrimSpace(os.Getenv(key)))
	if path := strings.TrimSpace(os.Getenv("THREAT_RULES_FILE")); len(raw) == 0 && path != "" {
		key = "THREAT_RULES_FILE"
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", key, path, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var items []struct {
		Label         string   `json:"object_class"`
		Level         string   `json:"threat_level"`
		ShouldAlert   bool     `json:"should_alert"`
		MinConfidence *float32 `json:"min_confidence"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	rules := make([]core.ThreatRule, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		label := strings.ToLower(strings.TrimSpace(it.Label))
		if label == "" {
			return nil, fmt.Errorf("%s[%d]: object_class is required", key, i)
		}
		if seen[label] {
			return nil, fmt.Errorf("%s[%d]: duplicate object_class %q", key, i, label)
		}
		seen[label] = true

		level := it.Level
		if level == "" {
			level = string(core.SeverityLow)
		}
		sev, err := core.ParseSeverity(level)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}

		minConf := threshold
		if it.MinConfidence != nil && *it.MinConfidence > 0 {
			minConf = *it.MinConfidence
		}
		if minConf > 1 {
			return nil, fmt.Errorf("%s[%d]: min_confidence must be within [0,1]", key, i)
		}

		rules = append(rules, core.ThreatRule{
			Label:         label,
			Severity:      sev,
			ShouldAlert:   it.ShouldAlert,
			MinConfidence: minConf,
		})
	}
	return rules, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE=%q: %w", name, err)
	}
	return loc, nil
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s=%q: expected http(s)://host[:port]", key, raw)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s=%q: not an integer", key, v)
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def, fmt.Errorf("%s=%q: not a number", key, v)
	}
	return f, nil
}

// maior valor em segundos que ainda cabe num time.Duration
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// getEnvSeconds lê um valor em segundos (aceita fração, ex.: 0.5).
func getEnvSeconds(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	sec, err := strconv.ParseFloat(v, 64)
	// NaN passa em qualquer comparação; segundos demais estouram o Duration
	if err != nil || math.IsNaN(sec) || sec < 0 || sec > maxSeconds {
		return def, fmt.Errorf("%s=%q: expected seconds >= 0", key, v)
	}
	return time.Duration(sec * float64(time.Second)), nil
}
