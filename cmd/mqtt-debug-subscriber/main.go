// cmd/mqtt-debug-subscriber/main.go
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/config"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/logging"
	"github.com/sua-org/cam-sentinel/internal/mqttclient"
)

// Assina os eventos publicados pelo cam-sentinel e loga cada um.
// Com SAVE_SNAPSHOTS=true grava o JPEG do evento (quando vier no payload).
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, "console", "cam-sentinel-debug")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if !cfg.MQTTEnabled() {
		logger.Fatal("MQTT_HOST not set")
	}

	topic := os.Getenv("MQTT_DEBUG_TOPIC")
	if topic == "" {
		topic = mqttclient.EventsWildcard(cfg.MQTT.BaseTopic)
	}
	save := os.Getenv("SAVE_SNAPSHOTS") == "true"

	cli, err := mqttclient.NewClient(mqttclient.Config{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID + "-debug",
	}, logger)
	if err != nil {
		logger.Fatal("mqtt connect failed", zap.Error(err))
	}
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Subscribe(topic, 1, func(topic string, payload []byte) {
		handleMessage(logger, topic, payload, save)
	}); err != nil {
		logger.Fatal("subscribe failed", zap.String("topic", topic), zap.Error(err))
	}
	logger.Info("subscribed", zap.String("topic", topic))

	<-ctx.Done()
	logger.Info("signal received, closing subscriber")
}

type eventMessage struct {
	core.ThreatEvent
	// alguns publishers mandam a imagem inline
	ImageBase64 string `json:"image_base64,omitempty"`
}

func handleMessage(logger *zap.Logger, topic string, payload []byte, save bool) {
	var evt eventMessage
	if err := json.Unmarshal(payload, &evt); err != nil {
		logger.Warn("payload is not a threat event",
			zap.String("topic", topic),
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		return
	}

	if _, err := core.ParseAlertType(string(evt.AlertType)); err != nil {
		logger.Warn("event with unknown alert type", zap.String("topic", topic), zap.Error(err))
	}

	logger.Info("event",
		zap.String("topic", topic),
		zap.String("event_id", evt.EventID),
		zap.String("camera_id", evt.CameraID),
		zap.String("alert_type", string(evt.AlertType)),
		zap.String("severity", string(evt.Severity)),
		zap.Float32("confidence", evt.Confidence),
		zap.Time("timestamp", evt.Timestamp),
		zap.String("description", evt.Description),
		zap.String("snapshot_url", evt.SnapshotURL),
	)

	if !save || evt.ImageBase64 == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(evt.ImageBase64)
	if err != nil {
		logger.Warn("snapshot decode failed", zap.String("event_id", evt.EventID), zap.Error(err))
		return
	}
	name := fmt.Sprintf("snapshot_%s_%s_%d.jpg", evt.CameraID, evt.AlertType, time.Now().UnixNano())
	if err := os.WriteFile(name, data, 0o644); err != nil {
		logger.Warn("snapshot save failed", zap.Error(err))
		return
	}
	logger.Info("snapshot saved", zap.String("file", name))
}
