// cmd/cam-sentinel/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/classifier"
	"github.com/sua-org/cam-sentinel/internal/config"
	"github.com/sua-org/cam-sentinel/internal/detector"
	"github.com/sua-org/cam-sentinel/internal/gate"
	"github.com/sua-org/cam-sentinel/internal/logging"
	"github.com/sua-org/cam-sentinel/internal/mqttclient"
	"github.com/sua-org/cam-sentinel/internal/registry"
	"github.com/sua-org/cam-sentinel/internal/reporter"
	"github.com/sua-org/cam-sentinel/internal/storage"
	"github.com/sua-org/cam-sentinel/internal/supervisor"
)

func main() {
	// .env é opcional
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "cam-sentinel")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug(".env not loaded", zap.Error(envErr))
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("cam-sentinel stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Detector: sem modelo carregado não sobe
	yolo := detector.NewYOLOClient(detector.YOLOConfig{
		URL:   cfg.Detector.URL,
		Model: cfg.Detector.ModelPath,
	}, logger)
	loadCtx, cancelLoad := context.WithTimeout(ctx, 30*time.Second)
	health, err := yolo.Load(loadCtx)
	cancelLoad()
	if err != nil {
		return fmt.Errorf("detector not ready: %w", err)
	}
	logger.Info("detector ready",
		zap.String("model", health.Model),
		zap.String("device", health.Device),
		zap.Bool("gpu", health.GPUAvailable),
	)
	pool := detector.NewPool(yolo, cfg.Detector.InferenceSlots)
	logger.Info("inference pool", zap.Int("slots", pool.Slots()))

	ledger, closeLedger := newLedger(ctx, cfg, logger)
	defer closeLedger()

	deps := supervisor.Deps{
		Detector:   pool,
		Classifier: classifier.New(cfg.Alert.ActiveWindow, cfg.Alert.Location, cfg.Alert.Rules...),
		Gate:       gate.New(ledger, cfg.Alert.Cooldown, logger),
		Reporter: reporter.NewBackendReporter(reporter.Config{
			BaseURL:          cfg.API.BaseURL,
			Token:            cfg.API.Token,
			Timeout:          cfg.API.Timeout,
			Retries:          cfg.Alert.ReportRetries,
			RetryWait:        cfg.Alert.ReportRetryWait,
			SnapshotMaxWidth: cfg.Alert.SnapshotMaxWidth,
		}, logger),
	}

	// MinIO é opcional; se falhar seguimos sem arquivo de snapshots
	if cfg.MinioEnabled() {
		store, err := storage.NewMinioStore(ctx, storage.Config{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			Bucket:        cfg.Minio.Bucket,
			UseSSL:        cfg.Minio.UseSSL,
			PublicBaseURL: cfg.Minio.PublicBaseURL,
		}, logger)
		if err != nil {
			logger.Warn("minio disabled", zap.Error(err))
		} else {
			deps.Store = store
		}
	}

	if cfg.MQTTEnabled() {
		mqttCli, err := mqttclient.NewClient(mqttclient.Config{
			Host:     cfg.MQTT.Host,
			Port:     cfg.MQTT.Port,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
		}, logger)
		if err != nil {
			logger.Warn("mqtt disabled", zap.Error(err))
		} else {
			defer mqttCli.Close()
			deps.MQTT = mqttCli
		}
	}

	sup := supervisor.New(supervisor.Config{
		Threshold:        cfg.Detector.ConfidenceThreshold,
		FrameSkip:        cfg.Pipeline.FrameSkip,
		StreamTimeout:    cfg.Pipeline.StreamTimeout,
		ReconnectDelay:   cfg.Pipeline.ReconnectDelay,
		HTTPPollInterval: cfg.Pipeline.HTTPPollInterval,
		StatusInterval:   cfg.StatusInterval,
		BaseTopic:        cfg.MQTT.BaseTopic,
	}, deps, logger)

	regClient := registry.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout, logger)
	syncer := registry.NewSyncer(regClient, sup.Apply, cfg.Pipeline.PollInterval, logger)

	logger.Info("cam-sentinel started",
		zap.String("api", cfg.API.BaseURL),
		zap.String("detector", cfg.Detector.URL),
		zap.Float32("threshold", cfg.Detector.ConfidenceThreshold),
		zap.Int("frame_skip", cfg.Pipeline.FrameSkip),
		zap.Duration("cooldown", cfg.Alert.Cooldown),
		zap.Int("threat_rules", len(cfg.Alert.Rules)),
	)

	go syncer.Run(ctx)
	go sup.RunStatusLoop(ctx)

	<-ctx.Done()
	logger.Info("signal received, shutting down")

	if err := sup.Shutdown(cfg.Pipeline.ShutdownTimeout); err != nil {
		// stragglers já foram logados; encerramos mesmo assim
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("cam-sentinel stopped")
	return nil
}
