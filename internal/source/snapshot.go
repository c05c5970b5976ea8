// internal/source/snapshot.go
package source

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	RegisterDriver("http", NewSnapshotDriver)
	RegisterDriver("https", NewSnapshotDriver)
}

// SnapshotDriver lê câmeras que só expõem um JPEG por GET
// (ex.: /ISAPI/Streaming/channels/101/picture, /cgi-bin/snapshot.cgi).
type SnapshotDriver struct {
	client   *resty.Client
	interval time.Duration
	logger   *zap.Logger
}

func NewSnapshotDriver(opts Options) Driver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "image/jpeg")

	return &SnapshotDriver{
		client:   client,
		interval: interval,
		logger:   opts.logger().Named("snapshot"),
	}
}

func (d *SnapshotDriver) Open(ctx context.Context, uri string) (Handle, error) {
	h := &snapshotHandle{driver: d, uri: uri, ctx: ctx}
	data, err := h.fetch(ctx)
	if err != nil {
		return nil, err
	}
	h.pending = data
	return h, nil
}

type snapshotHandle struct {
	driver *SnapshotDriver
	uri    string
	ctx    context.Context

	pending []byte
	last    time.Time
	seq     uint64
}

func (h *snapshotHandle) Read(ctx context.Context) (core.Frame, error) {
	if err := h.ctx.Err(); err != nil {
		return core.Frame{}, err
	}

	data := h.pending
	h.pending = nil
	if data == nil {
		if wait := h.driver.interval - time.Since(h.last); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return core.Frame{}, ctx.Err()
			}
		}
		var err error
		if data, err = h.fetch(ctx); err != nil {
			return core.Frame{}, err
		}
	}

	h.seq++
	f := core.Frame{Seq: h.seq, Data: data, CapturedAt: h.last}
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}
	return f, nil
}

func (h *snapshotHandle) fetch(ctx context.Context) ([]byte, error) {
	resp, err := h.driver.client.R().
		SetContext(ctx).
		Get(h.uri)
	h.last = time.Now()
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("snapshot request: unexpected status %d", resp.StatusCode())
	}
	body := resp.Body()
	if !bytes.HasPrefix(body, jpegSOI) {
		return nil, fmt.Errorf("snapshot request: response is not a jpeg (%d bytes)", len(body))
	}
	return body, nil
}

func (h *snapshotHandle) Close() error { return nil }
