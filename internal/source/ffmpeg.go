// internal/source/ffmpeg.go
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	for _, scheme := range []string{"rtsp", "rtsps", "rtmp", "file"} {
		RegisterDriver(scheme, NewFFmpegDriver)
	}
}

// FFmpegBinary pode ser trocado em tempo de teste/deploy.
var FFmpegBinary = "ffmpeg"

// FFmpegDriver decodifica o stream num subprocesso ffmpeg que escreve
// JPEGs concatenados (image2pipe) no stdout.
type FFmpegDriver struct {
	logger *zap.Logger
}

func NewFFmpegDriver(opts Options) Driver {
	return &FFmpegDriver{logger: opts.logger().Named("ffmpeg")}
}

// Args monta a linha de comando do ffmpeg para a URI.
func (d *FFmpegDriver) Args(uri string) []string {
	in := ffmpeg.KwArgs{}
	if u, err := url.Parse(uri); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "rtsp", "rtsps":
			in["rtsp_transport"] = "tcp"
		case "file":
			uri = u.Path
		}
	}

	cmd := ffmpeg.Input(uri, in).
		Output("pipe:", ffmpeg.KwArgs{
			"f":        "image2pipe",
			"c:v":      "mjpeg",
			"q:v":      "5",
			"loglevel": "error",
		}).
		Compile()

	args := cmd.Args
	args[0] = FFmpegBinary
	return args
}

func (d *FFmpegDriver) Open(ctx context.Context, uri string) (Handle, error) {
	args := d.Args(uri)

	hctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(hctx, args[0], args[1:]...)
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	h := &ffmpegHandle{
		cmd:    cmd,
		cancel: cancel,
		stderr: stderr,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	go h.readLoop(hctx, stdout)

	d.logger.Debug("ffmpeg started", zap.String("uri", Redact(uri)), zap.Int("pid", cmd.Process.Pid))
	return h, nil
}

type ffmpegHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer

	frames chan []byte
	done   chan struct{}
	err    error // válido depois de done fechado

	seq       uint64
	closeOnce sync.Once
}

func (h *ffmpegHandle) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(h.done)

	buf := make([]byte, 0, 512*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, rest := nextJPEG(buf)
				buf = rest
				if frame == nil {
					break
				}
				h.push(ctx, frame)
			}
		}
		if err != nil {
			waitErr := h.cmd.Wait()
			switch {
			case ctx.Err() != nil:
				h.err = ctx.Err()
			case waitErr != nil:
				h.err = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, h.stderr.String())
			default:
				h.err = io.EOF
			}
			return
		}
	}
}

// push mantém só o frame mais recente: o consumidor quer o presente, não a fila.
func (h *ffmpegHandle) push(ctx context.Context, frame []byte) {
	select {
	case h.frames <- frame:
		return
	default:
	}
	select {
	case <-h.frames:
	default:
	}
	select {
	case h.frames <- frame:
	case <-ctx.Done():
	}
}

func (h *ffmpegHandle) Read(ctx context.Context) (core.Frame, error) {
	select {
	case data := <-h.frames:
		return h.frame(data), nil
	case <-h.done:
		// frame que chegou antes do processo morrer ainda vale
		select {
		case data := <-h.frames:
			return h.frame(data), nil
		default:
		}
		return core.Frame{}, h.err
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	}
}

func (h *ffmpegHandle) frame(data []byte) core.Frame {
	h.seq++
	f := core.Frame{Seq: h.seq, Data: data, CapturedAt: time.Now()}
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}
	return f
}

func (h *ffmpegHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.done
	})
	if h.err != nil && !errors.Is(h.err, context.Canceled) && !errors.Is(h.err, io.EOF) {
		return h.err
	}
	return nil
}

// tailBuffer guarda só o final do stderr do ffmpeg, para diagnóstico.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
