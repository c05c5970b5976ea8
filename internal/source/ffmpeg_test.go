package source

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// O binário de teste faz o papel do ffmpeg quando esta variável está setada.
const fakeFFmpegEnv = "CAM_SENTINEL_FAKE_FFMPEG"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeFFmpegEnv); mode != "" {
		runFakeFFmpeg(mode)
		return
	}
	os.Exit(m.Run())
}

// fakeFrameCount frames de larguras 16, 24, 32...
const fakeFrameCount = 5

func fakeFrame(i int) []byte {
	img := image.NewGray(image.Rect(0, 0, 16+8*i, 8))
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

func runFakeFFmpeg(mode string) {
	switch mode {
	case "frames":
		// escreve em pedaços pequenos: frames cortados entre leituras
		var stream []byte
		for i := 0; i < fakeFrameCount; i++ {
			stream = append(stream, fakeFrame(i)...)
		}
		for len(stream) > 0 {
			n := min(7, len(stream))
			_, _ = os.Stdout.Write(stream[:n])
			stream = stream[n:]
		}
		os.Exit(0)
	case "fail":
		_, _ = os.Stderr.WriteString("rtsp://fake/live: Connection refused")
		os.Exit(3)
	case "hang":
		_, _ = os.Stdout.Write(fakeFrame(0))
		time.Sleep(time.Hour)
		os.Exit(0)
	}
	os.Exit(2)
}

func useFakeFFmpeg(t *testing.T, mode string) *FFmpegDriver {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	prev := FFmpegBinary
	FFmpegBinary = exe
	t.Cleanup(func() { FFmpegBinary = prev })
	t.Setenv(fakeFFmpegEnv, mode)

	return NewFFmpegDriver(Options{Logger: zap.NewNop()}).(*FFmpegDriver)
}

func TestFFmpegHandle_SplitsChunksAndKeepsLatest(t *testing.T) {
	d := useFakeFFmpeg(t, "frames")

	h, err := d.Open(context.Background(), "rtsp://fake/live")
	require.NoError(t, err)
	defer h.Close()

	fh := h.(*ffmpegHandle)
	select {
	case <-fh.done:
	case <-time.After(5 * time.Second):
		t.Fatal("fake ffmpeg did not finish")
	}

	// todos os frames chegaram antes do Read: só o último sobra
	f, err := h.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16+8*(fakeFrameCount-1), f.Width)
	assert.Equal(t, 8, f.Height)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, fakeFrame(fakeFrameCount-1), f.Data)

	_, err = h.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, h.Close())
}

func TestFFmpegHandle_ProcessFailureCarriesStderr(t *testing.T) {
	d := useFakeFFmpeg(t, "fail")

	h, err := d.Open(context.Background(), "rtsp://fake/live")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Read(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "ffmpeg exited")
	assert.Contains(t, err.Error(), "Connection refused")
	assert.Error(t, h.Close())
}

func TestFFmpegHandle_CloseUnblocksRead(t *testing.T) {
	d := useFakeFFmpeg(t, "hang")

	h, err := d.Open(context.Background(), "rtsp://fake/live")
	require.NoError(t, err)

	f, err := h.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, f.Width)

	readErr := make(chan error, 1)
	go func() {
		_, err := h.Read(context.Background())
		readErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, h.Close())

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
}

func TestStream_FFmpegEndOfStreamIsUnavailable(t *testing.T) {
	d := useFakeFFmpeg(t, "frames")

	s := NewStream("1", "rtsp://fake/live", d, StreamConfig{StreamTimeout: 5 * time.Second}, zap.NewNop())
	defer s.Close()

	_, err := s.Next(context.Background())
	require.NoError(t, err)

	for i := 0; i < fakeFrameCount; i++ {
		if _, err = s.Next(context.Background()); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrUnavailable)
}
