package video

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommand struct {
	out []byte
	err error
}

func (f fakeCommand) Output() ([]byte, error) { return f.out, f.err }

type fakeBuilder struct {
	mu    sync.Mutex
	calls [][]string
	out   []byte
	err   error
}

func (b *fakeBuilder) BuildCommand(_ context.Context, name string, args ...string) CommandExecutor {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, append([]string{name}, args...))
	return fakeCommand{out: b.out, err: b.err}
}

var tinyJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0xFF, 0xD9}

func TestFFmpegGrabber(t *testing.T) {
	b := &fakeBuilder{out: tinyJPEG}
	g := NewFFmpegGrabber("pxc_1", "/dev/video0")
	g.Builder = b
	g.Size = "640x480"

	frame, err := g.Grab(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tinyJPEG, frame)
	require.Len(t, b.calls, 1)
	assert.Equal(t, []string{
		"ffmpeg", "-hide_banner", "-loglevel", "error", "-f", "v4l2",
		"-video_size", "640x480", "-i", "/dev/video0",
		"-frames:v", "1", "-f", "image2", "-vcodec", "mjpeg", "pipe:1",
	}, b.calls[0])

	b.out = []byte("not a picture")
	_, err = g.Grab(context.Background())
	assert.ErrorContains(t, err, "not a JPEG")

	b.out, b.err = nil, errors.New("device busy")
	_, err = g.Grab(context.Background())
	assert.ErrorContains(t, err, "grab pxc_1 from /dev/video0: device busy")

	require.NoError(t, g.Close())
	_, err = g.Grab(context.Background())
	assert.ErrorIs(t, err, errClosed)
}

func TestExecCommandBuilder(t *testing.T) {
	out, err := ExecCommandBuilder{}.BuildCommand(context.Background(), "sh", "-c", "printf frame").Output()
	require.NoError(t, err)
	assert.Equal(t, "frame", string(out))

	_, err = ExecCommandBuilder{}.BuildCommand(context.Background(), "sh", "-c", "echo first >&2; echo no such device >&2; exit 3").Output()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")
	assert.NotContains(t, err.Error(), "first")
}

func TestSimGrabber(t *testing.T) {
	g := NewSimGrabber("sim_1")
	assert.Equal(t, "sim_1", g.Name())

	a, err := g.Grab(context.Background())
	require.NoError(t, err)
	b, err := g.Grab(context.Background())
	require.NoError(t, err)
	assert.True(t, IsJPEG(a))
	assert.False(t, bytes.Equal(a, b), "the marker moves between frames")
	assert.Equal(t, 2, g.Frames())

	img, err := jpeg.Decode(bytes.NewReader(a))
	require.NoError(t, err)
	assert.Equal(t, SimWidth, img.Bounds().Dx())
	assert.Equal(t, SimHeight, img.Bounds().Dy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Grab(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, g.Close())
	_, err = g.Grab(context.Background())
	assert.ErrorIs(t, err, errClosed)
}
