// Package video captures still frames from the robot's cameras and serves
// them, together with the PTZ heads, from the network server.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultGrabTimeout bounds one frame capture.
const DefaultGrabTimeout = 5 * time.Second

// FrameGrabber captures single JPEG frames from a camera.
type FrameGrabber interface {
	Name() string
	Grab(ctx context.Context) ([]byte, error)
	Close() error
}

var errClosed = errors.New("frame grabber closed")

// FFmpegGrabber captures frames from a V4L2 device by running ffmpeg once per
// frame. Captures are serialised; concurrent callers wait their turn.
type FFmpegGrabber struct {
	name   string
	device string

	// Builder runs ffmpeg; ExecCommandBuilder when nil.
	Builder CommandBuilder
	// Timeout bounds each capture; DefaultGrabTimeout when zero.
	Timeout time.Duration
	// Size requests a capture size such as "640x480"; the device default
	// when empty.
	Size string

	mu     sync.Mutex
	closed bool
}

// NewFFmpegGrabber returns a grabber for the capture device at device.
func NewFFmpegGrabber(name, device string) *FFmpegGrabber {
	return &FFmpegGrabber{name: name, device: device}
}

func (g *FFmpegGrabber) Name() string   { return g.name }
func (g *FFmpegGrabber) Device() string { return g.device }

// Args returns the ffmpeg arguments capturing one MJPEG frame to stdout.
func (g *FFmpegGrabber) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if g.Size != "" {
		args = append(args, "-video_size", g.Size)
	}
	return append(args,
		"-i", g.device,
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"pipe:1",
	)
}

func (g *FFmpegGrabber) Grab(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errClosed
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultGrabTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := g.Builder
	if b == nil {
		b = ExecCommandBuilder{}
	}
	frame, err := b.BuildCommand(ctx, "ffmpeg", g.Args()...).Output()
	if err != nil {
		return nil, fmt.Errorf("grab %s from %s: %w", g.name, g.device, err)
	}
	if !IsJPEG(frame) {
		return nil, fmt.Errorf("grab %s from %s: ffmpeg returned %d bytes that are not a JPEG", g.name, g.device, len(frame))
	}
	return frame, nil
}

func (g *FFmpegGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// IsJPEG reports whether b starts with a JPEG start-of-image marker.
func IsJPEG(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF})
}
