package video

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/fsutil"
	"github.com/banshee-data/rover/internal/monitoring"
)

// DefaultDevice is the capture device used when -video-device is not given.
const DefaultDevice = "/dev/video0"

// ErrNoDevice is returned by the connector when no video device is configured.
var ErrNoDevice = errors.New("no video device configured")

// Connector brings up the frame grabbers named on the command line. The
// grabber type has no flag default: the standard build injects one through
// the default arguments.
type Connector struct {
	typ    *string
	device *string
	size   *string

	// FS checks device nodes; fsutil.OSFileSystem when nil.
	FS fsutil.FileSystem
	// LookPath finds the ffmpeg binary; exec.LookPath when nil.
	LookPath func(file string) (string, error)
	// Builder runs ffmpeg for the capture grabbers.
	Builder CommandBuilder

	grabbers []FrameGrabber
}

// NewConnector registers the video flags on args.
func NewConnector(args *config.Args) *Connector {
	fs := args.FlagSet()
	return &Connector{
		typ:    fs.String("video-type", "", "frame grabber type: pxc, v4l2 or sim"),
		device: fs.String("video-device", DefaultDevice, "comma separated capture devices"),
		size:   fs.String("video-size", "", "capture size, e.g. 640x480 (device default when empty)"),
	}
}

// Devices returns the configured devices in numbering order.
func (c *Connector) Devices() []string {
	if c.device == nil {
		return nil
	}
	return devport.SplitAddresses(*c.device)
}

// Connect creates a grabber for every configured device. Capture types
// require ffmpeg on the PATH and a character device at each path. It returns
// ErrNoDevice when no device is configured.
func (c *Connector) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	devices := c.Devices()
	if len(devices) == 0 {
		return ErrNoDevice
	}
	typ := ""
	if c.typ != nil {
		typ = *c.typ
	}

	var grabbers []FrameGrabber
	switch typ {
	case "sim":
		for i := range devices {
			grabbers = append(grabbers, NewSimGrabber(fmt.Sprintf("sim_%d", i+1)))
		}
	case "pxc", "v4l2":
		lookPath := c.LookPath
		if lookPath == nil {
			lookPath = exec.LookPath
		}
		if _, err := lookPath("ffmpeg"); err != nil {
			return fmt.Errorf("ffmpeg is required for %s capture: %w", typ, err)
		}
		fsys := c.FS
		if fsys == nil {
			fsys = fsutil.OSFileSystem{}
		}
		for i, dev := range devices {
			ok, err := fsutil.IsCharDevice(fsys, dev)
			if err != nil {
				return fmt.Errorf("video %d at %s: %w", i+1, dev, err)
			}
			if !ok {
				return fmt.Errorf("video %d at %s: not a capture device", i+1, dev)
			}
			g := NewFFmpegGrabber(fmt.Sprintf("%s_%d", typ, i+1), dev)
			g.Builder = c.Builder
			if c.size != nil {
				g.Size = *c.size
			}
			grabbers = append(grabbers, g)
		}
	default:
		return fmt.Errorf("unknown video type %q", typ)
	}
	c.grabbers = grabbers
	monitoring.Logf("connected %d %s frame grabber(s)", len(grabbers), typ)
	return nil
}

// NumFrameGrabbers returns the number of connected grabbers.
func (c *Connector) NumFrameGrabbers() int { return len(c.grabbers) }

// FrameGrabber returns grabber n, numbered from 1.
func (c *Connector) FrameGrabber(n int) (FrameGrabber, bool) {
	if n < 1 || n > len(c.grabbers) {
		return nil, false
	}
	return c.grabbers[n-1], true
}

// Close closes every grabber.
func (c *Connector) Close() error {
	for _, g := range c.grabbers {
		_ = g.Close()
	}
	return nil
}
