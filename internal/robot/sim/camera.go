package sim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/banshee-data/rover/internal/ptz"
)

// Camera simulates a PTZ head speaking either VISCA or the Canon VC-C
// protocol. It records the last position commanded, in device units.
type Camera struct {
	Protocol string // "visca" or "vcc50i"

	mu       sync.Mutex
	pan      int
	tilt     int
	zoom     int
	commands int
}

// NewCamera returns a simulator for the given protocol.
func NewCamera(protocol string) *Camera {
	return &Camera{Protocol: protocol}
}

// Position returns the last commanded pan, tilt and zoom in device units.
func (c *Camera) Position() (pan, tilt, zoom int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pan, c.tilt, c.zoom
}

// Commands returns the number of messages handled.
func (c *Camera) Commands() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

// Serve answers requests on conn until ctx is done or conn fails. conn is
// closed on return.
func (c *Camera) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	term := byte(0xFF)
	handle := c.visca
	if c.Protocol == "vcc50i" {
		term = 0xEF
		handle = c.vcc
	}

	br := bufio.NewReader(conn)
	for {
		msg, err := br.ReadBytes(term)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.mu.Lock()
		c.commands++
		c.mu.Unlock()
		for _, reply := range handle(msg) {
			if _, err := conn.Write(reply); err != nil {
				return err
			}
		}
	}
}

func (c *Camera) visca(msg []byte) [][]byte {
	ack := []byte{0x90, 0x41, 0xFF}
	done := []byte{0x90, 0x51, 0xFF}
	switch {
	case len(msg) == 4 && msg[0] == 0x88 && msg[1] == 0x30:
		return [][]byte{{0x88, 0x30, msg[2] + 1, 0xFF}}
	case len(msg) == 5 && msg[0] == 0x88 && msg[1] == 0x01:
		return [][]byte{msg}
	case len(msg) == 15 && msg[1] == 0x01 && msg[2] == 0x06 && msg[3] == 0x02:
		c.mu.Lock()
		c.pan = int(int16(ptz.FromNibbles(msg[6:10])))
		c.tilt = int(int16(ptz.FromNibbles(msg[10:14])))
		c.mu.Unlock()
		return [][]byte{ack, done}
	case len(msg) == 9 && msg[1] == 0x01 && msg[2] == 0x04 && msg[3] == 0x47:
		c.mu.Lock()
		c.zoom = int(ptz.FromNibbles(msg[4:8]))
		c.mu.Unlock()
		return [][]byte{ack, done}
	}
	// syntax error
	return [][]byte{{0x90, 0x60, 0x02, 0xFF}}
}

func (c *Camera) vcc(msg []byte) [][]byte {
	if len(msg) < 6 || msg[0] != 0xFF {
		return [][]byte{ptz.EncodeVCCReply("41")}
	}
	args := msg[5 : len(msg)-1]
	switch msg[4] {
	case ptz.VCCPower, ptz.VCCControlMode, ptz.VCCInit:
	case ptz.VCCPanTilt:
		if len(args) != 8 {
			return [][]byte{ptz.EncodeVCCReply("41")}
		}
		pan, err1 := strconv.ParseUint(string(args[:4]), 16, 16)
		tilt, err2 := strconv.ParseUint(string(args[4:]), 16, 16)
		if err1 != nil || err2 != nil {
			return [][]byte{ptz.EncodeVCCReply("41")}
		}
		c.mu.Lock()
		c.pan, c.tilt = int(pan), int(tilt)
		c.mu.Unlock()
	case ptz.VCCZoom:
		z, err := strconv.ParseUint(string(args), 16, 16)
		if err != nil {
			return [][]byte{ptz.EncodeVCCReply("41")}
		}
		c.mu.Lock()
		c.zoom = int(z)
		c.mu.Unlock()
	default:
		return [][]byte{ptz.EncodeVCCReply("41")}
	}
	return [][]byte{ptz.EncodeVCCReply("00")}
}
