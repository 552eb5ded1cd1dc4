package ptz

import (
	"bufio"
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/rover/internal/devport"
)

// VISCA constants for a Sony EVI-D30 class head on camera address 1.
const (
	viscaAddr       = 0x81
	viscaBroadcast  = 0x88
	viscaTerminator = 0xFF

	viscaPanSpeed  = 0x18
	viscaTiltSpeed = 0x14

	// Position units per degree.
	ViscaPanUnits  = 0x370 / 100.0
	ViscaTiltUnits = 0x12C / 25.0
	ViscaMaxZoom   = 0x3FF
)

// ViscaLimits are the travel limits of the EVI-D30.
var ViscaLimits = Limits{MinPan: -100, MaxPan: 100, MinTilt: -25, MaxTilt: 25, MinZoom: 0, MaxZoom: ViscaMaxZoom}

// Visca drives a Sony VISCA head.
type Visca struct {
	name string
	link *link
	position
}

// NewVisca wraps an open port. Call Init before use.
func NewVisca(name string, port devport.Port) *Visca {
	return &Visca{name: name, link: newLink(port)}
}

func (v *Visca) Name() string   { return v.name }
func (v *Visca) Type() string   { return "visca" }
func (v *Visca) Limits() Limits { return ViscaLimits }

// Init assigns addresses, clears the interface, homes the head and sets the
// zoom to wide.
func (v *Visca) Init(ctx context.Context) error {
	// Address set: broadcast, reply carries the next free address.
	if err := v.link.exchange(ctx, []byte{viscaBroadcast, 0x30, 0x01, viscaTerminator}, func(br *bufio.Reader) error {
		_, err := readViscaFrame(br)
		return err
	}); err != nil {
		return fmt.Errorf("address set: %w", err)
	}
	// IF_Clear broadcast echoes itself.
	if err := v.link.exchange(ctx, []byte{viscaBroadcast, 0x01, 0x00, 0x01, viscaTerminator}, func(br *bufio.Reader) error {
		_, err := readViscaFrame(br)
		return err
	}); err != nil {
		return fmt.Errorf("interface clear: %w", err)
	}
	if err := v.PanTilt(ctx, 0, 0); err != nil {
		return err
	}
	return v.Zoom(ctx, 0)
}

// PanTilt moves to an absolute position in degrees.
func (v *Visca) PanTilt(ctx context.Context, pan, tilt float64) error {
	pan = clamp(pan, ViscaLimits.MinPan, ViscaLimits.MaxPan)
	tilt = clamp(tilt, ViscaLimits.MinTilt, ViscaLimits.MaxTilt)
	if err := v.command(ctx, EncodeViscaPanTilt(pan, tilt)); err != nil {
		return fmt.Errorf("pan/tilt: %w", err)
	}
	v.setPanTilt(pan, tilt)
	return nil
}

// Zoom sets the absolute zoom position.
func (v *Visca) Zoom(ctx context.Context, zoom int) error {
	zoom = clampInt(zoom, ViscaLimits.MinZoom, ViscaLimits.MaxZoom)
	if err := v.command(ctx, EncodeViscaZoom(zoom)); err != nil {
		return fmt.Errorf("zoom: %w", err)
	}
	v.setZoom(zoom)
	return nil
}

// command sends a command and waits for its acknowledge and completion.
func (v *Visca) command(ctx context.Context, msg []byte) error {
	return v.link.exchange(ctx, msg, func(br *bufio.Reader) error {
		for {
			f, err := readViscaFrame(br)
			if err != nil {
				return err
			}
			if len(f) < 3 {
				continue
			}
			switch f[1] & 0xF0 {
			case 0x40: // acknowledge
			case 0x50:
				return nil
			case 0x60:
				return fmt.Errorf("camera error 0x%02x", f[2])
			}
		}
	})
}

func (v *Visca) Close() error { return v.link.Close() }

// EncodeViscaPanTilt builds an absolute pan/tilt command.
func EncodeViscaPanTilt(pan, tilt float64) []byte {
	p := int16(math.Round(pan * ViscaPanUnits))
	t := int16(math.Round(tilt * ViscaTiltUnits))
	msg := []byte{viscaAddr, 0x01, 0x06, 0x02, viscaPanSpeed, viscaTiltSpeed}
	msg = append(msg, nibbles(uint16(p))...)
	msg = append(msg, nibbles(uint16(t))...)
	return append(msg, viscaTerminator)
}

// EncodeViscaZoom builds a direct zoom command.
func EncodeViscaZoom(zoom int) []byte {
	msg := []byte{viscaAddr, 0x01, 0x04, 0x47}
	msg = append(msg, nibbles(uint16(zoom))...)
	return append(msg, viscaTerminator)
}

// nibbles spreads v over four bytes, one nibble each, most significant
// first.
func nibbles(v uint16) []byte {
	return []byte{byte(v>>12) & 0x0F, byte(v>>8) & 0x0F, byte(v>>4) & 0x0F, byte(v) & 0x0F}
}

// FromNibbles reverses nibbles.
func FromNibbles(b []byte) uint16 {
	var v uint16
	for _, n := range b {
		v = v<<4 | uint16(n&0x0F)
	}
	return v
}

func readViscaFrame(br *bufio.Reader) ([]byte, error) {
	f, err := br.ReadBytes(viscaTerminator)
	if err != nil {
		return nil, err
	}
	return f, nil
}
