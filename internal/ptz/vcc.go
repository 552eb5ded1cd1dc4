package ptz

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/banshee-data/rover/internal/devport"
)

/*
Canon VC-C protocol

Requests are framed as

	FF 30 30 00 <command> <args ...> EF

and answered by

	FE 30 30 <status hi> <status lo> [data ...] EF

where a status of ASCII "00" means success. Pan and tilt positions travel as
four upper-case hex ASCII digits offset from 0x8000, in units of 0.1125
degrees. Zoom travels as four hex ASCII digits.
*/

const (
	vccHeader    = 0xFF
	vccReply     = 0xFE
	vccTerm      = 0xEF
	vccDegPerPos = 0.1125
	vccCenter    = 0x8000

	VCCMaxZoom = 1960
)

// VC-C command bytes.
const (
	VCCPower       = 0xA0
	VCCControlMode = 0x90
	VCCInit        = 0x58
	VCCPanTilt     = 0x62
	VCCZoom        = 0xB3
)

// VCCLimits are the travel limits of the VC-C50i.
var VCCLimits = Limits{MinPan: -98, MaxPan: 98, MinTilt: -30, MaxTilt: 88, MinZoom: 0, MaxZoom: VCCMaxZoom}

// VCC drives a Canon VC-C50i head.
type VCC struct {
	name string
	link *link
	position
}

// NewVCC wraps an open port. Call Init before use.
func NewVCC(name string, port devport.Port) *VCC {
	return &VCC{name: name, link: newLink(port)}
}

func (c *VCC) Name() string   { return c.name }
func (c *VCC) Type() string   { return "vcc50i" }
func (c *VCC) Limits() Limits { return VCCLimits }

// Init powers the head on, takes host control and centres it.
func (c *VCC) Init(ctx context.Context) error {
	steps := []struct {
		what string
		msg  []byte
	}{
		{"power on", EncodeVCC(VCCPower, '1')},
		{"host control", EncodeVCC(VCCControlMode, '1')},
		{"initialise", EncodeVCC(VCCInit, '0')},
	}
	for _, s := range steps {
		if err := c.command(ctx, s.msg); err != nil {
			return fmt.Errorf("%s: %w", s.what, err)
		}
	}
	if err := c.PanTilt(ctx, 0, 0); err != nil {
		return err
	}
	return c.Zoom(ctx, 0)
}

// PanTilt moves to an absolute position in degrees.
func (c *VCC) PanTilt(ctx context.Context, pan, tilt float64) error {
	pan = clamp(pan, VCCLimits.MinPan, VCCLimits.MaxPan)
	tilt = clamp(tilt, VCCLimits.MinTilt, VCCLimits.MaxTilt)
	if err := c.command(ctx, EncodeVCCPanTilt(pan, tilt)); err != nil {
		return fmt.Errorf("pan/tilt: %w", err)
	}
	c.setPanTilt(pan, tilt)
	return nil
}

// Zoom sets the absolute zoom position.
func (c *VCC) Zoom(ctx context.Context, zoom int) error {
	zoom = clampInt(zoom, VCCLimits.MinZoom, VCCLimits.MaxZoom)
	if err := c.command(ctx, EncodeVCC(VCCZoom, []byte(fmt.Sprintf("%04X", zoom))...)); err != nil {
		return fmt.Errorf("zoom: %w", err)
	}
	c.setZoom(zoom)
	return nil
}

func (c *VCC) command(ctx context.Context, msg []byte) error {
	return c.link.exchange(ctx, msg, func(br *bufio.Reader) error {
		f, err := br.ReadBytes(vccTerm)
		if err != nil {
			return err
		}
		_, err = DecodeVCCReply(f)
		return err
	})
}

func (c *VCC) Close() error { return c.link.Close() }

// EncodeVCC frames a command and its argument bytes.
func EncodeVCC(cmd byte, args ...byte) []byte {
	msg := []byte{vccHeader, 0x30, 0x30, 0x00, cmd}
	msg = append(msg, args...)
	return append(msg, vccTerm)
}

// EncodeVCCPanTilt builds an absolute pan/tilt command.
func EncodeVCCPanTilt(pan, tilt float64) []byte {
	args := fmt.Sprintf("%04X%04X", VCCPosition(pan), VCCPosition(tilt))
	return EncodeVCC(VCCPanTilt, []byte(args)...)
}

// VCCPosition converts degrees to the head's position units.
func VCCPosition(deg float64) int {
	return vccCenter + int(math.Round(deg/vccDegPerPos))
}

// VCCDegrees converts a four digit hex position back to degrees.
func VCCDegrees(hex []byte) (float64, error) {
	v, err := strconv.ParseUint(string(hex), 16, 16)
	if err != nil {
		return 0, err
	}
	return float64(int(v)-vccCenter) * vccDegPerPos, nil
}

// DecodeVCCReply checks a reply frame and returns its data bytes.
func DecodeVCCReply(f []byte) ([]byte, error) {
	if len(f) < 6 || f[0] != vccReply || f[len(f)-1] != vccTerm {
		return nil, fmt.Errorf("malformed reply % X", f)
	}
	if status := string(f[3:5]); status != "00" {
		return nil, fmt.Errorf("camera status %q", status)
	}
	return f[5 : len(f)-1], nil
}

// EncodeVCCReply frames a reply with a two character status.
func EncodeVCCReply(status string, data ...byte) []byte {
	msg := []byte{vccReply, 0x30, 0x30, status[0], status[1]}
	msg = append(msg, data...)
	return append(msg, vccTerm)
}
