package robot

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SIP packet types sent by the controller once the connection is open.
const (
	SIPStopped byte = 0x32
	SIPMoving  byte = 0x33
)

const (
	sipMinLen = 19 // fixed part of a standard SIP, up to and including the sonar count

	posMask    = 0x7FFF             // x and y are 15-bit wrapping counters
	angleConv  = 2 * math.Pi / 4096 // radians per heading unit
	battConv   = 0.1                // volts per battery unit
	flagMotors = 0x0001
)

// DiffConvFactor converts half the wheel velocity difference (mm/s) into a
// rotational velocity (rad/s) for the default differential drive base.
const DiffConvFactor = 0.0056

// SIP is a decoded standard server information packet.
type SIP struct {
	Moving   bool
	XPos     uint16 // raw 15-bit x position, mm
	YPos     uint16 // raw 15-bit y position, mm
	Th       int16  // heading in 2π/4096 units
	LeftVel  int16  // mm/s
	RightVel int16  // mm/s
	Battery  uint8  // tenths of a volt
	Stall    uint16 // stall and bumper bits
	Control  int16
	Flags    uint16
	Compass  uint8
}

// IsSIP reports whether a packet type is a standard SIP.
func IsSIP(t byte) bool { return t == SIPStopped || t == SIPMoving }

// DecodeSIP decodes a standard SIP. Fields past the sonar count are ignored.
func DecodeSIP(p Packet) (SIP, error) {
	if !IsSIP(p.Type) {
		return SIP{}, fmt.Errorf("packet type 0x%02x is not a SIP", p.Type)
	}
	d := p.Data
	if len(d) < sipMinLen {
		return SIP{}, fmt.Errorf("short SIP: %d bytes, want at least %d", len(d), sipMinLen)
	}
	le := binary.LittleEndian
	return SIP{
		Moving:   p.Type == SIPMoving,
		XPos:     le.Uint16(d[0:]) & posMask,
		YPos:     le.Uint16(d[2:]) & posMask,
		Th:       int16(le.Uint16(d[4:])),
		LeftVel:  int16(le.Uint16(d[6:])),
		RightVel: int16(le.Uint16(d[8:])),
		Battery:  d[10],
		Stall:    le.Uint16(d[11:]),
		Control:  int16(le.Uint16(d[13:])),
		Flags:    le.Uint16(d[15:]),
		Compass:  d[17],
	}, nil
}

// Packet encodes the SIP in the controller's wire layout with no sonar
// readings.
func (s SIP) Packet() Packet {
	d := make([]byte, sipMinLen)
	le := binary.LittleEndian
	le.PutUint16(d[0:], s.XPos&posMask)
	le.PutUint16(d[2:], s.YPos&posMask)
	le.PutUint16(d[4:], uint16(s.Th))
	le.PutUint16(d[6:], uint16(s.LeftVel))
	le.PutUint16(d[8:], uint16(s.RightVel))
	d[10] = s.Battery
	le.PutUint16(d[11:], s.Stall)
	le.PutUint16(d[13:], uint16(s.Control))
	le.PutUint16(d[15:], s.Flags)
	d[17] = s.Compass
	t := SIPStopped
	if s.Moving {
		t = SIPMoving
	}
	return Packet{Type: t, Data: d}
}

// MotorsEnabled reports the motor state flag.
func (s SIP) MotorsEnabled() bool { return s.Flags&flagMotors != 0 }

// Stalled reports whether either wheel stall bit is set.
func (s SIP) Stalled() bool { return s.Stall&0x0001 != 0 || s.Stall&0x0100 != 0 }

// HeadingDeg returns the heading in degrees, normalised to (-180, 180].
func (s SIP) HeadingDeg() float64 {
	return normaliseDeg(float64(s.Th) * angleConv * 180 / math.Pi)
}

// Voltage returns the battery voltage.
func (s SIP) Voltage() float64 { return float64(s.Battery) * battConv }

// Vel returns the translational velocity in mm/s.
func (s SIP) Vel() float64 { return (float64(s.LeftVel) + float64(s.RightVel)) / 2 }

// RotVel returns the rotational velocity in deg/s.
func (s SIP) RotVel() float64 {
	return (float64(s.RightVel) - float64(s.LeftVel)) / 2 * DiffConvFactor * 180 / math.Pi
}

// HeadingUnits converts degrees into the controller's heading units.
func HeadingUnits(deg float64) int16 {
	return int16(math.Round(normaliseDeg(deg) * math.Pi / 180 / angleConv))
}

// posDelta returns the signed change between two 15-bit counter readings.
func posDelta(prev, cur uint16) int {
	d := int(cur&posMask) - int(prev&posMask)
	if d > posMask/2 {
		d -= posMask + 1
	} else if d < -posMask/2 {
		d += posMask + 1
	}
	return d
}

func normaliseDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}
