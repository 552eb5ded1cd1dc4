package robot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

/*
P2OS controller packets

Every packet in either direction has the same framing:

	0xFA 0xFB <count> <type> [payload ...] <chk hi> <chk lo>

count is the number of bytes that follow it, the two checksum bytes
included. The checksum runs over type and payload: bytes are summed as
big-endian pairs into a 16-bit accumulator and, when the length is odd, the
final byte is XOR'ed into the low byte.

Client commands carry at most one argument, introduced by a type byte:
0x3B for a positive integer, 0x1B for a negative integer (both followed by
the magnitude as two little-endian bytes) and 0x2B for a length-prefixed
string.
*/

const (
	header0 = 0xFA
	header1 = 0xFB

	argPosInt = 0x3B // positive 16-bit integer argument
	argNegInt = 0x1B // negative 16-bit integer argument (magnitude follows)
	argString = 0x2B // length-prefixed string argument

	maxCount = 200 // largest count byte the controller will send or accept
)

// Command is a client command number.
type Command byte

// Command numbers. The three sync commands share values with PULSE, OPEN and
// CLOSE; the controller tells them apart by connection phase.
const (
	CmdSync0  Command = 0
	CmdSync1  Command = 1
	CmdSync2  Command = 2
	CmdPulse  Command = 0
	CmdOpen   Command = 1
	CmdClose  Command = 2
	CmdEnable Command = 4
	CmdSetV   Command = 6
	CmdSetO   Command = 7
	CmdMove   Command = 8
	CmdSetRV  Command = 10
	CmdVel    Command = 11
	CmdHead   Command = 12
	CmdDHead  Command = 13
	CmdRVel   Command = 21
	CmdStop   Command = 29
	CmdVel2   Command = 32
	CmdEStop  Command = 55
)

// ErrChecksum is returned by ReadPacket when a frame fails verification.
var ErrChecksum = errors.New("packet checksum mismatch")

// Packet is a single decoded frame: its type (command number on the way in,
// packet type on the way out) and the payload between type and checksum.
type Packet struct {
	Type byte
	Data []byte
}

// NewCommand builds a command packet without argument.
func NewCommand(cmd Command) Packet {
	return Packet{Type: byte(cmd)}
}

// NewIntCommand builds a command packet with a signed integer argument. The
// magnitude is clamped to 16 bits.
func NewIntCommand(cmd Command, v int) Packet {
	argType := byte(argPosInt)
	if v < 0 {
		argType = argNegInt
		v = -v
	}
	if v > 0xFFFF {
		v = 0xFFFF
	}
	return Packet{Type: byte(cmd), Data: []byte{argType, byte(v), byte(v >> 8)}}
}

// NewStringCommand builds a command packet with a string argument.
func NewStringCommand(cmd Command, s string) Packet {
	if len(s) > maxCount-6 {
		s = s[:maxCount-6]
	}
	data := make([]byte, 0, len(s)+2)
	data = append(data, argString, byte(len(s)))
	data = append(data, s...)
	return Packet{Type: byte(cmd), Data: data}
}

// IntArg returns the integer argument of a command packet.
func (p Packet) IntArg() (int, bool) {
	if len(p.Data) != 3 {
		return 0, false
	}
	v := int(p.Data[1]) | int(p.Data[2])<<8
	switch p.Data[0] {
	case argPosInt:
		return v, true
	case argNegInt:
		return -v, true
	}
	return 0, false
}

// StringArg returns the string argument of a command packet.
func (p Packet) StringArg() (string, bool) {
	if len(p.Data) < 2 || p.Data[0] != argString {
		return "", false
	}
	n := int(p.Data[1])
	if len(p.Data) < 2+n {
		return "", false
	}
	return string(p.Data[2 : 2+n]), true
}

// Checksum computes the frame checksum over b (type byte and payload).
func Checksum(b []byte) uint16 {
	var c uint16
	n := len(b)
	i := 0
	for ; n > 1; n -= 2 {
		c += uint16(b[i])<<8 | uint16(b[i+1])
		i += 2
	}
	if n > 0 {
		c ^= uint16(b[i])
	}
	return c
}

// MarshalBinary encodes the packet with header, count and checksum.
func (p Packet) MarshalBinary() ([]byte, error) {
	count := 1 + len(p.Data) + 2
	if count > maxCount {
		return nil, fmt.Errorf("packet too long: %d bytes", count)
	}
	buf := make([]byte, 0, 3+count)
	buf = append(buf, header0, header1, byte(count), p.Type)
	buf = append(buf, p.Data...)
	chk := Checksum(buf[3:])
	buf = append(buf, byte(chk>>8), byte(chk))
	return buf, nil
}

// ReadPacket reads the next frame from r. Bytes before a header are
// discarded. A frame whose checksum does not match is consumed and reported
// as ErrChecksum so the caller can resume on the next frame.
func ReadPacket(r *bufio.Reader) (Packet, error) {
	if err := syncHeader(r); err != nil {
		return Packet{}, err
	}
	count, err := r.ReadByte()
	if err != nil {
		return Packet{}, err
	}
	if count < 3 || count > maxCount {
		return Packet{}, fmt.Errorf("invalid packet count %d", count)
	}
	body := make([]byte, count)
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, err
	}
	payload := body[:count-2]
	want := uint16(body[count-2])<<8 | uint16(body[count-1])
	if got := Checksum(payload); got != want {
		return Packet{}, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrChecksum, got, want)
	}
	p := Packet{Type: payload[0]}
	if len(payload) > 1 {
		p.Data = append([]byte(nil), payload[1:]...)
	}
	return p, nil
}

func syncHeader(r *bufio.Reader) error {
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if prev == header0 && b == header1 {
			return nil
		}
		prev = b
	}
}

// WritePacket encodes p and writes it to w in a single call.
func WritePacket(w io.Writer, p Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
