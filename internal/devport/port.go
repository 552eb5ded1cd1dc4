// Package devport opens byte-stream links to robot peripherals. A device
// address is either a serial device path (optionally prefixed "serial:") or a
// network endpoint "tcp:host:port" / "udp:host:port", so the same driver can
// talk to real hardware or to a simulator.
package devport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal interface drivers need from a device link.
type Port interface {
	io.ReadWriter
	io.Closer
}

// DeadlinePort is implemented by ports that support read deadlines (network
// links). Drivers use it to bound handshake reads.
type DeadlinePort interface {
	Port
	SetReadDeadline(t time.Time) error
}

// TimeoutPort is implemented by serial ports that support read timeouts.
type TimeoutPort interface {
	Port
	SetReadTimeout(t time.Duration) error
}

// Kind identifies the transport an address resolves to.
type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
	KindUDP    Kind = "udp"
)

// Address is a parsed device address.
type Address struct {
	Kind Kind
	// Target is the device path for serial links and host:port otherwise.
	Target string
}

func (a Address) String() string {
	if a.Kind == KindSerial {
		return a.Target
	}
	return string(a.Kind) + ":" + a.Target
}

// ParseAddress parses a device address string.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty device address")
	}
	kind, rest, found := strings.Cut(s, ":")
	if !found {
		return Address{Kind: KindSerial, Target: s}, nil
	}
	switch Kind(kind) {
	case KindSerial:
		if rest == "" {
			return Address{}, fmt.Errorf("missing serial device in %q", s)
		}
		return Address{Kind: KindSerial, Target: rest}, nil
	case KindTCP, KindUDP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Address{}, fmt.Errorf("invalid %s address %q: %w", kind, rest, err)
		}
		return Address{Kind: Kind(kind), Target: rest}, nil
	default:
		// Windows-style COM paths and anything else with a colon are serial.
		return Address{Kind: KindSerial, Target: s}, nil
	}
}

// SplitAddresses splits a comma separated list of device addresses, dropping
// empty entries.
func SplitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Opener opens a device link. Connectors take an Opener so tests can supply
// in-memory ports.
type Opener func(ctx context.Context, addr string, opts Options) (Port, error)

// Open opens the device at addr. Network links honour ctx for the dial;
// serial links are opened synchronously.
func Open(ctx context.Context, addr string, opts Options) (Port, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	var p Port
	switch a.Kind {
	case KindSerial:
		mode, err := opts.SerialMode()
		if err != nil {
			return nil, err
		}
		sp, err := serial.Open(a.Target, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", a.Target, err)
		}
		p = sp
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, string(a.Kind), a.Target)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", a, err)
		}
		p = conn
	}

	return track(a, opts, p), nil
}

// SetReadTimeout bounds subsequent reads on p when the port supports it. It
// reports whether a timeout could be applied.
func SetReadTimeout(p Port, d time.Duration) bool {
	if t, ok := p.(*trackedPort); ok {
		p = t.Port
	}
	switch tp := p.(type) {
	case TimeoutPort:
		if d <= 0 {
			d = serial.NoTimeout
		}
		return tp.SetReadTimeout(d) == nil
	case DeadlinePort:
		var deadline time.Time
		if d > 0 {
			deadline = time.Now().Add(d)
		}
		return tp.SetReadDeadline(deadline) == nil
	}
	return false
}
