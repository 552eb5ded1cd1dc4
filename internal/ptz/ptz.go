// Package ptz drives pan-tilt-zoom camera heads over serial or network links.
package ptz

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/devport"
)

// ErrNoDevice is returned by the connector when no PTZ port is configured.
var ErrNoDevice = errors.New("no PTZ device configured")

// DefaultTimeout bounds each command exchange.
const DefaultTimeout = 2 * time.Second

// Limits are the travel limits of a head, in degrees and zoom units.
type Limits struct {
	MinPan  float64 `json:"min_pan"`
	MaxPan  float64 `json:"max_pan"`
	MinTilt float64 `json:"min_tilt"`
	MaxTilt float64 `json:"max_tilt"`
	MinZoom int     `json:"min_zoom"`
	MaxZoom int     `json:"max_zoom"`
}

// Status is the last commanded position of a head.
type Status struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Pan    float64 `json:"pan"`
	Tilt   float64 `json:"tilt"`
	Zoom   int     `json:"zoom"`
	Limits Limits  `json:"limits"`
}

// PTZ is a connected camera head. Positions are the last commanded values,
// clamped to the head's limits.
type PTZ interface {
	Name() string
	Type() string
	Init(ctx context.Context) error
	PanTilt(ctx context.Context, pan, tilt float64) error
	Zoom(ctx context.Context, zoom int) error
	Pan() float64
	Tilt() float64
	GetZoom() int
	Limits() Limits
	Close() error
}

// StatusOf collects the position and limits of p.
func StatusOf(p PTZ) Status {
	return Status{
		Name:   p.Name(),
		Type:   p.Type(),
		Pan:    p.Pan(),
		Tilt:   p.Tilt(),
		Zoom:   p.GetZoom(),
		Limits: p.Limits(),
	}
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func clampInt(v, lo, hi int) int { return max(lo, min(hi, v)) }

// position holds the commanded pan, tilt and zoom shared by the drivers.
type position struct {
	mu   sync.RWMutex
	pan  float64
	tilt float64
	zoom int
}

func (p *position) Pan() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pan
}

func (p *position) Tilt() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tilt
}

func (p *position) GetZoom() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.zoom
}

func (p *position) setPanTilt(pan, tilt float64) {
	p.mu.Lock()
	p.pan, p.tilt = pan, tilt
	p.mu.Unlock()
}

func (p *position) setZoom(z int) {
	p.mu.Lock()
	p.zoom = z
	p.mu.Unlock()
}

// link serialises command exchanges on a port. A reply that does not arrive
// in time closes the port, since the byte stream is then out of step.
type link struct {
	port    devport.Port
	br      *bufio.Reader
	mu      sync.Mutex
	timeout time.Duration
	broken  bool
}

func newLink(port devport.Port) *link {
	return &link{port: port, br: bufio.NewReader(port), timeout: DefaultTimeout}
}

// exchange writes req and runs read on the reply stream.
func (l *link) exchange(ctx context.Context, req []byte, read func(*bufio.Reader) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return errors.New("ptz link closed")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if _, err := l.port.Write(req); err != nil {
			done <- err
			return
		}
		if read == nil {
			done <- nil
			return
		}
		done <- read(l.br)
	}()

	select {
	case <-ctx.Done():
		l.broken = true
		_ = l.port.Close()
		return fmt.Errorf("no reply: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return nil
	}
	l.broken = true
	return l.port.Close()
}
