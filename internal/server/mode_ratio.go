package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

// RatioDrive is a drive request. Trans and Rot are percentages of the
// configured maximum velocities; Throttle scales both and defaults to 100.
type RatioDrive struct {
	Trans    float64  `json:"trans"`
	Rot      float64  `json:"rot"`
	Throttle *float64 `json:"throttle,omitempty"`
}

// Validate checks the ratios are in range.
func (r RatioDrive) Validate() error {
	if r.Trans < -100 || r.Trans > 100 {
		return fmt.Errorf("%w: trans %v outside [-100,100]", ErrBadArguments, r.Trans)
	}
	if r.Rot < -100 || r.Rot > 100 {
		return fmt.Errorf("%w: rot %v outside [-100,100]", ErrBadArguments, r.Rot)
	}
	if r.Throttle != nil && (*r.Throttle < 0 || *r.Throttle > 100) {
		return fmt.Errorf("%w: throttle %v outside [0,100]", ErrBadArguments, *r.Throttle)
	}
	return nil
}

type ratioMode struct {
	d     Driver
	cfg   *config.RobotConfig
	clock timeutil.Clock

	mu       sync.Mutex
	vel      float64
	rotVel   float64
	last     time.Time
	driving  bool
	timedOut bool
}

// NewRatioDriveMode registers the ratio drive mode and its "ratioDrive"
// command. The robot stops when no command arrives within the configured
// timeout.
func NewRatioDriveMode(s *Server, d Driver, cfg *config.RobotConfig) *Mode {
	if cfg == nil {
		cfg = config.EmptyRobotConfig()
	}
	b := &ratioMode{d: d, cfg: cfg, clock: s.Clock}
	m := s.Modes().Add("ratioDrive", b)
	s.AddCommand("ratioDrive", "drives by percentage of max velocities: {trans, rot, throttle}", func(_ context.Context, args json.RawMessage) (any, error) {
		var req RatioDrive
		if err := DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		if err := m.Activate(); err != nil {
			return nil, err
		}
		b.set(req)
		return nil, nil
	})
	return m
}

func (b *ratioMode) set(req RatioDrive) {
	throttle := 100.0
	if req.Throttle != nil {
		throttle = *req.Throttle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vel = req.Trans / 100 * throttle / 100 * b.cfg.GetRatioDriveMaxTransVel()
	b.rotVel = req.Rot / 100 * throttle / 100 * b.cfg.GetRatioDriveMaxRotVel()
	b.last = b.clock.Now()
	b.driving = true
	b.timedOut = false
}

func (b *ratioMode) Activate() error {
	b.mu.Lock()
	b.vel, b.rotVel, b.driving, b.timedOut = 0, 0, false, false
	b.mu.Unlock()
	return b.d.Stop()
}

func (b *ratioMode) Deactivate() {
	b.mu.Lock()
	b.driving = false
	b.mu.Unlock()
	if err := b.d.Stop(); err != nil {
		monitoring.Logf("ratio drive: %v", err)
	}
}

func (b *ratioMode) Cycle() {
	b.mu.Lock()
	if !b.driving {
		b.mu.Unlock()
		return
	}
	if b.clock.Now().Sub(b.last) > b.cfg.GetRatioDriveTimeout() {
		b.driving, b.timedOut = false, true
		b.vel, b.rotVel = 0, 0
		b.mu.Unlock()
		monitoring.Logf("ratio drive: no command for %v, stopping", b.cfg.GetRatioDriveTimeout())
		if err := b.d.Stop(); err != nil {
			monitoring.Logf("ratio drive: %v", err)
		}
		return
	}
	vel, rotVel := b.vel, b.rotVel
	b.mu.Unlock()

	if err := b.d.SetVel(vel); err != nil {
		monitoring.Logf("ratio drive: %v", err)
		return
	}
	if err := b.d.SetRotVel(rotVel); err != nil {
		monitoring.Logf("ratio drive: %v", err)
	}
}

func (b *ratioMode) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.driving:
		return fmt.Sprintf("Driving %.0f mm/s %.0f deg/s", b.vel, b.rotVel)
	case b.timedOut:
		return "Stopped: command timeout"
	default:
		return "Stopped"
	}
}
