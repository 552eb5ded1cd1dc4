package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/monitoring"
)

// Completion tolerances for jog moves.
const (
	jogDistanceTol = 10.0 // mm
	jogHeadingTol  = 2.0  // deg
)

// Jog is a relative position request. Exactly one field is set.
type Jog struct {
	DistanceMM *float64 `json:"distance_mm,omitempty"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
}

type jogMode struct {
	d    Driver
	cfg  *config.RobotConfig
	mode *Mode

	mu        sync.Mutex
	pending   *Jog
	executing *Jog
	status    string
}

// JogPositionMode moves the robot by bounded relative distances or turns.
type JogPositionMode struct {
	*Mode
	b *jogMode
}

// NewJogPositionMode registers the jog position mode and its "jogPosition"
// command.
func NewJogPositionMode(s *Server, d Driver, cfg *config.RobotConfig) *JogPositionMode {
	if cfg == nil {
		cfg = config.EmptyRobotConfig()
	}
	b := &jogMode{d: d, cfg: cfg, status: "Ready"}
	m := s.Modes().Add("jogPosition", b)
	b.mode = m
	s.AddCommand("jogPosition", "moves by a relative distance or heading: {distance_mm} or {heading_deg}", func(_ context.Context, args json.RawMessage) (any, error) {
		var req Jog
		if err := DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		req, err := b.bound(req)
		if err != nil {
			return nil, err
		}
		if err := m.Activate(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.pending = &req
		b.mu.Unlock()
		return req, nil
	})
	return &JogPositionMode{Mode: m, b: b}
}

// bound checks exactly one target is given and clamps it to the limits.
func (b *jogMode) bound(req Jog) (Jog, error) {
	if (req.DistanceMM == nil) == (req.HeadingDeg == nil) {
		return req, fmt.Errorf("%w: give exactly one of distance_mm and heading_deg", ErrBadArguments)
	}
	if req.DistanceMM != nil {
		v := clampAbs(*req.DistanceMM, b.cfg.GetJogMaxDistance())
		req.DistanceMM = &v
	} else {
		v := clampAbs(*req.HeadingDeg, b.cfg.GetJogMaxHeading())
		req.HeadingDeg = &v
	}
	return req, nil
}

func clampAbs(v, limit float64) float64 {
	return max(-limit, min(limit, v))
}

// AddToConfig publishes the jog parameters in reg.
func (j *JogPositionMode) AddToConfig(reg *config.Registry) {
	cfg := j.b.cfg
	reg.AddSection("jog position", func() []config.Param {
		return []config.Param{
			{Name: "max_distance", Value: cfg.GetJogMaxDistance(), Description: "largest single move (mm)"},
			{Name: "max_heading", Value: cfg.GetJogMaxHeading(), Description: "largest single turn (deg)"},
			{Name: "trans_vel", Value: cfg.GetJogTransVel(), Description: "move velocity (mm/s)"},
			{Name: "rot_vel", Value: cfg.GetJogRotVel(), Description: "turn velocity (deg/s)"},
		}
	})
}

func (b *jogMode) Activate() error {
	b.mu.Lock()
	b.pending, b.executing, b.status = nil, nil, "Ready"
	b.mu.Unlock()
	if err := b.d.Stop(); err != nil {
		return err
	}
	if err := b.d.SetTransVelMax(b.cfg.GetJogTransVel()); err != nil {
		return err
	}
	return b.d.SetRotVelMax(b.cfg.GetJogRotVel())
}

func (b *jogMode) Deactivate() {
	b.mu.Lock()
	moving := b.executing != nil
	b.pending, b.executing = nil, nil
	b.mu.Unlock()
	if moving {
		if err := b.d.Stop(); err != nil {
			monitoring.Logf("jog position: %v", err)
		}
	}
}

func (b *jogMode) Cycle() {
	b.mu.Lock()
	next := b.pending
	b.pending = nil
	current := b.executing
	b.mu.Unlock()

	if next != nil {
		b.start(*next)
		return
	}
	if current == nil {
		return
	}
	var done bool
	if current.DistanceMM != nil {
		done = b.d.IsMoveDone(jogDistanceTol)
	} else {
		done = b.d.IsHeadingDone(jogHeadingTol)
	}
	if !done {
		return
	}
	b.mu.Lock()
	if b.executing == current {
		b.executing = nil
		b.status = "Jog done"
	}
	b.mu.Unlock()
	b.mode.UnlockMode()
}

func (b *jogMode) start(j Jog) {
	var err error
	var status string
	if j.DistanceMM != nil {
		err = b.d.Move(*j.DistanceMM)
		status = fmt.Sprintf("Moving %.0f mm", *j.DistanceMM)
	} else {
		err = b.d.SetDeltaHeading(*j.HeadingDeg)
		status = fmt.Sprintf("Turning %.0f deg", *j.HeadingDeg)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.status = "Failed: " + err.Error()
		monitoring.Logf("jog position: %v", err)
		return
	}
	b.executing = &j
	b.status = status
	if err := b.mode.LockMode(true); err != nil {
		monitoring.Logf("jog position: %v", err)
	}
}

func (b *jogMode) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}
