package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/robot"
)

// ErrModeLocked is returned when the active mode refuses to be switched out.
var ErrModeLocked = errors.New("active mode is locked")

// Driver is the robot surface the drive modes use.
type Driver interface {
	Stop() error
	SetVel(mmPerSec float64) error
	SetRotVel(degPerSec float64) error
	SetTransVelMax(mmPerSec float64) error
	SetRotVelMax(degPerSec float64) error
	Move(mm float64) error
	SetDeltaHeading(deg float64) error
	IsMoveDone(tolMM float64) bool
	IsHeadingDone(tolDeg float64) bool
	AddUserTask(name string, fn robot.Task)
}

// Behavior is what a drive mode does. Activate and Deactivate run on mode
// switches; Cycle runs once per robot cycle while the mode is active, with
// the robot locked.
type Behavior interface {
	Activate() error
	Deactivate()
	Cycle()
	Status() string
}

// ModeInfo describes a mode for clients.
type ModeInfo struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Locked bool   `json:"locked"`
	Status string `json:"status,omitempty"`
}

// ModeSet holds the registered drive modes. At most one is active.
type ModeSet struct {
	srv *Server

	mu         sync.Mutex
	modes      []*Mode
	active     *Mode
	def        *Mode
	locked     bool
	unlockable bool
	onActivate []func(name string)
}

// Mode is a registered drive mode.
type Mode struct {
	set  *ModeSet
	name string
	b    Behavior

	cbMu          sync.Mutex
	activateCBs   []func()
	deactivateCBs []func()
}

func newModeSet(s *Server) *ModeSet { return &ModeSet{srv: s} }

// Add registers a mode. Adding a name twice returns the mode already
// registered.
func (ms *ModeSet) Add(name string, b Behavior) *Mode {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, m := range ms.modes {
		if m.name == name {
			return m
		}
	}
	m := &Mode{set: ms, name: name, b: b}
	ms.modes = append(ms.modes, m)
	return m
}

// Find returns a mode by name.
func (ms *ModeSet) Find(name string) (*Mode, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, m := range ms.modes {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}

// Active returns the active mode, or nil.
func (ms *ModeSet) Active() *Mode {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.active
}

// Default returns the default mode, or nil.
func (ms *ModeSet) Default() *Mode {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.def
}

// OnActivate registers a hook called with the mode name on every activation.
func (ms *ModeSet) OnActivate(fn func(name string)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.onActivate = append(ms.onActivate, fn)
}

// List describes every mode in registration order.
func (ms *ModeSet) List() []ModeInfo {
	ms.mu.Lock()
	modes := append([]*Mode(nil), ms.modes...)
	active, locked := ms.active, ms.locked
	ms.mu.Unlock()

	out := make([]ModeInfo, len(modes))
	for i, m := range modes {
		out[i] = ModeInfo{Name: m.name, Active: m == active, Locked: m == active && locked}
		if m == active {
			out[i].Status = m.b.Status()
		}
	}
	return out
}

// Cycle runs the active mode's per-cycle work. The server registers it as a
// robot user task through AttachRobot.
func (ms *ModeSet) Cycle() {
	if m := ms.Active(); m != nil {
		m.b.Cycle()
	}
}

// AttachRobot runs the mode set's cycle as a robot user task.
func (ms *ModeSet) AttachRobot(d Driver) {
	d.AddUserTask("server modes", ms.Cycle)
}

func (ms *ModeSet) register() {
	ms.srv.AddData("listModes", "lists the drive modes and the active one", func(context.Context, json.RawMessage) (any, error) {
		return ms.List(), nil
	})
	ms.srv.AddCommand("switchMode", "activates the named drive mode", func(_ context.Context, args json.RawMessage) (any, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		m, ok := ms.Find(req.Name)
		if !ok {
			return nil, fmt.Errorf("%w: no mode %q", ErrBadArguments, req.Name)
		}
		if err := m.Activate(); err != nil {
			return nil, err
		}
		return ms.List(), nil
	})
}

func (m *Mode) Name() string { return m.name }

// Status returns the behaviour's status line.
func (m *Mode) Status() string { return m.b.Status() }

// IsActive reports whether m is the active mode.
func (m *Mode) IsActive() bool { return m.set.Active() == m }

// AddAsDefaultMode makes m the mode that activates whenever the active mode
// deactivates.
func (m *Mode) AddAsDefaultMode() {
	m.set.mu.Lock()
	defer m.set.mu.Unlock()
	m.set.def = m
}

// AddActivateCallback registers fn to run after each activation of m.
func (m *Mode) AddActivateCallback(fn func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.activateCBs = append(m.activateCBs, fn)
}

// AddDeactivateCallback registers fn to run after each deactivation of m.
func (m *Mode) AddDeactivateCallback(fn func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.deactivateCBs = append(m.deactivateCBs, fn)
}

// Activate makes m the active mode, deactivating the current one. It fails
// with ErrModeLocked when the current mode is locked and not willing to
// unlock.
func (m *Mode) Activate() error {
	ms := m.set
	ms.mu.Lock()
	prev := ms.active
	if prev == m {
		ms.mu.Unlock()
		return nil
	}
	if prev != nil && ms.locked {
		if !ms.unlockable {
			ms.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrModeLocked, prev.name)
		}
		monitoring.Logf("mode %s unlocked for %s", prev.name, m.name)
	}
	ms.locked, ms.unlockable = false, false
	ms.active = m
	hooks := append(([]func(string))(nil), ms.onActivate...)
	ms.mu.Unlock()

	if prev != nil {
		prev.b.Deactivate()
		prev.runCallbacks(false)
	}
	if err := m.b.Activate(); err != nil {
		ms.mu.Lock()
		if ms.active == m {
			ms.active = nil
		}
		ms.mu.Unlock()
		m.activateDefault()
		return fmt.Errorf("activate %s: %w", m.name, err)
	}
	monitoring.Logf("mode %s activated", m.name)
	m.runCallbacks(true)
	for _, h := range hooks {
		h(m.name)
	}
	return nil
}

// Deactivate deactivates m if it is active, then activates the default mode
// unless m is the default.
func (m *Mode) Deactivate() {
	ms := m.set
	ms.mu.Lock()
	if ms.active != m {
		ms.mu.Unlock()
		return
	}
	ms.active = nil
	ms.locked, ms.unlockable = false, false
	ms.mu.Unlock()

	m.b.Deactivate()
	m.runCallbacks(false)
	monitoring.Logf("mode %s deactivated", m.name)
	m.activateDefault()
}

func (m *Mode) activateDefault() {
	def := m.set.Default()
	if def == nil || def == m {
		return
	}
	if err := def.Activate(); err != nil {
		monitoring.Logf("could not activate default mode %s: %v", def.name, err)
	}
}

// LockMode refuses switches away from m while it is active. With
// willUnlockIfRequested, a switch request unlocks and proceeds instead.
func (m *Mode) LockMode(willUnlockIfRequested bool) error {
	ms := m.set
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.active != m {
		return fmt.Errorf("mode %s is not active", m.name)
	}
	ms.locked, ms.unlockable = true, willUnlockIfRequested
	return nil
}

// UnlockMode releases a lock taken by LockMode.
func (m *Mode) UnlockMode() {
	ms := m.set
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.active == m {
		ms.locked, ms.unlockable = false, false
	}
}

// IsLocked reports whether m is active and locked.
func (m *Mode) IsLocked() bool {
	ms := m.set
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.active == m && ms.locked
}

func (m *Mode) runCallbacks(activate bool) {
	m.cbMu.Lock()
	cbs := m.deactivateCBs
	if activate {
		cbs = m.activateCBs
	}
	cbs = append(([]func())(nil), cbs...)
	m.cbMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
