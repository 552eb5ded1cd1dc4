package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/rover/internal/laser"
	"github.com/banshee-data/rover/internal/robot"
)

type fakeDriver struct {
	mu          sync.Mutex
	calls       []string
	moveDone    bool
	headingDone bool
	tasks       map[string]robot.Task
}

func (f *fakeDriver) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return nil
}

// take returns the calls recorded so far and clears them.
func (f *fakeDriver) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls
	f.calls = nil
	return c
}

func (f *fakeDriver) Stop() error                       { return f.record("stop") }
func (f *fakeDriver) SetVel(v float64) error            { return f.record("vel %.0f", v) }
func (f *fakeDriver) SetRotVel(v float64) error         { return f.record("rotvel %.0f", v) }
func (f *fakeDriver) SetTransVelMax(v float64) error    { return f.record("setv %.0f", v) }
func (f *fakeDriver) SetRotVelMax(v float64) error      { return f.record("setrv %.0f", v) }
func (f *fakeDriver) Move(mm float64) error             { return f.record("move %.0f", mm) }
func (f *fakeDriver) SetDeltaHeading(deg float64) error { return f.record("dhead %.0f", deg) }

func (f *fakeDriver) IsMoveDone(float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveDone
}

func (f *fakeDriver) IsHeadingDone(float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headingDone
}

func (f *fakeDriver) AddUserTask(name string, fn robot.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks == nil {
		f.tasks = make(map[string]robot.Task)
	}
	f.tasks[name] = fn
}

func (f *fakeDriver) setDone(move, heading bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveDone, f.headingDone = move, heading
}

type fakeState struct {
	mu sync.Mutex
	st robot.State
}

func (f *fakeState) State() robot.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

type fakeLaser struct {
	name string
	scan laser.Scan
}

func (l *fakeLaser) Name() string                 { return l.name }
func (l *fakeLaser) AbsoluteMaxRange() int        { return 4000 }
func (l *fakeLaser) Readings() laser.Scan         { return l.scan }
func (l *fakeLaser) RunAsync(ctx context.Context) {}
func (l *fakeLaser) Close() error                 { return nil }

type fakeLasers map[int]laser.Laser

func (f fakeLasers) LaserMap() map[int]laser.Laser { return f }

// newModeServer builds a server with the three drive modes and stop as the
// active default.
func newModeServer() (*Server, *fakeDriver, *Mode, *Mode, *JogPositionMode) {
	s := New()
	d := &fakeDriver{}
	ratio := NewRatioDriveMode(s, d, nil)
	stop := NewStopMode(s, d)
	jog := NewJogPositionMode(s, d, nil)
	stop.AddAsDefaultMode()
	if err := stop.Activate(); err != nil {
		panic(err)
	}
	d.take()
	return s, d, stop, ratio, jog
}
