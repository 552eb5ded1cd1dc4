// Package robot drives a P2OS-style mobile robot controller: it performs the
// connection handshake, runs the control loop that consumes server
// information packets, and sends motion commands.
package robot

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/rover/internal/laser"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

// Loop timing defaults.
const (
	DefaultCycleTime     = 100 * time.Millisecond
	DefaultPulseInterval = time.Second
	DefaultWatchdogTime  = 2 * time.Second
)

// vel2Divisor is the wheel velocity unit of the VEL2 command, in mm/s.
const vel2Divisor = 20

// State is a snapshot of what the controller last reported.
type State struct {
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Subtype       string    `json:"subtype"`
	Connected     bool      `json:"connected"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Th            float64   `json:"th"`
	Vel           float64   `json:"vel"`
	RotVel        float64   `json:"rot_vel"`
	LeftVel       float64   `json:"left_vel"`
	RightVel      float64   `json:"right_vel"`
	Battery       float64   `json:"battery"`
	MotorsEnabled bool      `json:"motors_enabled"`
	Stalled       bool      `json:"stalled"`
	Moving        bool      `json:"moving"`
	SIPCount      uint64    `json:"sip_count"`
	LastSIP       time.Time `json:"last_sip"`
	WatchdogFired bool      `json:"watchdog_fired"`
}

// Task is a function run once per control cycle.
type Task func()

type namedTask struct {
	name string
	fn   Task
}

// Robot is a connected controller. Lock and Unlock exclude the control
// loop's per-cycle task processing; command methods may be called with or
// without the lock held. Tasks run with the lock held and must not call
// Lock.
type Robot struct {
	mu sync.Mutex

	link  *link
	clock timeutil.Clock

	cycleTime     time.Duration
	pulseInterval time.Duration
	watchdogTime  time.Duration

	stateMu  sync.RWMutex
	state    State
	lastSIP  SIP
	haveSIP  bool
	lastSend time.Time
	move     moveTarget
	heading  headingTarget

	taskMu      sync.Mutex
	sensorTasks []namedTask
	userTasks   []namedTask

	laserMu sync.RWMutex
	lasers  map[int]laser.Laser

	running        atomic.Bool
	disconnectOnce sync.Once
	disconnectErr  error
}

type moveTarget struct {
	active       bool
	fromX, fromY float64
	dist         float64
}

type headingTarget struct {
	active bool
	th     float64
}

func newRobot(l *link, id identity, clock timeutil.Clock) *Robot {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Robot{
		link:          l,
		clock:         clock,
		cycleTime:     DefaultCycleTime,
		pulseInterval: DefaultPulseInterval,
		watchdogTime:  DefaultWatchdogTime,
		state: State{
			Name:      id.Name,
			Type:      id.Type,
			Subtype:   id.Subtype,
			Connected: true,
			LastSIP:   now,
		},
		lastSend: now,
		lasers:   make(map[int]laser.Laser),
	}
}

// Lock acquires the robot lock.
func (r *Robot) Lock() { r.mu.Lock() }

// Unlock releases the robot lock.
func (r *Robot) Unlock() { r.mu.Unlock() }

// State returns a copy of the current state.
func (r *Robot) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// IsConnected reports whether the controller link is open.
func (r *Robot) IsConnected() bool { return r.State().Connected }

// RunAsync starts the control loop on its own goroutine. Only the first call
// has any effect.
func (r *Robot) RunAsync(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("robot control loop stopped: %v", err)
		}
	}()
}

// Run executes the control loop until ctx is done or the link closes.
func (r *Robot) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("robot control loop already running")
	}
	return r.run(ctx)
}

func (r *Robot) run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cycleTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-r.link.packets:
			if !ok {
				r.stateMu.Lock()
				r.state.Connected = false
				r.stateMu.Unlock()
				if r.link.err != nil {
					return fmt.Errorf("robot link lost: %w", r.link.err)
				}
				return errors.New("robot link lost")
			}
			r.handlePacket(p)
		case <-ticker.C():
			r.cycle()
		}
	}
}

func (r *Robot) handlePacket(p Packet) {
	if !IsSIP(p.Type) {
		return
	}
	sip, err := DecodeSIP(p)
	if err != nil {
		monitoring.Logf("robot: %v", err)
		return
	}

	r.stateMu.Lock()
	s := &r.state
	if r.haveSIP {
		s.X += float64(posDelta(r.lastSIP.XPos, sip.XPos))
		s.Y += float64(posDelta(r.lastSIP.YPos, sip.YPos))
	} else {
		s.X = float64(sip.XPos)
		s.Y = float64(sip.YPos)
	}
	r.lastSIP = sip
	r.haveSIP = true
	s.Th = sip.HeadingDeg()
	s.LeftVel = float64(sip.LeftVel)
	s.RightVel = float64(sip.RightVel)
	s.Vel = sip.Vel()
	s.RotVel = sip.RotVel()
	s.Battery = sip.Voltage()
	s.MotorsEnabled = sip.MotorsEnabled()
	s.Stalled = sip.Stalled()
	s.Moving = sip.Moving
	s.SIPCount++
	s.LastSIP = r.clock.Now()
	if s.WatchdogFired {
		monitoring.Logf("robot: SIPs resumed")
		s.WatchdogFired = false
	}
	r.stateMu.Unlock()
}

// cycle runs the once-per-period work: watchdog, keepalive and tasks.
func (r *Robot) cycle() {
	now := r.clock.Now()

	r.stateMu.Lock()
	if !r.state.WatchdogFired && now.Sub(r.state.LastSIP) >= r.watchdogTime {
		r.state.WatchdogFired = true
		monitoring.Logf("robot: no SIP received for %s", now.Sub(r.state.LastSIP).Round(time.Millisecond))
	}
	needPulse := now.Sub(r.lastSend) >= r.pulseInterval
	r.stateMu.Unlock()

	if needPulse {
		if err := r.send(NewCommand(CmdPulse)); err != nil {
			monitoring.Logf("robot: pulse failed: %v", err)
		}
	}

	r.taskMu.Lock()
	tasks := make([]namedTask, 0, len(r.sensorTasks)+len(r.userTasks))
	tasks = append(tasks, r.sensorTasks...)
	tasks = append(tasks, r.userTasks...)
	r.taskMu.Unlock()

	r.mu.Lock()
	for _, t := range tasks {
		t.fn()
	}
	r.mu.Unlock()
}

// AddSensorInterpTask registers a task run each cycle before user tasks.
func (r *Robot) AddSensorInterpTask(name string, fn Task) {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	r.sensorTasks = addTask(r.sensorTasks, name, fn)
}

// AddUserTask registers a task run each cycle after sensor tasks. A task
// with the same name is replaced.
func (r *Robot) AddUserTask(name string, fn Task) {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	r.userTasks = addTask(r.userTasks, name, fn)
}

// RemoveUserTask removes a user task by name.
func (r *Robot) RemoveUserTask(name string) {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	r.userTasks = removeTask(r.userTasks, name)
}

// RemoveSensorInterpTask removes a sensor task by name.
func (r *Robot) RemoveSensorInterpTask(name string) {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	r.sensorTasks = removeTask(r.sensorTasks, name)
}

// UserTasks returns the registered user task names in run order.
func (r *Robot) UserTasks() []string {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	names := make([]string, len(r.userTasks))
	for i, t := range r.userTasks {
		names[i] = t.name
	}
	return names
}

func addTask(list []namedTask, name string, fn Task) []namedTask {
	for i := range list {
		if list[i].name == name {
			list[i].fn = fn
			return list
		}
	}
	return append(list, namedTask{name: name, fn: fn})
}

func removeTask(list []namedTask, name string) []namedTask {
	out := list[:0]
	for _, t := range list {
		if t.name != name {
			out = append(out, t)
		}
	}
	return out
}

func (r *Robot) send(p Packet) error {
	if err := r.link.send(p); err != nil {
		return err
	}
	r.stateMu.Lock()
	r.lastSend = r.clock.Now()
	r.stateMu.Unlock()
	return nil
}

// EnableMotors asks the controller to enable the motors.
func (r *Robot) EnableMotors() error { return r.send(NewIntCommand(CmdEnable, 1)) }

// DisableMotors asks the controller to disable the motors.
func (r *Robot) DisableMotors() error { return r.send(NewIntCommand(CmdEnable, 0)) }

// SetVel sets the translational velocity in mm/s.
func (r *Robot) SetVel(mmPerSec float64) error {
	r.clearTargets()
	return r.send(NewIntCommand(CmdVel, int(math.Round(mmPerSec))))
}

// SetRotVel sets the rotational velocity in deg/s.
func (r *Robot) SetRotVel(degPerSec float64) error {
	r.clearTargets()
	return r.send(NewIntCommand(CmdRVel, int(math.Round(degPerSec))))
}

// SetVel2 sets independent wheel velocities in mm/s. The controller's
// resolution is 20 mm/s per wheel.
func (r *Robot) SetVel2(left, right float64) error {
	r.clearTargets()
	l := clampInt8(math.Round(left / vel2Divisor))
	rt := clampInt8(math.Round(right / vel2Divisor))
	return r.send(NewIntCommand(CmdVel2, int(uint16(uint8(l))<<8|uint16(uint8(rt)))))
}

// SetTransVelMax limits the translational velocity of position moves, in
// mm/s.
func (r *Robot) SetTransVelMax(mmPerSec float64) error {
	return r.send(NewIntCommand(CmdSetV, int(math.Round(mmPerSec))))
}

// SetRotVelMax limits the rotational velocity of heading moves, in deg/s.
func (r *Robot) SetRotVelMax(degPerSec float64) error {
	return r.send(NewIntCommand(CmdSetRV, int(math.Round(degPerSec))))
}

// Move drives a relative distance in mm along the current heading.
func (r *Robot) Move(mm float64) error {
	r.stateMu.Lock()
	r.move = moveTarget{active: true, fromX: r.state.X, fromY: r.state.Y, dist: mm}
	r.heading = headingTarget{}
	r.stateMu.Unlock()
	return r.send(NewIntCommand(CmdMove, int(math.Round(mm))))
}

// SetDeltaHeading turns by deg relative to the current heading.
func (r *Robot) SetDeltaHeading(deg float64) error {
	r.stateMu.Lock()
	r.heading = headingTarget{active: true, th: normaliseDeg(r.state.Th + deg)}
	r.move = moveTarget{}
	r.stateMu.Unlock()
	return r.send(NewIntCommand(CmdDHead, int(math.Round(deg))))
}

// IsMoveDone reports whether the last Move has covered its distance to
// within tolMM. It is true when no move is pending.
func (r *Robot) IsMoveDone(tolMM float64) bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if !r.move.active {
		return true
	}
	travelled := floats.Distance(
		[]float64{r.state.X, r.state.Y},
		[]float64{r.move.fromX, r.move.fromY},
		2,
	)
	return math.Abs(r.move.dist)-travelled <= tolMM
}

// IsHeadingDone reports whether the heading is within tolDeg of the last
// heading target. It is true when no turn is pending.
func (r *Robot) IsHeadingDone(tolDeg float64) bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if !r.heading.active {
		return true
	}
	return math.Abs(normaliseDeg(r.state.Th-r.heading.th)) <= tolDeg
}

func (r *Robot) clearTargets() {
	r.stateMu.Lock()
	r.move = moveTarget{}
	r.heading = headingTarget{}
	r.stateMu.Unlock()
}

// Stop stops all motion.
func (r *Robot) Stop() error {
	r.clearTargets()
	return r.send(NewCommand(CmdStop))
}

// EmergencyStop stops with maximum deceleration.
func (r *Robot) EmergencyStop() error {
	r.clearTargets()
	return r.send(NewCommand(CmdEStop))
}

// Disconnect stops the robot, closes the connection and releases the port.
// Only the first call does any work.
func (r *Robot) Disconnect() error {
	r.disconnectOnce.Do(func() {
		errs := []error{r.send(NewCommand(CmdStop)), r.send(NewCommand(CmdClose)), r.link.Close()}
		r.disconnectErr = errors.Join(errs...)
		r.stateMu.Lock()
		r.state.Connected = false
		r.stateMu.Unlock()
	})
	return r.disconnectErr
}

// AddLaser adds a laser to the robot's laser map under number n.
func (r *Robot) AddLaser(n int, l laser.Laser) {
	r.laserMu.Lock()
	defer r.laserMu.Unlock()
	r.lasers[n] = l
}

// LaserMap returns a copy of the laser map.
func (r *Robot) LaserMap() map[int]laser.Laser {
	r.laserMu.RLock()
	defer r.laserMu.RUnlock()
	return maps.Clone(r.lasers)
}

// FindLaser returns laser number n.
func (r *Robot) FindLaser(n int) (laser.Laser, bool) {
	r.laserMu.RLock()
	defer r.laserMu.RUnlock()
	l, ok := r.lasers[n]
	return l, ok
}

func clampInt8(v float64) int8 {
	return int8(math.Max(-128, math.Min(127, v)))
}
