package robot

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/timeutil"
)

// device is the controller end of a pipe: it collects everything the robot
// sends and lets the test inject packets.
type device struct {
	conn net.Conn
	rx   chan Packet
}

func newTestRobot(t *testing.T, clock timeutil.Clock) (*Robot, *device) {
	t.Helper()
	port, conn := devport.NewPipe()
	d := &device{conn: conn, rx: make(chan Packet, 64)}
	go func() {
		br := bufio.NewReader(conn)
		for {
			p, err := ReadPacket(br)
			if err != nil {
				close(d.rx)
				return
			}
			d.rx <- p
		}
	}()
	r := newRobot(newLink(port), identity{Name: "test", Type: "Pioneer", Subtype: "p3dx"}, clock)
	t.Cleanup(func() {
		_ = r.link.Close()
		_ = conn.Close()
	})
	return r, d
}

func (d *device) next(t *testing.T) Packet {
	t.Helper()
	select {
	case p, ok := <-d.rx:
		require.True(t, ok, "device link closed")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a packet from the robot")
		return Packet{}
	}
}

func (d *device) sendSIP(t *testing.T, s SIP) {
	t.Helper()
	require.NoError(t, WritePacket(d.conn, s.Packet()))
}

func TestRobot_Commands(t *testing.T) {
	r, d := newTestRobot(t, nil)

	tests := []struct {
		name string
		call func() error
		cmd  Command
		arg  int
		hasA bool
	}{
		{"enable", r.EnableMotors, CmdEnable, 1, true},
		{"disable", r.DisableMotors, CmdEnable, 0, true},
		{"vel", func() error { return r.SetVel(-120.4) }, CmdVel, -120, true},
		{"rotvel", func() error { return r.SetRotVel(15) }, CmdRVel, 15, true},
		{"move", func() error { return r.Move(500) }, CmdMove, 500, true},
		{"dhead", func() error { return r.SetDeltaHeading(-45) }, CmdDHead, -45, true},
		{"setv", func() error { return r.SetTransVelMax(300) }, CmdSetV, 300, true},
		{"setrv", func() error { return r.SetRotVelMax(45) }, CmdSetRV, 45, true},
		{"stop", r.Stop, CmdStop, 0, false},
		{"estop", r.EmergencyStop, CmdEStop, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errc := make(chan error, 1)
			go func() { errc <- tt.call() }()
			p := d.next(t)
			require.NoError(t, <-errc)
			assert.Equal(t, byte(tt.cmd), p.Type)
			v, ok := p.IntArg()
			assert.Equal(t, tt.hasA, ok)
			if tt.hasA {
				assert.Equal(t, tt.arg, v)
			}
		})
	}
}

func TestRobot_SetVel2Packing(t *testing.T) {
	r, d := newTestRobot(t, nil)
	go func() { _ = r.SetVel2(-200, 400) }()
	p := d.next(t)
	assert.Equal(t, byte(CmdVel2), p.Type)
	v, ok := p.IntArg()
	require.True(t, ok)
	assert.Equal(t, int8(-10), int8(uint16(v)>>8))
	assert.Equal(t, int8(20), int8(uint16(v)))
}

func TestRobot_LoopUpdatesState(t *testing.T) {
	r, d := newTestRobot(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.RunAsync(ctx)

	sendAndWait := func(s SIP) {
		before := r.State().SIPCount
		d.sendSIP(t, s)
		require.Eventually(t, func() bool { return r.State().SIPCount > before }, 2*time.Second, 5*time.Millisecond, "SIP not processed")
	}

	sendAndWait(SIP{XPos: 0x7FF0, YPos: 100, Th: 1024, LeftVel: 200, RightVel: 200, Battery: 121, Flags: 1})
	st := r.State()
	assert.Equal(t, "test", st.Name)
	assert.Equal(t, float64(0x7FF0), st.X)
	assert.InDelta(t, 90, st.Th, 1e-9)
	assert.InDelta(t, 200, st.Vel, 1e-9)
	assert.InDelta(t, 12.1, st.Battery, 1e-9)
	assert.True(t, st.MotorsEnabled)
	assert.Equal(t, uint64(1), st.SIPCount)

	sendAndWait(SIP{XPos: 0x0010, YPos: 90})
	st = r.State()
	assert.Equal(t, float64(0x7FF0+0x20), st.X, "x keeps counting across the 15-bit wrap")
	assert.Equal(t, float64(90), st.Y)
	assert.False(t, st.MotorsEnabled)
}

func TestRobot_CycleSendsPulseAndTripsWatchdog(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	r, d := newTestRobot(t, clock)

	var runs int
	r.AddUserTask("count", func() { runs++ })

	r.cycle()
	assert.Equal(t, 1, runs)
	assert.False(t, r.State().WatchdogFired)

	clock.Advance(DefaultPulseInterval)
	done := make(chan struct{})
	go func() { r.cycle(); close(done) }()
	p := d.next(t)
	assert.Equal(t, byte(CmdPulse), p.Type)
	<-done

	clock.Advance(DefaultWatchdogTime)
	done = make(chan struct{})
	go func() { r.cycle(); close(done) }()
	_ = d.next(t) // pulse again
	<-done
	assert.True(t, r.State().WatchdogFired)
	assert.Equal(t, 3, runs)
}

func TestRobot_TaskOrderAndLock(t *testing.T) {
	r, _ := newTestRobot(t, timeutil.NewMockClock(time.Unix(0, 0)))

	var order []string
	r.AddUserTask("b", func() { order = append(order, "user-b") })
	r.AddSensorInterpTask("a", func() { order = append(order, "sensor-a") })
	r.AddUserTask("c", func() { order = append(order, "user-c") })
	r.AddUserTask("b", func() { order = append(order, "user-b2") })

	r.cycle()
	assert.Equal(t, []string{"sensor-a", "user-b2", "user-c"}, order)
	assert.Equal(t, []string{"b", "c"}, r.UserTasks())

	r.RemoveUserTask("b")
	r.RemoveSensorInterpTask("a")
	order = nil
	r.cycle()
	assert.Equal(t, []string{"user-c"}, order)

	// A held robot lock keeps the cycle from running tasks.
	r.Lock()
	finished := make(chan struct{})
	go func() { r.cycle(); close(finished) }()
	select {
	case <-finished:
		t.Fatal("cycle ran tasks while the robot was locked")
	case <-time.After(50 * time.Millisecond):
	}
	r.Unlock()
	<-finished
}

func TestRobot_MoveAndHeadingDone(t *testing.T) {
	r, d := newTestRobot(t, nil)
	go func() { _ = r.Move(1000) }()
	d.next(t)
	assert.False(t, r.IsMoveDone(10))

	r.stateMu.Lock()
	r.state.X = 995
	r.stateMu.Unlock()
	assert.True(t, r.IsMoveDone(10))

	go func() { _ = r.SetDeltaHeading(90) }()
	d.next(t)
	assert.True(t, r.IsMoveDone(10), "a heading command cancels the move target")
	assert.False(t, r.IsHeadingDone(2))

	r.stateMu.Lock()
	r.state.Th = 89
	r.stateMu.Unlock()
	assert.True(t, r.IsHeadingDone(2))
}

func TestRobot_DisconnectOnce(t *testing.T) {
	r, d := newTestRobot(t, nil)

	errc := make(chan error, 1)
	go func() { errc <- r.Disconnect() }()
	assert.Equal(t, byte(CmdStop), d.next(t).Type)
	assert.Equal(t, byte(CmdClose), d.next(t).Type)
	require.NoError(t, <-errc)
	assert.False(t, r.IsConnected())

	assert.NoError(t, r.Disconnect(), "second call is a no-op")
}

func TestRobot_LaserMap(t *testing.T) {
	r, _ := newTestRobot(t, nil)
	_, ok := r.FindLaser(1)
	assert.False(t, ok)

	assert.Empty(t, r.LaserMap())
	r.AddLaser(1, nil)
	m := r.LaserMap()
	assert.Len(t, m, 1)
	m[2] = nil
	assert.Len(t, r.LaserMap(), 1, "LaserMap returns a copy")
	_, ok = r.FindLaser(1)
	assert.True(t, ok)
}
