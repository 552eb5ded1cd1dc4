// Package sim provides device simulators for development and tests: a P2OS
// robot controller, a URG laser and VISCA / VC-C camera heads. Each serves a
// single byte-stream connection, so it can sit behind a TCP listener or one
// end of an in-memory pipe.
package sim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/robot"
)

// Robot simulates a differential drive base behind a P2OS controller.
type Robot struct {
	Name    string
	Type    string
	Subtype string

	// Period between SIPs and physics steps.
	Period time.Duration
	// Battery voltage reported in SIPs.
	Battery float64
	// MoveVel and TurnVel are used for MOVE and heading commands.
	MoveVel float64 // mm/s
	TurnVel float64 // deg/s

	mu       sync.Mutex
	x, y, th float64 // mm, mm, deg
	vel      float64 // commanded mm/s
	rotVel   float64 // commanded deg/s
	motors   bool
	moveLeft float64
	headTo   *float64
	received []robot.Packet

	lastVel    float64 // velocities applied in the last step
	lastRotVel float64
}

// NewRobot returns a simulator with Pioneer-like defaults.
func NewRobot() *Robot {
	return &Robot{
		Name:    "sim",
		Type:    "Pioneer",
		Subtype: "p3dx-sh",
		Period:  100 * time.Millisecond,
		Battery: 12.5,
		MoveVel: 250,
		TurnVel: 60,
	}
}

// Pose returns the simulated position (mm) and heading (deg).
func (s *Robot) Pose() (x, y, th float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, s.th
}

// MotorsEnabled reports whether an ENABLE 1 has been received.
func (s *Robot) MotorsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motors
}

// Received returns the commands received while the connection was open.
func (s *Robot) Received() []robot.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]robot.Packet(nil), s.received...)
}

// Serve runs the controller protocol on conn until ctx is done or conn
// fails. conn is closed on return.
func (s *Robot) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()

	packets := make(chan robot.Packet, 16)
	readErr := make(chan error, 1)
	go func() {
		br := bufio.NewReader(conn)
		for {
			p, err := robot.ReadPacket(br)
			if errors.Is(err, robot.ErrChecksum) {
				continue
			}
			if err != nil {
				readErr <- err
				return
			}
			select {
			case packets <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.Period)
	defer ticker.Stop()

	phase := 0 // next expected sync, 3 once synced
	open := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case p := <-packets:
			if !open {
				var reply *robot.Packet
				phase, open, reply = s.handshake(phase, p)
				if reply != nil {
					if err := robot.WritePacket(conn, *reply); err != nil {
						return err
					}
				}
				continue
			}
			if robot.Command(p.Type) == robot.CmdClose {
				s.stopMotion()
				open, phase = false, 0
				continue
			}
			s.command(p)
		case <-ticker.C:
			if !open {
				continue
			}
			s.step(s.Period.Seconds())
			if err := robot.WritePacket(conn, s.sip().Packet()); err != nil {
				return err
			}
		}
	}
}

func (s *Robot) handshake(phase int, p robot.Packet) (int, bool, *robot.Packet) {
	cmd := robot.Command(p.Type)
	switch {
	case cmd == robot.CmdSync0:
		return 1, false, &robot.Packet{Type: byte(robot.CmdSync0)}
	case phase == 1 && cmd == robot.CmdSync1:
		return 2, false, &robot.Packet{Type: byte(robot.CmdSync1)}
	case phase == 2 && cmd == robot.CmdSync2:
		data := []byte(s.Name + "\x00" + s.Type + "\x00" + s.Subtype + "\x00")
		return 3, false, &robot.Packet{Type: byte(robot.CmdSync2), Data: data}
	case phase == 3 && cmd == robot.CmdOpen:
		return 3, true, nil
	}
	return phase, false, nil
}

func (s *Robot) command(p robot.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, p)
	arg, _ := p.IntArg()
	switch robot.Command(p.Type) {
	case robot.CmdEnable:
		s.motors = arg != 0
		if !s.motors {
			s.clearLocked()
		}
	case robot.CmdVel:
		s.moveLeft, s.headTo = 0, nil
		s.vel = float64(arg)
	case robot.CmdRVel:
		s.moveLeft, s.headTo = 0, nil
		s.rotVel = float64(arg)
	case robot.CmdVel2:
		raw := uint16(arg)
		left := float64(int8(raw>>8)) * 20
		right := float64(int8(raw)) * 20
		s.moveLeft, s.headTo = 0, nil
		s.vel = (left + right) / 2
		s.rotVel = (right - left) / 2 * robot.DiffConvFactor * 180 / math.Pi
	case robot.CmdMove:
		s.vel, s.rotVel = 0, 0
		s.moveLeft = float64(arg)
	case robot.CmdDHead:
		t := normalise(s.th + float64(arg))
		s.vel, s.rotVel = 0, 0
		s.headTo = &t
	case robot.CmdHead:
		t := normalise(float64(arg))
		s.vel, s.rotVel = 0, 0
		s.headTo = &t
	case robot.CmdStop, robot.CmdEStop:
		s.clearLocked()
	case robot.CmdSetV:
		if arg > 0 {
			s.MoveVel = float64(arg)
		}
	case robot.CmdSetRV:
		if arg > 0 {
			s.TurnVel = float64(arg)
		}
	case robot.CmdSetO:
		s.x, s.y, s.th = 0, 0, 0
	}
}

func (s *Robot) stopMotion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Robot) clearLocked() {
	s.vel, s.rotVel, s.moveLeft, s.headTo = 0, 0, 0, nil
}

// step advances the pose by dt seconds.
func (s *Robot) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.motors {
		s.lastVel, s.lastRotVel = 0, 0
		return
	}
	v, w := s.vel, s.rotVel

	if s.moveLeft != 0 {
		d := math.Copysign(s.MoveVel*dt, s.moveLeft)
		if math.Abs(d) >= math.Abs(s.moveLeft) {
			d = s.moveLeft
		}
		s.moveLeft -= d
		v = d / dt
	}
	if s.headTo != nil {
		diff := normalise(*s.headTo - s.th)
		turn := math.Copysign(s.TurnVel*dt, diff)
		if math.Abs(turn) >= math.Abs(diff) {
			turn = diff
			s.headTo = nil
		}
		w = turn / dt
	}

	rad := s.th * math.Pi / 180
	s.x += v * math.Cos(rad) * dt
	s.y += v * math.Sin(rad) * dt
	s.th = normalise(s.th + w*dt)
	s.lastVel, s.lastRotVel = v, w
}

func (s *Robot) sip() robot.SIP {
	s.mu.Lock()
	defer s.mu.Unlock()
	half := s.lastRotVel * math.Pi / 180 / robot.DiffConvFactor
	sip := robot.SIP{
		Moving:   s.lastVel != 0 || s.lastRotVel != 0,
		XPos:     uint16(int(math.Round(s.x)) & 0x7FFF),
		YPos:     uint16(int(math.Round(s.y)) & 0x7FFF),
		Th:       robot.HeadingUnits(s.th),
		LeftVel:  int16(math.Round(s.lastVel - half)),
		RightVel: int16(math.Round(s.lastVel + half)),
		Battery:  uint8(math.Round(s.Battery * 10)),
	}
	if s.motors {
		sip.Flags |= 0x0001
	}
	return sip
}

func normalise(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}
