package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/rover/internal/laser"
	"github.com/banshee-data/rover/internal/robot"
	"github.com/banshee-data/rover/internal/version"
)

// RobotInfo is the status published to clients.
type RobotInfo struct {
	Status        string  `json:"status"`
	Mode          string  `json:"mode"`
	Battery       float64 `json:"battery"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Th            float64 `json:"th"`
	Vel           float64 `json:"vel"`
	RotVel        float64 `json:"rot_vel"`
	MotorsEnabled bool    `json:"motors_enabled"`
	Stalled       bool    `json:"stalled"`
	Connected     bool    `json:"connected"`
}

// StateSource provides robot state snapshots.
type StateSource interface {
	State() robot.State
}

// AttachRobotInfo registers "getRobotInfo" and broadcasts the same payload
// as the "robotInfo" update.
func AttachRobotInfo(s *Server, src StateSource) {
	s.AddData("getRobotInfo", "robot status, position and velocities", func(context.Context, json.RawMessage) (any, error) {
		return robotInfo(s, src), nil
	})
	s.AddUpdate("robotInfo", func() any { return robotInfo(s, src) })
}

func robotInfo(s *Server, src StateSource) RobotInfo {
	st := src.State()
	info := RobotInfo{
		Mode:          "none",
		Battery:       st.Battery,
		X:             st.X,
		Y:             st.Y,
		Th:            st.Th,
		Vel:           st.Vel,
		RotVel:        st.RotVel,
		MotorsEnabled: st.MotorsEnabled,
		Stalled:       st.Stalled,
		Connected:     st.Connected,
	}
	m := s.Modes().Active()
	if m != nil {
		info.Mode = m.Name()
	}
	switch {
	case !st.Connected:
		info.Status = "Disconnected"
	case m != nil:
		info.Status = m.Status()
	default:
		info.Status = "Connected"
	}
	return info
}

// LaserSource lists the robot's lasers.
type LaserSource interface {
	LaserMap() map[int]laser.Laser
}

// SensorInfo describes one range sensor.
type SensorInfo struct {
	Number   int    `json:"number"`
	Name     string `json:"name"`
	MaxRange int    `json:"max_range"`
}

// SensorReading is the current scan of one sensor.
type SensorReading struct {
	Name    string        `json:"name"`
	Summary laser.Summary `json:"summary"`
	Scan    laser.Scan    `json:"scan"`
}

// AttachSensorInfo registers "getSensorList" and "getSensorCurrent".
func AttachSensorInfo(s *Server, src LaserSource) {
	list := func() []SensorInfo {
		lasers := src.LaserMap()
		out := make([]SensorInfo, 0, len(lasers))
		for n, l := range lasers {
			out = append(out, SensorInfo{Number: n, Name: l.Name(), MaxRange: l.AbsoluteMaxRange()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
		return out
	}
	s.AddData("getSensorList", "lists the range sensors", func(context.Context, json.RawMessage) (any, error) {
		return list(), nil
	})
	s.AddData("getSensorCurrent", "current readings of a sensor: {name}", func(_ context.Context, args json.RawMessage) (any, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		for _, l := range src.LaserMap() {
			if l.Name() == req.Name {
				scan := l.Readings()
				return SensorReading{Name: l.Name(), Summary: laser.Summarise(scan), Scan: scan}, nil
			}
		}
		return nil, fmt.Errorf("%w: no sensor %q", ErrBadArguments, req.Name)
	})
}

// StringsInfo publishes named string values such as build metadata.
type StringsInfo struct {
	mu    sync.Mutex
	names []string
	fns   map[string]func() string
}

// AttachStringsInfo registers "getStringsInfo" and "getStrings" with the
// build metadata already added.
func AttachStringsInfo(s *Server) *StringsInfo {
	si := &StringsInfo{fns: make(map[string]func() string)}
	si.Add("version", func() string { return version.Version })
	si.Add("git sha", func() string { return version.GitSHA })
	si.Add("build time", func() string { return version.BuildTime })

	s.AddData("getStringsInfo", "names of the published strings", func(context.Context, json.RawMessage) (any, error) {
		return si.Names(), nil
	})
	s.AddData("getStrings", "current values of the published strings", func(context.Context, json.RawMessage) (any, error) {
		return si.Values(), nil
	})
	return si
}

// Add publishes a string. Adding a name again replaces its source.
func (si *StringsInfo) Add(name string, fn func() string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if _, ok := si.fns[name]; !ok {
		si.names = append(si.names, name)
	}
	si.fns[name] = fn
}

// Names returns the published names in the order added.
func (si *StringsInfo) Names() []string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return append([]string(nil), si.names...)
}

// Values returns the current value of every string.
func (si *StringsInfo) Values() map[string]string {
	si.mu.Lock()
	fns := make(map[string]func() string, len(si.fns))
	for k, v := range si.fns {
		fns[k] = v
	}
	si.mu.Unlock()

	out := make(map[string]string, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}
