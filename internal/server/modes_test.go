package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/timeutil"
)

func TestModes_ActivateAndDefault(t *testing.T) {
	s, _, stop, ratio, jog := newModeServer()

	var activated []string
	s.Modes().OnActivate(func(name string) { activated = append(activated, name) })
	jogActivations := 0
	jog.AddActivateCallback(func() { jogActivations++ })
	stopDeactivations := 0
	stop.AddDeactivateCallback(func() { stopDeactivations++ })

	assert.True(t, stop.IsActive())
	require.NoError(t, jog.Activate())
	assert.False(t, stop.IsActive())
	assert.True(t, jog.IsActive())
	assert.Equal(t, 1, jogActivations)
	assert.Equal(t, 1, stopDeactivations)

	require.NoError(t, jog.Activate(), "activating the active mode is a no-op")
	assert.Equal(t, 1, jogActivations)

	ratio.Deactivate()
	assert.True(t, jog.IsActive(), "deactivating an inactive mode changes nothing")

	jog.Deactivate()
	assert.True(t, stop.IsActive(), "default mode takes over")
	assert.Equal(t, []string{"jogPosition", "stop"}, activated)

	require.NoError(t, jog.Activate())
	assert.Equal(t, 2, jogActivations)

	stop.Deactivate()
	assert.True(t, jog.IsActive())
}

func TestModes_CallbacksAddedWhileRunning(t *testing.T) {
	s, _, _, _, jog := newModeServer()

	var hooks, lateHooks, cbs, lateCbs int
	s.Modes().OnActivate(func(string) {
		hooks++
		s.Modes().OnActivate(func(string) { lateHooks++ })
	})
	jog.AddActivateCallback(func() {
		cbs++
		jog.AddActivateCallback(func() { lateCbs++ })
	})

	require.NoError(t, jog.Activate())
	assert.Equal(t, 1, cbs)
	assert.Zero(t, lateCbs, "callbacks added during a run wait for the next activation")
	assert.Equal(t, 1, hooks)
	assert.Zero(t, lateHooks)

	jog.Deactivate()
	// stop activation ran the hooks once more.
	assert.Equal(t, 2, hooks)
	assert.Equal(t, 1, lateHooks)

	require.NoError(t, jog.Activate())
	assert.Equal(t, 2, cbs)
	assert.Equal(t, 1, lateCbs)
}

func TestModes_Lock(t *testing.T) {
	_, _, stop, ratio, jog := newModeServer()

	require.NoError(t, jog.Activate())
	require.NoError(t, jog.LockMode(false))
	assert.True(t, jog.IsLocked())
	assert.ErrorIs(t, ratio.Activate(), ErrModeLocked)
	assert.True(t, jog.IsActive())

	jog.UnlockMode()
	require.NoError(t, ratio.Activate())

	require.NoError(t, ratio.LockMode(true))
	require.NoError(t, stop.Activate(), "a lock taken with willUnlockIfRequested gives way")
	assert.True(t, stop.IsActive())
	assert.False(t, ratio.IsLocked())

	assert.Error(t, ratio.LockMode(false), "only the active mode can lock")
}

func TestModes_List(t *testing.T) {
	s, _, _, _, jog := newModeServer()
	require.NoError(t, jog.Activate())
	require.NoError(t, jog.LockMode(true))

	list := s.Modes().List()
	require.Len(t, list, 3)
	assert.Equal(t, "ratioDrive", list[0].Name)
	assert.Equal(t, "stop", list[1].Name)
	assert.Equal(t, ModeInfo{Name: "jogPosition", Active: true, Locked: true, Status: "Ready"}, list[2])
}

func TestModes_AttachRobot(t *testing.T) {
	s, d, _, _, _ := newModeServer()
	s.Modes().AttachRobot(d)
	task, ok := d.tasks["server modes"]
	require.True(t, ok)
	task()
	assert.Equal(t, []string{"stop"}, d.take())
}

func TestStopMode(t *testing.T) {
	s, d, _, ratio, _ := newModeServer()

	s.Modes().Cycle()
	s.Modes().Cycle()
	assert.Equal(t, []string{"stop", "stop"}, d.take())

	require.NoError(t, ratio.Activate())
	d.take()
	_, err := s.Call(context.Background(), "stop", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "stop", s.Modes().Active().Name())
	assert.Equal(t, []string{"stop", "stop", "stop"}, d.take(), "ratio deactivation, stop activation, stop command")
}

func TestRatioDrive(t *testing.T) {
	s := New()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	s.Clock = clock
	d := &fakeDriver{}
	ratio := NewRatioDriveMode(s, d, nil)
	ctx := context.Background()

	_, err := s.Call(ctx, "ratioDrive", json.RawMessage(`{"trans": 50, "rot": -100, "throttle": 50}`), "")
	require.NoError(t, err)
	assert.True(t, ratio.IsActive())
	assert.Equal(t, []string{"stop"}, d.take())

	s.Modes().Cycle()
	assert.Equal(t, []string{"vel 100", "rotvel -25"}, d.take())
	assert.Equal(t, "Driving 100 mm/s -25 deg/s", ratio.Status())

	clock.Advance(time.Second)
	s.Modes().Cycle()
	assert.Equal(t, []string{"vel 100", "rotvel -25"}, d.take())

	_, err = s.Call(ctx, "ratioDrive", json.RawMessage(`{"trans": 100, "rot": 0}`), "")
	require.NoError(t, err)
	clock.Advance(1500 * time.Millisecond)
	s.Modes().Cycle()
	assert.Equal(t, []string{"vel 400", "rotvel 0"}, d.take(), "throttle defaults to 100")

	clock.Advance(600 * time.Millisecond)
	s.Modes().Cycle()
	assert.Equal(t, []string{"stop"}, d.take())
	assert.Equal(t, "Stopped: command timeout", ratio.Status())
	assert.True(t, ratio.IsActive(), "timeout stops the robot but keeps the mode")

	s.Modes().Cycle()
	assert.Empty(t, d.take())
}

func TestRatioDrive_Validation(t *testing.T) {
	s, _, stop, _, _ := newModeServer()
	for _, args := range []string{
		`{"trans": 101}`,
		`{"rot": -150}`,
		`{"trans": 10, "throttle": -1}`,
		`{"trans": "fast"}`,
	} {
		_, err := s.Call(context.Background(), "ratioDrive", json.RawMessage(args), "")
		assert.ErrorIs(t, err, ErrBadArguments, args)
	}
	assert.True(t, stop.IsActive(), "rejected commands do not switch modes")
}

func TestJogPosition(t *testing.T) {
	s := New()
	d := &fakeDriver{}
	cfg := &config.RobotConfig{JogMaxDistance: ptr(500.0)}
	jog := NewJogPositionMode(s, d, cfg)
	ctx := context.Background()

	res, err := s.Call(ctx, "jogPosition", json.RawMessage(`{"distance_mm": 800}`), "")
	require.NoError(t, err)
	req := res.(Jog)
	require.NotNil(t, req.DistanceMM)
	assert.Equal(t, 500.0, *req.DistanceMM)
	assert.Equal(t, []string{"stop", "setv 200", "setrv 30"}, d.take())

	s.Modes().Cycle()
	assert.Equal(t, []string{"move 500"}, d.take())
	assert.True(t, jog.IsLocked())
	assert.Equal(t, "Moving 500 mm", jog.Status())

	s.Modes().Cycle()
	assert.Empty(t, d.take())
	assert.True(t, jog.IsLocked())

	d.setDone(true, false)
	s.Modes().Cycle()
	assert.False(t, jog.IsLocked())
	assert.Equal(t, "Jog done", jog.Status())

	_, err = s.Call(ctx, "jogPosition", json.RawMessage(`{"heading_deg": -270}`), "")
	require.NoError(t, err)
	s.Modes().Cycle()
	assert.Equal(t, []string{"dhead -180"}, d.take(), "no stop when the mode is already active")
	s.Modes().Cycle()
	assert.True(t, jog.IsLocked())
	d.setDone(false, true)
	s.Modes().Cycle()
	assert.False(t, jog.IsLocked())
}

func TestJogPosition_BadArguments(t *testing.T) {
	s, _, _, _, _ := newModeServer()
	for _, args := range []string{`{}`, `{"distance_mm": 1, "heading_deg": 2}`, `[`} {
		_, err := s.Call(context.Background(), "jogPosition", json.RawMessage(args), "")
		assert.ErrorIs(t, err, ErrBadArguments, args)
	}
}

func TestJogPosition_AddToConfig(t *testing.T) {
	s := New()
	jog := NewJogPositionMode(s, &fakeDriver{}, &config.RobotConfig{JogRotVel: ptr(45.0)})
	reg := config.NewRegistry()
	jog.AddToConfig(reg)

	params, ok := reg.Section("jog position")
	require.True(t, ok)
	require.Len(t, params, 4)
	assert.Equal(t, "max_distance", params[0].Name)
	assert.Equal(t, 1000.0, params[0].Value)
	assert.Equal(t, 45.0, params[3].Value)
}

func ptr[T any](v T) *T { return &v }
