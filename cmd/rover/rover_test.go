package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/bringup"
	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/robot"
	"github.com/banshee-data/rover/internal/robot/sim"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *lockedBuffer {
	t.Helper()
	b := &lockedBuffer{}
	log.SetOutput(b)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return b
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) Codes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

// devices serves simulated hardware behind the connectors' openers.
type devices struct {
	bot  *sim.Robot
	urg  *sim.URG
	head *sim.Camera
}

func simulate(t *testing.T, ctx context.Context, a *app, withRobot bool) *devices {
	t.Helper()
	d := &devices{bot: sim.NewRobot(), urg: sim.NewURG(), head: sim.NewCamera("visca")}
	d.bot.Period = 20 * time.Millisecond

	serve := func(dev sim.Device) devport.Port {
		port, conn := devport.NewPipe()
		go func() { _ = dev.Serve(ctx, conn) }()
		return port
	}
	robots := map[string]devport.Port{}
	if withRobot {
		robots["sim-robot"] = serve(d.bot)
	}
	a.robots.Opener = devport.MapOpener(robots)
	a.lasers.Opener = devport.MapOpener(map[string]devport.Port{"sim-laser": serve(d.urg)})
	a.ptzs.Opener = devport.MapOpener(map[string]devport.Port{"sim-ptz": serve(d.head)})
	return d
}

func simArgs(extra ...string) []string {
	return append([]string{
		"-robot-port", "sim-robot",
		"-laser-port", "sim-laser",
		"-ptz-type", "visca", "-ptz-port", "sim-ptz",
		"-video-type", "sim", "-video-device", "cam1",
		"-server-host", "127.0.0.1", "-server-port", "0",
	}, extra...)
}

func noEnv(string) string { return "" }

func TestNewApp_StepOrder(t *testing.T) {
	a := newApp(io.Discard, func(int) {})
	assert.Equal(t, []string{
		"robot", "arguments", "server", "video", "ptz", "video server", "open server", "laser", "motors",
	}, a.seq.Steps())
}

func TestParse_DefaultsEnvironmentThenCommandLine(t *testing.T) {
	a := newApp(io.Discard, func(int) {})
	a.parse([]string{"-ptz-type", "visca"}, func(key string) string {
		if key == "ROVER_ARGS" {
			return "-video-type sim -server-port 9000"
		}
		return ""
	})
	require.NoError(t, a.args.CheckHelpAndWarnUnparsed())

	fs := a.args.FlagSet()
	assert.Equal(t, "visca", fs.Lookup("ptz-type").Value.String())
	assert.Equal(t, "sim", fs.Lookup("video-type").Value.String())
	assert.Equal(t, 9000, a.opener.Port())
}

func TestCreateServer_SampleInterval(t *testing.T) {
	captureLog(t)
	tests := []struct {
		name   string
		config string
		extra  []string
		want   time.Duration
	}{
		{name: "default", want: time.Second},
		{name: "parameter file", config: "sample_interval: 250ms\n", want: 250 * time.Millisecond},
		{name: "flag wins", config: "sample_interval: 250ms\n", extra: []string{"-sample-interval", "2s"}, want: 2 * time.Second},
		{name: "flag only", extra: []string{"-sample-interval", "500ms"}, want: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			dir := t.TempDir()
			extra := append([]string{"-db", filepath.Join(dir, "telemetry.db")}, tt.extra...)
			if tt.config != "" {
				path := filepath.Join(dir, "params.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.config), 0o600))
				extra = append(extra, "-config", path)
			}

			a := newApp(io.Discard, func(int) {})
			simulate(t, ctx, a, true)
			a.parse(simArgs(extra...), noEnv)
			defer a.exiter.Exit(0)

			require.NoError(t, a.connectRobot(ctx))
			require.NoError(t, a.checkArguments(ctx))
			require.NoError(t, a.createServer(ctx))
			require.NotNil(t, a.recorder)
			assert.Equal(t, tt.want, a.recorder.Interval)
		})
	}
}

func TestBringUp_Simulated(t *testing.T) {
	logs := captureLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &exitRecorder{}
	a := newApp(io.Discard, rec.exit)
	dev := simulate(t, ctx, a, true)
	a.parse(simArgs(), noEnv)

	done := make(chan error, 1)
	go func() { done <- a.seq.Run(ctx) }()

	require.Eventually(t, dev.bot.MotorsEnabled, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.seq.IdlePeriods() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.Codes())
	assert.True(t, dev.urg.LaserOn())
	assert.Contains(t, logs.String(), "absolute max range")

	addr := a.srv.Addr().(*net.TCPAddr)
	base := "http://" + addr.String()
	resp, err := http.Get(base + "/api/listModes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var modes []struct {
		Name   string `json:"name"`
		Active bool   `json:"active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&modes))
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.Name
		if m.Active {
			assert.Equal(t, "stop", m.Name)
		}
	}
	assert.ElementsMatch(t, []string{"ratioDrive", "stop", "jogPosition"}, names)

	snap, err := http.Get(base + "/video/1/snapshot.jpg")
	require.NoError(t, err)
	snap.Body.Close()
	assert.Equal(t, http.StatusOK, snap.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bring-up did not stop after cancellation")
	}
	assert.Equal(t, []int{bringup.ExitOK}, rec.Codes())
	assert.False(t, a.robot.IsConnected())
}

func TestExit_StopsRobotBeforeDisablingMotors(t *testing.T) {
	captureLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newApp(io.Discard, func(int) {})
	dev := simulate(t, ctx, a, true)
	a.parse(simArgs(), noEnv)

	require.NoError(t, a.connectRobot(ctx))
	require.NoError(t, a.enableMotors(ctx))
	require.Eventually(t, dev.bot.MotorsEnabled, 5*time.Second, 10*time.Millisecond)

	a.exiter.Exit(bringup.ExitOK)

	stoppedThenDisabled := func() bool {
		estop := false
		for _, p := range dev.bot.Received() {
			switch robot.Command(p.Type) {
			case robot.CmdEStop:
				estop = true
			case robot.CmdEnable:
				if v, ok := p.IntArg(); ok && v == 0 && estop {
					return true
				}
			}
		}
		return false
	}
	require.Eventually(t, stoppedThenDisabled, 5*time.Second, 10*time.Millisecond)
	assert.False(t, a.robot.IsConnected())
}

func TestBringUp_Failures(t *testing.T) {
	tests := []struct {
		name      string
		withRobot bool
		args      []string
		reason    string
		serverUp  bool
	}{
		{name: "robot missing", args: simArgs(), reason: "robot error: could not connect to robot"},
		{name: "unparsed argument", withRobot: true, args: simArgs("leftover"), reason: "arguments error: parsing problem"},
		{name: "unknown flag", withRobot: true, args: simArgs("-bogus"), reason: "arguments error: parsing problem"},
		{name: "bad config file", withRobot: true, args: simArgs("-config", "/nonexistent/params.yaml"), reason: "arguments error: parsing problem"},
		{name: "no video device", withRobot: true, args: simArgs("-video-device", ""), reason: "video error: could not find any video device", serverUp: true},
		{name: "unknown video type", withRobot: true, args: simArgs("-video-type", "firewire"), reason: "video error: could not connect to video devices", serverUp: true},
		{name: "no PTZ device", withRobot: true, args: simArgs("-ptz-port", ""), reason: "ptz error: could not find any PTZ control device", serverUp: true},
		{name: "PTZ missing", withRobot: true, args: simArgs("-ptz-port", "/dev/ttyS9"), reason: "ptz error: could not connect to PTZ controls", serverUp: true},
		{name: "no laser", withRobot: true, args: simArgs("-laser-port", ""), reason: "laser error: could not find any laser", serverUp: true},
		{name: "laser missing", withRobot: true, args: simArgs("-laser-port", "/dev/ttyACM9"), reason: "laser error: could not connect laser", serverUp: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := captureLog(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rec := &exitRecorder{}
			a := newApp(io.Discard, rec.exit)
			dev := simulate(t, ctx, a, tt.withRobot)
			a.parse(tt.args, noEnv)

			err := a.seq.Run(ctx)
			require.Error(t, err)
			assert.Equal(t, []int{bringup.ExitError}, rec.Codes())
			assert.Contains(t, logs.String(), tt.reason)
			assert.False(t, dev.bot.MotorsEnabled())
			assert.Zero(t, a.seq.IdlePeriods())
			assert.Equal(t, tt.serverUp, a.srv != nil)
			if a.robot != nil {
				assert.False(t, a.robot.IsConnected(), "robot disconnected on exit")
			}
		})
	}
}

func TestBringUp_ServerPortBusy(t *testing.T) {
	logs := captureLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	rec := &exitRecorder{}
	a := newApp(io.Discard, rec.exit)
	dev := simulate(t, ctx, a, true)
	a.parse(simArgs("-server-port", strings.TrimPrefix(ln.Addr().String(), "127.0.0.1:")), noEnv)

	require.Error(t, a.seq.Run(ctx))
	assert.Equal(t, []int{bringup.ExitError}, rec.Codes())
	assert.Contains(t, logs.String(), "could not open server on port "+strings.TrimPrefix(ln.Addr().String(), "127.0.0.1:"))
	assert.Equal(t, port, a.opener.Port())
	assert.False(t, dev.urg.LaserOn(), "lasers are not connected after a server failure")
	assert.False(t, dev.bot.MotorsEnabled())
}
