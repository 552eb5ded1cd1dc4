// Command rover brings up the robot control server: it connects the robot
// controller, the cameras and their PTZ heads, opens the network server with
// its drive modes, connects the lasers, enables the motors and then idles
// until it is told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/banshee-data/rover/internal/bringup"
	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/db"
	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/laser"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/ptz"
	"github.com/banshee-data/rover/internal/robot"
	"github.com/banshee-data/rover/internal/server"
	"github.com/banshee-data/rover/internal/version"
	"github.com/banshee-data/rover/internal/video"
)

type app struct {
	args     *config.Args
	exiter   *bringup.Exiter
	seq      *bringup.Sequencer
	registry *config.Registry

	robots    *robot.Connector
	videos    *video.Connector
	ptzs      *ptz.Connector
	lasers    *laser.Connector
	opener    *server.SimpleOpener
	telemetry *db.Settings

	configPath *string
	logFile    *string

	cfg      *config.RobotConfig
	robot    *robot.Robot
	srv      *server.Server
	recorder *db.Recorder
}

// newApp registers every component's flags and the bring-up steps.
func newApp(out io.Writer, exit func(int)) *app {
	args := config.NewArgs("rover", out)
	a := &app{
		args:      args,
		exiter:    bringup.NewExiter(exit),
		registry:  config.NewRegistry(),
		robots:    robot.NewConnector(args),
		videos:    video.NewConnector(args),
		ptzs:      ptz.NewConnector(args),
		lasers:    laser.NewConnector(args),
		opener:    server.NewSimpleOpener(args),
		telemetry: db.NewSettings(args),
		cfg:       config.EmptyRobotConfig(),
	}
	fs := args.FlagSet()
	a.configPath = fs.String("config", "", "drive mode parameters (.json, .yaml or .yml)")
	a.logFile = fs.String("log-file", "", "also write the log to this size-rotated file")

	a.seq = bringup.New(a.exiter)
	a.seq.Add("robot", a.connectRobot)
	a.seq.Add("arguments", a.checkArguments)
	a.seq.Add("server", a.createServer)
	a.seq.Add("video", a.connectVideo)
	a.seq.Add("ptz", a.connectPTZ)
	a.seq.Add("video server", a.createVideoServers)
	a.seq.Add("open server", a.openServer)
	a.seq.Add("laser", a.connectLasers)
	a.seq.Add("motors", a.enableMotors)
	return a
}

// parse applies the built-in default arguments, then the environment, then
// argv. Errors surface in the arguments step.
func (a *app) parse(argv []string, getenv func(string) string) {
	a.args.AddDefaultArgument(config.DefaultArguments)
	a.args.LoadDefaultArguments(getenv)
	if err := a.args.Parse(argv); err != nil {
		monitoring.Logf("arguments: %v", err)
	}
	if *a.logFile != "" {
		lf := monitoring.SetLogFile(monitoring.LogFileOptions{Path: *a.logFile})
		a.exiter.AddCallback("close log file", func() { _ = lf.Close() })
	}
}

func (a *app) connectRobot(ctx context.Context) error {
	r, err := a.robots.ConnectRobot(ctx)
	if err != nil {
		return bringup.Fail(bringup.ErrUnavailable, "could not connect to robot", err)
	}
	a.robot = r
	a.exiter.AddCallback("disconnect robot", func() {
		if err := r.Disconnect(); err != nil {
			monitoring.Logf("disconnect robot: %v", err)
		}
	})
	r.RunAsync(ctx)
	return nil
}

func (a *app) checkArguments(context.Context) error {
	if err := a.args.CheckHelpAndWarnUnparsed(); err != nil {
		return bringup.Fail(bringup.ErrArguments, "parsing problem", err)
	}
	if *a.configPath != "" {
		cfg, err := config.LoadRobotConfig(*a.configPath)
		if err != nil {
			return bringup.Fail(bringup.ErrArguments, "parsing problem", err)
		}
		a.cfg = cfg
	}
	return nil
}

func (a *app) createServer(ctx context.Context) error {
	srv := server.New()
	srv.UpdateInterval = a.cfg.GetUpdateInterval()
	a.srv = srv
	r := a.robot

	server.AttachRobotInfo(srv, r)
	server.AttachSensorInfo(srv, r)
	si := server.AttachStringsInfo(srv)
	si.Add("robot", func() string {
		st := r.State()
		return st.Type + " " + st.Subtype + " (" + st.Name + ")"
	})
	si.Add("server port", func() string { return strconv.Itoa(a.opener.Port()) })

	server.NewRatioDriveMode(srv, r, a.cfg)
	stop := server.NewStopMode(srv, r)
	jog := server.NewJogPositionMode(srv, r, a.cfg)
	jog.AddActivateCallback(func() { monitoring.Logf("jog position mode activated") })
	jog.AddToConfig(a.registry)
	a.registry.AddSection("ratio drive", func() []config.Param {
		return []config.Param{
			{Name: "max_trans_vel", Value: a.cfg.GetRatioDriveMaxTransVel(), Description: "velocity at 100% (mm/s)"},
			{Name: "max_rot_vel", Value: a.cfg.GetRatioDriveMaxRotVel(), Description: "rotational velocity at 100% (deg/s)"},
			{Name: "timeout", Value: a.cfg.GetRatioDriveTimeout().String(), Description: "stop when no command arrives within"},
		}
	})

	if err := a.attachTelemetry(ctx); err != nil {
		return err
	}

	stop.AddAsDefaultMode()
	srv.Modes().AttachRobot(r)
	if err := stop.Activate(); err != nil {
		return bringup.Fail(bringup.ErrUnavailable, "could not activate stop mode", err)
	}

	mux := srv.ServeMux()
	a.registry.AttachAdminRoutes(mux)
	devport.AttachAdminRoutes(mux)
	laser.AttachRoutes(mux, r)
	return nil
}

// attachTelemetry starts recording when -db is set.
func (a *app) attachTelemetry(ctx context.Context) error {
	path := a.telemetry.Path()
	if path == "" {
		return nil
	}
	d, err := db.NewDB(path)
	if err != nil {
		return bringup.Fail(bringup.ErrUnavailable, "could not open telemetry database", err)
	}
	a.exiter.AddCallback("close telemetry database", func() { _ = d.Close() })
	if err := d.AttachAdminRoutes(a.srv.ServeMux()); err != nil {
		return bringup.Fail(bringup.ErrUnavailable, "could not open telemetry database", err)
	}
	rec := db.NewRecorder(d, a.robot, a.srv.Modes())
	rec.Interval = a.telemetry.IntervalOr(a.cfg.GetSampleInterval())
	rec.WatchModes()
	rec.AttachHandlers(a.srv)
	a.recorder = rec
	go rec.Run(ctx)
	return nil
}

func (a *app) connectVideo(ctx context.Context) error {
	err := a.videos.Connect(ctx)
	switch {
	case errors.Is(err, video.ErrNoDevice):
		return bringup.Fail(bringup.ErrUnavailable, "could not find any video device", err)
	case err != nil:
		return bringup.Fail(bringup.ErrUnavailable, "could not connect to video devices", err)
	}
	a.exiter.AddCallback("close video devices", func() { _ = a.videos.Close() })
	return nil
}

func (a *app) connectPTZ(ctx context.Context) error {
	err := a.ptzs.Connect(ctx)
	switch {
	case errors.Is(err, ptz.ErrNoDevice):
		return bringup.Fail(bringup.ErrUnavailable, "could not find any PTZ control device", err)
	case err != nil:
		return bringup.Fail(bringup.ErrUnavailable, "could not connect to PTZ controls", err)
	}
	a.exiter.AddCallback("close PTZ controls", func() { _ = a.ptzs.Close() })
	return nil
}

func (a *app) createVideoServers(context.Context) error {
	if err := video.CreateServers(a.srv, a.videos, a.ptzs); err != nil {
		return bringup.Fail(bringup.ErrUnavailable, "could not create video server", err)
	}
	return nil
}

func (a *app) openServer(ctx context.Context) error {
	if err := a.opener.Open(a.srv); err != nil {
		cause := errors.Unwrap(err)
		if cause == nil {
			cause = err
		}
		return bringup.Fail(bringup.ErrUnavailable, fmt.Sprintf("could not open server on port %d", a.opener.Port()), cause)
	}
	if err := a.srv.RunAsync(ctx); err != nil {
		return bringup.Fail(bringup.ErrUnavailable, fmt.Sprintf("could not open server on port %d", a.opener.Port()), err)
	}
	a.exiter.AddCallback("close server", func() { _ = a.srv.Close() })
	return nil
}

func (a *app) connectLasers(ctx context.Context) error {
	lasers, err := a.lasers.ConnectLasers(ctx, a.robot)
	switch {
	case errors.Is(err, laser.ErrNoDevice):
		return bringup.Fail(bringup.ErrUnavailable, "could not find any laser", err)
	case err != nil:
		return bringup.Fail(bringup.ErrUnavailable, "could not connect laser", err)
	}
	a.exiter.AddCallback("close lasers", func() {
		for _, l := range lasers {
			_ = l.Close()
		}
	})
	first, ok := a.robot.FindLaser(1)
	if !ok {
		return bringup.Fail(bringup.ErrUnavailable, "could not find any laser", nil)
	}
	monitoring.Logf("laser %s absolute max range %d mm", first.Name(), first.AbsoluteMaxRange())
	return nil
}

func (a *app) enableMotors(context.Context) error {
	r := a.robot
	r.Lock()
	err := r.EnableMotors()
	r.Unlock()
	if err != nil {
		return bringup.Fail(bringup.ErrUnavailable, "could not enable motors", err)
	}
	a.exiter.AddCallback("disable motors", func() {
		r.Lock()
		defer r.Unlock()
		if err := r.EmergencyStop(); err != nil {
			monitoring.Logf("emergency stop: %v", err)
		}
		if err := r.DisableMotors(); err != nil {
			monitoring.Logf("disable motors: %v", err)
		}
	})
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stderr, os.Exit)
	a.parse(os.Args[1:], os.Getenv)
	monitoring.Logf("%s starting", version.String())
	_ = a.seq.Run(ctx)
}
