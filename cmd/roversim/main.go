// Command roversim serves simulated hardware over TCP so rover can run
// without a robot: the controller on :8101 (rover's default robot address),
// a URG laser and a PTZ head.
//
//	roversim &
//	rover -laser-port tcp:localhost:8102 -ptz-type visca -ptz-port tcp:localhost:8103 -video-type sim
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rover/internal/robot/sim"
)

var (
	robotAddr = flag.String("robot", ":8101", "controller listen address")
	laserAddr = flag.String("laser", ":8102", "laser listen address (disabled when empty)")
	ptzAddr   = flag.String("ptz", ":8103", "PTZ head listen address (disabled when empty)")
	ptzType   = flag.String("ptz-type", "visca", "PTZ protocol: visca or vcc50i")
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.ListenAndServe(ctx, "robot", *robotAddr, sim.NewRobot()) })
	if *laserAddr != "" {
		g.Go(func() error { return sim.ListenAndServe(ctx, "laser", *laserAddr, sim.NewURG()) })
	}
	if *ptzAddr != "" {
		g.Go(func() error { return sim.ListenAndServe(ctx, "ptz", *ptzAddr, sim.NewCamera(*ptzType)) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("roversim: %v", err)
	}
}
