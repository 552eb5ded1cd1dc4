package robot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

// Default controller endpoints, tried in order when -robot-port is not set:
// a simulator on the local machine, then the first serial port.
var DefaultPorts = []string{"tcp:localhost:8101", "/dev/ttyS0"}

const (
	DefaultBaud        = 9600
	DefaultSyncTimeout = 2 * time.Second
	syncAttempts       = 3
)

// Connector opens a robot connection described by command line flags.
type Connector struct {
	port *string
	baud *int

	// Opener opens device links; devport.Open when nil.
	Opener devport.Opener
	// Clock drives the robot's control loop; the real clock when nil.
	Clock timeutil.Clock
	// SyncTimeout bounds each handshake attempt.
	SyncTimeout time.Duration
}

// NewConnector registers the robot flags on args.
func NewConnector(args *config.Args) *Connector {
	fs := args.FlagSet()
	return &Connector{
		port:        fs.String("robot-port", "", "robot controller address: serial device, tcp:host:port or udp:host:port (default tries tcp:localhost:8101 then /dev/ttyS0)"),
		baud:        fs.Int("robot-baud", DefaultBaud, "robot controller serial baud rate"),
		SyncTimeout: DefaultSyncTimeout,
	}
}

// Candidates returns the addresses ConnectRobot will try, in order.
func (c *Connector) Candidates() []string {
	if c.port != nil && *c.port != "" {
		return devport.SplitAddresses(*c.port)
	}
	return append([]string(nil), DefaultPorts...)
}

// ConnectRobot tries each candidate address once and returns the first robot
// that completes the handshake.
func (c *Connector) ConnectRobot(ctx context.Context) (*Robot, error) {
	open := c.Opener
	if open == nil {
		open = devport.Open
	}
	opts := devport.Options{BaudRate: DefaultBaud}
	if c.baud != nil {
		opts.BaudRate = *c.baud
	}

	var errs []error
	for _, addr := range c.Candidates() {
		port, err := open(ctx, addr, opts)
		if err != nil {
			monitoring.Logf("robot: could not open %s: %v", addr, err)
			errs = append(errs, err)
			continue
		}
		l := newLink(port)
		id, err := handshake(ctx, l, c.syncTimeout())
		if err != nil {
			monitoring.Logf("robot: handshake on %s failed: %v", addr, err)
			_ = l.Close()
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		monitoring.Logf("robot: connected to %s %s (%s) on %s", id.Type, id.Subtype, id.Name, addr)
		return newRobot(l, id, c.Clock), nil
	}
	if len(errs) == 0 {
		return nil, errors.New("no robot address configured")
	}
	return nil, errors.Join(errs...)
}

func (c *Connector) syncTimeout() time.Duration {
	if c.SyncTimeout <= 0 {
		return DefaultSyncTimeout
	}
	return c.SyncTimeout
}

type identity struct {
	Name    string
	Type    string
	Subtype string
}

// handshake runs SYNC0, SYNC1 and SYNC2, each retried up to three times,
// then opens the controller and sends a first pulse.
func handshake(ctx context.Context, l *link, timeout time.Duration) (identity, error) {
	var id identity
	sentClose := false
	for _, sync := range []Command{CmdSync0, CmdSync1, CmdSync2} {
		var reply Packet
		var err error
		for attempt := 1; attempt <= syncAttempts; attempt++ {
			if err = l.send(NewCommand(sync)); err != nil {
				return id, err
			}
			reply, err = awaitSync(ctx, l, sync, timeout, &sentClose)
			if err == nil {
				break
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, errLinkClosed) {
				return id, err
			}
		}
		if err != nil {
			return id, fmt.Errorf("no reply to SYNC%d after %d attempts: %w", sync, syncAttempts, err)
		}
		if sync == CmdSync2 {
			id = parseIdentity(reply.Data)
		}
	}
	if err := l.send(NewCommand(CmdOpen)); err != nil {
		return id, err
	}
	if err := l.send(NewCommand(CmdPulse)); err != nil {
		return id, err
	}
	return id, nil
}

var (
	errSyncTimeout = errors.New("timed out waiting for sync reply")
	errLinkClosed  = errors.New("link closed during handshake")
)

func awaitSync(ctx context.Context, l *link, sync Command, timeout time.Duration, sentClose *bool) (Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Packet{}, errSyncTimeout
			}
			return Packet{}, ctx.Err()
		case p, ok := <-l.packets:
			if !ok {
				if l.err != nil {
					return Packet{}, fmt.Errorf("%w: %v", errLinkClosed, l.err)
				}
				return Packet{}, errLinkClosed
			}
			if p.Type == byte(sync) {
				return p, nil
			}
			// A controller still open from a previous client keeps sending
			// SIPs; close it so it accepts the sync sequence again.
			if IsSIP(p.Type) && !*sentClose {
				*sentClose = true
				if err := l.send(NewCommand(CmdClose)); err != nil {
					return Packet{}, err
				}
			}
		}
	}
}

func parseIdentity(data []byte) identity {
	parts := bytes.Split(data, []byte{0})
	get := func(i int) string {
		if i < len(parts) {
			return string(parts[i])
		}
		return ""
	}
	return identity{Name: get(0), Type: get(1), Subtype: get(2)}
}
