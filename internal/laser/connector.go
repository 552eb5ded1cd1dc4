package laser

import (
	"context"
	"fmt"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/monitoring"
)

// Connector flag defaults.
const (
	DefaultType = "urg"
	DefaultPort = "/dev/ttyACM0"
	DefaultBaud = 115200
)

// Connector brings up every laser named on the command line.
type Connector struct {
	typ  *string
	port *string
	baud *int

	// Opener opens device links; devport.Open when nil.
	Opener devport.Opener
	// Configure, when set, is applied to each driver before Connect.
	Configure func(*URG)
}

// NewConnector registers the laser flags on args.
func NewConnector(args *config.Args) *Connector {
	fs := args.FlagSet()
	return &Connector{
		typ:  fs.String("laser-type", DefaultType, "laser type (urg)"),
		port: fs.String("laser-port", DefaultPort, "comma separated laser addresses: serial device, tcp:host:port"),
		baud: fs.Int("laser-baud", DefaultBaud, "laser serial baud rate"),
	}
}

// Addresses returns the configured laser addresses in numbering order.
func (c *Connector) Addresses() []string {
	if c.port == nil {
		return nil
	}
	return devport.SplitAddresses(*c.port)
}

// ConnectLasers connects each configured laser, adds it to host numbered
// from 1 and starts its polling loop. If any laser fails, the ones already
// opened are closed. It returns ErrNoDevice when no laser is configured.
func (c *Connector) ConnectLasers(ctx context.Context, host Host) ([]Laser, error) {
	addrs := c.Addresses()
	if len(addrs) == 0 {
		return nil, ErrNoDevice
	}
	typ := DefaultType
	if c.typ != nil && *c.typ != "" {
		typ = *c.typ
	}
	if typ != "urg" {
		return nil, fmt.Errorf("unknown laser type %q", typ)
	}

	open := c.Opener
	if open == nil {
		open = devport.Open
	}
	opts := devport.Options{BaudRate: DefaultBaud}
	if c.baud != nil {
		opts.BaudRate = *c.baud
	}

	var connected []Laser
	closeAll := func() {
		for _, l := range connected {
			_ = l.Close()
		}
	}
	for i, addr := range addrs {
		port, err := open(ctx, addr, opts)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("laser %d at %s: %w", i+1, addr, err)
		}
		u := NewURG(fmt.Sprintf("%s_%d", typ, i+1), port)
		if c.Configure != nil {
			c.Configure(u)
		}
		if err := u.Connect(ctx); err != nil {
			_ = u.Close()
			closeAll()
			return nil, fmt.Errorf("laser %d at %s: %w", i+1, addr, err)
		}
		connected = append(connected, u)
	}

	for i, l := range connected {
		host.AddLaser(i+1, l)
		l.RunAsync(ctx)
	}
	monitoring.Logf("connected %d laser(s)", len(connected))
	return connected, nil
}
