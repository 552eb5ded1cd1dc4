package ptz

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/monitoring"
)

// Connector flag defaults. The head type has no flag default: the standard
// build injects one through the default arguments.
const (
	DefaultPort = "/dev/ttyS1"
	DefaultBaud = 9600
)

// Connector brings up the PTZ heads named on the command line.
type Connector struct {
	typ  *string
	port *string
	baud *int

	// Opener opens device links; devport.Open when nil.
	Opener devport.Opener
	// Timeout bounds each command exchange; DefaultTimeout when zero.
	Timeout time.Duration

	ptzs []PTZ
}

// NewConnector registers the PTZ flags on args.
func NewConnector(args *config.Args) *Connector {
	fs := args.FlagSet()
	return &Connector{
		typ:  fs.String("ptz-type", "", "PTZ head type: vcc50i or visca"),
		port: fs.String("ptz-port", DefaultPort, "comma separated PTZ addresses: serial device, tcp:host:port"),
		baud: fs.Int("ptz-baud", DefaultBaud, "PTZ serial baud rate"),
	}
}

// Addresses returns the configured PTZ addresses in numbering order.
func (c *Connector) Addresses() []string {
	if c.port == nil {
		return nil
	}
	return devport.SplitAddresses(*c.port)
}

// Connect opens and initialises every configured head. It returns
// ErrNoDevice when none is configured; a head that fails closes those
// already opened.
func (c *Connector) Connect(ctx context.Context) error {
	addrs := c.Addresses()
	if len(addrs) == 0 {
		return ErrNoDevice
	}
	typ := ""
	if c.typ != nil {
		typ = *c.typ
	}
	if typ != "vcc50i" && typ != "visca" {
		return fmt.Errorf("unknown PTZ type %q", typ)
	}
	open := c.Opener
	if open == nil {
		open = devport.Open
	}
	opts := devport.Options{BaudRate: DefaultBaud}
	if c.baud != nil {
		opts.BaudRate = *c.baud
	}

	var heads []PTZ
	fail := func(err error) error {
		for _, h := range heads {
			_ = h.Close()
		}
		return err
	}
	for i, addr := range addrs {
		port, err := open(ctx, addr, opts)
		if err != nil {
			return fail(fmt.Errorf("ptz %d at %s: %w", i+1, addr, err))
		}
		name := fmt.Sprintf("%s_%d", typ, i+1)
		var head PTZ
		switch typ {
		case "vcc50i":
			v := NewVCC(name, port)
			v.link.timeout = c.timeout()
			head = v
		case "visca":
			v := NewVisca(name, port)
			v.link.timeout = c.timeout()
			head = v
		}
		if err := head.Init(ctx); err != nil {
			_ = head.Close()
			return fail(fmt.Errorf("ptz %d at %s: %w", i+1, addr, err))
		}
		heads = append(heads, head)
	}
	c.ptzs = heads
	monitoring.Logf("connected %d %s PTZ head(s)", len(heads), typ)
	return nil
}

func (c *Connector) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// NumPTZs returns the number of connected heads.
func (c *Connector) NumPTZs() int { return len(c.ptzs) }

// PTZ returns head n, numbered from 1.
func (c *Connector) PTZ(n int) (PTZ, bool) {
	if n < 1 || n > len(c.ptzs) {
		return nil, false
	}
	return c.ptzs[n-1], true
}

// Close closes every connected head.
func (c *Connector) Close() error {
	for _, h := range c.ptzs {
		_ = h.Close()
	}
	return nil
}
