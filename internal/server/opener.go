package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/banshee-data/rover/internal/config"
)

// DefaultPort is the server's listening port.
const DefaultPort = 7272

// SimpleOpener binds a server to the port given on the command line.
type SimpleOpener struct {
	port   *int
	host   *string
	secret *string
}

// NewSimpleOpener registers the server flags on args.
func NewSimpleOpener(args *config.Args) *SimpleOpener {
	fs := args.FlagSet()
	return &SimpleOpener{
		port:   fs.Int("server-port", DefaultPort, "server listening port"),
		host:   fs.String("server-host", "", "server listening address (all interfaces when empty)"),
		secret: fs.String("server-secret", "", "HS256 secret required for driving commands (disabled when empty)"),
	}
}

// Port returns the configured port.
func (o *SimpleOpener) Port() int {
	if o.port == nil {
		return DefaultPort
	}
	return *o.port
}

// Open applies the secret and binds the listener.
func (o *SimpleOpener) Open(s *Server) error {
	if o.secret != nil && *o.secret != "" {
		s.SetSecret(*o.secret)
	}
	host := ""
	if o.host != nil {
		host = *o.host
	}
	if err := s.Listen(net.JoinHostPort(host, strconv.Itoa(o.Port()))); err != nil {
		return fmt.Errorf("could not open server on port %d: %w", o.Port(), err)
	}
	return nil
}
