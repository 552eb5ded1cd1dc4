package sim

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/banshee-data/rover/internal/monitoring"
)

// Device is a simulator that serves one connection at a time.
type Device interface {
	Serve(ctx context.Context, conn io.ReadWriteCloser) error
}

// ListenAndServe accepts connections on addr and hands them to dev one after
// another until ctx is done.
func ListenAndServe(ctx context.Context, name, addr string, dev Device) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, name, ln, dev)
}

// Serve accepts connections on ln until ctx is done. ln is closed on return.
func Serve(ctx context.Context, name string, ln net.Listener, dev Device) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	monitoring.Logf("sim %s listening on %s", name, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
		monitoring.Logf("sim %s: client %s connected", name, conn.RemoteAddr())
		if err := dev.Serve(ctx, conn); err != nil && ctx.Err() == nil {
			monitoring.Logf("sim %s: %v", name, err)
		}
		monitoring.Logf("sim %s: client %s disconnected", name, conn.RemoteAddr())
	}
}
