package server

import (
	"context"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
)

type ConnFunc func(context.Context, net.Conn) error

// Server creates a new server
type Server struct {
	config *Config

	l net.Listener

	connFunc ConnFunc

	log *slog.Logger
}

// New creates a new server
func New(ctx context.Context, config *Config, f ConnFunc) (*Server, error) {
	var lc = net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", config.Address)
	if err != nil {
		return nil, err
	}

	return &Server{config, listener, f, slog.Default()}, nil
}

// Serve accepts connections until ctx is cancelled or a connFunc returns an
// error, in which case every other in-flight connFunc and the accept loop
// are cancelled too. An errgroup.Group drives that fan-in/fan-out: each
// accepted connection runs as a tracked goroutine, and the first non-nil
// error from any of them (or from ctx itself) is what Serve returns.
func (r *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		r.l.Close()
		return nil
	})

	r.log.Info("listening", "addr", r.l.Addr().String(), "network", r.l.Addr().Network())

	for gctx.Err() == nil {
		conn, err := r.l.Accept()
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			return err
		}
		r.log.Info("got conn", "local", conn.LocalAddr().String(), "remote", conn.RemoteAddr().String(), "network", conn.RemoteAddr().Network())

		g.Go(func() error {
			if err := r.connFunc(gctx, conn); err != nil {
				r.log.Error("cancelling", "error", err)
				return err
			}
			return nil
		})
	}
	r.log.Info("listen loop  exited")

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
