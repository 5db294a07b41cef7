package grpcrelay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"treesync/internal/metrics"
	"treesync/internal/relay"
)

type Options struct {
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
}

// Server is a relay.Listener backed by a gRPC server. Each Connect stream
// becomes one accepted channel and lives until that channel closes.
type Server struct {
	grpc *grpc.Server

	accept    chan *conn
	closed    chan struct{}
	closeOnce sync.Once
}

func NewServer(opts Options) *Server {
	var serverOpts []grpc.ServerOption
	if opts.MaxConcurrentStreams > 0 {
		serverOpts = append(serverOpts, grpc.MaxConcurrentStreams(opts.MaxConcurrentStreams))
	}
	if opts.KeepaliveTime > 0 {
		serverOpts = append(serverOpts,
			grpc.KeepaliveParams(keepalive.ServerParameters{Time: opts.KeepaliveTime, Timeout: 5 * time.Second}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: opts.KeepaliveTime / 2, PermitWithoutStream: true}),
		)
	}
	serverOpts = append(serverOpts, grpc.StreamInterceptor(metrics.StreamServerInterceptor()))

	s := &Server{
		grpc:   grpc.NewServer(serverOpts...),
		accept: make(chan *conn),
		closed: make(chan struct{}),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	reflection.Register(s.grpc)
	return s
}

// Serve blocks serving lis until Close.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("relay listening", "transport", "grpc", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

func (s *Server) Accept(ctx context.Context) (relay.Conn, error) {
	select {
	case c := <-s.accept:
		return c, nil
	case <-s.closed:
		return nil, relay.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the gRPC server and ends every open stream.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.grpc.Stop()
	})
	return nil
}

func (s *Server) Connect(stream grpc.ServerStream) error {
	c := newConn(stream, nil)

	select {
	case s.accept <- c:
	case <-s.closed:
		c.Close()
		return nil
	case <-stream.Context().Done():
		c.shutdown(relay.ErrClosed)
		return stream.Context().Err()
	}

	select {
	case <-c.Done():
	case <-s.closed:
		c.Close()
	}
	return nil
}
