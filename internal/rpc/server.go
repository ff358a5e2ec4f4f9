package rpc

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ErrServerStopped is returned by ListenAndServe after Shutdown stops the
// server; callers treat it like http.ErrServerClosed.
var ErrServerStopped = grpc.ErrServerStopped

// ServerOptions configures the gRPC listener.
type ServerOptions struct {
	Host string
	Port int
	// KeepaliveTime and KeepaliveTimeout feed the server keepalive pings.
	// Zero values leave the gRPC defaults in place.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// Server owns the gRPC listener for the fleet service.
type Server struct {
	service    *FleetService
	grpcServer *grpc.Server
	addr       string
}

func NewServer(opts ServerOptions, service *FleetService) *Server {
	params := keepalive.ServerParameters{}
	if opts.KeepaliveTime > 0 {
		params.Time = opts.KeepaliveTime
	}
	if opts.KeepaliveTimeout > 0 {
		params.Timeout = opts.KeepaliveTimeout
	}
	grpcServer := grpc.NewServer(grpc.KeepaliveParams(params))
	grpcServer.RegisterService(&fleetTelemetryServiceDesc, service)
	return &Server{
		service:    service,
		grpcServer: grpcServer,
		addr:       net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
	}
}

// ListenAndServe binds the address and blocks serving RPCs until the
// server stops.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", s.addr, err)
	}
	log.Printf("[rpc] listening on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// Shutdown cancels live streams and drains the server. When ctx expires
// before the drain finishes the server is stopped hard.
func (s *Server) Shutdown(ctx context.Context) error {
	s.service.closeStreams()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}
