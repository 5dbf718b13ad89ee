// Package rpc carries the typed calls between the job manager and its
// workers over gRPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"neptune/logs"
)

const closeTimeout = 5 * time.Second

// Service owns the inbound gRPC server and the outbound connections of one node.
type Service struct {
	address  string
	deadline time.Duration
	server   *grpc.Server
	logger   *zap.Logger

	mu      sync.Mutex
	lis     net.Listener
	conns   map[string]*grpc.ClientConn
	started bool
	closed  bool
}

// NewService listens on address once started. deadline applies to calls
// whose context carries none.
func NewService(address string, deadline time.Duration, logger *zap.Logger) *Service {
	s := &Service{
		address:  address,
		deadline: deadline,
		conns:    make(map[string]*grpc.ClientConn),
		logger:   logs.OrNop(logger).Named("rpc"),
	}
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(s.recoverInterceptor),
	)
	return s
}

// RegisterWorkerEndpoint must be called before Start.
func (s *Service) RegisterWorkerEndpoint(endpoint WorkerEndpoint) {
	s.server.RegisterService(&workerServiceDesc, endpoint)
}

// RegisterManagerEndpoint must be called before Start.
func (s *Service) RegisterManagerEndpoint(endpoint ManagerEndpoint) {
	s.server.RegisterService(&managerServiceDesc, endpoint)
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.address, err)
	}
	s.lis = lis
	s.started = true
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("rpc server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("rpc server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Address is the bound listen address once started.
func (s *Service) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.address
}

// Connect returns a gateway of the given type for address. The connection
// is created lazily and shared by all gateways of that address.
func (s *Service) Connect(address string, t GatewayType) (Gateway, error) {
	conn, err := s.conn(address)
	if err != nil {
		return nil, err
	}
	c := client{address: address, conn: conn, svc: s}
	switch t {
	case WorkerType:
		return &workerClient{c}, nil
	case ManagerType:
		return &managerClient{c}, nil
	}
	return nil, fmt.Errorf("rpc: unknown gateway type %d", t)
}

func (s *Service) ConnectWorker(address string) (WorkerGateway, error) {
	g, err := s.Connect(address, WorkerType)
	if err != nil {
		return nil, err
	}
	return g.(WorkerGateway), nil
}

func (s *Service) ConnectManager(address string) (ManagerGateway, error) {
	g, err := s.Connect(address, ManagerType)
	if err != nil {
		return nil, err
	}
	return g.(ManagerGateway), nil
}

// Disconnect drops the cached connection to address, e.g. after the worker was lost.
func (s *Service) Disconnect(address string) {
	s.mu.Lock()
	conn, ok := s.conns[address]
	delete(s.conns, address)
	s.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (s *Service) conn(address string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if conn, ok := s.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.conns[address] = conn
	return conn, nil
}

// Close stops serving and closes every outbound connection.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.conns = make(map[string]*grpc.ClientConn)
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		s.server.Stop()
	}
}

func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.deadline)
}

func (s *Service) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
			err = status.Errorf(codes.Internal, "panic: %v", r)
		}
	}()
	return handler(ctx, req)
}
