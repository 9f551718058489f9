// Package transport moves wire envelopes between servents.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go-servent/wire"
)

const deliverMethod = "/servent.Servent/Deliver"

// Handler receives inbound envelopes.
type Handler interface {
	Deliver(ctx context.Context, env *wire.Envelope) error
}

// ack is the empty reply to a delivery.
type ack struct{}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "servent.Servent",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in = new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}

	var deliver = func(ctx context.Context, req any) (any, error) {
		if err := srv.(Handler).Deliver(ctx, req.(*wire.Envelope)); err != nil {
			return nil, err
		}
		return &ack{}, nil
	}

	if interceptor == nil {
		return deliver(ctx, in)
	}

	var info = &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	return interceptor(ctx, in, info, deliver)
}

// NewServer returns a gRPC server that hands every delivery to handler.
func NewServer(handler Handler, opts ...grpc.ServerOption) *grpc.Server {
	var server = grpc.NewServer(opts...)
	server.RegisterService(&serviceDesc, handler)
	return server
}

// Serve runs a delivery server on lis until the server is stopped.
func Serve(lis net.Listener, handler Handler) (*grpc.Server, <-chan error) {
	var (
		server = NewServer(handler)
		errCh  = make(chan error, 1)
	)

	go func() {
		errCh <- server.Serve(lis)
	}()

	return server, errCh
}

// GRPC sends envelopes over gRPC, keeping one client connection per peer.
type GRPC struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPC creates a transport with no open connections.
func NewGRPC() *GRPC {
	return &GRPC{
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Send delivers env to the servent listening at to.
func (g *GRPC) Send(ctx context.Context, to wire.NodeInfo, env *wire.Envelope) error {
	var conn, err = g.conn(to.Endpoint())
	if err != nil {
		return err
	}

	if err := conn.Invoke(ctx, deliverMethod, env, &ack{}, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("failed to deliver %s to %s: %w", env.Kind, to.Endpoint(), err)
	}
	return nil
}

func (g *GRPC) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conn, exists := g.conns[addr]; exists {
		return conn, nil
	}

	var conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	g.conns[addr] = conn
	return conn, nil
}

// Close closes every cached connection.
func (g *GRPC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for addr, conn := range g.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection to %s: %w", addr, err)
		}
		delete(g.conns, addr)
	}
	return firstErr
}
