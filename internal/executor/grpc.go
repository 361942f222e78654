package executor

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/selector"
)

// Frame carries one gRPC message as opaque bytes so streams proxy without
// unmarshaling.
type Frame struct {
	payload []byte
}

// rawCodec moves Frame payloads through grpc-go untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	frame, ok := v.(*Frame)
	if !ok {
		return nil, status.Errorf(codes.Internal, "raw codec: unexpected message type %T", v)
	}
	return frame.payload, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	frame, ok := v.(*Frame)
	if !ok {
		return status.Errorf(codes.Internal, "raw codec: unexpected message type %T", v)
	}
	frame.payload = data
	return nil
}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) String() string { return "proto" }

// RawCodec returns the passthrough codec for the listener side.
func RawCodec() encoding.Codec {
	return rawCodec{}
}

// proxyDesc admits every stream shape; the real arity is decided by the
// endpoints.
var proxyDesc = &grpc.StreamDesc{
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCProxy relays gRPC streams to pool endpoints over shared client
// connections.
type GRPCProxy struct {
	timeouts Timeouts
	logger   observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCProxy creates a proxy with an empty connection pool.
func NewGRPCProxy(t Timeouts, logger observability.Logger) *GRPCProxy {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &GRPCProxy{
		timeouts: t.withDefaults(),
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Close tears down every pooled connection.
func (p *GRPCProxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, addr)
	}
}

func (p *GRPCProxy) conn(endpoint config.Endpoint) (*grpc.ClientConn, error) {
	addr := endpoint.Addr()

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// Proxy relays one stream to the endpoint. The given header set, usually
// the chain-mutated request headers, becomes the outbound metadata; a nil
// header falls back to the inbound metadata. Gateway routing keys are
// stripped either way and never reach the upstream. Trailers come back to
// the caller. The returned error is a gRPC status suitable for the
// listener to surface directly.
func (p *GRPCProxy) Proxy(serverStream grpc.ServerStream, endpoint config.Endpoint, header map[string][]string, timeout time.Duration) error {
	ctx := serverStream.Context()
	fullMethod, ok := grpc.Method(ctx)
	if !ok {
		return status.Error(codes.Internal, "stream carries no method")
	}

	conn, err := p.conn(endpoint)
	if err != nil {
		return status.Errorf(codes.Unavailable, "upstream unreachable: %v", err)
	}

	if timeout <= 0 {
		timeout = p.timeouts.Request
	}
	outCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if header == nil {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			header = md
		}
	}
	if md := outboundMetadata(header); len(md) > 0 {
		outCtx = metadata.NewOutgoingContext(outCtx, md)
	}

	clientStream, err := conn.NewStream(outCtx, proxyDesc, fullMethod)
	if err != nil {
		return status.Errorf(codes.Unavailable, "opening upstream stream failed: %v", err)
	}

	if md, err := clientStream.Header(); err == nil && md != nil {
		if err := serverStream.SendHeader(md); err != nil {
			p.logger.Debug("forwarding upstream headers failed", observability.Error(err))
		}
	}

	requestErr := make(chan error, 1)
	responseErr := make(chan error, 1)
	go func() { requestErr <- forwardFrames(serverStream, clientStream, clientStream.CloseSend) }()
	go func() { responseErr <- forwardFrames(clientStream, serverStream, nil) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-requestErr:
			if err != nil && err != io.EOF {
				_ = clientStream.CloseSend()
				return err
			}
		case err := <-responseErr:
			serverStream.SetTrailer(clientStream.Trailer())
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// oagwMetadataKeys address the gateway itself and must never be forwarded.
var oagwMetadataKeys = map[string]struct{}{
	"x-oagw-tenant":                            {},
	"x-oagw-alias":                             {},
	strings.ToLower(selector.HeaderTargetHost): {},
}

// outboundMetadata lowercases the header set into metadata, dropping the
// gateway routing keys and anything pseudo-header shaped.
func outboundMetadata(header map[string][]string) metadata.MD {
	md := make(metadata.MD, len(header))
	for k, vals := range header {
		key := strings.ToLower(k)
		if _, gateway := oagwMetadataKeys[key]; gateway {
			continue
		}
		if strings.HasPrefix(key, ":") {
			continue
		}
		md[key] = append([]string(nil), vals...)
	}
	return md
}

// frameStream is the send/receive surface shared by both stream halves.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// forwardFrames copies frames from src to dst until EOF. onEOF, when set,
// runs on a clean end of the source stream.
func forwardFrames(src, dst frameStream, onEOF func() error) error {
	for {
		frame := &Frame{}
		if err := src.RecvMsg(frame); err != nil {
			if err == io.EOF && onEOF != nil {
				return onEOF()
			}
			return err
		}
		if err := dst.SendMsg(frame); err != nil {
			return err
		}
	}
}
