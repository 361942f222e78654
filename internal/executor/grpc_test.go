package executor

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/oagw/internal/config"
)

// startRawServer runs a passthrough gRPC server whose unknown-service
// handler is the given function, and returns its endpoint.
func startRawServer(t *testing.T, handler grpc.StreamHandler) config.Endpoint {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(
		grpc.ForceServerCodec(RawCodec()),
		grpc.UnknownServiceHandler(handler),
	)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.Endpoint{Scheme: "grpc", Host: host, Port: port}
}

func echoHandler(_ any, stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	if vals := md.Get("x-tenant"); len(vals) > 0 {
		_ = stream.SendHeader(metadata.Pairs("x-seen-tenant", vals[0]))
	}
	for {
		f := &Frame{}
		if err := stream.RecvMsg(f); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		f.payload = append([]byte("echo:"), f.payload...)
		if err := stream.SendMsg(f); err != nil {
			return err
		}
	}
}

func TestGRPCProxyRelaysFrames(t *testing.T) {
	backend := startRawServer(t, echoHandler)

	proxy := NewGRPCProxy(Timeouts{}, nil)
	defer proxy.Close()

	gateway := startRawServer(t, func(_ any, stream grpc.ServerStream) error {
		return proxy.Proxy(stream, backend, nil, 5*time.Second)
	})

	conn, err := grpc.NewClient(gateway.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-tenant", "acme")

	stream, err := conn.NewStream(ctx, proxyDesc, "/test.Echo/Do")
	require.NoError(t, err)

	require.NoError(t, stream.SendMsg(&Frame{payload: []byte("one")}))
	got := &Frame{}
	require.NoError(t, stream.RecvMsg(got))
	assert.Equal(t, []byte("echo:one"), got.payload)

	// Metadata crossed both hops.
	header, err := stream.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, header.Get("x-seen-tenant"))

	require.NoError(t, stream.SendMsg(&Frame{payload: []byte("two")}))
	require.NoError(t, stream.RecvMsg(got))
	assert.Equal(t, []byte("echo:two"), got.payload)

	require.NoError(t, stream.CloseSend())
	assert.Equal(t, io.EOF, stream.RecvMsg(&Frame{}))
}

func TestGRPCProxyStripsGatewayMetadata(t *testing.T) {
	seen := make(chan metadata.MD, 1)
	backend := startRawServer(t, func(_ any, stream grpc.ServerStream) error {
		md, _ := metadata.FromIncomingContext(stream.Context())
		seen <- md
		f := &Frame{}
		if err := stream.RecvMsg(f); err != nil {
			return err
		}
		return stream.SendMsg(f)
	})

	proxy := NewGRPCProxy(Timeouts{}, nil)
	defer proxy.Close()

	// The header set stands in for the chain-mutated request headers:
	// routing keys still present, one header added by a transform.
	header := map[string][]string{
		"x-oagw-tenant":      {"acme"},
		"x-oagw-alias":       {"vendor"},
		"X-OAGW-Target-Host": {"us.vendor.com"},
		"X-Injected":         {"by-transform"},
	}
	gateway := startRawServer(t, func(_ any, stream grpc.ServerStream) error {
		return proxy.Proxy(stream, backend, header, 5*time.Second)
	})

	conn, err := grpc.NewClient(gateway.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, proxyDesc, "/test.Echo/Do")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&Frame{payload: []byte("x")}))
	require.NoError(t, stream.RecvMsg(&Frame{}))

	md := <-seen
	assert.Empty(t, md.Get("x-oagw-tenant"))
	assert.Empty(t, md.Get("x-oagw-alias"))
	assert.Empty(t, md.Get("x-oagw-target-host"))
	assert.Equal(t, []string{"by-transform"}, md.Get("x-injected"))
}

func TestGRPCProxyForwardsUpstreamStatus(t *testing.T) {
	backend := startRawServer(t, func(_ any, _ grpc.ServerStream) error {
		return status.Error(codes.FailedPrecondition, "ledger closed")
	})

	proxy := NewGRPCProxy(Timeouts{}, nil)
	defer proxy.Close()

	gateway := startRawServer(t, func(_ any, stream grpc.ServerStream) error {
		return proxy.Proxy(stream, backend, nil, 5*time.Second)
	})

	conn, err := grpc.NewClient(gateway.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, proxyDesc, "/test.Echo/Do")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&Frame{payload: []byte("x")}))

	err = stream.RecvMsg(&Frame{})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "ledger closed", st.Message())
}

func TestGRPCProxyUnreachableEndpoint(t *testing.T) {
	proxy := NewGRPCProxy(Timeouts{Request: 500 * time.Millisecond}, nil)
	defer proxy.Close()

	dead := config.Endpoint{Scheme: "grpc", Host: "127.0.0.1", Port: 1}
	gateway := startRawServer(t, func(_ any, stream grpc.ServerStream) error {
		return proxy.Proxy(stream, dead, nil, 500*time.Millisecond)
	})

	conn, err := grpc.NewClient(gateway.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, proxyDesc, "/test.Echo/Do")
	require.NoError(t, err)
	_ = stream.SendMsg(&Frame{payload: []byte("x")})

	err = stream.RecvMsg(&Frame{})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Contains(t,
		[]codes.Code{codes.Unavailable, codes.DeadlineExceeded},
		st.Code())
}
