package gateway

import (
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/oagw/internal/admission"
	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/executor"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/plugin"
	"github.com/vyrodovalexey/oagw/internal/selector"
)

// Metadata keys the gRPC surface reads. gRPC has no URL to carry tenant
// and alias, so callers put them in metadata.
const (
	MetadataTenant = "x-oagw-tenant"
	MetadataAlias  = "x-oagw-alias"
)

// GRPCServer accepts arbitrary gRPC calls and relays their frames to the
// selected endpoint without decoding protobuf payloads.
type GRPCServer struct {
	pipeline *Pipeline
	proxy    *executor.GRPCProxy
	server   *grpc.Server
	logger   observability.Logger
}

// NewGRPCServer builds the passthrough gRPC listener. Every method name is
// unknown by construction; the handler routes on the wire-level method.
func NewGRPCServer(pipeline *Pipeline, proxy *executor.GRPCProxy, logger observability.Logger) *GRPCServer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &GRPCServer{
		pipeline: pipeline,
		proxy:    proxy,
		logger:   logger,
	}
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(executor.RawCodec()),
		grpc.UnknownServiceHandler(s.handle),
	)
	return s
}

// Serve blocks on the listener until Stop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("grpc listener started", observability.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop drains in-flight streams.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
	s.proxy.Close()
}

func (s *GRPCServer) handle(_ any, stream grpc.ServerStream) error {
	ctx := stream.Context()
	fullMethod, ok := grpc.Method(ctx)
	if !ok {
		return status.Error(codes.Internal, "no method in stream context")
	}
	service, method, ok := splitFullMethod(fullMethod)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "malformed method %q", fullMethod)
	}

	md, _ := metadata.FromIncomingContext(ctx)
	tenant := metadataValue(md, MetadataTenant)
	alias := metadataValue(md, MetadataAlias)
	if tenant == "" || alias == "" {
		return status.Errorf(codes.InvalidArgument, "missing %s or %s metadata", MetadataTenant, MetadataAlias)
	}

	p := s.pipeline
	up, err := p.selector.ResolveAlias(tenant, alias)
	if err != nil {
		return grpcStatus(oagwerr.Classify(err))
	}
	if up.Protocol != config.ProtocolGRPC {
		return status.Errorf(codes.Unimplemented, "upstream %s does not speak grpc", up.ID)
	}

	eff, err := p.resolver.Resolve(tenant, up)
	if err != nil {
		return grpcStatus(oagwerr.Classify(err))
	}

	route, err := p.selector.MatchRoute(up, selector.RouteRequest{
		GRPCService: service,
		GRPCMethod:  method,
	})
	if err != nil {
		return grpcStatus(oagwerr.Classify(err))
	}

	endpoint, err := p.selector.SelectEndpoint(up, metadataValue(md, strings.ToLower(selector.HeaderTargetHost)))
	if err != nil {
		return grpcStatus(oagwerr.Classify(err))
	}

	ticket, err := p.admission.Admit(ctx, admission.Request{
		TenantID:  tenant,
		Upstream:  up,
		Route:     route,
		Endpoint:  endpoint,
		RateLimit: eff.RateLimit,
	})
	if err != nil {
		classified := oagwerr.Classify(err)
		p.metrics.AdmissionDenialsTotal.WithLabelValues(up.ID, string(classified.Kind)).Inc()
		return grpcStatus(classified)
	}
	if ticket.Degraded != nil {
		// Degrade responses are HTTP-shaped; on gRPC the call is shed.
		return grpcStatus(oagwerr.New(oagwerr.KindCircuitOpen, "upstream degraded"))
	}

	upstreamRefs := eff.Plugins
	if eff.Auth != nil {
		upstreamRefs = append([]config.PluginRef{eff.Auth.Plugin}, eff.Plugins...)
	}
	chain, err := p.chains.For(tenant, up.ID, route, upstreamRefs)
	if err != nil {
		ticket.Abort()
		return grpcStatus(oagwerr.Classify(err))
	}

	req := &plugin.Request{
		TenantID: tenant,
		Method:   "POST",
		Path:     fullMethod,
		Header:   headerFromMetadata(md),
	}
	d := chain.OnRequest(ctx, req)
	if rejection := d.Rejection(); rejection != nil {
		ticket.Abort()
		p.metrics.PluginDirectivesTotal.WithLabelValues("chain", "reject").Inc()
		return grpcStatus(chain.OnError(ctx, req, rejection))
	}
	if d.Response() != nil {
		// Synthetic responses carry HTTP bodies that have no gRPC shape.
		ticket.Abort()
		return status.Error(codes.Unimplemented, "plugin respond is not supported on grpc")
	}

	if err := s.proxy.Proxy(stream, endpoint, req.Header, up.Timeout.Duration()); err != nil {
		if ctx.Err() != nil {
			ticket.Abort()
		} else {
			ticket.Fail()
		}
		p.metrics.UpstreamErrorsTotal.WithLabelValues(up.ID, string(oagwerr.KindDownstreamError)).Inc()
		return err
	}
	ticket.Succeed()
	return nil
}

// splitFullMethod parses "/package.Service/Method".
func splitFullMethod(full string) (service, method string, ok bool) {
	full = strings.TrimPrefix(full, "/")
	service, method, ok = strings.Cut(full, "/")
	if service == "" || method == "" {
		return "", "", false
	}
	return service, method, ok
}

func metadataValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func headerFromMetadata(md metadata.MD) map[string][]string {
	h := make(map[string][]string, len(md))
	for k, vals := range md {
		h[k] = append([]string(nil), vals...)
	}
	return h
}

// grpcStatus maps the error taxonomy onto gRPC status codes.
func grpcStatus(e *oagwerr.Error) error {
	var code codes.Code
	switch e.Kind {
	case oagwerr.KindRouteNotFound, oagwerr.KindUpstreamNotFound, oagwerr.KindPluginNotFound:
		code = codes.NotFound
	case oagwerr.KindAuthFailed:
		code = codes.Unauthenticated
	case oagwerr.KindPluginRejected:
		code = codes.PermissionDenied
	case oagwerr.KindRateLimitExceeded, oagwerr.KindConcurrencyExceeded, oagwerr.KindQueueFull:
		code = codes.ResourceExhausted
	case oagwerr.KindCircuitOpen, oagwerr.KindDownstreamError:
		code = codes.Unavailable
	case oagwerr.KindConnectionTimeout, oagwerr.KindRequestTimeout,
		oagwerr.KindIdleTimeout, oagwerr.KindQueueTimeout:
		code = codes.DeadlineExceeded
	case oagwerr.KindStreamAborted:
		code = codes.Canceled
	case oagwerr.KindValidation, oagwerr.KindMissingTargetHost,
		oagwerr.KindInvalidTargetHost, oagwerr.KindUnknownTargetHost:
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, e.Detail)
}
