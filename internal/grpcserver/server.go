// Package grpcserver exposes single-event reconstruction over gRPC. Requests
// and replies are google.protobuf.Struct values carrying the same JSON shape
// as the HTTP POST /reconstruct endpoint.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"showerreco/internal/api"
	"showerreco/internal/metrics"
	"showerreco/internal/reco"
)

const (
	ServiceName         = "showerreco.v1.Reconstruction"
	ReconstructFullName = "/" + ServiceName + "/Reconstruct"
)

// ReconstructionServer is the server API of the Reconstruction service.
type ReconstructionServer interface {
	Reconstruct(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Reconstruction service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReconstructionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reconstruct", Handler: reconstructHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "showerreco/v1/reconstruction.proto",
}

func reconstructHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReconstructionServer).Reconstruct(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReconstructFullName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReconstructionServer).Reconstruct(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements ReconstructionServer.
type Server struct {
	rec     *reco.Reconstructor
	metrics *metrics.Collector
	log     *slog.Logger
}

// New returns a service reconstructing with rec.
func New(rec *reco.Reconstructor, mc *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{rec: rec, metrics: mc, log: logger}
}

// Reconstruct decodes one array event and returns its prediction.
func (s *Server) Reconstruct(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.rec == nil {
		return nil, status.Error(codes.FailedPrecondition, "no instrument loaded")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	res, err := api.Reconstruct(s.rec, data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.metrics.ObserveStats(reco.Summarize([]reco.Result{res}))
	if !res.Reconstructed() {
		s.log.Debug("event not reconstructed", "array_event_id", res.EventID, "status", res.Status)
	}
	out, err := toStruct(api.NewResponse(res))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// Register adds the Reconstruction and health services to gs.
func (s *Server) Register(gs *grpc.Server) *health.Server {
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if s.rec != nil {
		hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	} else {
		hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// NewGRPCServer builds a grpc.Server with the metrics interceptor and both
// services registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.metrics.UnaryServerInterceptor()))
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down grpc server")
		gs.GracefulStop()
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Client calls the Reconstruction service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Reconstruct performs the raw RPC.
func (c *Client) Reconstruct(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ReconstructFullName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReconstructJSON sends a JSON-encoded array event and decodes the reply.
func (c *Client) ReconstructJSON(ctx context.Context, event []byte) (api.Response, error) {
	var resp api.Response
	in := new(structpb.Struct)
	if err := protojson.Unmarshal(event, in); err != nil {
		return resp, err
	}
	out, err := c.Reconstruct(ctx, in)
	if err != nil {
		return resp, err
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		return resp, err
	}
	err = json.Unmarshal(data, &resp)
	return resp, err
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
