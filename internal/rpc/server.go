package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/getathos/athos-agent/internal/model"
)

// Classifier evaluates a URL locally.
type Classifier interface {
	Classify(rawURL string) model.Decision
}

// StatusSource summarizes the running agent.
type StatusSource interface {
	Status(ctx context.Context) (model.AgentStatus, error)
}

// Refresher forces a policy and prohibited-list refresh and returns the
// outcome per source.
type Refresher interface {
	RefreshAll(ctx context.Context) map[string]string
}

// Server implements the Agent gRPC service.
type Server struct {
	classifier Classifier
	status     StatusSource
	refresher  Refresher
	log        *zap.Logger
	grpcServer *grpc.Server
}

// NewServer creates a gRPC server with the service registered.
func NewServer(classifier Classifier, st StatusSource, refresher Refresher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		classifier: classifier,
		status:     st,
		refresher:  refresher,
		log:        log,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverUnary))
	RegisterAgentServer(s.grpcServer, s)
	return s
}

// Serve listens on addr and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()
	s.log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ServeOn starts the gRPC server on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts down the gRPC server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// Lookup implements the Lookup RPC. The request carries a "url" field.
func (s *Server) Lookup(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw := req.GetFields()["url"].GetStringValue()
	if raw == "" {
		return nil, status.Error(codes.InvalidArgument, "url is required")
	}
	return toStruct(s.classifier.Classify(raw))
}

// Status implements the Status RPC.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.status.Status(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	return toStruct(st)
}

// Refresh implements the Refresh RPC.
func (s *Server) Refresh(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	outcomes := s.refresher.RefreshAll(ctx)
	fields := make(map[string]any, len(outcomes))
	for k, v := range outcomes {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("rpc panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// toStruct converts a JSON-tagged value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// fromStruct decodes a structpb.Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
