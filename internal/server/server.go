package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	enginev1 "github.com/ChuLiYu/geebatch/api/engine/v1"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Server exposes an engine.Engine over gRPC.
type Server struct {
	engine engine.Engine
	logger zerolog.Logger
}

// NewServer creates a gRPC server instance backed by eng.
func NewServer(eng engine.Engine, logger zerolog.Logger) *Server {
	return &Server{engine: eng, logger: logger}
}

// Start handles job submission from orchestrators.
func (s *Server) Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, err := enginev1.StringField(req, enginev1.FieldKind)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var params map[string]interface{}
	if v, ok := req.GetFields()[enginev1.FieldParams]; ok {
		params = v.GetStructValue().AsMap()
	}

	id, err := s.engine.Start(ctx, types.JobKind(kind), params)
	if err != nil {
		return nil, engine.ToStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		enginev1.FieldJobID: structpb.NewStringValue(string(id)),
	}}, nil
}

// Status reports the state of one job.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := enginev1.StringField(req, enginev1.FieldJobID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	st, err := s.engine.Status(ctx, types.JobID(id))
	if err != nil {
		return nil, engine.ToStatus(err)
	}
	fields := map[string]*structpb.Value{
		enginev1.FieldState: structpb.NewStringValue(string(st.State)),
	}
	if st.Error != "" {
		fields[enginev1.FieldError] = structpb.NewStringValue(st.Error)
	}
	return &structpb.Struct{Fields: fields}, nil
}

// Cancel stops one job.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := enginev1.StringField(req, enginev1.FieldJobID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.engine.Cancel(ctx, types.JobID(id)); err != nil {
		return nil, engine.ToStatus(err)
	}
	return &structpb.Struct{}, nil
}

// NewGRPCServer builds a grpc.Server with the engine service registered and
// request logging installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	gs := grpc.NewServer(opts...)
	enginev1.RegisterEngineServer(gs, s)
	return gs
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	ev := s.logger.Debug()
	if err != nil && status.Code(err) != codes.NotFound {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("elapsed", time.Since(start)).
		Msg("Engine RPC")
	return resp, err
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Engine service listening")

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}
