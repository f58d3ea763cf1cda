package engine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	enginev1 "github.com/ChuLiYu/geebatch/api/engine/v1"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// GRPCClient talks to an engine served by internal/server.
type GRPCClient struct {
	client *enginev1.EngineClient
	conn   *grpc.ClientConn // nil when the connection is owned by the caller
}

// NewGRPCClient wraps an existing connection. The caller closes it.
func NewGRPCClient(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{client: enginev1.NewEngineClient(cc)}
}

// Dial connects to an engine at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", addr, err)
	}
	c := NewGRPCClient(conn)
	c.conn = conn
	return c, nil
}

// Close closes the connection if Dial opened it.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Start implements Engine.
func (c *GRPCClient) Start(ctx context.Context, kind types.JobKind, params map[string]interface{}) (types.JobID, error) {
	p, err := structpb.NewStruct(params)
	if err != nil {
		return "", fmt.Errorf("%w: params not representable: %v", types.ErrInvalidParameter, err)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		enginev1.FieldKind:   structpb.NewStringValue(string(kind)),
		enginev1.FieldParams: structpb.NewStructValue(p),
	}}

	resp, err := c.client.Start(ctx, req)
	if err != nil {
		return "", fromStatus(err)
	}
	id, err := enginev1.StringField(resp, enginev1.FieldJobID)
	if err != nil {
		return "", fmt.Errorf("malformed start response: %w", err)
	}
	return types.JobID(id), nil
}

// Status implements Engine.
func (c *GRPCClient) Status(ctx context.Context, id types.JobID) (types.RemoteStatus, error) {
	resp, err := c.client.Status(ctx, enginev1.JobIDRequest(string(id)))
	if err != nil {
		return types.RemoteStatus{}, fromStatus(err)
	}
	state, err := enginev1.StringField(resp, enginev1.FieldState)
	if err != nil {
		return types.RemoteStatus{}, fmt.Errorf("malformed status response: %w", err)
	}
	return types.RemoteStatus{
		State: types.JobState(state),
		Error: enginev1.OptionalString(resp, enginev1.FieldError),
	}, nil
}

// Cancel implements Engine.
func (c *GRPCClient) Cancel(ctx context.Context, id types.JobID) error {
	if _, err := c.client.Cancel(ctx, enginev1.JobIDRequest(string(id))); err != nil {
		return fromStatus(err)
	}
	return nil
}

// fromStatus maps gRPC status codes back onto the package sentinels.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownJob, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, st.Message())
	default:
		return fmt.Errorf("engine rpc failed: %w", err)
	}
}

// ToStatus maps an Engine error onto a gRPC status for the serving side.
func ToStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownJob):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnsupportedKind), errors.Is(err, types.ErrInvalidParameter):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrEngineClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
