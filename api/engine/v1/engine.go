// Package enginev1 defines the gRPC contract between geebatch and a remote
// engine process. Messages are google.protobuf.Struct values so the service
// needs no generated code; the field names below are the wire contract.
//
//	service geebatch.engine.v1.Engine {
//	  rpc Start (Struct{kind, params})  returns (Struct{job_id})
//	  rpc Status(Struct{job_id})        returns (Struct{state, error})
//	  rpc Cancel(Struct{job_id})        returns (Struct{})
//	}
package enginev1

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "geebatch.engine.v1.Engine"

	StartMethod  = "/" + ServiceName + "/Start"
	StatusMethod = "/" + ServiceName + "/Status"
	CancelMethod = "/" + ServiceName + "/Cancel"
)

// Field names used in request and response structs.
const (
	FieldKind   = "kind"
	FieldParams = "params"
	FieldJobID  = "job_id"
	FieldState  = "state"
	FieldError  = "error"
)

// EngineServer is implemented by the serving side.
type EngineServer interface {
	Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterEngineServer registers srv on s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unaryHandler(StartMethod, EngineServer.Start)},
		{MethodName: "Status", Handler: unaryHandler(StatusMethod, EngineServer.Status)},
		{MethodName: "Cancel", Handler: unaryHandler(CancelMethod, EngineServer.Cancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "geebatch/engine/v1",
}

type unaryMethod func(EngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(EngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// EngineClient is the calling side of the service.
type EngineClient struct {
	cc grpc.ClientConnInterface
}

// NewEngineClient wraps a connection.
func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

func (c *EngineClient) Start(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, StartMethod, in, opts...)
}

func (c *EngineClient) Status(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, StatusMethod, in, opts...)
}

func (c *EngineClient) Cancel(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, CancelMethod, in, opts...)
}

func (c *EngineClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StringField reads a required string field.
func StringField(s *structpb.Struct, name string) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", name)
	}
	return str.StringValue, nil
}

// OptionalString reads a string field, returning "" when absent.
func OptionalString(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// JobIDRequest builds the {job_id} message shared by Status and Cancel.
func JobIDRequest(id string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldJobID: structpb.NewStringValue(id),
	}}
}
