package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlServiceName is the gRPC service carrying the control surface.
const ControlServiceName = "rover.Control"

// ControlServer is the gRPC control surface. Messages are well-known
// protobuf types so clients need no generated code: requests and results are
// google.protobuf.Struct values mirroring the JSON API.
type ControlServer interface {
	// Call runs a named handler: {"name": ..., "args": {...}} -> {"result": ...}.
	Call(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRobotInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListModes(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ActivateMode(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	RatioDrive(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchRobotInfo(*emptypb.Empty, grpc.ServerStream) error
}

// ControlServiceDesc describes the control service for registration and for
// clients invoking it without generated stubs.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Call", newStruct, ControlServer.Call),
		unary("GetRobotInfo", newEmpty, ControlServer.GetRobotInfo),
		unary("ListModes", newEmpty, ControlServer.ListModes),
		unary("ActivateMode", newStruct, ControlServer.ActivateMode),
		unary("RatioDrive", newStruct, ControlServer.RatioDrive),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchRobotInfo",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(emptypb.Empty)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ControlServer).WatchRobotInfo(in, stream)
		},
	}},
	Metadata: "rover/control.proto",
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }

func unary[Req proto.Message, Resp any](name string, newReq func() Req, call func(ControlServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			h := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(Req))
			}
			if interceptor == nil {
				return h(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ControlServiceName + "/" + name}
			return interceptor(ctx, in, info, h)
		},
	}
}

// FullMethod returns the invocation path of a control method.
func FullMethod(name string) string {
	return "/" + ControlServiceName + "/" + name
}

func registerControl(g *grpc.Server, s *Server) {
	g.RegisterService(&ControlServiceDesc, &control{s: s})
}

type control struct {
	s *Server
}

func (c *control) call(ctx context.Context, name string, args *structpb.Struct) (any, error) {
	var raw json.RawMessage
	if args != nil && len(args.GetFields()) > 0 {
		b, err := json.Marshal(args.AsMap())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		raw = b
	}
	res, err := c.s.Call(ctx, name, raw, incomingToken(ctx))
	if err != nil {
		return nil, grpcError(err)
	}
	return res, nil
}

func (c *control) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := in.GetFields()["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	res, err := c.call(ctx, name, in.GetFields()["args"].GetStructValue())
	if err != nil {
		return nil, err
	}
	v, err := toValue(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"result": v}}, nil
}

func (c *control) GetRobotInfo(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return c.object(ctx, "getRobotInfo", nil)
}

func (c *control) ListModes(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := c.call(ctx, "listModes", nil)
	if err != nil {
		return nil, err
	}
	var active string
	if m := c.s.Modes().Active(); m != nil {
		active = m.Name()
	}
	v, err := toValue(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"modes":  v,
		"active": structpb.NewStringValue(active),
	}}, nil
}

func (c *control) ActivateMode(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if _, err := c.call(ctx, "switchMode", in); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (c *control) RatioDrive(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if _, err := c.call(ctx, "ratioDrive", in); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (c *control) WatchRobotInfo(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	ticker := c.s.Clock.NewTicker(c.s.updateInterval())
	defer ticker.Stop()
	for {
		msg, err := c.object(ctx, "getRobotInfo", nil)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// object calls a handler whose result is a JSON object.
func (c *control) object(ctx context.Context, name string, args *structpb.Struct) (*structpb.Struct, error) {
	res, err := c.call(ctx, name, args)
	if err != nil {
		return nil, err
	}
	st, err := toStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// toValue converts a JSON-encodable value through its JSON form.
func toValue(v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, err
	}
	return structpb.NewValue(plain)
}

func toStruct(v any) (*structpb.Struct, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	st := val.GetStructValue()
	if st == nil {
		return nil, fmt.Errorf("result is not an object")
	}
	return st, nil
}

func incomingToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if t := BearerToken(v); t != "" {
			return t
		}
	}
	return ""
}

func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, ErrUnknownCommand):
		code = codes.NotFound
	case errors.Is(err, ErrBadArguments):
		code = codes.InvalidArgument
	case errors.Is(err, ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, ErrModeLocked):
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}
