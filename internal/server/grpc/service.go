package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 仿真服务全名
const ServiceName = "cansim.v1.Simulator"

// 方法全名
const (
	MethodGetState        = "/" + ServiceName + "/GetState"
	MethodGetAttackStatus = "/" + ServiceName + "/GetAttackStatus"
	MethodToggleSecurity  = "/" + ServiceName + "/ToggleSecurity"
	MethodStartAttack     = "/" + ServiceName + "/StartAttack"
	MethodStopAttack      = "/" + ServiceName + "/StopAttack"
	MethodWatchState      = "/" + ServiceName + "/WatchState"
)

// SimulatorServer 仿真服务接口，消息均为protobuf通用类型
type SimulatorServer interface {
	GetState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetAttackStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ToggleSecurity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartAttack(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopAttack(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchState(*emptypb.Empty, grpc.ServerStream) error
}

// ServiceDesc 仿真服务描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetState", newEmpty, SimulatorServer.GetState),
		unaryMethod("GetAttackStatus", newEmpty, SimulatorServer.GetAttackStatus),
		unaryMethod("ToggleSecurity", newStruct, SimulatorServer.ToggleSecurity),
		unaryMethod("StartAttack", newStruct, SimulatorServer.StartAttack),
		unaryMethod("StopAttack", newStruct, SimulatorServer.StopAttack),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchState",
			Handler:       watchStateHandler,
			ServerStreams: true,
		},
	},
	Metadata: "cansim/v1/simulator.proto",
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

// unaryMethod 生成一元方法描述
func unaryMethod[T proto.Message](
	name string,
	newReq func() T,
	call func(SimulatorServer, context.Context, T) (*structpb.Struct, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SimulatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SimulatorServer), ctx, req.(T))
			})
		},
	}
}

func watchStateHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SimulatorServer).WatchState(in, stream)
}

// ToStruct 将可JSON编码的值转换为structpb.Struct
func ToStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FromStruct 将structpb.Struct解码到目标值
func FromStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
