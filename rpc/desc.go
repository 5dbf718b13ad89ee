package rpc

import (
	"context"

	"google.golang.org/grpc"

	"neptune/proto"
)

const (
	workerServiceName  = "neptune.WorkerGateway"
	managerServiceName = "neptune.ManagerGateway"

	methodSubmitInstance      = "/" + workerServiceName + "/SubmitInstance"
	methodStopInstance        = "/" + workerServiceName + "/StopInstance"
	methodQueryInstanceStatus = "/" + workerServiceName + "/QueryInstanceStatus"

	methodReportStatus = "/" + managerServiceName + "/ReportStatus"
	methodHeartbeat    = "/" + managerServiceName + "/Heartbeat"
	methodRequestWork  = "/" + managerServiceName + "/RequestWork"
)

// unary adapts a typed endpoint call to a grpc method handler.
func unary[Req, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerServiceName,
	HandlerType: (*WorkerEndpoint)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitInstance",
			Handler: unary(methodSubmitInstance, func(srv any, ctx context.Context, req *proto.InstanceDispatch) (*proto.Ack, error) {
				return srv.(WorkerEndpoint).SubmitInstance(ctx, req)
			}),
		},
		{
			MethodName: "StopInstance",
			Handler: unary(methodStopInstance, func(srv any, ctx context.Context, req *proto.StopRequest) (*proto.Ack, error) {
				return srv.(WorkerEndpoint).StopInstance(ctx, req)
			}),
		},
		{
			MethodName: "QueryInstanceStatus",
			Handler: unary(methodQueryInstanceStatus, func(srv any, ctx context.Context, req *proto.StatusQuery) (*proto.InstanceStatusReply, error) {
				return srv.(WorkerEndpoint).QueryInstanceStatus(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

var managerServiceDesc = grpc.ServiceDesc{
	ServiceName: managerServiceName,
	HandlerType: (*ManagerEndpoint)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportStatus",
			Handler: unary(methodReportStatus, func(srv any, ctx context.Context, req *proto.StatusReport) (*proto.Ack, error) {
				return srv.(ManagerEndpoint).ReportStatus(ctx, req)
			}),
		},
		{
			MethodName: "Heartbeat",
			Handler: unary(methodHeartbeat, func(srv any, ctx context.Context, req *proto.WorkerHeartbeat) (*proto.Ack, error) {
				return srv.(ManagerEndpoint).Heartbeat(ctx, req)
			}),
		},
		{
			MethodName: "RequestWork",
			Handler: unary(methodRequestWork, func(srv any, ctx context.Context, req *proto.WorkRequest) (*proto.WorkResponse, error) {
				return srv.(ManagerEndpoint).RequestWork(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}
