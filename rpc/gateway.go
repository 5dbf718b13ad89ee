package rpc

import (
	"context"

	"neptune/proto"
)

type GatewayType int

const (
	WorkerType GatewayType = iota + 1
	ManagerType
)

// Gateway is a typed handle to a remote node.
type Gateway interface {
	Address() string
}

// WorkerGateway is called by the job manager on a worker.
type WorkerGateway interface {
	Gateway
	SubmitInstance(ctx context.Context, req *proto.InstanceDispatch) *Future[*proto.Ack]
	StopInstance(ctx context.Context, instanceID int64) *Future[*proto.Ack]
	QueryInstanceStatus(ctx context.Context, instanceID int64) *Future[*proto.InstanceStatusReply]
}

// ManagerGateway is called by workers on the job manager.
type ManagerGateway interface {
	Gateway
	ReportStatus(ctx context.Context, req *proto.StatusReport) *Future[*proto.Ack]
	Heartbeat(ctx context.Context, req *proto.WorkerHeartbeat) *Future[*proto.Ack]
	RequestWork(ctx context.Context, req *proto.WorkRequest) *Future[*proto.WorkResponse]
}

// WorkerConnector hands out worker gateways. Service implements it.
type WorkerConnector interface {
	ConnectWorker(address string) (WorkerGateway, error)
}

// WorkerEndpoint is the local object served under the worker service.
type WorkerEndpoint interface {
	SubmitInstance(ctx context.Context, req *proto.InstanceDispatch) (*proto.Ack, error)
	StopInstance(ctx context.Context, req *proto.StopRequest) (*proto.Ack, error)
	QueryInstanceStatus(ctx context.Context, req *proto.StatusQuery) (*proto.InstanceStatusReply, error)
}

// ManagerEndpoint is the local object served under the manager service.
type ManagerEndpoint interface {
	ReportStatus(ctx context.Context, req *proto.StatusReport) (*proto.Ack, error)
	Heartbeat(ctx context.Context, req *proto.WorkerHeartbeat) (*proto.Ack, error)
	RequestWork(ctx context.Context, req *proto.WorkRequest) (*proto.WorkResponse, error)
}
