package supervisor

import (
	"context"
	"errors"

	"neptune/proto"
	"neptune/store"
)

type reporter interface {
	Report(ctx context.Context, r *proto.StatusReport) error
}

type heartbeats interface {
	OnHeartbeat(h *proto.WorkerHeartbeat)
}

type puller interface {
	Pull(ctx context.Context, req *proto.WorkRequest) (*proto.WorkResponse, error)
}

// managerEndpoint serves the calls workers make on this node.
type managerEndpoint struct {
	tracker    reporter
	workers    heartbeats
	dispatcher puller
}

func (m managerEndpoint) ReportStatus(ctx context.Context, req *proto.StatusReport) (*proto.Ack, error) {
	if req.InstanceID <= 0 || req.WorkerAddress == "" {
		return &proto.Ack{Message: "instanceId and workerAddress are required"}, nil
	}
	if err := m.tracker.Report(ctx, req); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &proto.Ack{Message: "unknown instance"}, nil
		}
		return nil, err
	}
	return &proto.Ack{Accepted: true}, nil
}

func (m managerEndpoint) Heartbeat(ctx context.Context, req *proto.WorkerHeartbeat) (*proto.Ack, error) {
	if req.AppID <= 0 || req.WorkerAddress == "" {
		return &proto.Ack{Message: "appId and workerAddress are required"}, nil
	}
	m.workers.OnHeartbeat(req)
	return &proto.Ack{Accepted: true}, nil
}

func (m managerEndpoint) RequestWork(ctx context.Context, req *proto.WorkRequest) (*proto.WorkResponse, error) {
	return m.dispatcher.Pull(ctx, req)
}
