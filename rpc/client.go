package rpc

import (
	"context"

	"google.golang.org/grpc"

	"neptune/proto"
)

type client struct {
	address string
	conn    *grpc.ClientConn
	svc     *Service
}

func (c client) Address() string { return c.address }

// invoke runs one call in the background. No retries are attempted.
func invoke[T any](ctx context.Context, c client, method string, req any, reply T) *Future[T] {
	f := newFuture[T]()
	go func() {
		callCtx, cancel := c.svc.withDeadline(ctx)
		defer cancel()
		if err := c.conn.Invoke(callCtx, method, req, reply); err != nil {
			var zero T
			f.complete(zero, classify(err))
			return
		}
		f.complete(reply, nil)
	}()
	return f
}

type workerClient struct{ client }

func (w *workerClient) SubmitInstance(ctx context.Context, req *proto.InstanceDispatch) *Future[*proto.Ack] {
	return invoke(ctx, w.client, methodSubmitInstance, req, new(proto.Ack))
}

func (w *workerClient) StopInstance(ctx context.Context, instanceID int64) *Future[*proto.Ack] {
	return invoke(ctx, w.client, methodStopInstance, &proto.StopRequest{InstanceID: instanceID}, new(proto.Ack))
}

func (w *workerClient) QueryInstanceStatus(ctx context.Context, instanceID int64) *Future[*proto.InstanceStatusReply] {
	return invoke(ctx, w.client, methodQueryInstanceStatus, &proto.StatusQuery{InstanceID: instanceID}, new(proto.InstanceStatusReply))
}

type managerClient struct{ client }

func (m *managerClient) ReportStatus(ctx context.Context, req *proto.StatusReport) *Future[*proto.Ack] {
	return invoke(ctx, m.client, methodReportStatus, req, new(proto.Ack))
}

func (m *managerClient) Heartbeat(ctx context.Context, req *proto.WorkerHeartbeat) *Future[*proto.Ack] {
	return invoke(ctx, m.client, methodHeartbeat, req, new(proto.Ack))
}

func (m *managerClient) RequestWork(ctx context.Context, req *proto.WorkRequest) *Future[*proto.WorkResponse] {
	return invoke(ctx, m.client, methodRequestWork, req, new(proto.WorkResponse))
}
