package tracker

import (
	"errors"

	"neptune/proto"
)

var (
	ErrIllegalTransition = errors.New("tracker: illegal transition")
	ErrStopped           = errors.New("tracker: stopped")
)

type edge struct {
	from, to proto.InstanceStatus
}

// 合法的状态迁移，CANCELED 和 FAILED 可由任何未结束状态进入
var legal = map[edge]bool{
	{proto.WaitingDispatch, proto.WaitingWorkerReceive}: true,
	{proto.WaitingDispatch, proto.WaitingDispatch}:      true,
	{proto.WaitingWorkerReceive, proto.Running}:         true,
	{proto.WaitingWorkerReceive, proto.WaitingDispatch}: true,
	{proto.Running, proto.Running}:                      true,
	{proto.Running, proto.Succeed}:                      true,
	{proto.Running, proto.WaitingDispatch}:              true,
	{proto.Running, proto.Stopped}:                      true,
}

// Legal reports whether an instance may move from one status to another.
func Legal(from, to proto.InstanceStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == proto.Canceled || to == proto.Failed {
		return true
	}
	return legal[edge{from, to}]
}
