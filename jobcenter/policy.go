package jobcenter

import (
	"sort"

	"neptune/proto"
)

// Admits 硬性条件检查: app, 指定节点, 最低资源
func Admits(job *proto.Job, w proto.WorkerPresence) bool {
	if w.AppID != job.AppID {
		return false
	}
	if len(job.DesignatedWorkers) > 0 && !contains(job.DesignatedWorkers, w.Endpoint) {
		return false
	}
	if job.MinCPUCores > 0 && w.CPUFree < job.MinCPUCores {
		return false
	}
	if job.MinMemorySpace > 0 && w.MemFree < job.MinMemorySpace {
		return false
	}
	if job.MinDiskSpace > 0 && w.DiskFree < job.MinDiskSpace {
		return false
	}
	return true
}

// filterWorkers 遍历节点，返回满足硬性条件的候选者，按优先级排序
func filterWorkers(job *proto.Job, candidates []proto.WorkerPresence) []proto.WorkerPresence {
	out := make([]proto.WorkerPresence, 0, len(candidates))
	for _, w := range candidates {
		if Admits(job, w) {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// better: fewer inflight instances, then more free cpu, then endpoint order.
func better(a, b proto.WorkerPresence) bool {
	if a.Inflight != b.Inflight {
		return a.Inflight < b.Inflight
	}
	if a.CPUFree != b.CPUFree {
		return a.CPUFree > b.CPUFree
	}
	return a.Endpoint < b.Endpoint
}

// Select picks the single worker for a STANDALONE, MAP or MAP_REDUCE instance.
// MAP jobs go to one master worker that fans out by itself.
func Select(job *proto.Job, candidates []proto.WorkerPresence) (proto.WorkerPresence, bool) {
	ws := filterWorkers(job, candidates)
	if len(ws) == 0 {
		return proto.WorkerPresence{}, false
	}
	return ws[0], true
}

// SelectAll returns every admitted worker for BROADCAST, at most MaxWorkerCount.
func SelectAll(job *proto.Job, candidates []proto.WorkerPresence) []proto.WorkerPresence {
	ws := filterWorkers(job, candidates)
	if job.MaxWorkerCount > 0 && len(ws) > job.MaxWorkerCount {
		ws = ws[:job.MaxWorkerCount]
	}
	return ws
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
