package proto

// InstanceDispatch is sent to a worker by submitInstance.
type InstanceDispatch struct {
	InstanceID         int64              `json:"instanceId"`
	JobID              int64              `json:"jobId"`
	AppID              int64              `json:"appId"`
	JobParams          string             `json:"jobParams"`
	ExecuteType        ExecuteType        `json:"executeType"`
	ProcessorType      string             `json:"processorType"`
	ProcessorInfo      string             `json:"processorInfo"`
	Concurrency        int                `json:"concurrency"`
	TaskRetryNum       int                `json:"taskRetryNum"`
	InstanceTimeLimit  int64              `json:"instanceTimeLimit"`
	TimeExpressionType TimeExpressionType `json:"timeExpressionType"`
	TimeExpression     string             `json:"timeExpression"`
	ServerAddress      string             `json:"serverAddress"`
	AllWorkerAddress   []string           `json:"allWorkerAddress"`
}

// NewInstanceDispatch builds the worker request for inst of job.
func NewInstanceDispatch(job *Job, inst *InstanceInfo, server string, workers []string) *InstanceDispatch {
	return &InstanceDispatch{
		InstanceID:         inst.ID,
		JobID:              job.ID,
		AppID:              job.AppID,
		JobParams:          inst.JobParams,
		ExecuteType:        job.ExecuteType,
		ProcessorType:      job.ProcessorType,
		ProcessorInfo:      job.ProcessorInfo,
		Concurrency:        job.Concurrency,
		TaskRetryNum:       job.TaskRetryNum,
		InstanceTimeLimit:  job.InstanceTimeLimit,
		TimeExpressionType: job.TimeExpressionType,
		TimeExpression:     job.TimeExpression,
		ServerAddress:      server,
		AllWorkerAddress:   workers,
	}
}

type Ack struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type StopRequest struct {
	InstanceID int64 `json:"instanceId"`
}

type StatusQuery struct {
	InstanceID int64 `json:"instanceId"`
}

// InstanceStatusReply answers queryInstanceStatus. Known is false when the
// worker has no record of the instance.
type InstanceStatusReply struct {
	InstanceID int64          `json:"instanceId"`
	Known      bool           `json:"known"`
	Status     InstanceStatus `json:"status"`
	Result     string         `json:"result,omitempty"`
}

// StatusReport is pushed by a worker through reportStatus.
type StatusReport struct {
	InstanceID    int64          `json:"instanceId"`
	JobID         int64          `json:"jobId"`
	WorkerAddress string         `json:"workerAddress"`
	Status        InstanceStatus `json:"status"`
	Result        string         `json:"result,omitempty"`
	ReportTime    int64          `json:"reportTime"`
}

type WorkerHeartbeat struct {
	AppID         int64    `json:"appId"`
	WorkerAddress string   `json:"workerAddress"`
	Capabilities  []string `json:"capabilities"`
	CPUFree       float64  `json:"cpuFree"`
	MemFree       float64  `json:"memFree"`
	DiskFree      float64  `json:"diskFree"`
	HeartbeatTime int64    `json:"heartbeatTime"`
}

// WorkRequest is sent by pull-mode workers asking for up to Max instances.
type WorkRequest struct {
	AppID         int64  `json:"appId"`
	WorkerAddress string `json:"workerAddress"`
	Max           int    `json:"max"`
}

type WorkResponse struct {
	Dispatches []*InstanceDispatch `json:"dispatches"`
}

// DispatchRequest asks the dispatcher to place an instance no earlier than NotBefore (ms).
type DispatchRequest struct {
	InstanceID int64 `json:"instanceId"`
	AppID      int64 `json:"appId"`
	JobID      int64 `json:"jobId"`
	NotBefore  int64 `json:"notBefore"`
}

// RescheduleRequest is posted by the tracker when an instance goes back to
// WAITING_DISPATCH.
type RescheduleRequest struct {
	InstanceID int64 `json:"instanceId"`
	AppID      int64 `json:"appId"`
	JobID      int64 `json:"jobId"`
	DelayMs    int64 `json:"delayMs"`
}

// WorkerLost 执行节点失联
type WorkerLost struct {
	Endpoint string `json:"endpoint"`
	At       int64  `json:"at"`
}

// WorkflowEvent is published when a workflow-owned instance terminates.
type WorkflowEvent struct {
	WorkflowID int64          `json:"workflowId"`
	InstanceID int64          `json:"instanceId"`
	Status     InstanceStatus `json:"status"`
}

// InstanceFinished is published for every terminal transition.
type InstanceFinished struct {
	AppID         int64          `json:"appId"`
	JobID         int64          `json:"jobId"`
	InstanceID    int64          `json:"instanceId"`
	Status        InstanceStatus `json:"status"`
	CompletedTime int64          `json:"completedTime"`
}

// Alert 告警
type Alert struct {
	JobID         int64    `json:"jobId"`
	InstanceID    int64    `json:"instanceId"`
	Reason        string   `json:"reason"`
	NotifyUserIDs []string `json:"notifyUserIds"`
}
