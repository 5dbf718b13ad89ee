package proto

import (
	"strings"
	"unicode/utf8"
)

// TimeExpressionType 触发类型
type TimeExpressionType int

const (
	Cron       TimeExpressionType = 2
	FixedRate  TimeExpressionType = 3
	FixedDelay TimeExpressionType = 4
	Workflow   TimeExpressionType = 5
	Once       TimeExpressionType = 6
)

func (t TimeExpressionType) String() string {
	switch t {
	case Cron:
		return "CRON"
	case FixedRate:
		return "FIXED_RATE"
	case FixedDelay:
		return "FIXED_DELAY"
	case Workflow:
		return "WORKFLOW"
	case Once:
		return "ONCE"
	}
	return "UNKNOWN"
}

// ExecuteType 执行方式
type ExecuteType int

const (
	Standalone ExecuteType = 1
	Broadcast  ExecuteType = 2
	Map        ExecuteType = 3
	MapReduce  ExecuteType = 4
)

func (e ExecuteType) String() string {
	switch e {
	case Standalone:
		return "STANDALONE"
	case Broadcast:
		return "BROADCAST"
	case Map:
		return "MAP"
	case MapReduce:
		return "MAP_REDUCE"
	}
	return "UNKNOWN"
}

type JobStatus int

const (
	JobEnabled  JobStatus = 1
	JobDisabled JobStatus = 2
	JobDeleted  JobStatus = 99
)

func (s JobStatus) String() string {
	switch s {
	case JobEnabled:
		return "ENABLED"
	case JobDisabled:
		return "DISABLED"
	case JobDeleted:
		return "DELETED"
	}
	return "UNKNOWN"
}

// InstanceStatus codes are shared with workers and must stay stable.
type InstanceStatus int

const (
	WaitingDispatch      InstanceStatus = 1
	WaitingWorkerReceive InstanceStatus = 2
	Running              InstanceStatus = 3
	Failed               InstanceStatus = 4
	Succeed              InstanceStatus = 5
	Canceled             InstanceStatus = 9
	Stopped              InstanceStatus = 10
)

// NonTerminalStatuses 未结束的实例状态
var NonTerminalStatuses = []InstanceStatus{WaitingDispatch, WaitingWorkerReceive, Running}

func (s InstanceStatus) Terminal() bool {
	switch s {
	case Failed, Succeed, Canceled, Stopped:
		return true
	}
	return false
}

func (s InstanceStatus) String() string {
	switch s {
	case WaitingDispatch:
		return "WAITING_DISPATCH"
	case WaitingWorkerReceive:
		return "WAITING_WORKER_RECEIVE"
	case Running:
		return "RUNNING"
	case Failed:
		return "FAILED"
	case Succeed:
		return "SUCCEED"
	case Canceled:
		return "CANCELED"
	case Stopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

type InstanceType int

const (
	InstanceNormal   InstanceType = 1
	InstanceWorkflow InstanceType = 2
)

// Job 用户提交的任务定义
type Job struct {
	ID          int64  `json:"id"`
	AppID       int64  `json:"appId"`
	Name        string `json:"jobName"`
	Description string `json:"jobDescription"`
	JobParams   string `json:"jobParams"`

	TimeExpressionType TimeExpressionType `json:"timeExpressionType"`
	TimeExpression     string             `json:"timeExpression"`

	ExecuteType   ExecuteType `json:"executeType"`
	ProcessorType string      `json:"processorType"`
	ProcessorInfo string      `json:"processorInfo"`

	MaxInstanceNum    int   `json:"maxInstanceNum"` // 0 不限制
	Concurrency       int   `json:"concurrency"`
	InstanceTimeLimit int64 `json:"instanceTimeLimit"` // ms, 0 不限制
	InstanceRetryNum  int   `json:"instanceRetryNum"`
	TaskRetryNum      int   `json:"taskRetryNum"`

	MinCPUCores       float64  `json:"minCpuCores"`
	MinMemorySpace    float64  `json:"minMemorySpace"`
	MinDiskSpace      float64  `json:"minDiskSpace"`
	DesignatedWorkers []string `json:"designatedWorkers"`
	MaxWorkerCount    int      `json:"maxWorkerCount"`

	Status          JobStatus `json:"status"`
	NextTriggerTime int64     `json:"nextTriggerTime"`
	NotifyUserIDs   []string  `json:"notifyUserIds"`

	GmtCreate   int64 `json:"gmtCreate"`
	GmtModified int64 `json:"gmtModified"`
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.DesignatedWorkers = append([]string(nil), j.DesignatedWorkers...)
	c.NotifyUserIDs = append([]string(nil), j.NotifyUserIDs...)
	return &c
}

// MaxResultLength bounds InstanceInfo.Result.
const MaxResultLength = 4096

// InstanceInfo 任务实例
type InstanceInfo struct {
	ID             int64          `json:"instanceId"`
	AppID          int64          `json:"appId"`
	JobID          int64          `json:"jobId"`
	JobParams      string         `json:"jobParams"`
	TriggerTime    int64          `json:"triggerTime"`
	ExecuteTime    int64          `json:"executeTime"`
	LastReportTime int64          `json:"lastReportTime"`
	CompletedTime  int64          `json:"completedTime"`
	Result         string         `json:"result"`
	Status         InstanceStatus `json:"status"`
	Type           InstanceType   `json:"type"`
	WorkflowID     int64          `json:"workflowId"`
	TaskAddress    string         `json:"taskAddress"`
	RetryTimes     int            `json:"retryTimes"`
	ServerID       int64          `json:"serverId"`
	GmtCreate      int64          `json:"gmtCreate"`
	GmtModified    int64          `json:"gmtModified"`
	Version        int64          `json:"version"`
}

func (i *InstanceInfo) Clone() *InstanceInfo {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// Workers returns the endpoints responsible for the instance. Broadcast
// instances keep all accepted endpoints comma joined in TaskAddress.
func (i *InstanceInfo) Workers() []string {
	return SplitAddress(i.TaskAddress)
}

func SplitAddress(address string) []string {
	if address == "" {
		return nil
	}
	return strings.Split(address, ",")
}

func JoinAddress(endpoints []string) string {
	return strings.Join(endpoints, ",")
}

// TruncateResult cuts r to MaxResultLength bytes.
func TruncateResult(r string) string {
	if len(r) <= MaxResultLength {
		return r
	}
	n := MaxResultLength
	for n > 0 && !utf8.RuneStart(r[n]) {
		n--
	}
	return r[:n]
}

// ServerInfo 调度节点
type ServerInfo struct {
	ID            int64  `json:"id"`
	Address       string `json:"address"`
	ServiceName   string `json:"serviceName"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// WorkerPresence 内存中的执行节点信息
type WorkerPresence struct {
	Endpoint      string   `json:"endpoint"`
	AppID         int64    `json:"appId"`
	Capabilities  []string `json:"capabilities"`
	CPUFree       float64  `json:"cpuFree"`
	MemFree       float64  `json:"memFree"`
	DiskFree      float64  `json:"diskFree"`
	LastHeartbeat int64    `json:"lastHeartbeat"`
	Inflight      int      `json:"inflight"`
}
