package store

import (
	"strings"

	"neptune/proto"
)

type jobPO struct {
	ID                 int64   `gorm:"column:id;primaryKey;autoIncrement:false"`
	AppID              int64   `gorm:"column:app_id;index:idx_job_app"`
	JobName            string  `gorm:"column:job_name;size:255"`
	JobDescription     string  `gorm:"column:job_description;size:1024"`
	JobParams          string  `gorm:"column:job_params;type:text"`
	TimeExpressionType int     `gorm:"column:time_expression_type"`
	TimeExpression     string  `gorm:"column:time_expression;size:255"`
	ExecuteType        int     `gorm:"column:execute_type"`
	ProcessorType      string  `gorm:"column:processor_type;size:64"`
	ProcessorInfo      string  `gorm:"column:processor_info;type:text"`
	MaxInstanceNum     int     `gorm:"column:max_instance_num"`
	Concurrency        int     `gorm:"column:concurrency"`
	InstanceTimeLimit  int64   `gorm:"column:instance_time_limit"`
	InstanceRetryNum   int     `gorm:"column:instance_retry_num"`
	TaskRetryNum       int     `gorm:"column:task_retry_num"`
	MinCPUCores        float64 `gorm:"column:min_cpu_cores"`
	MinMemorySpace     float64 `gorm:"column:min_memory_space"`
	MinDiskSpace       float64 `gorm:"column:min_disk_space"`
	DesignatedWorkers  string  `gorm:"column:designated_workers;size:1024"`
	MaxWorkerCount     int     `gorm:"column:max_worker_count"`
	Status             int     `gorm:"column:status;index:idx_job_due,priority:1"`
	NextTriggerTime    int64   `gorm:"column:next_trigger_time;index:idx_job_due,priority:2"`
	NotifyUserIDs      string  `gorm:"column:notify_user_ids;size:1024"`
	GmtCreate          int64   `gorm:"column:gmt_create"`
	GmtModified        int64   `gorm:"column:gmt_modified"`
}

func (jobPO) TableName() string { return "job_info" }

type instancePO struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	AppID          int64  `gorm:"column:app_id;index:idx_instance_app"`
	JobID          int64  `gorm:"column:job_id;index:idx_instance_job"`
	JobParams      string `gorm:"column:job_params;type:text"`
	TriggerTime    int64  `gorm:"column:trigger_time"`
	ExecuteTime    int64  `gorm:"column:execute_time"`
	LastReportTime int64  `gorm:"column:last_report_time"`
	CompletedTime  int64  `gorm:"column:completed_time"`
	Result         string `gorm:"column:result;type:text"`
	Status         int    `gorm:"column:status;index:idx_instance_status"`
	Type           int    `gorm:"column:type"`
	WorkflowID     int64  `gorm:"column:work_flow_id"`
	TaskAddress    string `gorm:"column:task_address;size:1024"`
	RetryTimes     int    `gorm:"column:retry_times"`
	ServerID       int64  `gorm:"column:server_id;index:idx_instance_server"`
	GmtCreate      int64  `gorm:"column:gmt_create"`
	GmtUpdate      int64  `gorm:"column:gmt_update"`
	Version        int64  `gorm:"column:version"`
}

func (instancePO) TableName() string { return "instance_info" }

type serverPO struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Address       string `gorm:"column:address;size:255"`
	ServerName    string `gorm:"column:server_name;size:255;index:idx_server_name"`
	LastHeartbeat int64  `gorm:"column:last_heartbeat"`
}

func (serverPO) TableName() string { return "server_info" }

func jobToPO(j *proto.Job) *jobPO {
	return &jobPO{
		ID:                 j.ID,
		AppID:              j.AppID,
		JobName:            j.Name,
		JobDescription:     j.Description,
		JobParams:          j.JobParams,
		TimeExpressionType: int(j.TimeExpressionType),
		TimeExpression:     j.TimeExpression,
		ExecuteType:        int(j.ExecuteType),
		ProcessorType:      j.ProcessorType,
		ProcessorInfo:      j.ProcessorInfo,
		MaxInstanceNum:     j.MaxInstanceNum,
		Concurrency:        j.Concurrency,
		InstanceTimeLimit:  j.InstanceTimeLimit,
		InstanceRetryNum:   j.InstanceRetryNum,
		TaskRetryNum:       j.TaskRetryNum,
		MinCPUCores:        j.MinCPUCores,
		MinMemorySpace:     j.MinMemorySpace,
		MinDiskSpace:       j.MinDiskSpace,
		DesignatedWorkers:  joinList(j.DesignatedWorkers),
		MaxWorkerCount:     j.MaxWorkerCount,
		Status:             int(j.Status),
		NextTriggerTime:    j.NextTriggerTime,
		NotifyUserIDs:      joinList(j.NotifyUserIDs),
		GmtCreate:          j.GmtCreate,
		GmtModified:        j.GmtModified,
	}
}

func jobFromPO(p *jobPO) *proto.Job {
	return &proto.Job{
		ID:                 p.ID,
		AppID:              p.AppID,
		Name:               p.JobName,
		Description:        p.JobDescription,
		JobParams:          p.JobParams,
		TimeExpressionType: proto.TimeExpressionType(p.TimeExpressionType),
		TimeExpression:     p.TimeExpression,
		ExecuteType:        proto.ExecuteType(p.ExecuteType),
		ProcessorType:      p.ProcessorType,
		ProcessorInfo:      p.ProcessorInfo,
		MaxInstanceNum:     p.MaxInstanceNum,
		Concurrency:        p.Concurrency,
		InstanceTimeLimit:  p.InstanceTimeLimit,
		InstanceRetryNum:   p.InstanceRetryNum,
		TaskRetryNum:       p.TaskRetryNum,
		MinCPUCores:        p.MinCPUCores,
		MinMemorySpace:     p.MinMemorySpace,
		MinDiskSpace:       p.MinDiskSpace,
		DesignatedWorkers:  splitList(p.DesignatedWorkers),
		MaxWorkerCount:     p.MaxWorkerCount,
		Status:             proto.JobStatus(p.Status),
		NextTriggerTime:    p.NextTriggerTime,
		NotifyUserIDs:      splitList(p.NotifyUserIDs),
		GmtCreate:          p.GmtCreate,
		GmtModified:        p.GmtModified,
	}
}

func instanceToPO(i *proto.InstanceInfo) *instancePO {
	return &instancePO{
		ID:             i.ID,
		AppID:          i.AppID,
		JobID:          i.JobID,
		JobParams:      i.JobParams,
		TriggerTime:    i.TriggerTime,
		ExecuteTime:    i.ExecuteTime,
		LastReportTime: i.LastReportTime,
		CompletedTime:  i.CompletedTime,
		Result:         proto.TruncateResult(i.Result),
		Status:         int(i.Status),
		Type:           int(i.Type),
		WorkflowID:     i.WorkflowID,
		TaskAddress:    i.TaskAddress,
		RetryTimes:     i.RetryTimes,
		ServerID:       i.ServerID,
		GmtCreate:      i.GmtCreate,
		GmtUpdate:      i.GmtModified,
		Version:        i.Version,
	}
}

func instanceFromPO(p *instancePO) *proto.InstanceInfo {
	return &proto.InstanceInfo{
		ID:             p.ID,
		AppID:          p.AppID,
		JobID:          p.JobID,
		JobParams:      p.JobParams,
		TriggerTime:    p.TriggerTime,
		ExecuteTime:    p.ExecuteTime,
		LastReportTime: p.LastReportTime,
		CompletedTime:  p.CompletedTime,
		Result:         p.Result,
		Status:         proto.InstanceStatus(p.Status),
		Type:           proto.InstanceType(p.Type),
		WorkflowID:     p.WorkflowID,
		TaskAddress:    p.TaskAddress,
		RetryTimes:     p.RetryTimes,
		ServerID:       p.ServerID,
		GmtCreate:      p.GmtCreate,
		GmtModified:    p.GmtUpdate,
		Version:        p.Version,
	}
}

func serverToPO(s *proto.ServerInfo) *serverPO {
	return &serverPO{ID: s.ID, Address: s.Address, ServerName: s.ServiceName, LastHeartbeat: s.LastHeartbeat}
}

func serverFromPO(p *serverPO) *proto.ServerInfo {
	return &proto.ServerInfo{ID: p.ID, Address: p.Address, ServiceName: p.ServerName, LastHeartbeat: p.LastHeartbeat}
}

func joinList(l []string) string {
	return strings.Join(l, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
