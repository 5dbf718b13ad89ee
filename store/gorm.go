package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"neptune/config"
	"neptune/logs"
	"neptune/proto"
)

var _ Store = (*GormStore)(nil)

// GormStore keeps the job_info, instance_info and server_info tables in a SQL database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// options read from config.Persistence.Options
const (
	optAutoMigrate     = "autoMigrate"
	optMaxOpenConns    = "maxOpenConns"
	optMaxIdleConns    = "maxIdleConns"
	optConnMaxLifetime = "connMaxLifetimeMs"
)

func newGormStore(cfg config.Persistence, logger *zap.Logger) (*GormStore, error) {
	logger = logs.OrNop(logger).Named("store")
	var dialector gorm.Dialector
	switch cfg.Driver {
	case MySQL:
		dsn, err := mysqlDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(dsn)
	case SQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("open %s: %w", cfg.Driver, err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, classify(err)
	}
	if cfg.Driver == SQLite {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else if n := optInt(cfg.Options, optMaxOpenConns); n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if n := optInt(cfg.Options, optMaxIdleConns); n > 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	if n := optInt(cfg.Options, optConnMaxLifetime); n > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(n) * time.Millisecond)
	}

	if cfg.Options[optAutoMigrate] != "false" {
		if err := db.AutoMigrate(&jobPO{}, &instancePO{}, &serverPO{}); err != nil {
			return nil, classify(fmt.Errorf("migrate: %w", err))
		}
	}
	return &GormStore{db: db, logger: logger}, nil
}

// mysqlDSN turns on clientFoundRows: the conditional updates count matched
// rows, so an update that writes identical values still wins its CAS.
func mysqlDSN(dsn string) (string, error) {
	c, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	c.ClientFoundRows = true
	return c.FormatDSN(), nil
}

// NewGormStore wraps an opened connection; the tables must exist.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logs.OrNop(logger).Named("store")}
}

func optInt(opts map[string]string, key string) int {
	v, err := strconv.Atoi(opts[key])
	if err != nil {
		return 0
	}
	return v
}

func (g *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return classify(err)
	}
	return classify(sqlDB.PingContext(ctx))
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) SaveJob(ctx context.Context, job *proto.Job) error {
	now := nowMillis()
	if job.GmtCreate == 0 {
		job.GmtCreate = now
	}
	job.GmtModified = now
	po := jobToPO(job)
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"app_id", "job_name", "job_description", "job_params", "time_expression_type",
			"time_expression", "execute_type", "processor_type", "processor_info",
			"max_instance_num", "concurrency", "instance_time_limit", "instance_retry_num",
			"task_retry_num", "min_cpu_cores", "min_memory_space", "min_disk_space",
			"designated_workers", "max_worker_count", "status", "next_trigger_time",
			"notify_user_ids", "gmt_modified",
		}),
	}).Create(po).Error
	return classify(err)
}

func (g *GormStore) FindJob(ctx context.Context, id int64) (*proto.Job, error) {
	var po jobPO
	if err := g.db.WithContext(ctx).Where("id = ?", id).Take(&po).Error; err != nil {
		return nil, classify(fmt.Errorf("job %d: %w", id, err))
	}
	return jobFromPO(&po), nil
}

func (g *GormStore) FindJobs(ctx context.Context, q JobQuery) ([]*proto.Job, error) {
	tx := g.db.WithContext(ctx).Model(&jobPO{})
	if q.AppID != 0 {
		tx = tx.Where("app_id = ?", q.AppID)
	}
	if q.Status != 0 {
		tx = tx.Where("status = ?", int(q.Status))
	}
	if q.Name != "" {
		tx = tx.Where("job_name = ?", q.Name)
	}
	var pos []jobPO
	if err := tx.Order("id ASC").Find(&pos).Error; err != nil {
		return nil, classify(err)
	}
	return jobsFromPOs(pos), nil
}

func (g *GormStore) FindDue(ctx context.Context, now int64, limit int, shard Shard) ([]*proto.Job, error) {
	tx := g.db.WithContext(ctx).
		Where("status = ? AND time_expression_type <> ? AND next_trigger_time <= ?",
			int(proto.JobEnabled), int(proto.Workflow), now)
	if shard.Count > 1 {
		tx = tx.Where("app_id % ? = ?", shard.Count, shard.Index)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var pos []jobPO
	if err := tx.Order("next_trigger_time ASC, id ASC").Find(&pos).Error; err != nil {
		return nil, classify(err)
	}
	return jobsFromPOs(pos), nil
}

func (g *GormStore) UpdateTrigger(ctx context.Context, jobID, expectedNext, newNext int64, newStatus proto.JobStatus) (bool, error) {
	res := g.db.WithContext(ctx).Model(&jobPO{}).
		Where("id = ? AND next_trigger_time = ?", jobID, expectedNext).
		Updates(map[string]interface{}{
			"next_trigger_time": newNext,
			"status":            int(newStatus),
			"gmt_modified":      nowMillis(),
		})
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (g *GormStore) UpdateJobStatus(ctx context.Context, jobID int64, status proto.JobStatus, nextTrigger int64) error {
	res := g.db.WithContext(ctx).Model(&jobPO{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":            int(status),
			"next_trigger_time": nextTrigger,
			"gmt_modified":      nowMillis(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	return nil
}

func (g *GormStore) DeleteJob(ctx context.Context, jobID int64) error {
	return classify(g.db.WithContext(ctx).Where("id = ?", jobID).Delete(&jobPO{}).Error)
}

func (g *GormStore) InsertInstance(ctx context.Context, inst *proto.InstanceInfo) error {
	now := nowMillis()
	po := instanceToPO(inst)
	po.GmtCreate, po.GmtUpdate = now, now
	return classify(g.db.WithContext(ctx).Create(po).Error)
}

func (g *GormStore) FindInstance(ctx context.Context, id int64) (*proto.InstanceInfo, error) {
	var po instancePO
	if err := g.db.WithContext(ctx).Where("id = ?", id).Take(&po).Error; err != nil {
		return nil, classify(fmt.Errorf("instance %d: %w", id, err))
	}
	return instanceFromPO(&po), nil
}

func (g *GormStore) FindInstances(ctx context.Context, q InstanceQuery) ([]*proto.InstanceInfo, error) {
	tx := g.db.WithContext(ctx).Model(&instancePO{})
	if q.AppID != 0 {
		tx = tx.Where("app_id = ?", q.AppID)
	}
	if q.JobID != 0 {
		tx = tx.Where("job_id = ?", q.JobID)
	}
	if len(q.Statuses) > 0 {
		tx = tx.Where("status IN ?", statusCodes(q.Statuses))
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var pos []instancePO
	if err := tx.Order("id ASC").Find(&pos).Error; err != nil {
		return nil, classify(err)
	}
	return instancesFromPOs(pos), nil
}

func (g *GormStore) CasStatus(ctx context.Context, id int64, from, to proto.InstanceStatus, patch InstancePatch) (bool, error) {
	if from.Terminal() {
		return false, nil
	}
	columns := map[string]interface{}{
		"status":     int(to),
		"version":    gorm.Expr("version + 1"),
		"gmt_update": nowMillis(),
	}
	if patch.TaskAddress != nil {
		columns["task_address"] = *patch.TaskAddress
	}
	if patch.ExecuteTime != nil {
		columns["execute_time"] = *patch.ExecuteTime
	}
	if patch.LastReportTime != nil {
		columns["last_report_time"] = *patch.LastReportTime
	}
	if patch.CompletedTime != nil {
		columns["completed_time"] = *patch.CompletedTime
	}
	if patch.Result != nil {
		columns["result"] = proto.TruncateResult(*patch.Result)
	}
	if patch.RetryTimes != nil {
		columns["retry_times"] = *patch.RetryTimes
	}
	res := g.db.WithContext(ctx).Model(&instancePO{}).
		Where("id = ? AND status = ?", id, int(from)).
		Updates(columns)
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (g *GormStore) RecordCompletion(ctx context.Context, id, completedTime int64, result string) (bool, error) {
	res := g.db.WithContext(ctx).Model(&instancePO{}).
		Where("id = ? AND completed_time = 0 AND status IN ?", id,
			statusCodes([]proto.InstanceStatus{proto.Failed, proto.Succeed, proto.Canceled, proto.Stopped})).
		Updates(map[string]interface{}{
			"completed_time": completedTime,
			"result":         proto.TruncateResult(result),
			"version":        gorm.Expr("version + 1"),
			"gmt_update":     nowMillis(),
		})
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (g *GormStore) FindNonTerminalByServer(ctx context.Context, serverID int64) ([]*proto.InstanceInfo, error) {
	var pos []instancePO
	err := g.db.WithContext(ctx).
		Where("server_id = ? AND status IN ?", serverID, statusCodes(proto.NonTerminalStatuses)).
		Order("id ASC").
		Find(&pos).Error
	if err != nil {
		return nil, classify(err)
	}
	return instancesFromPOs(pos), nil
}

func (g *GormStore) CountLiveForJob(ctx context.Context, jobID int64) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&instancePO{}).
		Where("job_id = ? AND status IN ?", jobID, statusCodes(proto.NonTerminalStatuses)).
		Count(&n).Error
	return n, classify(err)
}

func (g *GormStore) LastCompletedTime(ctx context.Context, jobID int64) (int64, error) {
	var last sql.NullInt64
	err := g.db.WithContext(ctx).Model(&instancePO{}).
		Select("MAX(completed_time)").
		Where("job_id = ?", jobID).
		Scan(&last).Error
	if err != nil {
		return 0, classify(err)
	}
	return last.Int64, nil
}

func (g *GormStore) DeleteInstance(ctx context.Context, id int64) error {
	return classify(g.db.WithContext(ctx).Where("id = ?", id).Delete(&instancePO{}).Error)
}

func (g *GormStore) UpsertServer(ctx context.Context, server *proto.ServerInfo) error {
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "server_name", "last_heartbeat"}),
	}).Create(serverToPO(server)).Error
	return classify(err)
}

func (g *GormStore) FindServers(ctx context.Context) ([]*proto.ServerInfo, error) {
	var pos []serverPO
	if err := g.db.WithContext(ctx).Order("id ASC").Find(&pos).Error; err != nil {
		return nil, classify(err)
	}
	return serversFromPOs(pos), nil
}

func (g *GormStore) FindServerByName(ctx context.Context, serviceName string) ([]*proto.ServerInfo, error) {
	var pos []serverPO
	err := g.db.WithContext(ctx).Where("server_name = ?", serviceName).Order("id ASC").Find(&pos).Error
	if err != nil {
		return nil, classify(err)
	}
	return serversFromPOs(pos), nil
}

func (g *GormStore) FindServer(ctx context.Context, id int64) (*proto.ServerInfo, error) {
	var po serverPO
	if err := g.db.WithContext(ctx).Where("id = ?", id).Take(&po).Error; err != nil {
		return nil, classify(fmt.Errorf("server %d: %w", id, err))
	}
	return serverFromPO(&po), nil
}

func (g *GormStore) DeleteServer(ctx context.Context, id int64) error {
	return classify(g.db.WithContext(ctx).Where("id = ?", id).Delete(&serverPO{}).Error)
}

func jobsFromPOs(pos []jobPO) []*proto.Job {
	out := make([]*proto.Job, 0, len(pos))
	for i := range pos {
		out = append(out, jobFromPO(&pos[i]))
	}
	return out
}

func instancesFromPOs(pos []instancePO) []*proto.InstanceInfo {
	out := make([]*proto.InstanceInfo, 0, len(pos))
	for i := range pos {
		out = append(out, instanceFromPO(&pos[i]))
	}
	return out
}

func serversFromPOs(pos []serverPO) []*proto.ServerInfo {
	out := make([]*proto.ServerInfo, 0, len(pos))
	for i := range pos {
		out = append(out, serverFromPO(&pos[i]))
	}
	return out
}

func statusCodes(list []proto.InstanceStatus) []int {
	out := make([]int, len(list))
	for i, s := range list {
		out[i] = int(s)
	}
	return out
}

// mysql error numbers worth a retry: lock wait timeout, deadlock, too many connections
var transientMySQL = map[uint16]bool{1205: true, 1213: true, 1040: true}

// classify maps driver errors onto ErrNotFound / ErrTransient. Anything else is fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var netErr net.Error
	var myErr *mysqldriver.MySQLError
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysqldriver.ErrInvalidConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.As(err, &myErr) && transientMySQL[myErr.Number]:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case strings.Contains(err.Error(), "database is locked"),
		strings.Contains(err.Error(), "connection refused"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
