// Package router serves the operational HTTP surface of a job manager node.
package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"neptune/jobcenter"
	"neptune/logs"
	"neptune/proto"
	"neptune/servicecenter"
	"neptune/store"
	"neptune/tracker"
)

type Jobs interface {
	SaveJob(ctx context.Context, job *proto.Job) (*proto.Job, error)
	SetJobStatus(ctx context.Context, jobID int64, status proto.JobStatus) (*proto.Job, error)
	PurgeJob(ctx context.Context, jobID int64) error
}

type Instances interface {
	StopInstance(ctx context.Context, instanceID int64) error
	Cancel(ctx context.Context, instanceID int64) error
}

type Workers interface {
	Snapshot(appID int64) []proto.WorkerPresence
	Workers() []proto.WorkerPresence
}

type Discovery interface {
	GetService(name string) (servicecenter.Service, error)
}

// Deps is everything the handlers read from or act on.
type Deps struct {
	Store       store.Store
	Jobs        Jobs
	Instances   Instances
	Workers     Workers
	Discovery   Discovery
	ServiceName string
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

const requestTimeout = 10 * time.Second

type handlers struct {
	Deps
	logger *zap.Logger
}

func Route(router *gin.Engine, deps Deps) {
	h := &handlers{Deps: deps, logger: logs.OrNop(deps.Logger).Named("router")}
	router.Use(h.access)

	router.GET("/ping", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "ok")
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	jobs := router.Group("/jobs")
	jobs.POST("", h.saveJob)
	jobs.GET("", h.findJobs)
	jobs.GET("/:id", h.getJob)
	jobs.POST("/:id/enable", h.setJobStatus(proto.JobEnabled))
	jobs.POST("/:id/disable", h.setJobStatus(proto.JobDisabled))
	jobs.DELETE("/:id", h.deleteJob)

	instances := router.Group("/instances")
	instances.GET("", h.findInstances)
	instances.GET("/:id", h.getInstance)
	instances.POST("/:id/stop", h.stopInstance)
	instances.POST("/:id/cancel", h.cancelInstance)

	router.GET("/workers", h.workers)
	router.GET("/servers", h.servers)
	router.GET("/discovery", h.discovery)
}

func (h *handlers) access(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("took", time.Since(start)))
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobcenter.ErrInvalidJob):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobcenter.ErrJobBusy), errors.Is(err, tracker.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, tracker.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "bad id "+c.Param("id"))
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) (int64, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		badRequest(c, "bad "+key+" "+v)
		return 0, false
	}
	return n, true
}

func timeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

func (h *handlers) saveJob(c *gin.Context) {
	var job proto.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := timeout(c)
	defer cancel()
	saved, err := h.Jobs.SaveJob(ctx, &job)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *handlers) getJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := timeout(c)
	defer cancel()
	job, err := h.Store.FindJob(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handlers) findJobs(c *gin.Context) {
	appID, ok := queryInt(c, "appId")
	if !ok {
		return
	}
	status, ok := queryInt(c, "status")
	if !ok {
		return
	}
	ctx, cancel := timeout(c)
	defer cancel()
	jobs, err := h.Store.FindJobs(ctx, store.JobQuery{
		AppID:  appID,
		Status: proto.JobStatus(status),
		Name:   c.Query("name"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *handlers) setJobStatus(status proto.JobStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		ctx, cancel := timeout(c)
		defer cancel()
		job, err := h.Jobs.SetJobStatus(ctx, id, status)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// deleteJob marks the job deleted, ?purge=true removes the row once no instance is live.
func (h *handlers) deleteJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := timeout(c)
	defer cancel()
	if purge, _ := strconv.ParseBool(c.Query("purge")); purge {
		if err := h.Jobs.PurgeJob(ctx, id); err != nil {
			h.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	job, err := h.Jobs.SetJobStatus(ctx, id, proto.JobDeleted)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handlers) getInstance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := timeout(c)
	defer cancel()
	inst, err := h.Store.FindInstance(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// findInstances filters by appId, jobId and a comma separated status list.
func (h *handlers) findInstances(c *gin.Context) {
	appID, ok := queryInt(c, "appId")
	if !ok {
		return
	}
	jobID, ok := queryInt(c, "jobId")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	if appID == 0 && jobID == 0 {
		badRequest(c, "appId or jobId required")
		return
	}
	q := store.InstanceQuery{AppID: appID, JobID: jobID, Limit: int(limit)}
	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				badRequest(c, "bad status "+s)
				return
			}
			q.Statuses = append(q.Statuses, proto.InstanceStatus(n))
		}
	}
	ctx, cancel := timeout(c)
	defer cancel()
	instances, err := h.Store.FindInstances(ctx, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (h *handlers) stopInstance(c *gin.Context) {
	h.instanceOp(c, h.Instances.StopInstance)
}

func (h *handlers) cancelInstance(c *gin.Context) {
	h.instanceOp(c, h.Instances.Cancel)
}

func (h *handlers) instanceOp(c *gin.Context, op func(context.Context, int64) error) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := timeout(c)
	defer cancel()
	if err := op(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	inst, err := h.Store.FindInstance(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *handlers) workers(c *gin.Context) {
	appID, ok := queryInt(c, "appId")
	if !ok {
		return
	}
	if appID == 0 {
		c.JSON(http.StatusOK, h.Workers.Workers())
		return
	}
	c.JSON(http.StatusOK, h.Workers.Snapshot(appID))
}

func (h *handlers) servers(c *gin.Context) {
	ctx, cancel := timeout(c)
	defer cancel()
	var (
		servers []*proto.ServerInfo
		err     error
	)
	if name := c.Query("serviceName"); name != "" {
		servers, err = h.Store.FindServerByName(ctx, name)
	} else {
		servers, err = h.Store.FindServers(ctx)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

// discovery shows what workers see in the service center.
func (h *handlers) discovery(c *gin.Context) {
	if h.Discovery == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no service center"})
		return
	}
	name := c.DefaultQuery("serviceName", h.ServiceName)
	service, err := h.Discovery.GetService(name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, service)
}
