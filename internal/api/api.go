package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/internal/api/docs"
	"github.com/sliink/taskworker/internal/core"
	"github.com/sliink/taskworker/internal/model"
	"github.com/sliink/taskworker/internal/tasks"
)

// API represents the REST API of a task worker
type API struct {
	worker *core.Worker
	router *gin.Engine
	server *http.Server
	health healthcheck.Handler
	events *eventLog
	logger *zap.Logger
	port   int
	host   string
}

// NewAPI creates a new API instance
// @title           Task Worker API
// @version         1.0
// @description     API for inspecting a task worker and its executor plugins

// @host      localhost:8080
// @BasePath  /
func NewAPI(worker *core.Worker, host string, port int, logger *zap.Logger) *API {
	docs.SwaggerInfo.Host = fmt.Sprintf("%s:%d", host, port)

	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	api := &API{
		worker: worker,
		router: router,
		health: healthcheck.NewHandler(),
		events: newEventLog(worker.Events()),
		logger: logger,
		port:   port,
		host:   host,
	}

	api.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	api.health.AddReadinessCheck("worker-running", func() error {
		if state := worker.State(); state != model.WorkerRunning {
			return fmt.Errorf("worker is %s", state)
		}
		return nil
	})

	api.setupRoutes()

	return api
}

// setupRoutes configures all the API routes
func (a *API) setupRoutes() {
	a.router.GET("/health", a.healthCheck)
	a.router.GET("/live", gin.WrapF(a.health.LiveEndpoint))
	a.router.GET("/ready", gin.WrapF(a.health.ReadyEndpoint))

	a.router.GET("/status", a.getStatus)
	a.router.GET("/events", a.getEvents)

	plugins := a.router.Group("/plugins")
	{
		plugins.GET("", a.getPlugins)
		plugins.GET("/:id", a.getPlugin)
	}

	taskRoutes := a.router.Group("/tasks")
	{
		taskRoutes.GET("", a.getTasks)
		taskRoutes.GET("/:id", a.getTask)
		taskRoutes.POST("", a.submitTask)
	}

	a.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.worker.MetricsRegistry(), promhttp.HandlerOpts{})))

	a.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

// Handler returns the HTTP handler serving the API
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves the API until Stop is called
func (a *API) Start() error {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("api listening", zap.String("addr", addr))
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// healthCheck handles GET /health
// @Summary      Health check
// @Description  Aggregated health of the worker and its components
// @Tags         system
// @Produce      json
// @Success      200  {object}  model.HealthStatus
// @Failure      503  {object}  model.HealthStatus
// @Router       /health [get]
func (a *API) healthCheck(c *gin.Context) {
	health := a.worker.Health()
	code := http.StatusOK
	if health.Status != model.StatusRunning {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

// getStatus handles GET /status
// @Summary      Get worker status
// @Description  Worker state, configuration and task counts
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /status [get]
func (a *API) getStatus(c *gin.Context) {
	cfg := a.worker.Config()
	health := a.worker.Health()
	c.JSON(http.StatusOK, gin.H{
		"worker_id":      a.worker.ID(),
		"state":          a.worker.State(),
		"threads":        cfg.Worker.Threads,
		"plugins":        cfg.Plugins.Enabled,
		"tasks_live":     health.Details["tasks_live"],
		"tasks_finished": health.Details["tasks_finished"],
		"timestamp":      time.Now(),
	})
}

// getEvents handles GET /events
// @Summary      List recent events
// @Description  Most recent worker, plugin, task and hook events, newest first
// @Tags         system
// @Produce      json
// @Param        type   query     string  false  "Event type, e.g. HOOK_FAILED"
// @Param        limit  query     int     false  "Maximum number of events"
// @Success      200    {array}   EventEntry
// @Failure      400    {object}  map[string]string
// @Router       /events [get]
func (a *API) getEvents(c *gin.Context) {
	eventType := model.EventType(strings.ToUpper(c.Query("type")))
	if eventType != "" && !slices.Contains(recordedEventTypes, eventType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event type " + string(eventType)})
		return
	}

	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, a.events.recent(eventType, limit))
}

// getPlugins handles GET /plugins
// @Summary      Get all plugins
// @Description  Hosted plugin instances in registration order
// @Tags         plugins
// @Produce      json
// @Success      200  {array}   model.PluginInfo
// @Router       /plugins [get]
func (a *API) getPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, a.worker.Plugins())
}

// getPlugin handles GET /plugins/:id
// @Summary      Get plugin by id
// @Description  State of one hosted plugin instance
// @Tags         plugins
// @Produce      json
// @Param        id   path      string  true  "Plugin id"
// @Success      200  {object}  model.PluginInfo
// @Failure      404  {object}  map[string]string
// @Router       /plugins/{id} [get]
func (a *API) getPlugin(c *gin.Context) {
	info, ok := a.worker.Plugin(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Plugin not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// getTasks handles GET /tasks
// @Summary      List tasks
// @Description  Live tasks then recently finished tasks, newest first
// @Tags         tasks
// @Produce      json
// @Param        state  query     string  false  "QUEUED, RUNNING, SUCCEEDED or FAILED"
// @Param        limit  query     int     false  "Maximum number of records"
// @Success      200    {array}   map[string]interface{}
// @Failure      400    {object}  map[string]string
// @Router       /tasks [get]
func (a *API) getTasks(c *gin.Context) {
	state := model.TaskState(strings.ToUpper(c.Query("state")))
	switch state {
	case "", model.TaskQueued, model.TaskRunning, model.TaskSucceeded, model.TaskFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state " + string(state)})
		return
	}

	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	records := a.worker.Tasks(state, limit)
	result := make([]map[string]any, 0, len(records))
	for _, record := range records {
		result = append(result, record.ToMap())
	}
	c.JSON(http.StatusOK, result)
}

// getTask handles GET /tasks/:id
// @Summary      Get task by id
// @Tags         tasks
// @Produce      json
// @Param        id   path      string  true  "Task id"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]string
// @Router       /tasks/{id} [get]
func (a *API) getTask(c *gin.Context) {
	record, ok := a.worker.Task(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, record.ToMap())
}

// submitTask handles POST /tasks
// @Summary      Submit a built-in task
// @Description  Queues a built-in task, or runs it to completion when wait=true
// @Tags         tasks
// @Accept       json
// @Produce      json
// @Param        spec  body      tasks.Spec  true   "Task spec"
// @Param        wait  query     bool        false  "Wait for the tasks to finish"
// @Success      200   {array}   map[string]interface{}
// @Success      202   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /tasks [post]
func (a *API) submitTask(c *gin.Context) {
	var spec tasks.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task spec: " + err.Error()})
		return
	}

	subs, err := spec.Submissions()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	handles := make([]*core.TaskHandle, 0, len(subs))
	for _, sub := range subs {
		handle, err := a.worker.Submit(ctx, sub)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, core.ErrNotRunning) {
				code = http.StatusServiceUnavailable
			}
			c.JSON(code, gin.H{"error": err.Error(), "submitted": taskIDs(handles)})
			return
		}
		handles = append(handles, handle)
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, gin.H{"task_ids": taskIDs(handles)})
		return
	}

	result := make([]map[string]any, 0, len(handles))
	for _, handle := range handles {
		record, err := handle.Wait(ctx)
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "task_ids": taskIDs(handles)})
			return
		}
		result = append(result, record.ToMap())
	}
	c.JSON(http.StatusOK, result)
}

// queryLimit parses the optional limit query parameter, answering 400 when it is invalid
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return 0, false
	}
	return n, true
}

func taskIDs(handles []*core.TaskHandle) []string {
	ids := make([]string, 0, len(handles))
	for _, handle := range handles {
		ids = append(ids, handle.ID())
	}
	return ids
}
