// Package handlers exposes the lifecycle engine over HTTP. Routes map 1:1
// onto engine operations; all domain rules live in the engine.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/httpapi"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/events/bus"
	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/hook/docker"
	"github.com/forgehook/forgehook/internal/hook/lifecycle"
	"github.com/forgehook/forgehook/internal/hook/progress"
)

type Handlers struct {
	engine    *lifecycle.Engine
	engineAPI docker.API
	events    bus.EventBus
	progress  *progress.Bus
	logger    *logger.Logger
}

func NewHandlers(engine *lifecycle.Engine, engineAPI docker.API, events bus.EventBus, prog *progress.Bus, log *logger.Logger) *Handlers {
	return &Handlers{
		engine:    engine,
		engineAPI: engineAPI,
		events:    events,
		progress:  prog,
		logger:    log.WithFields(zap.String("component", "hook-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, engine *lifecycle.Engine, engineAPI docker.API, events bus.EventBus, prog *progress.Bus, log *logger.Logger) {
	h := NewHandlers(engine, engineAPI, events, prog, log)
	api := router.Group("/api/v1")

	api.POST("/hooks", h.install)
	api.POST("/hooks/embedded", h.installEmbedded)
	api.GET("/hooks", h.list)
	api.GET("/hooks/install/:installId/progress", h.installProgress)
	api.GET("/hooks/:id", h.get)
	api.DELETE("/hooks/:id", h.uninstall)
	api.POST("/hooks/:id/start", h.start)
	api.POST("/hooks/:id/stop", h.stop)
	api.POST("/hooks/:id/restart", h.restart)
	api.POST("/hooks/:id/update", h.update)
	api.POST("/hooks/:id/rollback", h.rollback)
	api.GET("/hooks/:id/update-check", h.checkUpdate)
	api.GET("/hooks/:id/updates", h.updateHistory)
	api.GET("/hooks/:id/events", h.eventLog)
	api.GET("/hooks/:id/logs", h.containerLogs)
	api.POST("/hooks/:id/invoke/:action", h.invoke)

	api.GET("/system/health", h.systemHealth)
}

// resolve accepts either an instance id or a hook id.
func (h *Handlers) resolve(c *gin.Context) (*hook.Instance, bool) {
	id := c.Param("id")
	inst, err := h.engine.Get(id)
	if err == nil {
		return inst, true
	}
	inst, err = h.engine.GetByHookID(id)
	if err != nil {
		httpapi.Error(c, err)
		return nil, false
	}
	return inst, true
}

type installRequest struct {
	Manifest     *hook.Manifest    `json:"manifest"`
	Config       map[string]any    `json:"config,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	AutoStart    *bool             `json:"autoStart,omitempty"`
	InstallID    string            `json:"installId,omitempty"`
	ImageTarPath string            `json:"imageTarPath,omitempty"`
}

func (h *Handlers) install(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid install payload: "+err.Error())
		return
	}
	if req.Manifest != nil && req.Manifest.Runtime == hook.RuntimeEmbedded {
		httpapi.BadRequest(c, "embedded hooks must be installed via /hooks/embedded")
		return
	}

	inst, err := h.engine.Install(c.Request.Context(), lifecycle.InstallRequest{
		Manifest:     req.Manifest,
		Config:       req.Config,
		Environment:  req.Environment,
		AutoStart:    req.AutoStart,
		InstallID:    req.InstallID,
		ImageTarPath: req.ImageTarPath,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

type installEmbeddedRequest struct {
	Manifest    *hook.Manifest    `json:"manifest"`
	ModuleCode  string            `json:"moduleCode"`
	Config      map[string]any    `json:"config,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	AutoStart   *bool             `json:"autoStart,omitempty"`
	InstallID   string            `json:"installId,omitempty"`
}

// installEmbedded carries the module source next to the manifest so embedded
// hooks can be uploaded without inlining code into the manifest document.
func (h *Handlers) installEmbedded(c *gin.Context) {
	var req installEmbeddedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid install payload: "+err.Error())
		return
	}
	if req.Manifest == nil {
		httpapi.BadRequest(c, "manifest is required")
		return
	}
	if req.ModuleCode != "" {
		m := *req.Manifest
		m.ModuleCode = req.ModuleCode
		req.Manifest = &m
	}

	inst, err := h.engine.Install(c.Request.Context(), lifecycle.InstallRequest{
		Manifest:    req.Manifest,
		Config:      req.Config,
		Environment: req.Environment,
		AutoStart:   req.AutoStart,
		InstallID:   req.InstallID,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (h *Handlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"hooks": h.engine.List()})
}

func (h *Handlers) get(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handlers) start(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	pullLatest := c.Query("pullLatest") == "true"
	if err := h.engine.Start(c.Request.Context(), inst.InstanceID, pullLatest); err != nil {
		httpapi.Error(c, err)
		return
	}
	h.respondInstance(c, inst.InstanceID)
}

func (h *Handlers) stop(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := h.engine.Stop(c.Request.Context(), inst.InstanceID); err != nil {
		httpapi.Error(c, err)
		return
	}
	h.respondInstance(c, inst.InstanceID)
}

func (h *Handlers) restart(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := h.engine.Restart(c.Request.Context(), inst.InstanceID); err != nil {
		httpapi.Error(c, err)
		return
	}
	h.respondInstance(c, inst.InstanceID)
}

func (h *Handlers) uninstall(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := h.engine.Uninstall(c.Request.Context(), inst.InstanceID); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uninstalled": inst.HookID})
}

type updateRequest struct {
	NewImageTag  string         `json:"newImageTag,omitempty"`
	ImageTarPath string         `json:"imageTarPath,omitempty"`
	NewManifest  *hook.Manifest `json:"newManifest,omitempty"`
	ModuleCode   string         `json:"moduleCode,omitempty"`
}

func (h *Handlers) update(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid update payload: "+err.Error())
		return
	}
	err := h.engine.Update(c.Request.Context(), inst.InstanceID, lifecycle.UpdateRequest{
		NewImageTag:  req.NewImageTag,
		ImageTarPath: req.ImageTarPath,
		NewManifest:  req.NewManifest,
		ModuleCode:   req.ModuleCode,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	h.respondInstance(c, inst.InstanceID)
}

func (h *Handlers) rollback(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := h.engine.Rollback(c.Request.Context(), inst.InstanceID); err != nil {
		httpapi.Error(c, err)
		return
	}
	h.respondInstance(c, inst.InstanceID)
}

func (h *Handlers) checkUpdate(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	check, err := h.engine.CheckUpdate(c.Request.Context(), inst.InstanceID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (h *Handlers) updateHistory(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	history, err := h.engine.UpdateHistory(c.Request.Context(), inst.InstanceID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": history})
}

func (h *Handlers) eventLog(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 100)
	events, err := h.engine.Events(c.Request.Context(), inst.InstanceID, limit)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handlers) containerLogs(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}
	tail := intQuery(c, "tail", 100)
	logs, err := h.engine.Logs(c.Request.Context(), inst.InstanceID, tail)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handlers) invoke(c *gin.Context) {
	inst, ok := h.resolve(c)
	if !ok {
		return
	}

	var input map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			httpapi.BadRequest(c, "invoke body must be a JSON object")
			return
		}
	}

	retries := intQuery(c, "retries", 0)
	result, err := h.engine.Invoke(c.Request.Context(), inst.InstanceID, c.Param("action"), input, retries)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// systemHealth reports engine, bus, and store reachability.
func (h *Handlers) systemHealth(c *gin.Context) {
	engineOK := h.engineAPI.Ping(c.Request.Context()) == nil

	status := "ok"
	if !engineOK {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"engine": engineOK,
		"events": h.events.IsConnected(),
		"hooks":  len(h.engine.List()),
	})
}

func (h *Handlers) respondInstance(c *gin.Context, instanceID string) {
	inst, err := h.engine.Get(instanceID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
