// Package handlers exposes agent CRUD and run execution over HTTP.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/agent/models"
	"github.com/forgehook/forgehook/internal/agent/orchestrator"
	"github.com/forgehook/forgehook/internal/agent/store"
	"github.com/forgehook/forgehook/internal/common/httpapi"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/errs"
)

type Handlers struct {
	store  store.Store
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

func NewHandlers(st store.Store, orch *orchestrator.Orchestrator, log *logger.Logger) *Handlers {
	return &Handlers{
		store:  st,
		orch:   orch,
		logger: log.WithFields(zap.String("component", "agent-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, st store.Store, orch *orchestrator.Orchestrator, log *logger.Logger) {
	h := NewHandlers(st, orch, log)
	api := router.Group("/api/v1")

	api.POST("/agents", h.create)
	api.GET("/agents", h.list)
	api.GET("/agents/:idOrSlug", h.get)
	api.PUT("/agents/:idOrSlug", h.update)
	api.DELETE("/agents/:idOrSlug", h.delete)
	api.POST("/agents/:idOrSlug/run", h.run)
	api.GET("/agents/:idOrSlug/runs", h.runsByAgent)
	api.GET("/runs", h.recentRuns)
	api.GET("/runs/:id", h.getRun)
}

type agentRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	ToolHookIDs  []string          `json:"toolHookIds,omitempty"`
	Config       *models.RunConfig `json:"config,omitempty"`
	IsPublic     *bool             `json:"isPublic,omitempty"`
	CreatedBy    string            `json:"createdBy,omitempty"`
}

func (r *agentRequest) validate() error {
	if r.Name == "" {
		return errs.New(errs.CodeValidation, "agent name is required")
	}
	if r.Provider == "" {
		return errs.New(errs.CodeValidation, "agent provider is required")
	}
	if r.Model == "" {
		return errs.New(errs.CodeValidation, "agent model is required")
	}
	return nil
}

func (h *Handlers) create(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid agent payload: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		httpapi.Error(c, err)
		return
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:           uuid.New().String(),
		Slug:         models.Slugify(req.Name),
		Name:         req.Name,
		Description:  req.Description,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		ToolHookIDs:  req.ToolHookIDs,
		Config:       models.DefaultRunConfig(),
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Config != nil {
		agent.Config = req.Config.Merge(nil)
	}
	if req.IsPublic != nil {
		agent.IsPublic = *req.IsPublic
	}

	if err := h.store.UpsertAgent(c.Request.Context(), agent); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *Handlers) list(c *gin.Context) {
	includePrivate := c.Query("includePrivate") == "true"
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	agents, err := h.store.ListAgents(c.Request.Context(), includePrivate, limit, offset)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handlers) get(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("idOrSlug"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) update(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("idOrSlug"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid agent payload: "+err.Error())
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
		agent.Slug = models.Slugify(req.Name)
	}
	if req.Description != "" {
		agent.Description = req.Description
	}
	if req.Provider != "" {
		agent.Provider = req.Provider
	}
	if req.Model != "" {
		agent.Model = req.Model
	}
	if req.SystemPrompt != "" {
		agent.SystemPrompt = req.SystemPrompt
	}
	if req.ToolHookIDs != nil {
		agent.ToolHookIDs = req.ToolHookIDs
	}
	if req.Config != nil {
		agent.Config = req.Config.Merge(nil)
	}
	if req.IsPublic != nil {
		agent.IsPublic = *req.IsPublic
	}
	agent.UpdatedAt = time.Now().UTC()

	if err := h.store.UpsertAgent(c.Request.Context(), agent); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) delete(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("idOrSlug"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	if err := h.store.SoftDeleteAgent(c.Request.Context(), agent.ID); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": agent.ID})
}

func (h *Handlers) run(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("idOrSlug"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	var req orchestrator.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid run payload: "+err.Error())
		return
	}
	if req.InputText == "" {
		httpapi.BadRequest(c, "inputText is required")
		return
	}

	run, err := h.orch.Run(c.Request.Context(), agent, req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handlers) runsByAgent(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("idOrSlug"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	runs, err := h.store.RunsByAgent(c.Request.Context(), agent.ID, limit, offset)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handlers) recentRuns(c *gin.Context) {
	runs, err := h.store.RecentRuns(c.Request.Context(), intQuery(c, "limit", 20))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handlers) getRun(c *gin.Context) {
	run, err := h.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
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
