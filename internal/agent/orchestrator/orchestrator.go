// Package orchestrator executes agent runs: a bounded reason-act loop that
// alternates LLM completions with hook invocations until the model produces
// a final answer or a run bound is hit.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/agent/models"
	"github.com/forgehook/forgehook/internal/agent/store"
	"github.com/forgehook/forgehook/internal/agent/tools"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/llm"
)

// ChatClient produces completions. Failures come back as
// FinishReason=error responses, never as Go errors.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) *llm.Response
}

// ToolBuilder turns an agent's hook ids into tool schemas.
type ToolBuilder interface {
	Build(hookIDs []string) []llm.Tool
}

// Invoker dispatches a tool call to a running hook.
type Invoker interface {
	InvokeByHookID(ctx context.Context, hookID, endpointKey string, input map[string]any, retries int) (map[string]any, error)
}

// Orchestrator runs agents.
type Orchestrator struct {
	chat    ChatClient
	tools   ToolBuilder
	invoker Invoker
	store   store.Store
	logger  *logger.Logger
	clock   func() time.Time
}

// New creates an orchestrator.
func New(chat ChatClient, tools ToolBuilder, invoker Invoker, st store.Store, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		chat:    chat,
		tools:   tools,
		invoker: invoker,
		store:   st,
		logger:  log,
		clock:   time.Now,
	}
}

// RunRequest is one execution request for an agent.
type RunRequest struct {
	InputText      string                    `json:"inputText"`
	InputData      map[string]any            `json:"inputData,omitempty"`
	ConfigOverride *models.RunConfigOverride `json:"config,omitempty"`
}

// Run executes the agent loop to completion and persists the run. The
// returned run is always terminal; loop-level failures are reported through
// its status, an error is returned only when persistence fails.
func (o *Orchestrator) Run(ctx context.Context, agent *models.Agent, req RunRequest) (*models.AgentRun, error) {
	cfg := agent.Config.Merge(req.ConfigOverride)
	started := o.clock()

	run := &models.AgentRun{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		InputText: req.InputText,
		InputData: req.InputData,
		Status:    models.RunStatusRunning,
		CreatedAt: started.UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	log := o.logger.WithRunID(run.ID).WithFields(zap.String("agent", agent.Slug))
	log.Info("Starting agent run",
		zap.Int("max_steps", cfg.MaxSteps),
		zap.Int("timeout_ms", cfg.TimeoutMs))

	deadline := started.Add(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	toolset := o.tools.Build(agent.ToolHookIDs)
	messages := o.seedMessages(agent, req)

	for len(run.Steps) < cfg.MaxSteps {
		if !o.clock().Before(deadline) {
			o.finish(run, models.RunStatusTimeout, fmt.Sprintf("run timed out after %dms", cfg.TimeoutMs))
			break
		}

		resp := o.chat.Chat(runCtx, llm.Request{
			Provider:    agent.Provider,
			Model:       agent.Model,
			Messages:    messages,
			Tools:       toolset,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if resp.Usage != nil {
			run.TokensInput += resp.Usage.InputTokens
			run.TokensOutput += resp.Usage.OutputTokens
		}

		if resp.FinishReason == llm.FinishError {
			if runCtx.Err() != nil && !o.clock().Before(deadline) {
				o.finish(run, models.RunStatusTimeout, fmt.Sprintf("run timed out after %dms", cfg.TimeoutMs))
			} else {
				o.finish(run, models.RunStatusFailed, resp.Error)
			}
			break
		}

		if len(resp.ToolCalls) == 0 {
			run.OutputText = resp.Content
			run.Output = parseFinalOutput(resp.Content)
			o.finish(run, models.RunStatusCompleted, "")
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, o.dispatch(runCtx, run, agent, cfg, call))
		}
	}

	if run.Status == models.RunStatusRunning {
		o.finish(run, models.RunStatusFailed,
			fmt.Sprintf("no final answer after %d steps", cfg.MaxSteps))
	}

	run.TotalSteps = len(run.Steps)
	durationMs := o.clock().Sub(started).Milliseconds()
	run.DurationMs = &durationMs

	if err := o.store.FinalizeRun(ctx, run); err != nil {
		log.WithError(err).Error("Failed to persist agent run")
		return nil, err
	}
	log.Info("Agent run finished",
		zap.String("status", run.Status),
		zap.Int("steps", run.TotalSteps),
		zap.Int64("duration_ms", durationMs))
	return run, nil
}

// seedMessages builds the initial conversation: system prompt plus the user
// input, with structured input data appended as JSON.
func (o *Orchestrator) seedMessages(agent *models.Agent, req RunRequest) []llm.Message {
	var messages []llm.Message
	if agent.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: agent.SystemPrompt})
	}

	content := req.InputText
	if req.InputData != nil {
		if data, err := json.Marshal(req.InputData); err == nil {
			content += "\n\n" + string(data)
		}
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: content})
}

// dispatch executes one tool call, records it as a step, and returns the
// tool message that feeds the result back to the model.
func (o *Orchestrator) dispatch(ctx context.Context, run *models.AgentRun, agent *models.Agent, cfg models.RunConfig, call llm.ToolCall) llm.Message {
	started := o.clock()
	step := models.Step{
		Step: len(run.Steps) + 1,
		At:   started.UTC(),
	}

	hookID, action, ok := parseCall(agent, call.Function.Name)
	if !ok {
		step.Tool = call.Function.Name
		step.Error = fmt.Sprintf("unknown tool %q", call.Function.Name)
	} else {
		step.Tool = hookID
		step.Action = action
		step.Input = parseArguments(call.Function.Arguments)

		retries := 0
		if cfg.RetryOnError {
			retries = cfg.MaxRetries
		}
		output, err := o.invoker.InvokeByHookID(ctx, hookID, action, step.Input, retries)
		if err != nil {
			step.Error = err.Error()
		} else {
			step.Output = output
		}
	}
	step.DurationMs = o.clock().Sub(started).Milliseconds()
	run.Steps = append(run.Steps, step)

	o.logger.WithRunID(run.ID).Debug("Tool step",
		zap.Int("step", step.Step),
		zap.String("tool", step.Tool),
		zap.String("action", step.Action),
		zap.String("error", step.Error))

	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Content:    toolResultContent(step),
	}
}

func (o *Orchestrator) finish(run *models.AgentRun, status, errMsg string) {
	run.Status = status
	run.ErrorMessage = errMsg
	now := o.clock().UTC()
	run.CompletedAt = &now
}

// parseCall resolves a tool name and checks the hook is one the agent is
// allowed to use.
func parseCall(agent *models.Agent, name string) (hookID, action string, ok bool) {
	hookID, action, ok = tools.ParseToolName(name)
	if !ok {
		return "", "", false
	}
	for _, allowed := range agent.ToolHookIDs {
		if allowed == hookID {
			return hookID, action, true
		}
	}
	return "", "", false
}

// parseArguments decodes the model's JSON arguments, falling back to an
// empty object on malformed input.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// parseFinalOutput interprets the model's last message: JSON objects and
// arrays pass through, anything else is wrapped.
func parseFinalOutput(content string) map[string]any {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj
		}
	}
	if strings.HasPrefix(trimmed, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return map[string]any{"result": arr}
		}
	}
	return map[string]any{"result": content}
}

func toolResultContent(step models.Step) string {
	if step.Error != "" {
		data, _ := json.Marshal(map[string]any{"error": step.Error})
		return string(data)
	}
	data, err := json.Marshal(step.Output)
	if err != nil {
		return "{}"
	}
	return string(data)
}
