// Package tools turns running hooks' endpoints into LLM tool schemas and
// resolves tool names back to invocable endpoints.
package tools

import (
	"strings"

	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/llm"
)

// separator joins the hook id and the action key in a tool name. Action keys
// may themselves contain underscores, so parsing splits at the first
// occurrence only.
const separator = "__"

// HookSource supplies instances by hook id. The lifecycle engine implements
// it.
type HookSource interface {
	GetByHookID(hookID string) (*hook.Instance, error)
}

// Builder builds tool schemas from installed hooks.
type Builder struct {
	hooks  HookSource
	logger *logger.Logger
}

// NewBuilder creates a tool schema builder.
func NewBuilder(hooks HookSource, log *logger.Logger) *Builder {
	return &Builder{hooks: hooks, logger: log}
}

// Build emits one tool per endpoint of every running hook in hookIDs.
// Unknown or not-running hooks are dropped with a log line.
func (b *Builder) Build(hookIDs []string) []llm.Tool {
	var out []llm.Tool
	for _, hookID := range hookIDs {
		inst, err := b.hooks.GetByHookID(hookID)
		if err != nil {
			b.logger.Warn("Dropping unknown tool hook", zap.String("hook_id", hookID))
			continue
		}
		if inst.Status != hook.StatusRunning {
			b.logger.Warn("Dropping not-running tool hook",
				zap.String("hook_id", hookID),
				zap.String("status", string(inst.Status)))
			continue
		}

		for _, ep := range inst.Manifest.Endpoints {
			out = append(out, llm.Tool{
				Name:        ToolName(hookID, ep),
				Description: describe(inst.Manifest, ep),
				Parameters:  parameterSchema(ep),
			})
		}
	}
	return out
}

// ToolName builds the stable tool name for one endpoint.
func ToolName(hookID string, ep hook.Endpoint) string {
	return hookID + separator + ep.ActionKey()
}

// ParseToolName splits a tool name into hook id and action key at the first
// separator. Action keys containing further underscores stay intact.
func ParseToolName(name string) (hookID, action string, ok bool) {
	hookID, action, ok = strings.Cut(name, separator)
	if !ok || hookID == "" || action == "" {
		return "", "", false
	}
	return hookID, action, true
}

func describe(m *hook.Manifest, ep hook.Endpoint) string {
	desc := ep.Description
	if desc == "" {
		desc = ep.Path
	}
	return m.Name + ": " + desc
}

// parameterSchema derives the tool's JSON Schema. A requestBody with
// properties is used verbatim; otherwise non-GET endpoints get a single
// object-typed "input" property.
func parameterSchema(ep hook.Endpoint) map[string]any {
	if body := ep.RequestBody; body != nil {
		if props, ok := body["properties"].(map[string]any); ok {
			schema := map[string]any{
				"type":       "object",
				"properties": props,
			}
			if required, ok := body["required"].([]any); ok && len(required) > 0 {
				schema["required"] = required
			}
			return schema
		}
	}

	if strings.ToUpper(ep.Method) != "GET" {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{"type": "object"},
			},
		}
	}
	return map[string]any{"type": "object"}
}
