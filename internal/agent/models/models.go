// Package models defines the agent and agent-run records shared by the
// orchestrator, the store, and the HTTP handlers.
package models

import (
	"strings"
	"time"
)

// Run statuses. Completed, failed, and timeout are terminal.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusTimeout   = "timeout"
)

// RunConfig bounds one agent run.
type RunConfig struct {
	MaxSteps     int      `json:"maxSteps"`
	MaxTokens    int      `json:"maxTokens"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TimeoutMs    int      `json:"timeoutMs"`
	RetryOnError bool     `json:"retryOnError"`
	MaxRetries   int      `json:"maxRetries"`
}

// DefaultRunConfig returns the run bounds used when an agent specifies none.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxSteps:     10,
		MaxTokens:    4096,
		TimeoutMs:    120000,
		RetryOnError: true,
		MaxRetries:   2,
	}
}

// RunConfigOverride is a partial config; set fields replace the agent's.
type RunConfigOverride struct {
	MaxSteps     *int     `json:"maxSteps,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TimeoutMs    *int     `json:"timeoutMs,omitempty"`
	RetryOnError *bool    `json:"retryOnError,omitempty"`
	MaxRetries   *int     `json:"maxRetries,omitempty"`
}

// Merge layers an override onto the config and fills unset bounds with
// defaults.
func (c RunConfig) Merge(o *RunConfigOverride) RunConfig {
	def := DefaultRunConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = def.MaxSteps
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = def.TimeoutMs
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}

	if o == nil {
		return c
	}
	if o.MaxSteps != nil && *o.MaxSteps > 0 {
		c.MaxSteps = *o.MaxSteps
	}
	if o.MaxTokens != nil && *o.MaxTokens > 0 {
		c.MaxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		c.Temperature = o.Temperature
	}
	if o.TimeoutMs != nil && *o.TimeoutMs > 0 {
		c.TimeoutMs = *o.TimeoutMs
	}
	if o.RetryOnError != nil {
		c.RetryOnError = *o.RetryOnError
	}
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		c.MaxRetries = *o.MaxRetries
	}
	return c
}

// Agent is a stored agent definition.
type Agent struct {
	ID           string     `json:"id"`
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	SystemPrompt string     `json:"systemPrompt"`
	ToolHookIDs  []string   `json:"toolHookIds"`
	Config       RunConfig  `json:"config"`
	IsPublic     bool       `json:"isPublic"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Slugify derives an agent slug from its name: lowercase with runs of
// non-alphanumerics collapsed to single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Step is one tool invocation inside a run.
type Step struct {
	Step       int            `json:"step"`
	Tool       string         `json:"tool"`   // hook id
	Action     string         `json:"action"` // endpoint key
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
	At         time.Time      `json:"at"`
}

// AgentRun is one execution of an agent. Terminal runs are never mutated.
type AgentRun struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agentId"`
	InputText    string         `json:"inputText"`
	InputData    map[string]any `json:"inputData,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	OutputText   string         `json:"outputText,omitempty"`
	Steps        []Step         `json:"steps"`
	TotalSteps   int            `json:"totalSteps"`
	TokensInput  int            `json:"tokensInput"`
	TokensOutput int            `json:"tokensOutput"`
	DurationMs   *int64         `json:"durationMs,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}
