package hook

import "time"

// Status is the lifecycle state of a hook instance.
type Status string

const (
	StatusInstalling   Status = "installing"
	StatusInstalled    Status = "installed"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusUninstalling Status = "uninstalling"
	StatusUpdating     Status = "updating"
)

// HealthStatus is the surveyed health of a running instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// transitions is the table of legal status moves. Uninstalling is reachable
// from every non-uninstalling state and is handled separately.
var transitions = map[Status]map[Status]bool{
	StatusInstalling: {StatusInstalled: true, StatusError: true},
	StatusInstalled:  {StatusStarting: true, StatusUpdating: true, StatusError: true},
	StatusStarting:   {StatusRunning: true, StatusError: true},
	StatusRunning:    {StatusStopping: true, StatusUpdating: true, StatusError: true},
	StatusStopping:   {StatusStopped: true, StatusError: true},
	StatusStopped:    {StatusStarting: true, StatusUpdating: true, StatusError: true},
	StatusError:      {StatusStarting: true, StatusUpdating: true, StatusInstalling: true},
	StatusUpdating:   {StatusRunning: true, StatusStopped: true, StatusError: true},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if to == StatusUninstalling {
		return from != StatusUninstalling
	}
	if from == "" {
		return to == StatusInstalling
	}
	return transitions[from][to]
}

// Instance is the runtime record for one installed hook, owned by the
// lifecycle engine and persisted through the hook store.
type Instance struct {
	InstanceID string  `json:"instanceId"`
	HookID     string  `json:"hookId"`
	Runtime    Runtime `json:"runtime"`

	Status            Status       `json:"status"`
	HealthStatus      HealthStatus `json:"healthStatus"`
	LastHealthCheckAt *time.Time   `json:"lastHealthCheckAt,omitempty"`
	Error             string       `json:"error,omitempty"`
	StartedAt         *time.Time   `json:"startedAt,omitempty"`
	StoppedAt         *time.Time   `json:"stoppedAt,omitempty"`
	LastUpdatedAt     *time.Time   `json:"lastUpdatedAt,omitempty"`

	// container runtime
	ContainerID   string `json:"containerId,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
	HostPort      int    `json:"hostPort,omitempty"`

	// embedded runtime
	ModuleLoaded    bool `json:"moduleLoaded,omitempty"`
	InvocationCount int  `json:"invocationCount,omitempty"`

	// gateway runtime
	BaseURL string `json:"baseUrl,omitempty"`

	// versioning
	InstalledVersion   string `json:"installedVersion"`
	PreviousVersion    string `json:"previousVersion,omitempty"`
	PreviousImageTag   string `json:"previousImageTag,omitempty"`
	PreviousModuleCode string `json:"-"` // embedded rollback source, persisted but never serialized out

	Manifest    *Manifest         `json:"manifest"`
	Config      map[string]any    `json:"config,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// SetStatus moves the instance to a new status and keeps the health status
// invariant: health is unknown whenever the instance is not running.
func (i *Instance) SetStatus(status Status) {
	i.Status = status
	if status != StatusRunning {
		i.HealthStatus = HealthUnknown
	}
}

// Clone returns a deep-enough copy for snapshot reads. The manifest is shared
// because it is immutable after install.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Config != nil {
		c.Config = make(map[string]any, len(i.Config))
		for k, v := range i.Config {
			c.Config[k] = v
		}
	}
	if i.Environment != nil {
		c.Environment = make(map[string]string, len(i.Environment))
		for k, v := range i.Environment {
			c.Environment[k] = v
		}
	}
	return &c
}

// Event type constants for the append-only lifecycle event log.
const (
	EventInstalling   = "installing"
	EventInstalled    = "installed"
	EventStarting     = "starting"
	EventStarted      = "started"
	EventStopping     = "stopping"
	EventStopped      = "stopped"
	EventUpdating     = "updating"
	EventUpdated      = "updated"
	EventUninstalling = "uninstalling"
	EventUninstalled  = "uninstalled"
	EventError        = "error"
	EventHealth       = "health"
)

// LifecycleEvent is one row of the append-only audit log.
type LifecycleEvent struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instanceId"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

// UpdateType distinguishes registry pulls from uploaded artifacts.
type UpdateType string

const (
	UpdateOnline UpdateType = "online"
	UpdateUpload UpdateType = "upload"
)

// UpdateRecord is one row of the append-only update history.
type UpdateRecord struct {
	InstanceID  string     `json:"instanceId"`
	FromVersion string     `json:"fromVersion"`
	ToVersion   string     `json:"toVersion"`
	UpdateType  UpdateType `json:"updateType"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	At          time.Time  `json:"at"`
}
