package docker

import (
	"context"
	"time"
)

// ContainerSpec holds everything needed to create a hook container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	NetworkName   string
	ContainerPort int // port the hook listens on inside the container
	HostPort      int // published host port
	Binds         []string
	Memory        int64 // bytes, 0 = unlimited
	NanoCPUs      int64 // CPU-nanoseconds, 0 = unlimited
	Healthcheck   *HealthcheckSpec
}

// HealthcheckSpec is the container healthcheck derived from a manifest.
type HealthcheckSpec struct {
	Test     []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// ContainerState is the inspected state of one container.
type ContainerState struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	Health     string // healthy, unhealthy, starting, or empty when no healthcheck
	HostPort   int
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID       string
	Name     string
	Image    string
	State    string
	HostPort int
}

// UpdateCheck is the result of a digest-based update probe. Failures are
// reported in Error rather than raised; HasUpdate is then false.
type UpdateCheck struct {
	HasUpdate    bool   `json:"hasUpdate"`
	LocalDigest  string `json:"localDigest,omitempty"`
	RemoteDigest string `json:"remoteDigest,omitempty"`
	Error        string `json:"error,omitempty"`
}

// API is the container engine surface the lifecycle engine and the container
// runtime adapter depend on. Client implements it against a Docker-compatible
// daemon; tests substitute a fake.
type API interface {
	Ping(ctx context.Context) error
	EnsureNetwork(ctx context.Context, name string) error
	EnsureVolume(ctx context.Context, name string) error

	PullImage(ctx context.Context, repo, tag string) error
	LoadImage(ctx context.Context, tarPath string) error
	ImageExists(ctx context.Context, repo, tag string) (bool, error)
	LocalDigest(ctx context.Context, repo, tag string) (string, error)
	RemoteDigest(ctx context.Context, repo, tag string) (string, error)

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerState, error)
	ContainerLogs(ctx context.Context, containerID string, tail int) ([]byte, error)
	ListContainers(ctx context.Context, namePrefix string) ([]ContainerSummary, error)
}
