// Package runtime contains the per-runtime adapters that execute hooks. The
// lifecycle engine owns state transitions and persistence; adapters only talk
// to their backing substrate (container engine, in-process module, or remote
// gateway).
package runtime

import (
	"context"
	"time"

	"github.com/forgehook/forgehook/internal/hook"
)

// ProgressFunc reports a phase/message pair during a long-running operation.
type ProgressFunc func(phase, message string)

// Adapter is the runtime-specific execution surface. One adapter exists per
// runtime kind; the engine dispatches on the instance's runtime.
type Adapter interface {
	// Install prepares the instance's artifacts (pull image, load module,
	// probe gateway). It must not start anything.
	Install(ctx context.Context, inst *hook.Instance, progress ProgressFunc) error

	// Start brings the instance to a running state. When pullLatest is set,
	// container adapters re-pull the image and recreate the container if the
	// digest changed.
	Start(ctx context.Context, inst *hook.Instance, pullLatest bool) error

	// Stop gracefully halts the instance within the timeout.
	Stop(ctx context.Context, inst *hook.Instance, timeout time.Duration) error

	// Remove tears down all instance artifacts.
	Remove(ctx context.Context, inst *hook.Instance) error

	// Invoke executes one endpoint with the given input.
	Invoke(ctx context.Context, inst *hook.Instance, ep hook.Endpoint, input map[string]any) (map[string]any, error)

	// Logs returns the last tail lines of instance output, when the runtime
	// has any.
	Logs(ctx context.Context, inst *hook.Instance, tail int) (string, error)

	// CheckHealth probes the instance and reports its health.
	CheckHealth(ctx context.Context, inst *hook.Instance) (hook.HealthStatus, error)
}
