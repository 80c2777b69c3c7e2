// Package store persists hook instances, their lifecycle event log, and
// their update history.
package store

import (
	"context"

	"github.com/forgehook/forgehook/internal/hook"
)

// Store is the persistence contract the lifecycle engine depends on.
type Store interface {
	// SaveInstance inserts or replaces the instance row.
	SaveInstance(ctx context.Context, inst *hook.Instance) error

	// GetInstance fetches one instance by its instance id.
	GetInstance(ctx context.Context, instanceID string) (*hook.Instance, error)

	// GetInstanceByHookID fetches one instance by its hook id.
	GetInstanceByHookID(ctx context.Context, hookID string) (*hook.Instance, error)

	// ListInstances returns every persisted instance.
	ListInstances(ctx context.Context) ([]*hook.Instance, error)

	// DeleteInstance removes the instance row. Event and update history rows
	// are kept for audit.
	DeleteInstance(ctx context.Context, instanceID string) error

	// UsedPorts returns every host port currently recorded on an instance.
	UsedPorts(ctx context.Context) ([]int, error)

	// AppendEvent appends one row to the lifecycle event log.
	AppendEvent(ctx context.Context, ev hook.LifecycleEvent) error

	// EventsByInstance returns the most recent events for an instance,
	// newest first.
	EventsByInstance(ctx context.Context, instanceID string, limit int) ([]hook.LifecycleEvent, error)

	// AppendUpdateRecord appends one row to the update history.
	AppendUpdateRecord(ctx context.Context, rec hook.UpdateRecord) error

	// UpdateHistory returns the update history for an instance, newest first.
	UpdateHistory(ctx context.Context, instanceID string) ([]hook.UpdateRecord, error)

	// Close releases the underlying connection.
	Close() error
}
