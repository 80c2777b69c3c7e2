// Package lifecycle implements the hook lifecycle engine: installs, starts,
// stops, updates, uninstalls, invokes, and supervises hook instances across
// the container, embedded, and gateway runtimes.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/events/bus"
	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/hook/docker"
	"github.com/forgehook/forgehook/internal/hook/progress"
	"github.com/forgehook/forgehook/internal/hook/runtime"
	"github.com/forgehook/forgehook/internal/hook/store"
)

const eventSource = "lifecycle-engine"

// Graceful stop timeout used during uninstall. Plain stops use the
// configured timeout.
const uninstallStopTimeout = 10 * time.Second

// Health surveillance cadence: first tick shortly after start, then steady.
const (
	healthFirstTick = 10 * time.Second
	healthInterval  = 30 * time.Second
)

// Engine owns hook instances and their state machine.
type Engine struct {
	store    store.Store
	adapters map[hook.Runtime]runtime.Adapter
	engine   docker.API
	ports    *PortAllocator
	events   bus.EventBus
	progress *progress.Bus
	config   config.DockerConfig
	logger   *logger.Logger

	mu        sync.RWMutex
	instances map[string]*hook.Instance // instanceID -> canonical record

	healthMu sync.Mutex
	health   map[string]context.CancelFunc // instanceID -> health loop cancel

	clock func() time.Time
}

// NewEngine creates the lifecycle engine. Call Reconcile before serving.
func NewEngine(
	st store.Store,
	adapters map[hook.Runtime]runtime.Adapter,
	engineAPI docker.API,
	ports *PortAllocator,
	events bus.EventBus,
	prog *progress.Bus,
	cfg config.DockerConfig,
	log *logger.Logger,
) *Engine {
	return &Engine{
		store:     st,
		adapters:  adapters,
		engine:    engineAPI,
		ports:     ports,
		events:    events,
		progress:  prog,
		config:    cfg,
		logger:    log,
		instances: make(map[string]*hook.Instance),
		health:    make(map[string]context.CancelFunc),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// InstallRequest carries everything needed to install a hook.
type InstallRequest struct {
	Manifest     *hook.Manifest
	Config       map[string]any
	Environment  map[string]string
	AutoStart    *bool  // nil means true
	InstallID    string // progress stream key; generated when empty
	ImageTarPath string // container upload installs
}

// Install creates a new hook instance from a manifest.
func (e *Engine) Install(ctx context.Context, req InstallRequest) (*hook.Instance, error) {
	m := req.Manifest
	if m == nil {
		return nil, errs.New(errs.CodeValidation, "manifest is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Runtime == hook.RuntimeEmbedded && m.ModuleCode == "" {
		return nil, errs.New(errs.CodeValidation, "embedded install requires moduleCode")
	}
	if m.Runtime != hook.RuntimeContainer && req.ImageTarPath != "" {
		return nil, errs.Newf(errs.CodeValidation, "%s install must not carry an image archive", m.Runtime)
	}

	installID := req.InstallID
	if installID == "" {
		installID = uuid.New().String()
	}

	e.mu.Lock()
	for _, existing := range e.instances {
		if existing.HookID == m.ID && existing.Status != hook.StatusUninstalling {
			e.mu.Unlock()
			return nil, errs.Newf(errs.CodeConflict, "hook %s is already installed", m.ID)
		}
	}

	inst := &hook.Instance{
		InstanceID:       uuid.New().String(),
		HookID:           m.ID,
		Runtime:          m.Runtime,
		Status:           hook.StatusInstalling,
		HealthStatus:     hook.HealthUnknown,
		Manifest:         m,
		Config:           req.Config,
		Environment:      req.Environment,
		InstalledVersion: m.Version,
		CreatedAt:        e.clock(),
	}
	if m.Runtime == hook.RuntimeContainer {
		inst.ContainerName = e.config.ContainerPrefix + m.ID
	}
	e.instances[inst.InstanceID] = inst
	e.mu.Unlock()

	log := e.logger.WithHookID(m.ID)
	log.Info("Installing hook",
		zap.String("instance_id", inst.InstanceID),
		zap.String("runtime", string(m.Runtime)),
		zap.String("version", m.Version))

	fail := func(err error) (*hook.Instance, error) {
		e.failInstance(ctx, inst, err)
		if inst.HostPort > 0 {
			e.ports.Release(inst.HostPort)
			inst.HostPort = 0
		}
		e.persist(ctx, inst)
		e.progress.Fail(installID, err.Error())
		return nil, err
	}

	if m.Runtime == hook.RuntimeContainer {
		port, err := e.ports.Allocate()
		if err != nil {
			e.mu.Lock()
			delete(e.instances, inst.InstanceID)
			e.mu.Unlock()
			e.progress.Fail(installID, err.Error())
			return nil, err
		}
		inst.HostPort = port
	}

	if err := e.persist(ctx, inst); err != nil {
		return fail(err)
	}
	e.emit(ctx, inst, hook.EventInstalling, map[string]any{"version": m.Version})
	e.progress.Publish(installID, progress.PhasePull, "installing "+m.ID)

	if req.ImageTarPath != "" {
		e.progress.Publish(installID, progress.PhasePull, "loading image archive")
		if err := e.engine.LoadImage(ctx, req.ImageTarPath); err != nil {
			return fail(errs.Wrap(errs.CodeImageError, "failed to load image archive", err))
		}
	}

	adapter := e.adapters[m.Runtime]
	if err := adapter.Install(ctx, inst, func(phase, message string) {
		e.progress.Publish(installID, phase, message)
	}); err != nil {
		return fail(err)
	}

	inst.SetStatus(hook.StatusInstalled)
	if err := e.persist(ctx, inst); err != nil {
		return fail(err)
	}
	e.emit(ctx, inst, hook.EventInstalled, map[string]any{"version": m.Version})

	if req.AutoStart == nil || *req.AutoStart {
		e.progress.Publish(installID, progress.PhaseStart, "starting "+m.ID)
		if err := e.Start(ctx, inst.InstanceID, false); err != nil {
			e.progress.Fail(installID, err.Error())
			return inst.Clone(), err
		}
	}

	e.progress.Complete(installID, m.ID+" installed")
	return inst.Clone(), nil
}

// Start moves an instance to running. With pullLatest, container instances
// re-pull and are recreated when the image digest changed.
func (e *Engine) Start(ctx context.Context, instanceID string, pullLatest bool) error {
	inst, err := e.get(instanceID)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, inst, hook.StatusStarting); err != nil {
		return err
	}
	e.emit(ctx, inst, hook.EventStarting, nil)

	adapter := e.adapters[inst.Runtime]
	if err := adapter.Start(ctx, inst, pullLatest); err != nil {
		e.failInstance(ctx, inst, err)
		e.persist(ctx, inst)
		return err
	}

	now := e.clock()
	inst.SetStatus(hook.StatusRunning)
	inst.StartedAt = &now
	inst.StoppedAt = nil
	inst.Error = ""
	if err := e.persist(ctx, inst); err != nil {
		return err
	}
	e.emit(ctx, inst, hook.EventStarted, nil)
	e.startHealthLoop(inst.InstanceID)

	e.logger.WithHookID(inst.HookID).Info("Hook started",
		zap.String("instance_id", inst.InstanceID),
		zap.Int("host_port", inst.HostPort))
	return nil
}

// Stop gracefully stops a running instance.
func (e *Engine) Stop(ctx context.Context, instanceID string) error {
	inst, err := e.get(instanceID)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, inst, hook.StatusStopping); err != nil {
		return err
	}
	e.stopHealthLoop(instanceID)
	e.emit(ctx, inst, hook.EventStopping, nil)

	adapter := e.adapters[inst.Runtime]
	if err := adapter.Stop(ctx, inst, e.config.StopTimeoutDuration()); err != nil {
		e.failInstance(ctx, inst, err)
		e.persist(ctx, inst)
		return err
	}

	now := e.clock()
	inst.SetStatus(hook.StatusStopped)
	inst.StoppedAt = &now
	if err := e.persist(ctx, inst); err != nil {
		return err
	}
	e.emit(ctx, inst, hook.EventStopped, nil)

	e.logger.WithHookID(inst.HookID).Info("Hook stopped",
		zap.String("instance_id", inst.InstanceID))
	return nil
}

// Restart stops then starts the instance. An already-stopped instance skips
// straight to the start.
func (e *Engine) Restart(ctx context.Context, instanceID string) error {
	inst, err := e.get(instanceID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	stopped := inst.Status == hook.StatusStopped
	e.mu.RUnlock()

	if !stopped {
		if err := e.Stop(ctx, instanceID); err != nil {
			return err
		}
	}
	return e.Start(ctx, instanceID, false)
}

// Uninstall tears an instance down and removes its row. The event log is
// kept for audit.
func (e *Engine) Uninstall(ctx context.Context, instanceID string) error {
	inst, err := e.get(instanceID)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, inst, hook.StatusUninstalling); err != nil {
		return err
	}
	e.stopHealthLoop(instanceID)
	e.emit(ctx, inst, hook.EventUninstalling, nil)

	adapter := e.adapters[inst.Runtime]
	if inst.ContainerID != "" || inst.ModuleLoaded {
		if err := adapter.Stop(ctx, inst, uninstallStopTimeout); err != nil {
			e.logger.WithHookID(inst.HookID).Warn("Graceful stop during uninstall failed",
				zap.Error(err))
		}
	}
	if err := adapter.Remove(ctx, inst); err != nil {
		e.failInstance(ctx, inst, err)
		e.persist(ctx, inst)
		return err
	}

	if inst.HostPort > 0 {
		e.ports.Release(inst.HostPort)
	}
	if err := e.store.DeleteInstance(ctx, instanceID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.instances, instanceID)
	e.mu.Unlock()

	e.emit(ctx, inst, hook.EventUninstalled, nil)
	e.logger.WithHookID(inst.HookID).Info("Hook uninstalled",
		zap.String("instance_id", instanceID))
	return nil
}

// Get returns a snapshot of one instance.
func (e *Engine) Get(instanceID string) (*hook.Instance, error) {
	inst, err := e.get(instanceID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return inst.Clone(), nil
}

// GetByHookID returns a snapshot of the instance installed for a hook id.
func (e *Engine) GetByHookID(hookID string) (*hook.Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inst := range e.instances {
		if inst.HookID == hookID {
			return inst.Clone(), nil
		}
	}
	return nil, errs.Newf(errs.CodeNotFound, "hook %s not found", hookID)
}

// List returns snapshots of all instances.
func (e *Engine) List() []*hook.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*hook.Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// Events returns the lifecycle event log for one instance, newest first.
func (e *Engine) Events(ctx context.Context, instanceID string, limit int) ([]hook.LifecycleEvent, error) {
	if _, err := e.get(instanceID); err != nil {
		return nil, err
	}
	return e.store.EventsByInstance(ctx, instanceID, limit)
}

// Logs returns the instance's recent output.
func (e *Engine) Logs(ctx context.Context, instanceID string, tail int) (string, error) {
	inst, err := e.get(instanceID)
	if err != nil {
		return "", err
	}
	return e.adapters[inst.Runtime].Logs(ctx, inst, tail)
}

// Close stops all health loops.
func (e *Engine) Close() {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	for id, cancel := range e.health {
		cancel()
		delete(e.health, id)
	}
}

// get returns the canonical instance record.
func (e *Engine) get(instanceID string) (*hook.Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "instance %s not found", instanceID)
	}
	return inst, nil
}

// transition applies a guarded status change and persists it.
func (e *Engine) transition(ctx context.Context, inst *hook.Instance, to hook.Status) error {
	e.mu.Lock()
	if !hook.CanTransition(inst.Status, to) {
		from := inst.Status
		e.mu.Unlock()
		return errs.Newf(errs.CodeConflict, "cannot transition hook %s from %s to %s",
			inst.HookID, from, to)
	}
	inst.SetStatus(to)
	e.mu.Unlock()
	return e.persist(ctx, inst)
}

// failInstance records an error status. The caller persists.
func (e *Engine) failInstance(ctx context.Context, inst *hook.Instance, cause error) {
	e.mu.Lock()
	inst.SetStatus(hook.StatusError)
	inst.Error = cause.Error()
	e.mu.Unlock()

	e.emit(ctx, inst, hook.EventError, map[string]any{"error": cause.Error()})
	e.logger.WithHookID(inst.HookID).Error("Hook operation failed",
		zap.String("instance_id", inst.InstanceID),
		zap.Error(cause))
}

func (e *Engine) persist(ctx context.Context, inst *hook.Instance) error {
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		e.logger.Error("Failed to persist instance",
			zap.String("instance_id", inst.InstanceID), zap.Error(err))
		return errs.Wrap(errs.CodeInternal, "failed to persist instance", err)
	}
	return nil
}

// emit appends an event row and publishes it on the bus. Emission failures
// are logged, never surfaced.
func (e *Engine) emit(ctx context.Context, inst *hook.Instance, eventType string, data map[string]any) {
	ev := hook.LifecycleEvent{
		Type:       eventType,
		InstanceID: inst.InstanceID,
		At:         e.clock(),
		Data:       data,
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("Failed to append lifecycle event",
			zap.String("type", eventType), zap.Error(err))
	}

	subject := fmt.Sprintf("hook.%s.%s", inst.InstanceID, eventType)
	busEvent := bus.NewEvent(eventType, inst.InstanceID, eventSource, data)
	if err := e.events.Publish(ctx, subject, busEvent); err != nil {
		e.logger.Warn("Failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}
