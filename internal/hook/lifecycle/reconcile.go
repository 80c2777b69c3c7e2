package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/hook"
)

// Reconcile loads persisted instances and aligns them with the live container
// engine. It adopts engine containers the store does not know about and marks
// rows whose container vanished as stopped. Call once at boot.
func (e *Engine) Reconcile(ctx context.Context) error {
	persisted, err := e.store.ListInstances(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, inst := range persisted {
		e.instances[inst.InstanceID] = inst
		if inst.HostPort > 0 {
			e.ports.MarkAllocated(inst.HostPort)
		}
	}
	e.mu.Unlock()

	summaries, err := e.engine.ListContainers(ctx, e.config.ContainerPrefix)
	if err != nil {
		// Engine is unreachable; keep persisted state and let the health
		// loops surface the problem once containers become inspectable.
		e.logger.Warn("Container listing failed during reconcile", zap.Error(err))
		summaries = nil
	}

	byName := make(map[string]int, len(summaries))
	for i, sum := range summaries {
		byName[sum.Name] = i
	}
	claimed := make(map[string]bool, len(summaries))

	e.mu.Lock()
	for _, inst := range e.instances {
		if inst.Runtime != hook.RuntimeContainer {
			continue
		}

		idx, found := byName[inst.ContainerName]
		if !found {
			if inst.Status == hook.StatusRunning || inst.Status == hook.StatusStarting ||
				inst.Status == hook.StatusStopping {
				e.logger.Info("Container vanished, marking instance stopped",
					zap.String("hook_id", inst.HookID))
				inst.SetStatus(hook.StatusStopped)
				inst.ContainerID = ""
			}
			continue
		}

		sum := summaries[idx]
		claimed[sum.Name] = true
		inst.ContainerID = sum.ID
		if sum.HostPort > 0 {
			inst.HostPort = sum.HostPort
			e.ports.MarkAllocated(sum.HostPort)
		}
		if sum.State == "running" {
			inst.SetStatus(hook.StatusRunning)
		} else {
			inst.SetStatus(hook.StatusStopped)
		}
	}
	e.mu.Unlock()

	// Adopt engine-known containers with no persisted row.
	for _, sum := range summaries {
		if claimed[sum.Name] {
			continue
		}
		hookID := strings.TrimPrefix(sum.Name, e.config.ContainerPrefix)
		if hookID == "" || e.hasHook(hookID) {
			continue
		}
		e.adopt(ctx, hookID, sum.ID, sum.Image, sum.State, sum.HostPort)
	}

	// Persist reconciled state and resume surveillance of running instances.
	for _, inst := range e.List() {
		canonical, err := e.get(inst.InstanceID)
		if err != nil {
			continue
		}
		if err := e.persist(ctx, canonical); err != nil {
			return err
		}
		if canonical.Status == hook.StatusRunning {
			e.startHealthLoop(canonical.InstanceID)
		}
	}

	e.logger.Info("Reconcile complete",
		zap.Int("instances", len(e.List())),
		zap.Int("containers", len(summaries)))
	return nil
}

func (e *Engine) hasHook(hookID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inst := range e.instances {
		if inst.HookID == hookID {
			return true
		}
	}
	return false
}

// adopt inserts a row for a container the engine knows but the store does
// not, synthesizing a minimal manifest from what the engine reports.
func (e *Engine) adopt(ctx context.Context, hookID, containerID, image, state string, hostPort int) {
	repo, tag := splitImageRef(image)

	inst := &hook.Instance{
		InstanceID:    uuid.New().String(),
		HookID:        hookID,
		Runtime:       hook.RuntimeContainer,
		ContainerID:   containerID,
		ContainerName: e.config.ContainerPrefix + hookID,
		HostPort:      hostPort,
		Manifest: &hook.Manifest{
			ID:          hookID,
			Name:        hookID,
			Version:     "adopted",
			Description: "adopted from running container",
			Runtime:     hook.RuntimeContainer,
			Port:        hostPort,
			Image:       &hook.ImageRef{Repository: repo, Tag: tag},
		},
		InstalledVersion: "adopted",
		CreatedAt:        e.clock(),
	}
	if state == "running" {
		inst.SetStatus(hook.StatusRunning)
	} else {
		inst.SetStatus(hook.StatusStopped)
	}
	if hostPort > 0 {
		e.ports.MarkAllocated(hostPort)
	}

	e.mu.Lock()
	e.instances[inst.InstanceID] = inst
	e.mu.Unlock()

	if err := e.persist(ctx, inst); err != nil {
		e.logger.Warn("Failed to persist adopted instance",
			zap.String("hook_id", hookID), zap.Error(err))
		return
	}
	e.logger.Info("Adopted container",
		zap.String("hook_id", hookID),
		zap.String("container_id", containerID),
		zap.String("state", state))
}

func splitImageRef(ref string) (repo, tag string) {
	if i := strings.LastIndex(ref, ":"); i > 0 && !strings.Contains(ref[i:], "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// startHealthLoop begins surveillance of one running instance: a first probe
// shortly after start, then a steady cadence. Any existing loop is replaced.
func (e *Engine) startHealthLoop(instanceID string) {
	e.healthMu.Lock()
	if cancel, ok := e.health[instanceID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.health[instanceID] = cancel
	e.healthMu.Unlock()

	go e.healthLoop(ctx, instanceID)
}

func (e *Engine) stopHealthLoop(instanceID string) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	if cancel, ok := e.health[instanceID]; ok {
		cancel()
		delete(e.health, instanceID)
	}
}

func (e *Engine) healthLoop(ctx context.Context, instanceID string) {
	timer := time.NewTimer(healthFirstTick)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if !e.healthTick(ctx, instanceID) {
		return
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.healthTick(ctx, instanceID) {
				return
			}
		}
	}
}

// healthTick probes one instance. It returns false when the loop should end.
func (e *Engine) healthTick(ctx context.Context, instanceID string) bool {
	inst, err := e.get(instanceID)
	if err != nil {
		return false
	}
	if inst.Status != hook.StatusRunning {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	status, err := e.adapters[inst.Runtime].CheckHealth(probeCtx, inst)
	cancel()
	if err != nil {
		e.logger.WithHookID(inst.HookID).Warn("Health probe failed", zap.Error(err))
		status = hook.HealthUnknown
	}

	e.mu.Lock()
	changed := inst.HealthStatus != status
	inst.HealthStatus = status
	now := e.clock()
	inst.LastHealthCheckAt = &now
	e.mu.Unlock()

	if err := e.persist(ctx, inst); err != nil {
		return true
	}
	if changed {
		e.emit(ctx, inst, hook.EventHealth, map[string]any{"healthStatus": string(status)})
	}
	return true
}
