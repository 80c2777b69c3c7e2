package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/hook/docker"
)

// UpdateRequest selects the new artifact for an update. Exactly one of
// NewImageTag, ImageTarPath, NewManifest, or ModuleCode drives the update.
type UpdateRequest struct {
	NewImageTag  string         // container: pull repository:newTag
	ImageTarPath string         // container: load an uploaded archive
	NewManifest  *hook.Manifest // full manifest swap
	ModuleCode   string         // embedded: replacement module source
}

func (r UpdateRequest) updateType() hook.UpdateType {
	if r.ImageTarPath != "" {
		return hook.UpdateUpload
	}
	return hook.UpdateOnline
}

// Update swaps an instance to a new version. A running instance is brought
// back to running; a stopped one stays stopped. Failures mark the instance
// error and record an unsuccessful history row.
func (e *Engine) Update(ctx context.Context, instanceID string, req UpdateRequest) error {
	inst, err := e.get(instanceID)
	if err != nil {
		return err
	}

	newManifest, err := e.resolveUpdateManifest(inst, req)
	if err != nil {
		return err
	}

	wasRunning := inst.Status == hook.StatusRunning
	fromVersion := inst.InstalledVersion
	toVersion := newManifest.Version

	if err := e.transition(ctx, inst, hook.StatusUpdating); err != nil {
		return err
	}
	e.stopHealthLoop(instanceID)
	e.emit(ctx, inst, hook.EventUpdating, map[string]any{
		"fromVersion": fromVersion, "toVersion": toVersion,
	})

	record := hook.UpdateRecord{
		InstanceID:  instanceID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		UpdateType:  req.updateType(),
		At:          e.clock(),
	}

	fail := func(cause error) error {
		record.Success = false
		record.Error = cause.Error()
		if err := e.store.AppendUpdateRecord(ctx, record); err != nil {
			e.logger.Warn("Failed to record update failure", zap.Error(err))
		}
		e.failInstance(ctx, inst, cause)
		e.persist(ctx, inst)
		return cause
	}

	adapter := e.adapters[inst.Runtime]

	switch inst.Runtime {
	case hook.RuntimeContainer:
		if req.ImageTarPath != "" {
			if err := e.engine.LoadImage(ctx, req.ImageTarPath); err != nil {
				return fail(errs.Wrap(errs.CodeImageError, "failed to load image archive", err))
			}
		} else {
			img := newManifest.Image
			if err := e.engine.PullImage(ctx, img.Repository, img.Tag); err != nil {
				return fail(errs.Wrap(errs.CodeImageError, "failed to pull "+img.Ref(), err))
			}
		}

		if inst.ContainerID != "" {
			if err := adapter.Stop(ctx, inst, e.config.StopTimeoutDuration()); err != nil {
				e.logger.WithHookID(inst.HookID).Warn("Stop before update failed", zap.Error(err))
			}
			if err := adapter.Remove(ctx, inst); err != nil {
				return fail(err)
			}
		}

	case hook.RuntimeEmbedded:
		if wasRunning {
			if err := adapter.Stop(ctx, inst, 0); err != nil {
				return fail(err)
			}
		}
	}

	e.mu.Lock()
	inst.PreviousVersion = fromVersion
	if inst.Runtime == hook.RuntimeContainer && inst.Manifest.Image != nil {
		inst.PreviousImageTag = inst.Manifest.Image.Tag
	}
	if inst.Runtime == hook.RuntimeEmbedded {
		inst.PreviousModuleCode = inst.Manifest.ModuleCode
	}
	inst.Manifest = newManifest
	inst.InstalledVersion = toVersion
	now := e.clock()
	inst.LastUpdatedAt = &now
	e.mu.Unlock()

	if wasRunning {
		if err := adapter.Start(ctx, inst, false); err != nil {
			return fail(err)
		}
		inst.SetStatus(hook.StatusRunning)
		e.startHealthLoop(instanceID)
	} else {
		inst.SetStatus(hook.StatusStopped)
	}

	if err := e.persist(ctx, inst); err != nil {
		return fail(err)
	}

	record.Success = true
	if err := e.store.AppendUpdateRecord(ctx, record); err != nil {
		e.logger.Warn("Failed to record update", zap.Error(err))
	}
	e.emit(ctx, inst, hook.EventUpdated, map[string]any{
		"fromVersion": fromVersion, "toVersion": toVersion,
	})

	e.logger.WithHookID(inst.HookID).Info("Hook updated",
		zap.String("from_version", fromVersion),
		zap.String("to_version", toVersion))
	return nil
}

// resolveUpdateManifest builds the post-update manifest from the request.
func (e *Engine) resolveUpdateManifest(inst *hook.Instance, req UpdateRequest) (*hook.Manifest, error) {
	if req.NewManifest != nil {
		if err := req.NewManifest.Validate(); err != nil {
			return nil, err
		}
		if req.NewManifest.ID != inst.HookID {
			return nil, errs.Newf(errs.CodeValidation,
				"update manifest id %q does not match hook %q", req.NewManifest.ID, inst.HookID)
		}
		return req.NewManifest, nil
	}

	switch inst.Runtime {
	case hook.RuntimeContainer:
		if req.NewImageTag == "" && req.ImageTarPath == "" {
			return nil, errs.New(errs.CodeValidation, "update requires newImageTag, imageTarPath, or newManifest")
		}
		m := *inst.Manifest
		if req.NewImageTag != "" {
			img := *m.Image
			img.Tag = req.NewImageTag
			m.Image = &img
			m.Version = req.NewImageTag
		}
		return &m, nil

	case hook.RuntimeEmbedded:
		if req.ModuleCode == "" {
			return nil, errs.New(errs.CodeValidation, "embedded update requires moduleCode or newManifest")
		}
		m := *inst.Manifest
		m.ModuleCode = req.ModuleCode
		return &m, nil

	default:
		return nil, errs.Newf(errs.CodeValidation, "%s hooks do not support update", inst.Runtime)
	}
}

// Rollback reverts an instance to its previous version.
func (e *Engine) Rollback(ctx context.Context, instanceID string) error {
	inst, err := e.get(instanceID)
	if err != nil {
		return err
	}

	switch inst.Runtime {
	case hook.RuntimeContainer:
		if inst.PreviousVersion == "" || inst.PreviousImageTag == "" {
			return errs.New(errs.CodeNotFound, "no previous version to roll back to")
		}
		m := *inst.Manifest
		img := *m.Image
		img.Tag = inst.PreviousImageTag
		m.Image = &img
		m.Version = inst.PreviousVersion
		return e.Update(ctx, instanceID, UpdateRequest{NewManifest: &m})

	case hook.RuntimeEmbedded:
		if inst.PreviousVersion == "" || inst.PreviousModuleCode == "" {
			return errs.New(errs.CodeNotFound, "no previous version to roll back to")
		}
		m := *inst.Manifest
		m.ModuleCode = inst.PreviousModuleCode
		m.Version = inst.PreviousVersion
		return e.Update(ctx, instanceID, UpdateRequest{NewManifest: &m})

	default:
		return errs.Newf(errs.CodeValidation, "%s hooks do not support rollback", inst.Runtime)
	}
}

// UpdateHistory returns the append-only update log for one instance.
func (e *Engine) UpdateHistory(ctx context.Context, instanceID string) ([]hook.UpdateRecord, error) {
	if _, err := e.get(instanceID); err != nil {
		return nil, err
	}
	return e.store.UpdateHistory(ctx, instanceID)
}

// CheckUpdate compares the local image digest against the registry. Lookup
// failures are reported in the result, never raised.
func (e *Engine) CheckUpdate(ctx context.Context, instanceID string) (docker.UpdateCheck, error) {
	inst, err := e.get(instanceID)
	if err != nil {
		return docker.UpdateCheck{}, err
	}
	if inst.Runtime != hook.RuntimeContainer {
		return docker.UpdateCheck{}, errs.Newf(errs.CodeValidation,
			"%s hooks do not support update checks", inst.Runtime)
	}

	img := inst.Manifest.Image
	local, err := e.engine.LocalDigest(ctx, img.Repository, img.Tag)
	if err != nil {
		return docker.UpdateCheck{Error: err.Error()}, nil
	}
	remote, err := e.engine.RemoteDigest(ctx, img.Repository, img.Tag)
	if err != nil {
		return docker.UpdateCheck{LocalDigest: local, Error: err.Error()}, nil
	}
	return docker.UpdateCheck{
		HasUpdate:    local != "" && remote != "" && local != remote,
		LocalDigest:  local,
		RemoteDigest: remote,
	}, nil
}
