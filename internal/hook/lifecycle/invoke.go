package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/backoff"
	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/hook"
)

// Invoke executes one endpoint on a running instance. Failed attempts are
// retried with exponential backoff up to retries extra times.
func (e *Engine) Invoke(ctx context.Context, instanceID, endpointKey string, input map[string]any, retries int) (map[string]any, error) {
	inst, err := e.get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != hook.StatusRunning {
		return nil, errs.Newf(errs.CodeConflict, "hook %s is not running (status %s)",
			inst.HookID, inst.Status)
	}

	ep, ok := inst.Manifest.EndpointByAction(endpointKey)
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "hook %s has no endpoint %q", inst.HookID, endpointKey)
	}

	adapter := e.adapters[inst.Runtime]
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff.Delay(attempt - 1)):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.CodeTimeout, "invoke cancelled", ctx.Err())
			}
			e.logger.WithHookID(inst.HookID).Debug("Retrying invoke",
				zap.String("endpoint", endpointKey),
				zap.Int("attempt", attempt))
		}

		result, err := adapter.Invoke(ctx, inst, ep, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// InvokeByHookID resolves the hook id to its instance and invokes it. Used
// by the agent orchestrator, which addresses tools by hook id.
func (e *Engine) InvokeByHookID(ctx context.Context, hookID, endpointKey string, input map[string]any, retries int) (map[string]any, error) {
	inst, err := e.GetByHookID(hookID)
	if err != nil {
		return nil, err
	}
	return e.Invoke(ctx, inst.InstanceID, endpointKey, input, retries)
}
