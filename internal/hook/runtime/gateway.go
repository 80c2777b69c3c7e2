package runtime

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/hook"
)

// GatewayAdapter fronts hooks hosted outside the engine. Invocations are
// forwarded verbatim to the manifest's base URL.
type GatewayAdapter struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewGatewayAdapter creates the gateway runtime adapter.
func NewGatewayAdapter(log *logger.Logger) *GatewayAdapter {
	return &GatewayAdapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

// Install probes the gateway once. Unreachable gateways install anyway; the
// health loop will flag them.
func (a *GatewayAdapter) Install(ctx context.Context, inst *hook.Instance, progress ProgressFunc) error {
	base := inst.Manifest.Gateway.BaseURL
	progress("healthcheck", "checking gateway "+base)

	if reachable := a.probe(ctx, base); !reachable {
		a.logger.Warn("Gateway not reachable at install time",
			zap.String("hook_id", inst.HookID),
			zap.String("base_url", base))
	}
	inst.BaseURL = base
	return nil
}

// Start records the base URL; gateways have nothing to launch.
func (a *GatewayAdapter) Start(_ context.Context, inst *hook.Instance, _ bool) error {
	inst.BaseURL = inst.Manifest.Gateway.BaseURL
	return nil
}

// Stop is a no-op for gateways.
func (a *GatewayAdapter) Stop(_ context.Context, _ *hook.Instance, _ time.Duration) error {
	return nil
}

// Remove is a no-op for gateways.
func (a *GatewayAdapter) Remove(_ context.Context, inst *hook.Instance) error {
	inst.BaseURL = ""
	return nil
}

// Invoke forwards the call to the remote endpoint.
func (a *GatewayAdapter) Invoke(ctx context.Context, inst *hook.Instance, ep hook.Endpoint, input map[string]any) (map[string]any, error) {
	base := inst.BaseURL
	if base == "" {
		base = inst.Manifest.Gateway.BaseURL
	}
	if base == "" {
		return nil, errs.New(errs.CodeRuntimeError, "gateway has no base url")
	}
	return invokeHTTP(ctx, a.httpClient, base, ep, input)
}

// Logs is not supported for gateways.
func (a *GatewayAdapter) Logs(_ context.Context, _ *hook.Instance, _ int) (string, error) {
	return "", errs.New(errs.CodeValidation, "gateway hooks do not expose logs")
}

// CheckHealth reports healthy when the gateway answers at all.
func (a *GatewayAdapter) CheckHealth(ctx context.Context, inst *hook.Instance) (hook.HealthStatus, error) {
	base := inst.BaseURL
	if base == "" {
		base = inst.Manifest.Gateway.BaseURL
	}
	if a.probe(ctx, base) {
		return hook.HealthHealthy, nil
	}
	return hook.HealthUnhealthy, nil
}

// probe reports whether the gateway responds to a GET at its base URL. Any
// HTTP status counts as reachable.
func (a *GatewayAdapter) probe(ctx context.Context, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return true
}
