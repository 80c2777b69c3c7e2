package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/hook"
)

// ExportFunc is one callable export of an embedded module.
type ExportFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Module is a loaded embedded module: a named set of callable exports.
type Module interface {
	Exports() []string
	Invoke(ctx context.Context, fn string, input map[string]any) (map[string]any, error)
}

// ModuleLoader resolves a manifest's module source into a runnable Module.
// The host ships a registry-backed loader; tests substitute stubs.
type ModuleLoader interface {
	Load(ctx context.Context, hookID, moduleCode string) (Module, error)
}

// funcModule is the standard Module implementation over a map of exports.
type funcModule struct {
	exports map[string]ExportFunc
}

// NewModule builds a Module from named export functions.
func NewModule(exports map[string]ExportFunc) Module {
	return &funcModule{exports: exports}
}

func (m *funcModule) Exports() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	return names
}

func (m *funcModule) Invoke(ctx context.Context, fn string, input map[string]any) (map[string]any, error) {
	f, ok := m.exports[fn]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "module does not export %q", fn)
	}
	return f(ctx, input)
}

// RegistryLoader resolves modules from an in-process registry keyed by hook
// id. Module source text is persisted for update and rollback bookkeeping but
// is not interpreted; the registered factory provides the behavior.
type RegistryLoader struct {
	mu        sync.RWMutex
	factories map[string]func() Module
}

// NewRegistryLoader creates an empty module registry.
func NewRegistryLoader() *RegistryLoader {
	return &RegistryLoader{factories: make(map[string]func() Module)}
}

// Register binds a module factory to a hook id.
func (r *RegistryLoader) Register(hookID string, factory func() Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[hookID] = factory
}

// Load resolves the registered module for a hook.
func (r *RegistryLoader) Load(_ context.Context, hookID, _ string) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[hookID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.CodeImageError, "no module registered for hook %q", hookID)
	}
	return factory(), nil
}

// EmbeddedAdapter runs hooks as in-process modules.
type EmbeddedAdapter struct {
	loader ModuleLoader
	logger *logger.Logger

	mu      sync.RWMutex
	modules map[string]Module // instanceID -> loaded module
}

// NewEmbeddedAdapter creates the embedded runtime adapter.
func NewEmbeddedAdapter(loader ModuleLoader, log *logger.Logger) *EmbeddedAdapter {
	return &EmbeddedAdapter{
		loader:  loader,
		logger:  log,
		modules: make(map[string]Module),
	}
}

// Install verifies the module resolves. The module is loaded for real on
// Start.
func (a *EmbeddedAdapter) Install(ctx context.Context, inst *hook.Instance, progress ProgressFunc) error {
	progress("create", "resolving module for "+inst.HookID)
	if _, err := a.loader.Load(ctx, inst.HookID, inst.Manifest.ModuleCode); err != nil {
		return err
	}
	return nil
}

// Start loads the module into the adapter's table.
func (a *EmbeddedAdapter) Start(ctx context.Context, inst *hook.Instance, _ bool) error {
	mod, err := a.loader.Load(ctx, inst.HookID, inst.Manifest.ModuleCode)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.modules[inst.InstanceID] = mod
	a.mu.Unlock()

	inst.ModuleLoaded = true
	a.logger.Info("Embedded module loaded",
		zap.String("instance_id", inst.InstanceID),
		zap.Strings("exports", mod.Exports()))
	return nil
}

// Stop unloads the module.
func (a *EmbeddedAdapter) Stop(_ context.Context, inst *hook.Instance, _ time.Duration) error {
	a.mu.Lock()
	delete(a.modules, inst.InstanceID)
	a.mu.Unlock()
	inst.ModuleLoaded = false
	return nil
}

// Remove unloads the module; embedded hooks have no other artifacts.
func (a *EmbeddedAdapter) Remove(ctx context.Context, inst *hook.Instance) error {
	return a.Stop(ctx, inst, 0)
}

// Invoke calls the module export matching the endpoint. The export name is
// the action key with its method prefix stripped: POST /summarize invokes
// "summarize".
func (a *EmbeddedAdapter) Invoke(ctx context.Context, inst *hook.Instance, ep hook.Endpoint, input map[string]any) (map[string]any, error) {
	a.mu.RLock()
	mod, ok := a.modules[inst.InstanceID]
	a.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.CodeRuntimeError, "module is not loaded")
	}

	fn := exportName(ep)
	result, err := mod.Invoke(ctx, fn, input)
	if err != nil {
		return nil, err
	}

	// Concurrent invokes share the instance record; count under the lock.
	a.mu.Lock()
	inst.InvocationCount++
	a.mu.Unlock()
	return result, nil
}

// Logs is not supported for embedded modules; output goes to the host log.
func (a *EmbeddedAdapter) Logs(_ context.Context, _ *hook.Instance, _ int) (string, error) {
	return "", errs.New(errs.CodeValidation, "embedded hooks do not expose logs")
}

// CheckHealth reports healthy while the module is loaded.
func (a *EmbeddedAdapter) CheckHealth(_ context.Context, inst *hook.Instance) (hook.HealthStatus, error) {
	a.mu.RLock()
	_, ok := a.modules[inst.InstanceID]
	a.mu.RUnlock()
	if ok {
		return hook.HealthHealthy, nil
	}
	return hook.HealthUnhealthy, nil
}

// exportName strips the lowercased method prefix from the endpoint's action
// key.
func exportName(ep hook.Endpoint) string {
	key := ep.ActionKey()
	prefix := strings.ToLower(ep.Method) + "_"
	if strings.HasPrefix(key, prefix) {
		return strings.TrimPrefix(key, prefix)
	}
	return key
}
