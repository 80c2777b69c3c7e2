package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/db"
	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/events/bus"
	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/hook/docker"
	"github.com/forgehook/forgehook/internal/hook/progress"
	"github.com/forgehook/forgehook/internal/hook/runtime"
	"github.com/forgehook/forgehook/internal/hook/store"
)

// fakeAdapter records calls and fails on demand.
type fakeAdapter struct {
	mu         sync.Mutex
	calls      []string
	installErr error
	startErr   error
	stopErr    error
	removeErr  error
	invokeErr  error
	invokeFail int // fail this many invokes before succeeding
	health     hook.HealthStatus
}

func (f *fakeAdapter) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAdapter) Install(_ context.Context, inst *hook.Instance, progress runtime.ProgressFunc) error {
	f.record("install")
	progress("pull", "pulling")
	if f.installErr != nil {
		return f.installErr
	}
	if inst.Runtime == hook.RuntimeContainer {
		inst.ContainerID = "ctr-" + inst.HookID
	}
	return nil
}

func (f *fakeAdapter) Start(_ context.Context, inst *hook.Instance, _ bool) error {
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	if inst.Runtime == hook.RuntimeContainer && inst.ContainerID == "" {
		inst.ContainerID = "ctr-" + inst.HookID
	}
	return nil
}

func (f *fakeAdapter) Stop(_ context.Context, _ *hook.Instance, _ time.Duration) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeAdapter) Remove(_ context.Context, inst *hook.Instance) error {
	f.record("remove")
	if f.removeErr != nil {
		return f.removeErr
	}
	inst.ContainerID = ""
	return nil
}

func (f *fakeAdapter) Invoke(_ context.Context, _ *hook.Instance, _ hook.Endpoint, input map[string]any) (map[string]any, error) {
	f.record("invoke")
	f.mu.Lock()
	shouldFail := f.invokeFail > 0
	if shouldFail {
		f.invokeFail--
	}
	f.mu.Unlock()
	if shouldFail || f.invokeErr != nil {
		if f.invokeErr != nil {
			return nil, f.invokeErr
		}
		return nil, errs.New(errs.CodeRuntimeError, "transient failure")
	}
	return map[string]any{"ok": true, "echo": input["msg"]}, nil
}

func (f *fakeAdapter) Logs(context.Context, *hook.Instance, int) (string, error) {
	return "log output", nil
}

func (f *fakeAdapter) CheckHealth(context.Context, *hook.Instance) (hook.HealthStatus, error) {
	if f.health == "" {
		return hook.HealthHealthy, nil
	}
	return f.health, nil
}

func (f *fakeAdapter) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

// fakeDockerAPI provides the container listing the reconciler reads.
type fakeDockerAPI struct {
	containers []docker.ContainerSummary
	listErr    error
	loaded     []string
	local      string
	remote     string
	remoteErr  error
}

func (f *fakeDockerAPI) Ping(context.Context) error                       { return nil }
func (f *fakeDockerAPI) EnsureNetwork(context.Context, string) error      { return nil }
func (f *fakeDockerAPI) EnsureVolume(context.Context, string) error       { return nil }
func (f *fakeDockerAPI) PullImage(context.Context, string, string) error  { return nil }
func (f *fakeDockerAPI) LoadImage(_ context.Context, path string) error {
	f.loaded = append(f.loaded, path)
	return nil
}
func (f *fakeDockerAPI) ImageExists(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeDockerAPI) LocalDigest(context.Context, string, string) (string, error) {
	return f.local, nil
}
func (f *fakeDockerAPI) RemoteDigest(context.Context, string, string) (string, error) {
	return f.remote, f.remoteErr
}
func (f *fakeDockerAPI) CreateContainer(context.Context, docker.ContainerSpec) (string, error) {
	return "ctr-new", nil
}
func (f *fakeDockerAPI) StartContainer(context.Context, string) error { return nil }
func (f *fakeDockerAPI) StopContainer(context.Context, string, time.Duration) error {
	return nil
}
func (f *fakeDockerAPI) RemoveContainer(context.Context, string, bool) error { return nil }
func (f *fakeDockerAPI) InspectContainer(context.Context, string) (*docker.ContainerState, error) {
	return &docker.ContainerState{Running: true}, nil
}
func (f *fakeDockerAPI) ContainerLogs(context.Context, string, int) ([]byte, error) {
	return nil, nil
}
func (f *fakeDockerAPI) ListContainers(context.Context, string) ([]docker.ContainerSummary, error) {
	return f.containers, f.listErr
}

type engineFixture struct {
	engine  *Engine
	adapter *fakeAdapter
	dockerF *fakeDockerAPI
	store   store.Store
	ports   *PortAllocator
	prog    *progress.Bus
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	st, err := store.NewSQLiteStore(conn)
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	dockerF := &fakeDockerAPI{}
	ports := NewPortAllocator(42000, 42004)
	prog := progress.NewBus()
	eventBus := bus.NewMemoryEventBus(logger.Default())

	eng := NewEngine(st,
		map[hook.Runtime]runtime.Adapter{
			hook.RuntimeContainer: adapter,
			hook.RuntimeEmbedded:  adapter,
			hook.RuntimeGateway:   adapter,
		},
		dockerF, ports, eventBus, prog,
		config.DockerConfig{
			NetworkName:     "forgehook-net",
			ContainerPrefix: "forgehook-",
			VolumePrefix:    "forgehook-vol-",
			StopTimeout:     30,
		},
		logger.Default())
	t.Cleanup(eng.Close)

	return &engineFixture{engine: eng, adapter: adapter, dockerF: dockerF, store: st, ports: ports, prog: prog}
}

func installManifest(id string) *hook.Manifest {
	return &hook.Manifest{
		ID:      id,
		Name:    id,
		Version: "1.0.0",
		Runtime: hook.RuntimeContainer,
		Port:    8080,
		Image:   &hook.ImageRef{Repository: "example/" + id, Tag: "v1"},
		Endpoints: []hook.Endpoint{
			{Method: "POST", Path: "/run"},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestInstallAutoStarts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)
	assert.Equal(t, hook.StatusRunning, inst.Status)
	assert.Equal(t, 42000, inst.HostPort)
	assert.Equal(t, "forgehook-echo", inst.ContainerName)
	assert.Equal(t, 1, fx.adapter.callCount("install"))
	assert.Equal(t, 1, fx.adapter.callCount("start"))

	// Persisted and queryable by hook id.
	byHook, err := fx.engine.GetByHookID("echo")
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, byHook.InstanceID)

	events, err := fx.engine.Events(ctx, inst.InstanceID, 10)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	// Newest first.
	assert.Equal(t, []string{hook.EventStarted, hook.EventStarting, hook.EventInstalled, hook.EventInstalling}, types)
}

func TestInstallWithoutAutoStart(t *testing.T) {
	fx := newFixture(t)

	inst, err := fx.engine.Install(context.Background(), InstallRequest{
		Manifest:  installManifest("echo"),
		AutoStart: boolPtr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, hook.StatusInstalled, inst.Status)
	assert.Equal(t, "ctr-echo", inst.ContainerID)
	assert.Equal(t, 0, fx.adapter.callCount("start"))
}

func TestInstallDuplicateHookID(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	_, err = fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	assert.True(t, errs.Is(err, errs.CodeConflict))
}

func TestInstallFailureReleasesPort(t *testing.T) {
	fx := newFixture(t)
	fx.adapter.installErr = errs.New(errs.CodeImageError, "pull failed")
	ctx := context.Background()

	ch := fx.prog.Subscribe("op-1")
	_, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo"), InstallID: "op-1"})
	assert.True(t, errs.Is(err, errs.CodeImageError))
	assert.False(t, fx.ports.InUse(42000))

	// Instance is kept in error state for inspection.
	inst, err := fx.engine.GetByHookID("echo")
	require.NoError(t, err)
	assert.Equal(t, hook.StatusError, inst.Status)
	assert.Contains(t, inst.Error, "pull failed")

	// Progress stream ends with an error envelope.
	var last progress.Update
	for u := range ch {
		last = u
	}
	assert.Equal(t, progress.TypeError, last.Type)
}

func TestInstallEmbeddedRequiresModuleCode(t *testing.T) {
	fx := newFixture(t)
	m := &hook.Manifest{ID: "s", Name: "s", Version: "1", Runtime: hook.RuntimeEmbedded}
	_, err := fx.engine.Install(context.Background(), InstallRequest{Manifest: m})
	assert.True(t, errs.Is(err, errs.CodeValidation))
}

func TestInstallGatewayRejectsArchive(t *testing.T) {
	fx := newFixture(t)
	m := &hook.Manifest{ID: "g", Name: "g", Version: "1", Runtime: hook.RuntimeGateway,
		Gateway: &hook.GatewayRef{BaseURL: "https://api.example.com"}}
	_, err := fx.engine.Install(context.Background(), InstallRequest{
		Manifest: m, ImageTarPath: "/tmp/image.tar",
	})
	assert.True(t, errs.Is(err, errs.CodeValidation))
}

func TestStopAndRestart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	require.NoError(t, fx.engine.Stop(ctx, inst.InstanceID))
	got, _ := fx.engine.Get(inst.InstanceID)
	assert.Equal(t, hook.StatusStopped, got.Status)
	assert.Equal(t, hook.HealthUnknown, got.HealthStatus)

	// Restarting a stopped instance skips the stop and goes straight to
	// starting.
	require.NoError(t, fx.engine.Restart(ctx, inst.InstanceID))
	got, _ = fx.engine.Get(inst.InstanceID)
	assert.Equal(t, hook.StatusRunning, got.Status)
	assert.Equal(t, 1, fx.adapter.callCount("stop"))
	assert.Equal(t, 2, fx.adapter.callCount("start"))

	require.NoError(t, fx.engine.Restart(ctx, inst.InstanceID))
	assert.Equal(t, 2, fx.adapter.callCount("stop"))
	assert.Equal(t, 3, fx.adapter.callCount("start"))

	// Stopping a stopped instance is an illegal transition.
	require.NoError(t, fx.engine.Stop(ctx, inst.InstanceID))
	err = fx.engine.Stop(ctx, inst.InstanceID)
	assert.True(t, errs.Is(err, errs.CodeConflict))
}

func TestUninstallReleasesPortAndRow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)
	port := inst.HostPort

	require.NoError(t, fx.engine.Uninstall(ctx, inst.InstanceID))
	_, err = fx.engine.Get(inst.InstanceID)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	assert.False(t, fx.ports.InUse(port))

	// The hook id and the port are free again.
	inst2, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)
	assert.Equal(t, port, inst2.HostPort)
}

func TestUpdateRunningInstance(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	require.NoError(t, fx.engine.Update(ctx, inst.InstanceID, UpdateRequest{NewImageTag: "v2"}))

	got, _ := fx.engine.Get(inst.InstanceID)
	assert.Equal(t, hook.StatusRunning, got.Status)
	assert.Equal(t, "v2", got.InstalledVersion)
	assert.Equal(t, "1.0.0", got.PreviousVersion)
	assert.Equal(t, "v1", got.PreviousImageTag)
	assert.Equal(t, "v2", got.Manifest.Image.Tag)

	history, err := fx.engine.UpdateHistory(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, "1.0.0", history[0].FromVersion)
	assert.Equal(t, "v2", history[0].ToVersion)
}

func TestUpdateFailureRecordsHistory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	fx.adapter.startErr = errs.New(errs.CodeRuntimeError, "crash on boot")
	err = fx.engine.Update(ctx, inst.InstanceID, UpdateRequest{NewImageTag: "v2"})
	assert.True(t, errs.Is(err, errs.CodeRuntimeError))

	got, _ := fx.engine.Get(inst.InstanceID)
	assert.Equal(t, hook.StatusError, got.Status)

	history, err := fx.engine.UpdateHistory(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Contains(t, history[0].Error, "crash on boot")
}

func TestRollback(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	// No previous version yet.
	err = fx.engine.Rollback(ctx, inst.InstanceID)
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	require.NoError(t, fx.engine.Update(ctx, inst.InstanceID, UpdateRequest{NewImageTag: "v2"}))
	require.NoError(t, fx.engine.Rollback(ctx, inst.InstanceID))

	got, _ := fx.engine.Get(inst.InstanceID)
	assert.Equal(t, "1.0.0", got.InstalledVersion)
	assert.Equal(t, "v1", got.Manifest.Image.Tag)

	history, _ := fx.engine.UpdateHistory(ctx, inst.InstanceID)
	assert.Len(t, history, 2)
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	fx.adapter.invokeFail = 1
	out, err := fx.engine.Invoke(ctx, inst.InstanceID, "post_run", map[string]any{"msg": "hi"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
	assert.Equal(t, 2, fx.adapter.callCount("invoke"))
}

func TestInvokeExhaustsRetries(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	fx.adapter.invokeErr = errs.New(errs.CodeRuntimeError, "always down")
	_, err = fx.engine.Invoke(ctx, inst.InstanceID, "post_run", nil, 1)
	assert.True(t, errs.Is(err, errs.CodeRuntimeError))
	assert.Equal(t, 2, fx.adapter.callCount("invoke"))
}

func TestInvokeGuards(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	_, err = fx.engine.Invoke(ctx, inst.InstanceID, "get_missing", nil, 0)
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	require.NoError(t, fx.engine.Stop(ctx, inst.InstanceID))
	_, err = fx.engine.Invoke(ctx, inst.InstanceID, "post_run", nil, 0)
	assert.True(t, errs.Is(err, errs.CodeConflict))
}

func TestInvokeByHookID(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	out, err := fx.engine.InvokeByHookID(ctx, "echo", "post_run", map[string]any{"msg": "x"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", out["echo"])

	_, err = fx.engine.InvokeByHookID(ctx, "missing", "post_run", nil, 0)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestCheckUpdate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	fx.dockerF.local = "sha256:aaa"
	fx.dockerF.remote = "sha256:bbb"
	check, err := fx.engine.CheckUpdate(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.True(t, check.HasUpdate)

	fx.dockerF.remote = "sha256:aaa"
	check, _ = fx.engine.CheckUpdate(ctx, inst.InstanceID)
	assert.False(t, check.HasUpdate)

	// Lookup failures never raise.
	fx.dockerF.remoteErr = errs.New(errs.CodeImageError, "registry down")
	check, err = fx.engine.CheckUpdate(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.False(t, check.HasUpdate)
	assert.Contains(t, check.Error, "registry down")
}

func TestReconcileAdoptsOrphan(t *testing.T) {
	fx := newFixture(t)
	fx.dockerF.containers = []docker.ContainerSummary{
		{ID: "ctr-orphan", Name: "forgehook-orphan", Image: "example/orphan:v3", State: "running", HostPort: 42007},
	}

	require.NoError(t, fx.engine.Reconcile(context.Background()))

	inst, err := fx.engine.GetByHookID("orphan")
	require.NoError(t, err)
	assert.Equal(t, hook.StatusRunning, inst.Status)
	assert.Equal(t, "ctr-orphan", inst.ContainerID)
	assert.Equal(t, 42007, inst.HostPort)
	assert.Equal(t, "example/orphan", inst.Manifest.Image.Repository)
	assert.Equal(t, "v3", inst.Manifest.Image.Tag)
	assert.True(t, fx.ports.InUse(42007))
}

func TestReconcileMarksVanishedStopped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Persist a running instance, then boot a fresh engine with no matching
	// container on the engine side.
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	fresh := NewEngine(fx.store,
		map[hook.Runtime]runtime.Adapter{hook.RuntimeContainer: fx.adapter},
		&fakeDockerAPI{}, NewPortAllocator(42000, 42004),
		bus.NewMemoryEventBus(logger.Default()), progress.NewBus(),
		config.DockerConfig{ContainerPrefix: "forgehook-", StopTimeout: 30},
		logger.Default())
	t.Cleanup(fresh.Close)

	require.NoError(t, fresh.Reconcile(ctx))
	got, err := fresh.Get(inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, hook.StatusStopped, got.Status)
	assert.Empty(t, got.ContainerID)
}

func TestReconcileRebindsExistingContainer(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	engineSide := &fakeDockerAPI{containers: []docker.ContainerSummary{
		{ID: "ctr-reborn", Name: "forgehook-echo", Image: "example/echo:v1", State: "running", HostPort: 42000},
	}}
	ports := NewPortAllocator(42000, 42004)
	fresh := NewEngine(fx.store,
		map[hook.Runtime]runtime.Adapter{hook.RuntimeContainer: fx.adapter},
		engineSide, ports,
		bus.NewMemoryEventBus(logger.Default()), progress.NewBus(),
		config.DockerConfig{ContainerPrefix: "forgehook-", StopTimeout: 30},
		logger.Default())
	t.Cleanup(fresh.Close)

	require.NoError(t, fresh.Reconcile(ctx))
	got, err := fresh.Get(inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, hook.StatusRunning, got.Status)
	assert.Equal(t, "ctr-reborn", got.ContainerID)
	assert.True(t, ports.InUse(42000))
}

func TestHealthTick(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inst, err := fx.engine.Install(ctx, InstallRequest{Manifest: installManifest("echo")})
	require.NoError(t, err)

	fx.adapter.health = hook.HealthUnhealthy
	assert.True(t, fx.engine.healthTick(ctx, inst.InstanceID))

	got, _ := fx.engine.Get(inst.InstanceID)
	assert.Equal(t, hook.HealthUnhealthy, got.HealthStatus)
	assert.NotNil(t, got.LastHealthCheckAt)

	// Loop ends once the instance is no longer running.
	require.NoError(t, fx.engine.Stop(ctx, inst.InstanceID))
	assert.False(t, fx.engine.healthTick(ctx, inst.InstanceID))
}

func TestUpdateHistoryAccessor(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.UpdateHistory(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}
