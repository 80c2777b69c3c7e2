package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/hook/docker"
)

// fakeEngine implements docker.API in memory.
type fakeEngine struct {
	pulled      []string
	created     []docker.ContainerSpec
	started     []string
	stopped     []string
	removed     []string
	networks    []string
	volumes     []string
	localDigest string
	imageExists bool
	inspect     *docker.ContainerState
	pullErr     error
}

func (f *fakeEngine) Ping(context.Context) error { return nil }
func (f *fakeEngine) EnsureNetwork(_ context.Context, name string) error {
	f.networks = append(f.networks, name)
	return nil
}
func (f *fakeEngine) EnsureVolume(_ context.Context, name string) error {
	f.volumes = append(f.volumes, name)
	return nil
}
func (f *fakeEngine) PullImage(_ context.Context, repo, tag string) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, repo+":"+tag)
	return nil
}
func (f *fakeEngine) LoadImage(context.Context, string) error { return nil }
func (f *fakeEngine) ImageExists(context.Context, string, string) (bool, error) {
	return f.imageExists, nil
}
func (f *fakeEngine) LocalDigest(context.Context, string, string) (string, error) {
	return f.localDigest, nil
}
func (f *fakeEngine) RemoteDigest(context.Context, string, string) (string, error) {
	return "", nil
}
func (f *fakeEngine) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.created = append(f.created, spec)
	return "ctr-1", nil
}
func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}
func (f *fakeEngine) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.stopped = append(f.stopped, id)
	return nil
}
func (f *fakeEngine) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.removed = append(f.removed, id)
	return nil
}
func (f *fakeEngine) InspectContainer(context.Context, string) (*docker.ContainerState, error) {
	return f.inspect, nil
}
func (f *fakeEngine) ContainerLogs(context.Context, string, int) ([]byte, error) {
	return []byte("line1\nline2\n"), nil
}
func (f *fakeEngine) ListContainers(context.Context, string) ([]docker.ContainerSummary, error) {
	return nil, nil
}

func containerInstance() *hook.Instance {
	return &hook.Instance{
		InstanceID:    "inst-1",
		HookID:        "echo",
		Runtime:       hook.RuntimeContainer,
		ContainerName: "forgehook-echo",
		HostPort:      42001,
		Manifest: &hook.Manifest{
			ID:      "echo",
			Name:    "Echo",
			Version: "1.0.0",
			Runtime: hook.RuntimeContainer,
			Port:    8080,
			Image:   &hook.ImageRef{Repository: "example/echo", Tag: "v1"},
			Environment: []hook.EnvVar{
				{Name: "MODE", Value: "default"},
			},
			Volumes: []hook.VolumeRef{{Name: "data", MountPath: "/data"}},
			Dependencies: hook.Dependencies{
				Services: []string{"redis"},
			},
			Endpoints: []hook.Endpoint{{Method: "POST", Path: "/echo"}},
		},
		Environment:      map[string]string{"MODE": "override"},
		InstalledVersion: "1.0.0",
	}
}

func newContainerAdapter(engine docker.API) *ContainerAdapter {
	return NewContainerAdapter(engine,
		config.DockerConfig{NetworkName: "forgehook-net", ContainerPrefix: "forgehook-", VolumePrefix: "forgehook-vol-", StopTimeout: 30},
		config.ServicesConfig{RedisURL: "redis://shared:6379"},
		logger.Default())
}

func TestContainerInstall(t *testing.T) {
	engine := &fakeEngine{}
	adapter := newContainerAdapter(engine)
	inst := containerInstance()

	var phases []string
	err := adapter.Install(context.Background(), inst, func(phase, _ string) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"forgehook-net"}, engine.networks)
	assert.Equal(t, []string{"example/echo:v1"}, engine.pulled)
	assert.Equal(t, []string{"forgehook-vol-data"}, engine.volumes)
	assert.Contains(t, phases, "pull")
	assert.Contains(t, phases, "create")

	// The container exists after install but is not started yet.
	require.Len(t, engine.created, 1)
	assert.Equal(t, "ctr-1", inst.ContainerID)
	assert.Empty(t, engine.started)

	// Start reuses the installed container.
	require.NoError(t, adapter.Start(context.Background(), inst, false))
	assert.Len(t, engine.created, 1)
	assert.Equal(t, []string{"ctr-1"}, engine.started)
}

func TestContainerInstallPullFailure(t *testing.T) {
	engine := &fakeEngine{pullErr: assert.AnError}
	adapter := newContainerAdapter(engine)

	err := adapter.Install(context.Background(), containerInstance(), func(string, string) {})
	assert.True(t, errs.Is(err, errs.CodeImageError))
}

func TestContainerStartCreatesAndStarts(t *testing.T) {
	engine := &fakeEngine{}
	adapter := newContainerAdapter(engine)
	inst := containerInstance()

	require.NoError(t, adapter.Start(context.Background(), inst, false))
	require.Len(t, engine.created, 1)
	assert.Equal(t, "ctr-1", inst.ContainerID)
	assert.Equal(t, []string{"ctr-1"}, engine.started)

	spec := engine.created[0]
	assert.Equal(t, "forgehook-echo", spec.Name)
	assert.Equal(t, 8080, spec.ContainerPort)
	assert.Equal(t, 42001, spec.HostPort)
	assert.Equal(t, []string{"forgehook-vol-data:/data"}, spec.Binds)
	assert.Equal(t, "true", spec.Labels["forgehook.managed"])

	// User overrides win over manifest defaults; shared services injected.
	assert.Contains(t, spec.Env, "MODE=override")
	assert.Contains(t, spec.Env, "REDIS_URL=redis://shared:6379")
	assert.Contains(t, spec.Env, "PORT=8080")
	assert.NotContains(t, spec.Env, "MODE=default")
}

func TestContainerStartReusesExistingContainer(t *testing.T) {
	engine := &fakeEngine{}
	adapter := newContainerAdapter(engine)
	inst := containerInstance()
	inst.ContainerID = "existing"

	require.NoError(t, adapter.Start(context.Background(), inst, false))
	assert.Empty(t, engine.created)
	assert.Equal(t, []string{"existing"}, engine.started)
}

func TestContainerStopAndRemove(t *testing.T) {
	engine := &fakeEngine{}
	adapter := newContainerAdapter(engine)
	inst := containerInstance()
	inst.ContainerID = "ctr-1"

	require.NoError(t, adapter.Stop(context.Background(), inst, 30*time.Second))
	assert.Equal(t, []string{"ctr-1"}, engine.stopped)

	require.NoError(t, adapter.Remove(context.Background(), inst))
	assert.Equal(t, []string{"ctr-1"}, engine.removed)
	assert.Empty(t, inst.ContainerID)
}

func TestContainerCheckHealth(t *testing.T) {
	engine := &fakeEngine{inspect: &docker.ContainerState{Running: true, Health: "healthy"}}
	adapter := newContainerAdapter(engine)
	inst := containerInstance()
	inst.ContainerID = "ctr-1"

	status, err := adapter.CheckHealth(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, hook.HealthHealthy, status)

	engine.inspect = &docker.ContainerState{Running: false}
	status, _ = adapter.CheckHealth(context.Background(), inst)
	assert.Equal(t, hook.HealthUnhealthy, status)

	engine.inspect = &docker.ContainerState{Running: true, Health: "starting"}
	status, _ = adapter.CheckHealth(context.Background(), inst)
	assert.Equal(t, hook.HealthUnknown, status)
}

func TestContainerInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]any{"echo": in["msg"]})
	}))
	defer srv.Close()

	adapter := newContainerAdapter(&fakeEngine{})

	// Point the invoke at the test server instead of a published port.
	out, err := invokeHTTP(context.Background(), adapter.httpClient, srv.URL,
		hook.Endpoint{Method: "POST", Path: "/echo"}, map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
}

func TestInvokeHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	_, err := invokeHTTP(context.Background(), client, srv.URL,
		hook.Endpoint{Method: "POST", Path: "/fail"}, nil)
	assert.True(t, errs.Is(err, errs.CodeRuntimeError))
}

func TestInvokeHTTPRejectsRedirectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	client := &http.Client{
		Timeout:       time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	_, err := invokeHTTP(context.Background(), client, srv.URL,
		hook.Endpoint{Method: "POST", Path: "/moved"}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeRuntimeError))
	assert.Contains(t, err.Error(), "302")
}

func stubModule() Module {
	return NewModule(map[string]ExportFunc{
		"summarize": func(_ context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"summary": input["text"]}, nil
		},
	})
}

func embeddedInstance() *hook.Instance {
	return &hook.Instance{
		InstanceID: "inst-emb",
		HookID:     "summarizer",
		Runtime:    hook.RuntimeEmbedded,
		Manifest: &hook.Manifest{
			ID:      "summarizer",
			Name:    "Summarizer",
			Version: "1.0.0",
			Runtime: hook.RuntimeEmbedded,
			Endpoints: []hook.Endpoint{
				{Method: "POST", Path: "/summarize"},
			},
		},
	}
}

func TestEmbeddedLifecycle(t *testing.T) {
	loader := NewRegistryLoader()
	loader.Register("summarizer", stubModule)
	adapter := NewEmbeddedAdapter(loader, logger.Default())
	inst := embeddedInstance()
	ctx := context.Background()

	require.NoError(t, adapter.Install(ctx, inst, func(string, string) {}))
	require.NoError(t, adapter.Start(ctx, inst, false))
	assert.True(t, inst.ModuleLoaded)

	out, err := adapter.Invoke(ctx, inst, inst.Manifest.Endpoints[0], map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["summary"])
	assert.Equal(t, 1, inst.InvocationCount)

	status, _ := adapter.CheckHealth(ctx, inst)
	assert.Equal(t, hook.HealthHealthy, status)

	require.NoError(t, adapter.Stop(ctx, inst, 0))
	assert.False(t, inst.ModuleLoaded)

	_, err = adapter.Invoke(ctx, inst, inst.Manifest.Endpoints[0], nil)
	assert.True(t, errs.Is(err, errs.CodeRuntimeError))
}

func TestEmbeddedConcurrentInvokes(t *testing.T) {
	loader := NewRegistryLoader()
	loader.Register("summarizer", stubModule)
	adapter := NewEmbeddedAdapter(loader, logger.Default())
	inst := embeddedInstance()
	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx, inst, false))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.Invoke(ctx, inst, inst.Manifest.Endpoints[0], map[string]any{"text": "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, inst.InvocationCount)
}

func TestEmbeddedUnknownExport(t *testing.T) {
	loader := NewRegistryLoader()
	loader.Register("summarizer", stubModule)
	adapter := NewEmbeddedAdapter(loader, logger.Default())
	inst := embeddedInstance()
	ctx := context.Background()

	require.NoError(t, adapter.Start(ctx, inst, false))
	_, err := adapter.Invoke(ctx, inst, hook.Endpoint{Method: "POST", Path: "/missing"}, nil)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestEmbeddedUnregisteredModule(t *testing.T) {
	adapter := NewEmbeddedAdapter(NewRegistryLoader(), logger.Default())
	inst := embeddedInstance()

	err := adapter.Install(context.Background(), inst, func(string, string) {})
	assert.True(t, errs.Is(err, errs.CodeImageError))
}

func TestGatewayInvokeAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/lookup" {
			json.NewEncoder(w).Encode(map[string]any{"found": true})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := NewGatewayAdapter(logger.Default())
	inst := &hook.Instance{
		InstanceID: "inst-gw",
		HookID:     "lookup",
		Runtime:    hook.RuntimeGateway,
		Manifest: &hook.Manifest{
			ID:      "lookup",
			Name:    "Lookup",
			Version: "1.0.0",
			Runtime: hook.RuntimeGateway,
			Gateway: &hook.GatewayRef{BaseURL: srv.URL},
			Endpoints: []hook.Endpoint{
				{Method: "POST", Path: "/lookup"},
			},
		},
	}
	ctx := context.Background()

	require.NoError(t, adapter.Install(ctx, inst, func(string, string) {}))
	assert.Equal(t, srv.URL, inst.BaseURL)

	out, err := adapter.Invoke(ctx, inst, inst.Manifest.Endpoints[0], map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])

	status, _ := adapter.CheckHealth(ctx, inst)
	assert.Equal(t, hook.HealthHealthy, status)

	srv.Close()
	status, _ = adapter.CheckHealth(ctx, inst)
	assert.Equal(t, hook.HealthUnhealthy, status)
}

func TestExportName(t *testing.T) {
	assert.Equal(t, "summarize", exportName(hook.Endpoint{Method: "POST", Path: "/summarize"}))
	assert.Equal(t, "users_list", exportName(hook.Endpoint{Method: "GET", Path: "/users/list"}))
}
