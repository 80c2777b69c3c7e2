package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/hook/docker"
)

// ContainerAdapter runs hooks as containers on a Docker-compatible engine.
type ContainerAdapter struct {
	engine     docker.API
	config     config.DockerConfig
	services   config.ServicesConfig
	httpClient *http.Client
	logger     *logger.Logger
}

// NewContainerAdapter creates the container runtime adapter.
func NewContainerAdapter(engine docker.API, cfg config.DockerConfig, services config.ServicesConfig, log *logger.Logger) *ContainerAdapter {
	return &ContainerAdapter{
		engine:     engine,
		config:     cfg,
		services:   services,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

// Install ensures the network exists, pulls the image, creates any declared
// volumes, and creates the container. The container is started on Start.
func (a *ContainerAdapter) Install(ctx context.Context, inst *hook.Instance, progress ProgressFunc) error {
	m := inst.Manifest

	progress("pull", "ensuring network "+a.config.NetworkName)
	if err := a.engine.EnsureNetwork(ctx, a.config.NetworkName); err != nil {
		return errs.Wrap(errs.CodeEngineUnavailable, "failed to ensure network", err)
	}

	exists, err := a.engine.ImageExists(ctx, m.Image.Repository, m.Image.Tag)
	if err != nil {
		return errs.Wrap(errs.CodeEngineUnavailable, "failed to check image", err)
	}
	if !exists {
		progress("pull", "pulling image "+m.Image.Ref())
		if err := a.engine.PullImage(ctx, m.Image.Repository, m.Image.Tag); err != nil {
			return errs.Wrap(errs.CodeImageError, "failed to pull image "+m.Image.Ref(), err)
		}
	}

	for _, vol := range m.Volumes {
		name := a.config.VolumePrefix + vol.Name
		progress("create", "creating volume "+name)
		if err := a.engine.EnsureVolume(ctx, name); err != nil {
			return errs.Wrap(errs.CodeEngineUnavailable, "failed to create volume "+name, err)
		}
	}

	progress("create", "creating container "+inst.ContainerName)
	spec, err := a.buildSpec(inst)
	if err != nil {
		return err
	}
	id, err := a.engine.CreateContainer(ctx, spec)
	if err != nil {
		return errs.Wrap(errs.CodeRuntimeError, "failed to create container", err)
	}
	inst.ContainerID = id

	return nil
}

// Start creates the container if needed and starts it. With pullLatest the
// image is re-pulled first and a stale container is recreated when the digest
// changed.
func (a *ContainerAdapter) Start(ctx context.Context, inst *hook.Instance, pullLatest bool) error {
	m := inst.Manifest

	if pullLatest {
		before, _ := a.engine.LocalDigest(ctx, m.Image.Repository, m.Image.Tag)
		if err := a.engine.PullImage(ctx, m.Image.Repository, m.Image.Tag); err != nil {
			a.logger.Warn("Pull before start failed, using local image",
				zap.String("image", m.Image.Ref()), zap.Error(err))
		} else if inst.ContainerID != "" {
			after, _ := a.engine.LocalDigest(ctx, m.Image.Repository, m.Image.Tag)
			if after != "" && after != before {
				a.logger.Info("Image digest changed, recreating container",
					zap.String("container_id", inst.ContainerID))
				if err := a.engine.RemoveContainer(ctx, inst.ContainerID, true); err != nil {
					return errs.Wrap(errs.CodeRuntimeError, "failed to remove stale container", err)
				}
				inst.ContainerID = ""
			}
		}
	}

	if inst.ContainerID == "" {
		spec, err := a.buildSpec(inst)
		if err != nil {
			return err
		}
		id, err := a.engine.CreateContainer(ctx, spec)
		if err != nil {
			return errs.Wrap(errs.CodeRuntimeError, "failed to create container", err)
		}
		inst.ContainerID = id
	}

	if err := a.engine.StartContainer(ctx, inst.ContainerID); err != nil {
		return errs.Wrap(errs.CodeRuntimeError, "failed to start container", err)
	}
	return nil
}

// Stop gracefully stops the container.
func (a *ContainerAdapter) Stop(ctx context.Context, inst *hook.Instance, timeout time.Duration) error {
	if inst.ContainerID == "" {
		return nil
	}
	if err := a.engine.StopContainer(ctx, inst.ContainerID, timeout); err != nil {
		return errs.Wrap(errs.CodeRuntimeError, "failed to stop container", err)
	}
	return nil
}

// Remove force-removes the container. Named volumes are preserved.
func (a *ContainerAdapter) Remove(ctx context.Context, inst *hook.Instance) error {
	if inst.ContainerID == "" {
		return nil
	}
	if err := a.engine.RemoveContainer(ctx, inst.ContainerID, true); err != nil {
		return errs.Wrap(errs.CodeRuntimeError, "failed to remove container", err)
	}
	inst.ContainerID = ""
	return nil
}

// Invoke sends an HTTP request to the hook's published host port.
func (a *ContainerAdapter) Invoke(ctx context.Context, inst *hook.Instance, ep hook.Endpoint, input map[string]any) (map[string]any, error) {
	if inst.HostPort == 0 {
		return nil, errs.New(errs.CodeRuntimeError, "instance has no published port")
	}
	base := fmt.Sprintf("http://localhost:%d", inst.HostPort)
	return invokeHTTP(ctx, a.httpClient, base, ep, input)
}

// Logs returns the container's recent output.
func (a *ContainerAdapter) Logs(ctx context.Context, inst *hook.Instance, tail int) (string, error) {
	if inst.ContainerID == "" {
		return "", errs.New(errs.CodeNotFound, "instance has no container")
	}
	out, err := a.engine.ContainerLogs(ctx, inst.ContainerID, tail)
	if err != nil {
		return "", errs.Wrap(errs.CodeRuntimeError, "failed to read container logs", err)
	}
	return string(out), nil
}

// CheckHealth inspects the container. The engine's healthcheck verdict wins
// when one is configured; otherwise a manifest health path is probed over
// HTTP, falling back to the container run state.
func (a *ContainerAdapter) CheckHealth(ctx context.Context, inst *hook.Instance) (hook.HealthStatus, error) {
	if inst.ContainerID == "" {
		return hook.HealthUnknown, nil
	}

	state, err := a.engine.InspectContainer(ctx, inst.ContainerID)
	if err != nil {
		return hook.HealthUnknown, errs.Wrap(errs.CodeEngineUnavailable, "failed to inspect container", err)
	}

	if !state.Running {
		return hook.HealthUnhealthy, nil
	}

	switch state.Health {
	case "healthy":
		return hook.HealthHealthy, nil
	case "unhealthy":
		return hook.HealthUnhealthy, nil
	case "starting":
		return hook.HealthUnknown, nil
	}

	if hc := inst.Manifest.HealthCheck; hc != nil && hc.Path != "" && inst.HostPort > 0 {
		probeURL := fmt.Sprintf("http://localhost:%d%s", inst.HostPort, hc.Path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			return hook.HealthUnknown, nil
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return hook.HealthUnhealthy, nil
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return hook.HealthHealthy, nil
		}
		return hook.HealthUnhealthy, nil
	}

	return hook.HealthHealthy, nil
}

// buildSpec composes the container spec from the manifest, the instance, and
// host configuration.
func (a *ContainerAdapter) buildSpec(inst *hook.Instance) (docker.ContainerSpec, error) {
	m := inst.Manifest

	memory, err := docker.ParseMemory(m.Resources.Memory)
	if err != nil {
		return docker.ContainerSpec{}, err
	}
	nanoCPUs, err := docker.ParseCPU(m.Resources.CPU)
	if err != nil {
		return docker.ContainerSpec{}, err
	}

	spec := docker.ContainerSpec{
		Name:  inst.ContainerName,
		Image: m.Image.Ref(),
		Env:   a.composeEnv(inst),
		Labels: map[string]string{
			"forgehook.managed":     "true",
			"forgehook.hook-id":     inst.HookID,
			"forgehook.instance-id": inst.InstanceID,
			"forgehook.version":     inst.InstalledVersion,
		},
		NetworkName:   a.config.NetworkName,
		ContainerPort: m.Port,
		HostPort:      inst.HostPort,
		Memory:        memory,
		NanoCPUs:      nanoCPUs,
	}

	for _, vol := range m.Volumes {
		spec.Binds = append(spec.Binds, a.config.VolumePrefix+vol.Name+":"+vol.MountPath)
	}

	if hc := m.HealthCheck; hc != nil && hc.Path != "" {
		interval := 30 * time.Second
		if hc.IntervalSec > 0 {
			interval = time.Duration(hc.IntervalSec) * time.Second
		}
		timeout := 5 * time.Second
		if hc.TimeoutSec > 0 {
			timeout = time.Duration(hc.TimeoutSec) * time.Second
		}
		retries := 3
		if hc.Retries > 0 {
			retries = hc.Retries
		}
		spec.Healthcheck = &docker.HealthcheckSpec{
			Test: []string{"CMD-SHELL",
				fmt.Sprintf("wget -q -O /dev/null http://localhost:%d%s || exit 1", m.Port, hc.Path)},
			Interval: interval,
			Timeout:  timeout,
			Retries:  retries,
		}
	}

	return spec, nil
}

// composeEnv builds the container environment. Later entries win inside the
// container, so ordering is: base, shared services, manifest defaults, user
// overrides.
func (a *ContainerAdapter) composeEnv(inst *hook.Instance) []string {
	m := inst.Manifest

	env := map[string]string{
		"PORT":     fmt.Sprintf("%d", m.Port),
		"NODE_ENV": "production",
	}

	for _, svc := range m.Dependencies.Services {
		switch svc {
		case "redis":
			if a.services.RedisURL != "" {
				env["REDIS_URL"] = a.services.RedisURL
			}
		case "postgres":
			if a.services.PostgresURL != "" {
				env["POSTGRES_URL"] = a.services.PostgresURL
			}
		case "vector":
			if a.services.VectorURL != "" {
				env["VECTOR_URL"] = a.services.VectorURL
			}
		}
	}

	for _, ev := range m.Environment {
		env[ev.Name] = ev.Value
	}
	for k, v := range inst.Environment {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// invokeHTTP performs one endpoint call against a base URL. GET inputs become
// query parameters; other methods send the input as a JSON body. Shared by
// the container and gateway adapters.
func invokeHTTP(ctx context.Context, client *http.Client, base string, ep hook.Endpoint, input map[string]any) (map[string]any, error) {
	target := base + ep.Path

	var body io.Reader
	if ep.Method == http.MethodGet {
		if len(input) > 0 {
			q := url.Values{}
			for k, v := range input {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			target += "?" + q.Encode()
		}
	} else {
		payload, err := json.Marshal(input)
		if err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "failed to encode invoke input", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, target, body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeRuntimeError, "failed to build invoke request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.CodeTimeout, "invoke timed out", err)
		}
		return nil, errs.Wrap(errs.CodeRuntimeError, "invoke request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeRuntimeError, "failed to read invoke response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Newf(errs.CodeRuntimeError, "hook returned status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}

	var result map[string]any
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		// Non-object responses are wrapped so callers always get a map.
		return map[string]any{"result": string(raw)}, nil
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
