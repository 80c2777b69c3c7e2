// Package docker wraps the Docker SDK to provide container lifecycle
// operations for container-runtime hooks.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
)

// Client wraps the Docker client.
type Client struct {
	cli      *client.Client
	registry *RegistryClient
	logger   *logger.Logger
	config   config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:      cli,
		registry: NewRegistryClient(log),
		logger:   log,
		config:   cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// Ping checks if the container engine is available.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		c.logger.Error("Docker ping failed", zap.Error(err))
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// EnsureNetwork creates the hook bridge network if it does not exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	_, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	c.logger.Info("Creating network", zap.String("network", name))
	_, err = c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// EnsureVolume creates a named volume. VolumeCreate is idempotent.
func (c *Client) EnsureVolume(ctx context.Context, name string) error {
	_, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// PullImage pulls repo:tag and drains the progress stream so the pull
// completes before returning.
func (c *Client) PullImage(ctx context.Context, repo, tag string) error {
	ref := imageRef(repo, tag)
	c.logger.Info("Pulling image", zap.String("image", ref))

	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		c.logger.Error("Failed to pull image", zap.String("image", ref), zap.Error(err))
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err = io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("Image pulled successfully", zap.String("image", ref))
	return nil
}

// LoadImage loads an image from a local tar archive.
func (c *Client) LoadImage(ctx context.Context, tarPath string) error {
	c.logger.Info("Loading image archive", zap.String("path", tarPath))

	file, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("failed to open image archive %s: %w", tarPath, err)
	}
	defer file.Close()

	resp, err := c.cli.ImageLoad(ctx, file)
	if err != nil {
		return fmt.Errorf("failed to load image archive %s: %w", tarPath, err)
	}
	defer resp.Body.Close()

	if _, err = io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("error reading image load output: %w", err)
	}
	return nil
}

// ImageExists reports whether repo:tag is present locally.
func (c *Client) ImageExists(ctx context.Context, repo, tag string) (bool, error) {
	_, err := c.cli.ImageInspect(ctx, imageRef(repo, tag))
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", imageRef(repo, tag), err)
}

// LocalDigest returns the registry digest recorded for the local repo:tag
// image, or empty when the image has never been pulled from a registry.
func (c *Client) LocalDigest(ctx context.Context, repo, tag string) (string, error) {
	inspect, err := c.cli.ImageInspect(ctx, imageRef(repo, tag))
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", imageRef(repo, tag), err)
	}

	for _, repoDigest := range inspect.RepoDigests {
		// RepoDigests entries look like "example/echo@sha256:abc..."
		name, digest, ok := strings.Cut(repoDigest, "@")
		if !ok {
			continue
		}
		if name == repo || strings.HasSuffix(name, "/"+repo) {
			return digest, nil
		}
	}
	if len(inspect.RepoDigests) > 0 {
		_, digest, _ := strings.Cut(inspect.RepoDigests[0], "@")
		return digest, nil
	}
	return "", nil
}

// RemoteDigest resolves the registry manifest digest for repo:tag.
func (c *Client) RemoteDigest(ctx context.Context, repo, tag string) (string, error) {
	return c.registry.ManifestDigest(ctx, repo, tag)
}

// CheckImageUpdate compares the local digest against the registry digest.
// Failures never propagate; they are reported inside the result.
func (c *Client) CheckImageUpdate(ctx context.Context, repo, tag string) UpdateCheck {
	local, err := c.LocalDigest(ctx, repo, tag)
	if err != nil {
		return UpdateCheck{Error: err.Error()}
	}
	remote, err := c.RemoteDigest(ctx, repo, tag)
	if err != nil {
		return UpdateCheck{LocalDigest: local, Error: err.Error()}
	}
	return UpdateCheck{
		HasUpdate:    local != "" && remote != "" && local != remote,
		LocalDigest:  local,
		RemoteDigest: remote,
	}
}

// CreateContainer creates a hook container from the spec.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
		zap.Int("host_port", spec.HostPort),
	)

	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}

	if spec.Healthcheck != nil {
		containerCfg.Healthcheck = &container.HealthConfig{
			Test:     spec.Healthcheck.Test,
			Interval: spec.Healthcheck.Interval,
			Timeout:  spec.Healthcheck.Timeout,
			Retries:  spec.Healthcheck.Retries,
		}
	}

	hostCfg := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.NetworkName),
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)},
			},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		c.logger.Error("Failed to create container",
			zap.String("name", spec.Name),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	c.logger.Info("Starting container", zap.String("container_id", containerID))

	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		c.logger.Error("Failed to start container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container with a graceful timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	c.logger.Info("Stopping container",
		zap.String("container_id", containerID),
		zap.Duration("timeout", timeout),
	)

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		c.logger.Error("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	c.logger.Info("Removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force),
	)

	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	if err != nil {
		c.logger.Error("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// InspectContainer returns the current state of a container.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	state := &ContainerState{
		ID:    inspect.ID,
		Name:  strings.TrimPrefix(inspect.Name, "/"),
		Image: inspect.Config.Image,
	}

	if inspect.State != nil {
		state.State = inspect.State.Status
		state.Running = inspect.State.Running
		state.ExitCode = inspect.State.ExitCode
		if inspect.State.Health != nil {
			state.Health = inspect.State.Health.Status
		}
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			state.StartedAt = startedAt
		}
		if finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			state.FinishedAt = finishedAt
		}
	}

	if inspect.NetworkSettings != nil {
		state.HostPort = firstHostPort(inspect.NetworkSettings.Ports)
	}

	return state, nil
}

// ContainerLogs returns the last tail lines of a container's output.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail int) ([]byte, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}

	reader, err := c.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// ListContainers lists containers (running or not) whose name starts with the
// given prefix.
func (c *Client) ListContainers(ctx context.Context, namePrefix string) ([]ContainerSummary, error) {
	filterArgs := filters.NewArgs()
	if namePrefix != "" {
		filterArgs.Add("name", namePrefix)
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	summaries := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		// The name filter is a substring match on the daemon side; enforce
		// the prefix here.
		if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
			continue
		}

		hostPort := 0
		for _, p := range ctr.Ports {
			if p.PublicPort > 0 {
				hostPort = int(p.PublicPort)
				break
			}
		}

		summaries = append(summaries, ContainerSummary{
			ID:       ctr.ID,
			Name:     name,
			Image:    ctr.Image,
			State:    ctr.State,
			HostPort: hostPort,
		})
	}

	c.logger.Debug("Listed containers",
		zap.String("prefix", namePrefix),
		zap.Int("count", len(summaries)))
	return summaries, nil
}

func imageRef(repo, tag string) string {
	if tag == "" {
		tag = "latest"
	}
	return repo + ":" + tag
}

func firstHostPort(ports nat.PortMap) int {
	for _, bindings := range ports {
		for _, binding := range bindings {
			if port, err := strconv.Atoi(binding.HostPort); err == nil && port > 0 {
				return port
			}
		}
	}
	return 0
}
