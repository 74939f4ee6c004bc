package process

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
)

// DockerConfig holds Docker controller settings.
type DockerConfig struct {
	Image       string // worker image running the bot entrypoint
	Network     string
	MemoryLimit int64 // bytes
	CPUShares   int64
	StopTimeout int // seconds to wait for graceful stop (default 30)
}

// DockerController runs tenant workers as containers, one named container
// per tenant. The workspace is bind-mounted into the container, so the
// worker reads its runtime configuration from the workspace files.
type DockerController struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerController creates a Docker-backed controller connected to the
// local daemon.
func NewDockerController(cfg DockerConfig) (*DockerController, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 30
	}
	return &DockerController{cli: cli, cfg: cfg}, nil
}

// Close closes the Docker client.
func (c *DockerController) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

func containerName(tenantID string) string {
	return "botfleet-" + tenantID
}

// Register creates the tenant container without starting it. An existing
// container for the tenant is removed first, so registration is idempotent.
func (c *DockerController) Register(ctx context.Context, reg Registration) error {
	if err := c.removeIfExists(ctx, reg.TenantID); err != nil {
		return err
	}

	env := make([]string, 0, len(reg.Env))
	for k, v := range reg.Env {
		env = append(env, k+"="+v)
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      c.cfg.Image,
			Env:        env,
			WorkingDir: "/app",
			Labels: map[string]string{
				"botfleet.managed":   "true",
				"botfleet.tenant.id": reg.TenantID,
			},
		},
		&container.HostConfig{
			RestartPolicy: container.RestartPolicy{
				Name:              "on-failure",
				MaximumRetryCount: startRetries,
			},
			Resources: container.Resources{
				Memory:    c.cfg.MemoryLimit,
				CPUShares: c.cfg.CPUShares,
			},
			Mounts: []mount.Mount{
				{
					Type:   mount.TypeBind,
					Source: reg.Dir,
					Target: "/app",
				},
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				c.cfg.Network: {},
			},
		},
		nil, // platform
		containerName(reg.TenantID),
	)
	if err != nil {
		return fmt.Errorf("create container for %s: %w", reg.TenantID, err)
	}

	log.Info().
		Str("tenant_id", reg.TenantID).
		Str("container_id", shortID(resp.ID)).
		Msg("Tenant container registered")
	return nil
}

// Deregister stops and removes the tenant container.
func (c *DockerController) Deregister(ctx context.Context, tenantID string) error {
	return c.removeIfExists(ctx, tenantID)
}

// Start starts the tenant container.
func (c *DockerController) Start(ctx context.Context, tenantID string) (Status, error) {
	err := c.cli.ContainerStart(ctx, containerName(tenantID), container.StartOptions{})
	return classifyDocker(err, tenantID)
}

// Stop stops the tenant container gracefully.
func (c *DockerController) Stop(ctx context.Context, tenantID string) (Status, error) {
	timeout := c.cfg.StopTimeout
	err := c.cli.ContainerStop(ctx, containerName(tenantID), container.StopOptions{Timeout: &timeout})
	return classifyDocker(err, tenantID)
}

// Restart restarts the tenant container.
func (c *DockerController) Restart(ctx context.Context, tenantID string) (Status, error) {
	timeout := c.cfg.StopTimeout
	err := c.cli.ContainerRestart(ctx, containerName(tenantID), container.StopOptions{Timeout: &timeout})
	return classifyDocker(err, tenantID)
}

// Running reports whether the tenant container is up.
func (c *DockerController) Running(ctx context.Context, tenantID string) (bool, error) {
	info, err := c.cli.ContainerInspect(ctx, containerName(tenantID))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container for %s: %w", tenantID, err)
	}
	return info.State != nil && info.State.Running, nil
}

// ReloadRegistration restarts the container so the worker re-reads its
// configuration from the bind-mounted workspace. The registration itself
// (image, mounts, limits) does not change per tenant at runtime.
func (c *DockerController) ReloadRegistration(ctx context.Context, tenantID string) (Status, error) {
	return c.Restart(ctx, tenantID)
}

func (c *DockerController) removeIfExists(ctx context.Context, tenantID string) error {
	name := containerName(tenantID)
	timeout := c.cfg.StopTimeout
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to stop container, forcing remove")
	}
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container for %s: %w", tenantID, err)
	}
	return nil
}

func classifyDocker(err error, tenantID string) (Status, error) {
	switch {
	case err == nil:
		return StatusApplied, nil
	case cerrdefs.IsNotFound(err):
		return StatusNotRegistered, nil
	default:
		return "", fmt.Errorf("docker operation for %s: %w", tenantID, err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
