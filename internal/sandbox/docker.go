package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// workspaceMount is where the worktree appears inside the container.
const workspaceMount = "/workspace"

// DockerRunner runs probes in throwaway containers: no network, read-only
// rootfs with a tmpfs scratch area, all capabilities dropped, non-root user.
type DockerRunner struct {
	image  string
	limits Limits
	log    *logrus.Entry
}

// NewDockerRunner creates a runner using the given sandbox image.
func NewDockerRunner(image string, limits Limits, log *logrus.Logger) *DockerRunner {
	return &DockerRunner{
		image:  image,
		limits: limits,
		log:    log.WithField("component", "sandbox"),
	}
}

func (r *DockerRunner) Ping(ctx context.Context) error {
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create docker client"), err)
	}
	defer apiClient.Close()

	if _, err := apiClient.Ping(ctx); err != nil {
		return errors.Join(fmt.Errorf("docker daemon unreachable"), err)
	}
	return nil
}

func (r *DockerRunner) Run(ctx context.Context, worktree, command string, timeout time.Duration) (*Result, error) {
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create docker client"), err)
	}
	defer apiClient.Close()

	containerConfig := &container.Config{
		Image:      r.image,
		Cmd:        []string{"/bin/sh", "-lc", command},
		WorkingDir: workspaceMount,
		User:       r.limits.User,
		Labels:     map[string]string{"bisectd": "1"},
	}

	pids := r.limits.PidsLimit
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: worktree,
			Target: workspaceMount,
		}},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": fmt.Sprintf("rw,size=%dm", r.limits.ScratchMiB)},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			NanoCPUs:  int64(r.limits.CPUs * 1e9),
			Memory:    r.limits.MemoryMiB << 20,
			PidsLimit: &pids,
		},
	}

	containerName := "bisectd-" + uniuri.New()

	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("container creation with name %s of image %s failed", containerName, r.image), err)
	}
	// The container is removed on every path out of this function, crash of
	// the surrounding process excepted; those leftovers carry the bisectd
	// label and are swept by the clean command.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiClient.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			r.log.Warnf("Failed to remove container %s - %v", containerName, err)
		}
	}()

	start := time.Now()
	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, errors.Join(fmt.Errorf("container start with name %s of image %s failed", containerName, r.image), err)
	}

	r.log.Debugf("Started probe container %s (timeout %v)", containerName, timeout)

	waitCh, errCh := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wait := <-waitCh:
		result := classifyExit(int(wait.StatusCode))
		result.Duration = time.Since(start)
		if oomKilled(ctx, apiClient, resp.ID) {
			result = Result{Verdict: Skip, ExitCode: result.ExitCode, Reason: "oom-killed", Duration: result.Duration}
		}
		return &result, nil

	case err := <-errCh:
		return nil, errors.Join(fmt.Errorf("wait on container %s failed", containerName), err)

	case <-timer.C:
		r.kill(apiClient, resp.ID, containerName)
		return &Result{Verdict: Skip, Reason: "timeout", Duration: time.Since(start)}, nil

	case <-ctx.Done():
		r.kill(apiClient, resp.ID, containerName)
		return nil, ctx.Err()
	}
}

// kill force-stops a container, detached from the caller's context so a
// cancelled probe still gets torn down.
func (r *DockerRunner) kill(apiClient *client.Client, id, name string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiClient.ContainerKill(killCtx, id, "KILL"); err != nil {
		r.log.Warnf("Failed to kill container %s - %v", name, err)
	}
}

func oomKilled(ctx context.Context, apiClient *client.Client, id string) bool {
	inspect, err := apiClient.ContainerInspect(ctx, id)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.OOMKilled
}
