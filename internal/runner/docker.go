package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/workflow"
)

const labelPrefix = "smini"

// Docker runs each task in a short-lived container and returns its
// logs as the task output.
type Docker struct {
	docker *client.Client
	image  string

	mu     sync.Mutex
	pulled map[string]bool
}

type dockerPayload struct {
	Image string   `json:"image"`
	Cmd   []string `json:"cmd"`
	Env   []string `json:"env"`
}

func NewDocker(cfg config.RunnerConfig) (*Docker, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{docker: docker, image: cfg.Image, pulled: make(map[string]bool)}, nil
}

func (d *Docker) Run(ctx context.Context, task workflow.Task) (string, error) {
	var p dockerPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return "", fmt.Errorf("task %s: payload: %w", task.ID, err)
		}
	}

	image := p.Image
	if image == "" {
		image = d.image
	}
	if image == "" {
		return "", fmt.Errorf("task %s: no image configured", task.ID)
	}

	if err := d.ensureImage(ctx, image); err != nil {
		return "", err
	}

	containerName := fmt.Sprintf("%s-task-%s", labelPrefix, task.ID)

	containerCfg := &dockercontainer.Config{
		Image:  image,
		Cmd:    p.Cmd,
		Env:    p.Env,
		Labels: map[string]string{labelPrefix + ".managed": "true", labelPrefix + ".task": task.ID},
	}

	resp, err := d.docker.ContainerCreate(ctx, containerCfg, nil, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer func() {
		if err := d.docker.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove task container", "container", resp.ID[:12], "error", err)
		}
	}()

	if err := d.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return "", fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return "", ctx.Err()
	}

	logs, err := d.containerLogs(ctx, resp.ID)
	if err != nil {
		return "", err
	}

	if exitCode != 0 {
		return "", fmt.Errorf("task %s: container exited with code %d: %s", task.ID, exitCode, logs)
	}
	return logs, nil
}

func (d *Docker) ensureImage(ctx context.Context, image string) error {
	d.mu.Lock()
	already := d.pulled[image]
	d.mu.Unlock()
	if already {
		return nil
	}

	reader, err := d.docker.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		slog.Warn("error reading pull output", "image", image, "error", err)
	}

	d.mu.Lock()
	d.pulled[image] = true
	d.mu.Unlock()

	slog.Info("image pulled", "image", image)
	return nil
}

func (d *Docker) containerLogs(ctx context.Context, containerID string) (string, error) {
	rc, err := d.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	if stdout.Len() == 0 {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}
