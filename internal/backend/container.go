package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/tokenutil"
)

// killGrace bounds the SIGKILL call issued after a timed-out attempt.
const killGrace = 5 * time.Second

// ContainerRunner executes a test attempt in an ephemeral Docker
// container. The image contract: an `agent-runner` binary on PATH that
// reads /workspace/payload.json (and /workspace/agent.py when the agent
// ships code) and writes the model response to stdout.
type ContainerRunner struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
	logger      *slog.Logger
}

// NewContainerRunner creates the runner and its Docker client from the
// environment.
func NewContainerRunner(image string, memoryMB int64, networkMode, workspace string, logger *slog.Logger) (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if image == "" {
		image = "testbench/agent-runner:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	if workspace == "" {
		workspace = filepath.Join(os.TempDir(), "testbench-workspaces")
	}
	return &ContainerRunner{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
		logger:      logger,
	}, nil
}

func (c *ContainerRunner) Kind() Kind {
	return KindContainer
}

func (c *ContainerRunner) Close() error {
	return c.client.Close()
}

// stagePayload writes the request into a per-execution workspace dir
// that gets bind-mounted into the container.
func (c *ContainerRunner) stagePayload(req Request) (string, error) {
	dir := filepath.Join(c.workspace, req.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "payload.json"), payload, 0o644); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	if code := strings.TrimSpace(req.Code); code != "" {
		if err := os.WriteFile(filepath.Join(dir, "agent.py"), []byte(code), 0o644); err != nil {
			return "", fmt.Errorf("write agent code: %w", err)
		}
	}
	return dir, nil
}

func (c *ContainerRunner) Invoke(ctx context.Context, req Request) (*Result, error) {
	dir, err := c.stagePayload(req)
	if err != nil {
		return nil, buildErr(err)
	}
	defer os.RemoveAll(dir)

	resp, err := c.client.ContainerCreate(ctx, &container.Config{
		Image:      c.image,
		Cmd:        []string{"agent-runner", "/workspace/payload.json"},
		WorkingDir: "/workspace",
		Env:        []string{"TESTBENCH_MODEL=" + req.ModelID},
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: c.memoryBytes,
		},
		NetworkMode: container.NetworkMode(c.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", dir)},
		AutoRemove:  false,
	}, nil, nil, "")
	if err != nil {
		return nil, buildErr(fmt.Errorf("create container: %w", err))
	}
	containerID := resp.ID
	defer func() {
		_ = c.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := c.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, buildErr(fmt.Errorf("start container: %w", err))
	}

	var exitCode int
	statusCh, errCh := c.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, serviceErr(fmt.Errorf("wait container: %w", err))
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), killGrace)
		defer cancel()
		_ = c.client.ContainerKill(killCtx, containerID, "SIGKILL")
		return nil, timeoutErr(ctx.Err())
	}

	stdout, stderr, err := c.collectLogs(ctx, containerID)
	if err != nil {
		return nil, serviceErr(err)
	}

	if exitCode != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		c.logger.Warn("container test failed",
			"execution_id", req.ExecutionID, "exit_code", exitCode, "stderr", detail)
		return nil, execErr(fmt.Errorf("agent exited %d: %s", exitCode, detail))
	}

	response := strings.TrimSpace(stdout)
	return &Result{
		Success:     true,
		Response:    response,
		Environment: KindContainer,
		Model:       req.ModelID,
		TokensUsed:  tokenutil.Estimate(req.Input) + tokenutil.Estimate(response),
	}, nil
}

func (c *ContainerRunner) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	out, err := c.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out); err != nil {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}
