package toolhub

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/agentcore/internal/errkind"
)

// ContainerServer implements Server for the five container tools
// (request_container, exec_in_container, stop_container, container_stats,
// container_logs), generalizing the chum-agent docker dispatcher into the
// pipeline's agent-sandbox tool surface.
type ContainerServer struct {
	mu       sync.Mutex
	cli      *client.Client
	image    string
	workRoot string
	// containers maps the container_id the orchestrator sees back to the
	// docker session name used for ContainerInspect/Exec/Stop calls.
	containers map[string]string
	logger     *slog.Logger
}

// NewContainerServer returns a ContainerServer. If the Docker daemon is
// unreachable, cli construction still succeeds (the client is lazy); calls
// then fail at the first Docker API round-trip, surfaced as a Transient
// error rather than a panic.
func NewContainerServer(image, workRoot string, logger *slog.Logger) (*ContainerServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("toolhub: docker client init: %w", err)
	}
	if image == "" {
		image = "agentcore-sandbox:latest"
	}
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "agentcore-sandboxes")
	}
	return &ContainerServer{
		cli:        cli,
		image:      image,
		workRoot:   workRoot,
		containers: map[string]string{},
		logger:     logger,
	}, nil
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Call dispatches one of the five container tools.
func (c *ContainerServer) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case ToolRequestContainer:
		return c.requestContainer(ctx, args)
	case ToolExecInContainer:
		return c.execInContainer(ctx, args)
	case ToolStopContainer:
		return c.stopContainer(ctx, args)
	case ToolContainerStats:
		return c.containerStats(ctx, args)
	case ToolContainerLogs:
		return c.containerLogs(ctx, args)
	default:
		return nil, errkind.ValidationErr("container server cannot handle tool "+tool, nil)
	}
}

func (c *ContainerServer) requestContainer(ctx context.Context, args map[string]any) (map[string]any, error) {
	conversationID := argString(args, "conversation_id")
	sessionName := fmt.Sprintf("agentcore-sbx-%s-%d", conversationID, time.Now().UnixNano())

	workDir := filepath.Join(c.workRoot, sessionName)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, errkind.TransientErr("creating sandbox workdir", err)
	}

	cfg := &container.Config{
		Image:      c.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workDir, Target: "/workspace"},
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sessionName)
	if err != nil {
		return nil, errkind.TransientErr("creating sandbox container", err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, errkind.TransientErr("starting sandbox container", err)
	}

	c.mu.Lock()
	c.containers[resp.ID] = sessionName
	c.mu.Unlock()

	return map[string]any{"container_id": resp.ID, "status": "running"}, nil
}

func (c *ContainerServer) sessionName(containerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.containers[containerID]
	return name, ok
}

func (c *ContainerServer) execInContainer(ctx context.Context, args map[string]any) (map[string]any, error) {
	containerID := argString(args, "container_id")
	command := argString(args, "command")
	name, ok := c.sessionName(containerID)
	if !ok {
		name = containerID
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	}
	execID, err := c.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, errkind.TransientErr("creating exec", err)
	}
	attach, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, errkind.TransientErr("attaching exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	inspect, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, errkind.TransientErr("inspecting exec", err)
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": inspect.ExitCode,
	}, nil
}

func (c *ContainerServer) stopContainer(ctx context.Context, args map[string]any) (map[string]any, error) {
	containerID := argString(args, "container_id")
	name, ok := c.sessionName(containerID)
	if !ok {
		name = containerID
	}
	timeoutS := 5
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutS}); err != nil {
		return nil, errkind.TransientErr("stopping container", err)
	}
	c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})

	c.mu.Lock()
	delete(c.containers, containerID)
	c.mu.Unlock()

	return map[string]any{"container_id": containerID, "status": "stopped"}, nil
}

// containerStats is the lightweight probe the orchestrator runs before
// exec_in_container on a non-fresh container (spec §4.H.3 step 7): if the
// container is not running, the caller emits a container_stopped workspace
// event and skips the exec rather than attempting it (fail-only policy).
func (c *ContainerServer) containerStats(ctx context.Context, args map[string]any) (map[string]any, error) {
	containerID := argString(args, "container_id")
	name, ok := c.sessionName(containerID)
	if !ok {
		name = containerID
	}
	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		return map[string]any{"container_id": containerID, "running": false}, nil
	}
	return map[string]any{
		"container_id": containerID,
		"running":      inspect.State.Running,
		"status":       inspect.State.Status,
	}, nil
}

func (c *ContainerServer) containerLogs(ctx context.Context, args map[string]any) (map[string]any, error) {
	containerID := argString(args, "container_id")
	name, ok := c.sessionName(containerID)
	if !ok {
		name = containerID
	}
	tail := strconv.Itoa(200)
	logs, err := c.cli.ContainerLogs(ctx, name, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil {
		return nil, errkind.TransientErr("reading container logs", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logs)
	return map[string]any{
		"container_id": containerID,
		"logs":         strings.TrimSpace(stdout.String() + "\n" + stderr.String()),
	}, nil
}
