// Package docker provides a sandbox runtime implementation using Docker containers.
// Each session gets one hardened, long-lived container with an interactive
// login shell attached through a TTY exec.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/AjaxZhan/devspace/internal/config"
	"github.com/AjaxZhan/devspace/internal/logging"
	rt "github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// Config holds configuration for the DockerRuntime.
type Config struct {
	// DockerHost is the Docker daemon socket address (default: uses DOCKER_HOST env or unix:///var/run/docker.sock)
	DockerHost string

	// Sandbox carries the image policy, hardening and resource ceilings.
	Sandbox config.SandboxConfig

	// ExecTimeout bounds one-shot commands.
	ExecTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sandbox:     config.DefaultConfig().Sandbox,
		ExecTimeout: 30 * time.Second,
	}
}

// DockerRuntime implements runtime.Runtime using Docker containers.
type DockerRuntime struct {
	config *Config
	client *client.Client
	policy rt.ImagePolicy

	mu     sync.Mutex
	shells map[string]*shell // container ID -> interactive shell
}

// New creates a new DockerRuntime with the given configuration.
func New(cfg *Config) (*DockerRuntime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Create Docker client
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify Docker connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &DockerRuntime{
		config: cfg,
		client: cli,
		policy: rt.ImagePolicy{
			Default:        cfg.Sandbox.ForcedImage,
			Allowed:        cfg.Sandbox.AllowedImages(),
			DigestRequired: cfg.Sandbox.DigestRequired,
		},
		shells: make(map[string]*shell),
	}, nil
}

// Name returns the name of this runtime implementation.
func (r *DockerRuntime) Name() string {
	return "docker"
}

// classify maps engine "not found" errors onto types.ErrSandboxNotFound while
// keeping the engine message, which the tree synchronizer also inspects.
func classify(id string, err error) error {
	if err == nil {
		return nil
	}
	if cerrdefs.IsNotFound(err) || strings.Contains(err.Error(), "No such container") {
		return fmt.Errorf("%s: %w: %v", id, types.ErrSandboxNotFound, err)
	}
	return err
}

// Provision creates and starts the session container and attaches its shell.
func (r *DockerRuntime) Provision(ctx context.Context, req *rt.ProvisionRequest) (*rt.Handle, rt.Shell, error) {
	image, err := r.policy.Resolve(req.Image)
	if err != nil {
		return nil, nil, err
	}

	hostDir := req.HostDir
	if hostDir != "" {
		if hostDir, err = filepath.Abs(hostDir); err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create host workspace: %w", err)
		}
	}

	if err := r.ensureImage(ctx, image); err != nil {
		return nil, nil, err
	}

	ccfg, hcfg, err := buildContainerSpec(&r.config.Sandbox, req, image, hostDir)
	if err != nil {
		return nil, nil, err
	}

	resp, err := r.client.ContainerCreate(ctx, ccfg, hcfg, nil, nil, "devspace-"+req.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := resp.ID

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		r.remove(id)
		return nil, nil, fmt.Errorf("failed to start container: %w", err)
	}

	h := &rt.Handle{
		ID:          id,
		SessionID:   req.SessionID,
		Image:       image,
		NetworkMode: string(hcfg.NetworkMode),
		WorkDir:     ccfg.WorkingDir,
		HostDir:     hostDir,
	}

	if hostDir == "" {
		res, err := r.Exec(ctx, h, []string{"mkdir", "-p", "--", h.WorkDir})
		if err != nil || res.ExitCode != 0 {
			logging.Warn("Failed to create workspace directory",
				logging.SessionID(req.SessionID), logging.Err(err))
		}
	}

	sh, err := r.openShell(ctx, h, ccfg.Env, req.Cols, req.Rows)
	if err != nil {
		r.Destroy(ctx, h)
		return nil, nil, err
	}

	logging.Info("Container provisioned",
		logging.SessionID(req.SessionID),
		logging.String("container", shortID(id)),
		logging.String("image", image),
	)
	return h, sh, nil
}

// ensureImage pulls the image when it is not present locally.
func (r *DockerRuntime) ensureImage(ctx context.Context, image string) error {
	if _, err := r.client.ImageInspect(ctx, image); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	logging.Info("Pulling image", logging.String("image", image))
	return r.Pull(ctx, image, nil)
}

// Pull fetches an image. progress, if set, is called once per status line.
// Uses a separate background context to avoid inheriting short RPC deadlines.
func (r *DockerRuntime) Pull(ctx context.Context, image string, progress func()) error {
	if image == "" {
		return fmt.Errorf("image is empty")
	}

	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()

	reader, err := r.client.ImagePull(pullCtx, image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer reader.Close()

	// Drain pull output so the pull actually completes.
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(scanner.Bytes(), &msg) == nil && msg.Error != "" {
			return fmt.Errorf("failed to pull image %s: %s", image, msg.Error)
		}
		if progress != nil {
			progress()
		}
	}
	return scanner.Err()
}

// Resize changes the interactive shell's terminal size.
func (r *DockerRuntime) Resize(ctx context.Context, h *rt.Handle, cols, rows uint) error {
	if h.ShellID == "" {
		return types.ErrNotSupported
	}
	err := r.client.ContainerExecResize(ctx, h.ShellID, container.ResizeOptions{Width: cols, Height: rows})
	return classify(h.ID, err)
}

// Exec runs argv inside the container and captures its output.
func (r *DockerRuntime) Exec(ctx context.Context, h *rt.Handle, argv []string) (*types.ExecResult, error) {
	timeout := r.config.ExecTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	execResp, err := r.client.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   h.WorkDir,
	})
	if err != nil {
		return nil, classify(h.ID, fmt.Errorf("failed to create exec: %w", err))
	}

	attachResp, err := r.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify(h.ID, fmt.Errorf("failed to attach to exec: %w", err))
	}
	defer attachResp.Close()

	// Docker uses a multiplexed stream format with 8-byte headers
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil && err != io.EOF {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.ErrTimeout
		}
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, types.ErrTimeout
	}

	inspectResp, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, classify(h.ID, fmt.Errorf("failed to inspect exec: %w", err))
	}

	return &types.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: inspectResp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// CopyTo extracts a tar stream into dir inside the container.
func (r *DockerRuntime) CopyTo(ctx context.Context, h *rt.Handle, dir string, tarStream io.Reader) error {
	err := r.client.CopyToContainer(ctx, h.ID, dir, tarStream, container.CopyToContainerOptions{})
	return classify(h.ID, err)
}

// CopyFrom returns a tar stream of path inside the container.
func (r *DockerRuntime) CopyFrom(ctx context.Context, h *rt.Handle, path string) (io.ReadCloser, error) {
	rc, _, err := r.client.CopyFromContainer(ctx, h.ID, path)
	if err != nil {
		return nil, classify(h.ID, err)
	}
	return rc, nil
}

// StreamStats follows the engine's live stats stream for the container.
func (r *DockerRuntime) StreamStats(ctx context.Context, h *rt.Handle, onSample rt.StatsFunc, onEnd func(error)) func() {
	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() { once.Do(cancel) }

	go func() {
		defer stop()
		resp, err := r.client.ContainerStats(ctx, h.ID, true)
		if err != nil {
			if ctx.Err() == nil && onEnd != nil {
				onEnd(classify(h.ID, err))
			}
			return
		}
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		for {
			var s container.StatsResponse
			if err := dec.Decode(&s); err != nil {
				if ctx.Err() == nil && onEnd != nil {
					if errors.Is(err, io.EOF) {
						err = types.ErrSandboxNotFound
					}
					onEnd(err)
				}
				return
			}
			if stat, ok := rt.ComputeStat(countersOf(&s), s.Read); ok {
				onSample(stat)
			}
		}
	}()
	return stop
}

func countersOf(s *container.StatsResponse) rt.StatCounters {
	online := s.CPUStats.OnlineCPUs
	if online == 0 {
		online = uint32(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	cache := s.MemoryStats.Stats["cache"]
	if cache == 0 {
		cache = s.MemoryStats.Stats["inactive_file"]
	}
	return rt.StatCounters{
		CPUTotal:    s.CPUStats.CPUUsage.TotalUsage,
		PreCPUTotal: s.PreCPUStats.CPUUsage.TotalUsage,
		System:      s.CPUStats.SystemUsage,
		PreSystem:   s.PreCPUStats.SystemUsage,
		OnlineCPUs:  online,
		MemUsage:    s.MemoryStats.Usage,
		MemCache:    cache,
		MemLimit:    s.MemoryStats.Limit,
	}
}

// Destroy stops and removes the container. Errors are logged, never returned.
func (r *DockerRuntime) Destroy(ctx context.Context, h *rt.Handle) {
	r.mu.Lock()
	sh := r.shells[h.ID]
	delete(r.shells, h.ID)
	r.mu.Unlock()
	if sh != nil {
		sh.Close()
	}

	ctx = context.WithoutCancel(ctx)
	timeout := 1
	if err := r.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		logging.Debug("Container stop failed", logging.SessionID(h.SessionID), logging.Err(err))
	}
	if !r.config.Sandbox.AutoRemove {
		r.remove(h.ID)
	}
}

func (r *DockerRuntime) remove(id string) {
	err := r.client.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		logging.Debug("Container remove failed", logging.String("container", shortID(id)), logging.Err(err))
	}
}

// ReapOrphans removes containers labelled by a previous server process.
func (r *DockerRuntime) ReapOrphans(ctx context.Context) (int, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", rt.LabelSession)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	r.mu.Lock()
	live := make(map[string]bool, len(r.shells))
	for id := range r.shells {
		live[id] = true
	}
	r.mu.Unlock()

	n := 0
	for _, c := range list {
		if live[c.ID] {
			continue
		}
		r.remove(c.ID)
		n++
	}
	return n, nil
}

// Close closes every open shell and the Docker client. Containers are left
// to their sessions, which destroy them on terminate.
func (r *DockerRuntime) Close() error {
	r.mu.Lock()
	for id, sh := range r.shells {
		sh.Close()
		delete(r.shells, id)
	}
	r.mu.Unlock()
	return r.client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Verify interface compliance at compile time
var (
	_ rt.Runtime = (*DockerRuntime)(nil)
	_ rt.Puller  = (*DockerRuntime)(nil)
	_ rt.Reaper  = (*DockerRuntime)(nil)
)
