// Package dockerx wraps the subset of the Docker Engine API the sandbox
// executor needs: create/start/exec/copy/remove against a single container
// per task. Adapted from the teacher's shared docker client, trimmed to the
// sandbox's actual call surface (no networks, volumes, or dyad pairs here).
package dockerx

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client is a thin, ping-verified wrapper around the Docker Engine API.
type Client struct {
	api *client.Client
}

// NewClient connects using the environment, falling back to an
// auto-detected Colima socket when DOCKER_HOST isn't set and the default
// socket isn't reachable.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if pingErr := pingClient(cli); pingErr == nil {
		return &Client{api: cli}, nil
	} else if os.Getenv("DOCKER_HOST") != "" {
		_ = cli.Close()
		return nil, pingErr
	}
	_ = cli.Close()
	if host, ok := AutoDockerHost(); ok {
		alt, altErr := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if altErr == nil {
			if pingErr := pingClient(alt); pingErr == nil {
				return &Client{api: alt}, nil
			}
			_ = alt.Close()
		}
	}
	return nil, fmt.Errorf("docker: no reachable daemon")
}

func pingClient(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// ContainerByName returns the container ID and inspect result for an
// exact-name match, or ("", nil, nil) if none exists.
func (c *Client) ContainerByName(ctx context.Context, name string) (string, *types.ContainerJSON, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, errors.New("container name required")
	}
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil, nil
		}
		return "", nil, err
	}
	return info.ID, &info, nil
}

// ContainersByNamePrefix lists containers (running or not) whose name
// starts with prefix, used by the provider flow to find and kill a task's
// sandbox by its "hokipoki-<taskId>" naming convention.
func (c *Client) ContainersByNamePrefix(ctx context.Context, prefix string) ([]types.Container, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, errors.New("name prefix required")
	}
	args := filters.NewArgs(filters.Arg("name", prefix))
	return c.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
}

func (c *Client) CreateContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	return c.api.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
}

// ExecOptions configures a single ContainerExecCreate/Attach round trip.
type ExecOptions struct {
	Env     []string
	WorkDir string
	User    string
}

// Exec runs cmd inside containerID, draining stdout/stderr concurrently so
// neither pipe can deadlock against a slow reader, and returns an error if
// the exec's own exit code is nonzero.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions, stdout, stderr io.Writer) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	if len(cmd) == 0 {
		return errors.New("command required")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
		User:         opts.User,
	})
	if err != nil {
		return err
	}

	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return err
	}
	defer attach.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		return err
	}

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return err
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("exec exit code %d", inspect.ExitCode)
	}
	return nil
}

// CopyFileToContainer writes data as a single file at destPath inside the
// container, wrapping it in a minimal in-memory tar stream.
func (c *Client) CopyFileToContainer(ctx context.Context, containerID, destPath string, data []byte, mode int64) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	destPath = strings.TrimSpace(destPath)
	if destPath == "" {
		return errors.New("destination path required")
	}
	if mode == 0 {
		mode = 0o644
	}
	destDir := path.Dir(destPath)
	name := path.Base(destPath)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: mode, Size: int64(len(data)), ModTime: time.Now()}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return c.api.CopyToContainer(ctx, containerID, destDir, &buf, types.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	})
}

// Logs returns combined stdout+stderr for a container, used for scanning
// host-side for "401 Unauthorized" style re-auth signals.
func (c *Client) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	if strings.TrimSpace(containerID) == "" {
		return "", errors.New("container id required")
	}
	tailStr := ""
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}
	reader, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		_, _ = io.Copy(&buf, reader)
	}
	return buf.String(), nil
}

// Wait blocks until the container exits and returns its exit code.
func (c *Client) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
