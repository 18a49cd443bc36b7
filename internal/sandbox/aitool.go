package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"

	"github.com/creack/pty"
)

// runAITool enhances the task description with a recursive file listing of
// the cloned tree (excluding .git), then drives the CLI invocation through
// a local `docker exec -i` subprocess under a pty rather than the Docker
// API's own exec attach: several AI CLIs refuse to run non-interactively
// without detecting a terminal, and a pty also lets the host scan output
// as it streams rather than only after the process exits, the same pattern
// the teacher's codex-stdout-parser uses for its own pty.Start'd subprocess.
func (e *Executor) runAITool(ctx context.Context, containerID string, spec Spec) (string, error) {
	listing, err := e.exec(ctx, containerID, []string{"sh", "-c", "cd /workspace/code/repo && find . -path ./.git -prune -o -type f -print"})
	if err != nil {
		listing = ""
	}
	task := spec.TaskDescription
	if listing != "" {
		task = task + "\n\nFiles present:\n" + listing
	}

	cliArgs, err := cliInvocation(spec.Tool, spec.Model, task)
	if err != nil {
		return "", err
	}
	dockerArgs := []string{"exec", "-i", "-w", "/workspace/code/repo"}
	if spec.Tool == "claude" && spec.OAuthToken != "" {
		dockerArgs = append(dockerArgs, "-e", "CLAUDE_CODE_OAUTH_TOKEN="+spec.OAuthToken)
	}
	dockerArgs = append(dockerArgs, containerID)
	dockerArgs = append(dockerArgs, cliArgs...)

	cmd := exec.CommandContext(ctx, "docker", dockerArgs...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("sandbox: starting ai cli subprocess: %w", err)
	}
	defer func() { _ = ptmx.Close() }()
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: 120, Rows: 40})

	var out boundedBuffer
	out.limit = capturedOutputCap
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		out.Write(scanner.Bytes())
		out.Write([]byte("\n"))
	}
	// A pty read error on process exit (EIO) is expected, not a real failure.

	if err := cmd.Wait(); err != nil {
		return out.String(), fmt.Errorf("sandbox: ai cli exited: %w", err)
	}
	return out.String(), nil
}

// cliInvocation builds the exact argv each AI CLI expects.
func cliInvocation(tool, model, task string) ([]string, error) {
	switch tool {
	case "claude":
		cmd := []string{"claude", "--permission-mode", "acceptEdits"}
		if model != "" {
			cmd = append(cmd, "--model", model)
		}
		return append(cmd, task), nil
	case "codex":
		cmd := []string{"codex", "exec", "--full-auto", "--sandbox", "danger-full-access"}
		if model != "" {
			cmd = append(cmd, "--model", model)
		}
		return append(cmd, task), nil
	case "gemini":
		cmd := []string{"gemini"}
		if model != "" {
			cmd = append(cmd, "-m", model)
		}
		return append(cmd, "-p", task, "--yolo"), nil
	default:
		return nil, fmt.Errorf("sandbox: unsupported tool %q", tool)
	}
}

// boundedBuffer caps how much of an AI CLI's output is retained in memory;
// a runaway tool can otherwise produce unbounded chatter over 20 minutes.
type boundedBuffer struct {
	buf   []byte
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - len(b.buf)
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string { return string(b.buf) }
