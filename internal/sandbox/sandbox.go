// Package sandbox builds and runs the encrypted workspace container that
// executes one task's AI CLI invocation on the provider's host. Host-side
// orchestration drives a sequence of Docker exec calls (LUKS setup,
// credential materialization, clone, CLI run, commit, push, wipe) rather
// than shipping a single opaque shell script, so each step's failure can be
// attributed and the emergency wipe can run from Go on any error path.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"

	"hokipoki/internal/config"
	"hokipoki/internal/dockerx"
)

const (
	memoryLimitBytes  = 1 << 30 // 1 GiB
	pidsLimit         = 200
	workspaceTmpfs    = 300 << 20 // 300 MiB
	tmpTmpfs          = 50 << 20  // 50 MiB
	execWallClock     = 20 * time.Minute
	capturedOutputCap = 10 << 20 // 10 MiB
	debugPauseWindow  = 5 * time.Minute
)

// Spec describes one task's sandbox invocation.
type Spec struct {
	TaskID          string
	Image           string
	GitURL          string
	GitToken        string
	Tool            string // claude | codex | gemini
	Model           string
	TaskDescription string
	OAuthToken      string
	// CredentialBlob is the double-encoded ToolCredential.OpaqueBlob for Tool,
	// materialized into the tool's native credential file inside the
	// container. Empty for tools that only need OAuthToken as an env var.
	CredentialBlob string
	// TunnelHost/TunnelIP map the requester's tunnel subdomain to the host
	// gateway so the container's DNS resolves the public git URL locally.
	TunnelHost string
	TunnelIP   string
}

// ContainerName is the "hokipoki-<taskId>" convention the provider flow uses
// to find and kill a task's sandbox by name prefix on cancellation.
func ContainerName(taskID string) string {
	return "hokipoki-" + taskID
}

// Result is what the host-side supervisor reports back to the provider flow.
type Result struct {
	CommitSummary string
	Pushed        bool
	ReauthNeeded  bool
	Failed        bool
	FailureReason string
}

// Executor owns one Docker client and runs sandbox sessions serially; the
// provider flow runs at most one task at a time.
type Executor struct {
	Docker *dockerx.Client
}

func New(d *dockerx.Client) *Executor {
	return &Executor{Docker: d}
}

func int64Ptr(v int64) *int64 { return &v }

// ContainerSpec builds the container.Config/HostConfig pair granting the
// exact privilege set LUKS-on-loop needs and nothing more, plus the two
// tmpfs mounts code and AI output ever touch.
func ContainerSpec(spec Spec) (*container.Config, *container.HostConfig) {
	env := []string{
		"TASK_ID=" + spec.TaskID,
		"GIT_URL=" + spec.GitURL,
		"GIT_TOKEN=" + spec.GitToken,
		"AI_TOOL=" + spec.Tool,
		"TASK_DESCRIPTION=" + spec.TaskDescription,
		"OAUTH_TOKEN=" + spec.OAuthToken,
	}
	if spec.Model != "" {
		env = append(env, "AI_MODEL="+spec.Model)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Cmd:   strslice.StrSlice{"sleep", "infinity"},
		Tty:   false,
	}

	hostCfg := &container.HostConfig{
		CapAdd: strslice.StrSlice{"SYS_ADMIN", "MKNOD"},
		Resources: container.Resources{
			Memory:     memoryLimitBytes,
			MemorySwap: memoryLimitBytes, // swap == memory ⇒ no additional swap
			PidsLimit:  int64Ptr(pidsLimit),
			DeviceCgroupRules: []string{
				"c 7:* rwm", // loop devices
				"b 7:* rwm",
				"b 10:* rwm", // devicemapper
			},
		},
		Tmpfs: map[string]string{
			"/workspace": fmt.Sprintf("size=%d,mode=0755", workspaceTmpfs),
			"/tmp":       fmt.Sprintf("size=%d,mode=1777", tmpTmpfs),
		},
	}
	if spec.TunnelHost != "" && spec.TunnelIP != "" {
		hostCfg.ExtraHosts = []string{spec.TunnelHost + ":" + spec.TunnelIP}
	}
	return cfg, hostCfg
}

func (e *Executor) exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	var out bytes.Buffer
	err := e.Docker.Exec(ctx, containerID, cmd, dockerx.ExecOptions{}, &out, &out)
	return out.String(), err
}

func (e *Executor) shell(ctx context.Context, containerID, script string) (string, error) {
	return e.exec(ctx, containerID, []string{"sh", "-c", script})
}

// Run executes the full in-container pipeline against an already-running
// container and returns the outcome. Any failing step triggers
// emergencyWipe before returning.
func (e *Executor) Run(ctx context.Context, containerID string, spec Spec) Result {
	runCtx, cancel := context.WithTimeout(ctx, execWallClock)
	defer cancel()

	if out, err := e.shell(runCtx, containerID, markSafeDirectoriesScript); err != nil {
		e.emergencyWipe(ctx, containerID)
		return Result{Failed: true, FailureReason: annotate("safe.directory", out, err)}
	}

	if out, err := e.shell(runCtx, containerID, precleanScript); err != nil {
		e.emergencyWipe(ctx, containerID)
		return Result{Failed: true, FailureReason: annotate("precleaning stale device", out, err)}
	}

	if out, err := e.shell(runCtx, containerID, setupEncryptedWorkspaceScript); err != nil {
		e.emergencyWipe(ctx, containerID)
		return Result{Failed: true, FailureReason: annotate("luks setup", out, err)}
	}

	if err := e.injectCredentials(runCtx, containerID, spec); err != nil {
		e.emergencyWipe(ctx, containerID)
		return Result{Failed: true, FailureReason: annotate("credential injection", "", err)}
	}

	if out, err := e.cloneRepo(runCtx, containerID, spec); err != nil {
		e.emergencyWipe(ctx, containerID)
		return Result{Failed: true, FailureReason: annotate("clone", out, err)}
	}

	output, err := e.runAITool(runCtx, containerID, spec)
	if err != nil {
		e.emergencyWipe(ctx, containerID)
		result := Result{Failed: true, FailureReason: annotate("ai cli", output, err)}
		if looksLikeAuthFailure(output) {
			result.ReauthNeeded = true
		}
		return result
	}

	summary, pushed, err := e.commitAndPush(runCtx, containerID, spec, output)
	if err != nil {
		e.emergencyWipe(ctx, containerID)
		return Result{Failed: true, FailureReason: annotate("commit/push", "", err)}
	}

	debugPause(containerID)
	e.teardownEncryptedWorkspace(ctx, containerID)
	return Result{CommitSummary: summary, Pushed: pushed}
}

// debugPause holds the container alive for manual inspection before teardown
// when DEBUG_PAUSE is set, instead of wiping the encrypted workspace the
// instant the task completes. Off by default.
func debugPause(containerID string) {
	if !config.EnvIsTrue("DEBUG_PAUSE") {
		return
	}
	fmt.Printf("sandbox: DEBUG_PAUSE set, holding container %s for %s before teardown\n", containerID, debugPauseWindow)
	time.Sleep(debugPauseWindow)
}

func annotate(step, out string, err error) string {
	if out == "" {
		return fmt.Sprintf("%s: %v", step, err)
	}
	return fmt.Sprintf("%s: %v: %s", step, err, out)
}

// authFailurePattern flags a raw 401 surfaced by any invoked tool so the
// provider flow can prompt the operator to re-authenticate.
var authFailurePattern = regexp.MustCompile(`\b401\b.*Unauthorized|Unauthorized.*\b401\b`)

func looksLikeAuthFailure(output string) bool {
	return authFailurePattern.MatchString(output)
}
