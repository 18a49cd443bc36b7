// Package requester orchestrates the requester side of one task:
// publish → match → stand up the ephemeral git server → hand credentials to
// the provider over the P2P relay channel → await completion → fetch and
// apply the diff → confirm. Exit codes follow the source CLI's convention:
// 0 on accept, 1 on failure, 130 on SIGINT after emitting cancel_task.
package requester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"hokipoki/internal/backend"
	"hokipoki/internal/gitserver"
	"hokipoki/internal/relayclient"
	"hokipoki/internal/tunnel"
	"hokipoki/internal/wire"
)

const confirmationAckTimeout = 5 * time.Second

// confirmationCredits is the fixed per-task credit value the confirmation
// payload reports, independent of the task's own published Credits field.
const confirmationCredits = 2.5

// ActiveTaskExists is returned by Run when the backend reports a
// non-terminal task already in flight for this requester, refusing the
// publish before the relay is ever contacted.
var ActiveTaskExists = errors.New("requester: an active task already exists")

// PublishRequest is the caller-supplied description of one task to publish.
type PublishRequest struct {
	Tool              string
	Model             string
	Task              string
	Description       string
	WorkspaceID       string
	Credits           float64
	EstimatedDuration int
	Files             []gitserver.InputFile
}

// Flow holds everything one requester session needs; construct a fresh one
// per task.
type Flow struct {
	Conn         *relayclient.Conn
	Backend      *backend.Client
	BackendToken string
	TunnelClient *tunnel.Client
	ReposRoot    string
	AutoApply    bool
	// StructuredOutput wraps the final diff and outcome in
	// [HOKIPOKI_PATCH]/[HOKIPOKI_RESULT] blocks on Out instead of plain log
	// lines, for callers piping stdout to another AI CLI.
	StructuredOutput bool
	Out              io.Writer

	currentTaskID string
}

// TaskID returns the id of the task currently in flight, or "" before one
// has been matched. Used by a SIGINT handler to call Cancel.
func (f *Flow) TaskID() string {
	return f.currentTaskID
}

func (f *Flow) logf(format string, args ...any) {
	if f.Out != nil {
		fmt.Fprintf(f.Out, format+"\n", args...)
	}
}

// Run drives the full publish-to-confirmation sequence, returning the
// process exit code the caller's main() should use. It refuses to publish
// (never sending publish_task to the relay) if the backend reports the
// requester already has a non-terminal task.
func (f *Flow) Run(ctx context.Context, req PublishRequest) int {
	if f.Backend != nil {
		active, err := f.Backend.ActiveTasks(ctx, f.BackendToken)
		if err == nil && active.HasActiveTasks {
			f.logf("%v", ActiveTaskExists)
			return 1
		}
	}

	if err := f.Conn.Send(wire.PublishTaskFrame{
		Type: "publish_task",
		Payload: wire.PublishTaskPayload{
			Tool: req.Tool, Model: req.Model, Task: req.Task,
			Description: req.Description, EstimatedDuration: req.EstimatedDuration,
			Credits: req.Credits, WorkspaceID: req.WorkspaceID,
		},
	}); err != nil {
		f.logf("publish_task failed: %v", err)
		return 1
	}

	taskID, providerID, ok := f.awaitMatch(ctx)
	if !ok {
		return 1
	}
	f.currentTaskID = taskID

	server, err := gitserver.New(taskID, f.ReposRoot, f.TunnelClient)
	if err != nil {
		f.logf("ephemeral git server: %v", err)
		return 1
	}
	if err := server.Initialize(req.Files); err != nil {
		f.logf("initialize repo: %v", err)
		return 1
	}
	if err := server.Start(); err != nil {
		f.logf("start git server: %v", err)
		return 1
	}
	defer func() { _ = server.Stop() }()

	publicURL, bearer := server.GetConfig()
	if err := f.sendGitCredentials(providerID, publicURL, bearer, req); err != nil {
		f.logf("send credentials: %v", err)
		return 1
	}

	outcome := f.awaitExecution(ctx, providerID, taskID)
	if ctx.Err() != nil {
		// Interrupted by a signal while waiting for the provider.
		return 130
	}
	switch outcome.kind {
	case outcomeCancelled:
		return 130
	case outcomeFailed:
		f.logf("execution failed: %s", outcome.reason)
		return 1
	}

	diff, err := server.GetChanges()
	if err != nil {
		f.logf("fetch diff: %v", err)
		return 1
	}

	accepted := true
	var applyErr error
	if diff.CodeDiff != "" {
		if f.StructuredOutput {
			fmt.Fprintf(f.Out, "[HOKIPOKI_PATCH]\n%s\n[/HOKIPOKI_PATCH]\n", diff.CodeDiff)
		}
		if f.AutoApply || f.StructuredOutput {
			_, applyErr = f.applyPatch(taskID, diff.CodeDiff)
			if applyErr != nil {
				f.logf("patch retained for manual application: %v", applyErr)
			}
		}
	}
	if diff.AIReview != "" && !f.StructuredOutput {
		f.logf("AI review:\n%s", diff.AIReview)
	}

	if err := f.confirm(ctx, providerID, taskID, accepted, confirmationCredits); err != nil {
		f.logf("confirmation: %v", err)
	}

	if f.Backend != nil {
		_ = f.Backend.UpsertTask(ctx, f.BackendToken, backend.TaskEntry{
			ID: taskID, Tool: req.Tool, Model: req.Model, Description: req.Description,
			Status: "completed", Credits: req.Credits,
		})
	}

	if f.StructuredOutput {
		status := "completed"
		if applyErr != nil {
			status = "patch_retained"
		}
		fmt.Fprintf(f.Out, "[HOKIPOKI_RESULT]\n{\"taskId\":%q,\"status\":%q,\"review\":%q}\n[/HOKIPOKI_RESULT]\n",
			taskID, status, diff.AIReview)
	}
	return 0
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeCancelled
)

type executionOutcome struct {
	kind   outcomeKind
	reason string
}

func (f *Flow) awaitMatch(ctx context.Context) (taskID, providerID string, ok bool) {
	for {
		t, raw, err := f.Conn.ReadFrame()
		if err != nil {
			f.logf("relay connection lost: %v", err)
			return "", "", false
		}
		switch t {
		case "task_matched":
			var frame wire.TaskMatchedFrame
			if unmarshalErr := decode(raw, &frame); unmarshalErr != nil {
				return "", "", false
			}
			return frame.TaskID, frame.ProviderID, true
		case "no_providers_available":
			f.logf("no providers available")
			return "", "", false
		case "task_cancelled":
			return "", "", false
		}
	}
}

func (f *Flow) sendGitCredentials(providerID, gitURL, gitToken string, req PublishRequest) error {
	return f.Conn.Send(wire.P2PRelayFrame{
		Type: "p2p_relay",
		From: f.Conn.PeerID,
		To:   providerID,
		Payload: wire.P2PRelayInner{
			Type: wire.P2PGitCredentials,
			Payload: wire.GitCredentialsPayload{
				GitURL: gitURL, GitToken: gitToken, Tool: req.Tool, Model: req.Model,
				TaskDescription: req.Description,
			},
			Timestamp: timeNow(),
		},
	})
}

func (f *Flow) awaitExecution(ctx context.Context, providerID, taskID string) executionOutcome {
	for {
		t, raw, err := f.Conn.ReadFrame()
		if err != nil {
			return executionOutcome{kind: outcomeFailed, reason: err.Error()}
		}
		switch t {
		case "p2p_relay":
			var frame wire.P2PRelayFrame
			if decode(raw, &frame) != nil || frame.From != providerID {
				continue
			}
			switch frame.Payload.Type {
			case wire.P2PExecutionComplete:
				return executionOutcome{kind: outcomeCompleted}
			case wire.P2PExecutionFailed:
				return executionOutcome{kind: outcomeFailed, reason: "provider reported failure"}
			}
		case "task_cancelled":
			return executionOutcome{kind: outcomeCancelled}
		}
	}
}

func (f *Flow) confirm(ctx context.Context, providerID, taskID string, accepted bool, credits float64) error {
	if err := f.Conn.Send(wire.P2PRelayFrame{
		Type: "p2p_relay", From: f.Conn.PeerID, To: providerID,
		Payload: wire.P2PRelayInner{
			Type:      wire.P2PConfirmation,
			Payload:   wire.ConfirmationPayload{Accepted: accepted, Credits: credits, TaskID: taskID},
			Timestamp: timeNow(),
		},
	}); err != nil {
		return err
	}

	ackCtx, cancel := context.WithTimeout(ctx, confirmationAckTimeout)
	defer cancel()
	for {
		t, raw, err := f.Conn.ReadFrameContext(ackCtx)
		if err != nil {
			return fmt.Errorf("confirmation_ack timed out: %w", err)
		}
		if t != "p2p_relay" {
			continue
		}
		var frame wire.P2PRelayFrame
		if decode(raw, &frame) != nil {
			continue
		}
		if frame.Payload.Type == wire.P2PConfirmationAck {
			return nil
		}
	}
}

// Cancel emits cancel_task, used from a SIGINT handler.
func (f *Flow) Cancel(taskID, reason string) error {
	return f.Conn.Send(wire.CancelTaskFrame{Type: "cancel_task", TaskID: taskID, Reason: reason})
}
