// Package provider orchestrates the provider side of one relay session:
// register the set of locally-authenticated AI CLI tools, listen for task
// offers, accept or decline, run the sandbox executor on acceptance, and
// report the outcome back to the requester over the P2P relay channel.
package provider

import (
	"context"
	"fmt"
	"io"
	"sync"

	"hokipoki/internal/backend"
	"hokipoki/internal/dockerx"
	"hokipoki/internal/relayclient"
	"hokipoki/internal/sandbox"
	"hokipoki/internal/toolcred"
	"hokipoki/internal/wire"
)

// AcceptPolicy decides whether to accept an offered task. The interactive
// CLI prompts the operator; a non-interactive runner can auto-accept every
// offer for its registered tools.
type AcceptPolicy func(task wire.Task) bool

// AcceptAll is the non-interactive default: accept any task whose tool this
// provider registered.
func AcceptAll(wire.Task) bool { return true }

// Flow holds everything one provider session needs.
type Flow struct {
	Conn         *relayclient.Conn
	Docker       *dockerx.Client
	Executor     *sandbox.Executor
	Credentials  *toolcred.Adapter
	Backend      *backend.Client
	BackendToken string
	Image        string
	UserID       string
	WorkspaceIDs []string
	Accept       AcceptPolicy
	Out          io.Writer

	mu     sync.Mutex
	active *activeTask
}

// frameMsg is a frame the reader loop routed to the currently running
// task's worker goroutine, since that worker no longer reads the socket
// itself.
type frameMsg struct {
	typ string
	raw []byte
}

// activeTask tracks the one task this provider is currently executing, so
// the dedicated socket reader can cancel its context or route frames to it
// without ever blocking on the sandbox run itself.
type activeTask struct {
	taskID string
	cancel context.CancelFunc
	frames chan frameMsg
}

func (f *Flow) logf(format string, args ...any) {
	if f.Out != nil {
		fmt.Fprintf(f.Out, format+"\n", args...)
	}
}

// Register announces the locally-authenticated tool set to the backend and
// the relay. With no Credentials adapter, candidateTools is announced as
// given.
func (f *Flow) Register(ctx context.Context, candidateTools []string) ([]string, error) {
	tools := candidateTools
	if f.Credentials != nil {
		tools = f.Credentials.ListAuthenticated(candidateTools)
	}
	if f.Backend != nil {
		if err := f.Backend.RegisterProviderTools(ctx, f.BackendToken, tools); err != nil {
			return tools, fmt.Errorf("register tools with backend: %w", err)
		}
	}
	if err := f.Conn.Send(wire.RegisterProviderFrame{
		Type: "register_provider",
		Payload: wire.RegisterProviderPayload{
			Tools: tools, WorkspaceIDs: f.WorkspaceIDs, UserID: f.UserID,
		},
	}); err != nil {
		return tools, fmt.Errorf("register_provider: %w", err)
	}
	return tools, nil
}

// Listen runs a dedicated socket-reader loop until ctx is cancelled or the
// connection drops. Offer handling (container create, clone, AI CLI run,
// push — which can run up to the sandbox wall clock) happens on a worker
// goroutine per accepted task, never on the reader itself, so a
// task_cancelled frame for the in-flight task is always observed promptly
// instead of queued behind a blocking read.
func (f *Flow) Listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		typ, raw, err := f.Conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("relay connection lost: %w", err)
		}

		switch typ {
		case "new_task":
			var frame wire.NewTaskFrame
			if decode(raw, &frame) != nil {
				continue
			}
			f.startOffer(ctx, frame.Task)
		case "task_cancelled":
			var frame wire.TaskCancelledFrame
			if decode(raw, &frame) != nil {
				continue
			}
			f.cancelActive(frame.TaskID)
			go f.handleCancellation(ctx, frame.TaskID)
		default:
			f.routeFrame(typ, raw)
		}
	}
}

// startOffer registers task as the one active task and spawns its worker.
// Any provider-marked-busy bookkeeping in the relay store means only one
// task is ever offered to a given provider at a time, so a single active
// slot (rather than a taskID-keyed map) is sufficient.
func (f *Flow) startOffer(parent context.Context, task wire.Task) {
	taskCtx, cancel := context.WithCancel(parent)
	at := &activeTask{taskID: task.ID, cancel: cancel, frames: make(chan frameMsg, 8)}
	f.mu.Lock()
	f.active = at
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			if f.active == at {
				f.active = nil
			}
			f.mu.Unlock()
			cancel()
		}()
		f.handleOffer(taskCtx, task, at.frames)
	}()
}

// routeFrame hands a frame that isn't new_task/task_cancelled to whichever
// task worker is currently waiting on it; dropped if none is active or the
// worker's buffer is full.
func (f *Flow) routeFrame(typ string, raw []byte) {
	f.mu.Lock()
	at := f.active
	f.mu.Unlock()
	if at == nil {
		return
	}
	select {
	case at.frames <- frameMsg{typ, raw}:
	default:
	}
}

// cancelActive cancels the active task's context if it matches taskID, so
// any in-flight Docker API call made with that context aborts immediately.
func (f *Flow) cancelActive(taskID string) {
	f.mu.Lock()
	at := f.active
	f.mu.Unlock()
	if at != nil && at.taskID == taskID {
		at.cancel()
	}
}

func (f *Flow) handleOffer(ctx context.Context, task wire.Task, frames <-chan frameMsg) {
	if f.Accept == nil {
		f.Accept = AcceptAll
	}
	if !f.Accept(task) {
		_ = f.Conn.Send(wire.DeclineTaskFrame{Type: "decline_task", TaskID: task.ID})
		return
	}
	if err := f.Conn.Send(wire.AcceptTaskFrame{Type: "accept_task", TaskID: task.ID}); err != nil {
		f.logf("accept_task: %v", err)
		return
	}

	requesterID, creds, ok := f.awaitAssignment(ctx, task.ID, frames)
	if !ok {
		return
	}

	result := f.runTask(ctx, task, creds)
	f.reportOutcome(requesterID, task.ID, result)

	if f.Backend != nil {
		status := "completed"
		if result.Failed {
			status = "failed"
		}
		_ = f.Backend.UpsertTask(ctx, f.BackendToken, backend.TaskEntry{
			ID: task.ID, Tool: task.Tool, Model: task.Model, Description: task.Description,
			Status: status, Credits: task.Credits, CommitSummary: result.CommitSummary,
		})
	}

	f.awaitConfirmation(ctx, requesterID, task.ID, frames)
}

// awaitAssignment waits for task_accepted confirming the match, then the
// git_credentials payload carrying the clone URL and token.
func (f *Flow) awaitAssignment(ctx context.Context, taskID string, frames <-chan frameMsg) (requesterID string, creds wire.GitCredentialsPayload, ok bool) {
	var confirmed bool
	for {
		var msg frameMsg
		select {
		case <-ctx.Done():
			return "", wire.GitCredentialsPayload{}, false
		case m, chOk := <-frames:
			if !chOk {
				return "", wire.GitCredentialsPayload{}, false
			}
			msg = m
		}
		switch msg.typ {
		case "task_accepted":
			var frame wire.TaskAcceptedFrame
			if decode(msg.raw, &frame) != nil || frame.TaskID != taskID {
				continue
			}
			requesterID = frame.RequesterID
			confirmed = true
		case "p2p_relay":
			var frame wire.P2PRelayFrame
			if decode(msg.raw, &frame) != nil {
				continue
			}
			if frame.Payload.Type != wire.P2PGitCredentials {
				continue
			}
			if !confirmed {
				requesterID = frame.From
			}
			var payload wire.GitCredentialsPayload
			if reencodeDecode(frame.Payload.Payload, &payload) != nil {
				continue
			}
			return requesterID, payload, true
		}
	}
}

func (f *Flow) runTask(ctx context.Context, task wire.Task, creds wire.GitCredentialsPayload) sandbox.Result {
	oauthToken, credentialBlob, err := f.Credentials.Resolve(creds.Tool)
	if err != nil {
		return sandbox.Result{Failed: true, ReauthNeeded: true, FailureReason: fmt.Sprintf("resolve %s credential: %v", creds.Tool, err)}
	}

	containerName := sandbox.ContainerName(task.ID)
	spec := sandbox.Spec{
		TaskID: task.ID, Image: f.Image, GitURL: creds.GitURL, GitToken: creds.GitToken,
		Tool: creds.Tool, Model: creds.Model, TaskDescription: creds.TaskDescription,
		OAuthToken: oauthToken, CredentialBlob: credentialBlob,
	}
	cfg, hostCfg := sandbox.ContainerSpec(spec)
	containerID, err := f.Docker.CreateContainer(ctx, cfg, hostCfg, nil, containerName)
	if err != nil {
		return sandbox.Result{Failed: true, FailureReason: fmt.Sprintf("create container: %v", err)}
	}
	defer func() { _ = f.Docker.RemoveContainer(context.Background(), containerID, true) }()

	if err := f.Docker.StartContainer(ctx, containerID); err != nil {
		return sandbox.Result{Failed: true, FailureReason: fmt.Sprintf("start container: %v", err)}
	}
	return f.Executor.Run(ctx, containerID, spec)
}

func (f *Flow) reportOutcome(requesterID, taskID string, result sandbox.Result) {
	var inner wire.P2PRelayInner
	if result.Failed {
		inner = wire.P2PRelayInner{
			Type:      wire.P2PExecutionFailed,
			Payload:   wire.ExecutionFailedPayload{Reason: result.FailureReason},
			Timestamp: timeNow(),
		}
	} else {
		inner = wire.P2PRelayInner{
			Type:      wire.P2PExecutionComplete,
			Payload:   wire.ExecutionCompletePayload{CommitSummary: result.CommitSummary},
			Timestamp: timeNow(),
		}
	}
	if err := f.Conn.Send(wire.P2PRelayFrame{
		Type: "p2p_relay", From: f.Conn.PeerID, To: requesterID, Payload: inner,
	}); err != nil {
		f.logf("report outcome: %v", err)
	}
}

// awaitConfirmation waits for the requester's confirmation payload and acks
// it, so the requester's confirm() doesn't time out.
func (f *Flow) awaitConfirmation(ctx context.Context, requesterID, taskID string, frames <-chan frameMsg) {
	for {
		var msg frameMsg
		select {
		case <-ctx.Done():
			return
		case m, chOk := <-frames:
			if !chOk {
				return
			}
			msg = m
		}
		if msg.typ != "p2p_relay" {
			continue
		}
		var frame wire.P2PRelayFrame
		if decode(msg.raw, &frame) != nil || frame.From != requesterID {
			continue
		}
		if frame.Payload.Type != wire.P2PConfirmation {
			continue
		}
		_ = f.Conn.Send(wire.P2PRelayFrame{
			Type: "p2p_relay", From: f.Conn.PeerID, To: requesterID,
			Payload: wire.P2PRelayInner{
				Type:      wire.P2PConfirmationAck,
				Payload:   wire.ConfirmationAckPayload{TaskID: taskID},
				Timestamp: timeNow(),
			},
		})
		return
	}
}

// handleCancellation kills the task's sandbox container by its well-known
// name, if still running, and marks it cancelled on the backend.
func (f *Flow) handleCancellation(ctx context.Context, taskID string) {
	containers, err := f.Docker.ContainersByNamePrefix(ctx, sandbox.ContainerName(taskID))
	if err != nil {
		f.logf("list containers for cancellation: %v", err)
		return
	}
	for _, c := range containers {
		if err := f.Docker.RemoveContainer(ctx, c.ID, true); err != nil {
			f.logf("remove cancelled container %s: %v", c.ID, err)
		}
	}
	if f.Backend != nil {
		_ = f.Backend.CancelTask(ctx, f.BackendToken, taskID)
	}
}
