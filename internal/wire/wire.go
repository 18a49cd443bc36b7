// Package wire defines the JSON frame types exchanged over the relay's
// single bidirectional WebSocket channel per peer, shared by the relay hub
// and the requester/provider flow packages so neither flow package needs to
// import the other.
package wire

import "time"

// Role distinguishes the two peer kinds the relay tracks.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

// TaskStatus enumerates the Task lifecycle states.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusOffered    TaskStatus = "offered"
	StatusAccepted   TaskStatus = "accepted"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Every relay message is a flat JSON object {type, ...}. Concrete payload
// fields are carried as additional top-level keys via the typed structs
// below, each of which declares its own Type field so json.Marshal
// produces a flat object.

// AuthenticateFrame is the mandatory first frame from any peer.
type AuthenticateFrame struct {
	Type  string `json:"type"` // "authenticate"
	Token string `json:"token"`
}

// ConnectionConfirmedFrame acknowledges successful authentication.
type ConnectionConfirmedFrame struct {
	Type   string `json:"type"` // "connection_confirmed"
	PeerID string `json:"peerId"`
}

// RegisterProviderFrame installs a provider record.
type RegisterProviderFrame struct {
	Type    string                  `json:"type"` // "register_provider"
	Payload RegisterProviderPayload `json:"payload"`
}

type RegisterProviderPayload struct {
	Tools        []string `json:"tools"`
	WorkspaceIDs []string `json:"workspaceIds"`
	UserID       string   `json:"userId"`
	Token        string   `json:"token"`
}

// RegisterRequesterFrame marks the peer as a requester.
type RegisterRequesterFrame struct {
	Type    string                   `json:"type"` // "register_requester"
	Payload RegisterRequesterPayload `json:"payload"`
}

type RegisterRequesterPayload struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// PublishTaskFrame is sent by a requester to enqueue a new task.
type PublishTaskFrame struct {
	Type    string             `json:"type"` // "publish_task"
	Payload PublishTaskPayload `json:"payload"`
}

type PublishTaskPayload struct {
	Tool              string  `json:"tool"`
	Model             string  `json:"model,omitempty"`
	Task              string  `json:"task"`
	Description       string  `json:"description"`
	EstimatedDuration int     `json:"estimatedDuration"`
	Credits           float64 `json:"credits"`
	WorkspaceID       string  `json:"workspaceId"`
}

// TaskPublishedFrame acknowledges publication with the assigned id.
type TaskPublishedFrame struct {
	Type   string `json:"type"` // "task_published"
	TaskID string `json:"taskId"`
}

// NewTaskFrame offers a task to a candidate provider.
type NewTaskFrame struct {
	Type string `json:"type"` // "new_task"
	Task Task   `json:"task"`
}

// AcceptTaskFrame / DeclineTaskFrame are a provider's response to NewTaskFrame.
type AcceptTaskFrame struct {
	Type   string `json:"type"` // "accept_task"
	TaskID string `json:"taskId"`
}

type DeclineTaskFrame struct {
	Type   string `json:"type"` // "decline_task"
	TaskID string `json:"taskId"`
}

// TaskMatchedFrame notifies the requester of the chosen provider.
type TaskMatchedFrame struct {
	Type       string `json:"type"` // "task_matched"
	TaskID     string `json:"taskId"`
	ProviderID string `json:"providerId"`
}

// TaskAcceptedFrame notifies the provider it was matched.
type TaskAcceptedFrame struct {
	Type        string `json:"type"` // "task_accepted"
	TaskID      string `json:"taskId"`
	RequesterID string `json:"requesterId"`
}

// NoProvidersAvailableFrame is sent when matching is exhausted.
type NoProvidersAvailableFrame struct {
	Type  string `json:"type"` // "no_providers_available"
	Tool  string `json:"tool"`
	Model string `json:"model,omitempty"`
}

// P2PRelayFrame carries an opaque payload between matched peers.
type P2PRelayFrame struct {
	Type    string        `json:"type"` // "p2p_relay"
	From    string        `json:"from"`
	To      string        `json:"to"`
	Payload P2PRelayInner `json:"payload"`
}

type P2PRelayInner struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// P2P payload type names carried opaquely inside P2PRelayInner.Type.
const (
	P2PGitCredentials    = "git_credentials"
	P2PExecutionComplete = "execution_complete"
	P2PExecutionFailed   = "execution_failed"
	P2PConfirmation      = "confirmation"
	P2PConfirmationAck   = "confirmation_ack"
	P2PError             = "error"
)

// GitCredentialsPayload is the P2PRelayInner.Payload for P2PGitCredentials.
type GitCredentialsPayload struct {
	GitURL          string `json:"gitUrl"`
	GitToken        string `json:"gitToken"`
	Tool            string `json:"tool"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"taskDescription"`
}

// ExecutionCompletePayload is sent by the provider on successful execution.
type ExecutionCompletePayload struct {
	CommitSummary string `json:"commitSummary,omitempty"`
}

// ExecutionFailedPayload is sent by the provider on sandbox failure.
type ExecutionFailedPayload struct {
	Reason string `json:"reason"`
}

// ConfirmationPayload is sent by the requester after applying (or rejecting)
// the patch.
type ConfirmationPayload struct {
	Accepted bool    `json:"accepted"`
	Credits  float64 `json:"credits"`
	TaskID   string  `json:"taskId"`
}

// ConfirmationAckPayload acknowledges a ConfirmationPayload.
type ConfirmationAckPayload struct {
	TaskID string `json:"taskId"`
}

// ErrorPayload carries an opaque error message over the P2P channel.
type ErrorPayload struct {
	Message string `json:"message"`
}

// CancelTaskFrame requests cancellation.
type CancelTaskFrame struct {
	Type   string `json:"type"` // "cancel_task"
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TaskCancelledFrame notifies the counterpart of cancellation.
type TaskCancelledFrame struct {
	Type   string `json:"type"` // "task_cancelled"
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// Task is the relay's authoritative record for one unit of work.
type Task struct {
	ID                string     `json:"id"`
	RequesterID       string     `json:"requesterId"`
	Tool              string     `json:"tool"`
	Model             string     `json:"model,omitempty"`
	Description       string     `json:"description"`
	WorkspaceID       string     `json:"workspaceId"`
	Credits           float64    `json:"credits"`
	Status            TaskStatus `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	ProviderID        string     `json:"providerId,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	CommitSummary     string     `json:"commitSummary,omitempty"`
	EstimatedDuration int        `json:"estimatedDuration,omitempty"`
}

// TypeOnly is used to sniff a frame's "type" field before deciding which
// concrete struct to unmarshal the rest of the payload into.
type TypeOnly struct {
	Type string `json:"type"`
}
