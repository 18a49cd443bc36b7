// Package relay implements the Relay Protocol: peer authentication,
// provider/requester registration, task publish/match, P2P-relay message
// forwarding, and cancellation. The task table follows the teacher's
// agents/manager/internal/state.Store shape — a single mutex-guarded struct
// with named Query/Update operations — but deliberately holds no on-disk
// persistence: the source relay's task queue is in-memory only, and
// reimplementers should not guess at a persistence model without operator
// input.
package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hokipoki/internal/wire"
)

// ActiveTaskExists is returned when a requester with a non-terminal task
// attempts to publish another one.
var ActiveTaskExists = errors.New("relay: requester already has an active task")

// MatchingExhausted is returned when no provider accepts a published task.
var MatchingExhausted = errors.New("relay: no providers available")

type providerRecord struct {
	peerID        string
	tools         map[string]bool
	workspaceIDs  map[string]bool
	lastOfferedAt time.Time
	busy          bool
}

// Store is the relay's single authoritative task table plus the provider
// pool used for matching. It is the only mutator of task state.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*wire.Task
	providers map[string]*providerRecord
	// declined[taskID] is the set of peerIDs who have declined that task,
	// removed from the candidate set for the remainder of its lifetime.
	declined map[string]map[string]bool
}

// NewStore returns an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		tasks:     make(map[string]*wire.Task),
		providers: make(map[string]*providerRecord),
		declined:  make(map[string]map[string]bool),
	}
}

// RegisterProvider installs or replaces a provider's advertised tools and
// workspace membership.
func (s *Store) RegisterProvider(peerID string, tools, workspaceIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &providerRecord{
		peerID:       peerID,
		tools:        toSet(tools),
		workspaceIDs: toSet(workspaceIDs),
	}
	s.providers[peerID] = rec
}

// UnregisterPeer removes a disconnected peer from the provider pool. It does
// not touch any task it may be mid-execution on; callers handle that via
// CancelTasksForPeer.
func (s *Store) UnregisterPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, peerID)
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

// isActive reports whether status is non-terminal, i.e. one that blocks a
// requester from publishing a second task.
func isActive(status wire.TaskStatus) bool {
	switch status {
	case wire.StatusCompleted, wire.StatusFailed, wire.StatusCancelled:
		return false
	default:
		return true
	}
}

// PublishTask assigns a task id and records a pending task, refusing if the
// requester already has a non-terminal task.
func (s *Store) PublishTask(requesterID string, payload wire.PublishTaskPayload) (*wire.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.RequesterID == requesterID && isActive(t.Status) {
			return nil, ActiveTaskExists
		}
	}

	task := &wire.Task{
		ID:                "task-" + uuid.New().String(),
		RequesterID:       requesterID,
		Tool:              payload.Tool,
		Model:             payload.Model,
		Description:       payload.Description,
		WorkspaceID:       payload.WorkspaceID,
		Credits:           payload.Credits,
		Status:            wire.StatusPending,
		CreatedAt:         time.Now().UTC(),
		EstimatedDuration: payload.EstimatedDuration,
	}
	s.tasks[task.ID] = task
	return task, nil
}

// CandidateProviders returns the peerIDs of providers advertising tool and
// serving workspaceID, not yet declined for taskID, ordered round-robin by
// least-recently-offered.
func (s *Store) CandidateProviders(taskID, tool, workspaceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	declined := s.declined[taskID]
	var candidates []*providerRecord
	for _, rec := range s.providers {
		if rec.busy {
			continue
		}
		if !rec.tools[tool] {
			continue
		}
		if !rec.workspaceIDs[workspaceID] {
			continue
		}
		if declined != nil && declined[rec.peerID] {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastOfferedAt.Before(candidates[j].lastOfferedAt)
	})
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.peerID)
	}
	return out
}

// MarkOffered records that a provider was just offered a task, for
// round-robin ordering of subsequent offers.
func (s *Store) MarkOffered(taskID, providerPeerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.providers[providerPeerID]; ok {
		rec.lastOfferedAt = time.Now()
	}
	if task, ok := s.tasks[taskID]; ok {
		task.Status = wire.StatusOffered
	}
}

// Decline removes providerPeerID from the candidate set for taskID.
func (s *Store) Decline(taskID, providerPeerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declined[taskID] == nil {
		s.declined[taskID] = make(map[string]bool)
	}
	s.declined[taskID][providerPeerID] = true
}

// Accept binds taskID to providerPeerID, returning the updated task.
func (s *Store) Accept(taskID, providerPeerID string) (*wire.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("relay: unknown task %s", taskID)
	}
	task.Status = wire.StatusAccepted
	task.ProviderID = providerPeerID
	if rec, ok := s.providers[providerPeerID]; ok {
		rec.busy = true
	}
	return task, nil
}

// MarkExhausted transitions taskID to failed because no provider accepted.
func (s *Store) MarkExhausted(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		task.Status = wire.StatusFailed
	}
}

// SetInProgress transitions an accepted task once execution starts.
func (s *Store) SetInProgress(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		task.Status = wire.StatusInProgress
	}
}

// Complete marks a task completed and releases its provider.
func (s *Store) Complete(taskID, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return
	}
	task.Status = wire.StatusCompleted
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.CommitSummary = summary
	s.releaseProviderLocked(task.ProviderID)
}

// Fail marks a task failed and releases its provider.
func (s *Store) Fail(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return
	}
	task.Status = wire.StatusFailed
	s.releaseProviderLocked(task.ProviderID)
}

// Cancel marks a task cancelled (idempotent) and releases its provider. It
// serves the explicit cancel_task path; the WebSocket-close path applies the
// same transition through CancelTasksForPeer.
func (s *Store) Cancel(taskID string) (*wire.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	if !isActive(task.Status) {
		return task, true
	}
	task.Status = wire.StatusCancelled
	s.releaseProviderLocked(task.ProviderID)
	return task, true
}

// CancelTasksForPeer cancels every non-terminal task owned (as requester or
// bound provider) by peerID, used when its connection drops.
func (s *Store) CancelTasksForPeer(peerID string) []*wire.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected []*wire.Task
	for _, task := range s.tasks {
		if !isActive(task.Status) {
			continue
		}
		if task.RequesterID == peerID || task.ProviderID == peerID {
			task.Status = wire.StatusCancelled
			s.releaseProviderLocked(task.ProviderID)
			affected = append(affected, task)
		}
	}
	return affected
}

func (s *Store) releaseProviderLocked(providerPeerID string) {
	if providerPeerID == "" {
		return
	}
	if rec, ok := s.providers[providerPeerID]; ok {
		rec.busy = false
	}
}

// Task returns a copy of the task, or the zero Task and false if unknown.
func (s *Store) Task(taskID string) (wire.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return wire.Task{}, false
	}
	return *task, true
}
