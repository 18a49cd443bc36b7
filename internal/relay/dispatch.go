package relay

import (
	"encoding/json"

	"hokipoki/internal/wire"
)

// dispatch routes a frame already known to have type t from peer p.
// Authentication has already happened in handleConnection; registration
// must strictly precede publish/accept, enforced by requiring Role to be
// set first.
func (h *Hub) dispatch(p *Peer, t string, raw []byte) {
	switch t {
	case "register_provider":
		h.handleRegisterProvider(p, raw)
	case "register_requester":
		h.handleRegisterRequester(p, raw)
	case "publish_task":
		h.handlePublishTask(p, raw)
	case "accept_task":
		h.handleAcceptTask(p, raw)
	case "decline_task":
		h.handleDeclineTask(p, raw)
	case "p2p_relay":
		h.handleP2PRelay(p, raw)
	case "cancel_task":
		h.handleCancelTask(p, raw)
	default:
		h.logf("peer %s sent unknown frame type %q", p.ID, t)
	}
}

func (h *Hub) handleRegisterProvider(p *Peer, raw []byte) {
	var frame wire.RegisterProviderFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	p.Role = wire.RoleProvider
	p.WorkspaceIDs = frame.Payload.WorkspaceIDs
	p.Tools = frame.Payload.Tools
	h.Store.RegisterProvider(p.ID, frame.Payload.Tools, frame.Payload.WorkspaceIDs)
}

func (h *Hub) handleRegisterRequester(p *Peer, raw []byte) {
	var frame wire.RegisterRequesterFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	p.Role = wire.RoleRequester
	p.WorkspaceIDs = []string{frame.Payload.WorkspaceID}
}

func (h *Hub) handlePublishTask(p *Peer, raw []byte) {
	if p.Role != wire.RoleRequester {
		return
	}
	var frame wire.PublishTaskFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	task, err := h.Store.PublishTask(p.ID, frame.Payload)
	if err != nil {
		return
	}
	_ = p.sendFrame(wire.TaskPublishedFrame{Type: "task_published", TaskID: task.ID})
	h.offerNext(task.ID)
}

// offerNext offers taskID to the next round-robin candidate provider,
// emitting no_providers_available if none remain.
func (h *Hub) offerNext(taskID string) {
	task, ok := h.Store.Task(taskID)
	if !ok {
		return
	}
	candidates := h.Store.CandidateProviders(taskID, task.Tool, task.WorkspaceID)
	for _, peerID := range candidates {
		provider, online := h.peer(peerID)
		if !online {
			continue
		}
		h.Store.MarkOffered(taskID, peerID)
		if err := provider.sendFrame(wire.NewTaskFrame{Type: "new_task", Task: task}); err == nil {
			return
		}
	}

	h.Store.MarkExhausted(taskID)
	if requester, ok := h.peer(task.RequesterID); ok {
		_ = requester.sendFrame(wire.NoProvidersAvailableFrame{
			Type:  "no_providers_available",
			Tool:  task.Tool,
			Model: task.Model,
		})
	}
}

func (h *Hub) handleAcceptTask(p *Peer, raw []byte) {
	if p.Role != wire.RoleProvider {
		return
	}
	var frame wire.AcceptTaskFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	task, err := h.Store.Accept(frame.TaskID, p.ID)
	if err != nil {
		return
	}
	requester, ok := h.peer(task.RequesterID)
	if !ok {
		return
	}
	p.setMatch(task.ID, task.RequesterID)
	requester.setMatch(task.ID, p.ID)

	_ = requester.sendFrame(wire.TaskMatchedFrame{Type: "task_matched", TaskID: task.ID, ProviderID: p.ID})
	_ = p.sendFrame(wire.TaskAcceptedFrame{Type: "task_accepted", TaskID: task.ID, RequesterID: task.RequesterID})
}

func (h *Hub) handleDeclineTask(p *Peer, raw []byte) {
	var frame wire.DeclineTaskFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	h.Store.Decline(frame.TaskID, p.ID)
	h.offerNext(frame.TaskID)
}

// handleP2PRelay forwards an opaque payload verbatim to the matched
// counterpart; the relay never inspects payload.Type.
func (h *Hub) handleP2PRelay(p *Peer, raw []byte) {
	var frame wire.P2PRelayFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	target, ok := h.peer(frame.To)
	if !ok {
		return
	}
	if !h.arePeersMatched(p.ID, frame.To) {
		return
	}
	_ = target.sendFrame(frame)
}

// arePeersMatched reports whether a and b were matched for any currently
// active task, the gate required before p2p_relay forwarding.
func (h *Hub) arePeersMatched(a, b string) bool {
	peerA, ok := h.peer(a)
	if !ok {
		return false
	}
	peerA.mu.RLock()
	defer peerA.mu.RUnlock()
	for _, counterpart := range peerA.matchedWith {
		if counterpart == b {
			return true
		}
	}
	return false
}

func (h *Hub) handleCancelTask(p *Peer, raw []byte) {
	var frame wire.CancelTaskFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	task, ok := h.Store.Cancel(frame.TaskID)
	if !ok {
		return
	}
	reason := frame.Reason
	if reason == "" {
		reason = "cancelled"
	}
	h.notifyCancelled(task, p.ID, reason)
}

// notifyCancelled sends task_cancelled to whichever party did not originate
// the cancellation (or both, on a disconnect where initiator is the
// disconnecting peer itself).
func (h *Hub) notifyCancelled(task *wire.Task, initiator, reason string) {
	if task.RequesterID != initiator {
		if peer, ok := h.peer(task.RequesterID); ok {
			_ = peer.sendFrame(wire.TaskCancelledFrame{Type: "task_cancelled", TaskID: task.ID, Reason: reason})
		}
	}
	if task.ProviderID != "" && task.ProviderID != initiator {
		if peer, ok := h.peer(task.ProviderID); ok {
			_ = peer.sendFrame(wire.TaskCancelledFrame{Type: "task_cancelled", TaskID: task.ID, Reason: reason})
		}
	}
}
