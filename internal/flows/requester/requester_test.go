package requester

import (
	"context"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hokipoki/internal/relay"
	"hokipoki/internal/relayclient"
	"hokipoki/internal/wire"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testRelay(t *testing.T) *httptest.Server {
	t.Helper()
	hub := relay.NewHub(log.New(discard{}, "", 0), func(token string) (string, error) {
		return strings.TrimPrefix(token, "user-"), nil
	})
	return httptest.NewServer(hub)
}

func dial(t *testing.T, srv *httptest.Server, userToken string) *relayclient.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := relayclient.Dial(context.Background(), wsURL, userToken)
	if err != nil {
		t.Fatalf("dial %s: %v", userToken, err)
	}
	return conn
}

func TestAwaitMatchReturnsTaskAndProviderOnMatch(t *testing.T) {
	srv := testRelay(t)
	defer srv.Close()

	requesterConn := dial(t, srv, "user-requester")
	defer requesterConn.Close()
	providerConn := dial(t, srv, "user-provider")
	defer providerConn.Close()

	if err := providerConn.Send(wire.RegisterProviderFrame{
		Type:    "register_provider",
		Payload: wire.RegisterProviderPayload{Tools: []string{"claude"}, WorkspaceIDs: []string{"ws-1"}},
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	f := &Flow{Conn: requesterConn}
	if err := requesterConn.Send(wire.RegisterRequesterFrame{
		Type:    "register_requester",
		Payload: wire.RegisterRequesterPayload{WorkspaceID: "ws-1"},
	}); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if err := requesterConn.Send(wire.PublishTaskFrame{
		Type:    "publish_task",
		Payload: wire.PublishTaskPayload{Tool: "claude", Task: "t", Description: "d", WorkspaceID: "ws-1"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	typ, raw, err := providerConn.ReadFrame()
	if err != nil || typ != "new_task" {
		t.Fatalf("expected new_task, got type=%q err=%v", typ, err)
	}
	var offer wire.NewTaskFrame
	if decode(raw, &offer) != nil {
		t.Fatalf("decode new_task")
	}
	if err := providerConn.Send(wire.AcceptTaskFrame{Type: "accept_task", TaskID: offer.Task.ID}); err != nil {
		t.Fatalf("accept_task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	taskID, providerID, ok := f.awaitMatch(ctx)
	if !ok {
		t.Fatalf("expected a match")
	}
	if taskID != offer.Task.ID {
		t.Fatalf("got taskID %q want %q", taskID, offer.Task.ID)
	}
	if providerID != providerConn.PeerID {
		t.Fatalf("got providerID %q want %q", providerID, providerConn.PeerID)
	}
}

func TestAwaitMatchReturnsFalseWhenNoProvidersAvailable(t *testing.T) {
	srv := testRelay(t)
	defer srv.Close()

	requesterConn := dial(t, srv, "user-requester")
	defer requesterConn.Close()

	f := &Flow{Conn: requesterConn}
	if err := requesterConn.Send(wire.RegisterRequesterFrame{
		Type:    "register_requester",
		Payload: wire.RegisterRequesterPayload{WorkspaceID: "ws-1"},
	}); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := requesterConn.Send(wire.PublishTaskFrame{
		Type:    "publish_task",
		Payload: wire.PublishTaskPayload{Tool: "claude", Task: "t", Description: "d", WorkspaceID: "ws-1"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, ok := f.awaitMatch(ctx)
	if ok {
		t.Fatalf("expected no match when no providers are registered")
	}
}

// matchRequesterAndProvider drives a publish/offer/accept sequence so the
// relay's p2p_relay forwarding gate (peers must share a bound task) passes,
// returning the bound task id.
func matchRequesterAndProvider(t *testing.T, requesterConn, providerConn *relayclient.Conn) string {
	t.Helper()
	if err := providerConn.Send(wire.RegisterProviderFrame{
		Type:    "register_provider",
		Payload: wire.RegisterProviderPayload{Tools: []string{"claude"}, WorkspaceIDs: []string{"ws-1"}},
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	if err := requesterConn.Send(wire.RegisterRequesterFrame{
		Type:    "register_requester",
		Payload: wire.RegisterRequesterPayload{WorkspaceID: "ws-1"},
	}); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if err := requesterConn.Send(wire.PublishTaskFrame{
		Type:    "publish_task",
		Payload: wire.PublishTaskPayload{Tool: "claude", Task: "t", Description: "d", WorkspaceID: "ws-1"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	typ, raw, err := providerConn.ReadFrame()
	if err != nil || typ != "new_task" {
		t.Fatalf("expected new_task, got type=%q err=%v", typ, err)
	}
	var offer wire.NewTaskFrame
	if decode(raw, &offer) != nil {
		t.Fatalf("decode new_task")
	}
	if err := providerConn.Send(wire.AcceptTaskFrame{Type: "accept_task", TaskID: offer.Task.ID}); err != nil {
		t.Fatalf("accept_task: %v", err)
	}

	typ, _, err = requesterConn.ReadFrame()
	if err != nil || typ != "task_published" {
		t.Fatalf("expected task_published, got type=%q err=%v", typ, err)
	}
	typ, _, err = requesterConn.ReadFrame()
	if err != nil || typ != "task_matched" {
		t.Fatalf("expected task_matched, got type=%q err=%v", typ, err)
	}
	typ, _, err = providerConn.ReadFrame()
	if err != nil || typ != "task_accepted" {
		t.Fatalf("expected task_accepted, got type=%q err=%v", typ, err)
	}
	return offer.Task.ID
}

func TestConfirmWaitsForConfirmationAck(t *testing.T) {
	srv := testRelay(t)
	defer srv.Close()

	requesterConn := dial(t, srv, "user-requester")
	defer requesterConn.Close()
	providerConn := dial(t, srv, "user-provider")
	defer providerConn.Close()

	taskID := matchRequesterAndProvider(t, requesterConn, providerConn)

	f := &Flow{Conn: requesterConn}

	done := make(chan error, 1)
	go func() {
		done <- f.confirm(context.Background(), providerConn.PeerID, taskID, true, 2.5)
	}()

	typ, raw, err := providerConn.ReadFrame()
	if err != nil || typ != "p2p_relay" {
		t.Fatalf("expected p2p_relay confirmation, got type=%q err=%v", typ, err)
	}
	var frame wire.P2PRelayFrame
	if decode(raw, &frame) != nil || frame.Payload.Type != wire.P2PConfirmation {
		t.Fatalf("expected confirmation payload, got %+v", frame)
	}
	if err := providerConn.Send(wire.P2PRelayFrame{
		Type: "p2p_relay", From: providerConn.PeerID, To: requesterConn.PeerID,
		Payload: wire.P2PRelayInner{Type: wire.P2PConfirmationAck, Payload: wire.ConfirmationAckPayload{TaskID: taskID}, Timestamp: timeNow()},
	}); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("confirm did not return after ack")
	}
}

func TestTaskIDEmptyBeforeMatchAndCancelSendsFrame(t *testing.T) {
	srv := testRelay(t)
	defer srv.Close()

	requesterConn := dial(t, srv, "user-requester")
	defer requesterConn.Close()
	otherConn := dial(t, srv, "user-other")
	defer otherConn.Close()

	f := &Flow{Conn: requesterConn}
	if f.TaskID() != "" {
		t.Fatalf("expected empty TaskID before any match")
	}

	if err := f.Cancel("task-99", "interrupted"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}
