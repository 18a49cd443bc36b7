package provider

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

func TestRegisterSendsAuthenticatedToolList(t *testing.T) {
	srv := testRelay(t)
	defer srv.Close()

	providerConn := dial(t, srv, "user-provider")
	defer providerConn.Close()
	requesterConn := dial(t, srv, "user-requester")
	defer requesterConn.Close()

	pf := &Flow{Conn: providerConn, WorkspaceIDs: []string{"ws-1"}}
	if _, err := pf.Register(context.Background(), []string{"claude"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

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

	typ, _, err := providerConn.ReadFrame()
	if err != nil || typ != "new_task" {
		t.Fatalf("expected new_task offer, got type=%q err=%v", typ, err)
	}
}

func TestHandleOfferDeclinesWhenPolicyRejects(t *testing.T) {
	srv := testRelay(t)
	defer srv.Close()

	providerConn := dial(t, srv, "user-provider")
	defer providerConn.Close()
	requesterConn := dial(t, srv, "user-requester")
	defer requesterConn.Close()

	pf := &Flow{Conn: providerConn, WorkspaceIDs: []string{"ws-1"}, Accept: func(wire.Task) bool { return false }}
	if _, err := pf.Register(context.Background(), []string{"claude"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

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
		t.Fatalf("expected new_task offer, got type=%q err=%v", typ, err)
	}
	var frame wire.NewTaskFrame
	if decode(raw, &frame) != nil {
		t.Fatalf("decode new_task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		pf.handleOffer(ctx, frame.Task, make(chan frameMsg))
		close(done)
	}()

	typ, _, err = requesterConn.ReadFrame()
	if err != nil || typ != "task_published" {
		t.Fatalf("expected task_published, got type=%q err=%v", typ, err)
	}
	typ, _, err = requesterConn.ReadFrame()
	if err != nil || typ != "no_providers_available" {
		t.Fatalf("expected no_providers_available after the only provider declines, got type=%q err=%v", typ, err)
	}
	<-done
}

func TestReencodeDecodeRoundTripsGitCredentials(t *testing.T) {
	original := wire.GitCredentialsPayload{GitURL: "https://example/git", GitToken: "tok", Tool: "claude", TaskDescription: "do it"}
	var generic any = map[string]any{
		"gitUrl": original.GitURL, "gitToken": original.GitToken, "tool": original.Tool, "taskDescription": original.TaskDescription,
	}
	var out wire.GitCredentialsPayload
	if err := reencodeDecode(generic, &out); err != nil {
		t.Fatalf("reencodeDecode: %v", err)
	}
	if out != original {
		t.Fatalf("got %+v want %+v", out, original)
	}
}
