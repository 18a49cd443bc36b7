package toolcred

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hokipoki/internal/vault"
)

func newTestAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	v, err := vault.New()
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return New(v), home
}

func TestDoubleEncodeDecodeRoundTrip(t *testing.T) {
	native := `{"OPENAI_API_KEY":null,"tokens":{"access_token":"abc"}}`
	encoded, err := doubleEncode(native)
	if err != nil {
		t.Fatalf("doubleEncode: %v", err)
	}

	var target map[string]any
	if err := DoubleDecode(encoded, &target); err != nil {
		t.Fatalf("DoubleDecode: %v", err)
	}
	if target["OPENAI_API_KEY"] != nil {
		t.Fatalf("expected nil OPENAI_API_KEY, got %v", target["OPENAI_API_KEY"])
	}
}

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return header + "." + payload + ".sig"
}

func TestAuthenticateCodexRejectsExpiredToken(t *testing.T) {
	a, home := newTestAdapter(t)
	dir := filepath.Join(home, ".codex")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	expired := makeJWT(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	authJSON := map[string]any{
		"tokens": map[string]any{"id_token": expired},
	}
	data, _ := json.Marshal(authJSON)
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), data, 0o600); err != nil {
		t.Fatalf("write auth.json: %v", err)
	}

	if _, err := a.authenticateCodex(); err == nil {
		t.Fatalf("expected ReauthRequired for expired codex credential")
	}
}

func TestAuthenticateCodexAcceptsFreshToken(t *testing.T) {
	a, home := newTestAdapter(t)
	dir := filepath.Join(home, ".codex")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fresh := makeJWT(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	authJSON := map[string]any{
		"tokens": map[string]any{"id_token": fresh},
	}
	data, _ := json.Marshal(authJSON)
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), data, 0o600); err != nil {
		t.Fatalf("write auth.json: %v", err)
	}

	cred, err := a.authenticateCodex()
	if err != nil {
		t.Fatalf("authenticateCodex: %v", err)
	}
	if cred.Tool != Codex {
		t.Fatalf("got tool %q want %q", cred.Tool, Codex)
	}

	var roundTripped map[string]any
	if err := DoubleDecode(cred.OpaqueBlob, &roundTripped); err != nil {
		t.Fatalf("DoubleDecode: %v", err)
	}
}

func TestAuthenticateGeminiRejectsExpired(t *testing.T) {
	a, home := newTestAdapter(t)
	dir := filepath.Join(home, ".gemini")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	payload := map[string]any{"expiry_date": time.Now().Add(-time.Hour).UnixMilli()}
	data, _ := json.Marshal(payload)
	if err := os.WriteFile(filepath.Join(dir, "oauth_creds.json"), data, 0o600); err != nil {
		t.Fatalf("write oauth_creds.json: %v", err)
	}

	if _, err := a.authenticateGemini(); err == nil {
		t.Fatalf("expected ReauthRequired for expired gemini credential")
	}
}

func TestListAuthenticatedSkipsMissingSources(t *testing.T) {
	a, _ := newTestAdapter(t)
	got := a.ListAuthenticated([]string{Codex, Gemini})
	if len(got) != 0 {
		t.Fatalf("expected no authenticated tools, got %v", got)
	}
}

func TestUpsertReplacesSameTool(t *testing.T) {
	a, _ := newTestAdapter(t)
	first := ToolCredential{Tool: Codex, OpaqueBlob: "\"first\"", ExpiresAt: time.Now().Add(time.Hour)}
	second := ToolCredential{Tool: Codex, OpaqueBlob: "\"second\"", ExpiresAt: time.Now().Add(time.Hour)}

	if err := a.upsert(first); err != nil {
		t.Fatalf("upsert first: %v", err)
	}
	if err := a.upsert(second); err != nil {
		t.Fatalf("upsert second: %v", err)
	}

	creds, err := a.loadAll()
	if err != nil {
		t.Fatalf("loadAll: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected exactly one cached credential, got %d", len(creds))
	}
	if creds[0].OpaqueBlob != second.OpaqueBlob {
		t.Fatalf("expected second credential to replace first")
	}
}
