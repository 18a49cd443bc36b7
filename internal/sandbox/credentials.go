package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"

	"hokipoki/internal/toolcred"
)

// injectCredentials materializes per-tool credential files inside the
// container from spec.CredentialBlob, which is double-encoded per the
// toolcred package's convention: the native credential JSON was serialized
// once to a string, then carried as a wire JSON field. This step performs
// both decodes before writing, so the tool sees its own exact file format.
func (e *Executor) injectCredentials(ctx context.Context, containerID string, spec Spec) error {
	switch spec.Tool {
	case "claude":
		return e.injectClaude(ctx, containerID, spec)
	case "codex":
		return e.injectCodex(ctx, containerID, spec)
	case "gemini":
		return e.injectGemini(ctx, containerID, spec)
	default:
		return fmt.Errorf("sandbox: unsupported tool %q", spec.Tool)
	}
}

func (e *Executor) injectClaude(ctx context.Context, containerID string, spec Spec) error {
	const claudeConfig = `{"acceptEditsModeAccepted":true}`
	return e.Docker.CopyFileToContainer(ctx, containerID, "/root/.claude-config/.claude.json", []byte(claudeConfig), 0o600)
}

// codexAuthFile mirrors what `codex login` itself writes; the tokens field
// is the decoded auth.json's own tokens field, preserved verbatim.
type codexAuthFile struct {
	OpenAIAPIKey *string         `json:"OPENAI_API_KEY"`
	Tokens       json.RawMessage `json:"tokens"`
	LastRefresh  string          `json:"last_refresh"`
}

func (e *Executor) injectCodex(ctx context.Context, containerID string, spec Spec) error {
	var decoded codexAuthFile
	if err := toolcred.DoubleDecode(spec.CredentialBlob, &decoded); err != nil {
		return fmt.Errorf("decode codex credential: %w", err)
	}
	auth := codexAuthFile{
		OpenAIAPIKey: nil,
		Tokens:       decoded.Tokens,
		LastRefresh:  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	if err := e.Docker.CopyFileToContainer(ctx, containerID, "/root/.codex/auth.json", data, 0o600); err != nil {
		return err
	}
	configData, err := toml.Marshal(struct {
		ModelProvider string `toml:"model_provider"`
	}{ModelProvider: "openai"})
	if err != nil {
		return err
	}
	return e.Docker.CopyFileToContainer(ctx, containerID, "/root/.codex/config.toml", configData, 0o600)
}

func (e *Executor) injectGemini(ctx context.Context, containerID string, spec Spec) error {
	var creds json.RawMessage
	if err := toolcred.DoubleDecode(spec.CredentialBlob, &creds); err != nil {
		return fmt.Errorf("decode gemini credential: %w", err)
	}
	if err := e.Docker.CopyFileToContainer(ctx, containerID, "/root/.gemini/oauth_creds.json", creds, 0o600); err != nil {
		return err
	}
	const settings = `{"selectedAuthType":"oauth-personal"}`
	return e.Docker.CopyFileToContainer(ctx, containerID, "/root/.gemini/settings.json", []byte(settings), 0o600)
}
