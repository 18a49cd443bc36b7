// Package toolcred implements the per-AI-CLI credential strategies: scraping
// a token out of an interactive subprocess for claude, and reading a native
// JSON credential file for codex/gemini. The subprocess-inherits-stdio
// pattern and stdout/stderr regex scraping follow the teacher's
// codex-stdout-parser/codex-interactive-driver tooling.
package toolcred

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"hokipoki/internal/vault"
)

// ReauthRequired is returned when a tool has no usable credential.
var ReauthRequired = errors.New("toolcred: reauthentication required")

// Tool names recognized by the adapter.
const (
	Claude = "claude"
	Codex  = "codex"
	Gemini = "gemini"
)

// ToolCredential is the sealed, transportable credential for one AI CLI.
// OpaqueBlob is double-encoded: the native file content is JSON-marshaled
// once into a string, which is what gets persisted/transported; the
// sandbox executor performs two decodes to rehydrate the native file.
type ToolCredential struct {
	Tool       string    `json:"tool"`
	OpaqueBlob string    `json:"opaqueBlob"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

var claudeTokenPattern = regexp.MustCompile(`sk-ant-oat01-[A-Za-z0-9_-]+`)

// Adapter authenticates and caches ToolCredentials in the Token Vault under
// the single "tokens" envelope (a JSON array).
type Adapter struct {
	Vault      *vault.Vault
	RunCommand func(name string, args ...string) *exec.Cmd
}

// New returns an Adapter backed by the given vault.
func New(v *vault.Vault) *Adapter {
	return &Adapter{
		Vault:      v,
		RunCommand: exec.Command,
	}
}

const tokensEnvelope = "tokens"

func (a *Adapter) loadAll() ([]ToolCredential, error) {
	data, err := a.Vault.Load(tokensEnvelope)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var creds []ToolCredential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("toolcred: decode cache: %w", err)
	}
	return creds, nil
}

func (a *Adapter) saveAll(creds []ToolCredential) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return a.Vault.Store(tokensEnvelope, data)
}

func (a *Adapter) upsert(cred ToolCredential) error {
	creds, err := a.loadAll()
	if err != nil {
		return err
	}
	out := make([]ToolCredential, 0, len(creds)+1)
	found := false
	for _, c := range creds {
		if c.Tool == cred.Tool {
			out = append(out, cred)
			found = true
			continue
		}
		out = append(out, c)
	}
	if !found {
		out = append(out, cred)
	}
	return a.saveAll(out)
}

// Authenticate runs the tool-specific acquisition strategy and caches the
// resulting credential.
func (a *Adapter) Authenticate(tool string) (ToolCredential, error) {
	var cred ToolCredential
	var err error
	switch tool {
	case Claude:
		cred, err = a.authenticateClaude()
	case Codex:
		cred, err = a.authenticateCodex()
	case Gemini:
		cred, err = a.authenticateGemini()
	default:
		return ToolCredential{}, fmt.Errorf("toolcred: unsupported tool %q", tool)
	}
	if err != nil {
		return ToolCredential{}, err
	}
	if err := a.upsert(cred); err != nil {
		return ToolCredential{}, err
	}
	return cred, nil
}

// authenticateClaude runs `claude setup-token` inheriting stdin so the user
// can complete any interactive prompt, scraping the resulting OAuth token
// from its combined stdout/stderr.
func (a *Adapter) authenticateClaude() (ToolCredential, error) {
	cmd := a.RunCommand("claude", "setup-token")
	cmd.Stdin = os.Stdin

	var combined bytes.Buffer
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}
	if err := cmd.Start(); err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}

	done := make(chan struct{}, 2)
	drain := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			combined.WriteString(line)
			combined.WriteByte('\n')
			fmt.Fprintln(os.Stdout, line)
		}
		done <- struct{}{}
	}
	go drain(stdout)
	go drain(stderr)
	<-done
	<-done

	waitErr := cmd.Wait()
	match := claudeTokenPattern.FindString(combined.String())
	if match == "" {
		if waitErr != nil {
			return ToolCredential{}, fmt.Errorf("%w: setup-token: %v", ReauthRequired, waitErr)
		}
		return ToolCredential{}, fmt.Errorf("%w: no token found in setup-token output", ReauthRequired)
	}

	opaque, err := doubleEncode(match)
	if err != nil {
		return ToolCredential{}, err
	}
	return ToolCredential{
		Tool:       Claude,
		OpaqueBlob: opaque,
		ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
	}, nil
}

type codexAuthFile struct {
	Tokens struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"tokens"`
}

// authenticateCodex reads <home>/.codex/auth.json and validates the JWT exp
// claim embedded in its id_token.
func (a *Adapter) authenticateCodex() (ToolCredential, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}
	path := filepath.Join(home, ".codex", "auth.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}

	var parsed codexAuthFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ToolCredential{}, fmt.Errorf("%w: decode auth.json: %v", ReauthRequired, err)
	}
	exp, err := jwtExpiry(parsed.Tokens.IDToken)
	if err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}
	if exp.Before(time.Now()) {
		return ToolCredential{}, fmt.Errorf("%w: codex credential expired", ReauthRequired)
	}

	opaque, err := doubleEncode(string(raw))
	if err != nil {
		return ToolCredential{}, err
	}
	return ToolCredential{Tool: Codex, OpaqueBlob: opaque, ExpiresAt: exp}, nil
}

type geminiOAuthFile struct {
	ExpiryDate int64 `json:"expiry_date"`
}

// authenticateGemini reads <home>/.gemini/oauth_creds.json and validates its
// millisecond expiry_date timestamp.
func (a *Adapter) authenticateGemini() (ToolCredential, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}
	path := filepath.Join(home, ".gemini", "oauth_creds.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return ToolCredential{}, fmt.Errorf("%w: %v", ReauthRequired, err)
	}

	var parsed geminiOAuthFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ToolCredential{}, fmt.Errorf("%w: decode oauth_creds.json: %v", ReauthRequired, err)
	}
	exp := time.UnixMilli(parsed.ExpiryDate)
	if exp.Before(time.Now()) {
		return ToolCredential{}, fmt.Errorf("%w: gemini credential expired", ReauthRequired)
	}

	opaque, err := doubleEncode(string(raw))
	if err != nil {
		return ToolCredential{}, err
	}
	return ToolCredential{Tool: Gemini, OpaqueBlob: opaque, ExpiresAt: exp}, nil
}

// ListAuthenticated returns the subset of tools whose native source is
// present and unexpired, re-validating each rather than trusting the cache.
func (a *Adapter) ListAuthenticated(tools []string) []string {
	var out []string
	for _, tool := range tools {
		if a.isFresh(tool) {
			out = append(out, tool)
		}
	}
	return out
}

// Resolve returns the fields a sandbox.Spec needs to run tool: OAuthToken
// for claude, single-decoded from the cached credential; CredentialBlob for
// codex/gemini, re-validated fresh against the native file since it may
// have rotated since ListAuthenticated last checked.
func (a *Adapter) Resolve(tool string) (oauthToken, credentialBlob string, err error) {
	switch tool {
	case Claude:
		creds, loadErr := a.loadAll()
		if loadErr != nil {
			return "", "", loadErr
		}
		for _, c := range creds {
			if c.Tool == Claude && c.ExpiresAt.After(time.Now()) {
				var token string
				if decErr := json.Unmarshal([]byte(c.OpaqueBlob), &token); decErr != nil {
					return "", "", decErr
				}
				return token, "", nil
			}
		}
		return "", "", ReauthRequired
	case Codex:
		cred, credErr := a.authenticateCodex()
		if credErr != nil {
			return "", "", credErr
		}
		return "", cred.OpaqueBlob, nil
	case Gemini:
		cred, credErr := a.authenticateGemini()
		if credErr != nil {
			return "", "", credErr
		}
		return "", cred.OpaqueBlob, nil
	default:
		return "", "", fmt.Errorf("toolcred: unsupported tool %q", tool)
	}
}

func (a *Adapter) isFresh(tool string) bool {
	switch tool {
	case Claude:
		creds, err := a.loadAll()
		if err != nil {
			return false
		}
		for _, c := range creds {
			if c.Tool == Claude && c.ExpiresAt.After(time.Now()) {
				return true
			}
		}
		return false
	case Codex:
		_, err := a.authenticateCodex()
		return err == nil
	case Gemini:
		_, err := a.authenticateGemini()
		return err == nil
	default:
		return false
	}
}

// doubleEncode marshals s as a JSON string, matching the wire convention
// where the native credential content is JSON-string-encoded once before
// being placed into a further JSON envelope.
func doubleEncode(s string) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DoubleDecode reverses doubleEncode: it unmarshals the outer JSON string,
// then unmarshals the inner string as JSON into v.
func DoubleDecode(opaqueBlob string, v any) error {
	var inner string
	if err := json.Unmarshal([]byte(opaqueBlob), &inner); err != nil {
		return fmt.Errorf("toolcred: outer decode: %w", err)
	}
	if err := json.Unmarshal([]byte(inner), v); err != nil {
		return fmt.Errorf("toolcred: inner decode: %w", err)
	}
	return nil
}

// jwtExpiry extracts the "exp" claim (seconds since epoch) from a JWT's
// unverified payload.
func jwtExpiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("toolcred: malformed jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, err
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, err
	}
	return time.Unix(claims.Exp, 0), nil
}
