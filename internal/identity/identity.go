// Package identity implements the OIDC authorization-code+PKCE login flow
// used by both the requester and provider binaries: a loopback callback
// listener, a browser launch, token exchange, and silent refresh. Token
// caching follows the teacher's pattern of refreshing an access token some
// margin before expiry (si's googleYouTubeTokenProvider.Token), generalized
// from Google's device flow to a generic OIDC discovery document and backed
// by the AES-GCM vault instead of si's on-disk JSON token store.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"hokipoki/internal/vault"
)

// Sentinel errors.
var (
	Reauthenticate  = errors.New("identity: reauthenticate required")
	EmailUnverified = errors.New("identity: email not verified")
	ReauthRequired  = errors.New("identity: reauthentication required")
)

const refreshMargin = 5 * time.Minute

// Token is the cached identity credential.
type Token struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	IDToken   string    `json:"idToken,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Discovery is the subset of an OIDC discovery document we consume.
type Discovery struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// VerifiedChecker probes the marketplace backend's email-verification
// endpoint. It is injected so callers can fake it in tests.
type VerifiedChecker func(ctx context.Context, email string) (verified bool, err error)

// Agent drives the login/refresh/logout lifecycle for one user.
type Agent struct {
	Issuer        string
	ClientID      string
	CallbackPort  int
	Vault         *vault.Vault
	CheckVerified VerifiedChecker
	HTTPClient    *http.Client
	BrowserOpen   func(url string) error
}

const envelopeName = "keycloak_token"

// New constructs an Agent with sane defaults for the fields a caller leaves
// zero.
func New(issuer, clientID string, v *vault.Vault) *Agent {
	return &Agent{
		Issuer:       issuer,
		ClientID:     clientID,
		CallbackPort: 53217,
		Vault:        v,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		BrowserOpen:  openBrowser,
	}
}

func (a *Agent) discover(ctx context.Context) (Discovery, error) {
	url := strings.TrimRight(a.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Discovery{}, err
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return Discovery{}, fmt.Errorf("identity: discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Discovery{}, fmt.Errorf("identity: discovery returned %d", resp.StatusCode)
	}
	var doc Discovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Discovery{}, fmt.Errorf("identity: decode discovery: %w", err)
	}
	return doc, nil
}

// pkcePair holds a PKCE verifier and its S256 challenge.
type pkcePair struct {
	verifier  string
	challenge string
}

func newPKCEPair() (pkcePair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return pkcePair{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return pkcePair{verifier: verifier, challenge: challenge}, nil
}

func newState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Login runs the full authorization-code+PKCE flow: binds the loopback
// listener, opens the browser, waits for the callback, exchanges the code,
// checks email verification, and caches the result.
func (a *Agent) Login(ctx context.Context) (Token, error) {
	doc, err := a.discover(ctx)
	if err != nil {
		return Token{}, err
	}
	pair, err := newPKCEPair()
	if err != nil {
		return Token{}, err
	}
	state, err := newState()
	if err != nil {
		return Token{}, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", a.CallbackPort))
	if err != nil {
		return Token{}, fmt.Errorf("identity: bind loopback callback: %w", err)
	}
	defer listener.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", a.CallbackPort)
	conf := &oauth2.Config{
		ClientID:    a.ClientID,
		RedirectURL: redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
		Scopes: []string{"openid", "email", "profile", "offline_access"},
	}

	type callbackResult struct {
		code string
		err  error
	}
	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "<html><body><h1>Login failed</h1><p>State mismatch.</p></body></html>")
			resultCh <- callbackResult{err: fmt.Errorf("identity: callback state mismatch")}
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "<html><body><h1>Login failed</h1><p>%s</p></body></html>", errMsg)
			resultCh <- callbackResult{err: fmt.Errorf("identity: authorization error: %s", errMsg)}
			return
		}
		code := q.Get("code")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "<html><body><h1>Login successful</h1><p>You may close this window.</p></body></html>")
		resultCh <- callbackResult{code: code}
	})
	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	defer server.Close()

	authURL := conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pair.challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	if a.BrowserOpen != nil {
		_ = a.BrowserOpen(authURL)
	}

	var cb callbackResult
	select {
	case cb = <-resultCh:
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
	if cb.err != nil {
		return Token{}, cb.err
	}

	oauthToken, err := conf.Exchange(ctx, cb.code,
		oauth2.SetAuthURLParam("code_verifier", pair.verifier),
	)
	if err != nil {
		return Token{}, fmt.Errorf("identity: token exchange: %w", err)
	}

	tok := tokenFromOAuth2(oauthToken)

	if a.CheckVerified != nil {
		email, _ := idTokenEmail(tok.IDToken)
		verified, err := a.checkVerifiedFailOpen(ctx, email)
		if err != nil {
			return Token{}, err
		}
		if !verified {
			return Token{}, EmailUnverified
		}
	}

	if err := a.store(tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// checkVerifiedFailOpen treats a network error from the verification probe
// as "assume verified", per the fail-open design.
func (a *Agent) checkVerifiedFailOpen(ctx context.Context, email string) (bool, error) {
	verified, err := a.CheckVerified(ctx, email)
	if err != nil {
		return true, nil
	}
	return verified, nil
}

func tokenFromOAuth2(t *oauth2.Token) Token {
	out := Token{
		Access:    t.AccessToken,
		Refresh:   t.RefreshToken,
		ExpiresAt: t.Expiry,
	}
	if idTok, ok := t.Extra("id_token").(string); ok {
		out.IDToken = idTok
	}
	return out
}

// idTokenEmail extracts the "email" claim from a JWT's unverified payload,
// sufficient only for the verification probe query parameter.
func idTokenEmail(idToken string) (string, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("identity: malformed id token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", err
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", err
	}
	return claims.Email, nil
}

func (a *Agent) store(tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return a.Vault.Store(envelopeName, data)
}

func (a *Agent) loadCached() (Token, bool, error) {
	data, err := a.Vault.Load(envelopeName)
	if err != nil {
		return Token{}, false, err
	}
	if data == nil {
		return Token{}, false, nil
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, false, err
	}
	return tok, true, nil
}

// GetToken returns a valid access token, refreshing it if fewer than five
// minutes remain before expiry.
func (a *Agent) GetToken(ctx context.Context) (string, error) {
	tok, ok, err := a.loadCached()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", Reauthenticate
	}
	if time.Now().Add(refreshMargin).Before(tok.ExpiresAt) {
		return tok.Access, nil
	}
	refreshed, err := a.refresh(ctx, tok)
	if err != nil {
		return "", fmt.Errorf("%w: %v", Reauthenticate, err)
	}
	return refreshed.Access, nil
}

func (a *Agent) refresh(ctx context.Context, tok Token) (Token, error) {
	if strings.TrimSpace(tok.Refresh) == "" {
		return Token{}, Reauthenticate
	}
	doc, err := a.discover(ctx)
	if err != nil {
		return Token{}, err
	}
	conf := &oauth2.Config{
		ClientID: a.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.Refresh})
	refreshed, err := src.Token()
	if err != nil {
		return Token{}, err
	}
	newTok := tokenFromOAuth2(refreshed)
	if newTok.Refresh == "" {
		newTok.Refresh = tok.Refresh
	}
	if newTok.IDToken == "" {
		newTok.IDToken = tok.IDToken
	}
	if err := a.store(newTok); err != nil {
		return Token{}, err
	}
	return newTok, nil
}

// Logout best-effort POSTs to the end-session endpoint with id_token_hint,
// then deletes the cached token and tunnel config envelopes regardless of
// whether the network call succeeded.
func (a *Agent) Logout(ctx context.Context) error {
	tok, ok, err := a.loadCached()
	if err == nil && ok && strings.TrimSpace(tok.IDToken) != "" {
		if doc, discErr := a.discover(ctx); discErr == nil && doc.EndSessionEndpoint != "" {
			reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodPost, doc.EndSessionEndpoint,
				strings.NewReader("id_token_hint="+tok.IDToken))
			if reqErr == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				if resp, doErr := a.HTTPClient.Do(req); doErr == nil {
					resp.Body.Close()
				}
			}
			cancel()
		}
	}
	if err := a.Vault.Delete(envelopeName); err != nil {
		return err
	}
	return a.Vault.Delete("tunnel_config")
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
