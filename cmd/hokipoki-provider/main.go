// Command hokipoki-provider registers this host's authenticated AI CLI
// tools with the relay, then serves task offers until interrupted: accept,
// run the sandbox, report the outcome, repeat.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hokipoki/internal/backend"
	"hokipoki/internal/config"
	"hokipoki/internal/dockerx"
	"hokipoki/internal/flows/provider"
	"hokipoki/internal/identity"
	"hokipoki/internal/relayclient"
	"hokipoki/internal/sandbox"
	"hokipoki/internal/toolcred"
	"hokipoki/internal/vault"
)

const defaultSandboxImage = "hokipoki/sandbox:latest"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := vault.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault: %v\n", err)
		return 1
	}

	issuer := config.EnvOr("HOKIPOKI_KEYCLOAK_ISSUER", "")
	clientID := config.EnvOr("HOKIPOKI_CLIENT_ID", "")
	agent := identity.New(issuer, clientID, v)

	backendURL := config.EnvOr("BACKEND_URL", backend.DefaultBaseURL)
	backendClient, err := backend.New(backendURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backend client: %v\n", err)
		return 1
	}

	token, err := agent.GetToken(ctx)
	if err != nil {
		tok, loginErr := agent.Login(ctx)
		if loginErr != nil {
			fmt.Fprintf(os.Stderr, "login: %v\n", loginErr)
			return 1
		}
		token = tok.Access
	}

	profile, err := backendClient.Profile(ctx, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "profile: %v\n", err)
		return 1
	}
	workspaceIDs := make([]string, 0, len(profile.Workspaces))
	for _, ws := range profile.Workspaces {
		workspaceIDs = append(workspaceIDs, ws.ID)
	}

	docker, err := dockerx.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "docker client: %v\n", err)
		return 1
	}

	relayURL := config.EnvOr("RELAY_URL", "wss://relay.hoki-poki.ai/ws")
	conn, err := relayclient.Dial(ctx, relayURL, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay dial: %v\n", err)
		return 1
	}
	defer conn.Close()

	flow := &provider.Flow{
		Conn:         conn,
		Docker:       docker,
		Executor:     sandbox.New(docker),
		Credentials:  toolcred.New(v),
		Backend:      backendClient,
		BackendToken: token,
		Image:        config.EnvOr("HOKIPOKI_SANDBOX_IMAGE", defaultSandboxImage),
		UserID:       profile.ID,
		WorkspaceIDs: workspaceIDs,
		Accept:       provider.AcceptAll,
		Out:          os.Stdout,
	}

	candidateTools := []string{toolcred.Claude, toolcred.Codex, toolcred.Gemini}
	authenticated, err := flow.Register(ctx, candidateTools)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		return 1
	}
	if len(authenticated) == 0 {
		fmt.Fprintf(os.Stderr, "no authenticated tools found; run one of: %s\n", strings.Join(candidateTools, ", "))
		return 1
	}
	fmt.Fprintf(os.Stdout, "registered tools: %s\n", strings.Join(authenticated, ", "))

	if err := flow.Listen(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		return 1
	}
	return 0
}
