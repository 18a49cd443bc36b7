// Command hokipoki-requester publishes one task to the relay, stands up an
// ephemeral git server for the winning provider to clone, waits for
// execution to complete, and applies the resulting patch. Invocation:
//
//	hokipoki-requester <tool> <description> [file...] [--model=NAME] [--credits=N] [--no-auto-apply]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"hokipoki/internal/backend"
	"hokipoki/internal/config"
	"hokipoki/internal/flows/requester"
	"hokipoki/internal/gitserver"
	"hokipoki/internal/identity"
	"hokipoki/internal/relayclient"
	"hokipoki/internal/tunnel"
	"hokipoki/internal/vault"
)

func main() {
	os.Exit(run())
}

func run() int {
	req, files, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	if req.WorkspaceID == "" {
		req.WorkspaceID = profile.WorkspaceID
	}

	tunnelToken, err := backendClient.TunnelToken(ctx, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnel token: %v\n", err)
		return 1
	}
	tunnelClient := tunnel.New(tunnel.Config{
		ServerAddr:    config.EnvOr("FRP_SERVER_ADDR", tunnelToken.ServerAddr),
		ServerPort:    config.EnvOrInt("FRP_SERVER_PORT", tunnelToken.ServerPort),
		SharedSecret:  config.EnvOr("FRP_AUTH_TOKEN", tunnelToken.Token),
		SubdomainHost: config.EnvOr("FRP_TUNNEL_DOMAIN", tunnelToken.SubdomainHost),
		HTTPPort:      config.EnvOrInt("FRP_HTTP_PORT", tunnelToken.PublicHTTPPort),
	})

	relayURL := config.EnvOr("RELAY_URL", "wss://relay.hoki-poki.ai/ws")
	conn, err := relayclient.Dial(ctx, relayURL, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay dial: %v\n", err)
		return 1
	}
	defer conn.Close()

	reposRoot, err := vault.TmpDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "repos root: %v\n", err)
		return 1
	}

	structured := !term.IsTerminal(int(os.Stdout.Fd()))

	flow := &requester.Flow{
		Conn:             conn,
		Backend:          backendClient,
		BackendToken:     token,
		TunnelClient:     tunnelClient,
		ReposRoot:        reposRoot,
		AutoApply:        req.autoApply || structured,
		StructuredOutput: structured,
		Out:              os.Stdout,
	}

	go func() {
		<-ctx.Done()
		taskID := flow.TaskID()
		if taskID == "" {
			return
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = backendClient.CancelTask(cancelCtx, token, taskID)
		cancel()
		_ = flow.Cancel(taskID, "interrupted")
	}()

	return flow.Run(ctx, requester.PublishRequest{
		Tool: req.tool, Model: req.model, Task: req.task, Description: req.task,
		WorkspaceID: req.WorkspaceID, Credits: req.credits, Files: files,
	})
}

type parsedArgs struct {
	tool        string
	model       string
	task        string
	credits     float64
	autoApply   bool
	WorkspaceID string
}

// parseArgs hand-rolls the <tool> <description> [file...] [--flag] grammar;
// no flag package, since position (tool, then free-text description) and
// trailing file paths don't fit its flat flag model.
func parseArgs(args []string) (parsedArgs, []gitserver.InputFile, error) {
	out := parsedArgs{autoApply: true, credits: 1}
	var positional []string
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--model="):
			out.model = strings.TrimPrefix(a, "--model=")
		case strings.HasPrefix(a, "--credits="):
			v, err := strconv.ParseFloat(strings.TrimPrefix(a, "--credits="), 64)
			if err != nil {
				return out, nil, fmt.Errorf("invalid --credits: %w", err)
			}
			out.credits = v
		case a == "--no-auto-apply":
			out.autoApply = false
		case strings.HasPrefix(a, "--workspace="):
			out.WorkspaceID = strings.TrimPrefix(a, "--workspace=")
		default:
			positional = append(positional, a)
		}
	}
	if len(positional) < 2 {
		return out, nil, fmt.Errorf("usage: hokipoki-requester <tool> <description> [file...]")
	}
	out.tool = positional[0]
	out.task = positional[1]

	var files []gitserver.InputFile
	for _, path := range positional[2:] {
		data, err := os.ReadFile(path)
		if err != nil {
			return out, nil, fmt.Errorf("read %s: %w", path, err)
		}
		files = append(files, gitserver.InputFile{Path: path, Content: data})
	}
	return out, files, nil
}
