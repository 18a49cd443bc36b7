package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	tokenPattern = regexp.MustCompile(`[A-Za-z0-9_-]{20,}`)
	urlPattern   = regexp.MustCompile(`https?://\S+`)
)

// commitSummary derives the "first meaningful ≤200-char line" of the AI
// output, with tokens and URLs redacted so secrets never land in a commit
// message that the requester will see unsealed.
func commitSummary(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = tokenPattern.ReplaceAllString(line, "[REDACTED]")
		line = urlPattern.ReplaceAllString(line, "[URL]")
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return "no summary"
}

const commitSentinelOpen = "[HOKIPOKI_COMMIT_MESSAGE]"
const commitSentinelClose = "[/HOKIPOKI_COMMIT_MESSAGE]"

// commitAndPush writes AI_OUTPUT.md, commits iff the working tree is dirty,
// emits the commit message bracketed by the sentinel pair so a host-side
// scan of captured output can recover it, and pushes the current branch.
func (e *Executor) commitAndPush(ctx context.Context, containerID string, spec Spec, aiOutput string) (string, bool, error) {
	const repoDir = "/workspace/code/repo"

	if err := e.Docker.CopyFileToContainer(ctx, containerID, repoDir+"/AI_OUTPUT.md", []byte(aiOutput), 0o644); err != nil {
		return "", false, err
	}

	status, err := e.shell(ctx, containerID, fmt.Sprintf("cd %s && git add -A && git status --porcelain", repoDir))
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(status) == "" {
		return "", false, nil
	}

	summary := commitSummary(aiOutput)
	message := fmt.Sprintf("HokiPoki %s: %s", spec.Tool, summary)

	branch, err := e.shell(ctx, containerID, fmt.Sprintf("cd %s && git rev-parse --abbrev-ref HEAD", repoDir))
	if err != nil {
		return "", false, err
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = "main"
	}

	script := fmt.Sprintf(`
set -e
cd %s
git -c user.email=hokipoki@localhost -c user.name=HokiPoki commit -m %s
echo %s
echo %s
echo %s
git push origin %s
`, repoDir, shQuote(message), shQuote(commitSentinelOpen), shQuote(message), shQuote(commitSentinelClose), branch)
	if _, err := e.shell(ctx, containerID, script); err != nil {
		return "", false, err
	}
	return message, true, nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
