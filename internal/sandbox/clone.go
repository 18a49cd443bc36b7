package sandbox

import (
	"context"
	"fmt"
)

// cloneRepo configures a git credential helper that answers any URL with
// the task's one-time bearer, then clones GIT_URL into the encrypted mount.
func (e *Executor) cloneRepo(ctx context.Context, containerID string, spec Spec) (string, error) {
	script := fmt.Sprintf(`
set -e
git config --global credential.helper '!f() { echo "username=%s"; echo "password=x-oauth-basic"; }; f'
git clone "%s" /workspace/code/repo
`, spec.GitToken, spec.GitURL)
	return e.shell(ctx, containerID, script)
}
