package requester

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	diffGitHeaderPattern = regexp.MustCompile(`^diff --git a/(\S+) b/(\S+)$`)
	newFileModePattern   = regexp.MustCompile(`^new file mode `)
)

// applyPatch saves diff under ./patches/hokipoki-<taskId>-<ts>.patch,
// materializes any brand-new files the diff introduces (git apply refuses a
// "new file" hunk if the file doesn't exist yet in some working trees), then
// runs `git apply --check` followed by `git apply`. On success the saved
// patch file is removed; on failure (conflict) it is left in place for
// manual application, and the returned error names the retained path.
func (f *Flow) applyPatch(taskID, diff string) (applied bool, err error) {
	if !f.AutoApply {
		return false, f.savePatch(taskID, diff)
	}

	path, saveErr := writePatchFile(taskID, diff)
	if saveErr != nil {
		return false, saveErr
	}

	if err := materializeNewFiles(diff); err != nil {
		return false, fmt.Errorf("materialize new files: %w", err)
	}

	if err := runGitApply(diff, true); err != nil {
		return false, fmt.Errorf("patch conflict, retained at %s: %w", path, err)
	}
	if err := runGitApply(diff, false); err != nil {
		return false, fmt.Errorf("patch conflict, retained at %s: %w", path, err)
	}

	_ = os.Remove(path)
	return true, nil
}

func (f *Flow) savePatch(taskID, diff string) error {
	_, err := writePatchFile(taskID, diff)
	return err
}

func writePatchFile(taskID, diff string) (string, error) {
	if err := os.MkdirAll("patches", 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("hokipoki-%s-%d.patch", taskID, timeNow().Unix())
	path := filepath.Join("patches", name)
	if err := os.WriteFile(path, []byte(diff), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// materializeNewFiles scans diff for "diff --git a/X b/X" sections followed
// by a "new file mode" line, and writes X with the accumulated "+" content
// so a subsequent git apply sees an existing (empty) file to patch against.
func materializeNewFiles(diff string) error {
	scanner := bufio.NewScanner(strings.NewReader(diff))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var currentPath string
	var isNewFile bool
	var content []string

	flush := func() error {
		if currentPath == "" || !isNewFile {
			return nil
		}
		if dir := filepath.Dir(currentPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if _, err := os.Stat(currentPath); err == nil {
			return nil // already exists
		}
		return os.WriteFile(currentPath, []byte(strings.Join(content, "\n")), 0o644)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if m := diffGitHeaderPattern.FindStringSubmatch(line); m != nil {
			if err := flush(); err != nil {
				return err
			}
			currentPath = m[2]
			isNewFile = false
			content = nil
			continue
		}
		if newFileModePattern.MatchString(line) {
			isNewFile = true
			continue
		}
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			content = append(content, strings.TrimPrefix(line, "+"))
		}
	}
	return flush()
}

func runGitApply(diff string, checkOnly bool) error {
	args := []string{"apply"}
	if checkOnly {
		args = append(args, "--check")
	}
	cmd := exec.Command("git", args...)
	cmd.Stdin = strings.NewReader(diff)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
