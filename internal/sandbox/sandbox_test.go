package sandbox

import (
	"strings"
	"testing"
)

func TestCommitSummaryRedactsTokensAndURLs(t *testing.T) {
	output := "\n\nFixed the bug, token tok_0123456789abcdefghij here, see https://example.com/details for more"
	got := commitSummary(output)
	if strings.Contains(got, "tok_0123456789abcdefghij") {
		t.Fatalf("expected token redacted, got %q", got)
	}
	if strings.Contains(got, "https://") {
		t.Fatalf("expected url redacted, got %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") || !strings.Contains(got, "[URL]") {
		t.Fatalf("expected redaction markers, got %q", got)
	}
}

func TestCommitSummaryTruncatesAt200(t *testing.T) {
	long := strings.Repeat("a ", 150)
	got := commitSummary(long)
	if len(got) != 200 {
		t.Fatalf("got length %d want 200", len(got))
	}
}

func TestCommitSummarySkipsBlankLines(t *testing.T) {
	got := commitSummary("\n\n   \nfirst real line\nsecond line")
	if got != "first real line" {
		t.Fatalf("got %q", got)
	}
}

func TestCLIInvocationForms(t *testing.T) {
	cases := []struct {
		tool, model, task string
		want              []string
	}{
		{"claude", "", "fix it", []string{"claude", "--permission-mode", "acceptEdits", "fix it"}},
		{"claude", "opus", "fix it", []string{"claude", "--permission-mode", "acceptEdits", "--model", "opus", "fix it"}},
		{"codex", "", "fix it", []string{"codex", "exec", "--full-auto", "--sandbox", "danger-full-access", "fix it"}},
		{"gemini", "", "fix it", []string{"gemini", "-p", "fix it", "--yolo"}},
		{"gemini", "flash", "fix it", []string{"gemini", "-m", "flash", "-p", "fix it", "--yolo"}},
	}
	for _, c := range cases {
		got, err := cliInvocation(c.tool, c.model, c.task)
		if err != nil {
			t.Fatalf("%s: %v", c.tool, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("%s: got %v want %v", c.tool, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%s: got %v want %v", c.tool, got, c.want)
			}
		}
	}
}

func TestCLIInvocationRejectsUnknownTool(t *testing.T) {
	if _, err := cliInvocation("unknown", "", "task"); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}

func TestBoundedBufferCapsWrites(t *testing.T) {
	var b boundedBuffer
	b.limit = 10
	_, _ = b.Write([]byte("0123456789extra"))
	if b.String() != "0123456789" {
		t.Fatalf("got %q", b.String())
	}
	_, _ = b.Write([]byte("more"))
	if b.String() != "0123456789" {
		t.Fatalf("expected no growth past limit, got %q", b.String())
	}
}

func TestLooksLikeAuthFailureDetects401(t *testing.T) {
	if !looksLikeAuthFailure("request failed: 401 Unauthorized") {
		t.Fatalf("expected detection")
	}
	if looksLikeAuthFailure("everything is fine") {
		t.Fatalf("expected no false positive")
	}
}

func TestContainerSpecAppliesResourceLimitsAndTmpfs(t *testing.T) {
	cfg, hostCfg := ContainerSpec(Spec{
		TaskID: "task-1", Image: "hokipoki/sandbox", GitURL: "http://x/a.git",
		GitToken: "tok", Tool: "claude", TaskDescription: "do it",
	})
	if cfg.Image != "hokipoki/sandbox" {
		t.Fatalf("got image %q", cfg.Image)
	}
	if hostCfg.Resources.Memory != memoryLimitBytes {
		t.Fatalf("got memory %d", hostCfg.Resources.Memory)
	}
	if _, ok := hostCfg.Tmpfs["/workspace"]; !ok {
		t.Fatalf("expected /workspace tmpfs mount")
	}
	if _, ok := hostCfg.Tmpfs["/tmp"]; !ok {
		t.Fatalf("expected /tmp tmpfs mount")
	}
	foundLoop := false
	for _, rule := range hostCfg.Resources.DeviceCgroupRules {
		if strings.Contains(rule, "7:*") {
			foundLoop = true
		}
	}
	if !foundLoop {
		t.Fatalf("expected loop device cgroup rule, got %v", hostCfg.Resources.DeviceCgroupRules)
	}
}

func TestContainerNameUsesHokipokiPrefix(t *testing.T) {
	if got := ContainerName("task-42"); got != "hokipoki-task-42" {
		t.Fatalf("got %q", got)
	}
}
