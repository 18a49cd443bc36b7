package requester

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMaterializeNewFilesCreatesFileFromAddedLines(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	diff := "diff --git a/new.txt b/new.txt\n" +
		"new file mode 100644\n" +
		"index 0000000..abc123\n" +
		"--- /dev/null\n" +
		"+++ b/new.txt\n" +
		"@@ -0,0 +1,2 @@\n" +
		"+hello\n" +
		"+world\n"

	if err := materializeNewFiles(diff); err != nil {
		t.Fatalf("materializeNewFiles: %v", err)
	}
	data, err := os.ReadFile("new.txt")
	if err != nil {
		t.Fatalf("read new.txt: %v", err)
	}
	if string(data) != "hello\nworld" {
		t.Fatalf("got %q", string(data))
	}
}

func TestMaterializeNewFilesSkipsExistingFile(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	if err := os.WriteFile("existing.txt", []byte("original"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	diff := "diff --git a/existing.txt b/existing.txt\n" +
		"new file mode 100644\n" +
		"+replaced\n"
	if err := materializeNewFiles(diff); err != nil {
		t.Fatalf("materializeNewFiles: %v", err)
	}
	data, _ := os.ReadFile("existing.txt")
	if string(data) != "original" {
		t.Fatalf("expected existing file untouched, got %q", string(data))
	}
}

func TestWritePatchFileUnderPatchesDir(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	path, err := writePatchFile("task-1", "diff content")
	if err != nil {
		t.Fatalf("writePatchFile: %v", err)
	}
	if filepath.Dir(path) != "patches" {
		t.Fatalf("expected patches dir, got %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read patch: %v", err)
	}
	if string(data) != "diff content" {
		t.Fatalf("got %q", string(data))
	}
}
