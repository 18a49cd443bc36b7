// Package vault persists sealed secrets under <home>/.hokipoki/ with
// owner-only permissions: the identity token, tool credentials, and tunnel
// config cache. Adapted from the teacher's si vault path/scoped-read helpers;
// the sealing primitive itself is AES-256-GCM rather than the teacher's
// age-based envelope (see DESIGN.md).
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome resolves a leading "~" against the current user's home
// directory, leaving any other path untouched.
func ExpandHome(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			if err == nil {
				err = os.ErrNotExist
			}
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// CleanAbs expands "~" and relativizes against the working directory,
// returning a cleaned absolute path.
func CleanAbs(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path required")
	}
	path, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Clean(filepath.Join(cwd, path)), nil
}

// HomeDir returns <home>/.hokipoki, creating it with 0700 permissions if
// absent.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		if err == nil {
			err = fmt.Errorf("home directory unavailable")
		}
		return "", err
	}
	dir := filepath.Join(home, ".hokipoki")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// KeyPath returns the path to the vault's symmetric key file.
func KeyPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "key.secret"), nil
}

// EnvelopePath returns the path for a named sealed envelope (e.g.
// "keycloak_token", "tunnel_config", "tokens").
func EnvelopePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("envelope name required")
	}
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".enc"), nil
}

// TmpDir returns <home>/.hokipoki/tmp, used for ephemeral git repositories.
func TmpDir() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return "", err
	}
	return tmp, nil
}

// BinDir returns <home>/.hokipoki/bin, used to cache the tunnel binary.
func BinDir() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	bin := filepath.Join(dir, "bin")
	if err := os.MkdirAll(bin, 0o700); err != nil {
		return "", err
	}
	return bin, nil
}

// readFileScoped opens the parent directory as an os.Root and reads the
// named file from that root, avoiding path traversal outside the intended
// directory.
func readFileScoped(path string) ([]byte, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" {
		return nil, fmt.Errorf("path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	base := filepath.Base(abs)
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.ReadFile(base)
}
