// Package tunnel locates or downloads a reverse-tunnel client binary and
// drives it as a subprocess to expose a local port under a public
// subdomain. Subprocess spawning follows the teacher's os/exec conventions
// (tools/si/internal/vault/git.go); no FRP Go SDK appears anywhere in the
// corpus, so the binary is treated as an opaque external tool, exactly as
// spec.md requires.
package tunnel

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"hokipoki/internal/vault"
)

var adjectives = []string{"brisk", "quiet", "amber", "solar", "cedar", "violet", "copper", "plain", "sandy", "misty"}
var animals = []string{"otter", "falcon", "heron", "marten", "lynx", "badger", "finch", "ibex", "mole", "wren"}

// Config mirrors the reverse-tunnel gateway parameters the core consumes as
// an opaque external collaborator.
type Config struct {
	ServerAddr    string
	ServerPort    int
	SharedSecret  string
	SubdomainHost string
	HTTPPort      int
}

// Handle represents a running tunnel.
type Handle struct {
	PublicURL string
	close     func() error
}

// Close tears down the tunnel process and removes its config file.
func (h *Handle) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	return h.close()
}

// Client locates/downloads the tunnel binary and spawns tunnels.
type Client struct {
	Config      Config
	BinaryName  string
	DownloadURL func(osName, arch string) string
	HTTPClient  *http.Client
}

// New returns a Client using the frpc-style binary name by default.
func New(cfg Config) *Client {
	return &Client{
		Config:     cfg,
		BinaryName: "frpc",
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// EnsureBinary returns the absolute path to the tunnel binary, checking PATH
// first, then the cached <home>/.hokipoki/bin/ location, downloading the
// pinned release there if neither exists.
func (c *Client) EnsureBinary() (string, error) {
	if path, err := exec.LookPath(c.BinaryName); err == nil {
		return path, nil
	}

	binDir, err := vault.BinDir()
	if err != nil {
		return "", fmt.Errorf("tunnel: resolve bin dir: %w", err)
	}
	name := c.BinaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	cached := filepath.Join(binDir, name)
	if info, statErr := os.Stat(cached); statErr == nil && !info.IsDir() {
		return cached, nil
	}

	if c.DownloadURL == nil {
		return "", fmt.Errorf("tunnel: %s not found in PATH and no download source configured", c.BinaryName)
	}
	url := c.DownloadURL(runtime.GOOS, runtime.GOARCH)
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("tunnel: no release available for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	if err := c.download(url, cached); err != nil {
		return "", fmt.Errorf("tunnel: download %s: %w", c.BinaryName, err)
	}
	if err := os.Chmod(cached, 0o755); err != nil {
		return "", err
	}
	return cached, nil
}

func (c *Client) download(url, dest string) error {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// OpenOptions configures a single tunnel.
type OpenOptions struct {
	LocalPort int
	Subdomain string
}

// OpenTunnel writes a per-tunnel config file, spawns the tunnel binary
// against it, and returns a Handle with the resulting public URL.
func (c *Client) OpenTunnel(opts OpenOptions) (*Handle, error) {
	if opts.LocalPort <= 0 {
		return nil, fmt.Errorf("tunnel: local port required")
	}
	subdomain := strings.TrimSpace(opts.Subdomain)
	if subdomain == "" {
		generated, err := randomSubdomain()
		if err != nil {
			return nil, err
		}
		subdomain = generated
	}

	binPath, err := c.EnsureBinary()
	if err != nil {
		return nil, err
	}

	binDir, err := vault.BinDir()
	if err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(binDir, fmt.Sprintf("tunnel-%s.ini", subdomain))
	cfgBody := renderFRPConfig(c.Config, subdomain, opts.LocalPort)
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o600); err != nil {
		return nil, fmt.Errorf("tunnel: write config: %w", err)
	}

	cmd := exec.Command(binPath, "-c", cfgPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = os.Remove(cfgPath)
		return nil, fmt.Errorf("tunnel: spawn %s: %w", c.BinaryName, err)
	}

	publicURL := fmt.Sprintf("http://%s.%s", subdomain, c.Config.SubdomainHost)
	if c.Config.HTTPPort != 0 && c.Config.HTTPPort != 80 {
		publicURL = fmt.Sprintf("%s:%d", publicURL, c.Config.HTTPPort)
	}

	closed := false
	closeFn := func() error {
		if closed {
			return nil
		}
		closed = true
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
		return os.Remove(cfgPath)
	}

	return &Handle{PublicURL: publicURL, close: closeFn}, nil
}

func renderFRPConfig(cfg Config, subdomain string, localPort int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[common]\n")
	fmt.Fprintf(&b, "server_addr = %s\n", cfg.ServerAddr)
	fmt.Fprintf(&b, "server_port = %d\n", cfg.ServerPort)
	fmt.Fprintf(&b, "token = %s\n", cfg.SharedSecret)
	fmt.Fprintf(&b, "\n[hokipoki-%s]\n", subdomain)
	fmt.Fprintf(&b, "type = http\n")
	fmt.Fprintf(&b, "local_port = %d\n", localPort)
	fmt.Fprintf(&b, "subdomain = %s\n", subdomain)
	return b.String()
}

// randomSubdomain produces "<adj>-<animal>-<0..99>".
func randomSubdomain() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	animal, err := pick(animals)
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", adj, animal, strconv.FormatInt(n.Int64(), 10)), nil
}

func pick(list []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
	if err != nil {
		return "", err
	}
	return list[n.Int64()], nil
}
