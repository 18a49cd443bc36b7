package sandbox

import "context"

// These shell fragments run inside the container via `docker exec`; each is
// one coherent step so the host side can attribute a failure to a stage
// without parsing a monolithic script's output.

const markSafeDirectoriesScript = `
set -e
git config --global --add safe.directory /workspace/code
git config --global --add safe.directory '*'
`

const precleanScript = `
set -e
cryptsetup close workspace 2>/dev/null || true
`

// setupEncryptedWorkspaceScript creates a 100 MiB tmpfs-backed image, LUKS-
// formats it with a freshly generated keyfile, opens it onto
// /dev/mapper/workspace, shreds the keyfile, and mounts an ext4 filesystem
// at /workspace/code. The keyfile never touches anything but the tmpfs
// /tmp. It is shredded once, right after luksOpen; it is not shredded
// between luksFormat and luksOpen, since both read the same keyfile.
const setupEncryptedWorkspaceScript = `
set -e
IMG=/workspace/workspace.img
KEY=/tmp/workspace.key
dd if=/dev/zero of="$IMG" bs=1M count=100 status=none
head -c 32 /dev/urandom > "$KEY"
cryptsetup luksFormat --batch-mode --key-file "$KEY" "$IMG"
cryptsetup luksOpen --disable-keyring --key-file "$KEY" "$IMG" workspace
shred -u "$KEY"
mkfs.ext4 -F -q /dev/mapper/workspace
mkdir -p /workspace/code
mount /dev/mapper/workspace /workspace/code
`

// teardownEncryptedWorkspaceScript unmounts, closes the LUKS device,
// overwrites the backing image with random bytes before deleting it, and
// removes the workspace directory. Best-effort: the tmpfs mount disappearing
// with the container is the ultimate guarantee.
const teardownEncryptedWorkspaceScript = `
umount /workspace/code 2>/dev/null || true
cryptsetup close workspace 2>/dev/null || true
if [ -f /workspace/workspace.img ]; then
  shred -u /workspace/workspace.img 2>/dev/null || rm -f /workspace/workspace.img
fi
rm -rf /workspace/code
if [ -f "$HOME/.gitconfig" ]; then
  shred -u "$HOME/.gitconfig" 2>/dev/null || rm -f "$HOME/.gitconfig"
fi
`

// emergencyWipeScript runs when any step fails: it overwrites the mounted
// workspace and /tmp with random bytes (best-effort, bounded, the mount may
// already be gone) before the container is force-removed by the host.
const emergencyWipeScript = `
find /workspace /tmp -type f -exec sh -c 'shred -n 1 -u "$1" 2>/dev/null || rm -f "$1"' _ {} \; 2>/dev/null || true
cryptsetup close workspace 2>/dev/null || true
if [ -f "$HOME/.gitconfig" ]; then
  shred -u "$HOME/.gitconfig" 2>/dev/null || rm -f "$HOME/.gitconfig"
fi
`

func (e *Executor) emergencyWipe(ctx context.Context, containerID string) {
	_, _ = e.shell(ctx, containerID, emergencyWipeScript)
}

func (e *Executor) teardownEncryptedWorkspace(ctx context.Context, containerID string) {
	_, _ = e.shell(ctx, containerID, teardownEncryptedWorkspaceScript)
}
