package block

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/shell"
)

// Filesystems accepted for the root volume.
var RootFilesystems = map[string]bool{
	"ext4":  true,
	"btrfs": true,
	"xfs":   true,
}

// MakeFilesystems creates the EFI and root filesystems and verifies both
// signatures exist before returning. mkfs exiting zero is not trusted on its
// own; blkid must see the signature.
func MakeFilesystems(ctx context.Context, r shell.Runner, esp, rootDev, rootFS string) error {
	if !RootFilesystems[rootFS] {
		return &DeviceError{Device: rootDev, Op: "mkfs", Err: errors.Errorf("unsupported root filesystem %q", rootFS)}
	}
	if _, err := r.Run(ctx, "mkfs.fat", "-F32", esp); err != nil {
		return &DeviceError{Device: esp, Op: "mkfs.fat", Err: err}
	}
	mkfsArgs := map[string][]string{
		"ext4":  {"-F"},
		"btrfs": {"-f"},
		"xfs":   {"-f"},
	}
	args := append(mkfsArgs[rootFS], rootDev)
	if _, err := r.Run(ctx, "mkfs."+rootFS, args...); err != nil {
		return &DeviceError{Device: rootDev, Op: "mkfs." + rootFS, Err: err}
	}
	for dev, want := range map[string]string{esp: "vfat", rootDev: rootFS} {
		got, err := Signature(ctx, r, dev)
		if err != nil {
			return err
		}
		if got != want {
			return &DeviceError{Device: dev, Op: "verify filesystem", Err: errors.Errorf("signature %q, want %q", got, want)}
		}
	}
	return nil
}

// Signature probes the filesystem signature on a device via blkid.
func Signature(ctx context.Context, r shell.Runner, device string) (string, error) {
	out, err := r.Run(ctx, "blkid", "-s", "TYPE", "-o", "value", device)
	if err != nil {
		return "", &DeviceError{Device: device, Op: "probe signature", Err: err}
	}
	return strings.TrimSpace(out), nil
}

// UUID returns the filesystem UUID of a device, used for fstab and the boot
// entry root specification.
func UUID(ctx context.Context, r shell.Runner, device string) (string, error) {
	out, err := r.Run(ctx, "blkid", "-s", "UUID", "-o", "value", device)
	if err != nil {
		return "", &DeviceError{Device: device, Op: "probe uuid", Err: err}
	}
	uuid := strings.TrimSpace(out)
	if uuid == "" {
		return "", &DeviceError{Device: device, Op: "probe uuid", Err: errors.New("no uuid reported")}
	}
	return uuid, nil
}

// Mount mounts device on dir, creating the mountpoint when needed. Callers
// verify the result with IsMountPoint rather than trusting the command's
// exit status.
func Mount(ctx context.Context, r shell.Runner, device, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &DeviceError{Device: device, Op: "mkdir mountpoint", Err: err}
	}
	if _, err := r.Run(ctx, "mount", device, dir); err != nil {
		return &DeviceError{Device: device, Op: "mount " + dir, Err: err}
	}
	return nil
}

// IsMountPoint reports whether dir is a mount point by comparing its device
// number with its parent's.
func IsMountPoint(dir string) (bool, error) {
	var st, parent syscall.Stat_t
	if err := syscall.Stat(dir, &st); err != nil {
		return false, errors.Wrapf(err, "stat %s", dir)
	}
	if err := syscall.Stat(filepath.Dir(dir), &parent); err != nil {
		return false, errors.Wrapf(err, "stat %s", filepath.Dir(dir))
	}
	// Same inode as parent means dir is a filesystem root (e.g. "/").
	return st.Dev != parent.Dev || st.Ino == parent.Ino, nil
}
