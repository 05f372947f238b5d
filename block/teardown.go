package block

import (
	"context"

	"github.com/crucible-os/crucible/shell"
)

// Teardown returns a partially provisioned disk to a state the provisioner
// can start from: everything under stagingRoot is unmounted recursively and
// any stale encrypted mapping from a prior run is closed. Every step is
// best-effort and idempotent; it runs before partitioning and again from the
// signal-driven cleanup path.
func Teardown(ctx context.Context, r shell.Runner, stagingRoot string) error {
	if mounted, _ := IsMountPoint(stagingRoot); mounted {
		if _, err := r.Run(ctx, "umount", "--recursive", stagingRoot); err != nil {
			blocklog.With("dir", stagingRoot).Info("recursive unmount failed, retrying lazily")
			if _, err := r.Run(ctx, "umount", "--recursive", "--lazy", stagingRoot); err != nil {
				return &DeviceError{Device: stagingRoot, Op: "unmount staging root", Err: err}
			}
		}
	}
	return CloseLUKS(ctx, r)
}
