package block

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/shell"
)

// GPT type codes, sgdisk notation.
const (
	typeESP       = "ef00"
	typeLinuxRoot = "8300"
)

// Partition writes a fresh GPT table: an EFI System Partition of efiSizeMiB
// followed by a root partition spanning the remainder. Any existing table is
// zapped first. After sgdisk returns, both partition nodes are awaited,
// because table creation and node materialization are asynchronous.
func Partition(ctx context.Context, r shell.Runner, device string, efiSizeMiB int) (esp, root string, err error) {
	if _, err := r.Run(ctx, "sgdisk", "--zap-all", device); err != nil {
		return "", "", &DeviceError{Device: device, Op: "zap partition table", Err: err}
	}
	args := []string{
		"--clear",
		fmt.Sprintf("--new=1::+%dM", efiSizeMiB),
		"--typecode=1:" + typeESP,
		"--change-name=1:EFI",
		"--new=2::",
		"--typecode=2:" + typeLinuxRoot,
		"--change-name=2:root",
		device,
	}
	if _, err := r.Run(ctx, "sgdisk", args...); err != nil {
		return "", "", &DeviceError{Device: device, Op: "write partition table", Err: err}
	}
	// Ask the kernel to reread the table; udev settles the nodes.
	if _, err := r.Run(ctx, "partprobe", device); err != nil {
		blocklog.With("device", device).Info("partprobe failed, relying on node polling")
	}

	esp = PartitionName(device, 1)
	root = PartitionName(device, 2)
	for _, node := range []string{esp, root} {
		if err := WaitForNode(node); err != nil {
			return "", "", &DeviceError{Device: node, Op: "await partition node", Err: err}
		}
	}
	blocklog.With("device", device, "esp", esp, "root", root).Info("partitioned")
	return esp, root, nil
}

// nodeAttempts/nodeDelay bound how long we wait for a partition device node
// to appear after table creation.
const (
	nodeAttempts = 20
	nodeDelay    = 500 * time.Millisecond
)

// WaitForNode polls for a device node with a bounded retry and fails
// explicitly after exhaustion.
func WaitForNode(path string) error {
	err := retry.Do(
		func() error {
			if _, err := os.Stat(path); err != nil {
				return errors.Wrap(err, "node not present")
			}
			return nil
		},
		retry.Attempts(nodeAttempts),
		retry.Delay(nodeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return errors.Wrapf(err, "waiting for %s", path)
}
