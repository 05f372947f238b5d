package block

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/shell"
)

// MapperName is the device-mapper name used for the encrypted root volume.
const MapperName = "cryptroot"

// MappedPath is the plaintext block device exposed once the LUKS volume is
// open.
const MappedPath = "/dev/mapper/" + MapperName

// FormatLUKS formats the partition as a LUKS2 volume keyed by the
// passphrase. The passphrase travels on stdin, never on the command line.
func FormatLUKS(ctx context.Context, r shell.Runner, partition, passphrase string) error {
	if passphrase == "" {
		return &DeviceError{Device: partition, Op: "luks format", Err: errors.New("empty passphrase")}
	}
	_, err := r.RunInput(ctx, passphrase, "cryptsetup", "luksFormat", "--type", "luks2", "--batch-mode", "--key-file=-", partition)
	if err != nil {
		return &DeviceError{Device: partition, Op: "luks format", Err: err}
	}
	return nil
}

// OpenLUKS opens the volume and returns the mapped plaintext device path.
func OpenLUKS(ctx context.Context, r shell.Runner, partition, passphrase string) (string, error) {
	_, err := r.RunInput(ctx, passphrase, "cryptsetup", "open", "--key-file=-", partition, MapperName)
	if err != nil {
		return "", &DeviceError{Device: partition, Op: "luks open", Err: err}
	}
	if err := WaitForNode(MappedPath); err != nil {
		return "", &DeviceError{Device: MappedPath, Op: "await mapped device", Err: err}
	}
	blocklog.With("partition", partition, "mapped", MappedPath).Info("opened encrypted volume")
	return MappedPath, nil
}

// CloseLUKS tears down the mapping if it exists. Closing an absent mapping
// is not an error; teardown must be idempotent.
func CloseLUKS(ctx context.Context, r shell.Runner) error {
	if _, err := os.Stat(MappedPath); err != nil {
		return nil
	}
	if _, err := r.Run(ctx, "cryptsetup", "close", MapperName); err != nil {
		return &DeviceError{Device: MappedPath, Op: "luks close", Err: err}
	}
	return nil
}
