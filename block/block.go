// Package block deals with Linux block devices: target disk discovery,
// partition device naming, GPT partitioning, LUKS mapping, filesystem
// creation, and mount verification. Everything that touches a disk goes
// through a shell.Runner so the provisioning flow is testable without
// hardware.
package block

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
)

var blocklog log.Logger

func Init(l log.Logger) {
	blocklog = l.Package("block")
}

// sysBlock is the sysfs mount used for discovery; tests point it at a fixture
// tree.
var sysBlock = "/sys/block"

const sectorSize = 512

// MinDiskBytes is the smallest disk considered a usable install target.
const MinDiskBytes = 10 << 30

// Disk describes a candidate install target.
type Disk struct {
	Name string // kernel name, e.g. sda or nvme0n1
	Path string // /dev path
	Size int64  // bytes
}

// skippedPrefixes are virtual or read-only device classes that can never be
// install targets.
var skippedPrefixes = []string{"loop", "ram", "sr", "fd", "zram", "dm-", "md"}

// Discover lists candidate disks and returns the largest one. Removable
// devices are skipped so the live boot medium is never selected as the
// target it is installing.
func Discover() (Disk, error) {
	disks, err := listDisks()
	if err != nil {
		return Disk{}, err
	}
	if len(disks) == 0 {
		return Disk{}, &DeviceError{Device: sysBlock, Op: "discover", Err: errors.New("no suitable block device found")}
	}
	best := disks[0]
	for _, d := range disks[1:] {
		if d.Size > best.Size {
			best = d
		}
	}
	blocklog.With("device", best.Path, "bytes", best.Size).Info("selected install target")
	return best, nil
}

func listDisks() ([]Disk, error) {
	entries, err := os.ReadDir(sysBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", sysBlock)
	}
	var disks []Disk
	for _, e := range entries {
		name := e.Name()
		if skippedName(name) {
			continue
		}
		if removable(name) {
			continue
		}
		size := sizeBytes(name)
		if size < MinDiskBytes {
			continue
		}
		disks = append(disks, Disk{Name: name, Path: "/dev/" + name, Size: size})
	}
	return disks, nil
}

func skippedName(name string) bool {
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func removable(name string) bool {
	raw, err := os.ReadFile(filepath.Join(sysBlock, name, "removable"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(raw)) == "1"
}

func sizeBytes(name string) int64 {
	raw, err := os.ReadFile(filepath.Join(sysBlock, name, "size"))
	if err != nil {
		return 0
	}
	sectors, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return sectors * sectorSize
}

// DeviceError carries the failing device and operation so the orchestrator
// can report which phase of disk work went wrong.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return "device " + e.Device + ": " + e.Op + ": " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error { return e.Err }
