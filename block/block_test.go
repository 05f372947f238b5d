package block

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts command results by prefix match on "name args".
type fakeRunner struct {
	results map[string]string // command prefix -> stdout
	fail    map[string]bool   // command prefix -> force error
	calls   []string
	onCall  func(cmdline string)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	cmdline := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, cmdline)
	if f.onCall != nil {
		f.onCall(cmdline)
	}
	for prefix := range f.fail {
		if strings.HasPrefix(cmdline, prefix) {
			return "", errors.Errorf("scripted failure for %s", prefix)
		}
	}
	for prefix, out := range f.results {
		if strings.HasPrefix(cmdline, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) RunInput(ctx context.Context, _ string, name string, args ...string) (string, error) {
	return f.Run(ctx, name, args...)
}

func initTestLog(t *testing.T) {
	t.Helper()
	Init(log.Test(t, "crucible"))
}

// writeSysDisk fabricates a /sys/block entry.
func writeSysDisk(t *testing.T, root, name string, sectors, removable string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "size"), []byte(sectors+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "removable"), []byte(removable+"\n"), 0o644))
}

func TestDiscoverPicksLargestSuitableDisk(t *testing.T) {
	initTestLog(t)
	root := t.TempDir()
	oldSys := sysBlock
	sysBlock = root
	defer func() { sysBlock = oldSys }()

	writeSysDisk(t, root, "sda", "976773168", "0")      // ~465 GiB
	writeSysDisk(t, root, "nvme0n1", "1953525168", "0") // ~931 GiB
	writeSysDisk(t, root, "sdb", "3907029168", "1")     // larger but removable (live medium)
	writeSysDisk(t, root, "loop0", "97677316800", "0")  // virtual, skipped by prefix
	writeSysDisk(t, root, "sdc", "1048576", "0")        // 512 MiB, below minimum

	disk, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, "nvme0n1", disk.Name)
	assert.Equal(t, "/dev/nvme0n1", disk.Path)
}

func TestDiscoverNoCandidates(t *testing.T) {
	initTestLog(t)
	root := t.TempDir()
	oldSys := sysBlock
	sysBlock = root
	defer func() { sysBlock = oldSys }()

	writeSysDisk(t, root, "sr0", "97677316800", "0")
	writeSysDisk(t, root, "ram0", "97677316800", "0")

	_, err := Discover()
	var de *DeviceError
	require.ErrorAs(t, err, &de)
}

func TestPartitionCreatesTableAndWaitsForNodes(t *testing.T) {
	initTestLog(t)
	tmp := t.TempDir()
	device := filepath.Join(tmp, "sda")
	require.NoError(t, os.WriteFile(device, nil, 0o644))

	r := &fakeRunner{
		onCall: func(cmdline string) {
			// Partition nodes materialize after the table is written.
			if strings.HasPrefix(cmdline, "sgdisk --clear") {
				os.WriteFile(PartitionName(device, 1), nil, 0o644)
				os.WriteFile(PartitionName(device, 2), nil, 0o644)
			}
		},
	}
	esp, root, err := Partition(context.Background(), r, device, 512)
	require.NoError(t, err)
	assert.Equal(t, device+"1", esp)
	assert.Equal(t, device+"2", root)

	require.GreaterOrEqual(t, len(r.calls), 3)
	assert.Equal(t, "sgdisk --zap-all "+device, r.calls[0])
	assert.Contains(t, r.calls[1], "--new=1::+512M")
	assert.Contains(t, r.calls[1], "--typecode=1:ef00")
	assert.Contains(t, r.calls[1], "--new=2::")
	assert.Contains(t, r.calls[1], "--typecode=2:8300")
}

func TestPartitionFailurePropagates(t *testing.T) {
	initTestLog(t)
	r := &fakeRunner{fail: map[string]bool{"sgdisk --zap-all": true}}
	_, _, err := Partition(context.Background(), r, "/dev/sdz", 512)
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "/dev/sdz", de.Device)
}

func TestSignatureAndUUID(t *testing.T) {
	initTestLog(t)
	r := &fakeRunner{results: map[string]string{
		"blkid -s TYPE": "ext4\n",
		"blkid -s UUID": "0f3a1a2b-aaaa-bbbb-cccc-001122334455\n",
	}}
	sig, err := Signature(context.Background(), r, "/dev/sda2")
	require.NoError(t, err)
	assert.Equal(t, "ext4", sig)

	uuid, err := UUID(context.Background(), r, "/dev/sda2")
	require.NoError(t, err)
	assert.Equal(t, "0f3a1a2b-aaaa-bbbb-cccc-001122334455", uuid)
}

func TestUUIDEmptyIsError(t *testing.T) {
	initTestLog(t)
	r := &fakeRunner{results: map[string]string{"blkid -s UUID": "\n"}}
	_, err := UUID(context.Background(), r, "/dev/sda2")
	var de *DeviceError
	require.ErrorAs(t, err, &de)
}

func TestMakeFilesystemsVerifiesSignatures(t *testing.T) {
	initTestLog(t)
	t.Run("signatures present", func(t *testing.T) {
		r := &fakeRunner{results: map[string]string{
			"blkid -s TYPE -o value /dev/sda1": "vfat\n",
			"blkid -s TYPE -o value /dev/sda2": "ext4\n",
		}}
		err := MakeFilesystems(context.Background(), r, "/dev/sda1", "/dev/sda2", "ext4")
		require.NoError(t, err)
		assert.Contains(t, r.calls, "mkfs.fat -F32 /dev/sda1")
		assert.Contains(t, r.calls, "mkfs.ext4 -F /dev/sda2")
	})
	t.Run("missing root signature fails", func(t *testing.T) {
		r := &fakeRunner{results: map[string]string{
			"blkid -s TYPE -o value /dev/sda1": "vfat\n",
			"blkid -s TYPE -o value /dev/sda2": "\n",
		}}
		err := MakeFilesystems(context.Background(), r, "/dev/sda1", "/dev/sda2", "ext4")
		var de *DeviceError
		require.ErrorAs(t, err, &de)
	})
	t.Run("unsupported filesystem rejected", func(t *testing.T) {
		r := &fakeRunner{}
		err := MakeFilesystems(context.Background(), r, "/dev/sda1", "/dev/sda2", "ntfs")
		require.Error(t, err)
		assert.Empty(t, r.calls, "no tool ran for a rejected filesystem")
	})
}

func TestIsMountPoint(t *testing.T) {
	rootIs, err := IsMountPoint("/")
	require.NoError(t, err)
	assert.True(t, rootIs)

	dirIs, err := IsMountPoint(t.TempDir())
	require.NoError(t, err)
	assert.False(t, dirIs)
}

func TestTeardownIsIdempotentOnCleanSystem(t *testing.T) {
	initTestLog(t)
	r := &fakeRunner{}
	// Nothing mounted under the staging root: teardown has nothing to
	// unmount and must not error, run after run.
	require.NoError(t, Teardown(context.Background(), r, t.TempDir()))
	require.NoError(t, Teardown(context.Background(), r, t.TempDir()))
	for _, c := range r.calls {
		assert.NotContains(t, c, "umount")
	}
}

func TestWaitForNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.NoError(t, WaitForNode(path))
}
