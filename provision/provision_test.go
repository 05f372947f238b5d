package provision

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

	"github.com/crucible-os/crucible/block"
	"github.com/crucible-os/crucible/secrets"
)

// fakeRunner scripts command results by prefix match on "name args".
type fakeRunner struct {
	results map[string]string
	fail    map[string]bool
	calls   []string
	stdins  []string
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

func (f *fakeRunner) RunInput(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	f.stdins = append(f.stdins, stdin)
	return f.Run(ctx, name, args...)
}

// fakeInstaller stands in for the package acquisition tier: it fabricates the
// directory skeleton pacstrap would create.
type fakeInstaller struct {
	called bool
	err    error
}

func (f *fakeInstaller) InstallBase(_ context.Context, root string) error {
	f.called = true
	if f.err != nil {
		return f.err
	}
	for _, dir := range []string{"etc", "boot"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// testBundle resolves a bundle through the env strategy so it arrives the
// same way a production bundle does.
func testBundle(t *testing.T, encrypt bool) *secrets.Bundle {
	t.Helper()
	t.Setenv(secrets.EnvUserPassword, "Us3r-secret!")
	t.Setenv(secrets.EnvRootPassword, "R00t-secret!")
	t.Setenv(secrets.EnvLUKSPassphrase, "unlock-Phrase-42")
	b, err := secrets.NewResolver().Resolve(secrets.ModeEnv, secrets.Options{Encryption: encrypt})
	require.NoError(t, err)
	return b
}

// testProvisioner builds a provisioner rooted entirely inside temp dirs: the
// "disk" is a plain file whose partition nodes the fake sgdisk creates, and
// mount verification is stubbed out.
func testProvisioner(t *testing.T, r *fakeRunner, inst Installer, plan Plan) *Provisioner {
	t.Helper()
	l := log.Test(t, "crucible")
	Init(l)
	secrets.Init(l)
	block.Init(l)

	p := New(r, inst, plan, testBundle(t, plan.Encrypt))
	p.root = filepath.Join(t.TempDir(), "staging")
	p.liveRoot = t.TempDir()
	p.checkMount = func(string) (bool, error) { return true, nil }
	return p
}

func testPlan(t *testing.T, encrypt bool) Plan {
	t.Helper()
	diskDir := t.TempDir()
	device := filepath.Join(diskDir, "sda")
	require.NoError(t, os.WriteFile(device, nil, 0o644))
	return Plan{
		Device:     device,
		EFISizeMiB: 512,
		Encrypt:    encrypt,
		Filesystem: "ext4",
		Hostname:   "testhost",
		Timezone:   "UTC",
		Locale:     "en_US.UTF-8",
		Keymap:     "us",
		Username:   "alice",
	}
}

func scriptedRunner(device string) *fakeRunner {
	r := &fakeRunner{
		results: map[string]string{
			"blkid -s TYPE -o value " + device + "1": "vfat\n",
			"blkid -s TYPE -o value " + device + "2": "ext4\n",
			"blkid -s UUID -o value " + device + "1": "AAAA-1111\n",
			"blkid -s UUID -o value " + device + "2": "bbbb-2222-cccc\n",
		},
	}
	r.onCall = func(cmdline string) {
		if strings.HasPrefix(cmdline, "sgdisk --clear") {
			os.WriteFile(device+"1", nil, 0o644)
			os.WriteFile(device+"2", nil, 0o644)
		}
	}
	return r
}

func TestRunUnencryptedReachesBaseInstalled(t *testing.T) {
	plan := testPlan(t, false)
	r := scriptedRunner(plan.Device)
	inst := &fakeInstaller{}
	p := testProvisioner(t, r, inst, plan)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, BaseInstalled, p.State())
	assert.Equal(t, plan.Device+"2", p.RootDevice())
	assert.True(t, inst.called)

	// No cryptsetup involvement on the unencrypted path.
	for _, c := range r.calls {
		assert.NotContains(t, c, "cryptsetup")
	}

	// Identity files landed under the staging root.
	hostname, err := os.ReadFile(filepath.Join(p.root, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "testhost\n", string(hostname))

	fstab, err := os.ReadFile(filepath.Join(p.root, "etc", "fstab"))
	require.NoError(t, err)
	assert.Contains(t, string(fstab), "UUID=bbbb-2222-cccc / ext4")
	assert.Contains(t, string(fstab), "UUID=AAAA-1111 /boot vfat")

	// The boot entry points at the plain partition by UUID.
	entry, err := os.ReadFile(filepath.Join(p.root, "boot", "loader", "entries", "crucible.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(entry), "root=UUID=bbbb-2222-cccc rw")
	assert.NotContains(t, string(entry), "rd.luks.name")

	// Passwords traveled on stdin only, never in argv.
	for _, c := range r.calls {
		assert.NotContains(t, c, "secret!")
	}
	require.NotEmpty(t, r.stdins)
	assert.Contains(t, r.stdins[len(r.stdins)-1], "root:R00t-secret!\n")
	assert.Contains(t, r.stdins[len(r.stdins)-1], "alice:Us3r-secret!\n")

	// Durable record under the installed root.
	rec, ok, err := LoadRecord(p.root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, BaseInstalled, rec.State)
	assert.Equal(t, "base-installed", rec.StateName)
	assert.NotEmpty(t, rec.RunID)
}

func TestRunEncryptedFormatsLUKSBeforeFilesystem(t *testing.T) {
	plan := testPlan(t, true)
	r := scriptedRunner(plan.Device)
	// Encryption interposes the mapper device; since the mapped node cannot
	// materialize in a test, stop the run right after the LUKS format and
	// verify ordering up to that point.
	r.fail = map[string]bool{"cryptsetup open": true}
	p := testProvisioner(t, r, &fakeInstaller{}, plan)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, p.State())
	assert.Contains(t, err.Error(), "entering state encrypted")

	var sawFormat bool
	for _, c := range r.calls {
		if strings.HasPrefix(c, "cryptsetup luksFormat --type luks2 --batch-mode --key-file=- "+plan.Device+"2") {
			sawFormat = true
		}
		assert.NotContains(t, c, "unlock-Phrase-42", "passphrase must never reach argv")
	}
	assert.True(t, sawFormat)
	require.NotEmpty(t, r.stdins)
	assert.Equal(t, "unlock-Phrase-42", r.stdins[0])
}

func TestRunRejectsUnresolvedBundle(t *testing.T) {
	plan := testPlan(t, false)
	p := testProvisioner(t, scriptedRunner(plan.Device), &fakeInstaller{}, plan)
	p.bundle = &secrets.Bundle{}

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, p.State())
	assert.Contains(t, err.Error(), "entering state uninitialized")
}

func TestRunEncryptedRejectsWeakPassphrase(t *testing.T) {
	plan := testPlan(t, true)
	r := scriptedRunner(plan.Device)
	p := testProvisioner(t, r, &fakeInstaller{}, plan)
	p.bundle.LUKSPassphrase = "short"

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, p.State())
	// Refused before any disk command ran.
	assert.Empty(t, r.calls)
}

func TestRunFailsAtFormat(t *testing.T) {
	plan := testPlan(t, false)
	r := scriptedRunner(plan.Device)
	r.fail = map[string]bool{"mkfs.ext4": true}
	p := testProvisioner(t, r, &fakeInstaller{}, plan)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, p.State())
	assert.Contains(t, err.Error(), "entering state formatted")
	var de *block.DeviceError
	require.ErrorAs(t, err, &de)

	// The failure is durable: the live-root record says failed.
	rec, ok, loadErr := LoadRecord(p.liveRoot)
	require.NoError(t, loadErr)
	require.True(t, ok)
	assert.Equal(t, Failed, rec.State)
}

func TestRunFailsAfterMountPersistsOnTarget(t *testing.T) {
	plan := testPlan(t, false)
	r := scriptedRunner(plan.Device)
	p := testProvisioner(t, r, &fakeInstaller{err: errors.New("mirror went away")}, plan)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, p.State())

	// The target was mounted, so the failed record belongs on it.
	rec, ok, loadErr := LoadRecord(p.root)
	require.NoError(t, loadErr)
	require.True(t, ok)
	assert.Equal(t, Failed, rec.State)
}

func TestRunFailsWhenMountDoesNotStick(t *testing.T) {
	plan := testPlan(t, false)
	r := scriptedRunner(plan.Device)
	p := testProvisioner(t, r, &fakeInstaller{}, plan)
	p.checkMount = func(string) (bool, error) { return false, nil }

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entering state mounted")
	assert.Contains(t, err.Error(), "not a mount point")
}

func TestBootOptionsEncrypted(t *testing.T) {
	plan := testPlan(t, true)
	r := &fakeRunner{results: map[string]string{
		"blkid -s UUID": "dddd-3333\n",
	}}
	p := testProvisioner(t, r, &fakeInstaller{}, plan)
	p.rootRaw = plan.Device + "2"
	p.rootDev = block.MappedPath

	options, err := p.bootOptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rd.luks.name=dddd-3333=cryptroot root=/dev/mapper/cryptroot rw", options)
}

func TestRecordRoundTrip(t *testing.T) {
	root := t.TempDir()

	_, ok, err := LoadRecord(root)
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{RunID: "run-1", State: Mounted, Device: "/dev/sda", RootDev: "/dev/sda2"}
	require.NoError(t, SaveRecord(root, rec))

	got, ok, err := LoadRecord(root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Mounted, got.State)
	assert.Equal(t, "mounted", got.StateName)
	assert.Equal(t, "/dev/sda", got.Device)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStateStrings(t *testing.T) {
	for state, want := range map[State]string{
		Uninitialized: "uninitialized",
		Partitioned:   "partitioned",
		Encrypted:     "encrypted",
		Formatted:     "formatted",
		Mounted:       "mounted",
		BaseInstalled: "base-installed",
		Configured:    "configured",
		Failed:        "failed",
	} {
		assert.Equal(t, want, state.String())
	}
}
