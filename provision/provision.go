// Package provision turns a target block device and a resolved credential
// bundle into a mounted, optionally encrypted root filesystem with a minimal
// operating system installed. It is a forward-only state machine; each
// transition tears down leftovers from prior interrupted runs before acting,
// so re-running against a half-provisioned disk is safe.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/block"
	"github.com/crucible-os/crucible/secrets"
	"github.com/crucible-os/crucible/shell"
)

var provlog log.Logger

func Init(l log.Logger) {
	provlog = l.Package("provision")
}

// Plan is the immutable disk plan for a run, derived once from configuration
// plus auto-detection before the provisioner starts.
type Plan struct {
	Device     string // whole-disk device path
	EFISizeMiB int
	Encrypt    bool
	Filesystem string // root filesystem type

	Hostname string
	Timezone string
	Locale   string
	Keymap   string
	Username string
}

// Installer populates the mounted root with the base system. Implemented by
// the mirror package's acquisition tier.
type Installer interface {
	InstallBase(ctx context.Context, root string) error
}

// StagingRoot is where the new root filesystem is mounted during the live
// phase.
const StagingRoot = "/mnt"

// Provisioner drives the state machine. One Provisioner exists per run; its
// state advances strictly forward and a failure is terminal for the run.
type Provisioner struct {
	runner    shell.Runner
	installer Installer
	plan      Plan
	bundle    *secrets.Bundle

	root       string // staging mountpoint
	liveRoot   string // where the record lands before the target is mounted
	checkMount func(string) (bool, error)
	state      State
	mounted    bool // target root verified mounted; decides where the record lands
	rec        Record

	esp     string // EFI partition node
	rootRaw string // raw root partition node
	rootDev string // device carrying the root fs (raw or mapped)
}

// New builds a Provisioner for one run.
func New(r shell.Runner, installer Installer, plan Plan, bundle *secrets.Bundle) *Provisioner {
	return &Provisioner{
		runner:     r,
		installer:  installer,
		plan:       plan,
		bundle:     bundle,
		root:       StagingRoot,
		liveRoot:   "/",
		checkMount: block.IsMountPoint,
		state:      Uninitialized,
		rec:        Record{RunID: uuid.New().String(), Device: plan.Device},
	}
}

// State returns the current provisioning state.
func (p *Provisioner) State() State { return p.state }

// RootDevice returns the device the root filesystem lives on: the mapped
// plaintext device when encryption is enabled, the raw partition otherwise.
// Empty until the formatted state is reached.
func (p *Provisioner) RootDevice() string { return p.rootDev }

// Run executes every transition through BaseInstalled. On failure the state
// is Failed and the returned error carries the failing state and device.
func (p *Provisioner) Run(ctx context.Context) error {
	if !p.bundle.Resolved() {
		return p.fail(Uninitialized, errors.New("credential bundle is not resolved"))
	}
	if p.plan.Encrypt {
		if err := secrets.CheckPassphrase(p.bundle.LUKSPassphrase); err != nil {
			return p.fail(Uninitialized, errors.Wrap(err, "encryption requested"))
		}
	}
	steps := []struct {
		next State
		run  func(context.Context) error
	}{
		{Partitioned, p.partition},
		{Encrypted, p.encrypt},
		{Formatted, p.format},
		{Mounted, p.mount},
		{BaseInstalled, p.baseInstall},
	}
	for _, step := range steps {
		if step.next == Encrypted && !p.plan.Encrypt {
			provlog.With("device", p.plan.Device).Info("encryption disabled, using raw partition")
			continue
		}
		if err := step.run(ctx); err != nil {
			return p.fail(step.next, err)
		}
		p.state = step.next
		p.persist()
		provlog.With("state", p.state.String(), "device", p.plan.Device).Info("state advanced")
	}
	return nil
}

func (p *Provisioner) fail(during State, err error) error {
	p.state = Failed
	p.persist()
	var de *block.DeviceError
	if !errors.As(err, &de) {
		err = &block.DeviceError{Device: p.plan.Device, Op: "provision", Err: err}
	}
	return errors.Wrapf(err, "entering state %s", during)
}

// persist writes the durable record. The location follows whether the target
// root is actually mounted, never the state value itself: a failure before
// the mount must land on the live system or the resumed orchestrator would
// only ever see the last successful state.
func (p *Provisioner) persist() {
	p.rec.State = p.state
	p.rec.RootDev = p.rootDev
	p.rec.Encrypted = p.plan.Encrypt
	root := p.liveRoot
	if p.mounted {
		root = p.root
	}
	if err := SaveRecord(root, p.rec); err != nil {
		provlog.With("state", p.state.String()).Info("could not persist state record: " + err.Error())
	}
}

// partition tears down any prior mounts or mappings, then writes the GPT
// table and waits for the partition nodes.
func (p *Provisioner) partition(ctx context.Context) error {
	if err := block.Teardown(ctx, p.runner, p.root); err != nil {
		return err
	}
	esp, root, err := block.Partition(ctx, p.runner, p.plan.Device, p.plan.EFISizeMiB)
	if err != nil {
		return err
	}
	p.esp, p.rootRaw = esp, root
	p.rootDev = root
	return nil
}

func (p *Provisioner) encrypt(ctx context.Context) error {
	if err := block.FormatLUKS(ctx, p.runner, p.rootRaw, p.bundle.LUKSPassphrase); err != nil {
		return err
	}
	mapped, err := block.OpenLUKS(ctx, p.runner, p.rootRaw, p.bundle.LUKSPassphrase)
	if err != nil {
		return err
	}
	p.rootDev = mapped
	return nil
}

func (p *Provisioner) format(ctx context.Context) error {
	return block.MakeFilesystems(ctx, p.runner, p.esp, p.rootDev, p.plan.Filesystem)
}

// mount mounts root, then boot under it. Each mount is verified by checking
// the directory actually became a mount point, not merely that the command
// exited zero.
func (p *Provisioner) mount(ctx context.Context) error {
	mounts := []struct {
		device string
		dir    string
	}{
		{p.rootDev, p.root},
		{p.esp, filepath.Join(p.root, "boot")},
	}
	for _, m := range mounts {
		if err := block.Mount(ctx, p.runner, m.device, m.dir); err != nil {
			return err
		}
		mounted, err := p.checkMount(m.dir)
		if err != nil {
			return &block.DeviceError{Device: m.device, Op: "verify mount " + m.dir, Err: err}
		}
		if !mounted {
			return &block.DeviceError{Device: m.device, Op: "verify mount " + m.dir, Err: errors.New("mount exited zero but directory is not a mount point")}
		}
	}
	p.mounted = true
	return nil
}

// baseInstall populates the root via the package acquisition tier, then
// writes the filesystem table, system identity, boot entry, and accounts.
func (p *Provisioner) baseInstall(ctx context.Context) error {
	if err := p.installer.InstallBase(ctx, p.root); err != nil {
		return err
	}
	if err := p.writeFstab(ctx); err != nil {
		return err
	}
	if err := p.configureIdentity(ctx); err != nil {
		return err
	}
	if err := p.installBootloader(ctx); err != nil {
		return err
	}
	return p.createAccounts(ctx)
}

func (p *Provisioner) writeFstab(ctx context.Context) error {
	rootUUID, err := block.UUID(ctx, p.runner, p.rootDev)
	if err != nil {
		return err
	}
	espUUID, err := block.UUID(ctx, p.runner, p.esp)
	if err != nil {
		return err
	}
	fstab := fmt.Sprintf("UUID=%s / %s rw,relatime 0 1\nUUID=%s /boot vfat rw,relatime,fmask=0137,dmask=0027 0 2\n",
		rootUUID, p.plan.Filesystem, espUUID)
	path := filepath.Join(p.root, "etc", "fstab")
	if err := os.WriteFile(path, []byte(fstab), 0o644); err != nil {
		return &block.DeviceError{Device: p.rootDev, Op: "write fstab", Err: err}
	}
	return nil
}

func (p *Provisioner) configureIdentity(ctx context.Context) error {
	files := map[string]string{
		"etc/hostname":      p.plan.Hostname + "\n",
		"etc/vconsole.conf": "KEYMAP=" + p.plan.Keymap + "\n",
		"etc/locale.conf":   "LANG=" + p.plan.Locale + "\n",
	}
	for rel, content := range files {
		if err := os.WriteFile(filepath.Join(p.root, rel), []byte(content), 0o644); err != nil {
			return &block.DeviceError{Device: p.rootDev, Op: "write " + rel, Err: err}
		}
	}
	if _, err := p.chroot(ctx, "", "ln", "-sf", "/usr/share/zoneinfo/"+p.plan.Timezone, "/etc/localtime"); err != nil {
		return err
	}
	localeGen := filepath.Join(p.root, "etc", "locale.gen")
	if err := appendLine(localeGen, p.plan.Locale+" UTF-8"); err != nil {
		return &block.DeviceError{Device: p.rootDev, Op: "write locale.gen", Err: err}
	}
	_, err := p.chroot(ctx, "", "locale-gen")
	return err
}

// installBootloader installs systemd-boot and writes a loader entry whose
// root specification matches the plan: the mapped encrypted device with the
// unlock parameter when encryption is on, the plain partition otherwise.
func (p *Provisioner) installBootloader(ctx context.Context) error {
	if _, err := p.chroot(ctx, "", "bootctl", "install"); err != nil {
		return err
	}
	options, err := p.bootOptions(ctx)
	if err != nil {
		return err
	}
	entry := strings.Join([]string{
		"title Linux",
		"linux /vmlinuz-linux",
		"initrd /initramfs-linux.img",
		"options " + options,
		"",
	}, "\n")
	entriesDir := filepath.Join(p.root, "boot", "loader", "entries")
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		return &block.DeviceError{Device: p.esp, Op: "create loader entries dir", Err: err}
	}
	if err := os.WriteFile(filepath.Join(entriesDir, "crucible.conf"), []byte(entry), 0o644); err != nil {
		return &block.DeviceError{Device: p.esp, Op: "write loader entry", Err: err}
	}
	loader := "default crucible.conf\ntimeout 3\n"
	if err := os.WriteFile(filepath.Join(p.root, "boot", "loader", "loader.conf"), []byte(loader), 0o644); err != nil {
		return &block.DeviceError{Device: p.esp, Op: "write loader.conf", Err: err}
	}
	return nil
}

// bootOptions builds the kernel command line root specification.
func (p *Provisioner) bootOptions(ctx context.Context) (string, error) {
	if !p.plan.Encrypt {
		rootUUID, err := block.UUID(ctx, p.runner, p.rootDev)
		if err != nil {
			return "", err
		}
		return "root=UUID=" + rootUUID + " rw", nil
	}
	// The LUKS header UUID lives on the raw partition, not the mapping.
	luksUUID, err := block.UUID(ctx, p.runner, p.rootRaw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rd.luks.name=%s=%s root=%s rw", luksUUID, block.MapperName, block.MappedPath), nil
}

// createAccounts creates the primary user and sets both passwords. Passwords
// are piped to chpasswd on stdin, never passed as arguments.
func (p *Provisioner) createAccounts(ctx context.Context) error {
	if _, err := p.chroot(ctx, "", "useradd", "-m", "-G", "wheel", "-s", "/bin/bash", p.plan.Username); err != nil {
		return err
	}
	creds := fmt.Sprintf("root:%s\n%s:%s\n", p.bundle.RootPassword, p.plan.Username, p.bundle.UserPassword)
	_, err := p.chroot(ctx, creds, "chpasswd")
	return err
}

func (p *Provisioner) chroot(ctx context.Context, stdin string, argv ...string) (string, error) {
	args := append([]string{p.root}, argv...)
	var out string
	var err error
	if stdin == "" {
		out, err = p.runner.Run(ctx, "arch-chroot", args...)
	} else {
		out, err = p.runner.RunInput(ctx, stdin, "arch-chroot", args...)
	}
	if err != nil {
		return out, &block.DeviceError{Device: p.rootDev, Op: "chroot " + argv[0], Err: err}
	}
	return out, nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
