package mirror

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/shell"
)

// Package sets, largest first. A reduced set still produces a bootable
// system; the install is logged as degraded so later phases can react.
var (
	fullSet      = []string{"base", "linux", "linux-firmware", "sudo", "networkmanager", "vim", "openssh"}
	essentialSet = []string{"base", "linux", "linux-firmware", "sudo"}
	minimalSet   = []string{"base", "linux"}
)

// PackageAcquisitionError is returned only after every install tier is
// exhausted.
type PackageAcquisitionError struct {
	Tier string
	Err  error
}

func (e *PackageAcquisitionError) Error() string {
	return "package acquisition failed (last tier " + e.Tier + "): " + e.Err.Error()
}

func (e *PackageAcquisitionError) Unwrap() error { return e.Err }

// Installer performs the tiered base installation. It satisfies
// provision.Installer.
type Installer struct {
	Runner shell.Runner
	// Extra packages appended to the full set only.
	Extra []string

	// GnupgDir overrides the trust store location in tests.
	GnupgDir string
	// InstallTimeout bounds one pacstrap attempt.
	InstallTimeout time.Duration

	// Degraded is set when a reduced tier succeeded.
	Degraded bool

	keyringReset bool
}

const defaultGnupgDir = "/etc/pacman.d/gnupg"

// InstallBase bootstraps the signature trust store, then attempts the full
// package set, falling back to the essential and minimal sets.
func (in *Installer) InstallBase(ctx context.Context, root string) error {
	if err := in.bootstrapKeyring(ctx); err != nil {
		return err
	}
	timeout := in.InstallTimeout
	if timeout == 0 {
		timeout = 45 * time.Minute
	}
	tiers := []struct {
		name string
		pkgs []string
	}{
		{"full", append(append([]string{}, fullSet...), in.Extra...)},
		{"essential", essentialSet},
		{"minimal", minimalSet},
	}
	var lastErr error
	lastTier := tiers[0].name
	for i, tier := range tiers {
		args := append([]string{"-K", root}, tier.pkgs...)
		_, err := shell.RunTimeout(ctx, in.Runner, timeout, "pacstrap", args...)
		if err == nil {
			if i > 0 {
				in.Degraded = true
				mirrorlog.With("tier", tier.name).Info("degraded install: reduced package set; later phases may be missing packages")
			} else {
				mirrorlog.With("packages", len(tier.pkgs)).Info("full package set installed")
			}
			return nil
		}
		lastErr = err
		lastTier = tier.name
		mirrorlog.With("tier", tier.name).Info("package install tier failed: " + err.Error())
		if ctx.Err() != nil {
			break
		}
	}
	return &PackageAcquisitionError{Tier: lastTier, Err: lastErr}
}

// bootstrapKeyring verifies the package signature trust store and repairs
// it. A corrupt store is reset and reinitialized exactly once per run.
func (in *Installer) bootstrapKeyring(ctx context.Context) error {
	if in.keyringHealthy(ctx) {
		return nil
	}
	if _, err := in.Runner.Run(ctx, "pacman-key", "--init"); err == nil {
		if _, err := in.Runner.Run(ctx, "pacman-key", "--populate"); err == nil {
			return nil
		}
	}
	if in.keyringReset {
		return &PackageAcquisitionError{Tier: "keyring", Err: errors.New("trust store unusable after reset")}
	}
	in.keyringReset = true
	mirrorlog.Info("package trust store appears corrupt, resetting once")
	if err := os.RemoveAll(in.gnupgDir()); err != nil {
		return &PackageAcquisitionError{Tier: "keyring", Err: errors.Wrap(err, "removing trust store")}
	}
	if _, err := in.Runner.Run(ctx, "pacman-key", "--init"); err != nil {
		return &PackageAcquisitionError{Tier: "keyring", Err: err}
	}
	if _, err := in.Runner.Run(ctx, "pacman-key", "--populate"); err != nil {
		return &PackageAcquisitionError{Tier: "keyring", Err: err}
	}
	return nil
}

func (in *Installer) keyringHealthy(ctx context.Context) bool {
	if _, err := os.Stat(in.gnupgDir()); err != nil {
		return false
	}
	out, err := in.Runner.Run(ctx, "pacman-key", "--list-keys")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

func (in *Installer) gnupgDir() string {
	if in.GnupgDir != "" {
		return in.GnupgDir
	}
	return defaultGnupgDir
}
