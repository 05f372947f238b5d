// Package pipeline sequences a deployment run: network confirmation, secrets
// resolution, disk provisioning, and — after the reboot into the installed
// system — the handoff to the external configuration-management engine. The
// orchestrator is the only component aware of the reboot discontinuity; it
// decides which side it is on from environment markers, never by assuming a
// single continuous process.
package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/block"
	"github.com/crucible-os/crucible/conf"
	"github.com/crucible-os/crucible/mirror"
	"github.com/crucible-os/crucible/provision"
	"github.com/crucible-os/crucible/secrets"
	"github.com/crucible-os/crucible/shell"
)

var pipelog log.Logger

func Init(l log.Logger) {
	pipelog = l.Package("pipeline")
}

// Phase is which side of the reboot boundary we are running on.
type Phase int

const (
	PhaseLive Phase = iota
	PhaseInstalled
)

func (p Phase) String() string {
	if p == PhaseInstalled {
		return "installed"
	}
	return "live"
}

// liveMarker is present only inside the live installation environment.
var liveMarker = "/run/archiso"

// EnvPhase overrides detection, for development and tests.
const EnvPhase = "CRUCIBLE_PHASE"

// DetectPhase inspects environment markers to decide which phase this
// process belongs to.
func DetectPhase() Phase {
	switch os.Getenv(EnvPhase) {
	case "live":
		return PhaseLive
	case "installed":
		return PhaseInstalled
	}
	if _, err := os.Stat(liveMarker); err == nil {
		return PhaseLive
	}
	if rec, ok, _ := provision.LoadRecord("/"); ok && rec.State >= provision.BaseInstalled {
		return PhaseInstalled
	}
	return PhaseLive
}

// NetworkError is surfaced only after bounded retries and operator guidance.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network unavailable: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// Canceled marks a run the operator declined or interrupted.
var Canceled = errors.New("run canceled by operator")

// Orchestrator owns the run: the single credential bundle, the single
// provisioning state, and every fatal-versus-fallback decision.
type Orchestrator struct {
	Runner   shell.Runner
	Config   *conf.Config
	Resolver *secrets.Resolver
	Mode     secrets.Mode
	FilePath string // credential container path, if any
	ConfPath string // path the config was loaded from, copied to the target

	// execEngine invokes the configuration-management engine; swapped in
	// tests.
	execEngine func(ctx context.Context, argv []string) error

	bundle *secrets.Bundle
}

type stage struct {
	name string
	run  func(context.Context) error
}

// Run executes the phase-appropriate stages. The credential bundle is
// scrubbed on every exit path.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		if o.bundle != nil {
			o.bundle.Scrub()
		}
	}()
	phase := DetectPhase()
	pipelog.With("phase", phase.String()).Info("starting deployment run")

	var stages []stage
	if phase == PhaseLive {
		stages = []stage{
			{"network", o.checkNetwork},
			{"timesync", o.waitTimeSync},
			{"secrets", o.resolveSecrets},
			{"provision", o.provisionDisk},
			{"reboot", o.maybeReboot},
		}
	} else {
		stages = []stage{
			{"secrets", o.resolveSecrets},
			{"configure", o.handoff},
			{"validate", o.validate},
		}
	}
	for _, s := range stages {
		if ctx.Err() != nil {
			return Canceled
		}
		pipelog.With("stage", s.name).Info("stage starting")
		if err := s.run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return Canceled
			}
			return errors.Wrapf(err, "stage %s", s.name)
		}
		pipelog.With("stage", s.name).Info("stage complete")
	}
	return nil
}

// Cleanup is the signal-driven teardown path: unmount the staging tree and
// close encryption mappings so an interrupted run leaves the disk in a state
// idempotent re-entry can handle.
func (o *Orchestrator) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := block.Teardown(ctx, o.Runner, provision.StagingRoot); err != nil {
		pipelog.Info("cleanup teardown incomplete: " + err.Error())
	}
}

func (o *Orchestrator) resolveSecrets(context.Context) error {
	b, err := o.Resolver.Resolve(o.Mode, secrets.Options{
		FilePath:   o.FilePath,
		Encryption: o.Config.EncryptDisk(),
		NeedWifi:   o.Config.Network.Wifi,
	})
	if err != nil {
		return err
	}
	o.bundle = b
	return nil
}

func (o *Orchestrator) provisionDisk(ctx context.Context) error {
	plan, err := o.buildPlan()
	if err != nil {
		return err
	}
	if err := o.confirm(plan); err != nil {
		return err
	}
	ranker := &mirror.Ranker{Runner: o.Runner, Config: mirror.Config{
		StatusURL:     o.Config.Mirror.StatusURL,
		CompletionPct: o.Config.Mirror.CompletionPct,
		MaxSources:    o.Config.Mirror.MaxSources,
		Country:       o.Config.Mirror.Country,
	}}
	tier, err := ranker.Rank(ctx)
	if err != nil {
		return err
	}
	pipelog.With("tier", tier).Info("package sources ready")

	installer := &mirror.Installer{Runner: o.Runner, Extra: o.Config.Packages.Extra}
	prov := provision.New(o.Runner, installer, plan, o.bundle)
	if err := prov.Run(ctx); err != nil {
		return err
	}
	if installer.Degraded {
		pipelog.Info("base system installed from a reduced package set")
	}
	return o.stageHandoffFiles()
}

// buildPlan derives the immutable disk plan from configuration plus
// auto-detection.
func (o *Orchestrator) buildPlan() (provision.Plan, error) {
	device := o.Config.Disk.Device
	if device == "" {
		disk, err := block.Discover()
		if err != nil {
			return provision.Plan{}, err
		}
		device = disk.Path
	}
	return provision.Plan{
		Device:     device,
		EFISizeMiB: o.Config.Disk.EFISizeMiB,
		Encrypt:    o.Config.EncryptDisk(),
		Filesystem: o.Config.Disk.Filesystem,
		Hostname:   o.Config.System.Hostname,
		Timezone:   o.Config.System.Timezone,
		Locale:     o.Config.System.Locale,
		Keymap:     o.Config.System.Keymap,
		Username:   o.Config.User.Name,
	}, nil
}

// confirm pauses before the destructive step unless automation disabled the
// pause.
func (o *Orchestrator) confirm(plan provision.Plan) error {
	if o.Config.Automation.SkipConfirm {
		return nil
	}
	answer, err := o.Resolver.Prompter.Line("About to ERASE " + plan.Device + ". Type 'yes' to continue")
	if err != nil {
		return err
	}
	if answer != "yes" {
		return Canceled
	}
	return nil
}

// stageHandoffFiles copies the configuration onto the target so the
// installed-phase process finds it at the default path.
func (o *Orchestrator) stageHandoffFiles() error {
	src := o.ConfPath
	if src == "" {
		src = conf.DefaultPath
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", src)
	}
	dst := filepath.Join(provision.StagingRoot, conf.DefaultPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(dst))
	}
	return errors.Wrapf(os.WriteFile(dst, raw, 0o644), "writing %s", dst)
}

func (o *Orchestrator) maybeReboot(ctx context.Context) error {
	if !o.Config.Automation.AutoReboot {
		pipelog.Info("base install complete; reboot into the installed system and run crucible again to finish configuration")
		return nil
	}
	_, err := o.Runner.Run(ctx, "systemctl", "reboot")
	return err
}

// handoff invokes the external configuration-management engine with the
// credential bundle exported as environment for exactly the child's
// lifetime.
func (o *Orchestrator) handoff(ctx context.Context) error {
	rec, ok, err := provision.LoadRecord("/")
	if err != nil {
		return err
	}
	if !ok || rec.State < provision.BaseInstalled {
		return errors.New("no completed base install found on this system")
	}
	if rec.State >= provision.Configured {
		pipelog.With("run_id", rec.RunID).Info("system already configured, nothing to do")
		return nil
	}
	o.bundle.Export()
	defer o.bundle.Scrub()
	run := o.execEngine
	if run == nil {
		run = runEngine
	}
	if err := run(ctx, o.Config.Engine.Command); err != nil {
		return errors.Wrap(err, "configuration engine")
	}
	rec.State = provision.Configured
	return SaveState(rec)
}

// SaveState persists the installed-phase state record.
func SaveState(rec provision.Record) error {
	return provision.SaveRecord("/", rec)
}

func runEngine(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// validate performs post-install checks: the primary user exists and the
// hostname took effect.
func (o *Orchestrator) validate(context.Context) error {
	passwd, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return errors.Wrap(err, "reading passwd")
	}
	if !hasUser(string(passwd), o.Config.User.Name) {
		return errors.Errorf("user %s missing after configuration", o.Config.User.Name)
	}
	pipelog.Info("post-install validation passed")
	return nil
}

// hasUser scans passwd content for an exact username match.
func hasUser(passwd, name string) bool {
	for _, line := range strings.Split(passwd, "\n") {
		if strings.HasPrefix(line, name+":") {
			return true
		}
	}
	return false
}
