// Package shell runs the external provisioning tools (sgdisk, cryptsetup,
// mkfs, pacstrap, ...) with logging and context-based timeouts. Stdin
// payloads are never logged; that is how passphrases reach cryptsetup and
// chpasswd without showing up in argv or the log stream.
package shell

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
)

// Runner executes external commands. The concrete implementation shells out;
// tests substitute a fake to script tool behavior.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	RunInput(ctx context.Context, stdin, name string, args ...string) (string, error)
}

type execRunner struct {
	log log.Logger
}

// New returns a Runner backed by os/exec.
func New(l log.Logger) Runner {
	return &execRunner{log: l.Package("shell")}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.run(ctx, "", name, args...)
}

func (r *execRunner) RunInput(ctx context.Context, stdin, name string, args ...string) (string, error) {
	return r.run(ctx, stdin, name, args...)
}

func (r *execRunner) run(ctx context.Context, stdin, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	start := time.Now()
	out, err := cmd.CombinedOutput()
	l := r.log.With("cmd", name, "args", strings.Join(args, " "), "took", time.Since(start).Round(time.Millisecond))
	if err != nil {
		if ctx.Err() != nil {
			l.Info("command timed out or was cancelled")
			return string(out), errors.Wrapf(ctx.Err(), "running %s", name)
		}
		l.With("output", string(out)).Info("command failed")
		return string(out), errors.Wrapf(err, "running %s: %s", name, firstLine(out))
	}
	l.Debug("command ok")
	return string(out), nil
}

// RunTimeout runs a command under its own deadline, independent of how long
// the parent context has left. Used for the time-boxed mirror ranking and
// bulk package installation passes.
func RunTimeout(ctx context.Context, r Runner, timeout time.Duration, name string, args ...string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Run(tctx, name, args...)
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
