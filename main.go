package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/block"
	"github.com/crucible-os/crucible/conf"
	"github.com/crucible-os/crucible/mirror"
	"github.com/crucible-os/crucible/passfile"
	"github.com/crucible-os/crucible/pipeline"
	"github.com/crucible-os/crucible/provision"
	"github.com/crucible-os/crucible/secrets"
	"github.com/crucible-os/crucible/shell"
)

var (
	mainlog log.Logger

	GitRev = "unknown (use make)"
)

// Exit codes. Non-zero codes distinguish operator input problems from
// machine problems from a deliberate cancellation.
const (
	exitOK          = 0
	exitBadInput    = 2
	exitEnvironment = 3
	exitCanceled    = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := &cliConfig{}
	cli := newCLI(cfg)
	if err := cli.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadInput
	}

	l, err := log.Init("github.com/crucible-os/crucible")
	if err != nil {
		panic(err)
	}
	defer l.Close()
	mainlog = l.Package("main")
	conf.Init(l)
	secrets.Init(l)
	block.Init(l)
	provision.Init(l)
	mirror.Init(l)
	pipeline.Init(l)
	mainlog.With("version", GitRev).Info("starting")

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()

	cfg.runner = shell.New(l)
	if err := cli.Run(ctx); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitBadInput
		}
		code := classify(err)
		if code == exitCanceled {
			mainlog.Info("run canceled, cleaning up")
		} else {
			mainlog.Error(err)
		}
		fmt.Fprintf(os.Stderr, "crucible: %s\n", err)
		return code
	}
	return exitOK
}

// classify maps the error taxonomy onto exit codes. The secret values
// themselves never appear in errors, so printing is safe.
func classify(err error) int {
	var (
		validation *conf.ValidationError
		badMode    *secrets.UnknownModeError
		policy     *secrets.PolicyError
		missing    *secrets.MissingSecretError
		decrypt    *passfile.DecryptionError
		device     *block.DeviceError
		pkgs       *mirror.PackageAcquisitionError
		network    *pipeline.NetworkError
	)
	switch {
	case errors.Is(err, pipeline.Canceled), errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.As(err, &validation), errors.As(err, &badMode),
		errors.As(err, &policy), errors.As(err, &missing),
		errors.As(err, &decrypt):
		return exitBadInput
	case errors.As(err, &device), errors.As(err, &pkgs), errors.As(err, &network):
		return exitEnvironment
	}
	return exitEnvironment
}
