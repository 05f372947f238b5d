package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/conf"
	"github.com/crucible-os/crucible/passfile"
	"github.com/crucible-os/crucible/pipeline"
	"github.com/crucible-os/crucible/secrets"
	"github.com/crucible-os/crucible/shell"
)

const name = "crucible"

type cliConfig struct {
	configPath     string
	passwordMode   string
	passwordFile   string
	filePassphrase string
	device         string
	yes            bool

	runner shell.Runner
}

func newCLI(cfg *cliConfig) *ffcli.Command {
	installFS := flag.NewFlagSet(name+" install", flag.ContinueOnError)
	addCommonFlags(cfg, installFS)
	installFS.StringVar(&cfg.device, "device", "", "target block device; auto-detects the largest suitable disk when empty")
	installFS.BoolVar(&cfg.yes, "yes", false, "skip the destructive-action confirmation")
	install := &ffcli.Command{
		Name:       "install",
		ShortUsage: name + " install [flags]",
		ShortHelp:  "provision the disk and install the base system",
		FlagSet:    installFS,
		Options:    []ff.Option{ff.WithEnvVarPrefix(strings.ToUpper(name))},
		UsageFunc:  customUsageFunc,
		Exec: func(ctx context.Context, _ []string) error {
			return runInstall(ctx, cfg)
		},
	}

	createFS := flag.NewFlagSet(name+" passfile create", flag.ContinueOnError)
	addCommonFlags(cfg, createFS)
	outPath := createFS.String("out", "", "path to write the encrypted credential container")
	create := &ffcli.Command{
		Name:       "create",
		ShortUsage: name + " passfile create -out PATH [flags]",
		ShortHelp:  "create an encrypted credential container",
		FlagSet:    createFS,
		Options:    []ff.Option{ff.WithEnvVarPrefix(strings.ToUpper(name))},
		UsageFunc:  customUsageFunc,
		Exec: func(ctx context.Context, _ []string) error {
			return runPassfileCreate(ctx, cfg, *outPath)
		},
	}

	verifyFS := flag.NewFlagSet(name+" passfile verify", flag.ContinueOnError)
	verifyPath := verifyFS.String("file", "", "container to verify")
	verify := &ffcli.Command{
		Name:       "verify",
		ShortUsage: name + " passfile verify -file PATH",
		ShortHelp:  "check a credential container without using its contents",
		FlagSet:    verifyFS,
		Options:    []ff.Option{ff.WithEnvVarPrefix(strings.ToUpper(name))},
		UsageFunc:  customUsageFunc,
		Exec: func(ctx context.Context, _ []string) error {
			return runPassfileVerify(cfg, *verifyPath)
		},
	}

	passfileCmd := &ffcli.Command{
		Name:        "passfile",
		ShortUsage:  name + " passfile <subcommand>",
		ShortHelp:   "manage encrypted credential containers",
		Subcommands: []*ffcli.Command{create, verify},
		UsageFunc:   customUsageFunc,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	version := &ffcli.Command{
		Name:       "version",
		ShortUsage: name + " version",
		ShortHelp:  "print the build revision",
		Exec: func(context.Context, []string) error {
			fmt.Println(GitRev)
			return nil
		},
	}

	root := &ffcli.Command{
		Name:        name,
		ShortUsage:  name + " <subcommand> [flags]",
		LongHelp:    "Provision a blank machine into an encrypted, credentialed base system.",
		Subcommands: []*ffcli.Command{install, passfileCmd, version},
		UsageFunc:   customUsageFunc,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
	return root
}

func addCommonFlags(cfg *cliConfig, fs *flag.FlagSet) {
	fs.StringVar(&cfg.configPath, "config", "", "configuration file (default "+conf.DefaultPath+" when present)")
	fs.StringVar(&cfg.passwordMode, "password-mode", "auto", "credential resolution mode: auto, env, file, generate, or interactive")
	fs.StringVar(&cfg.passwordFile, "password-file", "", "encrypted credential container path (enables file mode in auto)")
	fs.StringVar(&cfg.filePassphrase, "file-passphrase", "", "container passphrase; prefer the "+secrets.EnvFilePassphrase+" environment variable")
}

func runInstall(ctx context.Context, cfg *cliConfig) error {
	mode, err := secrets.ParseMode(cfg.passwordMode)
	if err != nil {
		return err
	}
	c, err := conf.Load(cfg.configPath, cfg.configPath != "")
	if err != nil {
		return err
	}
	if cfg.device != "" {
		c.Disk.Device = cfg.device
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if cfg.yes {
		c.Automation.SkipConfirm = true
	}
	if cfg.filePassphrase != "" {
		os.Setenv(secrets.EnvFilePassphrase, cfg.filePassphrase)
	}
	o := &pipeline.Orchestrator{
		Runner:   cfg.runner,
		Config:   c,
		Resolver: secrets.NewResolver(),
		Mode:     mode,
		FilePath: cfg.passwordFile,
		ConfPath: cfg.configPath,
	}
	err = o.Run(ctx)
	if err != nil && pipeline.DetectPhase() == pipeline.PhaseLive {
		o.Cleanup()
	}
	return err
}

func runPassfileCreate(_ context.Context, cfg *cliConfig, outPath string) error {
	if outPath == "" {
		return errors.New("passfile create requires -out")
	}
	mode, err := secrets.ParseMode(cfg.passwordMode)
	if err != nil {
		return err
	}
	if mode == secrets.ModeFile {
		return errors.New("cannot create a container from file mode")
	}
	r := secrets.NewResolver()
	bundle, err := r.Resolve(mode, secrets.Options{Encryption: true})
	if err != nil {
		return err
	}
	defer bundle.Scrub()

	passphrase := cfg.filePassphrase
	if passphrase == "" {
		passphrase = os.Getenv(secrets.EnvFilePassphrase)
	}
	if passphrase == "" {
		passphrase, err = r.Prompter.Secret("Container passphrase")
		if err != nil {
			return err
		}
		again, err := r.Prompter.Secret("Confirm container passphrase")
		if err != nil {
			return err
		}
		if passphrase != again {
			return errors.New("container passphrase entries do not match")
		}
	}
	plaintext, err := bundle.Marshal()
	if err != nil {
		return err
	}
	container, err := passfile.Create(plaintext, passphrase, 0)
	if err != nil {
		return err
	}
	if err := passfile.WriteFile(outPath, container); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", outPath)
	return nil
}

func runPassfileVerify(cfg *cliConfig, path string) error {
	if path == "" {
		return errors.New("passfile verify requires -file")
	}
	container, err := passfile.ReadFile(path)
	if err != nil {
		return err
	}
	passphrase := cfg.filePassphrase
	if passphrase == "" {
		passphrase = os.Getenv(secrets.EnvFilePassphrase)
	}
	if passphrase == "" {
		passphrase, err = secrets.NewPrompter().Secret("Container passphrase")
		if err != nil {
			return err
		}
	}
	if err := passfile.Verify(container, passphrase); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: container ok\n", path)
	return nil
}

// customUsageFunc is a custom UsageFunc used for all commands.
func customUsageFunc(c *ffcli.Command) string {
	var b strings.Builder

	fmt.Fprintf(&b, "USAGE\n")
	if c.ShortUsage != "" {
		fmt.Fprintf(&b, "  %s\n", c.ShortUsage)
	} else {
		fmt.Fprintf(&b, "  %s\n", c.Name)
	}
	fmt.Fprintf(&b, "\n")

	if c.LongHelp != "" {
		fmt.Fprintf(&b, "%s\n\n", c.LongHelp)
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(&b, "SUBCOMMANDS\n")
		tw := tabwriter.NewWriter(&b, 0, 2, 2, ' ', 0)
		for _, subcommand := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", subcommand.Name, subcommand.ShortHelp)
		}
		tw.Flush()
		fmt.Fprintf(&b, "\n")
	}

	if c.FlagSet != nil && countFlags(c.FlagSet) > 0 {
		fmt.Fprintf(&b, "FLAGS\n")
		tw := tabwriter.NewWriter(&b, 0, 2, 2, ' ', 0)
		c.FlagSet.VisitAll(func(f *flag.Flag) {
			format := "  -%s\t%s\n"
			values := []interface{}{f.Name, f.Usage}
			if def := f.DefValue; def != "" {
				format = "  -%s\t%s (default %q)\n"
				values = []interface{}{f.Name, f.Usage, def}
			}
			fmt.Fprintf(tw, format, values...)
		})
		tw.Flush()
		fmt.Fprintf(&b, "\n")
	}

	return strings.TrimSpace(b.String()) + "\n"
}

func countFlags(fs *flag.FlagSet) (n int) {
	fs.VisitAll(func(*flag.Flag) { n++ })

	return n
}
