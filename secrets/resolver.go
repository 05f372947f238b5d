package secrets

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/passfile"
)

// Mode selects a resolution strategy.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeEnv         Mode = "env"
	ModeFile        Mode = "file"
	ModeGenerate    Mode = "generate"
	ModeInteractive Mode = "interactive"
)

// UnknownModeError reports a password mode the CLI does not recognize:
// operator input, not a runtime resolution failure.
type UnknownModeError struct {
	Mode string
}

func (e *UnknownModeError) Error() string {
	return fmt.Sprintf("unknown password mode %q (want auto, env, file, generate, or interactive)", e.Mode)
}

// ParseMode validates a mode string from the CLI.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModeEnv, ModeFile, ModeGenerate, ModeInteractive:
		return m, nil
	}
	return "", &UnknownModeError{Mode: s}
}

// MissingSecretError lists every required environment variable that was
// absent. Env mode is all-or-nothing: partial environments never half-fill a
// bundle.
type MissingSecretError struct {
	Vars []string
}

func (e *MissingSecretError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Vars, ", ")
}

// Options carries per-run resolver inputs.
type Options struct {
	// FilePath locates the encrypted credential container for file mode.
	FilePath string
	// Encryption widens the required field set to the LUKS passphrase.
	Encryption bool
	// NeedWifi requires Wi-Fi credentials (no wired link available).
	NeedWifi bool
}

// Resolver produces the single per-run credential bundle. It is the only
// writer of that bundle.
type Resolver struct {
	Prompter Prompter

	// lookupEnv is swapped in tests.
	lookupEnv func(string) (string, bool)
}

// NewResolver returns a Resolver prompting on the controlling terminal.
func NewResolver() *Resolver {
	return &Resolver{Prompter: NewPrompter(), lookupEnv: os.LookupEnv}
}

// Resolve runs the selected strategy and returns a validated bundle. Auto
// tries env, then file (only when a container path was supplied), then falls
// back to interactive. Generate is never auto-selected: receiving generated
// credentials has to be a conscious operator choice.
func (r *Resolver) Resolve(mode Mode, opts Options) (*Bundle, error) {
	if r.lookupEnv == nil {
		r.lookupEnv = os.LookupEnv
	}
	switch mode {
	case ModeEnv:
		return r.fromEnv(opts)
	case ModeFile:
		return r.fromFile(opts)
	case ModeGenerate:
		return r.generate(opts)
	case ModeInteractive:
		return r.interactive(opts)
	case ModeAuto:
		// fallthrough below
	default:
		return nil, &UnknownModeError{Mode: string(mode)}
	}

	b, err := r.fromEnv(opts)
	if err == nil {
		return b, nil
	}
	var missing *MissingSecretError
	if !errors.As(err, &missing) {
		return nil, err
	}
	seclog.With("missing", len(missing.Vars)).Info("environment does not carry a full credential set")

	if opts.FilePath != "" {
		// A decryption failure must not fall through silently: the
		// operator pointed at a container, so a bad passphrase or
		// corrupt file is their problem to see.
		return r.fromFile(opts)
	}
	return r.interactive(opts)
}

func (r *Resolver) fromEnv(opts Options) (*Bundle, error) {
	b := &Bundle{}
	required := map[string]*string{
		EnvUserPassword: &b.UserPassword,
		EnvRootPassword: &b.RootPassword,
	}
	if opts.Encryption {
		required[EnvLUKSPassphrase] = &b.LUKSPassphrase
	}
	if opts.NeedWifi {
		required[EnvWifiSSID] = &b.WifiSSID
		required[EnvWifiPassword] = &b.WifiPassword
	}
	var missing []string
	for name, field := range required {
		v, ok := r.lookupEnv(name)
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		*field = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingSecretError{Vars: missing}
	}
	// Optional fields ride along when present.
	if !opts.NeedWifi {
		if v, ok := r.lookupEnv(EnvWifiSSID); ok {
			b.WifiSSID = v
		}
		if v, ok := r.lookupEnv(EnvWifiPassword); ok {
			b.WifiPassword = v
		}
	}
	if !opts.Encryption {
		if v, ok := r.lookupEnv(EnvLUKSPassphrase); ok {
			b.LUKSPassphrase = v
		}
	}
	return r.finish(b, opts, "env")
}

func (r *Resolver) fromFile(opts Options) (*Bundle, error) {
	if opts.FilePath == "" {
		return nil, errors.New("file mode requires a container path")
	}
	c, err := passfile.ReadFile(opts.FilePath)
	if err != nil {
		return nil, err
	}
	passphrase, err := r.filePassphrase()
	if err != nil {
		return nil, err
	}
	plaintext, err := passfile.Open(c, passphrase)
	if err != nil {
		return nil, err
	}
	b, err := Unmarshal(plaintext)
	if err != nil {
		return nil, &passfile.DecryptionError{Reason: "container payload is not a credential bundle"}
	}
	return r.finish(b, opts, "file")
}

// filePassphrase resolves the container passphrase itself: environment
// variable first, then a single masked prompt before failing.
func (r *Resolver) filePassphrase() (string, error) {
	if v, ok := r.lookupEnv(EnvFilePassphrase); ok && v != "" {
		return v, nil
	}
	v, err := r.Prompter.Secret("Container passphrase")
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", errors.Errorf("no container passphrase; set %s or enter one at the prompt", EnvFilePassphrase)
	}
	return v, nil
}

func (r *Resolver) generate(opts Options) (*Bundle, error) {
	b := &Bundle{}
	var err error
	if b.UserPassword, err = Generate(GeneratedPasswordLen); err != nil {
		return nil, err
	}
	if b.RootPassword, err = Generate(GeneratedPasswordLen); err != nil {
		return nil, err
	}
	if opts.Encryption {
		if b.LUKSPassphrase, err = Generate(GeneratedPassphraseLen); err != nil {
			return nil, err
		}
	}
	if opts.NeedWifi {
		return nil, errors.New("generate mode cannot invent Wi-Fi credentials; provide them via environment or interactively")
	}
	// Display is mandatory: generated secrets that are never shown are
	// unrecoverable. Written to stderr so stdout stays scriptable.
	fmt.Fprintln(os.Stderr, "Generated credentials -- record these now, they are not stored anywhere:")
	fmt.Fprintf(os.Stderr, "  user password:   %s\n", b.UserPassword)
	fmt.Fprintf(os.Stderr, "  root password:   %s\n", b.RootPassword)
	if opts.Encryption {
		fmt.Fprintf(os.Stderr, "  disk passphrase: %s\n", b.LUKSPassphrase)
	}
	return r.finish(b, opts, "generate")
}

func (r *Resolver) interactive(opts Options) (*Bundle, error) {
	b := &Bundle{}
	var err error
	if b.UserPassword, err = promptConfirmed(r.Prompter, "user password", CheckPassword); err != nil {
		return nil, err
	}
	if b.RootPassword, err = promptConfirmed(r.Prompter, "root password", CheckPassword); err != nil {
		return nil, err
	}
	if opts.Encryption {
		if b.LUKSPassphrase, err = promptConfirmed(r.Prompter, "disk passphrase", CheckPassphrase); err != nil {
			return nil, err
		}
	}
	if opts.NeedWifi {
		if b.WifiSSID, err = r.Prompter.Line("Wi-Fi network name"); err != nil {
			return nil, err
		}
		if b.WifiPassword, err = r.Prompter.Secret("Wi-Fi password"); err != nil {
			return nil, err
		}
	}
	return r.finish(b, opts, "interactive")
}

func (r *Resolver) finish(b *Bundle, opts Options, source string) (*Bundle, error) {
	if err := b.Validate(opts.Encryption); err != nil {
		return nil, err
	}
	b.resolved = true
	seclog.With("source", source).Info("credential bundle resolved")
	return b, nil
}
