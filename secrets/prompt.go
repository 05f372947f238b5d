package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Prompter collects values from the operator. The terminal implementation
// masks secret input; tests substitute a scripted fake.
type Prompter interface {
	// Secret reads one masked value.
	Secret(label string) (string, error)
	// Line reads one echoed value (usernames, SSIDs).
	Line(label string) (string, error)
}

type termPrompter struct{}

// NewPrompter returns a Prompter reading from the controlling terminal.
func NewPrompter() Prompter {
	return termPrompter{}
}

func (termPrompter) Secret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use env, file, or generate mode")
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "reading masked input")
	}
	return string(raw), nil
}

func (termPrompter) Line(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "reading input")
	}
	return strings.TrimSpace(line), nil
}

// promptConfirmed reads a secret twice and re-prompts until both entries
// match and the policy check passes. maxTries bounds operator patience.
func promptConfirmed(p Prompter, label string, check func(string) error) (string, error) {
	const maxTries = 3
	for try := 0; try < maxTries; try++ {
		v, err := p.Secret("Enter " + label)
		if err != nil {
			return "", err
		}
		if err := check(v); err != nil {
			if !IsPolicyViolation(err) {
				return "", err
			}
			fmt.Fprintf(os.Stderr, "%s\n", err)
			continue
		}
		again, err := p.Secret("Confirm " + label)
		if err != nil {
			return "", err
		}
		if v != again {
			fmt.Fprintln(os.Stderr, "entries do not match, try again")
			continue
		}
		return v, nil
	}
	return "", errors.Errorf("no acceptable %s after %d attempts", label, maxTries)
}
