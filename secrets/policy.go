package secrets

import (
	"unicode"

	"github.com/pkg/errors"
)

const (
	// MinPasswordLen applies to the user and root account passwords.
	MinPasswordLen = 8
	// MinPassphraseLen applies to the disk encryption passphrase.
	MinPassphraseLen = 12
	// MinClasses of {lower, upper, digit, symbol} that must be present.
	MinClasses = 3
)

// PolicyError reports a secret that fails the password policy. The value
// itself is never included.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "weak secret: " + e.Reason }

// CheckPassword enforces the account password policy: minimum length plus a
// minimum number of distinct character classes.
func CheckPassword(pw string) error {
	if len(pw) < MinPasswordLen {
		return &PolicyError{Reason: "shorter than 8 characters"}
	}
	if classes(pw) < MinClasses {
		return &PolicyError{Reason: "needs at least 3 of: lowercase, uppercase, digit, symbol"}
	}
	return nil
}

// CheckPassphrase enforces the disk encryption passphrase policy. Length is
// the only requirement; LUKS passphrases are commonly diceware-style.
func CheckPassphrase(pp string) error {
	if len(pp) < MinPassphraseLen {
		return &PolicyError{Reason: "shorter than 12 characters"}
	}
	return nil
}

func classes(s string) int {
	var lower, upper, digit, symbol bool
	for _, r := range s {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	n := 0
	for _, ok := range []bool{lower, upper, digit, symbol} {
		if ok {
			n++
		}
	}
	return n
}

// IsPolicyViolation reports whether err is a policy failure, as opposed to an
// I/O or resolution failure. Interactive mode re-prompts on policy
// violations instead of failing the run.
func IsPolicyViolation(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
