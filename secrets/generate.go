package secrets

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%&*?" // shell-safe

	allChars = lowerChars + upperChars + digitChars + symbolChars

	// GeneratedPasswordLen is used for account passwords,
	// GeneratedPassphraseLen for the disk encryption passphrase.
	GeneratedPasswordLen   = 20
	GeneratedPassphraseLen = 24
)

// Generate produces a cryptographically random secret of the given length
// drawn from all four character classes. One character from each class is
// guaranteed so the result always satisfies the complexity policy.
func Generate(length int) (string, error) {
	if length < MinPasswordLen {
		return "", errors.Errorf("generated secret length %d below policy minimum %d", length, MinPasswordLen)
	}
	out := make([]byte, length)
	// Seed one character per class, fill the rest from the full alphabet,
	// then shuffle so class characters do not sit at fixed positions.
	for i, set := range []string{lowerChars, upperChars, digitChars, symbolChars} {
		c, err := randChar(set)
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	for i := 4; i < length; i++ {
		c, err := randChar(allChars)
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

func randChar(set string) (byte, error) {
	i, err := randInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, errors.Wrap(err, "reading system entropy")
	}
	return int(v.Int64()), nil
}
