// Package passfile implements the encrypted credential container: a
// self-describing file carrying its own KDF parameters so a decrypting side
// never needs out-of-band knowledge of how it was produced. Keys are derived
// with PBKDF2-SHA256 and the payload is sealed with AES-256-GCM, so any
// tampering or wrong passphrase fails closed at the authentication check.
package passfile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// FormatVersion is bumped on any incompatible envelope change.
	FormatVersion = 1

	kdfName    = "pbkdf2-sha256"
	cipherName = "aes-256-gcm"

	// MinIterations is the floor for newly created containers; existing
	// containers decrypt with whatever their header declares.
	MinIterations     = 100000
	DefaultIterations = 600000

	saltLen = 16
	keyLen  = 32
)

// Container is the on-disk envelope. Binary fields are base64 in the JSON
// encoding so the file stays printable.
type Container struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Cipher     string `json:"cipher"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// DecryptionError covers a wrong passphrase, a corrupt container, and any
// parse failure of the decrypted payload. Callers must treat all three the
// same: the container yielded nothing usable.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string { return "cannot decrypt container: " + e.Reason }

// Create seals plaintext under the passphrase with a fresh salt and nonce.
// Re-encrypting the same payload always produces a new container.
func Create(plaintext []byte, passphrase string, iterations int) (*Container, error) {
	if passphrase == "" {
		return nil, errors.New("container passphrase must not be empty")
	}
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return nil, errors.Errorf("kdf iteration count %d below minimum %d", iterations, MinIterations)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "reading salt entropy")
	}
	gcm, err := newAEAD(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "reading nonce entropy")
	}
	return &Container{
		Version:    FormatVersion,
		KDF:        kdfName,
		Iterations: iterations,
		Salt:       salt,
		Cipher:     cipherName,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open re-derives the key from the container's own parameters and returns
// the plaintext. Any integrity or parameter failure yields a
// DecryptionError and no partial payload.
func Open(c *Container, passphrase string) ([]byte, error) {
	if err := checkHeader(c); err != nil {
		return nil, err
	}
	gcm, err := newAEAD(passphrase, c.Salt, c.Iterations)
	if err != nil {
		return nil, err
	}
	if len(c.Nonce) != gcm.NonceSize() {
		return nil, &DecryptionError{Reason: "bad nonce length"}
	}
	plaintext, err := gcm.Open(nil, c.Nonce, c.Ciphertext, nil)
	if err != nil {
		// Wrong passphrase and tampered ciphertext are
		// indistinguishable here, which is the point.
		return nil, &DecryptionError{Reason: "authentication failed (wrong passphrase or corrupt file)"}
	}
	return plaintext, nil
}

// Verify is the pre-flight diagnostic: structural header check plus a trial
// decrypt whose plaintext must be a JSON object carrying non-empty
// user_password and root_password fields. The plaintext is discarded.
func Verify(c *Container, passphrase string) error {
	plaintext, err := Open(c, passphrase)
	if err != nil {
		return err
	}
	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return &DecryptionError{Reason: "payload is not a credential bundle"}
	}
	for _, key := range []string{"user_password", "root_password"} {
		if fields[key] == "" {
			return &DecryptionError{Reason: "payload is missing required field " + key}
		}
	}
	return nil
}

func checkHeader(c *Container) error {
	switch {
	case c.Version != FormatVersion:
		return &DecryptionError{Reason: "unknown format version"}
	case c.KDF != kdfName:
		return &DecryptionError{Reason: "unknown key derivation function " + c.KDF}
	case c.Cipher != cipherName:
		return &DecryptionError{Reason: "unknown cipher " + c.Cipher}
	case c.Iterations <= 0:
		return &DecryptionError{Reason: "invalid iteration count"}
	case len(c.Salt) == 0:
		return &DecryptionError{Reason: "missing salt"}
	}
	return nil
}

func newAEAD(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "initializing cipher")
	}
	return cipher.NewGCM(block)
}

// WriteFile stores the container with owner-only permissions.
func WriteFile(path string, c *Container) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding container")
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	// WriteFile permissions are subject to umask; make 0600 unconditional.
	return errors.Wrapf(os.Chmod(path, 0o600), "restricting %s", path)
}

// ReadFile loads a container from disk. A structurally unreadable file is a
// DecryptionError so file mode never falls through silently.
func ReadFile(path string) (*Container, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	c := &Container{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, &DecryptionError{Reason: "not a credential container"}
	}
	return c, nil
}
