// Package secrets resolves the credential bundle a deployment run consumes:
// the primary user and root passwords, the disk encryption passphrase, and
// optional Wi-Fi credentials. Resolution strategies are tried in a fixed
// order and produce exactly one validated bundle per run.
package secrets

import (
	"encoding/json"
	"os"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
)

var seclog log.Logger

func Init(l log.Logger) {
	seclog = l.Package("secrets")
}

// Environment variable names consumed by env mode and exported to the
// configuration-management engine during handoff.
const (
	EnvUserPassword   = "CRUCIBLE_USER_PASSWORD"
	EnvRootPassword   = "CRUCIBLE_ROOT_PASSWORD"
	EnvLUKSPassphrase = "CRUCIBLE_LUKS_PASSPHRASE"
	EnvWifiSSID       = "CRUCIBLE_WIFI_SSID"
	EnvWifiPassword   = "CRUCIBLE_WIFI_PASSWORD"

	// EnvFilePassphrase unlocks the encrypted credential container in
	// file mode. It is never part of the bundle itself.
	EnvFilePassphrase = "CRUCIBLE_FILE_PASSPHRASE"
)

// Bundle holds every secret a run needs. It is created once, held only in
// process memory, and scrubbed on every exit path.
type Bundle struct {
	UserPassword   string `json:"user_password"`
	RootPassword   string `json:"root_password"`
	LUKSPassphrase string `json:"luks_passphrase,omitempty"`
	WifiSSID       string `json:"wifi_ssid,omitempty"`
	WifiPassword   string `json:"wifi_password,omitempty"`

	resolved bool
}

// Resolved reports whether the bundle passed validation and was populated by
// the resolver. The provisioner refuses to run against an unresolved bundle.
func (b *Bundle) Resolved() bool { return b.resolved }

// Validate applies the password policy. The LUKS passphrase is only checked
// when encryption is requested for the run.
func (b *Bundle) Validate(encryption bool) error {
	if err := CheckPassword(b.UserPassword); err != nil {
		return errors.Wrap(err, "user password")
	}
	if err := CheckPassword(b.RootPassword); err != nil {
		return errors.Wrap(err, "root password")
	}
	if encryption {
		if err := CheckPassphrase(b.LUKSPassphrase); err != nil {
			return errors.Wrap(err, "luks passphrase")
		}
	}
	return nil
}

// Export writes the bundle into the process environment for the
// configuration-management engine handoff. The caller must pair this with
// Scrub so the variables do not outlive the child process.
func (b *Bundle) Export() {
	os.Setenv(EnvUserPassword, b.UserPassword)
	os.Setenv(EnvRootPassword, b.RootPassword)
	if b.LUKSPassphrase != "" {
		os.Setenv(EnvLUKSPassphrase, b.LUKSPassphrase)
	}
	if b.WifiSSID != "" {
		os.Setenv(EnvWifiSSID, b.WifiSSID)
	}
	if b.WifiPassword != "" {
		os.Setenv(EnvWifiPassword, b.WifiPassword)
	}
}

// Scrub zeroes the bundle fields and removes any exported variables from the
// environment. Safe to call more than once; deferred on every exit path.
func (b *Bundle) Scrub() {
	b.UserPassword = ""
	b.RootPassword = ""
	b.LUKSPassphrase = ""
	b.WifiSSID = ""
	b.WifiPassword = ""
	b.resolved = false
	for _, name := range []string{EnvUserPassword, EnvRootPassword, EnvLUKSPassphrase, EnvWifiSSID, EnvWifiPassword, EnvFilePassphrase} {
		os.Unsetenv(name)
	}
}

// Marshal serializes the bundle for the encrypted container.
func (b *Bundle) Marshal() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "serializing bundle")
	}
	return raw, nil
}

// Unmarshal parses a bundle decrypted from a container. The result is not
// marked resolved; the resolver validates it first.
func Unmarshal(raw []byte) (*Bundle, error) {
	b := &Bundle{}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, errors.Wrap(err, "parsing bundle")
	}
	return b, nil
}
