// Package conf loads and validates the deployment configuration. The file is
// optional: a missing file at the default path yields documented defaults
// (interactive prompts cover the rest), but an explicitly requested file that
// cannot be read is an error. All validation happens up front so later
// pipeline stages never discover a malformed value mid-provisioning.
package conf

import (
	"os"
	"regexp"
	"strings"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/crucible-os/crucible/block"
)

var conflog log.Logger

func Init(l log.Logger) {
	conflog = l.Package("conf")
}

// DefaultPath is consulted when no -config flag is given.
const DefaultPath = "/etc/crucible/config.yaml"

// Config is the full deployment description.
type Config struct {
	System     System     `yaml:"system"`
	User       User       `yaml:"user"`
	Network    Network    `yaml:"network"`
	Disk       Disk       `yaml:"disk"`
	Mirror     Mirror     `yaml:"mirror"`
	Packages   Packages   `yaml:"packages"`
	Automation Automation `yaml:"automation"`
	Engine     Engine     `yaml:"engine"`
}

// System is the installed machine's identity.
type System struct {
	Hostname string `yaml:"hostname"`
	Timezone string `yaml:"timezone"`
	Locale   string `yaml:"locale"`
	Keymap   string `yaml:"keymap"`
}

// User is the primary (non-root) account to create.
type User struct {
	Name string `yaml:"name"`
}

// Network declares connectivity intent. Wifi marks that no wired link is
// expected, which makes Wi-Fi credentials required during secrets
// resolution.
type Network struct {
	Wifi bool `yaml:"wifi"`
}

// Disk is the input to the disk plan. An empty device means auto-detect the
// largest suitable block device.
type Disk struct {
	Device     string `yaml:"device"`
	EFISizeMiB int    `yaml:"efi_size_mib"`
	Encrypt    *bool  `yaml:"encrypt"`
	Filesystem string `yaml:"filesystem"`
}

// Mirror configures package source ranking.
type Mirror struct {
	StatusURL     string  `yaml:"status_url"`
	CompletionPct float64 `yaml:"completion_pct"`
	MaxSources    int     `yaml:"max_sources"`
	Country       string  `yaml:"country"`
}

// Packages extends the installed package sets.
type Packages struct {
	Extra []string `yaml:"extra"`
}

// Automation flags remove interactive pauses.
type Automation struct {
	SkipConfirm bool `yaml:"skip_confirm"`
	AutoReboot  bool `yaml:"auto_reboot"`
}

// Engine is the external configuration-management engine invoked after the
// reboot boundary, argv style.
type Engine struct {
	Command []string `yaml:"command"`
}

// ValidationError reports a malformed configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + e.Field + ": " + e.Reason
}

// Default returns the documented defaults.
func Default() *Config {
	encrypt := true
	return &Config{
		System: System{
			Hostname: "crucible",
			Timezone: "UTC",
			Locale:   "en_US.UTF-8",
			Keymap:   "us",
		},
		User: User{Name: "crucible"},
		Disk: Disk{
			EFISizeMiB: 512,
			Encrypt:    &encrypt,
			Filesystem: "ext4",
		},
		Mirror: Mirror{
			StatusURL:     "https://archlinux.org/mirrors/status/json/",
			CompletionPct: 95,
			MaxSources:    10,
		},
		Engine: Engine{Command: []string{"crucible-configure"}},
	}
}

// Load reads the configuration at path, overlaying it onto the defaults. An
// empty path means "the default path, if present"; pass explicit=true when
// the operator named the file so its absence becomes an error instead of a
// silent fallback.
func Load(path string, explicit bool) (*Config, error) {
	c := Default()
	if path == "" {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			conflog.With("path", path).Info("no configuration file, using defaults")
			return c, c.Validate()
		}
		return nil, &ValidationError{Field: "config", Reason: errors.Wrapf(err, "reading %s", path).Error()}
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, &ValidationError{Field: "config", Reason: errors.Wrapf(err, "parsing %s", path).Error()}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	conflog.With("path", path).Info("configuration loaded")
	return c, nil
}

var hostnameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Validate fails fast on malformed or out-of-range values.
func (c *Config) Validate() error {
	if !hostnameRe.MatchString(c.System.Hostname) {
		return &ValidationError{Field: "system.hostname", Reason: "must be a valid hostname label"}
	}
	if c.System.Timezone == "" {
		return &ValidationError{Field: "system.timezone", Reason: "must not be empty"}
	}
	if c.System.Locale == "" {
		return &ValidationError{Field: "system.locale", Reason: "must not be empty"}
	}
	if c.User.Name == "" || c.User.Name == "root" || !hostnameRe.MatchString(c.User.Name) {
		return &ValidationError{Field: "user.name", Reason: "must be a valid non-root username"}
	}
	if c.Disk.EFISizeMiB < 128 || c.Disk.EFISizeMiB > 4096 {
		return &ValidationError{Field: "disk.efi_size_mib", Reason: "must be between 128 and 4096"}
	}
	if !block.RootFilesystems[c.Disk.Filesystem] {
		return &ValidationError{Field: "disk.filesystem", Reason: "must be one of ext4, btrfs, xfs"}
	}
	if c.Disk.Device != "" && !strings.HasPrefix(c.Disk.Device, "/dev/") {
		return &ValidationError{Field: "disk.device", Reason: "must be a /dev path"}
	}
	if c.Mirror.CompletionPct < 0 || c.Mirror.CompletionPct > 100 {
		return &ValidationError{Field: "mirror.completion_pct", Reason: "must be a percentage"}
	}
	if c.Mirror.MaxSources <= 0 {
		return &ValidationError{Field: "mirror.max_sources", Reason: "must be positive"}
	}
	if !strings.HasPrefix(c.Mirror.StatusURL, "https://") {
		return &ValidationError{Field: "mirror.status_url", Reason: "must use https"}
	}
	if len(c.Engine.Command) == 0 {
		return &ValidationError{Field: "engine.command", Reason: "must name the configuration engine"}
	}
	return nil
}

// Encrypt reports whether disk encryption is requested, defaulting to on.
func (c *Config) EncryptDisk() bool {
	if c.Disk.Encrypt == nil {
		return true
	}
	return *c.Disk.Encrypt
}
