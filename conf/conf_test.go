package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/packethost/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestLog(t *testing.T) {
	t.Helper()
	Init(log.Test(t, "crucible"))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	initTestLog(t)
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	initTestLog(t)
	path := writeConfig(t, `
system:
  hostname: workstation
  timezone: Europe/Berlin
user:
  name: alice
disk:
  encrypt: false
  filesystem: btrfs
packages:
  extra: [vim, git]
automation:
  skip_confirm: true
`)
	c, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "workstation", c.System.Hostname)
	assert.Equal(t, "Europe/Berlin", c.System.Timezone)
	// Untouched values keep their defaults.
	assert.Equal(t, "en_US.UTF-8", c.System.Locale)
	assert.Equal(t, 512, c.Disk.EFISizeMiB)
	assert.Equal(t, []string{"crucible-configure"}, c.Engine.Command)
	assert.Equal(t, "alice", c.User.Name)
	assert.False(t, c.EncryptDisk())
	assert.Equal(t, "btrfs", c.Disk.Filesystem)
	assert.Equal(t, []string{"vim", "git"}, c.Packages.Extra)
	assert.True(t, c.Automation.SkipConfirm)
}

func TestLoadMissingFile(t *testing.T) {
	initTestLog(t)
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	t.Run("explicit path must exist", func(t *testing.T) {
		_, err := Load(missing, true)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "config", ve.Field)
	})
	t.Run("implicit path falls back to defaults", func(t *testing.T) {
		c, err := Load(missing, false)
		require.NoError(t, err)
		assert.Equal(t, "crucible", c.System.Hostname)
		assert.True(t, c.EncryptDisk())
	})
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	initTestLog(t)
	path := writeConfig(t, "system:\n  host_name: typo\n")
	_, err := Load(path, true)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestValidate(t *testing.T) {
	initTestLog(t)
	mutate := func(fn func(*Config)) *Config {
		c := Default()
		fn(c)
		return c
	}
	for _, tt := range []struct {
		name  string
		c     *Config
		field string
	}{
		{"bad hostname", mutate(func(c *Config) { c.System.Hostname = "Not_Valid!" }), "system.hostname"},
		{"empty timezone", mutate(func(c *Config) { c.System.Timezone = "" }), "system.timezone"},
		{"root user", mutate(func(c *Config) { c.User.Name = "root" }), "user.name"},
		{"efi too small", mutate(func(c *Config) { c.Disk.EFISizeMiB = 64 }), "disk.efi_size_mib"},
		{"efi too large", mutate(func(c *Config) { c.Disk.EFISizeMiB = 8192 }), "disk.efi_size_mib"},
		{"bad filesystem", mutate(func(c *Config) { c.Disk.Filesystem = "ntfs" }), "disk.filesystem"},
		{"relative device", mutate(func(c *Config) { c.Disk.Device = "sda" }), "disk.device"},
		{"completion out of range", mutate(func(c *Config) { c.Mirror.CompletionPct = 140 }), "mirror.completion_pct"},
		{"no sources", mutate(func(c *Config) { c.Mirror.MaxSources = 0 }), "mirror.max_sources"},
		{"plain http status url", mutate(func(c *Config) { c.Mirror.StatusURL = "http://archlinux.org/" }), "mirror.status_url"},
		{"empty engine", mutate(func(c *Config) { c.Engine.Command = nil }), "engine.command"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestEncryptDiskDefaultsOn(t *testing.T) {
	c := &Config{}
	assert.True(t, c.EncryptDisk())
	off := false
	c.Disk.Encrypt = &off
	assert.False(t, c.EncryptDisk())
}
