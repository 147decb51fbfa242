package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_EnvFile(t *testing.T) {
	path := writeConfig(t, "driveback.conf", `
DEVICE_NAME="laptop"
MOUNT_POINT="/mnt/backup"
VOLUME_UUID="1234-ABCD"
SOURCES="/home/zakaria /etc"
RSYNC_OPTIONS="-aHAX --delete --exclude '.cache/'"
WEBHOOK_URL="https://ntfy.example.com/backups"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "laptop", cfg.DeviceName)
	assert.Equal(t, "/mnt/backup", cfg.MountPoint)
	assert.Equal(t, []string{"/home/zakaria", "/etc"}, cfg.Sources)
	assert.Equal(t, "rsync", cfg.SyncTool)
	assert.Equal(t, "/var/log/driveback", cfg.LogDir)
	assert.Equal(t, "/mnt/backup/laptop/backup", cfg.Destination())
	assert.Equal(t, "/var/log/driveback/laptop", cfg.RunLogDir())
	assert.Equal(t, []string{"-aHAX", "--delete", "--exclude", ".cache/"}, cfg.SyncArgs())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, "driveback.yaml", `
device_name: usb
mount_point: /media/usb
volume_uuid: 9f1e
sources:
  - /srv/data
log_dir: /tmp/driveback/logs
lock_dir: /tmp/driveback/lock
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/data"}, cfg.Sources)
	assert.Equal(t, "/tmp/driveback/lock", cfg.LockDir)
}

func TestLoad_RelativeMountPoint(t *testing.T) {
	path := writeConfig(t, "driveback.conf", `
DEVICE_NAME="laptop"
MOUNT_POINT="relative/path"
VOLUME_UUID="1234-ABCD"
SOURCES="/home"
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrValidateConfig)
	assert.Contains(t, err.Error(), "MOUNT_POINT")
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, "driveback.conf", `
DEVICE_NAME="laptop"
MOUNT_POINT="/mnt/backup"
VOLUME_UUID="1234-ABCD"
SOURCES="/home"
MOUNTPOINT="/typo"
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrLoadConfig)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	require.ErrorIs(t, err, ErrLoadConfig)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DeviceName: "laptop",
		MountPoint: "/mnt/backup",
		VolumeUUID: "1234",
		Sources:    []string{"/home"},
		SyncTool:   "rsync",
		LogDir:     "/var/log/driveback",
		LockDir:    "/run/driveback",
		LogLevel:   "info",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no device", func(c *Config) { c.DeviceName = "" }, "DEVICE_NAME"},
		{"device with slash", func(c *Config) { c.DeviceName = "a/b" }, "DEVICE_NAME"},
		{"no volume", func(c *Config) { c.VolumeUUID = "" }, "VOLUME_UUID"},
		{"no sources", func(c *Config) { c.Sources = nil }, "SOURCES"},
		{"blank source", func(c *Config) { c.Sources = []string{" "} }, "SOURCES"},
		{"relative log dir", func(c *Config) { c.LogDir = "logs" }, "LOG_DIR"},
		{"bad webhook", func(c *Config) { c.WebhookURL = "ftp://x" }, "WEBHOOK_URL"},
		{"bad options", func(c *Config) { c.SyncOptions = "-a 'unterminated" }, "RSYNC_OPTIONS"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Sources = append([]string(nil), valid.Sources...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrValidateConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
