package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// ErrLoadConfig indicates a failure to read or parse the configuration file.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix prefixes environment variables that override file values.
const EnvPrefix = "DRIVEBACK"

// Config is the backup job configuration. It is built once at startup and
// passed by value; nothing mutates it afterwards.
type Config struct {
	DeviceName      string   `mapstructure:"device_name"      yaml:"device_name"`
	MountPoint      string   `mapstructure:"mount_point"      yaml:"mount_point"`
	VolumeUUID      string   `mapstructure:"volume_uuid"      yaml:"volume_uuid"`
	Sources         []string `mapstructure:"sources"          yaml:"sources"`
	SyncTool        string   `mapstructure:"sync_tool"        yaml:"sync_tool"`
	SyncOptions     string   `mapstructure:"rsync_options"    yaml:"rsync_options"`
	WebhookURL      string   `mapstructure:"webhook_url"      yaml:"webhook_url,omitempty"`
	LogDir          string   `mapstructure:"log_dir"          yaml:"log_dir"`
	LockDir         string   `mapstructure:"lock_dir"         yaml:"lock_dir"`
	WorkerPath      string   `mapstructure:"worker_path"      yaml:"worker_path,omitempty"`
	MetricsTextfile string   `mapstructure:"metrics_textfile" yaml:"metrics_textfile,omitempty"`
	LogLevel        string   `mapstructure:"log_level"        yaml:"log_level"`

	Vault VaultConfig `mapstructure:",squash" yaml:"vault,omitempty"`
}

// VaultConfig holds the optional settings used to read the webhook
// endpoint from HashiCorp Vault instead of the config file.
type VaultConfig struct {
	Address     string `mapstructure:"vault_addr"         yaml:"address,omitempty"`
	Token       string `mapstructure:"vault_token"        yaml:"-"`
	RoleID      string `mapstructure:"vault_role_id"      yaml:"role_id,omitempty"`
	RoleName    string `mapstructure:"vault_role_name"    yaml:"role_name,omitempty"`
	WebhookPath string `mapstructure:"vault_webhook_path" yaml:"webhook_path,omitempty"`
	WebhookKey  string `mapstructure:"vault_webhook_key"  yaml:"webhook_key,omitempty"`
}

var defaults = map[string]any{
	"sync_tool":          "rsync",
	"rsync_options":      "-aHAX --delete",
	"log_dir":            "/var/log/driveback",
	"lock_dir":           "/run/driveback",
	"log_level":          "info",
	"vault_webhook_key":  "webhook_url",
	"webhook_url":        "",
	"worker_path":        "",
	"metrics_textfile":   "",
	"vault_addr":         "",
	"vault_token":        "",
	"vault_role_id":      "",
	"vault_role_name":    "",
	"vault_webhook_path": "",
}

// Load reads the configuration from path using Viper, decodes it into a
// Config and validates it. Any error wraps ErrLoadConfig or ErrValidateConfig.
func Load(path string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("%w: read config %s: %v", ErrLoadConfig, path, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(splitFieldsHook),
	})
	if err != nil {
		return cfg, fmt.Errorf("%w: build decoder: %v", ErrLoadConfig, err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return cfg, fmt.Errorf("%w: decode config %s: %v", ErrLoadConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// configType maps a file extension to a Viper config type. The legacy format
// is a shell-style KEY="value" file, read as dotenv.
func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "env"
	}
}

// splitFieldsHook turns a whitespace separated string into a string slice,
// so SOURCES="/home /etc" decodes the same as a YAML list.
func splitFieldsHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
		return data, nil
	}
	return strings.Fields(data.(string)), nil
}

// Validate checks every field needed before the first side effect.
func (c Config) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch {
	case c.DeviceName == "":
		fail("DEVICE_NAME is required")
	case c.DeviceName != filepath.Base(c.DeviceName) || c.DeviceName == "." || c.DeviceName == "..":
		fail("DEVICE_NAME %q must be a plain name", c.DeviceName)
	}
	switch {
	case c.MountPoint == "":
		fail("MOUNT_POINT is required")
	case !filepath.IsAbs(c.MountPoint):
		fail("MOUNT_POINT %q must be an absolute path", c.MountPoint)
	}
	if c.VolumeUUID == "" {
		fail("VOLUME_UUID is required")
	}
	if len(c.Sources) == 0 {
		fail("SOURCES must list at least one path")
	}
	for i, src := range c.Sources {
		if strings.TrimSpace(src) == "" {
			fail("SOURCES entry %d is empty", i)
		}
	}
	if c.SyncTool == "" {
		fail("SYNC_TOOL is required")
	}
	if _, err := shellquote.Split(c.SyncOptions); err != nil {
		fail("RSYNC_OPTIONS: %v", err)
	}
	if !filepath.IsAbs(c.LogDir) {
		fail("LOG_DIR %q must be an absolute path", c.LogDir)
	}
	if !filepath.IsAbs(c.LockDir) {
		fail("LOCK_DIR %q must be an absolute path", c.LockDir)
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			fail("WEBHOOK_URL %q must be an http(s) URL", c.WebhookURL)
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		fail("LOG_LEVEL: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidateConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Destination is the directory on the mounted volume that receives the copy.
func (c Config) Destination() string {
	return filepath.Join(c.MountPoint, c.DeviceName, "backup")
}

// RunLogDir is the append-only directory holding this job's run logs.
func (c Config) RunLogDir() string {
	return filepath.Join(c.LogDir, c.DeviceName)
}

// SyncArgs splits the sync option string the way a shell would.
func (c Config) SyncArgs() []string {
	args, err := shellquote.Split(c.SyncOptions)
	if err != nil {
		// Validate rejects unparsable options.
		return strings.Fields(c.SyncOptions)
	}
	return args
}
