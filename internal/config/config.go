package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the daemon's runtime configuration, loaded from a YAML file with
// environment overrides (WCB_*) and sane defaults for every field.
type Config struct {
	Port          int    `mapstructure:"port"`
	DiscoveryPort int    `mapstructure:"discovery_port"`
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	OutboundQueueSize int `mapstructure:"outbound_queue_size"`

	ZoomEnabled       bool `mapstructure:"zoom_enabled"`
	AutoConnectEnabled bool `mapstructure:"auto_connect_enabled"`

	PointerTickMs      int `mapstructure:"pointer_tick_ms"`
	AppScanMaxApps     int `mapstructure:"app_scan_max_apps"`
	DefaultMirrorWidth  int `mapstructure:"default_mirror_width"`
	DefaultMirrorHeight int `mapstructure:"default_mirror_height"`
	DefaultMirrorFPS    int `mapstructure:"default_mirror_fps"`
}

// Default returns the configuration used when no file or override is present.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "wayland-connect-host"
	}

	return &Config{
		Port:          12345,
		DiscoveryPort: 12346,
		ServerName:    hostname,
		ServerVersion: "1.0",

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,

		OutboundQueueSize: 64,

		ZoomEnabled:        true,
		AutoConnectEnabled: true,

		PointerTickMs:       4,
		AppScanMaxApps:      60,
		DefaultMirrorWidth:  854,
		DefaultMirrorHeight: 480,
		DefaultMirrorFPS:    15,
	}
}

// Load reads configuration from cfgFile (or the default search path if
// empty), applies WCB_-prefixed environment overrides, validates, and
// returns the resulting Config. A missing config file is not an error —
// defaults apply.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("wcbridged")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("WCB")
	for _, key := range []string{
		"port", "discovery_port", "server_name", "server_version",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
		"audit_enabled", "audit_max_size_mb", "audit_max_backups", "outbound_queue_size",
		"zoom_enabled", "auto_connect_enabled", "pointer_tick_ms", "app_scan_max_apps",
		"default_mirror_width", "default_mirror_height", "default_mirror_fps",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, warnErr := range cfg.Validate() {
		log.Warn("config validation", "error", warnErr)
	}

	return cfg, nil
}

// Save writes cfg to the default config file location.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or the default location if empty.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("port", cfg.Port)
	v.Set("discovery_port", cfg.DiscoveryPort)
	v.Set("server_name", cfg.ServerName)
	v.Set("server_version", cfg.ServerVersion)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)
	v.Set("audit_enabled", cfg.AuditEnabled)
	v.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.Set("audit_max_backups", cfg.AuditMaxBackups)
	v.Set("outbound_queue_size", cfg.OutboundQueueSize)
	v.Set("zoom_enabled", cfg.ZoomEnabled)
	v.Set("auto_connect_enabled", cfg.AutoConnectEnabled)
	v.Set("pointer_tick_ms", cfg.PointerTickMs)
	v.Set("app_scan_max_apps", cfg.AppScanMaxApps)
	v.Set("default_mirror_width", cfg.DefaultMirrorWidth)
	v.Set("default_mirror_height", cfg.DefaultMirrorHeight)
	v.Set("default_mirror_fps", cfg.DefaultMirrorFPS)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		if dir := filepath.Dir(cfgPath); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "wcbridged.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the per-user directory the device registry, TLS
// material, and audit log live in.
func GetDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(os.TempDir(), "wayland-connect")
	}
	return filepath.Join(dir, "wayland-connect")
}

func configDir() string {
	return GetDataDir()
}
