package config

import (
	"fmt"
	"strings"

	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("config")

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors
// found. Out-of-range ports, outbound queue size, pointer tick, app-scan
// cap and default mirror dimensions/fps are clamped to safe defaults; an
// invalid log_level or log_format is reported but left as-is.
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range, using default 12345", c.Port))
		c.Port = 12345
	}
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		errs = append(errs, fmt.Errorf("discovery_port %d out of range, using default 12346", c.DiscoveryPort))
		c.DiscoveryPort = 12346
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.OutboundQueueSize < 1 {
		errs = append(errs, fmt.Errorf("outbound_queue_size %d is below minimum 1, clamping", c.OutboundQueueSize))
		c.OutboundQueueSize = 64
	}

	if c.PointerTickMs < 1 {
		errs = append(errs, fmt.Errorf("pointer_tick_ms %d is below minimum 1, clamping", c.PointerTickMs))
		c.PointerTickMs = 4
	}

	if c.AppScanMaxApps < 1 {
		errs = append(errs, fmt.Errorf("app_scan_max_apps %d is below minimum 1, clamping", c.AppScanMaxApps))
		c.AppScanMaxApps = 60
	}

	if c.DefaultMirrorWidth < 1 || c.DefaultMirrorHeight < 1 {
		errs = append(errs, fmt.Errorf("default mirror dimensions invalid, using 854x480"))
		c.DefaultMirrorWidth = 854
		c.DefaultMirrorHeight = 480
	}
	if c.DefaultMirrorFPS < 1 || c.DefaultMirrorFPS > 60 {
		errs = append(errs, fmt.Errorf("default_mirror_fps %d out of range, clamping to 15", c.DefaultMirrorFPS))
		c.DefaultMirrorFPS = 15
	}

	return errs
}
