package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-typed settings are plain strings in the config file ("15m",
// "500ms") so that YAML and JSON inputs look the same. An empty field means
// "unset" and yields zero; callers substitute their own defaults.

// ParseDurationField parses one duration setting. path names the field in
// error messages ("queue.default_timeout"). Negative values are rejected:
// nothing in the config surface means anything by a negative duration.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	switch d, err := ParseDurationField(path, raw); {
	case err != nil:
		return 0, err
	case d > 0:
		return d, nil
	default:
		return def, nil
	}
}
