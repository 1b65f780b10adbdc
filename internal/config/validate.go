package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that would otherwise only fail deep inside a
// component after commit: duration strings, timezone, driver names.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct {
		path, raw string
	}{
		{"queue.default_timeout", cfg.Queue.DefaultTimeout},
		{"queue.lease_grace", cfg.Queue.LeaseGrace},
		{"queue.reap_interval", cfg.Queue.ReapInterval},
		{"locks.default_timeout", cfg.Locks.DefaultTimeout},
		{"moderation.court_duration", cfg.Moderation.CourtDuration},
		{"moderation.appeal_duration", cfg.Moderation.AppealDuration},
		{"moderation.court_mute_duration", cfg.Moderation.CourtMuteDuration},
		{"moderation.sweep_interval", cfg.Moderation.SweepInterval},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Rates != nil {
		if err := validatePolicy("rates.global", cfg.Rates.Global); err != nil {
			return err
		}
		if err := validatePolicy("rates.default", cfg.Rates.Default); err != nil {
			return err
		}
		for name, p := range cfg.Rates.Categories {
			pc := p
			if err := validatePolicy("rates.categories."+name, &pc); err != nil {
				return err
			}
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

func validatePolicy(path string, p *RatePolicy) error {
	if p == nil {
		return nil
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%s: max_requests must be > 0", path)
	}
	d, err := ParseDurationField(path+".window", p.Window)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("%s: window must be > 0", path)
	}
	return nil
}
