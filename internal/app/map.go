package app

import (
	"time"

	"wardenbot/internal/config"
	"wardenbot/internal/lockkeeper"
	"wardenbot/internal/moderation"
	"wardenbot/internal/ratelimit"
	"wardenbot/internal/storage"
	"wardenbot/internal/task/queue"
	logx "wardenbot/pkg/logx"
)

// The map* helpers translate the string-typed file config into each
// component's runtime config. Durations were already validated by
// config.Validate, but parse errors are still surfaced rather than ignored.

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Modlog: logx.ModlogConfig{
			Enabled:    c.Modlog.Enabled,
			ChannelID:  c.Modlog.ChannelID,
			MinLevel:   c.Modlog.MinLevel,
			RatePerSec: c.Modlog.RatePerSec,
		},
	}
}

func mapQueueConfig(c config.QueueConfig) (queue.Config, error) {
	defTimeout, err := config.ParseDurationField("queue.default_timeout", c.DefaultTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	grace, err := config.ParseDurationField("queue.lease_grace", c.LeaseGrace)
	if err != nil {
		return queue.Config{}, err
	}
	reap, err := config.ParseDurationField("queue.reap_interval", c.ReapInterval)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		MaxConcurrent:  c.MaxConcurrent,
		DefaultTimeout: defTimeout,
		LeaseGrace:     grace,
		ReapInterval:   reap,
		RetryMax:       c.RetryMax,
		HistorySize:    c.HistorySize,
	}, nil
}

func mapLocksConfig(c config.LocksConfig) (lockkeeper.Config, error) {
	d, err := config.ParseDurationField("locks.default_timeout", c.DefaultTimeout)
	if err != nil {
		return lockkeeper.Config{}, err
	}
	return lockkeeper.Config{DefaultTimeout: d}, nil
}

// mapRatesConfig starts from the built-in policy set and overlays whatever
// the file overrides.
func mapRatesConfig(c *config.RatesConfig) (ratelimit.Config, error) {
	cfg := ratelimit.DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	if c.Global != nil {
		p, err := mapRatePolicy("rates.global", *c.Global)
		if err != nil {
			return ratelimit.Config{}, err
		}
		cfg.Global = p
	}
	if c.Default != nil {
		p, err := mapRatePolicy("rates.default", *c.Default)
		if err != nil {
			return ratelimit.Config{}, err
		}
		cfg.Default = p
	}
	for name, rp := range c.Categories {
		p, err := mapRatePolicy("rates.categories."+name, rp)
		if err != nil {
			return ratelimit.Config{}, err
		}
		cfg.Categories[name] = p
	}
	return cfg, nil
}

func mapRatePolicy(path string, c config.RatePolicy) (ratelimit.Policy, error) {
	w, err := config.ParseDurationOrDefault(path+".window", c.Window, time.Second)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	return ratelimit.Policy{
		MaxRequests: c.MaxRequests,
		Window:      w,
		Concurrency: c.Concurrency,
	}, nil
}

func mapModerationConfig(c config.ModerationConfig) (moderation.Config, error) {
	court, err := config.ParseDurationField("moderation.court_duration", c.CourtDuration)
	if err != nil {
		return moderation.Config{}, err
	}
	appeal, err := config.ParseDurationField("moderation.appeal_duration", c.AppealDuration)
	if err != nil {
		return moderation.Config{}, err
	}
	courtMute, err := config.ParseDurationField("moderation.court_mute_duration", c.CourtMuteDuration)
	if err != nil {
		return moderation.Config{}, err
	}
	sweep, err := config.ParseDurationField("moderation.sweep_interval", c.SweepInterval)
	if err != nil {
		return moderation.Config{}, err
	}
	return moderation.Config{
		RequiredSupports:  c.RequiredSupports,
		CourtDuration:     court,
		AppealDuration:    appeal,
		CourtMuteDuration: courtMute,
		SweepInterval:     sweep,
	}, nil
}

func mapStorageConfig(c *config.StorageConfig) (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}
