package config

import (
	"fmt"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape. Zero values leave the current setting alone.
type fileConfig struct {
	Version     string `yaml:"version"`
	Origin      string `yaml:"origin"`
	Listen      string `yaml:"listen"`
	StaticCache string `yaml:"static_cache"`
	APICache    string `yaml:"api_cache"`

	Manifest      []string `yaml:"manifest"`
	ExcludedHosts []string `yaml:"excluded_hosts"`

	Store struct {
		Backend     string `yaml:"backend"`
		SQLitePath  string `yaml:"sqlite_path"`
		RedisURL    string `yaml:"redis_url"`
		RedisPrefix string `yaml:"redis_prefix"`
		EventBus    *bool  `yaml:"event_bus"`
	} `yaml:"store"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Location struct {
		Latitude  *float64 `yaml:"latitude"`
		Longitude *float64 `yaml:"longitude"`
		Method    *int     `yaml:"method"`
		Timezone  string   `yaml:"timezone"`
	} `yaml:"location"`
	Prayers []Prayer `yaml:"prayers"`

	PrayerTimesURL string `yaml:"prayer_times_url"`
	QuranURL       string `yaml:"quran_url"`

	Lookahead          string `yaml:"lookahead"`
	ClickDelay         string `yaml:"click_delay"`
	PeriodicInterval   string `yaml:"periodic_interval"`
	RefreshConcurrency int    `yaml:"refresh_concurrency"`
	BreakerFailures    *int   `yaml:"breaker_failures"`
	BreakerCooldown    string `yaml:"breaker_cooldown"`
	ShutdownTimeout    string `yaml:"shutdown_timeout"`

	Clients struct {
		Origins      []string `yaml:"origins"`
		WriteTimeout string   `yaml:"write_timeout"`
	} `yaml:"clients"`

	OfflineMessage string `yaml:"offline_message"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

// MergeYAML overlays a YAML document onto c
func (c *Config) MergeYAML(buf []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	setString(&c.Version, f.Version)
	setString(&c.Origin, f.Origin)
	setString(&c.Listen, f.Listen)
	setString(&c.StaticCache, f.StaticCache)
	setString(&c.APICache, f.APICache)
	if len(f.Manifest) > 0 {
		c.Manifest = f.Manifest
	}
	if len(f.ExcludedHosts) > 0 {
		c.ExcludedHosts = f.ExcludedHosts
	}
	setString(&c.Store, f.Store.Backend)
	setString(&c.SQLitePath, f.Store.SQLitePath)
	setString(&c.RedisURL, f.Store.RedisURL)
	setString(&c.RedisPrefix, f.Store.RedisPrefix)
	if f.Store.EventBus != nil {
		c.EventBus = *f.Store.EventBus
	}
	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	if f.Location.Latitude != nil {
		c.Latitude = *f.Location.Latitude
	}
	if f.Location.Longitude != nil {
		c.Longitude = *f.Location.Longitude
	}
	if f.Location.Method != nil {
		c.Method = *f.Location.Method
	}
	setString(&c.Timezone, f.Location.Timezone)
	if len(f.Prayers) > 0 {
		c.Prayers = f.Prayers
	}
	setString(&c.PrayerTimesURL, f.PrayerTimesURL)
	setString(&c.QuranURL, f.QuranURL)
	if f.RefreshConcurrency > 0 {
		c.RefreshConcurrency = f.RefreshConcurrency
	}
	if f.BreakerFailures != nil {
		c.BreakerFailures = *f.BreakerFailures
	}
	if len(f.Clients.Origins) > 0 {
		c.ClientOrigins = f.Clients.Origins
	}
	setString(&c.OfflineMessage, f.OfflineMessage)
	for name, d := range map[string]struct {
		dst *time.Duration
		val string
	}{
		"lookahead":             {&c.Lookahead, f.Lookahead},
		"click_delay":           {&c.ClickDelay, f.ClickDelay},
		"periodic_interval":     {&c.PeriodicInterval, f.PeriodicInterval},
		"breaker_cooldown":      {&c.BreakerCooldown, f.BreakerCooldown},
		"shutdown_timeout":      {&c.ShutdownTimeout, f.ShutdownTimeout},
		"clients.write_timeout": {&c.ClientWriteTimeout, f.Clients.WriteTimeout},
	} {
		if err := setDuration(d.dst, name, d.val); err != nil {
			return err
		}
	}
	return nil
}
