package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/xhit/go-str2duration/v2"
)

// Store backends accepted by Config.Store
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Prayer is a daily prayer at a fixed local time of day ("HH:MM").
type Prayer struct {
	Name string `yaml:"name"`
	Time string `yaml:"time"`
}

// Clock parses Time into hours and minutes
func (p Prayer) Clock() (int, int, error) {
	t, err := time.Parse("15:04", p.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("prayer %s: invalid time %q: %w", p.Name, p.Time, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Prayers is an ordered prayer list. In the environment it is written as
// "Fajr=05:00,Dhuhr=12:30".
type Prayers []Prayer

func (p *Prayers) UnmarshalText(text []byte) error {
	var out Prayers
	for _, part := range strings.Split(string(text), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, at, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("invalid prayer %q, expected name=HH:MM", part)
		}
		out = append(out, Prayer{Name: strings.TrimSpace(name), Time: strings.TrimSpace(at)})
	}
	*p = out
	return nil
}

// Config is built once at startup and handed to every component.
type Config struct {
	Version     string `env:"RAMADAN_SW_VERSION"`
	Origin      string `env:"RAMADAN_SW_ORIGIN"`
	Listen      string `env:"RAMADAN_SW_LISTEN"`
	StaticCache string `env:"RAMADAN_SW_STATIC_CACHE"`
	APICache    string `env:"RAMADAN_SW_API_CACHE"`

	Manifest      []string `env:"RAMADAN_SW_MANIFEST" envSeparator:","`
	ExcludedHosts []string `env:"RAMADAN_SW_EXCLUDED_HOSTS" envSeparator:","`

	Store       string `env:"RAMADAN_SW_STORE"`
	SQLitePath  string `env:"RAMADAN_SW_SQLITE_PATH"`
	RedisURL    string `env:"RAMADAN_SW_REDIS_URL"`
	RedisPrefix string `env:"RAMADAN_SW_REDIS_PREFIX"`
	// EventBus enables the Redis event bus for push, sync and notification traffic.
	EventBus bool `env:"RAMADAN_SW_EVENT_BUS"`

	LogLevel  string `env:"RAMADAN_SW_LOG_LEVEL"`
	LogFormat string `env:"RAMADAN_SW_LOG_FORMAT"`

	Latitude  float64 `env:"RAMADAN_SW_LATITUDE"`
	Longitude float64 `env:"RAMADAN_SW_LONGITUDE"`
	Method    int     `env:"RAMADAN_SW_METHOD"`
	Timezone  string  `env:"RAMADAN_SW_TIMEZONE"`
	Prayers   Prayers `env:"RAMADAN_SW_PRAYERS"`

	PrayerTimesURL string `env:"RAMADAN_SW_PRAYER_TIMES_URL"`
	QuranURL       string `env:"RAMADAN_SW_QURAN_URL"`

	Lookahead          time.Duration `env:"RAMADAN_SW_LOOKAHEAD"`
	ClickDelay         time.Duration `env:"RAMADAN_SW_CLICK_DELAY"`
	PeriodicInterval   time.Duration `env:"RAMADAN_SW_PERIODIC_INTERVAL"`
	RefreshConcurrency int           `env:"RAMADAN_SW_REFRESH_CONCURRENCY"`
	BreakerFailures    int           `env:"RAMADAN_SW_BREAKER_FAILURES"`
	BreakerCooldown    time.Duration `env:"RAMADAN_SW_BREAKER_COOLDOWN"`
	ShutdownTimeout    time.Duration `env:"RAMADAN_SW_SHUTDOWN_TIMEOUT"`

	// ClientOrigins are host patterns allowed to open the window websocket cross origin
	ClientOrigins      []string      `env:"RAMADAN_SW_CLIENT_ORIGINS" envSeparator:","`
	ClientWriteTimeout time.Duration `env:"RAMADAN_SW_CLIENT_WRITE_TIMEOUT"`

	OfflineMessage string `env:"RAMADAN_SW_OFFLINE_MESSAGE"`
}

// DefaultManifest is the app shell seeded during install
var DefaultManifest = []string{
	"./",
	"./index.html",
	"./manifest.json",
	"./icons/icon-72.png",
	"./icons/icon-96.png",
	"./icons/icon-128.png",
	"./icons/icon-144.png",
	"./icons/icon-152.png",
	"./icons/icon-192.png",
	"./icons/icon-384.png",
	"./icons/icon-512.png",
	"./icons/shortcut-prayer.png",
	"./icons/shortcut-quran.png",
}

// DefaultExcludedHosts are passed through to the network and never cached
var DefaultExcludedHosts = []string{
	"api.aladhan.com",
	"api.alquran.cloud",
	"everyayah.com",
	"fcm.googleapis.com",
	"firebase",
	"googleapis.com",
}

// Default returns the configuration of the current release
func Default() *Config {
	return &Config{
		Version:       "2.0",
		Origin:        "http://localhost:8080",
		Listen:        ":8081",
		StaticCache:   "ramadan-app-v2.0",
		APICache:      "ramadan-api-cache-v2.0",
		Manifest:      append([]string(nil), DefaultManifest...),
		ExcludedHosts: append([]string(nil), DefaultExcludedHosts...),
		Store:         StoreMemory,
		SQLitePath:    "offline-worker.db",
		RedisPrefix:   "sw",
		LogLevel:      "info",
		LogFormat:     "console",
		Latitude:      42.98,
		Longitude:     47.50,
		Method:        2,
		Timezone:      "Europe/Moscow",
		Prayers: Prayers{
			{Name: "Fajr", Time: "05:00"},
			{Name: "Dhuhr", Time: "12:30"},
			{Name: "Asr", Time: "15:45"},
			{Name: "Maghrib", Time: "18:30"},
			{Name: "Isha", Time: "20:00"},
		},
		PrayerTimesURL:     "https://api.aladhan.com/v1/timings",
		QuranURL:           "https://api.alquran.cloud/v1/surah",
		Lookahead:          30 * time.Minute,
		ClickDelay:         time.Second,
		PeriodicInterval:   12 * time.Hour,
		RefreshConcurrency: 4,
		BreakerFailures:    5,
		BreakerCooldown:    30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		ClientWriteTimeout: 5 * time.Second,
		OfflineMessage:     "Нет подключения к интернету. Данные недоступны офлайн.",
	}
}

var durationParser = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(time.Duration(0)): func(v string) (interface{}, error) {
		return str2duration.ParseDuration(v)
	},
}

// ParseEnv overlays environment variables onto cfg. Durations accept day and week units ("1d").
func ParseEnv(cfg *Config) error {
	return parseEnv(cfg, nil)
}

func parseEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{FuncMap: durationParser}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load builds the configuration: defaults, then the optional YAML file at path, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.MergeYAML(buf); err != nil {
			return nil, err
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the worker cannot run with
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin %q must be an absolute url", c.Origin))
	}
	if c.StaticCache == "" || c.APICache == "" {
		errs = append(errs, errors.New("static and api cache names are required"))
	} else if c.StaticCache == c.APICache {
		errs = append(errs, errors.New("static and api cache names must differ"))
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis store requires a redis url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.EventBus && c.RedisURL == "" {
		errs = append(errs, errors.New("event bus requires a redis url"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	for _, p := range c.Prayers {
		if _, _, err := p.Clock(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Lookahead <= 0 {
		errs = append(errs, errors.New("lookahead must be positive"))
	}
	if c.RefreshConcurrency <= 0 {
		errs = append(errs, errors.New("refresh concurrency must be positive"))
	}
	if c.ClientWriteTimeout <= 0 {
		errs = append(errs, errors.New("client write timeout must be positive"))
	}
	return errors.Join(errs...)
}

// OriginURL returns the parsed origin
func (c *Config) OriginURL() *url.URL {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// ResolveURL resolves a manifest style reference ("./index.html") against the origin root
func (c *Config) ResolveURL(ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	base := *c.OriginURL()
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(r).String(), nil
}

// ManifestURLs returns the manifest resolved against the origin
func (c *Config) ManifestURLs() ([]string, error) {
	out := make([]string, 0, len(c.Manifest))
	for _, ref := range c.Manifest {
		u, err := c.ResolveURL(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// CacheNames returns the current namespace names
func (c *Config) CacheNames() []string {
	return []string{c.StaticCache, c.APICache}
}

// Location returns the configured time zone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
