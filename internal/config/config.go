package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/wa-deck/internal/logging"
)

const (
	// FileName is the TOML config file inside the base directory.
	FileName = "config.toml"

	// DirName is the base directory under $HOME.
	DirName = ".wa-deck"
)

// Config is the full wa-deck configuration in TOML form.
type Config struct {
	Server   ServerSettings  `toml:"server"`
	Driver   DriverSettings  `toml:"driver"`
	Sessions SessionSettings `toml:"sessions"`
	Media    MediaSettings   `toml:"media"`
	Events   EventsSettings  `toml:"events"`
	Logs     LogSettings     `toml:"logs"`
	State    StateSettings   `toml:"state"`
}

// ServerSettings configures the HTTP listener and request authentication.
type ServerSettings struct {
	// Listen is the address the API binds to (default: 0.0.0.0:5000)
	Listen string `toml:"listen"`

	// APIKey is compared against the auth-key header. Empty disables authentication.
	APIKey string `toml:"api_key"`

	// ReadHeaderTimeoutSecs bounds slow clients (default: 5)
	ReadHeaderTimeoutSecs int `toml:"read_header_timeout_secs"`
}

// DriverSettings configures how automation handles are constructed.
type DriverSettings struct {
	// Endpoint is the automation endpoint each handle connects to.
	Endpoint string `toml:"endpoint"`

	// CacheDir holds one private working directory per client.
	CacheDir string `toml:"cache_dir"`

	// ConstructTimeoutSecs bounds handle construction (default: 60)
	ConstructTimeoutSecs int `toml:"construct_timeout_secs"`

	// CallTimeoutSecs bounds a single driver command (default: 30)
	CallTimeoutSecs int `toml:"call_timeout_secs"`
}

// SessionSettings configures the per-client lock and polling loop.
type SessionSettings struct {
	// LockTimeoutSecs is how long a request waits for a busy client (default: 10)
	LockTimeoutSecs int `toml:"lock_timeout_secs"`

	// PollIntervalSecs is the unread-event polling period (default: 2)
	PollIntervalSecs int `toml:"poll_interval_secs"`

	// PollTimeoutSecs bounds one poll cycle (default: 30)
	PollTimeoutSecs int `toml:"poll_timeout_secs"`

	// RestoreOnStart re-creates every known client at startup.
	RestoreOnStart bool `toml:"restore_on_start"`
}

// MediaSettings configures where uploaded media is staged before sending.
type MediaSettings struct {
	Dir string `toml:"dir"`
}

// EventsSettings configures where drained inbound batches are delivered.
type EventsSettings struct {
	// Log writes a line per delivered batch (default: true)
	Log *bool `toml:"log"`

	// WebhookURL receives each batch as a JSON POST. Empty disables.
	WebhookURL string `toml:"webhook_url"`

	// WebhookRatePerSec caps outbound webhook calls (default: 5)
	WebhookRatePerSec float64 `toml:"webhook_rate_per_sec"`

	// WebhookBurst is the limiter burst size (default: 10)
	WebhookBurst int `toml:"webhook_burst"`

	// WebhookTimeoutSecs bounds one webhook call (default: 10)
	WebhookTimeoutSecs int `toml:"webhook_timeout_secs"`

	// PushEnabled sends web push notifications to registered subscriptions.
	PushEnabled bool `toml:"push_enabled"`

	// PushSubject is the VAPID subject (default: mailto:wa-deck@localhost)
	PushSubject string `toml:"push_subject"`
}

// LogSettings mirrors logging.Config in TOML form.
type LogSettings struct {
	Dir                string `toml:"dir"`
	Level              string `toml:"level"`
	Format             string `toml:"format"`
	MaxMB              int    `toml:"max_mb"`
	Backups            int    `toml:"backups"`
	RetentionDays      int    `toml:"retention_days"`
	Compress           bool   `toml:"compress"`
	RingBufferMB       int    `toml:"ring_buffer_mb"`
	AggregateIntervalS int    `toml:"aggregate_interval_secs"`
	Pprof              bool   `toml:"pprof"`
	Stderr             bool   `toml:"stderr"`
}

// LoggingConfig converts the TOML section into a logging.Config.
func (l LogSettings) LoggingConfig() logging.Config {
	return logging.Config{
		LogDir:                l.Dir,
		Level:                 l.Level,
		Format:                l.Format,
		MaxSizeMB:             l.MaxMB,
		MaxBackups:            l.Backups,
		MaxAgeDays:            l.RetentionDays,
		Compress:              l.Compress,
		RingBufferSize:        l.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: l.AggregateIntervalS,
		PprofEnabled:          l.Pprof,
		Stderr:                l.Stderr,
	}
}

// StateSettings configures the SQLite state database.
type StateSettings struct {
	DBPath string `toml:"db_path"`
}

// BaseDir returns ~/.wa-deck.
func BaseDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName), nil
}

// DefaultPath returns the config path, honouring WADECK_CONFIG.
func DefaultPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv("WADECK_CONFIG")); p != "" {
		return ExpandHome(p), nil
	}
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config at path. A missing file yields defaults.
// On a parse error the defaults are returned together with the error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg.applyDefaults()
		cfg.applyEnv()
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		fallback := Default()
		fallback.applyEnv()
		return fallback, fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	base, err := BaseDir()
	if err != nil {
		base = filepath.Join(os.TempDir(), "wa-deck")
	}

	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:5000"
	}
	if c.Server.ReadHeaderTimeoutSecs <= 0 {
		c.Server.ReadHeaderTimeoutSecs = 5
	}

	if c.Driver.Endpoint == "" {
		c.Driver.Endpoint = "ws://127.0.0.1:4444/automation"
	}
	if c.Driver.CacheDir == "" {
		c.Driver.CacheDir = filepath.Join(base, "profiles")
	}
	if c.Driver.ConstructTimeoutSecs <= 0 {
		c.Driver.ConstructTimeoutSecs = 60
	}
	if c.Driver.CallTimeoutSecs <= 0 {
		c.Driver.CallTimeoutSecs = 30
	}

	if c.Sessions.LockTimeoutSecs <= 0 {
		c.Sessions.LockTimeoutSecs = 10
	}
	if c.Sessions.PollIntervalSecs <= 0 {
		c.Sessions.PollIntervalSecs = 2
	}
	if c.Sessions.PollTimeoutSecs <= 0 {
		c.Sessions.PollTimeoutSecs = 30
	}

	if c.Media.Dir == "" {
		c.Media.Dir = filepath.Join(base, "media")
	}

	if c.Events.Log == nil {
		on := true
		c.Events.Log = &on
	}
	if c.Events.WebhookRatePerSec <= 0 {
		c.Events.WebhookRatePerSec = 5
	}
	if c.Events.WebhookBurst <= 0 {
		c.Events.WebhookBurst = 10
	}
	if c.Events.WebhookTimeoutSecs <= 0 {
		c.Events.WebhookTimeoutSecs = 10
	}
	if c.Events.PushSubject == "" {
		c.Events.PushSubject = "mailto:wa-deck@localhost"
	}

	if c.Logs.Dir == "" {
		c.Logs.Dir = filepath.Join(base, "log")
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}

	if c.State.DBPath == "" {
		c.State.DBPath = filepath.Join(base, "state.db")
	}

	c.Driver.CacheDir = ExpandHome(c.Driver.CacheDir)
	c.Media.Dir = ExpandHome(c.Media.Dir)
	c.Logs.Dir = ExpandHome(c.Logs.Dir)
	c.State.DBPath = ExpandHome(c.State.DBPath)
}

// applyEnv lets the environment override secrets and endpoints.
// The legacy API_KEY and SELENIUM names are still honoured.
func (c *Config) applyEnv() {
	if v, ok := lookupFirst("WADECK_API_KEY", "API_KEY"); ok {
		c.Server.APIKey = v
	}
	if v, ok := lookupFirst("WADECK_DRIVER_ENDPOINT", "SELENIUM"); ok && v != "" {
		c.Driver.Endpoint = v
	}
	if v, ok := lookupFirst("WADECK_LISTEN"); ok && v != "" {
		c.Server.Listen = v
	}
}

func lookupFirst(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// LogEvents reports whether batches are logged.
func (e EventsSettings) LogEvents() bool {
	return e.Log == nil || *e.Log
}

// LockTimeout returns the foreground lock wait.
func (s SessionSettings) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutSecs) * time.Second
}

// PollInterval returns the polling period.
func (s SessionSettings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSecs) * time.Second
}

// PollTimeout returns the deadline for a single poll cycle.
func (s SessionSettings) PollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutSecs) * time.Second
}

// ConstructTimeout returns the deadline for building one handle.
func (d DriverSettings) ConstructTimeout() time.Duration {
	return time.Duration(d.ConstructTimeoutSecs) * time.Second
}

// CallTimeout returns the deadline for one driver command.
func (d DriverSettings) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutSecs) * time.Second
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Save writes cfg to path atomically (temp file, fsync, rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# wa-deck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

// WriteExample writes a commented example config. Existing files are kept
// unless force is set.
func WriteExample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeAtomic(path, []byte(exampleConfig))
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if f, err := os.Open(tmpPath); err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}

const exampleConfig = `# wa-deck configuration
# Values shown are the defaults. API key and driver endpoint can also come from
# WADECK_API_KEY / WADECK_DRIVER_ENDPOINT (legacy: API_KEY / SELENIUM).

[server]
# listen = "0.0.0.0:5000"
# api_key = ""              # empty disables the auth-key check
# read_header_timeout_secs = 5

[driver]
# endpoint = "ws://127.0.0.1:4444/automation"
# cache_dir = "~/.wa-deck/profiles"
# construct_timeout_secs = 60
# call_timeout_secs = 30

[sessions]
# lock_timeout_secs = 10    # how long a request queues behind a busy client
# poll_interval_secs = 2
# poll_timeout_secs = 30
# restore_on_start = false  # re-create every known client at startup

[media]
# dir = "~/.wa-deck/media"

[events]
# log = true
# webhook_url = "https://example.internal/wa-events"
# webhook_rate_per_sec = 5
# webhook_burst = 10
# webhook_timeout_secs = 10
# push_enabled = false
# push_subject = "mailto:wa-deck@localhost"

[logs]
# dir = "~/.wa-deck/log"
# level = "info"
# format = "json"
# max_mb = 10
# backups = 5
# retention_days = 10
# compress = false
# ring_buffer_mb = 10
# aggregate_interval_secs = 30
# pprof = false
# stderr = false

[state]
# db_path = "~/.wa-deck/state.db"
`
