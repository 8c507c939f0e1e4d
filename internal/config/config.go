// Package config loads the agent configuration from YAML, .env files and
// WARDEN_* environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log struct {
		// dev | prod
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Discord struct {
		Token   string `yaml:"token"`
		GuildID string `yaml:"guild_id"`
		BaseURL string `yaml:"base_url"`
		// Shared outbound budget for every loop.
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		Timeout           time.Duration `yaml:"timeout"`
	} `yaml:"discord"`

	Database struct {
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Reconcile struct {
		Interval     time.Duration `yaml:"interval"`
		ApplyPause   time.Duration `yaml:"apply_pause"`
		ErrorBackoff time.Duration `yaml:"error_backoff"`
		// Reference timezone for ping windows, IANA name.
		Timezone string `yaml:"timezone"`
		// base->escalated role name pairs, comma separated.
		TimeDependentGroups string `yaml:"time_dependent_groups"`
	} `yaml:"reconcile"`

	Broadcast struct {
		Interval time.Duration `yaml:"interval"`
		// group->channel name pairs, comma separated.
		Channels string `yaml:"fleetbot_channels"`
	} `yaml:"broadcast"`

	Watcher struct {
		Interval    time.Duration `yaml:"interval"`
		Channel     string        `yaml:"post_expensive_killmails_to"`
		MinValue    float64       `yaml:"min_value"`
		Lookback    time.Duration `yaml:"lookback"`
		URLTemplate string        `yaml:"url_template"`
	} `yaml:"watcher"`

	Verify struct {
		Interval      time.Duration `yaml:"interval"`
		AuthWebsite   string        `yaml:"auth_website"`
		PendingTTL    time.Duration `yaml:"pending_ttl"`
		MaxAttempts   int           `yaml:"max_attempts"`
		AttemptWindow time.Duration `yaml:"attempt_window"`
	} `yaml:"verify"`

	Notify struct {
		DebugChannel string `yaml:"debug_channel_name"`
		Kafka        struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
		Mail struct {
			Host     string   `yaml:"host"`
			Port     int      `yaml:"port"`
			Username string   `yaml:"username"`
			Password string   `yaml:"password"`
			From     string   `yaml:"from"`
			To       []string `yaml:"to"`
		} `yaml:"mail"`
	} `yaml:"notify"`

	Lock struct {
		// file | redis | none
		Kind  string `yaml:"kind"`
		Path  string `yaml:"path"`
		Redis struct {
			Addr string        `yaml:"addr"`
			DB   int           `yaml:"db"`
			Key  string        `yaml:"key"`
			TTL  time.Duration `yaml:"ttl"`
		} `yaml:"redis"`
	} `yaml:"lock"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Supervisor struct {
		RestartDelay time.Duration `yaml:"restart_delay"`
	} `yaml:"supervisor"`
}

var ErrInvalid = errors.New("config: invalid")

// Default returns a Config with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads path (optional), then .env files, then environment overrides.
func Load(path string, envFiles ...string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	return &c, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are ignored; existing variables are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Discord.BaseURL == "" {
		c.Discord.BaseURL = "https://discord.com/api/v10"
	}
	if c.Discord.RequestsPerSecond == 0 {
		c.Discord.RequestsPerSecond = 5
	}
	if c.Discord.Burst == 0 {
		c.Discord.Burst = 5
	}
	if c.Discord.Timeout == 0 {
		c.Discord.Timeout = 15 * time.Second
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 4
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = 30 * time.Second
	}
	if c.Reconcile.ApplyPause == 0 {
		c.Reconcile.ApplyPause = 500 * time.Millisecond
	}
	if c.Reconcile.ErrorBackoff == 0 {
		c.Reconcile.ErrorBackoff = 3 * time.Second
	}
	if c.Reconcile.Timezone == "" {
		c.Reconcile.Timezone = "UTC"
	}
	if c.Broadcast.Interval == 0 {
		c.Broadcast.Interval = 10 * time.Second
	}
	if c.Watcher.Interval == 0 {
		c.Watcher.Interval = time.Minute
	}
	if c.Watcher.MinValue == 0 {
		c.Watcher.MinValue = 2e9
	}
	if c.Watcher.Lookback == 0 {
		c.Watcher.Lookback = 3 * time.Hour
	}
	if c.Watcher.URLTemplate == "" {
		c.Watcher.URLTemplate = "https://zkillboard.com/kill/%d/"
	}
	if c.Verify.Interval == 0 {
		c.Verify.Interval = 5 * time.Second
	}
	if c.Verify.PendingTTL == 0 {
		c.Verify.PendingTTL = 24 * time.Hour
	}
	if c.Verify.MaxAttempts == 0 {
		c.Verify.MaxAttempts = 5
	}
	if c.Verify.AttemptWindow == 0 {
		c.Verify.AttemptWindow = 10 * time.Minute
	}
	if c.Notify.Kafka.Topic == "" {
		c.Notify.Kafka.Topic = "warden.events"
	}
	if c.Notify.Mail.Port == 0 {
		c.Notify.Mail.Port = 587
	}
	if c.Lock.Kind == "" {
		c.Lock.Kind = "file"
	}
	if c.Lock.Path == "" {
		c.Lock.Path = "discord.lock"
	}
	if c.Lock.Redis.Key == "" {
		c.Lock.Redis.Key = "warden:lock"
	}
	if c.Lock.Redis.TTL == 0 {
		c.Lock.Redis.TTL = 30 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9090"
	}
	if c.Supervisor.RestartDelay == 0 {
		c.Supervisor.RestartDelay = 60 * time.Second
	}
}

// Validate checks the values the agent cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("%w: discord.token is required", ErrInvalid))
	}
	if c.Discord.GuildID == "" {
		errs = append(errs, fmt.Errorf("%w: discord.guild_id is required", ErrInvalid))
	}
	if c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("%w: database.dsn is required", ErrInvalid))
	}
	if c.Discord.RequestsPerSecond < 0 || c.Discord.Burst < 0 {
		errs = append(errs, fmt.Errorf("%w: discord rate limit must be positive", ErrInvalid))
	}
	for name, d := range map[string]time.Duration{
		"reconcile.interval": c.Reconcile.Interval,
		"broadcast.interval": c.Broadcast.Interval,
		"watcher.interval":   c.Watcher.Interval,
		"verify.interval":    c.Verify.Interval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s must not be negative", ErrInvalid, name))
		}
	}
	if _, err := time.LoadLocation(c.Reconcile.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("%w: reconcile.timezone: %v", ErrInvalid, err))
	}
	if _, err := ParsePairs(c.Reconcile.TimeDependentGroups); err != nil {
		errs = append(errs, fmt.Errorf("reconcile.time_dependent_groups: %w", err))
	}
	if _, err := ParsePairs(c.Broadcast.Channels); err != nil {
		errs = append(errs, fmt.Errorf("broadcast.fleetbot_channels: %w", err))
	}
	switch c.Lock.Kind {
	case "file", "none":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("%w: lock.redis.addr is required for the redis lock", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown lock.kind %q", ErrInvalid, c.Lock.Kind))
	}
	return errors.Join(errs...)
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("WARDEN_LOG_ENV"); ok {
		c.Log.Env = v
	}
	if v, ok := getEnvStr("WARDEN_LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	if v, ok := getEnvStr("WARDEN_DISCORD_TOKEN"); ok {
		c.Discord.Token = v
	}
	if v, ok := getEnvStr("WARDEN_DISCORD_GUILD_ID"); ok {
		c.Discord.GuildID = v
	}
	if v, ok := getEnvStr("WARDEN_DISCORD_BASE_URL"); ok {
		c.Discord.BaseURL = v
	}
	if v, ok := getEnvFloat("WARDEN_DISCORD_RPS"); ok {
		c.Discord.RequestsPerSecond = v
	}
	if v, ok := getEnvInt("WARDEN_DISCORD_BURST"); ok {
		c.Discord.Burst = v
	}

	if v, ok := getEnvStr("WARDEN_DATABASE_DSN"); ok {
		c.Database.DSN = v
	}

	if v, ok := getEnvDur("WARDEN_RECONCILE_INTERVAL"); ok {
		c.Reconcile.Interval = v
	}
	if v, ok := getEnvDur("WARDEN_RECONCILE_APPLY_PAUSE"); ok {
		c.Reconcile.ApplyPause = v
	}
	if v, ok := getEnvDur("WARDEN_RECONCILE_ERROR_BACKOFF"); ok {
		c.Reconcile.ErrorBackoff = v
	}
	if v, ok := getEnvStr("WARDEN_TIMEZONE"); ok {
		c.Reconcile.Timezone = v
	}
	if v, ok := getEnvStr("WARDEN_TIME_DEPENDENT_GROUPS"); ok {
		c.Reconcile.TimeDependentGroups = v
	}

	if v, ok := getEnvDur("WARDEN_BROADCAST_INTERVAL"); ok {
		c.Broadcast.Interval = v
	}
	if v, ok := getEnvStr("WARDEN_FLEETBOT_CHANNELS"); ok {
		c.Broadcast.Channels = v
	}

	if v, ok := getEnvDur("WARDEN_WATCHER_INTERVAL"); ok {
		c.Watcher.Interval = v
	}
	if v, ok := getEnvStr("WARDEN_WATCHER_CHANNEL"); ok {
		c.Watcher.Channel = v
	}
	if v, ok := getEnvFloat("WARDEN_WATCHER_MIN_VALUE"); ok {
		c.Watcher.MinValue = v
	}

	if v, ok := getEnvStr("WARDEN_AUTH_WEBSITE"); ok {
		c.Verify.AuthWebsite = v
	}

	if v, ok := getEnvStr("WARDEN_DEBUG_CHANNEL"); ok {
		c.Notify.DebugChannel = v
	}
	if v, ok := getEnvCSV("WARDEN_KAFKA_BROKERS"); ok {
		c.Notify.Kafka.Brokers = v
	}
	if v, ok := getEnvStr("WARDEN_KAFKA_TOPIC"); ok {
		c.Notify.Kafka.Topic = v
	}
	if v, ok := getEnvStr("WARDEN_SMTP_HOST"); ok {
		c.Notify.Mail.Host = v
	}
	if v, ok := getEnvInt("WARDEN_SMTP_PORT"); ok {
		c.Notify.Mail.Port = v
	}
	if v, ok := getEnvStr("WARDEN_SMTP_USERNAME"); ok {
		c.Notify.Mail.Username = v
	}
	if v, ok := getEnvStr("WARDEN_SMTP_PASSWORD"); ok {
		c.Notify.Mail.Password = v
	}
	if v, ok := getEnvStr("WARDEN_SMTP_FROM"); ok {
		c.Notify.Mail.From = v
	}
	if v, ok := getEnvCSV("WARDEN_SMTP_TO"); ok {
		c.Notify.Mail.To = v
	}

	if v, ok := getEnvStr("WARDEN_LOCK_KIND"); ok {
		c.Lock.Kind = v
	}
	if v, ok := getEnvStr("WARDEN_LOCK_PATH"); ok {
		c.Lock.Path = v
	}
	if v, ok := getEnvStr("WARDEN_REDIS_ADDR"); ok {
		c.Lock.Redis.Addr = v
	}
	if v, ok := getEnvInt("WARDEN_REDIS_DB"); ok {
		c.Lock.Redis.DB = v
	}

	if v, ok := getEnvStr("WARDEN_HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := getEnvDur("WARDEN_RESTART_DELAY"); ok {
		c.Supervisor.RestartDelay = v
	}
}
