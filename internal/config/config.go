package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "ROSTERWATCH"
	defaultHTTPAddress            = "127.0.0.1:8090"
	defaultDatabasePath           = "rosterwatch.db"
	defaultAvatarsDir             = "avatars"
	defaultAvatarURLTemplate      = "https://avatars.fastly.steamstatic.com/{hash}_full.jpg"
	defaultSteamBaseURL           = "https://api.steampowered.com"
	defaultSteamTimeoutSeconds    = 20
	defaultCredentialsPath        = "credentials.bin"
	defaultBanCooldownSeconds     = 300
	defaultRosterDebounceMillis   = 750
	defaultControlTokenTTLMinutes = 720
	defaultLogLevel               = "info"
)

// AppConfig captures runtime configuration for the engine and its control API.
type AppConfig struct {
	HTTPAddress string

	DatabasePath           string
	BackupBeforeMigrate    bool
	AutoMigrate            bool
	AvatarsDir             string
	AvatarURLTemplate      string
	SteamAPIKey            string
	SteamBaseURL           string
	SteamTimeout           time.Duration
	CredentialsPath        string
	PeriodicBanCheck       bool
	ProfileRefreshCooldown time.Duration
	BanRefreshCooldown     time.Duration
	RosterLogPath          string
	RosterDebounce         time.Duration
	ControlSigningSecret   string
	ControlTokenTTL        time.Duration
	LogLevel               string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.backup_before_migrate", true)
	configViper.SetDefault("database.auto_migrate", true)
	configViper.SetDefault("avatars.dir", defaultAvatarsDir)
	configViper.SetDefault("avatars.url_template", defaultAvatarURLTemplate)
	configViper.SetDefault("steam.api_key", "")
	configViper.SetDefault("steam.base_url", defaultSteamBaseURL)
	configViper.SetDefault("steam.timeout_seconds", defaultSteamTimeoutSeconds)
	configViper.SetDefault("credentials.path", defaultCredentialsPath)
	configViper.SetDefault("enrichment.periodic_ban_check", false)
	configViper.SetDefault("enrichment.profile_refresh_cooldown_seconds", 0)
	configViper.SetDefault("enrichment.ban_refresh_cooldown_seconds", defaultBanCooldownSeconds)
	configViper.SetDefault("roster.log_path", "")
	configViper.SetDefault("roster.debounce_ms", defaultRosterDebounceMillis)
	configViper.SetDefault("control.signing_secret", "")
	configViper.SetDefault("control.token_ttl_minutes", defaultControlTokenTTLMinutes)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		DatabasePath:           configViper.GetString("database.path"),
		BackupBeforeMigrate:    configViper.GetBool("database.backup_before_migrate"),
		AutoMigrate:            configViper.GetBool("database.auto_migrate"),
		AvatarsDir:             configViper.GetString("avatars.dir"),
		AvatarURLTemplate:      configViper.GetString("avatars.url_template"),
		SteamAPIKey:            strings.TrimSpace(configViper.GetString("steam.api_key")),
		SteamBaseURL:           configViper.GetString("steam.base_url"),
		SteamTimeout:           time.Duration(configViper.GetInt("steam.timeout_seconds")) * time.Second,
		CredentialsPath:        configViper.GetString("credentials.path"),
		PeriodicBanCheck:       configViper.GetBool("enrichment.periodic_ban_check"),
		ProfileRefreshCooldown: time.Duration(configViper.GetInt("enrichment.profile_refresh_cooldown_seconds")) * time.Second,
		BanRefreshCooldown:     time.Duration(configViper.GetInt("enrichment.ban_refresh_cooldown_seconds")) * time.Second,
		RosterLogPath:          strings.TrimSpace(configViper.GetString("roster.log_path")),
		RosterDebounce:         time.Duration(configViper.GetInt("roster.debounce_ms")) * time.Millisecond,
		ControlSigningSecret:   configViper.GetString("control.signing_secret"),
		ControlTokenTTL:        time.Duration(configViper.GetInt("control.token_ttl_minutes")) * time.Minute,
		LogLevel:               configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireControlSecret reports whether the control API can sign and verify tokens.
func (c AppConfig) RequireControlSecret() error {
	if strings.TrimSpace(c.ControlSigningSecret) == "" {
		return fmt.Errorf("control.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AvatarsDir) == "" {
		return fmt.Errorf("avatars.dir is required")
	}
	if !strings.Contains(c.AvatarURLTemplate, "{hash}") {
		return fmt.Errorf("avatars.url_template must contain {hash}")
	}
	if strings.TrimSpace(c.SteamBaseURL) == "" {
		return fmt.Errorf("steam.base_url is required")
	}
	if c.SteamTimeout <= 0 {
		return fmt.Errorf("steam.timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.CredentialsPath) == "" {
		return fmt.Errorf("credentials.path is required")
	}
	if c.ProfileRefreshCooldown < 0 || c.BanRefreshCooldown < 0 {
		return fmt.Errorf("enrichment cooldowns must not be negative")
	}
	if c.RosterDebounce <= 0 {
		return fmt.Errorf("roster.debounce_ms must be positive")
	}
	if c.ControlTokenTTL <= 0 {
		return fmt.Errorf("control.token_ttl_minutes must be positive")
	}
	return nil
}
