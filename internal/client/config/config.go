package config

import (
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/podsync/internal/filex"
)

const appName = "podsync"

// Config holds runtime settings for the podsync CLI.
type Config struct {
	DatabasePath string
	// LogPath names the rotated log file. Empty logs to stderr.
	LogPath string

	DebounceInterval    time.Duration
	PollInterval        time.Duration
	OnlineCheckInterval time.Duration
	TombstoneRetention  time.Duration
	OnlineProbeURL      string

	RegistryURL    string
	RegistryAPIKey string
	RelayURL       string

	DriveBaseURL    string
	DriveUploadURL  string
	DriveFolderName string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURL  string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = defaultDatabasePath()
	c.LogPath = filepath.Join(filepath.Dir(c.DatabasePath), appName+".log")
	c.DebounceInterval = 2 * time.Second
	c.PollInterval = 30 * time.Second
	c.OnlineCheckInterval = 3 * time.Second
	c.TombstoneRetention = 30 * 24 * time.Hour
	c.OnlineProbeURL = "https://www.googleapis.com/generate_204"

	c.DriveBaseURL = "https://www.googleapis.com/drive/v3"
	c.DriveUploadURL = "https://www.googleapis.com/upload/drive/v3"
	c.DriveFolderName = "Family Pod"

	c.OAuthAuthURL = "https://accounts.google.com/o/oauth2/auth"
	c.OAuthTokenURL = "https://oauth2.googleapis.com/token"
	c.OAuthRedirectURL = "urn:ietf:wg:oauth:2.0:oob"

	c.S3Region = "us-east-1"
}

func defaultDatabasePath() string {
	dir, err := filex.DataDir(appName)
	if err != nil {
		return appName + ".db"
	}
	return filepath.Join(dir, appName+".db")
}

// CloudEnabled reports whether enough OAuth settings are present to use the
// cloud drive backend.
func (c *Config) CloudEnabled() bool {
	return c.OAuthClientID != "" && c.DriveBaseURL != ""
}

// S3Enabled reports whether an S3 bucket is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// a JSON or TOML file (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
