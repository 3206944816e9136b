package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/podsync/internal/flagx"
	"github.com/dmitrijs2005/podsync/internal/timex"
	"github.com/pelletier/go-toml/v2"
)

// JsonConfig is a DTO used exclusively for config file unmarshalling, JSON
// or TOML. Intervals use timex.Duration so they can be written as "2s" (or,
// in JSON only, as integer nanoseconds). Absent keys leave the current
// value untouched.
type JsonConfig struct {
	DatabasePath string `json:"database_path" toml:"database_path"`
	LogPath      string `json:"log_path" toml:"log_path"`

	DebounceInterval    timex.Duration `json:"debounce_interval" toml:"debounce_interval"`
	PollInterval        timex.Duration `json:"poll_interval" toml:"poll_interval"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval" toml:"online_check_interval"`
	TombstoneRetention  timex.Duration `json:"tombstone_retention" toml:"tombstone_retention"`
	OnlineProbeURL      string         `json:"online_probe_url" toml:"online_probe_url"`

	RegistryURL    string `json:"registry_url" toml:"registry_url"`
	RegistryAPIKey string `json:"registry_api_key" toml:"registry_api_key"`
	RelayURL       string `json:"relay_url" toml:"relay_url"`

	DriveBaseURL    string `json:"drive_base_url" toml:"drive_base_url"`
	DriveUploadURL  string `json:"drive_upload_url" toml:"drive_upload_url"`
	DriveFolderName string `json:"drive_folder_name" toml:"drive_folder_name"`

	OAuthClientID     string `json:"oauth_client_id" toml:"oauth_client_id"`
	OAuthClientSecret string `json:"oauth_client_secret" toml:"oauth_client_secret"`
	OAuthAuthURL      string `json:"oauth_auth_url" toml:"oauth_auth_url"`
	OAuthTokenURL     string `json:"oauth_token_url" toml:"oauth_token_url"`
	OAuthRedirectURL  string `json:"oauth_redirect_url" toml:"oauth_redirect_url"`

	S3Bucket    string `json:"s3_bucket" toml:"s3_bucket"`
	S3Region    string `json:"s3_region" toml:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint" toml:"s3_endpoint"`
	S3AccessKey string `json:"s3_access_key" toml:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key" toml:"s3_secret_key"`
}

// parseJson overlays cfg with values from the config file named by -c or
// -config. A ".toml" file is read as TOML, anything else as JSON. It panics
// on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := decodeConfig(jsonConfigFile, data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.DatabasePath, jc.DatabasePath)
	setString(&cfg.LogPath, jc.LogPath)
	setDuration(&cfg.DebounceInterval, jc.DebounceInterval)
	setDuration(&cfg.PollInterval, jc.PollInterval)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.TombstoneRetention, jc.TombstoneRetention)
	setString(&cfg.OnlineProbeURL, jc.OnlineProbeURL)

	setString(&cfg.RegistryURL, jc.RegistryURL)
	setString(&cfg.RegistryAPIKey, jc.RegistryAPIKey)
	setString(&cfg.RelayURL, jc.RelayURL)

	setString(&cfg.DriveBaseURL, jc.DriveBaseURL)
	setString(&cfg.DriveUploadURL, jc.DriveUploadURL)
	setString(&cfg.DriveFolderName, jc.DriveFolderName)

	setString(&cfg.OAuthClientID, jc.OAuthClientID)
	setString(&cfg.OAuthClientSecret, jc.OAuthClientSecret)
	setString(&cfg.OAuthAuthURL, jc.OAuthAuthURL)
	setString(&cfg.OAuthTokenURL, jc.OAuthTokenURL)
	setString(&cfg.OAuthRedirectURL, jc.OAuthRedirectURL)

	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3Endpoint, jc.S3Endpoint)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
}

func decodeConfig(path string, data []byte, jc *JsonConfig) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, jc)
	}
	return json.Unmarshal(data, jc)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
