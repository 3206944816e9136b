// Package config loads runtime configuration for the podsync CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// # JSON schema
//
// Intervals accept strings like "2s" or integer nanoseconds:
//
//	{
//	  "database_path": "/home/me/.config/podsync/podsync.db",
//	  "debounce_interval": "2s",
//	  "poll_interval": "30s",
//	  "registry_url": "https://registry.example",
//	  "registry_api_key": "secret",
//	  "oauth_client_id": "...apps.googleusercontent.com",
//	  "s3_bucket": "family-pods"
//	}
//
// When no relay URL is given the registry URL is used, since the bundled
// server serves both.
package config
