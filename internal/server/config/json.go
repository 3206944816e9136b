package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/podsync/internal/flagx"
	"github.com/dmitrijs2005/podsync/internal/timex"
)

// JsonConfig is the JSON form of Config. Durations accept "1h" as well as
// integer nanoseconds.
type JsonConfig struct {
	ListenAddr         string         `json:"listen_addr"`
	DatabaseDSN        string         `json:"database_dsn"`
	APIKey             string         `json:"api_key"`
	SecretKey          string         `json:"secret_key"`
	RelayTokenValidity timex.Duration `json:"relay_token_validity"`
	ShutdownTimeout    timex.Duration `json:"shutdown_timeout"`
}

// parseJson overlays cfg with the JSON file named by -c or -config, if any.
// Keys missing from the file keep their current value. Read and decode
// errors panic.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	if c.ListenAddr != "" {
		cfg.ListenAddr = c.ListenAddr
	}
	if c.DatabaseDSN != "" {
		cfg.DatabaseDSN = c.DatabaseDSN
	}
	if c.APIKey != "" {
		cfg.APIKey = c.APIKey
	}
	if c.SecretKey != "" {
		cfg.SecretKey = c.SecretKey
	}
	if c.RelayTokenValidity.Duration != 0 {
		cfg.RelayTokenValidity = time.Duration(c.RelayTokenValidity.Duration)
	}
	if c.ShutdownTimeout.Duration != 0 {
		cfg.ShutdownTimeout = time.Duration(c.ShutdownTimeout.Duration)
	}
}
