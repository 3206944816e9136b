package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/podsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-d string     path of the device-local SQLite database
//	-l string     path of the log file ("" logs to stderr)
//	-r string     registry and relay base URL
//	-k string     registry API key
//	-i int        online check interval (in seconds)
//	-p int        remote poll interval (in seconds)
//	-debounce     save debounce interval (e.g. 2s)
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-l", "-r", "-k", "-i", "-p", "-debounce"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path of the local database")
	fs.StringVar(&cfg.LogPath, "l", cfg.LogPath, "path of the log file")
	fs.StringVar(&cfg.RegistryURL, "r", cfg.RegistryURL, "registry base URL")
	fs.StringVar(&cfg.RegistryAPIKey, "k", cfg.RegistryAPIKey, "registry API key")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	pollInterval := fs.Int("p", int(cfg.PollInterval.Seconds()), "remote poll interval (in seconds)")
	fs.DurationVar(&cfg.DebounceInterval, "debounce", cfg.DebounceInterval, "save debounce interval")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
	cfg.PollInterval = time.Duration(*pollInterval) * time.Second
	if cfg.RelayURL == "" {
		cfg.RelayURL = cfg.RegistryURL
	}
}
