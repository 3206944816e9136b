package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/podsync/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-k string   API key expected in X-Api-Key
//	-s string   JWT HMAC secret key
//	-t int      relay token validity, minutes
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-k", "-s", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.APIKey, "k", config.APIKey, "registry API key")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	relayTokenValidity := fs.Int("t", int(config.RelayTokenValidity.Minutes()), "relay token validity (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.RelayTokenValidity = time.Duration(*relayTokenValidity) * time.Minute
}
