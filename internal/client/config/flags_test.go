package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"cmd", "-d", "/tmp/p.db", "-l", "/tmp/p.log", "-r", "http://reg", "-k", "key", "-i", "10", "-p", "60", "-debounce", "750ms"},
			expected: &Config{
				DatabasePath: "/tmp/p.db", LogPath: "/tmp/p.log", RegistryURL: "http://reg", RelayURL: "http://reg", RegistryAPIKey: "key",
				OnlineCheckInterval: 10 * time.Second, PollInterval: time.Minute, DebounceInterval: 750 * time.Millisecond,
			},
		},
		{
			name:     "unrelated flags are ignored",
			args:     []string{"cmd", "-c", "cfg.json", "-x", "1", "-i", "5"},
			expected: &Config{OnlineCheckInterval: 5 * time.Second},
		},
		{name: "incorrect check interval", args: []string{"cmd", "-i", "abc"}, expectPanic: true},
		{name: "incorrect debounce", args: []string{"cmd", "-debounce", "soon"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args

			config := &Config{}

			if !tt.expectPanic {
				require.NotPanics(t, func() { parseFlags(config) })
				assert.Empty(t, cmp.Diff(tt.expected, config))
			} else {
				require.Panics(t, func() { parseFlags(config) })
			}
		})
	}
}
