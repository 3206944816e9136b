// Package netx tracks whether the device can reach the network.
package netx

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/podsync/internal/logging"
)

// Probe reports whether the network is reachable. A nil error means online.
type Probe func(ctx context.Context) error

// HTTPProbe treats any HTTP response from url, whatever its status, as
// proof of connectivity.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		return resp.Body.Close()
	}
}

// Monitor polls a Probe and tracks online/offline transitions. Every
// offline to online transition is signalled to the subscribers of Restored.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	log      logging.Logger

	mu     sync.Mutex
	online bool
	subs   []chan struct{}
}

// NewMonitor starts in the online state; the first failed probe flips it.
func NewMonitor(probe Probe, interval time.Duration, log logging.Logger) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  3 * time.Second,
		log:      log,
		online:   true,
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Restored returns a channel that receives a value on each reconnect, and a
// function that unsubscribes it. Signals are coalesced if the receiver is
// slow. The channel is not closed on unsubscribe.
func (m *Monitor) Restored() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, sub := range m.subs {
				if sub == ch {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers reports how many Restored channels are live.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Check runs the probe once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx)
	cancel()

	m.Set(ctx, err == nil)
	return err == nil
}

// Set records the connectivity state directly, for hosts that learn about
// it from the platform instead of probing.
func (m *Monitor) Set(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	var subs []chan struct{}
	if !was && online {
		subs = append(subs, m.subs...)
	}
	m.mu.Unlock()

	switch {
	case was && !online:
		m.log.Warn(ctx, "network went offline")
	case !was && online:
		m.log.Info(ctx, "network restored")
		for _, ch := range subs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Run probes on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}
