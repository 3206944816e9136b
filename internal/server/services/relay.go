package services

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/podsync/internal/server/auth"
	"github.com/dmitrijs2005/podsync/internal/server/config"
)

// RelayService fans "file changed" signals out to the devices of a family.
// It is in-memory and best-effort: a subscriber that is not reading misses
// signals rather than blocking the sender, and nothing survives a restart.
type RelayService struct {
	jwtSecret     []byte
	tokenValidity time.Duration

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewRelayService(cfg *config.Config) *RelayService {
	return &RelayService{
		jwtSecret:     []byte(cfg.SecretKey),
		tokenValidity: cfg.RelayTokenValidity,
		subs:          make(map[string]map[chan struct{}]struct{}),
	}
}

// IssueToken returns a relay token scoped to familyID.
func (s *RelayService) IssueToken(familyID string) (string, error) {
	return auth.GenerateToken(familyID, s.jwtSecret, s.tokenValidity)
}

// Authorize returns the family a relay token is scoped to.
func (s *RelayService) Authorize(token string) (string, error) {
	return auth.GetFamilyIDFromToken(token, s.jwtSecret)
}

// Subscribe registers a listener for familyID. The channel has room for one
// pending signal; further signals coalesce into it. The subscription ends
// when ctx is done.
func (s *RelayService) Subscribe(ctx context.Context, familyID string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.subs[familyID] == nil {
		s.subs[familyID] = make(map[chan struct{}]struct{})
	}
	s.subs[familyID][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs[familyID], ch)
		if len(s.subs[familyID]) == 0 {
			delete(s.subs, familyID)
		}
		s.mu.Unlock()
	}()

	return ch
}

// Notify signals every subscriber of familyID and returns how many there
// were.
func (s *RelayService) Notify(familyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs[familyID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return len(s.subs[familyID])
}

// Subscribers reports how many listeners familyID has.
func (s *RelayService) Subscribers(familyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[familyID])
}
