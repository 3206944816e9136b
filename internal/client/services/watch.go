package services

import (
	"context"
	"time"

	"github.com/dmitrijs2005/podsync/internal/events"
)

// CheckRemote compares the provider's modification time with the last
// version this session wrote or imported, and merges the remote file in when
// it is newer. It is the single entry point for polling, file watching and
// relay notifications. A check that overlaps another check, or finds a
// write of this device in flight, is skipped.
func (s *Session) CheckRemote(ctx context.Context) (bool, error) {
	if !s.checking.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.checking.Store(false)

	s.mu.Lock()
	p, reloading, last := s.provider, s.reloading, s.lastSeen
	s.mu.Unlock()

	if p == nil || reloading {
		return false, nil
	}
	if !s.tryAcquire() {
		return false, nil
	}
	s.release()

	mod, err := p.LastModified(ctx)
	if err != nil {
		s.setState(ctx, StateError, err)
		return false, err
	}
	if mod.IsZero() || !mod.After(last) {
		return false, nil
	}

	s.log.Info(ctx, "remote file changed", "provider", p.Type(), "modified", mod)
	s.publish(events.RemoteChanged, nil)

	if _, err := s.LoadAndImport(ctx, LoadOptions{Merge: true}); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Session) checkAndLog(ctx context.Context) {
	if _, err := s.CheckRemote(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn(ctx, "remote check failed", "err", err)
	}
}

// StartPolling checks the remote file every poll interval while the
// application is visible.
func (s *Session) StartPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polling = true
	s.updatePollerLocked()
}

func (s *Session) StopPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polling = false
	s.updatePollerLocked()
}

// SetVisible pauses polling while the application is hidden. Becoming
// visible again triggers an immediate check.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	was := s.visible
	s.visible = visible
	s.updatePollerLocked()
	check := visible && !was && s.polling && !s.closed
	s.mu.Unlock()

	if check {
		go s.checkAndLog(s.ctx)
	}
}

func (s *Session) updatePollerLocked() {
	want := s.polling && s.visible && !s.closed
	switch {
	case want && s.pollStop == nil:
		ctx, cancel := context.WithCancel(s.ctx)
		s.pollStop = cancel
		go s.pollLoop(ctx)
	case !want && s.pollStop != nil:
		s.pollStop()
		s.pollStop = nil
	}
}

func (s *Session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndLog(ctx)
		}
	}
}

// ListenForChanges runs CheckRemote for every signal on ch until ch is
// closed or the session is closed. Sources are a local file watcher or a
// relay subscription.
func (s *Session) ListenForChanges(ch <-chan struct{}) {
	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				s.checkAndLog(s.ctx)
			}
		}
	}()
}
