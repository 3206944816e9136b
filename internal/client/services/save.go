package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/events"
	"github.com/dmitrijs2005/podsync/internal/merge"
	"github.com/dmitrijs2005/podsync/internal/pod"
	"github.com/dmitrijs2005/podsync/internal/storage"
)

// Save exports the local data set and writes it to the provider. Without an
// explicit password the family's session secret is used. When encryption is
// required and no password is available the save is refused before any I/O.
//
// A write that the provider hands to the offline queue counts as success.
func (s *Session) Save(ctx context.Context, password []byte) error {
	pw := password
	if len(pw) > 0 && s.keys != nil {
		s.keys.Set(s.familyID, pw)
	}
	if len(pw) == 0 && s.keys != nil {
		if secret, ok := s.keys.Get(s.familyID); ok {
			pw = secret
			defer common.WipeByteArray(secret)
		}
	}
	if len(pw) == 0 && s.EncryptionRequired() {
		return common.ErrEncryptionRequired
	}
	if s.Provider() == nil {
		return common.ErrNotConfigured
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	// the provider may have been swapped while waiting for the lock
	p := s.Provider()
	if p == nil {
		return common.ErrNotConfigured
	}

	s.setState(ctx, StateSyncing, nil)
	s.carryPasskeys(ctx, p)

	content, err := s.encode(ctx, pw)
	if err != nil {
		s.saveFailed(ctx, err)
		return err
	}

	if err := s.write(ctx, p, content); err != nil {
		s.saveFailed(ctx, err)
		return err
	}

	s.setState(ctx, StateIdle, nil)
	return nil
}

// SaveNow cancels a pending debounced save and saves immediately.
func (s *Session) SaveNow(ctx context.Context) error {
	s.CancelPendingSave()
	return s.Save(ctx, nil)
}

func (s *Session) encode(ctx context.Context, password []byte) ([]byte, error) {
	data, err := s.store.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("export local data: %w", err)
	}
	data, pruned := merge.Prune(data, merge.Options{Now: s.now(), Retention: s.retention})
	if pruned > 0 {
		s.log.Debug(ctx, "expired tombstones dropped from export", "count", pruned)
	}

	payload, err := pod.Seal(data, password)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}

	s.mu.Lock()
	env := pod.Envelope{
		Version:    common.EnvelopeVersion,
		ExportedAt: s.now(),
		FamilyID:   s.familyID,
		FamilyName: s.familyName,
		Passkeys:   append([]pod.PasskeyWrap(nil), s.passkeys...),
		Payload:    payload,
	}
	s.mu.Unlock()

	return pod.Encode(env)
}

// carryPasskeys picks up the passkey wraps of the remote file when this
// session has not read it yet, so a save never drops them.
func (s *Session) carryPasskeys(ctx context.Context, p storage.Provider) {
	s.mu.Lock()
	known := s.passkeysKnown
	s.mu.Unlock()
	if known {
		return
	}

	content, err := p.Read(ctx)
	if err != nil || len(content) == 0 {
		return
	}
	env, err := pod.Decode(content)
	if err != nil || s.checkFamily(env) != nil {
		return
	}

	s.mu.Lock()
	s.passkeys = append([]pod.PasskeyWrap(nil), env.Passkeys...)
	s.passkeysKnown = true
	s.mu.Unlock()
}

// write sends content to p. The caller holds the write lock.
func (s *Session) write(ctx context.Context, p storage.Provider, content []byte) error {
	s.queued.Store(false)
	if err := p.Write(ctx, content); err != nil {
		return err
	}
	if s.queued.Load() {
		s.log.Info(ctx, "save queued", "provider", p.Type(), "bytes", len(content))
		return nil
	}

	// a delivered write supersedes anything still waiting offline
	if _, ok := s.queue.Pending(); ok {
		if err := s.queue.Clear(ctx); err != nil {
			s.log.Warn(ctx, "stale offline write not cleared", "err", err)
		}
	}

	s.recordRemoteVersion(ctx, p)
	s.log.Info(ctx, "saved", "provider", p.Type(), "bytes", len(content))
	s.publish(events.SaveCompleted, nil)
	s.notifyRelay()
	return nil
}

// recordRemoteVersion remembers the provider's modification time so that
// polling does not re-import this device's own write.
func (s *Session) recordRemoteVersion(ctx context.Context, p storage.Provider) {
	mod, err := p.LastModified(ctx)
	if err != nil || mod.IsZero() {
		return
	}
	s.mu.Lock()
	if mod.After(s.lastSeen) {
		s.lastSeen = mod
	}
	s.mu.Unlock()
}

func (s *Session) notifyRelay() {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, s.familyID); err != nil {
			s.log.Warn(ctx, "relay notify failed", "err", err)
		}
	}()
}

func (s *Session) saveFailed(ctx context.Context, err error) {
	s.setState(ctx, StateError, err)
	s.publish(events.SaveFailed, err)
}

// flushWrite delivers a queued offline write. It shares the write lock with
// Save.
func (s *Session) flushWrite(ctx context.Context, content []byte) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	p := s.Provider()
	if p == nil {
		return common.ErrNotConfigured
	}

	s.queued.Store(false)
	if err := p.Write(ctx, content); err != nil {
		return err
	}
	if s.queued.Load() {
		// still offline; the queue keeps the newer slot
		return nil
	}

	s.recordRemoteVersion(ctx, p)
	s.publish(events.SaveCompleted, nil)
	s.notifyRelay()
	return nil
}

// TriggerDebouncedSave schedules a save after the debounce interval,
// restarting the timer if one is pending. It is ignored while a load is
// importing data and when no provider is connected.
func (s *Session) TriggerDebouncedSave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.reloading || s.provider == nil {
		return
	}

	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() { s.fireDebounced(gen) })
}

func (s *Session) fireDebounced(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.closed || s.reloading {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if err := s.Save(s.ctx, nil); err != nil {
		s.log.Warn(s.ctx, "debounced save failed", "err", err)
	}
}

// CancelPendingSave drops a scheduled debounced save.
func (s *Session) CancelPendingSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// HasPendingSave reports whether a debounced save is scheduled.
func (s *Session) HasPendingSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
