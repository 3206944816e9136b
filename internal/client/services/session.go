// Package services contains the application services of the podsync client:
// the per-family sync Session and the KeyManager that holds family
// passwords.
package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/podsync/internal/client/client"
	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/events"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/dmitrijs2005/podsync/internal/merge"
	"github.com/dmitrijs2005/podsync/internal/offline"
	"github.com/dmitrijs2005/podsync/internal/pod"
	"github.com/dmitrijs2005/podsync/internal/storage"
)

// State is the session's sync state. Idle, Syncing and Error all imply a
// configured provider.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateUnconfigured  State = "unconfigured"
	StateIdle          State = "idle"
	StateSyncing       State = "syncing"
	StateError         State = "error"
)

// LocalStore is the application's working copy of the data set.
type LocalStore interface {
	Export(ctx context.Context) (pod.ExportedData, error)
	Import(ctx context.Context, data pod.ExportedData) error
	HasLocalChanges(ctx context.Context) (bool, error)
	// Settle returns once every change notification caused by earlier
	// mutations has been delivered.
	Settle(ctx context.Context) error
}

// ProviderFactory rebuilds a provider from its persisted configuration.
type ProviderFactory interface {
	Build(ctx context.Context, cfg storage.ProviderConfig) (storage.Provider, error)
}

// Registry answers where a family's pod file lives.
type Registry interface {
	LookupFamily(ctx context.Context, familyID string) (*client.FamilyEntry, error)
}

// FamilyPublisher is implemented by registries that accept updates.
type FamilyPublisher interface {
	PutFamily(ctx context.Context, familyID string, entry client.FamilyEntry) error
}

// Notifier tells other devices that the pod file changed.
type Notifier interface {
	Notify(ctx context.Context, familyID string) error
}

// SessionDeps wires a Session. Registry, Notifier, Bus and Restored are
// optional.
type SessionDeps struct {
	FamilyID   string
	FamilyName string

	Store    LocalStore
	Configs  *storage.ConfigStore
	Factory  ProviderFactory
	Keys     *KeyManager
	Metadata storage.KV
	Registry Registry
	Notifier Notifier
	Bus      *events.Bus
	Restored <-chan struct{}
	Log      logging.Logger
	Now      func() time.Time

	DebounceInterval   time.Duration
	PollInterval       time.Duration
	TombstoneRetention time.Duration
}

// InitResult describes what Initialize restored.
type InitResult struct {
	Restored     bool
	NeedsAccess  bool
	RegistryHint *client.FamilyEntry
}

// Session orchestrates synchronization of one family's pod file.
//
// All writes to the provider, including offline queue flushes, go through a
// single write lock, so at most one write is in flight at any time.
type Session struct {
	familyID  string
	store     LocalStore
	configs   *storage.ConfigStore
	factory   ProviderFactory
	keys      *KeyManager
	metadata  storage.KV
	registry  Registry
	notifier  Notifier
	bus       *events.Bus
	log       logging.Logger
	now       func() time.Time
	debounce  time.Duration
	poll      time.Duration
	retention time.Duration

	queue *offline.Queue

	ctx    context.Context
	cancel context.CancelFunc

	writeLock chan struct{}
	queued    atomic.Bool
	checking  atomic.Bool

	mu                 sync.Mutex
	familyName         string
	state              State
	lastErr            error
	provider           storage.Provider
	reloading          bool
	encryptionRequired bool
	lastSeen           time.Time
	passkeys           []pod.PasskeyWrap
	passkeysKnown      bool
	timer              *time.Timer
	gen                uint64
	polling            bool
	visible            bool
	pollStop           context.CancelFunc
	closed             bool
}

func NewSession(deps SessionDeps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.DebounceInterval <= 0 {
		deps.DebounceInterval = 2 * time.Second
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 30 * time.Second
	}
	if deps.TombstoneRetention <= 0 {
		deps.TombstoneRetention = merge.DefaultRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := deps.Log.With("family_id", deps.FamilyID)

	s := &Session{
		familyID:   deps.FamilyID,
		familyName: deps.FamilyName,
		store:      deps.Store,
		configs:    deps.Configs,
		factory:    deps.Factory,
		keys:       deps.Keys,
		metadata:   deps.Metadata,
		registry:   deps.Registry,
		notifier:   deps.Notifier,
		bus:        deps.Bus,
		log:        log,
		now:        deps.Now,
		debounce:   deps.DebounceInterval,
		poll:       deps.PollInterval,
		retention:  deps.TombstoneRetention,
		ctx:        ctx,
		cancel:     cancel,
		writeLock:  make(chan struct{}, 1),
		state:      StateUninitialized,
		visible:    true,
	}

	if s.familyID != "" {
		s.queue = offline.New(deps.Metadata, s.familyID, deps.Log)
		s.queue.Register(offline.WriterFunc(s.flushWrite))
		if deps.Restored != nil {
			go s.queue.Run(ctx, deps.Restored)
		}
	}
	return s
}

func (s *Session) FamilyID() string { return s.familyID }

func (s *Session) FamilyName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.familyName
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that put the session into StateError.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Provider returns the connected provider, or nil.
func (s *Session) Provider() storage.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// Queue returns the family's offline queue. It is nil when the session has
// no family.
func (s *Session) Queue() *offline.Queue { return s.queue }

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.writeLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) tryAcquire() bool {
	select {
	case s.writeLock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) release() { <-s.writeLock }

func (s *Session) setState(ctx context.Context, st State, err error) {
	s.mu.Lock()
	if s.state == st && err == nil {
		s.mu.Unlock()
		return
	}
	s.state = st
	if st == StateError {
		s.lastErr = err
	} else {
		s.lastErr = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error(ctx, "sync error", "state", st, "err", err)
	} else {
		s.log.Debug(ctx, "state changed", "state", st)
	}
	s.publish(events.StateChanged, err)
}

func (s *Session) publish(kind events.Kind, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Kind: kind, FamilyID: s.familyID, State: string(s.State()), Err: err})
}

// Initialize resets all in-memory state and restores the provider persisted
// for the active family. When nothing is persisted the registry, if any, is
// consulted and its answer returned as a hint; registry failures are logged
// and ignored.
func (s *Session) Initialize(ctx context.Context) (InitResult, error) {
	var res InitResult

	if err := s.reset(ctx); err != nil {
		return res, err
	}

	if s.familyID == "" {
		s.setState(ctx, StateUnconfigured, nil)
		return res, common.ErrNoActiveFamily
	}

	if err := s.loadPolicy(ctx); err != nil {
		s.log.Warn(ctx, "encryption policy unreadable", "err", err)
	}
	if err := s.queue.Load(ctx); err != nil {
		s.log.Warn(ctx, "offline queue unreadable", "err", err)
	}
	if s.keys != nil {
		if _, ok := s.keys.Get(s.familyID); !ok {
			if _, err := s.keys.Restore(ctx, s.familyID); err != nil {
				s.log.Warn(ctx, "trusted secret unreadable", "err", err)
			}
		}
	}

	cfg, err := s.configs.Load(ctx, s.familyID)
	if err != nil {
		s.setState(ctx, StateUnconfigured, nil)
		return res, fmt.Errorf("load provider config: %w", err)
	}
	if cfg == nil {
		res.RegistryHint = s.lookupRegistry(ctx)
		s.setState(ctx, StateUnconfigured, nil)
		return res, nil
	}

	p, err := s.factory.Build(ctx, *cfg)
	if err != nil {
		s.setState(ctx, StateUnconfigured, nil)
		return res, fmt.Errorf("restore %s provider: %w", cfg.Type, err)
	}
	s.attach(p)

	res.Restored = true
	res.NeedsAccess = !p.IsReady(ctx)
	s.log.Info(ctx, "provider restored", "provider", p.Type(), "needs_access", res.NeedsAccess)
	s.setState(ctx, StateIdle, nil)
	if !res.NeedsAccess {
		s.flushRestoredQueue()
	}
	return res, nil
}

// flushRestoredQueue delivers a write left queued by an earlier run. The
// monitor starts online, so no restore edge would trigger it.
func (s *Session) flushRestoredQueue() {
	if _, ok := s.queue.Pending(); !ok {
		return
	}
	go func() {
		if err := s.queue.Flush(s.ctx); err != nil {
			s.log.Warn(s.ctx, "queued write not delivered", "err", err)
		}
	}()
}

func (s *Session) reset(ctx context.Context) error {
	s.CancelPendingSave()
	s.StopPolling()

	// wait out a write that is still in flight
	if err := s.acquire(ctx); err != nil {
		return err
	}
	s.release()

	s.mu.Lock()
	s.provider = nil
	s.reloading = false
	s.lastSeen = time.Time{}
	s.passkeys = nil
	s.passkeysKnown = false
	s.mu.Unlock()

	s.setState(ctx, StateUninitialized, nil)
	return nil
}

func (s *Session) lookupRegistry(ctx context.Context) *client.FamilyEntry {
	if s.registry == nil {
		return nil
	}
	entry, err := s.registry.LookupFamily(ctx, s.familyID)
	if err != nil {
		s.log.Warn(ctx, "registry lookup failed", "err", err)
		return nil
	}
	return entry
}

func (s *Session) attach(p storage.Provider) {
	if qa, ok := p.(storage.QueueAware); ok {
		qa.SetQueue(sessionQueue{s})
	}
	s.mu.Lock()
	s.provider = p
	s.lastSeen = time.Time{}
	s.passkeys = nil
	s.passkeysKnown = false
	s.mu.Unlock()
}

// sessionQueue is the Enqueuer handed to providers. It records that the
// current write was queued instead of delivered.
type sessionQueue struct{ s *Session }

func (q sessionQueue) Enqueue(ctx context.Context, content []byte) error {
	q.s.queued.Store(true)
	if err := q.s.queue.Enqueue(ctx, content); err != nil {
		return err
	}
	q.s.publish(events.Queued, nil)
	return nil
}

// Connect makes p the family's provider. Access is requested when p is not
// ready yet, so callers pass a context marked with storage.WithUserGesture.
func (s *Session) Connect(ctx context.Context, p storage.Provider) error {
	if s.familyID == "" {
		return common.ErrNoActiveFamily
	}
	s.CancelPendingSave()

	if !p.IsReady(ctx) {
		if err := p.RequestAccess(ctx); err != nil {
			return fmt.Errorf("request access: %w", err)
		}
	}
	if err := p.Persist(ctx, s.familyID); err != nil {
		return fmt.Errorf("persist provider: %w", err)
	}

	s.attach(p)
	s.log.Info(ctx, "provider connected", "provider", p.Type())
	s.setState(ctx, StateIdle, nil)
	s.publishLocation(ctx, p)
	return nil
}

func (s *Session) publishLocation(ctx context.Context, p storage.Provider) {
	pub, ok := s.registry.(FamilyPublisher)
	if !ok {
		return
	}

	entry := client.FamilyEntry{Provider: string(p.Type()), FamilyName: s.FamilyName(), UpdatedAt: s.now().UTC()}
	switch v := p.(type) {
	case *storage.LocalProvider:
		entry.DisplayPath = v.Path()
	case *storage.CloudProvider:
		entry.FileID, entry.DisplayPath = v.File()
	case *storage.S3Provider:
		bucket, key := v.Location()
		entry.DisplayPath = bucket + "/" + key
	}

	if err := pub.PutFamily(ctx, s.familyID, entry); err != nil {
		s.log.Warn(ctx, "registry update failed", "err", err)
	}
}

// Disconnect drops the provider and everything persisted for it, including
// a queued offline write.
func (s *Session) Disconnect(ctx context.Context) error {
	s.CancelPendingSave()
	s.StopPolling()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	p := s.Provider()
	if p != nil {
		if err := p.Disconnect(ctx); err != nil {
			s.log.Warn(ctx, "provider disconnect failed", "err", err)
		}
		if err := p.ClearPersisted(ctx, s.familyID); err != nil {
			return fmt.Errorf("clear provider config: %w", err)
		}
	}
	if s.queue != nil {
		if err := s.queue.Clear(ctx); err != nil {
			s.log.Warn(ctx, "offline queue clear failed", "err", err)
		}
	}

	s.mu.Lock()
	s.provider = nil
	s.lastSeen = time.Time{}
	s.passkeys = nil
	s.passkeysKnown = false
	s.mu.Unlock()

	s.setState(ctx, StateUnconfigured, nil)
	return nil
}

func policyKey(familyID string) string { return "encryption:" + familyID }

func (s *Session) loadPolicy(ctx context.Context) error {
	v, err := s.metadata.Get(ctx, policyKey(s.familyID))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.encryptionRequired = v != nil
	s.mu.Unlock()
	return nil
}

// SetEncryptionRequired changes and persists the encryption policy. While
// it is on, a save without a password is refused.
func (s *Session) SetEncryptionRequired(ctx context.Context, required bool) error {
	if s.familyID == "" {
		return common.ErrNoActiveFamily
	}
	var err error
	if required {
		err = s.metadata.Set(ctx, policyKey(s.familyID), []byte("1"))
	} else {
		err = s.metadata.Delete(ctx, policyKey(s.familyID))
	}
	if err != nil {
		return fmt.Errorf("persist encryption policy: %w", err)
	}
	s.mu.Lock()
	s.encryptionRequired = required
	s.mu.Unlock()
	return nil
}

func (s *Session) EncryptionRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encryptionRequired
}

// Close stops timers, polling and background goroutines. The provider and
// its persisted configuration are left alone.
func (s *Session) Close() {
	s.CancelPendingSave()
	s.mu.Lock()
	s.closed = true
	if s.pollStop != nil {
		s.pollStop()
		s.pollStop = nil
	}
	s.mu.Unlock()
	s.cancel()
}
