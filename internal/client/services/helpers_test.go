package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/podsync/internal/client/client"
	"github.com/dmitrijs2005/podsync/internal/events"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/dmitrijs2005/podsync/internal/pod"
	"github.com/dmitrijs2005/podsync/internal/storage"
	"github.com/stretchr/testify/require"
)

const testFamily = "fam-1"

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemKV() *memKV { return &memKV{m: map[string][]byte{}} }

func (k *memKV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (k *memKV) Set(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = append([]byte(nil), value...)
	return nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func (k *memKV) has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.m[key]
	return ok
}

// fakeStore is an in-memory LocalStore. onImport listeners run
// asynchronously, like a reactive UI layer, and Settle waits for them.
type fakeStore struct {
	mu       sync.Mutex
	data     pod.ExportedData
	exports  int
	imports  int
	onImport func()
	wg       sync.WaitGroup
}

func newFakeStore() *fakeStore { return &fakeStore{data: pod.Empty()} }

func (f *fakeStore) Export(context.Context) (pod.ExportedData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports++
	return f.data.Clone(), nil
}

func (f *fakeStore) Import(_ context.Context, d pod.ExportedData) error {
	f.mu.Lock()
	f.imports++
	f.data = d.Clone()
	fn := f.onImport
	if fn != nil {
		f.wg.Add(1)
	}
	f.mu.Unlock()

	if fn != nil {
		go func() {
			defer f.wg.Done()
			time.Sleep(10 * time.Millisecond)
			fn()
		}()
	}
	return nil
}

func (f *fakeStore) HasLocalChanges(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.Count() > 0 || len(f.data.Tombstones) > 0, nil
}

func (f *fakeStore) Settle(context.Context) error {
	f.wg.Wait()
	return nil
}

func (f *fakeStore) put(collection string, r pod.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.Upsert(collection, r)
}

func (f *fakeStore) snapshot() (pod.ExportedData, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.Clone(), f.exports, f.imports
}

// fakeProvider keeps the file in memory. Each delivered write advances the
// modification time by one second.
type fakeProvider struct {
	mu           sync.Mutex
	content      []byte
	modified     time.Time
	writes       int
	offline      bool
	writeErr     error
	lmErr        error
	queue        storage.Enqueuer
	gate         chan struct{}
	inFlight     int
	maxInFlight  int
	ready        bool
	persisted    bool
	cleared      bool
	disconnected bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{modified: t0, ready: true}
}

func (f *fakeProvider) Type() storage.Type { return storage.TypeLocal }

func (f *fakeProvider) SetQueue(q storage.Enqueuer) {
	f.mu.Lock()
	f.queue = q
	f.mu.Unlock()
}

func (f *fakeProvider) Write(ctx context.Context, content []byte) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.inFlight--
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	if f.offline {
		q := f.queue
		f.mu.Unlock()
		return q.Enqueue(ctx, content)
	}
	f.content = append([]byte(nil), content...)
	f.modified = f.modified.Add(time.Second)
	f.writes++
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Read(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.content...), nil
}

func (f *fakeProvider) LastModified(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modified, f.lmErr
}

func (f *fakeProvider) IsReady(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeProvider) RequestAccess(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = true
	return nil
}

func (f *fakeProvider) Persist(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = true
	return nil
}

func (f *fakeProvider) ClearPersisted(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeProvider) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

// external simulates another device replacing the file.
func (f *fakeProvider) external(content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = append([]byte(nil), content...)
	f.modified = f.modified.Add(time.Minute)
}

func (f *fakeProvider) written() ([]byte, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.content...), f.writes
}

type fakeFactory struct {
	p   storage.Provider
	err error
	got *storage.ProviderConfig
}

func (f *fakeFactory) Build(_ context.Context, cfg storage.ProviderConfig) (storage.Provider, error) {
	f.got = &cfg
	return f.p, f.err
}

type fakeRegistry struct {
	entry *client.FamilyEntry
	err   error
	puts  []client.FamilyEntry
}

func (f *fakeRegistry) LookupFamily(context.Context, string) (*client.FamilyEntry, error) {
	return f.entry, f.err
}

func (f *fakeRegistry) PutFamily(_ context.Context, _ string, e client.FamilyEntry) error {
	f.puts = append(f.puts, e)
	return nil
}

type eventLog struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (l *eventLog) record(e events.Event) {
	l.mu.Lock()
	l.kinds = append(l.kinds, e.Kind)
	l.mu.Unlock()
}

func (l *eventLog) has(k events.Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.kinds {
		if got == k {
			return true
		}
	}
	return false
}

type harness struct {
	s        *Session
	p        *fakeProvider
	store    *fakeStore
	kv       *memKV
	keys     *KeyManager
	configs  *storage.ConfigStore
	factory  *fakeFactory
	registry *fakeRegistry
	events   *eventLog
}

func newHarness(t *testing.T, mutate ...func(*SessionDeps)) *harness {
	t.Helper()

	h := &harness{
		p:        newFakeProvider(),
		store:    newFakeStore(),
		kv:       newMemKV(),
		registry: &fakeRegistry{},
		events:   &eventLog{},
	}
	h.configs = storage.NewConfigStore(h.kv)
	h.factory = &fakeFactory{p: h.p}
	h.keys = NewKeyManager(h.kv, logging.Nop())

	bus := events.NewBus()
	bus.Subscribe(h.events.record)

	deps := SessionDeps{
		FamilyID:         testFamily,
		FamilyName:       "Smiths",
		Store:            h.store,
		Configs:          h.configs,
		Factory:          h.factory,
		Keys:             h.keys,
		Metadata:         h.kv,
		Registry:         h.registry,
		Bus:              bus,
		Log:              logging.Nop(),
		Now:              func() time.Time { return t0 },
		DebounceInterval: 20 * time.Millisecond,
		PollInterval:     20 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&deps)
	}

	h.s = NewSession(deps)
	t.Cleanup(h.s.Close)
	return h
}

// connected returns a harness whose session is connected to its provider.
func connected(t *testing.T, mutate ...func(*SessionDeps)) *harness {
	t.Helper()
	h := newHarness(t, mutate...)
	require.NoError(t, h.s.Connect(context.Background(), h.p))
	return h
}

func record(id string, at time.Time, title string) pod.Record {
	return pod.Record{ID: id, UpdatedAt: at, Fields: map[string]json.RawMessage{"title": json.RawMessage(`"` + title + `"`)}}
}

func encodeFile(t *testing.T, familyID string, data pod.ExportedData, password []byte, wraps ...pod.PasskeyWrap) []byte {
	t.Helper()
	payload, err := pod.Seal(data, password)
	require.NoError(t, err)
	b, err := pod.Encode(pod.Envelope{
		Version:    "1.0",
		ExportedAt: t0,
		FamilyID:   familyID,
		Passkeys:   wraps,
		Payload:    payload,
	})
	require.NoError(t, err)
	return b
}

func decodeFile(t *testing.T, content []byte, password []byte) (*pod.Envelope, pod.ExportedData) {
	t.Helper()
	env, err := pod.Decode(content)
	require.NoError(t, err)
	data, err := pod.Open(env.Payload, password)
	require.NoError(t, err)
	return env, data
}
