// Package offline holds the latest pod file write that could not reach its
// backend and replays it when connectivity returns.
//
// Each write replaces the whole file, so one slot is enough: a newer write
// supersedes an older one. The slot is persisted in the device-local store
// so a restart does not lose it.
package offline

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/vmihailenco/msgpack/v5"
)

// Store is the device-local key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Writer delivers a queued payload. The registered writer must serialize
// with any other writes to the same backend.
type Writer interface {
	Write(ctx context.Context, content []byte) error
}

type WriterFunc func(ctx context.Context, content []byte) error

func (f WriterFunc) Write(ctx context.Context, content []byte) error { return f(ctx, content) }

type entry struct {
	Seq     uint64 `msgpack:"seq"`
	Content []byte `msgpack:"content"`
}

// Queue is a single-slot pending write buffer for one family.
type Queue struct {
	store Store
	key   string
	log   logging.Logger

	flushMu sync.Mutex

	mu      sync.Mutex
	pending []byte
	seq     uint64
	writer  Writer
}

func New(store Store, familyID string, log logging.Logger) *Queue {
	return &Queue{
		store: store,
		key:   "offline:" + familyID,
		log:   log.With("family_id", familyID),
	}
}

// Load restores a payload persisted by an earlier run.
func (q *Queue) Load(ctx context.Context) error {
	raw, err := q.store.Get(ctx, q.key)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	if raw == nil {
		return nil
	}
	var e entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		q.log.Warn(ctx, "dropping unreadable offline entry", "err", err)
		return q.store.Delete(ctx, q.key)
	}

	q.mu.Lock()
	q.pending = e.Content
	q.seq = e.Seq
	q.mu.Unlock()

	q.log.Info(ctx, "restored queued write", "bytes", len(e.Content))
	return nil
}

// Enqueue replaces the pending payload with content.
func (q *Queue) Enqueue(ctx context.Context, content []byte) error {
	q.mu.Lock()
	q.seq++
	q.pending = append([]byte(nil), content...)
	e := entry{Seq: q.seq, Content: q.pending}
	q.mu.Unlock()

	raw, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, q.key, raw); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}

	q.log.Info(ctx, "write queued until network returns", "bytes", len(content))
	return nil
}

// Pending returns a copy of the queued payload, if any.
func (q *Queue) Pending() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return nil, false
	}
	return append([]byte(nil), q.pending...), true
}

// Register sets the writer used by Flush.
func (q *Queue) Register(w Writer) {
	q.mu.Lock()
	q.writer = w
	q.mu.Unlock()
}

// Flush delivers the pending payload. The slot is cleared only if nothing
// newer was queued while the write was in flight.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	content, seq, w := q.pending, q.seq, q.writer
	q.mu.Unlock()

	if content == nil || w == nil {
		return nil
	}

	if err := w.Write(ctx, content); err != nil {
		return fmt.Errorf("flush offline queue: %w", err)
	}

	q.mu.Lock()
	if q.seq != seq {
		q.mu.Unlock()
		q.log.Debug(ctx, "newer write queued during flush, keeping it")
		return nil
	}
	q.pending = nil
	q.mu.Unlock()

	if err := q.store.Delete(ctx, q.key); err != nil {
		return fmt.Errorf("clear offline queue: %w", err)
	}
	q.log.Info(ctx, "queued write delivered", "bytes", len(content))
	return nil
}

// Clear drops the pending payload without delivering it.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.pending = nil
	q.seq++
	q.mu.Unlock()
	return q.store.Delete(ctx, q.key)
}

// Run flushes on every signal from restored until ctx is done.
func (q *Queue) Run(ctx context.Context, restored <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-restored:
			if !ok {
				return
			}
			if err := q.Flush(ctx); err != nil {
				q.log.Warn(ctx, "offline flush failed", "err", err)
			}
		}
	}
}
