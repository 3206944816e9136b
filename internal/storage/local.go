package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	openRW     = os.O_RDWR
	openCreate = os.O_RDWR | os.O_CREATE | os.O_EXCL
)

// LocalProvider stores the pod file at a path on a filesystem. Access is
// granted by RequestAccess and re-verified before every read and write.
type LocalProvider struct {
	fs      afero.Fs
	path    string
	configs *ConfigStore
	log     logging.Logger

	mu      sync.Mutex
	granted bool
}

func NewLocalProvider(fsys afero.Fs, path string, configs *ConfigStore, log logging.Logger) *LocalProvider {
	return &LocalProvider{
		fs:      fsys,
		path:    filepath.Clean(path),
		configs: configs,
		log:     log.With("provider", TypeLocal),
	}
}

func (p *LocalProvider) Type() Type { return TypeLocal }

func (p *LocalProvider) Path() string { return p.path }

// RequestAccess grants the handle if the file (or, for a new file, its
// directory) can be opened for reading and writing.
func (p *LocalProvider) RequestAccess(ctx context.Context) error {
	if err := p.probe(); err != nil {
		return err
	}
	p.mu.Lock()
	p.granted = true
	p.mu.Unlock()
	return nil
}

func (p *LocalProvider) IsReady(ctx context.Context) bool {
	p.mu.Lock()
	granted := p.granted
	p.mu.Unlock()
	return granted && p.probe() == nil
}

func (p *LocalProvider) verify() error {
	p.mu.Lock()
	granted := p.granted
	p.mu.Unlock()
	if !granted {
		return fmt.Errorf("local %s: access not granted: %w", p.path, common.ErrPermissionDenied)
	}
	return p.probe()
}

// probe opens the file read-write without modifying it. A file that does not
// exist yet is checked by probing its directory instead.
func (p *LocalProvider) probe() error {
	f, err := p.fs.OpenFile(p.path, openRW, 0)
	if err == nil {
		return f.Close()
	}
	if errors.Is(err, fs.ErrNotExist) {
		return p.probeDir()
	}
	return p.classify("probe", err)
}

func (p *LocalProvider) probeDir() error {
	tmp := p.tempName()
	f, err := p.fs.OpenFile(tmp, openCreate, 0o600)
	if err != nil {
		return p.classify("probe", err)
	}
	_ = f.Close()
	return p.fs.Remove(tmp)
}

// Write replaces the file atomically: content goes to a temporary sibling
// which is then renamed over the target, so a reader never sees a partial
// file.
func (p *LocalProvider) Write(ctx context.Context, content []byte) error {
	if err := p.verify(); err != nil {
		return err
	}

	tmp := p.tempName()
	if err := afero.WriteFile(p.fs, tmp, content, 0o600); err != nil {
		_ = p.fs.Remove(tmp)
		return p.classify("write", err)
	}
	if err := p.fs.Rename(tmp, p.path); err != nil {
		_ = p.fs.Remove(tmp)
		return p.classify("rename", err)
	}

	p.log.Debug(ctx, "pod file written", "path", p.path, "bytes", len(content))
	return nil
}

func (p *LocalProvider) Read(ctx context.Context) ([]byte, error) {
	if err := p.verify(); err != nil {
		return nil, err
	}

	b, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		return nil, p.classify("read", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

func (p *LocalProvider) LastModified(ctx context.Context) (time.Time, error) {
	fi, err := p.fs.Stat(p.path)
	if err != nil {
		return time.Time{}, p.classify("stat", err)
	}
	return fi.ModTime(), nil
}

func (p *LocalProvider) Persist(ctx context.Context, familyID string) error {
	return p.configs.Save(ctx, familyID, ProviderConfig{Type: TypeLocal, LocalPath: p.path})
}

func (p *LocalProvider) ClearPersisted(ctx context.Context, familyID string) error {
	return p.configs.Clear(ctx, familyID)
}

func (p *LocalProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.granted = false
	p.mu.Unlock()
	return nil
}

func (p *LocalProvider) tempName() string {
	return filepath.Join(filepath.Dir(p.path), "."+filepath.Base(p.path)+"."+uuid.NewString()+".tmp")
}

func (p *LocalProvider) classify(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("local %s %s: %w", op, p.path, common.ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("local %s %s: %w", op, p.path, common.ErrRemoteNotFound)
	default:
		return fmt.Errorf("local %s %s: %w", op, p.path, err)
	}
}
