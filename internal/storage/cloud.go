package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
)

// CloudProvider stores the pod file in a cloud drive.
//
// A call rejected as unauthorized is retried once after a silent token
// refresh, and once more after an interactive sign-in if the context carries
// a user gesture. A not-found failure is returned immediately without any
// refresh. A write that cannot reach the network is handed to the offline
// queue and reported as success.
type CloudProvider struct {
	client     *DriveClient
	auth       Authenticator
	configs    *ConfigStore
	queue      Enqueuer
	folderName string
	log        logging.Logger

	mu           sync.Mutex
	fileID       string
	fileName     string
	accountEmail string
}

type CloudOptions struct {
	FolderName   string
	FileID       string
	FileName     string
	AccountEmail string
}

func NewCloudProvider(client *DriveClient, auth Authenticator, configs *ConfigStore, queue Enqueuer, opts CloudOptions, log logging.Logger) *CloudProvider {
	return &CloudProvider{
		client:       client,
		auth:         auth,
		configs:      configs,
		queue:        queue,
		folderName:   opts.FolderName,
		fileID:       opts.FileID,
		fileName:     opts.FileName,
		accountEmail: opts.AccountEmail,
		log:          log.With("provider", TypeCloud),
	}
}

func (p *CloudProvider) Type() Type { return TypeCloud }

// SetQueue attaches the offline queue after construction.
func (p *CloudProvider) SetQueue(q Enqueuer) {
	p.mu.Lock()
	p.queue = q
	p.mu.Unlock()
}

func (p *CloudProvider) File() (id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileID, p.fileName
}

// SelectFile points the provider at an existing file.
func (p *CloudProvider) SelectFile(id, name string) {
	p.mu.Lock()
	p.fileID, p.fileName = id, name
	p.mu.Unlock()
}

func (p *CloudProvider) currentFile() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fileID == "" {
		return "", fmt.Errorf("cloud: no file selected: %w", common.ErrNotConfigured)
	}
	return p.fileID, nil
}

// withAuth runs call with a bearer token, refreshing at most once silently
// and once interactively.
func (p *CloudProvider) withAuth(ctx context.Context, op string, call func(token string) error) error {
	token, err := p.auth.AccessToken(ctx)
	if err == nil {
		err = call(token)
	}
	if !errors.Is(err, common.ErrAuthExpired) {
		return err
	}

	p.log.Debug(ctx, "token rejected, refreshing silently", "op", op)
	token, rerr := p.auth.SilentRefresh(ctx)
	if rerr == nil {
		err = call(token)
		if !errors.Is(err, common.ErrAuthExpired) {
			return err
		}
	}

	if !IsUserGesture(ctx) {
		return err
	}

	p.log.Info(ctx, "silent refresh failed, asking user to sign in", "op", op)
	token, rerr = p.auth.Interactive(ctx)
	if rerr != nil {
		return fmt.Errorf("%s: %w", op, rerr)
	}
	return call(token)
}

func (p *CloudProvider) Write(ctx context.Context, content []byte) error {
	fileID, err := p.currentFile()
	if err != nil {
		return err
	}

	err = p.withAuth(ctx, "write", func(token string) error {
		_, err := p.client.UpdateContent(ctx, token, fileID, content)
		return err
	})

	p.mu.Lock()
	queue := p.queue
	p.mu.Unlock()

	if errors.Is(err, common.ErrNetworkUnavailable) && queue != nil {
		p.log.Warn(ctx, "network unavailable, queueing write", "bytes", len(content))
		return queue.Enqueue(ctx, content)
	}
	return err
}

func (p *CloudProvider) Read(ctx context.Context) ([]byte, error) {
	fileID, err := p.currentFile()
	if err != nil {
		return nil, err
	}

	var content []byte
	err = p.withAuth(ctx, "read", func(token string) error {
		b, err := p.client.Download(ctx, token, fileID)
		content = b
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, nil
	}
	return content, nil
}

func (p *CloudProvider) LastModified(ctx context.Context) (time.Time, error) {
	fileID, err := p.currentFile()
	if err != nil {
		return time.Time{}, err
	}

	var mod time.Time
	err = p.withAuth(ctx, "last modified", func(token string) error {
		t, err := p.client.ModifiedTime(ctx, token, fileID)
		mod = t
		return err
	})
	if errors.Is(err, common.ErrNetworkUnavailable) {
		return time.Time{}, nil
	}
	return mod, err
}

func (p *CloudProvider) IsReady(ctx context.Context) bool {
	if _, err := p.currentFile(); err != nil {
		return false
	}
	_, err := p.auth.AccessToken(ctx)
	return err == nil
}

func (p *CloudProvider) RequestAccess(ctx context.Context) error {
	if _, err := p.auth.AccessToken(ctx); err == nil {
		return nil
	}
	if _, err := p.auth.SilentRefresh(ctx); err == nil {
		return nil
	}
	_, err := p.auth.Interactive(ctx)
	return err
}

// CreateFile creates an empty pod file called name in the configured
// folder and selects it.
func (p *CloudProvider) CreateFile(ctx context.Context, name string) (DriveFile, error) {
	var created DriveFile
	err := p.withAuth(ctx, "create", func(token string) error {
		folderID, err := p.client.FindOrCreateFolder(ctx, token, p.folderName)
		if err != nil {
			return err
		}
		created, err = p.client.CreateFile(ctx, token, folderID, name, nil)
		return err
	})
	if err != nil {
		return DriveFile{}, err
	}
	p.SelectFile(created.ID, created.Name)
	p.log.Info(ctx, "pod file created", "file_id", created.ID, "name", created.Name)
	return created, nil
}

// ListFiles lists the pod files in the configured folder.
func (p *CloudProvider) ListFiles(ctx context.Context) ([]DriveFile, error) {
	var files []DriveFile
	err := p.withAuth(ctx, "list", func(token string) error {
		folderID, err := p.client.FindOrCreateFolder(ctx, token, p.folderName)
		if err != nil {
			return err
		}
		files, err = p.client.ListFolder(ctx, token, folderID)
		return err
	})
	return files, err
}

// DeleteFile deletes the selected file and clears the selection.
func (p *CloudProvider) DeleteFile(ctx context.Context) error {
	fileID, err := p.currentFile()
	if err != nil {
		return err
	}
	err = p.withAuth(ctx, "delete", func(token string) error {
		return p.client.Delete(ctx, token, fileID)
	})
	if err != nil {
		return err
	}
	p.SelectFile("", "")
	return nil
}

func (p *CloudProvider) Persist(ctx context.Context, familyID string) error {
	p.mu.Lock()
	cfg := ProviderConfig{
		Type:              TypeCloud,
		CloudFileID:       p.fileID,
		CloudFileName:     p.fileName,
		CloudAccountEmail: p.accountEmail,
	}
	p.mu.Unlock()
	return p.configs.Save(ctx, familyID, cfg)
}

func (p *CloudProvider) ClearPersisted(ctx context.Context, familyID string) error {
	return p.configs.Clear(ctx, familyID)
}

func (p *CloudProvider) Disconnect(ctx context.Context) error {
	p.SelectFile("", "")
	return nil
}
