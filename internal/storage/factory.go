package storage

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/spf13/afero"
)

// Factory rebuilds a provider from a persisted ProviderConfig. Backends the
// device has not been set up for (no drive client, no S3 client) yield
// common.ErrNotConfigured.
type Factory struct {
	FS       afero.Fs
	Drive    *DriveClient
	Auth     Authenticator
	Folder   string
	S3       S3API
	S3Bucket string
	Configs  *ConfigStore
	Log      logging.Logger
}

func (f *Factory) Build(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case TypeLocal:
		if cfg.LocalPath == "" {
			return nil, fmt.Errorf("local config without path: %w", common.ErrInvalidFormat)
		}
		fsys := f.FS
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		return NewLocalProvider(fsys, cfg.LocalPath, f.Configs, f.Log), nil

	case TypeCloud:
		if f.Drive == nil || f.Auth == nil {
			return nil, fmt.Errorf("cloud drive: %w", common.ErrNotConfigured)
		}
		return NewCloudProvider(f.Drive, f.Auth, f.Configs, nil, CloudOptions{
			FolderName:   f.Folder,
			FileID:       cfg.CloudFileID,
			FileName:     cfg.CloudFileName,
			AccountEmail: cfg.CloudAccountEmail,
		}, f.Log), nil

	case TypeS3:
		if f.S3 == nil {
			return nil, fmt.Errorf("s3: %w", common.ErrNotConfigured)
		}
		return NewS3Provider(f.S3, f.S3Bucket, cfg.S3Key, f.Configs, nil, f.Log), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q: %w", cfg.Type, common.ErrInvalidFormat)
	}
}

// QueueAware is implemented by providers that hand unreachable writes to an
// offline queue.
type QueueAware interface {
	SetQueue(Enqueuer)
}
