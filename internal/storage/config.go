package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/podsync/internal/common"
)

// ProviderConfig is what a device remembers about a family's storage between
// runs. It is never part of the pod file.
type ProviderConfig struct {
	Type              Type   `json:"type"`
	LocalPath         string `json:"localPath,omitempty"`
	CloudFileID       string `json:"cloudFileId,omitempty"`
	CloudFileName     string `json:"cloudFileName,omitempty"`
	CloudAccountEmail string `json:"cloudAccountEmail,omitempty"`
	S3Key             string `json:"s3Key,omitempty"`
}

// KV is the device-local key/value store configs are kept in.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ConfigStore persists one ProviderConfig per family.
type ConfigStore struct {
	kv KV
}

func NewConfigStore(kv KV) *ConfigStore {
	return &ConfigStore{kv: kv}
}

func configKey(familyID string) string { return "provider:" + familyID }

// Load returns the persisted config for familyID, or nil if there is none.
func (s *ConfigStore) Load(ctx context.Context, familyID string) (*ProviderConfig, error) {
	raw, err := s.kv.Get(ctx, configKey(familyID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var cfg ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: provider config for %s: %v", common.ErrInvalidFormat, familyID, err)
	}
	return &cfg, nil
}

func (s *ConfigStore) Save(ctx context.Context, familyID string, cfg ProviderConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, configKey(familyID), raw)
}

func (s *ConfigStore) Clear(ctx context.Context, familyID string) error {
	return s.kv.Delete(ctx, configKey(familyID))
}
