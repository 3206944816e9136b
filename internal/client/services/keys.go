package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/dmitrijs2005/podsync/internal/storage"
)

// KeyManager holds each family's password for the lifetime of the process.
//
// Secrets live in memory only. A family the user marked as trusted on this
// device additionally has its password cached in the device-local metadata
// store under "trusted:<familyId>"; that cache is never part of a pod file.
type KeyManager struct {
	store storage.KV
	log   logging.Logger

	mu      sync.Mutex
	secrets map[string][]byte
}

// NewKeyManager returns a KeyManager that caches trusted secrets in store.
func NewKeyManager(store storage.KV, log logging.Logger) *KeyManager {
	return &KeyManager{
		store:   store,
		log:     log,
		secrets: make(map[string][]byte),
	}
}

func trustedKey(familyID string) string { return "trusted:" + familyID }

// Set replaces the in-memory secret of familyID.
func (k *KeyManager) Set(familyID string, secret []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if old, ok := k.secrets[familyID]; ok {
		common.WipeByteArray(old)
	}
	k.secrets[familyID] = append([]byte(nil), secret...)
}

// Get returns a copy of the in-memory secret of familyID.
func (k *KeyManager) Get(familyID string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.secrets[familyID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), s...), true
}

// Clear wipes the in-memory secret of familyID. The trusted cache is kept.
func (k *KeyManager) Clear(familyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.secrets[familyID]; ok {
		common.WipeByteArray(s)
		delete(k.secrets, familyID)
	}
}

// ClearAll wipes every in-memory secret.
func (k *KeyManager) ClearAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, s := range k.secrets {
		common.WipeByteArray(s)
		delete(k.secrets, id)
	}
}

// Trust caches the current secret of familyID on this device.
func (k *KeyManager) Trust(ctx context.Context, familyID string) error {
	secret, ok := k.Get(familyID)
	if !ok {
		return fmt.Errorf("trust %s: %w", familyID, common.ErrPasswordRequired)
	}
	defer common.WipeByteArray(secret)

	if err := k.store.Set(ctx, trustedKey(familyID), secret); err != nil {
		return fmt.Errorf("trust %s: %w", familyID, err)
	}
	k.log.Info(ctx, "device trusted", "family_id", familyID)
	return nil
}

// Untrust removes the cached secret of familyID from this device.
func (k *KeyManager) Untrust(ctx context.Context, familyID string) error {
	if err := k.store.Delete(ctx, trustedKey(familyID)); err != nil {
		return fmt.Errorf("untrust %s: %w", familyID, err)
	}
	return nil
}

func (k *KeyManager) IsTrusted(ctx context.Context, familyID string) (bool, error) {
	v, err := k.store.Get(ctx, trustedKey(familyID))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Restore loads the cached secret of a trusted family into memory. It
// reports false when the device does not trust familyID.
func (k *KeyManager) Restore(ctx context.Context, familyID string) (bool, error) {
	v, err := k.store.Get(ctx, trustedKey(familyID))
	if err != nil {
		return false, fmt.Errorf("restore %s: %w", familyID, err)
	}
	if v == nil {
		return false, nil
	}
	k.Set(familyID, v)
	common.WipeByteArray(v)
	return true, nil
}

// SignOut wipes the in-memory secrets of every family this device does not
// trust.
func (k *KeyManager) SignOut(ctx context.Context) error {
	k.mu.Lock()
	ids := make([]string, 0, len(k.secrets))
	for id := range k.secrets {
		ids = append(ids, id)
	}
	k.mu.Unlock()

	for _, id := range ids {
		trusted, err := k.IsTrusted(ctx, id)
		if err != nil {
			// unknown trust status, so do not keep the secret
			k.log.Warn(ctx, "trust lookup failed", "family_id", id, "err", err)
		}
		if !trusted {
			k.Clear(id)
		}
	}
	return nil
}
