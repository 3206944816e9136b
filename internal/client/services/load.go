package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/events"
	"github.com/dmitrijs2005/podsync/internal/merge"
	"github.com/dmitrijs2005/podsync/internal/pod"
	"github.com/dmitrijs2005/podsync/internal/storage"
)

// LoadOptions control LoadAndImport. Without Password the family's session
// secret is tried.
type LoadOptions struct {
	Merge    bool
	Password []byte
}

// LoadResult describes what LoadAndImport did.
type LoadResult struct {
	// Empty is set when the remote file exists but has no content yet.
	Empty     bool
	Encrypted bool
	Merged    bool
	Report    merge.Report
}

// LoadAndImport reads the remote file and replaces the local data set with
// it, or with the merge of both when opts.Merge is set and local data
// exists. Debounced saves are suppressed until the local store has settled
// after the import, so change notifications caused by the import itself do
// not write the file back.
func (s *Session) LoadAndImport(ctx context.Context, opts LoadOptions) (LoadResult, error) {
	p := s.Provider()
	if p == nil {
		return LoadResult{}, common.ErrNotConfigured
	}

	s.CancelPendingSave()
	s.mu.Lock()
	s.reloading = true
	s.mu.Unlock()

	s.setState(ctx, StateSyncing, nil)
	res, pushBack, err := s.load(ctx, p, opts)

	s.mu.Lock()
	s.reloading = false
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, common.ErrPasswordRequired) {
			s.setState(ctx, StateIdle, nil)
		} else {
			s.setState(ctx, StateError, err)
		}
		return res, err
	}

	s.setState(ctx, StateIdle, nil)
	if !res.Empty {
		s.publish(events.Imported, nil)
	}
	if pushBack {
		s.TriggerDebouncedSave()
	}
	return res, nil
}

// load does the work of LoadAndImport. pushBack reports that the merged
// result holds changes the remote file lacks.
func (s *Session) load(ctx context.Context, p storage.Provider, opts LoadOptions) (LoadResult, bool, error) {
	var res LoadResult

	// taken before the read so a write landing in between is not skipped
	mod, err := p.LastModified(ctx)
	if err != nil {
		return res, false, err
	}

	content, err := p.Read(ctx)
	if err != nil {
		return res, false, err
	}
	if len(content) == 0 {
		res.Empty = true
		s.markSeen(mod)
		return res, false, nil
	}

	env, err := pod.Decode(content)
	if err != nil {
		return res, false, err
	}
	if err := s.checkFamily(env); err != nil {
		return res, false, err
	}

	remote, err := s.open(ctx, env, opts.Password)
	if err != nil {
		return res, false, err
	}
	res.Encrypted = env.IsEncrypted()

	s.mu.Lock()
	s.passkeys = append([]pod.PasskeyWrap(nil), env.Passkeys...)
	s.passkeysKnown = true
	if s.familyName == "" {
		s.familyName = env.FamilyName
	}
	s.mu.Unlock()

	data := remote
	pushBack := false
	if opts.Merge {
		has, err := s.store.HasLocalChanges(ctx)
		if err != nil {
			return res, false, err
		}
		if has {
			local, err := s.store.Export(ctx)
			if err != nil {
				return res, false, fmt.Errorf("export local data: %w", err)
			}
			data, res.Report = merge.Merge(local, remote, merge.Options{Now: s.now(), Retention: s.retention})
			res.Merged = true
			pushBack = diverges(data, remote, res.Report)
			s.log.Info(ctx, "merged remote changes",
				"kept_local", res.Report.KeptLocal, "kept_remote", res.Report.KeptRemote,
				"suppressed", res.Report.Suppressed, "pruned", res.Report.Pruned,
				"settings_from", res.Report.SettingsFrom)
		}
	}

	if err := s.store.Import(ctx, data); err != nil {
		return res, false, fmt.Errorf("import: %w", err)
	}
	if err := s.store.Settle(ctx); err != nil {
		return res, false, fmt.Errorf("settle: %w", err)
	}

	s.markSeen(mod)
	s.log.Info(ctx, "imported", "provider", p.Type(), "bytes", len(content), "records", data.Count())
	return res, pushBack, nil
}

func (s *Session) checkFamily(env *pod.Envelope) error {
	if env.FamilyID != "" && env.FamilyID != s.familyID {
		return fmt.Errorf("file belongs to %q, session is %q: %w", env.FamilyID, s.familyID, common.ErrFamilyMismatch)
	}
	return nil
}

// open decrypts the payload. A password that opens an encrypted file
// becomes the session secret, and encryption becomes required for the
// family.
func (s *Session) open(ctx context.Context, env *pod.Envelope, password []byte) (pod.ExportedData, error) {
	pw := password
	if len(pw) == 0 && s.keys != nil {
		if secret, ok := s.keys.Get(s.familyID); ok {
			pw = secret
			defer common.WipeByteArray(secret)
		}
	}

	data, err := pod.Open(env.Payload, pw)
	if err != nil {
		return data, err
	}

	if env.IsEncrypted() {
		if len(password) > 0 && s.keys != nil {
			s.keys.Set(s.familyID, password)
		}
		if !s.EncryptionRequired() {
			if err := s.SetEncryptionRequired(ctx, true); err != nil {
				s.log.Warn(ctx, "encryption policy not persisted", "err", err)
			}
		}
	}
	return data, nil
}

func (s *Session) markSeen(mod time.Time) {
	if mod.IsZero() {
		return
	}
	s.mu.Lock()
	if mod.After(s.lastSeen) {
		s.lastSeen = mod
	}
	s.mu.Unlock()
}

func diverges(merged, remote pod.ExportedData, rep merge.Report) bool {
	return rep.KeptLocal > 0 ||
		rep.SettingsFrom == merge.SideLocal ||
		merged.Count() != remote.Count() ||
		len(merged.Tombstones) != len(remote.Tombstones)
}

// UnlockWithPasskey recovers the family password through a biometric
// assertion and checks it against the remote file.
func (s *Session) UnlockWithPasskey(ctx context.Context, auth PasskeyAuthenticator) error {
	p := s.Provider()
	if p == nil {
		return common.ErrNotConfigured
	}

	content, err := p.Read(ctx)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return fmt.Errorf("empty pod file: %w", common.ErrPasskeyUnavailable)
	}
	env, err := pod.Decode(content)
	if err != nil {
		return err
	}
	if err := s.checkFamily(env); err != nil {
		return err
	}
	if !env.IsEncrypted() {
		return nil
	}

	password, err := s.keys.UnlockWithPasskey(ctx, s.familyID, env.Passkeys, auth)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if _, err := pod.Open(env.Payload, password); err != nil {
		s.keys.Clear(s.familyID)
		return err
	}
	s.log.Info(ctx, "unlocked with passkey")
	return nil
}

// EnrollPasskey wraps the session secret for a new passkey and saves the
// file so the wrap reaches the other devices.
func (s *Session) EnrollPasskey(ctx context.Context, auth PasskeyAuthenticator) error {
	w, err := s.keys.EnrollPasskey(ctx, s.familyID, auth)
	if err != nil {
		return err
	}
	if p := s.Provider(); p != nil {
		s.carryPasskeys(ctx, p)
	}

	s.mu.Lock()
	kept := s.passkeys[:0]
	for _, existing := range s.passkeys {
		if existing.CredentialID != w.CredentialID {
			kept = append(kept, existing)
		}
	}
	s.passkeys = append(kept, w)
	s.passkeysKnown = true
	s.mu.Unlock()

	return s.SaveNow(ctx)
}
