package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/cryptox"
	"github.com/dmitrijs2005/podsync/internal/pod"
)

const (
	challengeSize = 32
	prfSaltSize   = 32
)

// AssertionRequest asks the platform authenticator to sign Challenge with
// one of CredentialIDs. PRFSalts maps a credential id to the salt its PRF
// extension is evaluated with.
type AssertionRequest struct {
	Challenge     []byte
	CredentialIDs []string
	PRFSalts      map[string][]byte
}

// Assertion is a verified authenticator response. Challenge echoes the
// signed challenge; PRFOutput is nil when the authenticator does not
// support the PRF extension.
type Assertion struct {
	CredentialID string
	Challenge    []byte
	PRFOutput    []byte
}

// PasskeyAuthenticator is the platform's biometric authenticator.
type PasskeyAuthenticator interface {
	Register(ctx context.Context, familyID string) (credentialID string, err error)
	Assert(ctx context.Context, req AssertionRequest) (Assertion, error)
}

// EnrollPasskey registers a new credential and wraps the family's current
// password under a key derived from its PRF output.
func (k *KeyManager) EnrollPasskey(ctx context.Context, familyID string, auth PasskeyAuthenticator) (pod.PasskeyWrap, error) {
	secret, ok := k.Get(familyID)
	if !ok {
		return pod.PasskeyWrap{}, fmt.Errorf("enroll passkey: %w", common.ErrPasswordRequired)
	}
	defer common.WipeByteArray(secret)

	credID, err := auth.Register(ctx, familyID)
	if err != nil {
		return pod.PasskeyWrap{}, fmt.Errorf("register passkey: %w", err)
	}

	salt := common.GenerateRandByteArray(prfSaltSize)
	assertion, err := k.assert(ctx, auth, []string{credID}, map[string][]byte{credID: salt})
	if err != nil {
		return pod.PasskeyWrap{}, err
	}
	if assertion.PRFOutput == nil {
		return pod.PasskeyWrap{}, fmt.Errorf("authenticator has no PRF support: %w", common.ErrPasskeyUnavailable)
	}

	key, err := cryptox.DeriveWrapKey(assertion.PRFOutput, salt, []byte(familyID))
	if err != nil {
		return pod.PasskeyWrap{}, err
	}
	defer common.WipeByteArray(key)

	wrapped, err := cryptox.EncryptWithKey(secret, key)
	if err != nil {
		return pod.PasskeyWrap{}, err
	}

	k.log.Info(ctx, "passkey enrolled", "family_id", familyID)
	return pod.PasskeyWrap{CredentialID: credID, PRFSalt: salt, Wrapped: wrapped}, nil
}

// UnlockWithPasskey recovers the family password after a successful
// biometric assertion. The password comes from the matching PRF wrap or,
// when the authenticator lacks PRF, from this device's trusted cache. An
// assertion alone never unlocks anything.
func (k *KeyManager) UnlockWithPasskey(ctx context.Context, familyID string, wraps []pod.PasskeyWrap, auth PasskeyAuthenticator) ([]byte, error) {
	ids := make([]string, 0, len(wraps))
	salts := make(map[string][]byte, len(wraps))
	for _, w := range wraps {
		ids = append(ids, w.CredentialID)
		salts[w.CredentialID] = w.PRFSalt
	}

	assertion, err := k.assert(ctx, auth, ids, salts)
	if err != nil {
		return nil, err
	}

	if assertion.PRFOutput != nil {
		for _, w := range wraps {
			if w.CredentialID != assertion.CredentialID {
				continue
			}
			key, err := cryptox.DeriveWrapKey(assertion.PRFOutput, w.PRFSalt, []byte(familyID))
			if err != nil {
				return nil, err
			}
			password, err := cryptox.DecryptWithKey(w.Wrapped, key)
			common.WipeByteArray(key)
			if err != nil {
				return nil, fmt.Errorf("unwrap passkey: %w", err)
			}
			k.Set(familyID, password)
			return password, nil
		}
	}

	ok, err := k.Restore(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no wrap for credential and device not trusted: %w", common.ErrPasskeyUnavailable)
	}
	password, _ := k.Get(familyID)
	return password, nil
}

func (k *KeyManager) assert(ctx context.Context, auth PasskeyAuthenticator, ids []string, salts map[string][]byte) (Assertion, error) {
	challenge := common.GenerateRandByteArray(challengeSize)

	a, err := auth.Assert(ctx, AssertionRequest{Challenge: challenge, CredentialIDs: ids, PRFSalts: salts})
	if err != nil {
		if errors.Is(err, common.ErrPasskeyUnavailable) {
			return Assertion{}, err
		}
		return Assertion{}, fmt.Errorf("%w: %v", common.ErrPasskeyUnavailable, err)
	}
	if subtle.ConstantTimeCompare(a.Challenge, challenge) != 1 {
		return Assertion{}, fmt.Errorf("challenge mismatch: %w", common.ErrPasskeyUnavailable)
	}
	return a, nil
}
