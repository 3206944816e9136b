package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/dmitrijs2005/podsync/internal/pod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePasskey derives its PRF output from the credential and salt, like a
// real authenticator would from its private key.
type fakePasskey struct {
	credID       string
	noPRF        bool
	badChallenge bool
	assertErr    error
	requests     []AssertionRequest
}

func (f *fakePasskey) Register(context.Context, string) (string, error) {
	return f.credID, nil
}

func (f *fakePasskey) Assert(_ context.Context, req AssertionRequest) (Assertion, error) {
	f.requests = append(f.requests, req)
	if f.assertErr != nil {
		return Assertion{}, f.assertErr
	}
	a := Assertion{CredentialID: f.credID, Challenge: req.Challenge}
	if f.badChallenge {
		a.Challenge = make([]byte, len(req.Challenge))
	}
	if !f.noPRF {
		h := sha256.Sum256(append([]byte(f.credID), req.PRFSalts[f.credID]...))
		a.PRFOutput = h[:]
	}
	return a, nil
}

func newKeys() (*KeyManager, *memKV) {
	kv := newMemKV()
	return NewKeyManager(kv, logging.Nop()), kv
}

func TestKeyManager_SetGetClear(t *testing.T) {
	k, _ := newKeys()

	_, ok := k.Get("a")
	assert.False(t, ok)

	secret := []byte("pw-a")
	k.Set("a", secret)
	k.Set("b", []byte("pw-b"))

	// callers own their buffers
	secret[0] = 'X'
	got, ok := k.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("pw-a"), got)
	got[0] = 'Y'
	again, _ := k.Get("a")
	assert.Equal(t, []byte("pw-a"), again)

	k.Clear("a")
	_, ok = k.Get("a")
	assert.False(t, ok)
	_, ok = k.Get("b")
	assert.True(t, ok)

	k.ClearAll()
	_, ok = k.Get("b")
	assert.False(t, ok)
}

func TestKeyManager_TrustRestoreSignOut(t *testing.T) {
	ctx := context.Background()
	k, kv := newKeys()

	require.ErrorIs(t, k.Trust(ctx, "a"), common.ErrPasswordRequired)

	k.Set("a", []byte("pw-a"))
	k.Set("b", []byte("pw-b"))
	require.NoError(t, k.Trust(ctx, "a"))
	assert.True(t, kv.has("trusted:a"))

	trusted, err := k.IsTrusted(ctx, "a")
	require.NoError(t, err)
	assert.True(t, trusted)
	trusted, err = k.IsTrusted(ctx, "b")
	require.NoError(t, err)
	assert.False(t, trusted)

	require.NoError(t, k.SignOut(ctx))
	_, ok := k.Get("a")
	assert.True(t, ok, "trusted family keeps its secret")
	_, ok = k.Get("b")
	assert.False(t, ok)

	k.ClearAll()
	ok, err = k.Restore(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := k.Get("a")
	assert.Equal(t, []byte("pw-a"), got)

	require.NoError(t, k.Untrust(ctx, "a"))
	k.ClearAll()
	ok, err = k.Restore(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyManager_PasskeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	k, _ := newKeys()
	pk := &fakePasskey{credID: "cred-1"}

	_, err := k.EnrollPasskey(ctx, "fam", pk)
	require.ErrorIs(t, err, common.ErrPasswordRequired)

	k.Set("fam", []byte("family-password"))
	wrap, err := k.EnrollPasskey(ctx, "fam", pk)
	require.NoError(t, err)
	assert.Equal(t, "cred-1", wrap.CredentialID)
	assert.Len(t, wrap.PRFSalt, prfSaltSize)
	assert.NotContains(t, wrap.Wrapped, "family-password")

	k.ClearAll()
	password, err := k.UnlockWithPasskey(ctx, "fam", []pod.PasskeyWrap{wrap}, pk)
	require.NoError(t, err)
	assert.Equal(t, []byte("family-password"), password)

	got, ok := k.Get("fam")
	require.True(t, ok)
	assert.Equal(t, []byte("family-password"), got)

	last := pk.requests[len(pk.requests)-1]
	assert.Len(t, last.Challenge, challengeSize)
	assert.Equal(t, []string{"cred-1"}, last.CredentialIDs)
	assert.NotEqual(t, pk.requests[0].Challenge, last.Challenge, "challenges are fresh")
}

func TestKeyManager_PasskeyWrapBoundToFamily(t *testing.T) {
	ctx := context.Background()
	k, _ := newKeys()
	pk := &fakePasskey{credID: "cred-1"}

	k.Set("fam", []byte("family-password"))
	wrap, err := k.EnrollPasskey(ctx, "fam", pk)
	require.NoError(t, err)

	_, err = k.UnlockWithPasskey(ctx, "other", []pod.PasskeyWrap{wrap}, pk)
	require.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestKeyManager_PasskeyChallengeMismatch(t *testing.T) {
	ctx := context.Background()
	k, _ := newKeys()
	k.Set("fam", []byte("pw"))
	require.NoError(t, k.Trust(ctx, "fam"))
	k.ClearAll()

	pk := &fakePasskey{credID: "cred-1", badChallenge: true}
	_, err := k.UnlockWithPasskey(ctx, "fam", nil, pk)
	require.ErrorIs(t, err, common.ErrPasskeyUnavailable)

	_, ok := k.Get("fam")
	assert.False(t, ok, "an unverified assertion must not unlock the trusted cache")
}

func TestKeyManager_PasskeyFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("no PRF and untrusted device", func(t *testing.T) {
		k, _ := newKeys()
		_, err := k.UnlockWithPasskey(ctx, "fam", nil, &fakePasskey{credID: "c", noPRF: true})
		require.ErrorIs(t, err, common.ErrPasskeyUnavailable)
	})

	t.Run("no PRF and trusted device", func(t *testing.T) {
		k, _ := newKeys()
		k.Set("fam", []byte("pw"))
		require.NoError(t, k.Trust(ctx, "fam"))
		k.ClearAll()

		password, err := k.UnlockWithPasskey(ctx, "fam", nil, &fakePasskey{credID: "c", noPRF: true})
		require.NoError(t, err)
		assert.Equal(t, []byte("pw"), password)
	})

	t.Run("enroll without PRF", func(t *testing.T) {
		k, _ := newKeys()
		k.Set("fam", []byte("pw"))
		_, err := k.EnrollPasskey(ctx, "fam", &fakePasskey{credID: "c", noPRF: true})
		require.ErrorIs(t, err, common.ErrPasskeyUnavailable)
	})

	t.Run("authenticator error", func(t *testing.T) {
		k, _ := newKeys()
		_, err := k.UnlockWithPasskey(ctx, "fam", nil, &fakePasskey{assertErr: errors.New("cancelled by user")})
		require.ErrorIs(t, err, common.ErrPasskeyUnavailable)
	})
}

func TestSession_PasskeyEnrollAndUnlock(t *testing.T) {
	ctx := context.Background()
	h := connected(t)
	h.store.put(pod.Todos, record("t-1", t0, "milk"))
	password := []byte("family-password")
	pk := &fakePasskey{credID: "cred-1"}

	require.NoError(t, h.s.Save(ctx, password))
	require.NoError(t, h.s.EnrollPasskey(ctx, pk))

	content, _ := h.p.written()
	env, _ := decodeFile(t, content, password)
	require.Len(t, env.Passkeys, 1)

	h.keys.ClearAll()
	require.NoError(t, h.s.UnlockWithPasskey(ctx, pk))

	res, err := h.s.LoadAndImport(ctx, LoadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Encrypted)
}
