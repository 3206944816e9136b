package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/podsync/internal/common"
	"golang.org/x/oauth2"
)

// Authenticator supplies bearer tokens for the cloud backend.
//
// AccessToken returns the cached token without any network call.
// SilentRefresh obtains a new token without user interaction. Interactive
// may prompt the user and must only be called from a context marked with
// WithUserGesture.
type Authenticator interface {
	AccessToken(ctx context.Context) (string, error)
	SilentRefresh(ctx context.Context) (string, error)
	Interactive(ctx context.Context) (string, error)
}

// Prompt shows authURL to the user and returns the authorization code they
// obtained.
type Prompt func(ctx context.Context, authURL string) (string, error)

const oauthTokenKey = "oauth:token"

// OAuthAuthenticator implements Authenticator with the OAuth2
// authorization-code flow. The token (including its refresh token) is kept
// in the device-local store so a restart does not prompt again.
type OAuthAuthenticator struct {
	cfg    *oauth2.Config
	prompt Prompt
	kv     KV

	mu    sync.Mutex
	token *oauth2.Token
}

func NewOAuthAuthenticator(cfg *oauth2.Config, prompt Prompt, kv KV) *OAuthAuthenticator {
	return &OAuthAuthenticator{cfg: cfg, prompt: prompt, kv: kv}
}

// Load restores a previously stored token, if any.
func (a *OAuthAuthenticator) Load(ctx context.Context) error {
	if a.kv == nil {
		return nil
	}
	raw, err := a.kv.Get(ctx, oauthTokenKey)
	if err != nil || raw == nil {
		return err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return fmt.Errorf("%w: stored oauth token: %v", common.ErrInvalidFormat, err)
	}
	a.mu.Lock()
	a.token = &tok
	a.mu.Unlock()
	return nil
}

func (a *OAuthAuthenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil || !a.token.Valid() {
		return "", common.ErrAuthExpired
	}
	return a.token.AccessToken, nil
}

func (a *OAuthAuthenticator) SilentRefresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	var refresh string
	if a.token != nil {
		refresh = a.token.RefreshToken
	}
	a.mu.Unlock()

	if refresh == "" {
		return "", fmt.Errorf("no refresh token: %w", common.ErrAuthExpired)
	}

	tok, err := a.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return "", classifyOAuth("refresh", err)
	}
	if err := a.store(ctx, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (a *OAuthAuthenticator) Interactive(ctx context.Context) (string, error) {
	if !IsUserGesture(ctx) {
		return "", fmt.Errorf("interactive sign-in needs a user action: %w", common.ErrAuthExpired)
	}
	if a.prompt == nil {
		return "", fmt.Errorf("no sign-in prompt configured: %w", common.ErrAuthExpired)
	}

	state, err := common.MakeRandHexString(16)
	if err != nil {
		return "", err
	}
	code, err := a.prompt(ctx, a.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline))
	if err != nil {
		return "", fmt.Errorf("sign-in prompt: %w: %v", common.ErrAuthExpired, err)
	}

	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return "", classifyOAuth("exchange", err)
	}
	if err := a.store(ctx, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// SignOut forgets the token on this device.
func (a *OAuthAuthenticator) SignOut(ctx context.Context) error {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
	if a.kv == nil {
		return nil
	}
	return a.kv.Delete(ctx, oauthTokenKey)
}

func (a *OAuthAuthenticator) store(ctx context.Context, tok *oauth2.Token) error {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()

	if a.kv == nil {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return a.kv.Set(ctx, oauthTokenKey, raw)
}

func classifyOAuth(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("oauth %s: %w: %v", op, common.ErrAuthExpired, err)
	}
	return fmt.Errorf("oauth %s: %w: %v", op, common.ErrNetworkUnavailable, err)
}
