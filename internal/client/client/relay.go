package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
)

// ChangedEvent is the text of a relay event message.
const ChangedEvent = "changed"

// Relay is an HTTP client for the change-notification relay. It obtains a
// family-scoped bearer token with the API key and refreshes it once when the
// relay answers 401.
type Relay struct {
	http    *http.Client
	stream  *http.Client
	baseURL string
	apiKey  string
	log     logging.Logger

	// ReconnectDelay is the pause between event stream reconnects.
	ReconnectDelay time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

func NewRelay(httpClient *http.Client, baseURL, apiKey string, log logging.Logger) *Relay {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	// the event socket is long-lived, so it must not inherit the request timeout
	stream := &http.Client{Transport: httpClient.Transport}
	return &Relay{
		http:           httpClient,
		stream:         stream,
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		log:            log,
		ReconnectDelay: 5 * time.Second,
		tokens:         make(map[string]string),
	}
}

func (r *Relay) relayURL(familyID, action string) string {
	return r.baseURL + "/relay/" + url.PathEscape(familyID) + "/" + action
}

func (r *Relay) fetchToken(ctx context.Context, familyID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.relayURL(familyID, "token"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(common.APIKeyHeaderName, r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", unavailable(err)
	}
	defer resp.Body.Close()
	if err := checkStatus("relay token", resp); err != nil {
		return "", err
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode relay token: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("relay token: %w", common.ErrInvalidToken)
	}

	r.mu.Lock()
	r.tokens[familyID] = body.Token
	r.mu.Unlock()
	return body.Token, nil
}

func (r *Relay) token(ctx context.Context, familyID string) (string, error) {
	r.mu.Lock()
	t, ok := r.tokens[familyID]
	r.mu.Unlock()
	if ok {
		return t, nil
	}
	return r.fetchToken(ctx, familyID)
}

// authorized sends a request built by newReq with the family's bearer token.
// A 401 answer triggers exactly one token refresh and retry.
func (r *Relay) authorized(ctx context.Context, familyID string, newReq func() (*http.Request, error)) (*http.Response, error) {
	token, err := r.token(ctx, familyID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := r.http.Do(req)
		if err != nil {
			return nil, unavailable(err)
		}
		if resp.StatusCode != http.StatusUnauthorized || attempt > 0 {
			return resp, nil
		}
		resp.Body.Close()

		token, err = r.fetchToken(ctx, familyID)
		if err != nil {
			return nil, err
		}
	}
}

// Notify tells the relay that the family's pod file changed.
func (r *Relay) Notify(ctx context.Context, familyID string) error {
	resp, err := r.authorized(ctx, familyID, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, r.relayURL(familyID, "notify"), nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus("relay notify", resp)
}

// Subscribe opens the family's event socket and returns a channel that
// receives a signal for every change event. Signals are coalesced: a
// receiver that falls behind sees one pending signal. The socket is
// reconnected until ctx is done, then the channel is closed.
func (r *Relay) Subscribe(ctx context.Context, familyID string) (<-chan struct{}, error) {
	c, err := r.dial(ctx, familyID)
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			err := r.consume(ctx, c, out)
			if ctx.Err() != nil {
				return
			}
			r.log.Warn(ctx, "relay stream closed", "family_id", familyID, "err", err)

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.ReconnectDelay):
				}
				c, err = r.dial(ctx, familyID)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return
				}
				r.log.Warn(ctx, "relay reconnect failed", "family_id", familyID, "err", err)
			}
		}
	}()
	return out, nil
}

// dial opens the event socket with the family's bearer token. A 401
// handshake answer triggers exactly one token refresh and retry.
func (r *Relay) dial(ctx context.Context, familyID string) (*websocket.Conn, error) {
	token, err := r.token(ctx, familyID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		c, resp, err := websocket.Dial(ctx, r.relayURL(familyID, "events"), &websocket.DialOptions{
			HTTPClient: r.stream,
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
		})
		if err == nil {
			return c, nil
		}
		if resp == nil {
			return nil, unavailable(err)
		}
		if resp.StatusCode != http.StatusUnauthorized || attempt > 0 {
			if serr := checkStatus("relay events", resp); serr != nil {
				return nil, serr
			}
			return nil, fmt.Errorf("relay events: %w", err)
		}

		token, err = r.fetchToken(ctx, familyID)
		if err != nil {
			return nil, err
		}
	}
}

func (r *Relay) consume(ctx context.Context, c *websocket.Conn, out chan<- struct{}) error {
	defer c.CloseNow()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if typ != websocket.MessageText || string(data) != ChangedEvent {
			continue
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
}
