package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/podsync/internal/common"
)

var (
	// ErrUnavailable covers transport failures and server-side errors. The
	// session treats it as "skip the registry, carry on".
	ErrUnavailable = errors.New("server unavailable")
	// ErrUnauthorized means the API key or relay token was refused.
	ErrUnauthorized = errors.New("unauthorized")
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// checkStatus maps a registry or relay response to nil, ErrUnauthorized or
// ErrUnavailable wrapping a *common.RemoteError.
func checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %w", ErrUnavailable, &common.RemoteError{
			Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg)),
		})
	}
}
