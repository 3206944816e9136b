package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
)

// FamilyEntry is the registry's record of where a family's pod file lives.
type FamilyEntry struct {
	Provider    string    `json:"provider"`
	FileID      string    `json:"fileId,omitempty"`
	DisplayPath string    `json:"displayPath,omitempty"`
	FamilyName  string    `json:"familyName,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Registry is an HTTP client for the family lookup registry.
type Registry struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewRegistry returns a registry client. A nil httpClient uses a client
// with a 10 second timeout.
func NewRegistry(httpClient *http.Client, baseURL, apiKey string) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Registry{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (r *Registry) familyURL(familyID string) string {
	return r.baseURL + "/family/" + url.PathEscape(familyID)
}

func (r *Registry) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(common.APIKeyHeaderName, r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, unavailable(err)
	}
	return resp, nil
}

// LookupFamily returns the registry entry for familyID, or nil when the
// registry does not know the family.
func (r *Registry) LookupFamily(ctx context.Context, familyID string) (*FamilyEntry, error) {
	resp, err := r.do(ctx, http.MethodGet, r.familyURL(familyID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus("lookup family", resp); err != nil {
		return nil, err
	}

	var entry FamilyEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode family entry: %w", err)
	}
	return &entry, nil
}

// PutFamily creates or replaces the registry entry for familyID.
func (r *Registry) PutFamily(ctx context.Context, familyID string, entry FamilyEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, http.MethodPut, r.familyURL(familyID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus("put family", resp)
}

// DeleteFamily removes the registry entry. Deleting an unknown family is not
// an error.
func (r *Registry) DeleteFamily(ctx context.Context, familyID string) error {
	resp, err := r.do(ctx, http.MethodDelete, r.familyURL(familyID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus("delete family", resp)
}
