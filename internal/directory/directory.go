// Package directory resolves user account ids against the external account
// directory. The engine only ever asks "does this id exist"; the directory
// is never written to and account details never enter this process.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnknownAccount means the directory answered and the id does not exist.
// Transport failures are returned as-is so callers can keep them retryable.
var ErrUnknownAccount = errors.New("directory: unknown account")

// Directory answers existence queries for user account ids.
type Directory interface {
	Exists(ctx context.Context, userAccountID string) error
}

// Client talks to the directory service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client with sensible defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Exists(ctx context.Context, userAccountID string) error {
	u := c.baseURL + "/v1/accounts/" + url.PathEscape(userAccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// The body is decoded only to confirm the directory returned a
		// well-formed account document for the id we asked about.
		var doc struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return fmt.Errorf("directory: decoding response: %w", err)
		}
		if doc.ID != userAccountID {
			return fmt.Errorf("directory: response id mismatch: %q", doc.ID)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownAccount
	default:
		return fmt.Errorf("directory: unexpected status %d", resp.StatusCode)
	}
}

// Static is a fixed allow-list directory for tests and DSN-less runs.
type Static map[string]struct{}

// NewStatic builds a static directory from account ids.
func NewStatic(ids ...string) Static {
	s := make(Static, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Static) Exists(ctx context.Context, userAccountID string) error {
	if _, ok := s[userAccountID]; !ok {
		return ErrUnknownAccount
	}
	return nil
}

// Open is the permissive directory used when no directory service is
// configured: every non-empty id exists.
type Open struct{}

func (Open) Exists(ctx context.Context, userAccountID string) error {
	if strings.TrimSpace(userAccountID) == "" {
		return ErrUnknownAccount
	}
	return nil
}
