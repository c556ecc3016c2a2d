package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/a-essam23/roomgate/pkg/session"
)

// SessionChecker asks the backend whether a session token is still
// accepted by probing an authenticated endpoint.
type SessionChecker struct {
	Client   *http.Client
	Endpoint *url.URL
}

var _ session.TokenChecker = (*SessionChecker)(nil)

func (c *SessionChecker) Check(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint.String(), nil)
	if err != nil {
		return errs.New("broker", "CheckSession", errs.ErrInvalidConfig, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.New("broker", "CheckSession", errs.ErrCancelled, err)
		}
		return errs.New("broker", "CheckSession", errs.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New("broker", "CheckSession", errs.ErrStaleToken, fmt.Errorf("backend answered %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return errs.New("broker", "CheckSession", errs.ErrUnreachable, fmt.Errorf("backend answered %d", resp.StatusCode))
	}
	return nil
}
