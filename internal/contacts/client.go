package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/duocall/internal/state"
)

// Client talks to the REST backend that owns the contact list.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Token returns the current bearer token; it is read on every request
	// so a reloaded token file takes effect immediately.
	Token func() string
}

func NewClient(baseURL string, token func() string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
		Token: token,
	}
}

// Contacts fetches GET /users/contacts. A non-2xx answer yields an empty
// list; only transport and decode failures are errors.
func (c *Client) Contacts(ctx context.Context) ([]state.Contact, error) {
	return c.list(ctx, "/users/contacts")
}

// Roster fetches GET /users/roster, the users available for a first call.
func (c *Client) Roster(ctx context.Context) ([]state.Contact, error) {
	return c.list(ctx, "/users/roster")
}

func (c *Client) list(ctx context.Context, path string) ([]state.Contact, error) {
	var out []state.Contact
	ok, err := c.getJSON(ctx, c.BaseURL+path, &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []state.Contact{}, nil
	}
	if out == nil {
		return nil, fmt.Errorf("GET %s: response is not an array", path)
	}
	return out, nil
}

// getJSON performs an authenticated GET, drains the response body, and
// decodes JSON into v. Returns (true, nil) on 2xx and (false, nil) on any
// other status, which is logged.
func (c *Client) getJSON(ctx context.Context, url string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warnf("GET %s: status %s %s", url, resp.Status, strings.TrimSpace(string(body)))
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("GET %s: %w", url, err)
	}
	return true, nil
}
