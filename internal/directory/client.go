package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"messaging-service/internal/models"
)

// Client talks to the platform's directory service, which owns user profiles
// and family relationships. It backs both the store's role lookup and the
// permission engine's family-link resolution.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a directory Client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Linked reports whether two users belong to the same family.
func (c *Client) Linked(ctx context.Context, userA, userB string) (bool, error) {
	endpoint := fmt.Sprintf("%s/users/%s/linked/%s", c.baseURL, url.PathEscape(userA), url.PathEscape(userB))
	var resp struct {
		Linked bool `json:"linked"`
	}
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return false, err
	}
	return resp.Linked, nil
}

// Role fetches a user's platform role.
func (c *Client) Role(ctx context.Context, userID string) (models.Role, error) {
	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(userID))
	var resp struct {
		Role string `json:"role"`
	}
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return "", err
	}
	role := models.Role(resp.Role)
	if !role.Valid() {
		return "", fmt.Errorf("directory returned unknown role %q for %s", resp.Role, userID)
	}
	return role, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode directory response: %w", err)
	}
	return nil
}
