// Package restclient is the Go SDK cmd/client uses to talk to a node's
// local operator REST API, wrapping each HTTP call in a typed Go method.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kholbekj/scrap-yard/internal/types"
)

// Client talks to one node's local REST API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client against baseURL, e.g. "http://localhost:8088".
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ErrNotFound is returned when a site id does not exist on the node.
var ErrNotFound = fmt.Errorf("site not found")

// APIError carries the HTTP status and message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restclient: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("restclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("restclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AllSites lists every site row known to the node.
func (c *Client) AllSites(ctx context.Context) ([]types.Site, error) {
	var sites []types.Site
	err := c.do(ctx, http.MethodGet, "/api/sites", nil, &sites)
	return sites, err
}

// MySites lists sites owned by the node.
func (c *Client) MySites(ctx context.Context) ([]types.Site, error) {
	var sites []types.Site
	err := c.do(ctx, http.MethodGet, "/api/sites/mine", nil, &sites)
	return sites, err
}

// AvailableSites lists non-empty sites owned by other nodes.
func (c *Client) AvailableSites(ctx context.Context) ([]types.Site, error) {
	var sites []types.Site
	err := c.do(ctx, http.MethodGet, "/api/sites/available", nil, &sites)
	return sites, err
}

// GetSite fetches a single site by id.
func (c *Client) GetSite(ctx context.Context, id string) (*types.Site, error) {
	var site types.Site
	if err := c.do(ctx, http.MethodGet, "/api/sites/"+id, nil, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

// AddSite creates a new site owned by this node.
func (c *Client) AddSite(ctx context.Context, fields types.SiteFields) (*types.Site, error) {
	var site types.Site
	if err := c.do(ctx, http.MethodPost, "/api/sites", fields, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

// UpdateSite patches an existing site's columns.
func (c *Client) UpdateSite(ctx context.Context, id string, patch types.SitePatch) (*types.Site, error) {
	var site types.Site
	if err := c.do(ctx, http.MethodPatch, "/api/sites/"+id, patch, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

// RemoveSite tombstones a site.
func (c *Client) RemoveSite(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sites/"+id, nil, nil)
}

// AdoptSite copies a foreign site's metadata and cached files into a new
// row owned by this node.
func (c *Client) AdoptSite(ctx context.Context, id string) (*types.Site, error) {
	var site types.Site
	if err := c.do(ctx, http.MethodPost, "/api/sites/"+id+"/adopt", nil, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

// Connect instructs the node to dial the signaling server with the given
// room token.
func (c *Client) Connect(ctx context.Context, signalingURL, token string) error {
	return c.do(ctx, http.MethodPost, "/api/connect", map[string]string{
		"signalingUrl": signalingURL,
		"token":        token,
	}, nil)
}

// PeerSummary is one entry of the node's current peer roster.
type PeerSummary struct {
	PeerID string `json:"peerId"`
	Ready  bool   `json:"ready"`
}

// Peers lists the node's peers whose ledger channel is open; sessions
// still negotiating are not included.
func (c *Client) Peers(ctx context.Context) ([]PeerSummary, error) {
	var peers []PeerSummary
	err := c.do(ctx, http.MethodGet, "/api/peers", nil, &peers)
	return peers, err
}

// ImportSite asks the node to import siteID's files from peerID.
func (c *Client) ImportSite(ctx context.Context, peerID, siteID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/peers/%s/import/%s", peerID, siteID), nil, nil)
}
