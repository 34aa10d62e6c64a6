package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/craigderington/realmtunnel/internal/api"
	"github.com/craigderington/realmtunnel/internal/storage"
	"github.com/craigderington/realmtunnel/internal/tunnel"
	"github.com/craigderington/realmtunnel/pkg/types"
)

// client talks to the realmtunneld HTTP API
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient() *client {
	return &client{
		base:  strings.TrimRight(viper.GetString("server"), "/"),
		token: viper.GetString("token"),
		// Connect waits for every probe of a server
		http: &http.Client{Timeout: 90 * time.Second},
	}
}

func serverPath(id string, parts ...string) string {
	p := "/api/v1/servers/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// do sends a request and decodes a JSON response into out. Error envelopes
// become errors carrying the API's code and message.
func (c *client) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr api.APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *client) servers() ([]api.ServerView, error) {
	var views []api.ServerView
	return views, c.do(http.MethodGet, "/api/v1/servers", &views)
}

func (c *client) server(id string) (api.ServerView, error) {
	var view api.ServerView
	return view, c.do(http.MethodGet, serverPath(id), &view)
}

func (c *client) command(id, action string) (types.StatusSnapshot, error) {
	var snap types.StatusSnapshot
	return snap, c.do(http.MethodPost, serverPath(id, action), &snap)
}

func (c *client) stats(id string) ([]types.MappingStats, error) {
	var out struct {
		Tunnels []types.MappingStats `json:"tunnels"`
	}
	return out.Tunnels, c.do(http.MethodGet, serverPath(id, "metrics"), &out)
}

func (c *client) history(id string, limit int) ([]storage.StatusEvent, error) {
	var events []storage.StatusEvent
	path := serverPath(id, "history") + "?limit=" + strconv.Itoa(limit)
	return events, c.do(http.MethodGet, path, &events)
}

func (c *client) reload() (api.ReloadResult, error) {
	var result api.ReloadResult
	return result, c.do(http.MethodPost, "/api/v1/config/reload", &result)
}

// wsURL returns the status stream URL for the configured server
func (c *client) wsURL() (string, error) {
	u, err := url.Parse(c.base + "/api/v1/ws")
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// reconcileSummary renders a reconcile result on one line
func reconcileSummary(r tunnel.ReconcileResult) string {
	if len(r.Removed) == 0 && len(r.Restarted) == 0 {
		return "no active servers changed"
	}
	var parts []string
	if len(r.Removed) > 0 {
		parts = append(parts, "disconnected "+strings.Join(r.Removed, ", "))
	}
	if len(r.Restarted) > 0 {
		parts = append(parts, "restarted "+strings.Join(r.Restarted, ", "))
	}
	return strings.Join(parts, "; ")
}
