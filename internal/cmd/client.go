package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// errServerDown distinguishes "daemon not running" from API errors so the
// CLI can exit 1 with a useful message.
var errServerDown = errors.New("rigwatch server is not reachable")

// apiClient is the thin REST client the CLI commands share.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base: fmt.Sprintf("http://%s", addr),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// get decodes a JSON response into out. nil out discards the body.
func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr *net.OpError
		var urlErr *url.Error
		if errors.As(err, &urlErr) && (errors.As(urlErr.Err, &netErr) || urlErr.Timeout()) {
			return fmt.Errorf("%w: %v", errServerDown, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Kind != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Kind, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// raw fetches a path and returns the body verbatim, for export streaming.
func (c *apiClient) raw(path string) ([]byte, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errServerDown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
