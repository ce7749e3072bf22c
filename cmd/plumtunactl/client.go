package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// client is the shared HTTP helper every subcommand builds its request
// through, the way remote-procedure-call/cmd/common.go centralizes
// plugin dialing behind startPlugins().
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(server string) *client {
	return &client{baseURL: "http://" + server, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *client) post(path string, body any) ([]byte, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("plumtunad returned %s: %s", resp.Status, string(out))
	}
	return out, nil
}
