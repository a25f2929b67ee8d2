package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPDoer is the part of *http.Client the remote engine uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Remote runs turns on an engine server reachable over HTTP.
//
//	POST {server}/api/turns     Input -> Output
//	GET  {server}/api/factions  -> Roster
type Remote struct {
	server  string
	client  HTTPDoer
	timeout time.Duration
}

// NewRemote creates a remote engine. A nil client uses http.DefaultClient.
func NewRemote(server string, client HTTPDoer, timeout time.Duration) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Remote{server: strings.TrimRight(server, "/"), client: client, timeout: timeout}
}

// Run posts the input and decodes the engine's output.
func (r *Remote) Run(ctx context.Context, in Input) (Output, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("encode engine input: %w", err)
	}
	var out Output
	if err := r.call(ctx, http.MethodPost, "/api/turns", body, &out); err != nil {
		return Output{}, err
	}
	if err := out.Complete(in); err != nil {
		return Output{}, err
	}
	return out, nil
}

// Factions fetches the server's current roster.
func (r *Remote) Factions(ctx context.Context) (Roster, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var roster Roster
	if err := r.call(ctx, http.MethodGet, "/api/factions", nil, &roster); err != nil {
		return Roster{}, err
	}
	return roster, nil
}

func (r *Remote) call(ctx context.Context, method, path string, body []byte, into any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return timeoutErr(ctx, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return timeoutErr(ctx, fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}
