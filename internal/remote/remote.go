// Package remote turns configured endpoints into replay handlers. Each
// configured mutation type is POSTed to its endpoint as JSON; the HTTP outcome
// is mapped onto a replay verdict via the error classifier, so a 503 retries
// while a 422 discards.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsdeck/offline/internal/classify"
	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/registry"
)

// maxErrorBodyBytes caps how much of an error response body is kept for the
// failure message.
const maxErrorBodyBytes = 8 << 10

// Registrar is the surface remote needs for wiring handlers; the engine
// satisfies it.
type Registrar interface {
	RegisterHandler(mutType string, h registry.Handler) func()
}

// Client replays mutation payloads against a configured backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	endpoints  map[string]string
}

func New(cfg model.RemoteConfig) *Client {
	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = 15
	}
	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(timeout) * time.Second},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		endpoints:  cfg.Endpoints,
	}
}

// RegisterAll wires a replay handler for every configured endpoint. Returns
// the mutation types that were registered.
func (c *Client) RegisterAll(r Registrar) []string {
	types := make([]string, 0, len(c.endpoints))
	for mutType, path := range c.endpoints {
		r.RegisterHandler(mutType, c.Handler(path))
		types = append(types, mutType)
	}
	return types
}

// Handler returns a replay handler that POSTs the mutation payload to path.
func (c *Client) Handler(path string) registry.Handler {
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	return func(ctx context.Context, m model.Mutation) registry.Result {
		body, err := json.Marshal(m.Payload)
		if err != nil {
			// An unencodable payload will never encode on a later attempt
			return registry.Discard(fmt.Sprintf("encode payload: %v", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return registry.Discard(fmt.Sprintf("build request: %v", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Mutation-ID", m.ID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Transport-level failure: the backend never judged the intent
			return registry.Retry(err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			return registry.Success()
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		statusErr := &classify.StatusError{
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(msg)),
		}
		if classify.IsOfflineError(statusErr) {
			return registry.Retry(statusErr.Error())
		}
		return registry.Discard(statusErr.Error())
	}
}
