package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/pulquero/agile-powerwall/pkg/common"
)

// maxStateLength is the longest state Home Assistant accepts.
const maxStateLength = 255

// The supervisor proxy answers 502 while core restarts.
var haRetry = common.RetryPolicy{
	Attempts:        3,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Retryable: func(code int) bool {
		return code == http.StatusBadGateway || common.TemporaryStatus(code)
	},
}

// Client reads entity states for threshold functions and publishes the
// status of each refresh to an entity.
type Client struct {
	client       *http.Client
	retry        common.RetryPolicy
	baseURL      string
	token        string
	statusEntity string
}

// NewClient returns a client for the Home Assistant REST API at baseURL.
func NewClient(baseURL, token, statusEntity string) *Client {
	return &Client{
		client:       common.HTTPClient("homeassistant", 30*time.Second),
		retry:        haRetry,
		baseURL:      baseURL,
		token:        token,
		statusEntity: statusEntity,
	}
}

// Configured sets up the client based on flags. It returns nil when no
// token is available.
func Configured() *Client {
	baseURL := lflag.String("ha-url", "http://supervisor/core", "Home Assistant base URL")
	token := lflag.String("ha-token", os.Getenv("SUPERVISOR_TOKEN"), "Home Assistant long-lived access token")
	statusEntity := lflag.String("ha-status-entity", "powerwall.tariff_status", "Entity the status of each refresh is written to, empty to disable")

	c := &Client{
		client: common.HTTPClient("homeassistant", 30*time.Second),
		retry:  haRetry,
	}

	lflag.Do(func() {
		c.baseURL = *baseURL
		c.token = *token
		c.statusEntity = *statusEntity
	})

	return c
}

// Enabled returns true if the client has a token to talk to Home Assistant
// with.
func (c *Client) Enabled() bool {
	return c != nil && c.token != ""
}

type entityState struct {
	EntityID   string         `json:"entity_id,omitempty"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, method, entity string, body any) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, "api", "states", entity)
	if err != nil {
		return nil, err
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// call sends body to the entity's state endpoint and decodes the answer into
// dest, retrying while Home Assistant is unavailable.
func (c *Client) call(ctx context.Context, method, entity string, body, dest any) error {
	_, err := common.Retry(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		req, err := c.newRequest(ctx, method, entity, body)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.do(req, dest)
	})
	return err
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &common.StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("failed to decode state: %w", err)
		}
	}
	return nil
}

func (c *Client) getState(ctx context.Context, entity string) (entityState, error) {
	if entity == "" {
		return entityState{}, errors.New("missing entity id")
	}
	var s entityState
	if err := c.call(ctx, http.MethodGet, entity, nil, &s); err != nil {
		return entityState{}, fmt.Errorf("failed to get state of %s: %w", entity, err)
	}
	return s, nil
}

// State returns the state of entity.
func (c *Client) State(ctx context.Context, entity string) (string, error) {
	s, err := c.getState(ctx, entity)
	if err != nil {
		return "", err
	}
	return s.State, nil
}

// StateAttribute returns a single attribute of entity. Missing attributes
// are an error.
func (c *Client) StateAttribute(ctx context.Context, entity, attr string) (any, error) {
	s, err := c.getState(ctx, entity)
	if err != nil {
		return nil, err
	}
	v, ok := s.Attributes[attr]
	if !ok {
		return nil, fmt.Errorf("%s has no attribute %s", entity, attr)
	}
	return v, nil
}

// PublishStatus writes msg as the state of the status entity.
func (c *Client) PublishStatus(ctx context.Context, msg string) error {
	if c.statusEntity == "" {
		return nil
	}
	if len(msg) > maxStateLength {
		msg = msg[:maxStateLength]
	}
	state := entityState{
		State: msg,
		Attributes: map[string]any{
			"friendly_name": "Powerwall tariff status",
			"updated":       time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := c.call(ctx, http.MethodPost, c.statusEntity, state, nil); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}
