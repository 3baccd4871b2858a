package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// Client discovers the handshake endpoint from a server's event stream and performs the
// initialize/initialized handshake against it.
//
// Instances should be created using NewClient.
type Client struct {
	httpClient *http.Client
	streamURL  string
	endpoint   string
	logger     *slog.Logger

	maxPayloadSize int
}

// NewClient creates a client reading announcements from streamURL. The optional httpClient
// parameter allows custom HTTP client configuration; if nil, the default HTTP client is used.
func NewClient(streamURL string, httpClient *http.Client, options ...ClientOption) *Client {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &Client{
		httpClient: cli,
		streamURL:  streamURL,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientEndpoint sets the handshake endpoint directly, skipping discovery.
func WithClientEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithClientMaxPayloadSize sets the maximum size of a single event read from the stream.
func WithClientMaxPayloadSize(size int) ClientOption {
	return func(c *Client) {
		c.maxPayloadSize = size
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp-handshake"),
			slog.String("component", "client"),
		)
	}
}

// Endpoint returns the discovered (or configured) handshake endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// DiscoverEndpoint connects to the event stream, waits for the first endpoint announcement and
// closes the stream. The decoded endpoint is stored on the client and returned.
func (c *Client) DiscoverEndpoint(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", eventStreamMediaType.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			return "", fmt.Errorf("failed to read event stream: %w", err)
		}
		if ev.Type != EventEndpoint {
			c.logger.Debug("ignoring event", slog.String("type", ev.Type))
			continue
		}

		endpoint, err := AnnouncementEvent{Event: ev.Type, Data: ev.Data}.Endpoint()
		if err != nil {
			return "", fmt.Errorf("failed to decode endpoint: %w", err)
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("invalid endpoint URL %q", endpoint)
		}
		c.endpoint = u.String()
		return c.endpoint, nil
	}

	return "", errors.New("event stream closed before endpoint announcement")
}

// Initialize sends the initialize request. A JSON-RPC error returned by the server is reported
// as a JSONRPCError.
func (c *Client) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	if params.Capabilities == nil {
		params.Capabilities = CapabilitySet{}
	}
	res, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return InitializeResult{}, err
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	return result, nil
}

// Initialized sends the initialized request completing the handshake. sessionID may be empty
// when the server does not track sessions.
func (c *Client) Initialized(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, MethodInitialized, InitializedParams{SessionID: sessionID})
	return err
}

func (c *Client) call(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	if c.endpoint == "" {
		return JSONRPCMessage{}, errors.New("handshake endpoint unknown, call DiscoverEndpoint first")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	msgBs, err := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", jsonMediaType.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JSONRPCMessage{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var res JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if res.Error != nil {
		return JSONRPCMessage{}, *res.Error
	}
	return res, nil
}
