// Package proxyclient speaks the company-chat wire protocol from the caller's
// side: one JSON request, answered by a JSON envelope or an event stream.
package proxyclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/brief"
)

const DefaultPath = "/company-chat"

// ErrIncompleteStream is returned when the event stream ends without a done
// or error frame.
var ErrIncompleteStream = eris.New("proxyclient: stream ended before done")

// RemoteError carries an error reported by the proxy in its JSON envelope.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

type Config struct {
	BaseURL    string
	Path       string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

func New(cfg Config) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 90 * time.Second,
			},
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		apiKey:   cfg.APIKey,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

type envelope struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate requests an aggregated answer.
func (c *Client) Generate(ctx context.Context, req brief.Request) (string, error) {
	req.Stream = false
	resp, err := c.post(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp)
	if err != nil {
		return "", err
	}
	if env.Response == "" {
		return brief.NoResponse, nil
	}
	return env.Response, nil
}

// Stream requests an event stream and calls emit for each frame in arrival
// order, including a terminal error frame. It returns after done or error.
// Cancelling ctx closes the response body so the server sees the disconnect
// without waiting for the next frame.
func (c *Client) Stream(ctx context.Context, req brief.Request, emit func(brief.Event) error) error {
	req.Stream = true
	resp, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
	defer stop()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_, err := decodeEnvelope(resp)
		if err == nil {
			err = eris.New("proxyclient: expected event stream")
		}
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var event brief.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
			c.logger.Debug("skipping malformed frame", zap.String("line", line))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := emit(event); err != nil {
			return err
		}
		if event.Type == brief.EventDone || event.Type == brief.EventError {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return eris.Wrap(err, "proxyclient: read stream")
	}
	return ErrIncompleteStream
}

func (c *Client) post(ctx context.Context, req brief.Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "proxyclient: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "proxyclient: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("apikey", c.apiKey)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrap(err, "proxyclient: send request")
	}
	return resp, nil
}

func decodeEnvelope(resp *http.Response) (envelope, error) {
	var env envelope
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return env, eris.Wrap(err, "proxyclient: read response")
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return env, &RemoteError{Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		}
		return env, eris.Wrap(err, "proxyclient: decode response")
	}
	if env.Error != "" {
		return env, &RemoteError{Message: env.Error}
	}
	if resp.StatusCode >= 400 {
		return env, &RemoteError{Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return env, nil
}
