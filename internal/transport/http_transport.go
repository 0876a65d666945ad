// Package transport implements the HttpTransport collaborator: building
// and executing requests against peer replication endpoints. The shared
// *http.Client construction is carried over nearly
// verbatim from the teacher repo's internal/httpClient/http_client_manager.go
// (idle-connection tuning, timeout), since that concern is identical
// regardless of what gets replicated.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// Config tunes the shared HTTP client, mirroring the teacher's
// httpclient.ClientConfig.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	Timeout             time.Duration
	KeepAlive           time.Duration
}

// DefaultConfig returns sane defaults, as the teacher's
// httpclient.DefaultConfig does.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		Timeout:             30 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// BodyEncoding selects how a request body is serialized.
type BodyEncoding int

const (
	EncodingNone BodyEncoding = iota
	EncodingJSON
	EncodingBSON
)

// Request describes one outbound call to a peer.
type Request struct {
	Method      string
	URL         string
	Credentials *replication.Credentials
	APIKey      string
	Body        any
	BodyEncoding BodyEncoding
}

// Response is the raw result of executing a Request.
type Response struct {
	StatusCode int
	Body       []byte
}

// HTTPError carries peer-provided error detail for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("peer returned status %d: %s", e.StatusCode, e.Message)
}

// HttpTransport is the narrow interface the core depends on.
type HttpTransport interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Client is the default HttpTransport, built on a shared *http.Client the
// way the teacher's ClientManager shares one *http.Client across all
// NodeClients.
type Client struct {
	httpClient *http.Client
}

// New creates a Client from Config.
func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// Execute builds and runs one HTTP request, returning the raw status and
// body; it never itself interprets non-2xx status codes as an error — the
// caller (PeerClient) carries the error-kind discipline on top of it.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		switch req.BodyEncoding {
		case EncodingJSON:
			encoded, err := json.Marshal(req.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode JSON body: %w", err)
			}
			bodyReader = bytes.NewReader(encoded)
		case EncodingBSON:
			encoded, err := bsonMarshal(req.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode BSON body: %w", err)
			}
			bodyReader = bytes.NewReader(encoded)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s %s: %w", req.Method, req.URL, err)
	}

	switch req.BodyEncoding {
	case EncodingJSON:
		httpReq.Header.Set("Content-Type", "application/json")
	case EncodingBSON:
		httpReq.Header.Set("Content-Type", "application/bson")
	}
	if req.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", req.APIKey)
	}
	if req.Credentials != nil && req.Credentials.Username != "" {
		httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", req.URL, err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// DecodeJSON unmarshals resp.Body into v.
func DecodeJSON(resp *Response, v any) error {
	if len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, v)
}

// ParseErrorBody best-effort parses a peer's { "Error": "..." } body,
// falling back to the raw body text.
func ParseErrorBody(resp *Response) string {
	var structured struct {
		Error string `json:"Error"`
	}
	if err := json.Unmarshal(resp.Body, &structured); err == nil && structured.Error != "" {
		return structured.Error
	}
	if len(resp.Body) > 0 {
		return string(resp.Body)
	}
	return http.StatusText(resp.StatusCode)
}
