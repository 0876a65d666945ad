package replication

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/IdanHaim/ravendb/internal/transport"
	"github.com/IdanHaim/ravendb/pkg/logging"
)

// ErrorKind classifies a PeerClient failure.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	// ErrKindPeerUnreachable is a network error or timeout.
	ErrKindPeerUnreachable
	// ErrKindPeerRejected is an HTTP 400/404 on negotiation: replication
	// is not enabled on the peer.
	ErrKindPeerRejected
	// ErrKindPeerError is any other HTTP error.
	ErrKindPeerError
)

// PeerError is the typed outcome returned by PeerClient operations,
// replacing exception-driven control flow for expected HTTP 400/404
// negotiation outcomes.
type PeerError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *PeerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("peer error (%d): %s: %v", e.StatusCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("peer error (%d): %s", e.StatusCode, e.Message)
}

func (e *PeerError) Unwrap() error { return e.Cause }

// IsNotEnabled reports whether err is a 400/404 negotiation rejection.
func IsNotEnabled(err error) bool {
	var pe *PeerError
	if ok := asPeerError(err, &pe); ok {
		return pe.Kind == ErrKindPeerRejected
	}
	return false
}

func asPeerError(err error, out **PeerError) bool {
	pe, ok := err.(*PeerError)
	if ok {
		*out = pe
	}
	return ok
}

// AttachmentWire is the BSON wire shape for one replicated attachment:
// @metadata, @id, @etag (bytes), data (bytes).
type AttachmentWire struct {
	Metadata map[string]any `bson:"@metadata"`
	ID       string         `bson:"@id"`
	Etag     []byte         `bson:"@etag"`
	Data     []byte         `bson:"data"`
}

// PeerClient wraps HttpTransport with the five remote replication
// operations. Grounded on the teacher's internal/httpClient/node_client.go:
// one gobreaker.CircuitBreaker per remote (there, per storage node; here,
// per destination URL) guarding every call, and cenkalti/backoff
// implementing the bounded retry-exactly-once policy the worker requests
// on a destination's first failure.
type PeerClient struct {
	transport       transport.HttpTransport
	logger          *logging.Logger
	localURL        string
	localDatabaseID string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewPeerClient constructs a PeerClient that identifies this node as
// localURL/localDatabaseID in every outbound call.
func NewPeerClient(t transport.HttpTransport, logger *logging.Logger, localURL, localDatabaseID string) *PeerClient {
	return &PeerClient{
		transport:       t,
		logger:          logger,
		localURL:        localURL,
		localDatabaseID: localDatabaseID,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *PeerClient) breakerFor(destURL string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[destURL]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peer-client-" + destURL,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})
	p.breakers[destURL] = cb
	return cb
}

// execute runs req through the destination's circuit breaker, optionally
// retrying exactly once on failure via a short constant backoff.
func (p *PeerClient) execute(ctx context.Context, destURL string, req transport.Request, retryOnce bool) (*transport.Response, error) {
	cb := p.breakerFor(destURL)

	result, err := cb.Execute(func() (interface{}, error) {
		if !retryOnce {
			return p.transport.Execute(ctx, req)
		}

		var last *transport.Response
		var lastExecErr error
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1), ctx)
		_ = backoff.Retry(func() error {
			r, execErr := p.transport.Execute(ctx, req)
			lastExecErr = execErr
			if execErr != nil {
				return execErr
			}
			last = r
			if r.StatusCode < 200 || r.StatusCode >= 300 {
				return fmt.Errorf("non-2xx response %d", r.StatusCode)
			}
			return nil
		}, policy)
		if last == nil {
			return nil, lastExecErr
		}
		return last, nil
	})
	if err != nil {
		return nil, &PeerError{Kind: ErrKindPeerUnreachable, Message: err.Error(), Cause: err}
	}
	return result.(*transport.Response), nil
}

func classifyResponse(resp *transport.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		return &PeerError{
			Kind:       ErrKindPeerRejected,
			StatusCode: resp.StatusCode,
			Message:    transport.ParseErrorBody(resp),
		}
	}
	return &PeerError{
		Kind:       ErrKindPeerError,
		StatusCode: resp.StatusCode,
		Message:    transport.ParseErrorBody(resp),
	}
}

// GetLastEtag negotiates with the peer for its last-known replicated
// cursor.
func (p *PeerClient) GetLastEtag(ctx context.Context, dest *Strategy, currentLocalEtag Etag) (*SourceReplicationInformation, error) {
	q := url.Values{}
	q.Set("from", p.localURL)
	q.Set("currentEtag", currentLocalEtag.String())
	q.Set("dbid", p.localDatabaseID)

	req := transport.Request{
		Method:      http.MethodGet,
		URL:         dest.URL + "/replication/lastEtag?" + q.Encode(),
		Credentials: dest.Credentials,
		APIKey:      dest.APIKey,
	}

	resp, err := p.execute(ctx, dest.URL, req, false)
	if err != nil {
		return nil, err
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}

	var info SourceReplicationInformation
	if err := transport.DecodeJSON(resp, &info); err != nil {
		return nil, &PeerError{Kind: ErrKindPeerError, Message: fmt.Sprintf("failed to decode lastEtag response: %v", err), Cause: err}
	}
	return &info, nil
}

// PutLastEtag performs a zero-payload cursor bump. Either docEtag or
// attachmentEtag (or both) may be set; nil omits the query parameter.
func (p *PeerClient) PutLastEtag(ctx context.Context, dest *Strategy, docEtag, attachmentEtag *Etag) error {
	q := url.Values{}
	q.Set("from", p.localURL)
	q.Set("dbid", p.localDatabaseID)
	if docEtag != nil {
		q.Set("docEtag", docEtag.String())
	}
	if attachmentEtag != nil {
		q.Set("attachmentEtag", attachmentEtag.String())
	}

	req := transport.Request{
		Method:      http.MethodPut,
		URL:         dest.URL + "/replication/lastEtag?" + q.Encode(),
		Credentials: dest.Credentials,
		APIKey:      dest.APIKey,
	}

	resp, err := p.execute(ctx, dest.URL, req, false)
	if err != nil {
		return err
	}
	return classifyResponse(resp)
}

// SendDocuments POSTs the JSON-encoded document batch. retryOnce governs
// the first-failure-retry-once policy.
func (p *PeerClient) SendDocuments(ctx context.Context, dest *Strategy, docs []JsonDocument, retryOnce bool) error {
	q := url.Values{}
	q.Set("from", p.localURL)
	q.Set("dbid", p.localDatabaseID)
	q.Set("count", fmt.Sprintf("%d", len(docs)))

	req := transport.Request{
		Method:       http.MethodPost,
		URL:          dest.URL + "/replication/replicateDocs?" + q.Encode(),
		Credentials:  dest.Credentials,
		APIKey:       dest.APIKey,
		Body:         docs,
		BodyEncoding: transport.EncodingJSON,
	}

	resp, err := p.execute(ctx, dest.URL, req, retryOnce)
	if err != nil {
		return err
	}
	return classifyResponse(resp)
}

// SendAttachments POSTs the BSON-encoded attachment array.
func (p *PeerClient) SendAttachments(ctx context.Context, dest *Strategy, items []AttachmentWire, retryOnce bool) error {
	q := url.Values{}
	q.Set("from", p.localURL)
	q.Set("dbid", p.localDatabaseID)

	req := transport.Request{
		Method:       http.MethodPost,
		URL:          dest.URL + "/replication/replicateAttachments?" + q.Encode(),
		Credentials:  dest.Credentials,
		APIKey:       dest.APIKey,
		Body:         bsonAttachmentArray{Items: items},
		BodyEncoding: transport.EncodingBSON,
	}

	resp, err := p.execute(ctx, dest.URL, req, retryOnce)
	if err != nil {
		return err
	}
	return classifyResponse(resp)
}

// bsonAttachmentArray exists only so the attachment slice marshals as a
// BSON document wrapping an array, rather than bson.Marshal rejecting a
// bare slice.
type bsonAttachmentArray struct {
	Items []AttachmentWire `bson:"items"`
}

// SendHeartbeat POSTs an outbound heartbeat to a peer.
func (p *PeerClient) SendHeartbeat(ctx context.Context, peerURL string) error {
	q := url.Values{}
	q.Set("from", p.localURL)
	q.Set("dbid", p.localDatabaseID)

	req := transport.Request{
		Method: http.MethodPost,
		URL:    peerURL + "/replication/heartbeat?" + q.Encode(),
	}

	resp, err := p.execute(ctx, peerURL, req, false)
	if err != nil {
		return err
	}
	return classifyResponse(resp)
}
