package replication

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdanHaim/ravendb/internal/transport"
)

func TestPeerClient_SendDocuments_RetriesOnceOn503(t *testing.T) {
	ft := newFakeTransport()
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusServiceUnavailable})
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusOK})

	peer := NewPeerClient(ft, nil, "http://local:8080", "self")
	dest := allowAllStrategy("http://peer:8080")

	err := peer.SendDocuments(context.Background(), dest, []JsonDocument{{Key: "docs/1"}}, true)
	require.NoError(t, err)
	assert.Len(t, ft.calls, 2, "a 503 on the first attempt must trigger exactly one retry")
}

func TestPeerClient_SendDocuments_RetriesOnceOnNon5xxFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusConflict})
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusOK})

	peer := NewPeerClient(ft, nil, "http://local:8080", "self")
	dest := allowAllStrategy("http://peer:8080")

	err := peer.SendDocuments(context.Background(), dest, []JsonDocument{{Key: "docs/1"}}, true)
	require.NoError(t, err, "a non-5xx failure on the first attempt must still be retried once, not treated as terminal")
	assert.Len(t, ft.calls, 2)
}

func TestPeerClient_SendDocuments_NoRetryWithoutFlag(t *testing.T) {
	ft := newFakeTransport()
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusConflict})
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusOK})

	peer := NewPeerClient(ft, nil, "http://local:8080", "self")
	dest := allowAllStrategy("http://peer:8080")

	err := peer.SendDocuments(context.Background(), dest, []JsonDocument{{Key: "docs/1"}}, false)
	require.Error(t, err, "without retryOnce the first failure must be returned as-is")
	assert.Len(t, ft.calls, 1)
}

func TestPeerClient_SendDocuments_ExhaustedRetryClassifiesFinalResponse(t *testing.T) {
	ft := newFakeTransport()
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusNotFound})
	ft.enqueue("/replication/replicateDocs", &transport.Response{StatusCode: http.StatusNotFound})

	peer := NewPeerClient(ft, nil, "http://local:8080", "self")
	dest := allowAllStrategy("http://peer:8080")

	err := peer.SendDocuments(context.Background(), dest, []JsonDocument{{Key: "docs/1"}}, true)
	require.Error(t, err)
	var pe *PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrKindPeerRejected, pe.Kind)
	assert.Len(t, ft.calls, 2)
}
