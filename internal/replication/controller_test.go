package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdanHaim/ravendb/internal/alerts"
	"github.com/IdanHaim/ravendb/internal/store/memstore"
	"github.com/IdanHaim/ravendb/internal/transport"
	"github.com/IdanHaim/ravendb/internal/workcontext"
)

func newTestController(t *testing.T, s *memstore.MemoryStore, ft *fakeTransport) *ReplicationController {
	t.Helper()
	resolver := NewDestinationResolver(s, alerts.NewLoggingSink(nil), nil, "self")
	ledger := NewFailureLedger(s)
	peer := NewPeerClient(ft, nil, "http://local:8080", "self")
	assembler := NewBatchAssembler(s)
	work := workcontext.New(context.Background())
	return NewReplicationController(s, resolver, ledger, peer, assembler, work, nil, "http://local:8080", "self")
}

func TestReplicationController_TryAcquireToken_SingleFlight(t *testing.T) {
	s := memstore.NewMemoryStore()
	c := newTestController(t, s, newFakeTransport())

	assert.True(t, c.tryAcquireToken("http://peer:8080"))
	assert.False(t, c.tryAcquireToken("http://peer:8080"), "a second acquire must fail while the first holds the token")

	c.releaseToken("http://peer:8080")
	assert.True(t, c.tryAcquireToken("http://peer:8080"), "release must allow a subsequent acquire")
}

func TestReplicationController_TryAcquireToken_ConcurrentOnlyOneWins(t *testing.T) {
	s := memstore.NewMemoryStore()
	c := newTestController(t, s, newFakeTransport())

	const attempts = 50
	var wins int32
	done := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			if c.tryAcquireToken("http://peer:8080") {
				atomic.AddInt32(&wins, 1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < attempts; i++ {
		<-done
	}
	assert.Equal(t, int32(1), wins, "exactly one concurrent acquire must win (invariant 1)")
}

func TestReplicationController_ReconcilePrefetchers_DisposesGoneURL(t *testing.T) {
	s := memstore.NewMemoryStore()
	c := newTestController(t, s, newFakeTransport())

	pf := c.prefetcherFor("http://gone:8080")
	_ = pf
	require.NotNil(t, c.prefetcherAt("http://gone:8080"))

	c.reconcilePrefetchers(nil)
	assert.Nil(t, c.prefetcherAt("http://gone:8080"), "a prefetcher whose URL disappeared must be disposed")
}

func TestReplicationController_ReconcilePrefetchers_DisposesStaleFailing(t *testing.T) {
	s := memstore.NewMemoryStore()
	c := newTestController(t, s, newFakeTransport())

	dest := allowAllStrategy("http://flaky:8080")
	c.prefetcherFor(dest.ID())

	old := time.Now().Add(-10 * time.Minute)
	recent := time.Now()
	c.ledger.entryFor(dest.ID()).stats.FirstFailureInCycleTS = &old
	c.ledger.entryFor(dest.ID()).stats.LastFailureTS = &recent

	c.reconcilePrefetchers([]*Strategy{dest})
	assert.Nil(t, c.prefetcherAt(dest.ID()), "a destination failing for >= 3 minutes must have its prefetcher disposed")
}

func TestReplicationController_Tick_WarnsOnceOnEmptyDestinations(t *testing.T) {
	s := memstore.NewMemoryStore()
	c := newTestController(t, s, newFakeTransport())

	c.tick(context.Background())
	assert.Equal(t, int32(1), c.warnedEmptyOnce)
	c.tick(context.Background())
	assert.Equal(t, int32(1), c.warnedEmptyOnce, "the empty-destinations warning is idempotent")
}

func TestReplicationController_NotifySiblings_ScansSourcesAndConfiguredDestinations(t *testing.T) {
	s := memstore.NewMemoryStore()
	data, err := json.Marshal(DestinationsDoc{
		Source:       "self",
		Destinations: []Destination{{URL: "http://configured:8080"}},
	})
	require.NoError(t, err)
	_, err = s.Put(DestinationsDocKey, nil, data, nil)
	require.NoError(t, err)

	_, err = s.Put("Raven/Replication/Sources/peer-1", nil, []byte(`{}`), map[string]any{"url": "http://fromsource:8080"})
	require.NoError(t, err)

	ft := newFakeTransport()
	ft.enqueue("/replication/heartbeat", &transport.Response{StatusCode: http.StatusOK})
	ft.enqueue("/replication/heartbeat", &transport.Response{StatusCode: http.StatusOK})

	c := newTestController(t, s, ft)
	c.notifySiblings(context.Background())

	var heartbeatCalls int
	targets := map[string]bool{}
	for _, call := range ft.calls {
		if call.Method == http.MethodPost {
			heartbeatCalls++
			targets[call.URL] = true
		}
	}
	assert.Equal(t, 2, heartbeatCalls)
}
