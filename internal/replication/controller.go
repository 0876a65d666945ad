package replication

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IdanHaim/ravendb/internal/prefetcher"
	"github.com/IdanHaim/ravendb/internal/telemetry"
	"github.com/IdanHaim/ravendb/internal/workcontext"
	"github.com/IdanHaim/ravendb/pkg/logging"
)

const (
	waitForWorkTimeout   = 30 * time.Second
	tickTimerInterval    = 5 * time.Minute
	prefetcherStaleAfter = 3 * time.Minute
	sourcesScanPageSize  = 128
)

// prefetcherEntry holds a long-lived prefetcher; the prefetchers map keys
// it by the URL it serves, so the controller can reconcile it against the
// current destination list and failure history.
type prefetcherEntry struct {
	pf prefetcher.Prefetcher
}

// ReplicationController is the top-level loop: it wakes on work or timer,
// enumerates destinations, launches at most one worker per destination,
// garbage-collects stale prefetchers, and shuts down cleanly. Grounded on
// the teacher's cmd/server/main.go run loop and
// its commented setupGracefulShutdown scaffold, generalized from an
// HTTP-serve loop to a poll/dispatch loop, and on
// internal/distributed/election.go's CAS-guarded per-peer state for the
// single-flight token table.
type ReplicationController struct {
	store    Store
	resolver *DestinationResolver
	ledger   *FailureLedger
	peer     *PeerClient
	assembler *BatchAssembler
	work     *workcontext.WorkContext
	logger   *logging.Logger
	localURL string
	localDatabaseID string

	attemptCount int64

	tokensMu sync.Mutex
	tokens   map[string]*int32

	prefetchersMu sync.Mutex
	prefetchers   map[string]*prefetcherEntry

	warnedEmptyOnce int32

	lastWakeWasWork bool
}

// NewReplicationController wires together the collaborators needed to run
// the control loop.
func NewReplicationController(
	s Store,
	resolver *DestinationResolver,
	ledger *FailureLedger,
	peer *PeerClient,
	assembler *BatchAssembler,
	work *workcontext.WorkContext,
	logger *logging.Logger,
	localURL, localDatabaseID string,
) *ReplicationController {
	return &ReplicationController{
		store:           s,
		resolver:        resolver,
		ledger:          ledger,
		peer:            peer,
		assembler:       assembler,
		work:            work,
		logger:          logger,
		localURL:        localURL,
		localDatabaseID: localDatabaseID,
		tokens:          make(map[string]*int32),
		prefetchers:     make(map[string]*prefetcherEntry),
	}
}

// Run blocks until the controller's work context is cancelled. It polls
// for a work notification bounded by waitForWorkTimeout; a tick only
// actually runs when the poll was woken by a local modification, or when
// the independent tickTimerInterval backstop timer has elapsed, so a
// quiet 30-second poll timeout by itself does not count as a
// modification-triggered wake for the destination-throttle decision.
func (c *ReplicationController) Run(ctx context.Context) {
	go c.notifySiblings(ctx)

	bigTimer := time.NewTimer(tickTimerInterval)
	defer bigTimer.Stop()

	for {
		pollTimer := time.NewTimer(waitForWorkTimeout)
		timeoutCh := make(chan struct{})
		go func() {
			select {
			case <-pollTimer.C:
				close(timeoutCh)
			case <-c.work.CancellationToken().Done():
			}
		}()

		woken := c.work.WaitForWork(timeoutCh)
		pollTimer.Stop()

		if c.work.CancellationToken().Err() != nil {
			c.shutdown()
			return
		}

		bigFired := false
		select {
		case <-bigTimer.C:
			bigFired = true
		default:
		}

		if !woken && !bigFired {
			continue
		}

		c.lastWakeWasWork = woken
		c.tick(ctx)

		if bigFired {
			bigTimer.Reset(tickTimerInterval)
		}
	}
}

// tick resolves the current destinations, throttles them, and dispatches
// one worker per survivor.
func (c *ReplicationController) tick(ctx context.Context) {
	destinations := c.resolver.Resolve()
	if len(destinations) == 0 {
		if atomic.CompareAndSwapInt32(&c.warnedEmptyOnce, 0, 1) {
			if c.logger != nil {
				c.logger.Warn("no replication destinations configured")
			}
		}
		return
	}
	atomic.StoreInt32(&c.warnedEmptyOnce, 0)
	telemetry.ReplicationDestinationsConfigured.Set(float64(len(destinations)))

	attempt := atomic.AddInt64(&c.attemptCount, 1)
	telemetry.ReplicationAttemptsTotal.Inc()

	survivors := destinations
	if c.lastWakeWasWork {
		survivors = make([]*Strategy, 0, len(destinations))
		for _, d := range destinations {
			if c.ledger.IsNotFailing(d.ID(), attempt) {
				survivors = append(survivors, d)
			}
		}
	}

	c.reconcilePrefetchers(destinations)

	localHead := c.currentLocalHeadEtag()

	g, gctx := errgroup.WithContext(ctx)
	spawned := make([]string, 0, len(survivors))
	for _, dest := range survivors {
		dest := dest
		if !c.tryAcquireToken(dest.ID()) {
			continue
		}
		spawned = append(spawned, dest.ID())
		pf := c.prefetcherFor(dest.ID())
		g.Go(func() error {
			defer c.releaseToken(dest.ID())
			worker := NewDestinationWorker(c.peer, c.assembler, c.ledger, c.logger)
			if worker.Run(gctx, dest, pf, localHead) {
				c.work.UpdateFoundWork()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, url := range spawned {
		stats := c.ledger.Stats(url)
		if pf := c.prefetcherAt(url); pf != nil && stats.LastReplicatedEtag != nil {
			pf.CleanupDocuments(stats.LastReplicatedEtag)
		}
	}
}

func (c *ReplicationController) currentLocalHeadEtag() Etag {
	var head Etag
	_ = c.store.Batch(func(accessor Accessor) error {
		head = accessor.Staleness().GetMostRecentDocumentEtag()
		return nil
	})
	return head
}

// tryAcquireToken attempts the 0->1 single-flight transition for url.
func (c *ReplicationController) tryAcquireToken(url string) bool {
	c.tokensMu.Lock()
	tok, ok := c.tokens[url]
	if !ok {
		tok = new(int32)
		c.tokens[url] = tok
	}
	c.tokensMu.Unlock()
	return atomic.CompareAndSwapInt32(tok, 0, 1)
}

// releaseToken resets url's token to 0, guaranteed to run on every worker
// exit path.
func (c *ReplicationController) releaseToken(url string) {
	c.tokensMu.Lock()
	tok, ok := c.tokens[url]
	c.tokensMu.Unlock()
	if ok {
		atomic.StoreInt32(tok, 0)
	}
}

// reconcilePrefetchers disposes prefetchers whose URL is no longer
// configured, and those whose destination has been failing for at least
// prefetcherStaleAfter.
func (c *ReplicationController) reconcilePrefetchers(live []*Strategy) {
	liveURLs := make(map[string]bool, len(live))
	for _, d := range live {
		liveURLs[d.ID()] = true
	}

	c.prefetchersMu.Lock()
	defer c.prefetchersMu.Unlock()

	for url, entry := range c.prefetchers {
		if !liveURLs[url] {
			entry.pf.Dispose()
			delete(c.prefetchers, url)
			continue
		}
		stats := c.ledger.Stats(url)
		if stats.FirstFailureInCycleTS != nil && stats.LastFailureTS != nil {
			if stats.LastFailureTS.Sub(*stats.FirstFailureInCycleTS) >= prefetcherStaleAfter {
				entry.pf.Dispose()
				delete(c.prefetchers, url)
			}
		}
	}
}

// prefetcherFor returns the long-lived prefetcher for url, creating one on
// first use.
func (c *ReplicationController) prefetcherFor(url string) prefetcher.Prefetcher {
	c.prefetchersMu.Lock()
	defer c.prefetchersMu.Unlock()
	if e, ok := c.prefetchers[url]; ok {
		return e.pf
	}
	pf := prefetcher.New(url, c.store)
	c.prefetchers[url] = &prefetcherEntry{pf: pf}
	return pf
}

func (c *ReplicationController) prefetcherAt(url string) prefetcher.Prefetcher {
	c.prefetchersMu.Lock()
	defer c.prefetchersMu.Unlock()
	if e, ok := c.prefetchers[url]; ok {
		return e.pf
	}
	return nil
}

// notifySiblings discovers peers from configured destinations and stored
// replication-sources documents, and sends each a heartbeat. Failures are
// logged and never block startup.
func (c *ReplicationController) notifySiblings(ctx context.Context) {
	seen := make(map[string]bool)

	for _, d := range c.resolver.Resolve() {
		seen[d.URL] = true
	}

	skip := 0
	token := ""
	for {
		docs, next, err := c.store.GetDocumentsWithIDStartingWith("Raven/Replication/Sources/", skip, sourcesScanPageSize, token)
		if err != nil || len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if url, ok := doc.Metadata["url"].(string); ok && url != "" {
				seen[url] = true
			}
		}
		if next == "" {
			break
		}
		token = next
		skip += len(docs)
	}

	for url := range seen {
		if err := c.peer.SendHeartbeat(ctx, url); err != nil {
			if c.logger != nil {
				c.logger.Warn("heartbeat to " + url + " failed: " + err.Error())
			}
		}
	}
}

// shutdown stops accepting work, joins all active workers (already
// guaranteed by tick's errgroup.Wait before returning), and disposes all
// prefetchers.
func (c *ReplicationController) shutdown() {
	c.prefetchersMu.Lock()
	defer c.prefetchersMu.Unlock()
	for url, entry := range c.prefetchers {
		entry.pf.Dispose()
		delete(c.prefetchers, url)
	}
}

// attemptCountString is a small helper used by admin surfaces to render
// the current tick counter without exposing the atomic field directly.
func (c *ReplicationController) attemptCountString() string {
	return strconv.FormatInt(atomic.LoadInt64(&c.attemptCount), 10)
}
