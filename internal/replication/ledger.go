package replication

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/IdanHaim/ravendb/internal/telemetry"
)

// FailureLedger is pure accounting over DestinationStats plus the
// persisted DestinationFailureInformation. Grounded on the teacher's
// httpclient.ClientManager map-of-clients-with-RWMutex pattern
// (internal/httpClient/http_client_manager.go), generalized from a map of
// HTTP clients to a map of per-destination stats entries.
type FailureLedger struct {
	store Store

	mu      sync.RWMutex
	entries map[string]*ledgerEntry
}

type ledgerEntry struct {
	mu    sync.Mutex
	stats DestinationStats
}

// NewFailureLedger creates a FailureLedger backed by s for the persisted
// failure documents.
func NewFailureLedger(s Store) *FailureLedger {
	return &FailureLedger{
		store:   s,
		entries: make(map[string]*ledgerEntry),
	}
}

func (l *FailureLedger) entryFor(url string) *ledgerEntry {
	l.mu.RLock()
	e, ok := l.entries[url]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[url]; ok {
		return e
	}
	e = &ledgerEntry{}
	l.entries[url] = e
	return e
}

// Stats returns a snapshot copy of the in-memory stats for url.
func (l *FailureLedger) Stats(url string) DestinationStats {
	e := l.entryFor(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (l *FailureLedger) readPersisted(url string) (*DestinationFailureInformation, error) {
	doc, err := l.store.Get(DestinationFailureDocKey(url))
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var info DestinationFailureInformation
	if err := json.Unmarshal(doc.Data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (l *FailureLedger) writePersisted(url string, info DestinationFailureInformation) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = l.store.Put(DestinationFailureDocKey(url), nil, data, map[string]any{
		"@collection": "Raven/Replication/Destinations",
	})
	return err
}

// IsNotFailing decides whether attempt A should actually be sent to
// destURL, per its current failure-count throttle band:
//
//	absent or <= 10    -> always
//	11-100             -> A % 2 == 0
//	101-1000           -> A % 5 == 0
//	> 1000             -> A % 10 == 0
func (l *FailureLedger) IsNotFailing(destURL string, attemptCount int64) bool {
	info, err := l.readPersisted(destURL)
	if err != nil || info == nil {
		return true
	}

	var allow bool
	switch {
	case info.FailureCount <= 10:
		allow = true
	case info.FailureCount <= 100:
		allow = attemptCount%2 == 0
	case info.FailureCount <= 1000:
		allow = attemptCount%5 == 0
	default:
		allow = attemptCount%10 == 0
	}
	if !allow {
		telemetry.ReplicationThrottledTotal.WithLabelValues(destURL).Inc()
	}
	return allow
}

// IsFirstFailure reports whether url currently has a zero failure count,
// i.e. the next RecordFailure would represent the healthy-to-failing
// transition that grants a first-failure retry.
func (l *FailureLedger) IsFirstFailure(url string) bool {
	e := l.entryFor(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.FailureCount == 0
}

// RecordFailure increments the in-memory and persisted failure counters
// for url and stamps the failure timestamps.
func (l *FailureLedger) RecordFailure(url string, lastError string) {
	now := time.Now()
	e := l.entryFor(url)

	e.mu.Lock()
	e.stats.FailureCount++
	e.stats.LastFailureTS = &now
	if e.stats.FirstFailureInCycleTS == nil {
		e.stats.FirstFailureInCycleTS = &now
	}
	if lastError != "" {
		e.stats.LastError = lastError
	}
	e.mu.Unlock()

	telemetry.ReplicationFailuresTotal.WithLabelValues(url).Inc()

	persisted, err := l.readPersisted(url)
	if err != nil {
		return
	}
	if persisted == nil {
		persisted = &DestinationFailureInformation{Destination: url}
	}
	persisted.FailureCount++
	_ = l.writePersisted(url, *persisted)
}

// SuccessOptions carries the optional fields RecordSuccess may update.
type SuccessOptions struct {
	ForDocuments             bool
	ReplicatedEtag           *Etag
	ReplicatedAttachmentEtag *Etag
	LastModified             *time.Time
	HeartbeatReceived        *time.Time
	LastError                *string
}

// RecordSuccess resets the failure counters for url, clears the persisted
// failure document, and applies any optional progress fields. Cursor
// fields are only ever advanced, never regressed, preserving the
// monotonic-cursor invariant.
func (l *FailureLedger) RecordSuccess(url string, opts SuccessOptions) {
	now := time.Now()
	e := l.entryFor(url)

	e.mu.Lock()
	e.stats.FailureCount = 0
	e.stats.FirstFailureInCycleTS = nil
	e.stats.LastSuccessTS = &now

	if opts.ReplicatedEtag != nil {
		if opts.ForDocuments {
			if e.stats.LastReplicatedEtag == nil || e.stats.LastReplicatedEtag.Less(*opts.ReplicatedEtag) {
				e.stats.LastReplicatedEtag = *opts.ReplicatedEtag
			}
		} else {
			if e.stats.LastReplicatedAttachmentEtag == nil || e.stats.LastReplicatedAttachmentEtag.Less(*opts.ReplicatedEtag) {
				e.stats.LastReplicatedAttachmentEtag = *opts.ReplicatedEtag
			}
		}
	}
	if opts.ReplicatedAttachmentEtag != nil {
		if e.stats.LastReplicatedAttachmentEtag == nil || e.stats.LastReplicatedAttachmentEtag.Less(*opts.ReplicatedAttachmentEtag) {
			e.stats.LastReplicatedAttachmentEtag = *opts.ReplicatedAttachmentEtag
		}
	}
	if opts.LastModified != nil {
		e.stats.LastReplicatedLastModified = opts.LastModified
	}
	if opts.HeartbeatReceived != nil {
		e.stats.LastHeartbeatReceived = opts.HeartbeatReceived
	}
	if opts.LastError != nil && *opts.LastError != "" {
		e.stats.LastError = *opts.LastError
	}
	e.mu.Unlock()

	_ = l.store.Delete(DestinationFailureDocKey(url), nil)
}

// RecordStat pushes entry onto url's bounded stats ring.
func (l *FailureLedger) RecordStat(url string, entry StatEntry) {
	e := l.entryFor(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.pushStat(entry)
}

// SetLastEtagChecked records the most recent etag the peer reported for
// url. The controller's prefetcher cache pruning reads LastReplicatedEtag,
// not this field.
func (l *FailureLedger) SetLastEtagChecked(url string, etag Etag) {
	e := l.entryFor(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.LastEtagChecked = etag
}
