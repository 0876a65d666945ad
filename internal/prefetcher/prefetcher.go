// Package prefetcher defines the document prefetch/auto-throttle
// collaborator consumed by the replication core. The real prefetcher —
// which assembles document batches ahead of time and tunes its own batch
// size — is an external collaborator out of scope for the core; this
// package ships the interface plus a workable default so the
// auto-throttling concern has somewhere concrete to live, grounded on the
// teacher's gopsutil-based system-metrics sampling
// (pkg/metrics/system_metrics.go) repurposed from "publish a gauge" to
// "decide whether to shrink the next batch."
package prefetcher

import (
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// Prefetcher is the narrow interface the replication core depends on.
type Prefetcher interface {
	GetDocumentsBatchFrom(etag replication.Etag) ([]replication.JsonDocument, error)
	FilterDocuments(doc replication.JsonDocument) bool
	UpdateAutoThrottler(docs []replication.JsonDocument, elapsed time.Duration)
	OutOfMemoryHappened()
	CleanupDocuments(uptoEtag replication.Etag)
	Dispose()
}

const (
	defaultBatchTarget = 512
	minBatchTarget     = 16
	maxBatchTarget     = 4096

	// memoryPressureThreshold is the fraction of system memory in use
	// above which the auto-throttler shrinks its target even without an
	// explicit OutOfMemoryHappened signal.
	memoryPressureThreshold = 0.90
)

// Default is the default Prefetcher: it pulls documents directly from the
// store starting after a cursor, and tunes its own batch target based on
// explicit OOM signals and sampled system memory pressure.
type Default struct {
	url   string
	s     replication.Store
	mu    sync.Mutex
	batchTarget int

	memSample func() (usedFraction float64, err error)
}

// New creates a Default prefetcher for one destination URL.
func New(url string, s replication.Store) *Default {
	return &Default{
		url:         url,
		s:           s,
		batchTarget: defaultBatchTarget,
		memSample:   sampleMemoryPressure,
	}
}

func sampleMemoryPressure() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100.0, nil
}

// GetDocumentsBatchFrom returns up to the current batch target of
// documents with etag strictly greater than etag, ordered ascending.
func (d *Default) GetDocumentsBatchFrom(etag replication.Etag) ([]replication.JsonDocument, error) {
	d.mu.Lock()
	target := d.batchTarget
	d.mu.Unlock()

	var result []replication.JsonDocument
	skip, token := 0, ""
	for {
		docs, next, err := d.s.GetDocumentsWithIDStartingWith("", skip, target, token)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if etag.Less(doc.Etag) {
				result = append(result, doc)
			}
		}
		if next == "" || len(docs) == 0 {
			break
		}
		skip, token = skip+len(docs), next
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Etag.Less(result[j].Etag) })
	if len(result) > target {
		result = result[:target]
	}
	return result, nil
}

// FilterDocuments is the prefetcher-owned filter hook; the default
// accepts everything.
func (d *Default) FilterDocuments(replication.JsonDocument) bool {
	return true
}

// UpdateAutoThrottler adjusts the batch target toward a size that keeps
// elapsed send time within a comfortable envelope, and shrinks it further
// under sampled memory pressure.
func (d *Default) UpdateAutoThrottler(docs []replication.JsonDocument, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(docs) == 0 {
		return
	}

	const comfortable = 2 * time.Second
	if elapsed < comfortable/2 && d.batchTarget < maxBatchTarget {
		d.batchTarget = min(d.batchTarget*2, maxBatchTarget)
	} else if elapsed > comfortable && d.batchTarget > minBatchTarget {
		d.batchTarget = max(d.batchTarget/2, minBatchTarget)
	}

	if frac, err := d.memSample(); err == nil && frac >= memoryPressureThreshold {
		d.batchTarget = max(d.batchTarget/2, minBatchTarget)
	}
}

// OutOfMemoryHappened halves the next batch target, the auto-throttle
// response to a send failure that looks like resource exhaustion.
func (d *Default) OutOfMemoryHappened() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchTarget = max(d.batchTarget/2, minBatchTarget)
}

// CleanupDocuments discards any cached state up to uptoEtag. The default
// implementation caches nothing, so this is a no-op.
func (d *Default) CleanupDocuments(replication.Etag) {}

// Dispose releases resources held by this prefetcher.
func (d *Default) Dispose() {}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
