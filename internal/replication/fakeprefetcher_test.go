package replication

import (
	"time"
)

// fakePrefetcher is a minimal test double for prefetcher.Prefetcher: it
// pulls straight from the store with no batch-size cap, and applies an
// optional filter predicate so tests can exercise BatchAssembler's
// prefetcher-filter hook.
type fakePrefetcher struct {
	store      Store
	filterFunc func(JsonDocument) bool

	throttleCalls int
	oomCalls      int
}

func newFakePrefetcher(s Store) *fakePrefetcher {
	return &fakePrefetcher{store: s, filterFunc: func(JsonDocument) bool { return true }}
}

func (f *fakePrefetcher) GetDocumentsBatchFrom(etag Etag) ([]JsonDocument, error) {
	all, _, err := f.store.GetDocumentsWithIDStartingWith("", 0, 10000, "")
	if err != nil {
		return nil, err
	}
	var result []JsonDocument
	for _, d := range all {
		if etag.Less(d.Etag) {
			result = append(result, d)
		}
	}
	return result, nil
}

func (f *fakePrefetcher) FilterDocuments(doc JsonDocument) bool {
	return f.filterFunc(doc)
}

func (f *fakePrefetcher) UpdateAutoThrottler([]JsonDocument, time.Duration) {
	f.throttleCalls++
}

func (f *fakePrefetcher) OutOfMemoryHappened() {
	f.oomCalls++
}

func (f *fakePrefetcher) CleanupDocuments(Etag) {}

func (f *fakePrefetcher) Dispose() {}
