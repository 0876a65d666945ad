// Package memstore is an in-memory replication.Store implementation, adapted
// from the teacher repo's pkg/metadata/memstore/memory.go: the same
// RWMutex-guarded-map-of-structs shape and not-found error discipline,
// generalized from file metadata to documents, tombstones and
// attachments.
package memstore

import (
	"sort"
	"sync"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// MemoryStore is a simple in-memory replication.Store, useful for tests
// and for the admin CLI's standalone demo mode.
type MemoryStore struct {
	mu           sync.RWMutex
	docs         map[string]replication.JsonDocument
	docTombs     []replication.JsonDocument
	attTombs     []replication.JsonDocument
	attachments  map[string]replication.AttachmentInformation
	attachBytes  map[string][]byte
	recentTouch  map[string]replication.RecentTouch
	nextEtagSeq  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string]replication.JsonDocument),
		attachments: make(map[string]replication.AttachmentInformation),
		attachBytes: make(map[string][]byte),
		recentTouch: make(map[string]replication.RecentTouch),
	}
}

func (s *MemoryStore) nextEtag() replication.Etag {
	s.nextEtagSeq++
	return encodeEtag(s.nextEtagSeq)
}

func encodeEtag(n int64) replication.Etag {
	const digits = "0123456789"
	if n == 0 {
		return replication.Etag("0")
	}
	buf := make([]byte, 0, 20)
	for n > 0 {
		buf = append(buf, digits[n%10])
		n /= 10
	}
	// reverse
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	// left-pad to a fixed width so byte-wise comparison matches numeric
	// order, as real etags (16-byte binary counters) guarantee.
	for len(buf) < 19 {
		buf = append([]byte{'0'}, buf...)
	}
	return replication.Etag(buf)
}

func (s *MemoryStore) Get(key string) (*replication.JsonDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, replication.ErrNotFound
	}
	return &doc, nil
}

func (s *MemoryStore) Put(key string, expectedEtag *replication.Etag, data []byte, metadata map[string]any) (replication.Etag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedEtag != nil {
		cur, exists := s.docs[key]
		if !exists && !expectedEtag.IsEmpty() {
			return nil, replication.ErrEtagConflict
		}
		if exists && cur.Etag.Compare(*expectedEtag) != 0 {
			return nil, replication.ErrEtagConflict
		}
	}

	etag := s.nextEtag()
	s.docs[key] = replication.JsonDocument{
		Key:      key,
		Etag:     etag,
		Metadata: metadata,
		Data:     data,
	}
	return etag, nil
}

func (s *MemoryStore) Delete(key string, expectedEtag *replication.Etag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.docs[key]
	if !exists {
		return replication.ErrNotFound
	}
	if expectedEtag != nil && cur.Etag.Compare(*expectedEtag) != 0 {
		return replication.ErrEtagConflict
	}
	delete(s.docs, key)

	etag := s.nextEtag()
	s.docTombs = append(s.docTombs, replication.JsonDocument{
		Key:      key,
		Etag:     etag,
		Metadata: map[string]any{"Raven-Delete-Marker": true},
	})
	return nil
}

func (s *MemoryStore) GetDocumentsWithIDStartingWith(prefix string, skip, take int, token string) ([]replication.JsonDocument, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []replication.JsonDocument
	for _, doc := range s.docs {
		if len(doc.Key) >= len(prefix) && doc.Key[:len(prefix)] == prefix {
			matches = append(matches, doc)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Key < matches[j].Key })

	start := skip
	if start > len(matches) {
		start = len(matches)
	}
	end := start + take
	if end > len(matches) {
		end = len(matches)
	}
	page := matches[start:end]

	nextToken := ""
	if end < len(matches) {
		nextToken = "more"
	}
	return page, nextToken, nil
}

func (s *MemoryStore) Batch(action func(replication.Accessor) error) error {
	return action(&memAccessor{s: s})
}

func (s *MemoryStore) GetRecentTouchesFor(key string) (*replication.RecentTouch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.recentTouch[key]
	if !ok {
		return nil, false
	}
	return &t, true
}

// PutAttachment is a test/demo helper outside the Store interface; it
// exists only so tests can seed attachment state.
func (s *MemoryStore) PutAttachment(key string, data []byte, metadata map[string]any) replication.Etag {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag := s.nextEtag()
	s.attachments[key] = replication.AttachmentInformation{
		Key:      key,
		Etag:     etag,
		Metadata: metadata,
		Size:     int64(len(data)),
	}
	s.attachBytes[key] = data
	return etag
}

// MarkTouched is a test helper recording a touch-without-write for key.
func (s *MemoryStore) MarkTouched(key string, touchedEtag replication.Etag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentTouch[key] = replication.RecentTouch{TouchedEtag: touchedEtag}
}

type memAccessor struct {
	s *MemoryStore
}

func (a *memAccessor) Staleness() replication.StalenessAccessor    { return (*stalenessView)(a.s) }
func (a *memAccessor) Attachments() replication.AttachmentAccessor { return (*attachmentView)(a.s) }
func (a *memAccessor) Lists() replication.ListAccessor              { return (*listView)(a.s) }

type stalenessView MemoryStore

func (v *stalenessView) GetMostRecentDocumentEtag() replication.Etag {
	s := (*MemoryStore)(v)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max replication.Etag
	for _, d := range s.docs {
		if max == nil || max.Less(d.Etag) {
			max = d.Etag
		}
	}
	for _, t := range s.docTombs {
		if max == nil || max.Less(t.Etag) {
			max = t.Etag
		}
	}
	return max
}

type attachmentView MemoryStore

func (v *attachmentView) GetAttachmentsAfter(after replication.Etag, take int, sizeLimit int64) ([]replication.AttachmentInformation, error) {
	s := (*MemoryStore)(v)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []replication.AttachmentInformation
	for _, a := range s.attachments {
		if after.Less(a.Etag) {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Etag.Less(all[j].Etag) })

	var result []replication.AttachmentInformation
	var total int64
	for _, a := range all {
		if len(result) >= take {
			break
		}
		if len(result) > 0 && total+a.Size > sizeLimit {
			break
		}
		result = append(result, a)
		total += a.Size
	}
	return result, nil
}

func (v *attachmentView) GetAttachment(key string) ([]byte, error) {
	s := (*MemoryStore)(v)
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.attachBytes[key]
	if !ok {
		return nil, replication.ErrNotFound
	}
	return data, nil
}

type listView MemoryStore

func (v *listView) Read(name string, from replication.Etag, to *replication.Etag, take int) ([]replication.JsonDocument, error) {
	s := (*MemoryStore)(v)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var source []replication.JsonDocument
	switch name {
	case replication.DocTombstonesList:
		source = s.docTombs
	case replication.AttachmentTombstonesList:
		source = s.attTombs
	default:
		return nil, nil
	}

	var result []replication.JsonDocument
	for _, item := range source {
		if !from.Less(item.Etag) {
			continue
		}
		if to != nil && item.Etag.Compare(*to) > 0 {
			continue
		}
		result = append(result, item)
		if len(result) >= take {
			break
		}
	}
	return result, nil
}
