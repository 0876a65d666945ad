package replication

import (
	"sort"

	"github.com/IdanHaim/ravendb/internal/prefetcher"
)

const (
	docTombstoneMinCap = 1024
	attTombstoneMinCap = 100
	attBatchMaxItems   = 100
	attBatchMaxBytes   = 10 * 1024 * 1024 // 10 MiB
)

// BatchAssembler combines prefetched documents with tombstones, applies
// destination and prefetcher filters, and re-iterates when an entire
// batch was filtered out. Grounded on the teacher's
// chunk.CombineChunks sort-then-merge pattern (pkg/chunk/chunk.go),
// generalized from chunk-index ordering to etag ordering, and on
// distributed/storage.go's "read everything, then decide" staging style.
type BatchAssembler struct {
	store Store
}

// NewBatchAssembler creates a BatchAssembler over s.
func NewBatchAssembler(s Store) *BatchAssembler {
	return &BatchAssembler{store: s}
}

func ensureIDMetadata(doc *JsonDocument) {
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]any)
	}
	if _, ok := doc.Metadata["@id"]; !ok {
		doc.Metadata["@id"] = doc.Key
	}
}

// BuildDocuments assembles the next document batch for dest: prefetch,
// merge with tombstones in etag order, filter, and re-iterate from the
// advanced cursor if everything in a merged window was filtered out.
func (b *BatchAssembler) BuildDocuments(info *SourceReplicationInformation, dest *Strategy, pf prefetcher.Prefetcher) (*BatchResult, error) {
	cursor := info.LastDocumentEtag
	result := &BatchResult{StartEtag: info.LastDocumentEtag, LastEtag: info.LastDocumentEtag}

	err := b.store.Batch(func(accessor Accessor) error {
		for {
			docsBatch, err := pf.GetDocumentsBatchFrom(cursor)
			if err != nil {
				return err
			}

			var docLastEtag *Etag
			if len(docsBatch) > 0 {
				e := docsBatch[len(docsBatch)-1].Etag
				docLastEtag = &e
			}

			limit := len(docsBatch)
			if limit < docTombstoneMinCap {
				limit = docTombstoneMinCap
			}
			limit++

			tombstones, err := accessor.Lists().Read(DocTombstonesList, cursor, docLastEtag, limit)
			if err != nil {
				return err
			}

			// Prevent gapping: if the tombstone read hit its cap, drop any
			// prefetched documents beyond the last tombstone actually
			// returned.
			if len(tombstones) >= limit && len(tombstones) > 0 {
				lastTombstoneEtag := tombstones[len(tombstones)-1].Etag
				trimmed := docsBatch[:0:0]
				for _, d := range docsBatch {
					if d.Etag.Compare(lastTombstoneEtag) <= 0 {
						trimmed = append(trimmed, d)
					}
				}
				docsBatch = trimmed
			}

			result.LoadedDocs = append(result.LoadedDocs, docsBatch...)

			merged := make([]JsonDocument, 0, len(docsBatch)+len(tombstones))
			merged = append(merged, docsBatch...)
			merged = append(merged, tombstones...)
			sort.Slice(merged, func(i, j int) bool { return merged[i].Etag.Less(merged[j].Etag) })

			if len(merged) == 0 {
				// Pre-filter set is empty: terminate at the current cursor.
				return nil
			}

			sysCount, originCount := 0, 0
			for _, d := range merged {
				if dest.IsSystemDocumentID(d.Key) {
					sysCount++
				}
				if dest.OriginatesFromDest(dest.ID(), d.Metadata) {
					originCount++
				}
			}

			var postFilter []JsonDocument
			for _, d := range merged {
				if rt, ok := b.store.GetRecentTouchesFor(d.Key); ok && rt.TouchedEtag.Compare(cursor) > 0 {
					continue
				}
				if !dest.FilterDocuments(dest.ID(), d.Key, d.Metadata) {
					continue
				}
				if !pf.FilterDocuments(d) {
					continue
				}
				ensureIDMetadata(&d)
				postFilter = append(postFilter, d)
			}

			last := merged[len(merged)-1]
			cursor = last.Etag
			result.LastEtag = cursor
			if last.LastModified != nil {
				result.LastLastModified = last.LastModified
			}
			result.SystemDocCount += sysCount
			result.FromDestinationCount += originCount

			if len(postFilter) > 0 {
				result.Documents = postFilter
				return nil
			}
			// Pre-filter was non-empty but everything was filtered out:
			// re-iterate from the advanced cursor.
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func tombstoneAsAttachment(tomb JsonDocument) AttachmentInformation {
	return AttachmentInformation{Key: tomb.Key, Etag: tomb.Etag, Metadata: tomb.Metadata}
}

// BuildAttachments assembles the next attachment batch for dest,
// analogous to BuildDocuments but with a 100-item/10MiB batch cap and no
// prefetcher involvement (attachments are read directly from the store).
func (b *BatchAssembler) BuildAttachments(info *SourceReplicationInformation, dest *Strategy) (*AttachmentBatchResult, error) {
	cursor := info.LastAttachmentEtag
	result := &AttachmentBatchResult{StartEtag: info.LastAttachmentEtag, LastEtag: info.LastAttachmentEtag}

	err := b.store.Batch(func(accessor Accessor) error {
		for {
			attBatch, err := accessor.Attachments().GetAttachmentsAfter(cursor, attBatchMaxItems, attBatchMaxBytes)
			if err != nil {
				return err
			}

			var attLastEtag *Etag
			if len(attBatch) > 0 {
				e := attBatch[len(attBatch)-1].Etag
				attLastEtag = &e
			}

			limit := len(attBatch)
			if limit < attTombstoneMinCap {
				limit = attTombstoneMinCap
			}
			limit++

			tombDocs, err := accessor.Lists().Read(AttachmentTombstonesList, cursor, attLastEtag, limit)
			if err != nil {
				return err
			}

			if len(tombDocs) >= limit && len(tombDocs) > 0 {
				lastTombstoneEtag := tombDocs[len(tombDocs)-1].Etag
				trimmed := attBatch[:0:0]
				for _, a := range attBatch {
					if a.Etag.Compare(lastTombstoneEtag) <= 0 {
						trimmed = append(trimmed, a)
					}
				}
				attBatch = trimmed
			}

			merged := make([]AttachmentInformation, 0, len(attBatch)+len(tombDocs))
			merged = append(merged, attBatch...)
			for _, t := range tombDocs {
				merged = append(merged, tombstoneAsAttachment(t))
			}
			sort.Slice(merged, func(i, j int) bool { return merged[i].Etag.Less(merged[j].Etag) })

			if len(merged) == 0 {
				return nil
			}

			var postFilter []AttachmentInformation
			for _, a := range merged {
				if !dest.FilterAttachments(a, dest.ID()) {
					continue
				}
				postFilter = append(postFilter, a)
			}

			cursor = merged[len(merged)-1].Etag
			result.LastEtag = cursor

			if len(postFilter) > 0 {
				result.Attachments = postFilter
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
