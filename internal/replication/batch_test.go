package replication

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdanHaim/ravendb/internal/store/memstore"
)

func allowAllStrategy(url string) *Strategy {
	return &Strategy{
		Destination:        Destination{URL: url},
		IsSystemDocumentID: isSystemDocumentID,
		OriginatesFromDest: originatesFromDestination,
		FilterDocuments:    func(string, string, map[string]any) bool { return true },
		FilterAttachments:  func(AttachmentInformation, string) bool { return true },
	}
}

func TestBatchAssembler_BuildDocuments_FreshPeer(t *testing.T) {
	s := memstore.NewMemoryStore()
	_, err := s.Put("docs/1", nil, []byte(`{}`), map[string]any{})
	require.NoError(t, err)
	_, err = s.Put("docs/2", nil, []byte(`{}`), map[string]any{})
	require.NoError(t, err)

	assembler := NewBatchAssembler(s)
	dest := allowAllStrategy("http://peer:8080")
	pf := newFakePrefetcher(s)

	result, err := assembler.BuildDocuments(&SourceReplicationInformation{}, dest, pf)
	require.NoError(t, err)
	require.Len(t, result.Documents, 2)
	assert.True(t, result.Documents[0].Etag.Less(result.Documents[1].Etag), "batch must be strictly ascending by etag")
	assert.Equal(t, result.LastEtag, result.Documents[1].Etag)
}

func TestBatchAssembler_BuildDocuments_EnsuresAtIDMetadata(t *testing.T) {
	s := memstore.NewMemoryStore()
	_, err := s.Put("docs/1", nil, []byte(`{}`), map[string]any{})
	require.NoError(t, err)

	assembler := NewBatchAssembler(s)
	dest := allowAllStrategy("http://peer:8080")
	pf := newFakePrefetcher(s)

	result, err := assembler.BuildDocuments(&SourceReplicationInformation{}, dest, pf)
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "docs/1", result.Documents[0].Metadata["@id"])
}

func TestBatchAssembler_BuildDocuments_AllFilteredAdvancesCursor(t *testing.T) {
	s := memstore.NewMemoryStore()
	for _, key := range []string{"Raven/a", "Raven/b", "Raven/c"} {
		_, err := s.Put(key, nil, []byte(`{}`), map[string]any{})
		require.NoError(t, err)
	}

	assembler := NewBatchAssembler(s)
	dest := &Strategy{
		Destination:        Destination{URL: "http://peer:8080"},
		IsSystemDocumentID: isSystemDocumentID,
		OriginatesFromDest: originatesFromDestination,
		FilterDocuments: func(destID, key string, metadata map[string]any) bool {
			return !isSystemDocumentID(key)
		},
		FilterAttachments: func(AttachmentInformation, string) bool { return true },
	}
	pf := newFakePrefetcher(s)

	result, err := assembler.BuildDocuments(&SourceReplicationInformation{}, dest, pf)
	require.NoError(t, err)
	assert.True(t, result.IsEmpty(), "every document was a filtered-out system doc")
	assert.False(t, result.LastEtag.IsEmpty(), "cursor must advance past the filtered-out pre-filter set")
	assert.Equal(t, 3, result.SystemDocCount)
}

// TestBuildDocuments_TombstoneCapDoesNotAdvanceCursorPastLastIncluded pins
// the cap-hit resolution: when the tombstone read hits its cap, last_etag
// becomes the last included pre-filter etag, which may sit below the
// dropped tombstone boundary, rather than jumping ahead to that boundary.
func TestBuildDocuments_TombstoneCapDoesNotAdvanceCursorPastLastIncluded(t *testing.T) {
	s := memstore.NewMemoryStore()
	// More tombstones than the read cap, all older than the one live doc.
	for i := 0; i < docTombstoneMinCap+5; i++ {
		key := fmt.Sprintf("t/%d", i)
		_, err := s.Put(key, nil, []byte(`{}`), map[string]any{})
		require.NoError(t, err)
		require.NoError(t, s.Delete(key, nil))
	}
	liveEtag, err := s.Put("docs/1", nil, []byte(`{}`), map[string]any{})
	require.NoError(t, err)

	assembler := NewBatchAssembler(s)
	dest := allowAllStrategy("http://peer:8080")
	pf := newFakePrefetcher(s)

	result, err := assembler.BuildDocuments(&SourceReplicationInformation{}, dest, pf)
	require.NoError(t, err)
	require.Len(t, result.Documents, docTombstoneMinCap+1)
	for _, d := range result.Documents {
		assert.NotEqual(t, "docs/1", d.Key, "a document beyond the last returned tombstone must be dropped")
	}
	assert.Equal(t, result.Documents[len(result.Documents)-1].Etag, result.LastEtag)
	assert.True(t, result.LastEtag.Less(liveEtag))
}

func TestBatchAssembler_BuildAttachments_FreshPeer(t *testing.T) {
	s := memstore.NewMemoryStore()
	s.PutAttachment("att/1", []byte("hello"), map[string]any{})
	s.PutAttachment("att/2", []byte("world"), map[string]any{})

	assembler := NewBatchAssembler(s)
	dest := allowAllStrategy("http://peer:8080")

	result, err := assembler.BuildAttachments(&SourceReplicationInformation{}, dest)
	require.NoError(t, err)
	require.Len(t, result.Attachments, 2)
	assert.True(t, result.Attachments[0].Etag.Less(result.Attachments[1].Etag))
}

func TestBatchAssembler_BuildAttachments_EmptyStoreProducesEmptyBatch(t *testing.T) {
	s := memstore.NewMemoryStore()
	assembler := NewBatchAssembler(s)
	dest := allowAllStrategy("http://peer:8080")

	result, err := assembler.BuildAttachments(&SourceReplicationInformation{}, dest)
	require.NoError(t, err)
	assert.True(t, result.IsEmpty())
	assert.True(t, result.LastEtag.IsEmpty())
}
