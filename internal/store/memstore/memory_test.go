package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdanHaim/ravendb/internal/replication"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	s := NewMemoryStore()

	etag, err := s.Put("docs/1", nil, []byte(`{"a":1}`), map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.False(t, etag.IsEmpty())

	doc, err := s.Get("docs/1")
	require.NoError(t, err)
	assert.Equal(t, etag, doc.Etag)

	_, err = s.Get("docs/missing")
	assert.ErrorIs(t, err, replication.ErrNotFound)

	require.NoError(t, s.Delete("docs/1", nil))
	_, err = s.Get("docs/1")
	assert.ErrorIs(t, err, replication.ErrNotFound)
}

func TestMemoryStore_PutEtagConflict(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Put("docs/1", nil, []byte(`{}`), nil)
	require.NoError(t, err)

	stale := replication.Etag("not-the-real-etag")
	_, err = s.Put("docs/1", &stale, []byte(`{}`), nil)
	assert.ErrorIs(t, err, replication.ErrEtagConflict)
}

func TestMemoryStore_DeleteProducesTombstone(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Put("docs/1", nil, []byte(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete("docs/1", nil))

	var tombstones []replication.JsonDocument
	err = s.Batch(func(a replication.Accessor) error {
		var e error
		tombstones, e = a.Lists().Read(replication.DocTombstonesList, replication.EmptyEtag, nil, 100)
		return e
	})
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	assert.True(t, tombstones[0].IsTombstone())
}

func TestMemoryStore_GetDocumentsWithIDStartingWith_OrdersAndPages(t *testing.T) {
	s := NewMemoryStore()
	for _, key := range []string{"docs/b", "docs/a", "docs/c"} {
		_, err := s.Put(key, nil, []byte(`{}`), nil)
		require.NoError(t, err)
	}
	_, err := s.Put("other/x", nil, []byte(`{}`), nil)
	require.NoError(t, err)

	page, _, err := s.GetDocumentsWithIDStartingWith("docs/", 0, 10, "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "docs/a", page[0].Key)
	assert.Equal(t, "docs/b", page[1].Key)
	assert.Equal(t, "docs/c", page[2].Key)
}

func TestMemoryStore_AttachmentsAfterRespectsSizeLimit(t *testing.T) {
	s := NewMemoryStore()
	s.PutAttachment("att/1", make([]byte, 5), nil)
	s.PutAttachment("att/2", make([]byte, 5), nil)
	s.PutAttachment("att/3", make([]byte, 5), nil)

	var result []replication.AttachmentInformation
	err := s.Batch(func(a replication.Accessor) error {
		var e error
		result, e = a.Attachments().GetAttachmentsAfter(replication.EmptyEtag, 100, 12)
		return e
	})
	require.NoError(t, err)
	assert.Len(t, result, 2, "third attachment would exceed the 12-byte cumulative cap")
}

func TestMemoryStore_RecentTouches(t *testing.T) {
	s := NewMemoryStore()
	_, ok := s.GetRecentTouchesFor("docs/1")
	assert.False(t, ok)

	s.MarkTouched("docs/1", replication.Etag("5"))
	touch, ok := s.GetRecentTouchesFor("docs/1")
	require.True(t, ok)
	assert.Equal(t, replication.Etag("5"), touch.TouchedEtag)
}
