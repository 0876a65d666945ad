package replication

import (
	"context"
	"time"

	"github.com/IdanHaim/ravendb/internal/prefetcher"
	"github.com/IdanHaim/ravendb/internal/telemetry"
	"github.com/IdanHaim/ravendb/pkg/logging"
)

// systemDocThreshold and originThreshold gate the empty-batch etag-bump
// decision: a batch with nothing left to send still advances the remote
// cursor when none of what was filtered out was a system document, or once
// enough of it was system documents or documents that originated at the
// destination itself.
const (
	systemDocThreshold = 15
	originThreshold    = 15
)

// DestinationWorker runs the per-destination three-phase state machine for
// one tick: negotiate, send documents, send attachments. Grounded on the
// teacher's handler.go request-lifecycle shape (validate, act, respond),
// generalized from one HTTP request to a three-phase remote negotiation.
type DestinationWorker struct {
	peer      *PeerClient
	assembler *BatchAssembler
	ledger    *FailureLedger
	logger    *logging.Logger
}

// NewDestinationWorker constructs a DestinationWorker over its
// collaborators.
func NewDestinationWorker(peer *PeerClient, assembler *BatchAssembler, ledger *FailureLedger, logger *logging.Logger) *DestinationWorker {
	return &DestinationWorker{peer: peer, assembler: assembler, ledger: ledger, logger: logger}
}

// Run executes one tick of replication against dest, using pf as the
// destination's long-lived prefetcher and localHeadEtag as the current
// local write frontier. It reports whether any work was actually
// replicated (documents or attachments).
func (w *DestinationWorker) Run(ctx context.Context, dest *Strategy, pf prefetcher.Prefetcher, localHeadEtag Etag) bool {
	scope := NewScope(w.ledger, dest.ID(), "replicate-tick")
	defer scope.Dispose()

	// Phase 1 — Negotiate.
	info, err := w.peer.GetLastEtag(ctx, dest, localHeadEtag)
	if err != nil {
		scope.RecordError("Negotiate", err.Error())
		if w.logger != nil {
			if IsNotEnabled(err) {
				w.logger.Warn("replication not enabled on peer: " + dest.URL)
			} else {
				w.logger.Error("failed to negotiate last etag with " + dest.URL + ": " + err.Error())
			}
		}
		w.ledger.RecordFailure(dest.ID(), err.Error())
		return false
	}

	docsOK := w.runDocumentsPhase(ctx, dest, pf, info, scope)
	attachmentsOK := w.runAttachmentsPhase(ctx, dest, info, scope)
	return docsOK || attachmentsOK
}

// runDocumentsPhase builds and sends one document batch. It returns true
// iff a document batch was successfully sent; a pure etag bump or a
// genuine no-op both count as "no work done".
func (w *DestinationWorker) runDocumentsPhase(ctx context.Context, dest *Strategy, pf prefetcher.Prefetcher, info *SourceReplicationInformation, scope *StatsRecorder) bool {
	child := scope.AddChild("documents")
	defer child.Dispose()
	started := time.Now()

	batch, err := w.assembler.BuildDocuments(info, dest, pf)
	if err != nil {
		child.RecordError("BatchBuildFailure", err.Error())
		return false
	}

	if len(batch.LoadedDocs) > 0 {
		defer pf.UpdateAutoThrottler(batch.LoadedDocs, time.Since(started))
	}
	telemetry.ReplicationEtagLag.WithLabelValues(dest.ID()).Set(float64(len(batch.LoadedDocs)))

	if batch.IsEmpty() {
		advanced := !batch.LastEtag.IsEmpty() && info.LastDocumentEtag.Less(batch.LastEtag)
		if !advanced {
			return false
		}
		shouldBump := batch.SystemDocCount == 0 ||
			batch.SystemDocCount > systemDocThreshold ||
			batch.FromDestinationCount > originThreshold
		if !shouldBump {
			return false
		}
		etag := batch.LastEtag
		if err := w.peer.PutLastEtag(ctx, dest, &etag, nil); err != nil {
			child.RecordError("PeerError", err.Error())
			w.ledger.RecordFailure(dest.ID(), err.Error())
			telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "documents", "failure").Inc()
			return false
		}
		w.ledger.RecordSuccess(dest.ID(), SuccessOptions{ForDocuments: true, ReplicatedEtag: &etag})
		telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "documents", "etag_bump").Inc()
		return false
	}

	retryOnce := w.ledger.IsFirstFailure(dest.ID())
	sendErr := w.peer.SendDocuments(ctx, dest, batch.Documents, retryOnce)
	if sendErr != nil {
		child.RecordError("PeerError", sendErr.Error())
		pf.OutOfMemoryHappened()
		w.ledger.RecordFailure(dest.ID(), sendErr.Error())
		telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "documents", "failure").Inc()
		return false
	}

	telemetry.ReplicationBatchSize.WithLabelValues(dest.ID()).Observe(float64(len(batch.Documents)))
	telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "documents", "success").Inc()

	etag := batch.LastEtag
	w.ledger.RecordSuccess(dest.ID(), SuccessOptions{
		ForDocuments:   true,
		ReplicatedEtag: &etag,
		LastModified:   batch.LastLastModified,
	})
	return true
}

// runAttachmentsPhase builds and sends one attachment batch, mirroring
// runDocumentsPhase's bump/send/record shape.
func (w *DestinationWorker) runAttachmentsPhase(ctx context.Context, dest *Strategy, info *SourceReplicationInformation, scope *StatsRecorder) bool {
	child := scope.AddChild("attachments")
	defer child.Dispose()

	batch, err := w.assembler.BuildAttachments(info, dest)
	if err != nil {
		child.RecordError("BatchBuildFailure", err.Error())
		return false
	}

	if batch.IsEmpty() {
		advanced := !batch.LastEtag.IsEmpty() && info.LastAttachmentEtag.Less(batch.LastEtag)
		if !advanced {
			return false
		}
		etag := batch.LastEtag
		if err := w.peer.PutLastEtag(ctx, dest, nil, &etag); err != nil {
			child.RecordError("PeerError", err.Error())
			w.ledger.RecordFailure(dest.ID(), err.Error())
			telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "attachments", "failure").Inc()
			return false
		}
		w.ledger.RecordSuccess(dest.ID(), SuccessOptions{ReplicatedAttachmentEtag: &etag})
		telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "attachments", "etag_bump").Inc()
		return false
	}

	items, err := w.loadAttachmentWires(dest, batch.Attachments)
	if err != nil {
		child.RecordError("BatchBuildFailure", err.Error())
		return false
	}

	retryOnce := w.ledger.IsFirstFailure(dest.ID())
	sendErr := w.peer.SendAttachments(ctx, dest, items, retryOnce)
	if sendErr != nil {
		child.RecordError("PeerError", sendErr.Error())
		w.ledger.RecordFailure(dest.ID(), sendErr.Error())
		telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "attachments", "failure").Inc()
		return false
	}

	telemetry.ReplicationSendsTotal.WithLabelValues(dest.ID(), "attachments", "success").Inc()

	etag := batch.LastEtag
	w.ledger.RecordSuccess(dest.ID(), SuccessOptions{ReplicatedAttachmentEtag: &etag})
	return true
}

// loadAttachmentWires reads attachment bytes lazily, by key, just before
// the wire send rather than while the batch was assembled, so a
// zero-size or since-deleted attachment carries an empty byte array
// instead of failing the whole batch.
func (w *DestinationWorker) loadAttachmentWires(dest *Strategy, infos []AttachmentInformation) ([]AttachmentWire, error) {
	items := make([]AttachmentWire, 0, len(infos))
	err := w.assembler.store.Batch(func(accessor Accessor) error {
		for _, a := range infos {
			data, err := accessor.Attachments().GetAttachment(a.Key)
			if err != nil && err != ErrNotFound {
				return err
			}
			if data == nil {
				data = []byte{}
			}
			items = append(items, AttachmentWire{
				Metadata: a.Metadata,
				ID:       a.Key,
				Etag:     []byte(a.Etag),
				Data:     data,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
