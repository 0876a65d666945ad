package replication

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/IdanHaim/ravendb/internal/alerts"
	"github.com/IdanHaim/ravendb/pkg/logging"
)

// DestinationsDocKey is the local-store key holding the source-of-truth
// replication configuration.
const DestinationsDocKey = "Raven/Replication/Destinations"

// DestinationsDoc is the on-disk shape of DestinationsDocKey.
type DestinationsDoc struct {
	Source       string        `json:"Source"`
	Destinations []Destination `json:"Destinations"`
}

const sourceOriginMetadataKey = "Raven-Replication-Source"

// DestinationResolver reads the replication-destinations document,
// validates the source database identity, and emits typed Destination
// strategies. Grounded on the teacher's memstore.go read patterns and
// coordinator.go's error-to-response translation style, generalized to
// error-to-alert.
type DestinationResolver struct {
	store           Store
	alertSink       alerts.Sink
	logger          *logging.Logger
	localDatabaseID string

	mu      sync.Mutex
	alerted bool
}

// Resolve reads, validates and returns the currently enabled destinations.
// On a misconfigured Source it emits a one-shot alert (suppressed on
// repeat misconfiguration, reset once corrected) and returns an empty
// list.
func (r *DestinationResolver) Resolve() []*Strategy {
	doc, err := r.store.Get(DestinationsDocKey)
	if err != nil {
		return nil
	}

	var parsed DestinationsDoc
	if err := json.Unmarshal(doc.Data, &parsed); err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to parse replication destinations document")
		}
		return nil
	}

	if parsed.Source == "" {
		// Best-effort write, ignore concurrency conflicts: the write is
		// advisory bookkeeping, not correctness-load-bearing.
		parsed.Source = r.localDatabaseID
		if data, err := json.Marshal(parsed); err == nil {
			etag := doc.Etag
			_, _ = r.store.Put(DestinationsDocKey, &etag, data, doc.Metadata)
		}
	} else if parsed.Source != r.localDatabaseID {
		r.mu.Lock()
		alreadyAlerted := r.alerted
		r.alerted = true
		r.mu.Unlock()

		if !alreadyAlerted && r.alertSink != nil {
			r.alertSink.Add(alerts.Alert{
				Title:    "Replication misconfigured",
				Message:  "Raven/Replication/Destinations.Source (" + parsed.Source + ") does not match this database's id (" + r.localDatabaseID + ")",
				Severity: alerts.SeverityError,
			})
		}
		return nil
	}

	r.mu.Lock()
	r.alerted = false
	r.mu.Unlock()

	strategies := make([]*Strategy, 0, len(parsed.Destinations))
	for _, d := range parsed.Destinations {
		if d.Disabled {
			continue
		}
		if d.URL == "" {
			// Malformed destination entry: log and skip this entry only.
			if r.logger != nil {
				r.logger.Warn("skipping destination entry with empty url")
			}
			continue
		}
		strategies = append(strategies, buildStrategy(d, r.localDatabaseID))
	}
	return strategies
}

func buildStrategy(d Destination, localDatabaseID string) *Strategy {
	behavior := d.TransitiveBehavior
	return &Strategy{
		Destination:       d,
		CurrentDatabaseID: localDatabaseID,
		IsSystemDocumentID: isSystemDocumentID,
		OriginatesFromDest: originatesFromDestination,
		FilterDocuments: func(destID string, key string, metadata map[string]any) bool {
			if isSystemDocumentID(key) {
				return false
			}
			if behavior == TransitiveReplicationDefault && originatesFromDestination(destID, metadata) {
				return false
			}
			return true
		},
		FilterAttachments: func(attachment AttachmentInformation, destID string) bool {
			if behavior == TransitiveReplicationDefault && originatesFromDestination(destID, attachment.Metadata) {
				return false
			}
			return true
		},
	}
}

// isSystemDocumentID reports whether key is a RavenDB system document,
// i.e. lives under the reserved Raven/ namespace.
func isSystemDocumentID(key string) bool {
	return strings.HasPrefix(key, "Raven/")
}

// originatesFromDestination reports whether metadata marks a document as
// having originated at destID, preventing a document from being bounced
// straight back to the peer it came from.
func originatesFromDestination(destID string, metadata map[string]any) bool {
	if metadata == nil {
		return false
	}
	src, _ := metadata[sourceOriginMetadataKey].(string)
	return src != "" && src == destID
}

// NewDestinationResolver constructs a DestinationResolver.
func NewDestinationResolver(s Store, sink alerts.Sink, logger *logging.Logger, localDatabaseID string) *DestinationResolver {
	return &DestinationResolver{
		store:           s,
		alertSink:       sink,
		logger:          logger,
		localDatabaseID: localDatabaseID,
	}
}
