package replication

import "time"

// StatsRecorder is a nested, disposable timing/error scope. Grounded on
// the teacher's zap-field-building pattern in
// handler.go, generalized from "log this status" to "retain this
// record." The bounded 50-entry ring has no direct teacher analogue — no
// third-party ring-buffer library appears anywhere in the pack, so it is
// hand-rolled on a slice the way the teacher hand-rolls its in-memory
// StatusStore.
type StatsRecorder struct {
	name      string
	started   time.Time
	records   []any
	ledger    *FailureLedger
	destURL   string
	isTopLevel bool
	parent    *StatsRecorder
}

// ErrorRecord is a structured error entry a scope can record.
type ErrorRecord struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// NewScope starts a new named recording scope for a destination. Only the
// top-level scope (created directly off the ledger, not via AddChild)
// pushes its record to the destination's bounded ring on Dispose.
func NewScope(ledger *FailureLedger, destURL, name string) *StatsRecorder {
	return &StatsRecorder{
		name:       name,
		started:    time.Now(),
		ledger:     ledger,
		destURL:    destURL,
		isTopLevel: true,
	}
}

// AddChild starts a nested scope whose record is appended as a child
// record of the parent rather than pushed independently to the ring.
func (s *StatsRecorder) AddChild(name string) *StatsRecorder {
	return &StatsRecorder{
		name:    name,
		started: time.Now(),
		ledger:  s.ledger,
		destURL: s.destURL,
		parent:  s,
	}
}

// Record appends an arbitrary JSON-able value to this scope.
func (s *StatsRecorder) Record(v any) {
	s.records = append(s.records, v)
}

// RecordError appends a structured error entry to this scope.
func (s *StatsRecorder) RecordError(errType, message string) {
	s.Record(ErrorRecord{Type: errType, Message: message})
}

// Dispose stamps the scope's execution time and, if this is the top-level
// scope, pushes the resulting StatEntry onto the destination's bounded
// ring; a child scope appends its StatEntry to its parent's records.
func (s *StatsRecorder) Dispose() {
	entry := StatEntry{
		Name:          s.name,
		ExecutionTime: time.Since(s.started),
		Records:       s.records,
	}
	if s.parent != nil {
		s.parent.Record(entry)
	}
	if s.isTopLevel && s.ledger != nil {
		s.ledger.RecordStat(s.destURL, entry)
	}
}
