// Package telemetry records durable diagnostic events: skipped content,
// stalled narrative progress, and other conditions worth keeping beyond
// process logs.
package telemetry

import (
	"context"
	"time"

	"github.com/louisbranch/pocketline/internal/storage"
)

// Severity describes the diagnostic severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Emitter records diagnostic events to a store.
type Emitter struct {
	store storage.DiagnosticStore
	clock func() time.Time
}

// NewEmitter creates a diagnostic emitter. A nil store yields a no-op
// emitter, so callers never need to nil-check.
func NewEmitter(store storage.DiagnosticStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records one diagnostic event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt storage.Diagnostic) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendDiagnostic(ctx, evt)
}

// Warnf records a WARN diagnostic for component with a detail message.
func (e *Emitter) Warnf(ctx context.Context, component, message string) error {
	return e.Emit(ctx, storage.Diagnostic{
		Component: component,
		Severity:  string(SeverityWarn),
		Message:   message,
	})
}
