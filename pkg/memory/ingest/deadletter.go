package ingest

import (
	"context"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/metrics"
)

// =============================================================================
// Dead-Letter Sinks
// =============================================================================

// DeadLetter receives documents the pipeline could not persist. Sinks are
// last resort and must not fail: Record has no error return.
type DeadLetter interface {
	Record(ctx context.Context, doc memory.Document, reason string)
}

// LogDeadLetter is the default sink. It logs the loss and counts it.
type LogDeadLetter struct{}

// NewLogDeadLetter creates the logging sink.
func NewLogDeadLetter() *LogDeadLetter {
	return &LogDeadLetter{}
}

// Record logs the dropped document.
func (l *LogDeadLetter) Record(_ context.Context, doc memory.Document, reason string) {
	metrics.RecordDeadLetter("log")
	logging.Errorf("DLQ: document %s (tenant=%s user=%s): %s", doc.ID, doc.TenantID, doc.UserID, reason)
}
