package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/abadojack/whatlanggo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/metrics"
	"github.com/memquest/memquest/pkg/observability/tracing"
)

// =============================================================================
// Ingestion Pipeline
// =============================================================================

// Embedder provides dense vectors for accepted events. Implementations
// degrade to zero-vectors instead of failing.
type Embedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) [][]float32
}

// Result is the terminal outcome of one event's trip through the pipeline.
type Result struct {
	Status memory.IngestStatus
	Reason string
	// DocID is set when a document was built, stored or not.
	DocID string
}

// Pipeline runs the cold path: redact, decide, embed, upsert. Every event
// reaches a terminal status; the pipeline itself never returns an error.
type Pipeline struct {
	redactor *Redactor
	decider  *Decider
	embedder Embedder
	upserter *Upserter
}

// PipelineOptions configures a Pipeline. Nil fields get inert defaults, so a
// partially wired pipeline still drives every event to a terminal status.
type PipelineOptions struct {
	Redactor *Redactor
	Decider  *Decider
	Embedder Embedder
	Upserter *Upserter
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		redactor: opts.Redactor,
		decider:  opts.Decider,
		embedder: opts.Embedder,
		upserter: opts.Upserter,
	}
	if p.redactor == nil {
		p.redactor = NewRedactor(false, "")
	}
	if p.decider == nil {
		p.decider = NewDecider(DeciderOptions{})
	}
	if p.embedder == nil {
		p.embedder = noEmbeddings{}
	}
	if p.upserter == nil {
		p.upserter = NewUpserter(UpserterOptions{})
	}
	return p
}

// ProcessRaw parses a JSON event payload and processes it. Unparseable
// payloads are terminal: they must never loop back through the stream.
func (p *Pipeline) ProcessRaw(ctx context.Context, payload []byte) Result {
	var event memory.MemoryEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logging.Errorf("Pipeline: failed to parse event payload: %v", err)
		return p.finish(memory.StatusError, memory.ReasonParseFailure, "")
	}
	return p.Process(ctx, &event)
}

// Process runs one event through the pipeline. The event is modified in
// place: redaction rewrites Text and PIISuspected before hashing, so the
// derived document id always reflects what is actually stored.
func (p *Pipeline) Process(ctx context.Context, event *memory.MemoryEvent) Result {
	ctx, span := tracing.StartSpan(ctx, "memory.ingest",
		attribute.String("tenant_id", event.TenantID),
		attribute.String("agent_id", event.AgentID),
	)
	defer span.End()

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	// 1. PII redaction
	redaction := p.redactor.Redact(event.Text)
	event.Text = redaction.Text
	event.PIISuspected = redaction.PIIDetected

	// 2. Memory decider
	decision := p.decider.Decide(ctx, event.Text, event.Tags)
	if !decision.ShouldStore {
		logging.Infof("Pipeline: event skipped (tenant=%s user=%s): %s",
			event.TenantID, event.UserID, decision.Reason)
		return p.finish(memory.StatusSkipped, decision.Reason, "")
	}

	// 3. Embedding. A zero-vector is accepted; the document stays reachable
	// through sparse retrieval.
	vectors := p.embedder.GenerateEmbeddings(ctx, []string{event.Text})
	var vector []float32
	if len(vectors) > 0 {
		vector = vectors[0]
	}

	// 4. Build the document. A producer-assigned id wins over derivation.
	contentHash := decision.ContentHash
	if contentHash == "" {
		contentHash = event.ContentHash()
	}
	docID := event.ID
	if docID == "" {
		docID = memory.GenerateID(event.TenantID, event.UserID, event.AgentID, event.Timestamp, contentHash)
	}

	doc := memory.Document{
		ID:       docID,
		AgentID:  event.AgentID,
		TenantID: event.TenantID,
		UserID:   event.UserID,
		TS:       memory.FormatTimestamp(event.Timestamp),
		Text:     event.Text,
		Tags:     event.Tags,
		Vector:   vector,
		Metadata: buildMetadata(event, contentHash),
	}
	if decision.ExpiresAt > 0 {
		doc.ExpiresAt = memory.FormatTimestamp(decision.ExpiresAt)
	}

	// 5. Upsert. Stored means stored: zero successes is an error outcome,
	// and the documents are already in the dead-letter sink.
	result := p.upserter.UpsertDocuments(ctx, []memory.Document{doc})
	if result.SuccessCount == 0 {
		return p.finish(memory.StatusError, memory.ReasonUpsertFailed, docID)
	}

	logging.Debugf("Pipeline: stored document %s (tenant=%s user=%s reason=%s)",
		docID, event.TenantID, event.UserID, decision.Reason)
	return p.finish(memory.StatusStored, decision.Reason, docID)
}

func (p *Pipeline) finish(status memory.IngestStatus, reason, docID string) Result {
	metrics.RecordColdIngest(string(status), reason)
	return Result{Status: status, Reason: reason, DocID: docID}
}

func buildMetadata(event *memory.MemoryEvent, contentHash string) map[string]interface{} {
	metadata := map[string]interface{}{
		"pii_suspected": event.PIISuspected,
		"content_hash":  contentHash,
	}
	if event.ToolOutputs != "" {
		metadata["tool_outputs"] = event.ToolOutputs
	}
	if info := whatlanggo.Detect(event.Text); info.IsReliable() {
		metadata["lang"] = whatlanggo.LangToString(info.Lang)
	}
	return metadata
}

// noEmbeddings is the inert embedder: nil vectors, sparse-only documents.
type noEmbeddings struct{}

func (noEmbeddings) GenerateEmbeddings(_ context.Context, texts []string) [][]float32 {
	return make([][]float32, len(texts))
}
