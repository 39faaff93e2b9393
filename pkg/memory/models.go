// Package memory defines the value types of the memquest memory plane
// and the adapter that fronts its hot (retrieval) and cold (ingestion)
// paths.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// IngestStatus is the terminal state of one event's trip through the
// ingestion pipeline.
type IngestStatus string

const (
	// StatusStored means the event was accepted and upserted.
	StatusStored IngestStatus = "stored"
	// StatusSkipped means the decider rejected the event.
	StatusSkipped IngestStatus = "skipped"
	// StatusError means the event could not be processed.
	StatusError IngestStatus = "error"
)

// Reasons attached to ingestion outcomes.
const (
	ReasonDuplicate     = "duplicate"
	ReasonTooShort      = "too_short"
	ReasonChitChat      = "chit_chat"
	ReasonHeuristicPass = "heuristic_pass"
	ReasonLLMPass       = "llm_pass"
	ReasonLLMReject     = "llm_reject"
	ReasonParseFailure  = "parse_failure"
	ReasonUpsertFailed  = "upsert_failed"
)

// MemoryEvent is one unit of ingestable conversational signal, as
// carried on the event stream wire format.
type MemoryEvent struct {
	// ID may be empty until derived; see DeriveID.
	ID string `json:"id,omitempty"`
	// AgentID identifies the agent that produced the text.
	AgentID string `json:"agent_id"`
	// UserID scopes the memory to one end user.
	UserID string `json:"user_id"`
	// TenantID scopes the memory to one tenant.
	TenantID string `json:"tenant_id"`
	// Timestamp is seconds since the Unix epoch.
	Timestamp int64 `json:"ts"`
	// Text is the conversational content. The redactor may rewrite it
	// in place before hashing and ID derivation.
	Text string `json:"text"`
	// ToolOutputs carries opaque tool result text, if any.
	ToolOutputs string `json:"tool_outputs,omitempty"`
	// Tags classify the event (preference, fact, decision, ...).
	Tags []string `json:"tags,omitempty"`
	// PIISuspected is set by producers that saw sensitive input and
	// updated by the redactor when a pattern matches.
	PIISuspected bool `json:"pii_suspected,omitempty"`
}

// ContentHash returns the hex SHA-256 of the event's current text.
func (e *MemoryEvent) ContentHash() string {
	return ContentHash(e.Text)
}

// DeriveID computes the deterministic document id for this event from
// its current text. Re-ingesting identical content at an identical
// timestamp yields the same id, making storage idempotent.
func (e *MemoryEvent) DeriveID() string {
	return GenerateID(e.TenantID, e.UserID, e.AgentID, e.Timestamp, e.ContentHash())
}

// MemoryHit is a single retrieval result. Scores are comparable only
// within the retrieval call that produced them.
type MemoryHit struct {
	ID       string                 `json:"id"`
	Snippet  string                 `json:"text_snippet"`
	Score    float64                `json:"score"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// QueryContext carries the parameters of one retrieval request.
// TenantID and UserID become equality filters on every search leg;
// they are the sole isolation mechanism between tenants.
type QueryContext struct {
	Text      string   `json:"text"`
	UserID    string   `json:"user_id"`
	TenantID  string   `json:"tenant_id"`
	AgentID   string   `json:"agent_id,omitempty"`
	Timestamp int64    `json:"ts,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	// Filters adds caller-supplied field -> value equality constraints.
	Filters map[string]string `json:"filters,omitempty"`
}

// Document is the persisted shape of an accepted memory. Timestamps
// are RFC 3339 UTC strings so the store can sort and filter them as
// plain text.
type Document struct {
	ID       string   `json:"id"`
	AgentID  string   `json:"agent_id"`
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	TS       string   `json:"ts"`
	Text     string   `json:"text"`
	Tags     []string `json:"tags,omitempty"`
	// Vector is the dense embedding; all zeros when embedding was
	// unavailable at ingest time.
	Vector []float32 `json:"vector,omitempty"`
	// Metadata carries tool_outputs, pii_suspected, content_hash, and
	// similar open fields, serialized to one JSON column on write.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// ExpiresAt is empty for durable memories.
	ExpiresAt string `json:"expires_at,omitempty"`
}

// ContentHash returns the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// GenerateID derives the deterministic document id from the identity
// tuple. Varying any single input changes the id.
func GenerateID(tenantID, userID, agentID string, timestamp int64, contentHash string) string {
	key := fmt.Sprintf("%s|%s|%s|%d|%s", tenantID, userID, agentID, timestamp, contentHash)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// FormatTimestamp renders an epoch-seconds timestamp as RFC 3339 UTC,
// the serialization stored in ts and expires_at.
func FormatTimestamp(epochSeconds int64) string {
	return time.Unix(epochSeconds, 0).UTC().Format(time.RFC3339)
}
