// Package graph defines the temporal knowledge-graph data model and the
// Store interface for persisting and querying it. Backends live in the
// sqlite, postgres and inmemory subpackages.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// GlobalOwner is the distinguished partition holding shared background
// knowledge. It is readable by every owner's recall path but writable only
// through the ingestion pipeline.
const GlobalOwner = "global"

// Entity is a node representing a real-world thing. Entities are never
// deleted; contradictions are resolved at the edge level via supersession.
type Entity struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Relation is a directed, typed edge between two entities, or between an
// entity and a literal value. A relation with ValidUntil == nil is "current":
// believed true now.
type Relation struct {
	ID         string         `json:"id"`
	Owner      string         `json:"owner"`
	Type       string         `json:"type"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id,omitempty"`
	Literal    string         `json:"literal,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidUntil *time.Time     `json:"valid_until,omitempty"`
	IngestedAt time.Time      `json:"ingested_at"`
	SourceRef  string         `json:"source_ref,omitempty"`
	SourceText string         `json:"source_text,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Current reports whether the relation has no expiry.
func (r *Relation) Current() bool {
	return r.ValidUntil == nil
}

// TargetShape identifies the object side of the edge for the
// single-current-edge invariant: the target entity id, or the literal value
// when the edge points at a literal.
func (r *Relation) TargetShape() string {
	if r.TargetID != "" {
		return r.TargetID
	}
	return "lit:" + r.Literal
}

// CandidateFact is an ephemeral, not-yet-persisted triple produced by the
// extraction gateway. It is consumed by the novelty classifier and then
// promoted to a Relation, queued, or discarded.
type CandidateFact struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	SubjectRef   string    `json:"subject_ref"`
	SubjectType  string    `json:"subject_type,omitempty"`
	RelationType string    `json:"relation_type"`
	ObjectRef    string    `json:"object_ref"`
	ObjectType   string    `json:"object_type,omitempty"`
	RawText      string    `json:"raw_text"`
	SourceRef    string    `json:"source_ref,omitempty"`
	Embedding    []float32 `json:"-"`
	Confidence   float64   `json:"confidence,omitempty"`
	ExtractedAt  time.Time `json:"extracted_at"`
}

// CandidateID derives the stable content-addressed id for a candidate fact.
// Identical facts (same owner, triple and wording) hash to the same id, which
// is what makes drain retries and re-submissions idempotent.
func CandidateID(owner, subject, relationType, object, rawText string) string {
	h := sha256.New()
	for _, part := range []string{owner, subject, relationType, object, rawText} {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(part))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeLabel is the canonical form used for entity identity and
// case-insensitive label lookups.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
