// Package novelty scores candidate facts against the graph and decides how
// urgently they should be persisted.
package novelty

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/embeddings"
	"github.com/engramdev/engram/pkg/graph"
	"github.com/engramdev/engram/pkg/vector"
)

// Disposition is the classifier's verdict on how urgently a candidate fact
// should be persisted.
type Disposition string

const (
	// DispositionImmediate routes the candidate to the synchronous write path.
	DispositionImmediate Disposition = "immediate"

	// DispositionDeferred routes the candidate to the durable batch queue.
	DispositionDeferred Disposition = "deferred"

	// DispositionDiscard drops the candidate; only an audit record remains.
	DispositionDiscard Disposition = "discard"
)

// Config holds the classifier thresholds. These are tunables, not contracts;
// the defaults are starting points.
type Config struct {
	// EntityMatchThreshold is the minimum cosine similarity for resolving
	// an entity reference by embedding when exact name match fails.
	EntityMatchThreshold float64

	// SemanticDuplicateThreshold is the similarity at or above which a
	// structurally identical fact counts as pure repetition.
	SemanticDuplicateThreshold float64

	// ImmediateScoreFloor is the minimum score that qualifies for the
	// immediate write path.
	ImmediateScoreFloor float64
}

// DefaultConfig returns the default classifier thresholds.
func DefaultConfig() Config {
	return Config{
		EntityMatchThreshold:       0.92,
		SemanticDuplicateThreshold: 0.5,
		ImmediateScoreFloor:        0.85,
	}
}

// Result is the classifier's output for one candidate fact.
type Result struct {
	// Score is the novelty score in [0,1].
	Score float64

	// Disposition tags the routing decision.
	Disposition Disposition

	// MatchedEdge is set when the candidate contradicts a current edge;
	// the scheduler supersedes it on write.
	MatchedEdge *graph.Relation

	// Subject and Object are the resolved entities, nil when unresolved or
	// (for Object) when the candidate's object is a literal.
	Subject *graph.Entity
	Object  *graph.Entity

	// Degraded is true when the embedding gateway was unavailable and the
	// classifier fell back to exact-match logic only.
	Degraded bool

	// Reason is a short explanation recorded in the audit trail.
	Reason string
}

// Classifier compares candidate facts against the fact store via exact
// lookup, relation lookup and embedding similarity.
type Classifier struct {
	store    graph.Store
	vectors  vector.Driver
	embedder embeddings.Embedder
	registry *graph.Registry
	cfg      Config
	logger   *zap.Logger
}

// NewClassifier creates a classifier over the given store and indexes.
func NewClassifier(
	store graph.Store,
	vectors vector.Driver,
	embedder embeddings.Embedder,
	registry *graph.Registry,
	cfg Config,
	logger *zap.Logger,
) *Classifier {
	return &Classifier{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Classify runs the scoring pipeline for one candidate, short-circuiting on
// the first decisive signal:
//
//  1. entity novelty (unresolved subject or object)
//  2. relation novelty (no edge of this type between the pair)
//  3. contradiction (functional relation currently pointing elsewhere)
//  4. semantic novelty vs. an identical current edge
//  5. default: deferred
//
// When the embedding gateway is unavailable the classifier degrades to
// exact-match logic and fails open toward retention: nothing unresolved is
// discarded.
func (c *Classifier) Classify(ctx context.Context, owner string, cand *graph.CandidateFact) (*Result, error) {
	if err := c.registry.ValidateCandidate(cand); err != nil {
		return nil, err
	}

	degraded := len(cand.Embedding) == 0

	subject, subjDegraded, err := c.resolveEntity(ctx, owner, cand.SubjectRef)
	if err != nil {
		return nil, err
	}
	degraded = degraded || subjDegraded

	objectIsLiteral := strings.EqualFold(cand.ObjectType, "literal")
	var object *graph.Entity
	if !objectIsLiteral {
		var objDegraded bool
		object, objDegraded, err = c.resolveEntity(ctx, owner, cand.ObjectRef)
		if err != nil {
			return nil, err
		}
		degraded = degraded || objDegraded
	}

	// Step 1: entity novelty.
	if subject == nil || (!objectIsLiteral && object == nil) {
		if degraded {
			// Without embeddings "unresolved" may just mean "renamed";
			// retain via the queue instead of writing or dropping.
			return &Result{
				Score:       1.0,
				Disposition: DispositionDeferred,
				Degraded:    true,
				Reason:      "unresolved entity under degraded embedding service",
			}, nil
		}
		return &Result{
			Score:       1.0,
			Disposition: DispositionImmediate,
			Subject:     subject,
			Object:      object,
			Reason:      "new entity",
		}, nil
	}

	targetShape := "lit:" + graph.NormalizeLabel(cand.ObjectRef)
	if object != nil {
		targetShape = object.ID
	}

	identical, err := c.store.GetEdgesBetween(ctx, owner, subject.ID, targetShape, cand.RelationType)
	if err != nil {
		return nil, fmt.Errorf("looking up edges between entities: %w", err)
	}

	if len(identical) == 0 {
		// Step 3 before step 2 for functional relations: a current edge to
		// a different object is a contradiction, not a novel relation.
		if c.registry.Functional(cand.RelationType) {
			matched, err := c.findContradiction(ctx, owner, subject.ID, cand.RelationType, targetShape)
			if err != nil {
				return nil, err
			}
			if matched != nil {
				return &Result{
					Score:       0.95,
					Disposition: DispositionImmediate,
					MatchedEdge: matched,
					Subject:     subject,
					Object:      object,
					Degraded:    degraded,
					Reason:      "contradicts current edge " + matched.ID,
				}, nil
			}
		}

		// Step 2: relation novelty.
		return &Result{
			Score:       0.85,
			Disposition: DispositionImmediate,
			Subject:     subject,
			Object:      object,
			Degraded:    degraded,
			Reason:      "new relation between known entities",
		}, nil
	}

	// Step 4: semantic novelty against the identical current edge.
	edge := identical[0]
	similarity, simKnown := c.textSimilarity(ctx, cand, edge)
	switch {
	case simKnown && similarity >= c.cfg.SemanticDuplicateThreshold:
		return &Result{
			Score:       0.0,
			Disposition: DispositionDiscard,
			Subject:     subject,
			Object:      object,
			Degraded:    degraded,
			Reason:      "repetition of current edge " + edge.ID,
		}, nil
	case simKnown:
		return &Result{
			Score:       0.4,
			Disposition: DispositionDeferred,
			Subject:     subject,
			Object:      object,
			Degraded:    degraded,
			Reason:      "rephrasing of current edge " + edge.ID,
		}, nil
	case strings.EqualFold(strings.TrimSpace(cand.RawText), strings.TrimSpace(edge.SourceText)):
		// Degraded but verbatim: safe to drop.
		return &Result{
			Score:       0.0,
			Disposition: DispositionDiscard,
			Subject:     subject,
			Object:      object,
			Degraded:    true,
			Reason:      "verbatim repetition of current edge " + edge.ID,
		}, nil
	default:
		return &Result{
			Score:       0.4,
			Disposition: DispositionDeferred,
			Subject:     subject,
			Object:      object,
			Degraded:    true,
			Reason:      "possible rephrasing, embedding service unavailable",
		}, nil
	}
}

// resolveEntity resolves a reference by exact case-insensitive label match
// and, failing that, by embedding similarity above the configured threshold.
// The returned bool reports whether resolution ran degraded.
func (c *Classifier) resolveEntity(ctx context.Context, owner, ref string) (*graph.Entity, bool, error) {
	entity, err := c.store.FindEntityByLabel(ctx, owner, ref)
	if err == nil {
		return entity, false, nil
	}
	if !graph.IsNotFound(err) {
		return nil, false, fmt.Errorf("resolving entity %q: %w", ref, err)
	}

	if c.embedder == nil || c.vectors == nil {
		return nil, true, nil
	}

	emb, err := c.embedder.Embed(ctx, ref)
	if err != nil {
		if vector.IsUnavailable(err) {
			c.logger.Warn("embedding gateway unavailable, degrading to exact match",
				zap.String("owner", owner),
			)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("embedding entity reference: %w", err)
	}

	results, err := c.vectors.Query(ctx, owner, vector.KindEntity, emb, 1)
	if err != nil {
		if vector.IsUnavailable(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("querying entity index: %w", err)
	}

	if len(results) == 0 || float64(results[0].Score) < c.cfg.EntityMatchThreshold {
		return nil, false, nil
	}

	entity, err = c.store.GetEntity(ctx, owner, results[0].ID)
	if err != nil {
		if graph.IsNotFound(err) {
			// Stale index entry; treat as unresolved.
			return nil, false, nil
		}
		return nil, false, err
	}
	return entity, false, nil
}

// findContradiction returns the current edge of the relation type whose
// target differs from targetShape, if any.
func (c *Classifier) findContradiction(ctx context.Context, owner, subjectID, relationType, targetShape string) (*graph.Relation, error) {
	edges, err := c.store.GetCurrentEdges(ctx, owner, subjectID, relationType)
	if err != nil {
		return nil, fmt.Errorf("looking up current edges: %w", err)
	}

	for _, e := range edges {
		if e.SourceID == subjectID && e.TargetShape() != targetShape {
			return e, nil
		}
	}
	return nil, nil
}

// textSimilarity computes cosine similarity between the candidate's raw text
// and the edge's stored source text. The bool is false when embeddings are
// unavailable.
func (c *Classifier) textSimilarity(ctx context.Context, cand *graph.CandidateFact, edge *graph.Relation) (float64, bool) {
	if len(cand.Embedding) == 0 || c.embedder == nil || edge.SourceText == "" {
		return 0, false
	}

	edgeEmb, err := c.embedder.Embed(ctx, edge.SourceText)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("embedding stored source text failed", zap.Error(err))
		}
		return 0, false
	}

	return float64(vector.Cosine(cand.Embedding, edgeEmb)), true
}
