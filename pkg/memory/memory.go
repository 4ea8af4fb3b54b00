// Package memory is the composition root of the engine. It wires extraction,
// classification, scheduling, recall and audit behind the two entry points
// callers actually use: Observe and Recall.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/audit"
	"github.com/engramdev/engram/pkg/embeddings"
	"github.com/engramdev/engram/pkg/extraction"
	"github.com/engramdev/engram/pkg/graph"
	"github.com/engramdev/engram/pkg/novelty"
	"github.com/engramdev/engram/pkg/recall"
	"github.com/engramdev/engram/pkg/scheduler"
	"github.com/engramdev/engram/pkg/utils"
	"github.com/engramdev/engram/pkg/vector"
)

// FactOutcome reports what happened to one extracted candidate.
type FactOutcome struct {
	CandidateID string              `json:"candidate_id"`
	Subject     string              `json:"subject"`
	Relation    string              `json:"relation"`
	Object      string              `json:"object"`
	Score       float64             `json:"score"`
	Disposition novelty.Disposition `json:"disposition"`
	EdgeID      string              `json:"edge_id,omitempty"`
	Superseded  string              `json:"superseded,omitempty"`
	Degraded    bool                `json:"degraded,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// DispositionReport is the caller-visible result of one Observe call.
type DispositionReport struct {
	Owner    string         `json:"owner"`
	Facts    []*FactOutcome `json:"facts"`
	Degraded bool           `json:"degraded,omitempty"`
}

// Engine is the memory engine facade.
type Engine struct {
	store      graph.Store
	extractor  extraction.Extractor
	embedder   embeddings.Embedder
	classifier *novelty.Classifier
	scheduler  *scheduler.Scheduler
	recaller   *recall.Engine
	auditLog   audit.Log
	logger     *zap.Logger
}

// NewEngine assembles the engine from its already-constructed parts.
func NewEngine(
	store graph.Store,
	extractor extraction.Extractor,
	embedder embeddings.Embedder,
	classifier *novelty.Classifier,
	sched *scheduler.Scheduler,
	recaller *recall.Engine,
	auditLog audit.Log,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:      store,
		extractor:  extractor,
		embedder:   embedder,
		classifier: classifier,
		scheduler:  sched,
		recaller:   recaller,
		auditLog:   auditLog,
		logger:     logger,
	}
}

// Observe ingests one utterance: extract candidate triples, classify each,
// and route them through the scheduler. An unreachable extraction service
// retains the raw utterance as a deferred candidate rather than dropping the
// observation. Storage failures on the immediate path surface as downgrades,
// never as lost facts.
func (e *Engine) Observe(ctx context.Context, owner, text, sourceRef string) (*DispositionReport, error) {
	if owner == "" || text == "" {
		return nil, fmt.Errorf("%w: owner and text are required", graph.ErrValidation)
	}

	e.logger.Debug("observing utterance",
		zap.String("owner", owner),
		zap.String("text", utils.Truncate(text, 120)),
	)

	report := &DispositionReport{Owner: owner}

	candidates, err := e.extractor.ExtractTriples(ctx, owner, text, sourceRef)
	if err != nil {
		if !errors.Is(err, extraction.ErrUnavailable) {
			return nil, fmt.Errorf("extracting triples: %w", err)
		}
		// Extraction is down. Park the raw utterance so a later drain can
		// re-extract it once the service recovers.
		outcome, derr := e.deferRaw(ctx, owner, text, sourceRef)
		if derr != nil {
			return nil, derr
		}
		report.Facts = append(report.Facts, outcome)
		report.Degraded = true
		return report, nil
	}

	for _, cand := range candidates {
		e.attachEmbedding(ctx, cand)

		result, err := e.classifier.Classify(ctx, owner, cand)
		if err != nil {
			if errors.Is(err, graph.ErrValidation) {
				return nil, err
			}
			// A classify-time lookup failure is no reason to drop the
			// candidate: defer it and let the drain re-classify.
			e.logger.Warn("classification failed, deferring candidate",
				zap.String("owner", owner),
				zap.String("candidate_id", cand.ID),
				zap.Error(err),
			)
			result = &novelty.Result{
				Score:       1.0,
				Disposition: novelty.DispositionDeferred,
				Degraded:    true,
				Reason:      "classification unavailable, retained for drain",
			}
		}

		outcome, err := e.scheduler.Submit(ctx, owner, cand, result)
		if err != nil {
			e.logger.Error("scheduling candidate failed",
				zap.String("owner", owner),
				zap.String("candidate_id", cand.ID),
				zap.Error(err),
			)
			report.Degraded = true
			report.Facts = append(report.Facts, &FactOutcome{
				CandidateID: cand.ID,
				Subject:     cand.SubjectRef,
				Relation:    cand.RelationType,
				Object:      cand.ObjectRef,
				Score:       result.Score,
				Disposition: result.Disposition,
				Degraded:    true,
				Reason:      "scheduling failed: " + err.Error(),
			})
			continue
		}

		fact := &FactOutcome{
			CandidateID: cand.ID,
			Subject:     cand.SubjectRef,
			Relation:    cand.RelationType,
			Object:      cand.ObjectRef,
			Score:       result.Score,
			Disposition: outcome.Disposition,
			Superseded:  outcome.Superseded,
			Degraded:    result.Degraded,
			Reason:      result.Reason,
		}
		if outcome.Edge != nil {
			fact.EdgeID = outcome.Edge.ID
		}
		report.Degraded = report.Degraded || result.Degraded
		report.Facts = append(report.Facts, fact)
	}

	return report, nil
}

// attachEmbedding embeds the candidate's raw text for the classifier and the
// fact index. Failures leave the candidate unembedded; the classifier then
// degrades to exact-match logic.
func (e *Engine) attachEmbedding(ctx context.Context, cand *graph.CandidateFact) {
	if e.embedder == nil {
		return
	}
	emb, err := e.embedder.Embed(ctx, cand.RawText)
	if err != nil {
		if vector.IsUnavailable(err) {
			e.logger.Warn("embedding service unavailable, classifying degraded",
				zap.String("owner", cand.Owner))
			return
		}
		e.logger.Warn("embedding candidate failed", zap.Error(err))
		return
	}
	cand.Embedding = emb
}

// deferRaw queues an unextracted utterance as a raw-text candidate.
func (e *Engine) deferRaw(ctx context.Context, owner, text, sourceRef string) (*FactOutcome, error) {
	cand := &graph.CandidateFact{
		ID:          graph.CandidateID(owner, text, scheduler.RawObservationRelation, "", text),
		Owner:       owner,
		SubjectRef:  text,
		SubjectType: "thing",
		// Marks the candidate for re-extraction on drain.
		RelationType: scheduler.RawObservationRelation,
		ObjectRef:    text,
		ObjectType:   "literal",
		RawText:      text,
		SourceRef:    sourceRef,
		Confidence:   0,
		ExtractedAt:  time.Now().UTC(),
	}

	result := &novelty.Result{
		Score:       1.0,
		Disposition: novelty.DispositionDeferred,
		Degraded:    true,
		Reason:      "extraction service unavailable, raw utterance retained",
	}

	reason := result.Reason
	outcome, err := e.scheduler.Submit(ctx, owner, cand, result)
	if err != nil {
		e.logger.Error("deferring raw utterance failed",
			zap.String("owner", owner),
			zap.Error(err),
		)
		reason = "retention failed: " + err.Error()
		outcome = &scheduler.Outcome{Disposition: result.Disposition}
	}

	return &FactOutcome{
		CandidateID: cand.ID,
		Subject:     cand.SubjectRef,
		Relation:    cand.RelationType,
		Object:      cand.ObjectRef,
		Score:       result.Score,
		Disposition: outcome.Disposition,
		Degraded:    true,
		Reason:      reason,
	}, nil
}

// Recall runs hybrid retrieval over the owner's partition plus the shared
// global partition.
func (e *Engine) Recall(ctx context.Context, owner, query string, limit int) ([]*recall.Fact, error) {
	if owner == "" || query == "" {
		return nil, fmt.Errorf("%w: owner and query are required", graph.ErrValidation)
	}
	return e.recaller.Recall(ctx, owner, query, limit)
}

// RecallAsOf returns the entity's edges as they were believed at ts.
func (e *Engine) RecallAsOf(ctx context.Context, owner, entityLabel string, ts time.Time) ([]*graph.Relation, error) {
	if owner == "" || entityLabel == "" {
		return nil, fmt.Errorf("%w: owner and entity are required", graph.ErrValidation)
	}
	return e.recaller.RecallAsOf(ctx, owner, entityLabel, ts)
}

// AuditTrail returns the owner's audit records, newest first.
func (e *Engine) AuditTrail(ctx context.Context, owner string, limit int) ([]*audit.Record, error) {
	return e.auditLog.List(ctx, owner, limit)
}

// DrainBatch forces one drain pass over the owner's deferred queue.
func (e *Engine) DrainBatch(ctx context.Context, owner string) (*scheduler.DrainReport, error) {
	return e.scheduler.DrainBatch(ctx, owner)
}

// Snapshot streams the owner's partition through fn, entities before edges.
func (e *Engine) Snapshot(ctx context.Context, owner string, fn func(graph.SnapshotItem) error) error {
	return e.store.Snapshot(ctx, owner, fn)
}
