// Package scheduler routes classified candidates onto the two write paths:
// the synchronous immediate path and the durable deferred queue drained in
// batches. It owns entity upserts, supersession and vector indexing so the
// classifier and recall engine stay read-only.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/audit"
	"github.com/engramdev/engram/pkg/embeddings"
	"github.com/engramdev/engram/pkg/extraction"
	"github.com/engramdev/engram/pkg/graph"
	"github.com/engramdev/engram/pkg/novelty"
	"github.com/engramdev/engram/pkg/queue"
	"github.com/engramdev/engram/pkg/vector"
)

// Config holds the scheduler tunables.
type Config struct {
	// MaxWriteAttempts bounds the immediate path's retries before the
	// candidate is downgraded to the deferred queue.
	MaxWriteAttempts int

	// RetryBaseDelay is the first backoff interval; it doubles per attempt.
	RetryBaseDelay time.Duration

	// DrainBatchSize caps how many queued items one drain pass processes.
	DrainBatchSize int
}

// DefaultConfig returns the default scheduler tunables.
func DefaultConfig() Config {
	return Config{
		MaxWriteAttempts: 3,
		RetryBaseDelay:   50 * time.Millisecond,
		DrainBatchSize:   50,
	}
}

// Outcome reports what the scheduler did with one candidate.
type Outcome struct {
	Disposition novelty.Disposition `json:"disposition"`

	// Edge is the written relation, set only on the immediate path.
	Edge *graph.Relation `json:"edge,omitempty"`

	// Superseded is the id of the edge closed out by this write, if any.
	Superseded string `json:"superseded,omitempty"`

	// Downgraded is true when an immediate write exhausted its retries and
	// fell back to the queue.
	Downgraded bool `json:"downgraded,omitempty"`
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Processed int `json:"processed"`
	Written   int `json:"written"`
	Discarded int `json:"discarded"`
	Requeued  int `json:"requeued"`
}

// Scheduler applies classified candidates to the graph.
type Scheduler struct {
	store      graph.Store
	vectors    vector.Driver
	embedder   embeddings.Embedder
	queue      queue.Queue
	classifier *novelty.Classifier
	extractor  extraction.Extractor
	auditLog   audit.Log
	publisher  audit.Publisher
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	owners map[string]struct{}
}

// RawObservationRelation marks a queued candidate holding an unextracted
// utterance. Drain re-extracts these instead of writing them as edges.
const RawObservationRelation = "raw_observation"

// NewScheduler creates a scheduler over the given store, indexes and queue.
func NewScheduler(
	store graph.Store,
	vectors vector.Driver,
	embedder embeddings.Embedder,
	q queue.Queue,
	classifier *novelty.Classifier,
	extractor extraction.Extractor,
	auditLog audit.Log,
	publisher audit.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if publisher == nil {
		publisher = audit.NopPublisher{}
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 50
	}
	return &Scheduler{
		store:      store,
		vectors:    vectors,
		embedder:   embedder,
		queue:      q,
		classifier: classifier,
		extractor:  extractor,
		auditLog:   auditLog,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		owners:     make(map[string]struct{}),
	}
}

// Submit applies one classified candidate. Immediate candidates are written
// synchronously with bounded retries; on exhaustion they are downgraded to
// the queue rather than lost. Deferred candidates are enqueued, discards
// only leave an audit record.
func (s *Scheduler) Submit(ctx context.Context, owner string, cand *graph.CandidateFact, result *novelty.Result) (*Outcome, error) {
	s.trackOwner(owner)

	switch result.Disposition {
	case novelty.DispositionImmediate:
		return s.submitImmediate(ctx, owner, cand, result)

	case novelty.DispositionDeferred:
		if err := s.queue.Enqueue(ctx, cand); err != nil {
			return nil, fmt.Errorf("enqueueing candidate: %w", err)
		}
		s.record(ctx, &audit.Record{
			Owner:       owner,
			Actor:       "scheduler",
			ChangeType:  audit.ChangeEnqueue,
			CandidateID: cand.ID,
			Score:       result.Score,
			Reason:      result.Reason,
		})
		return &Outcome{Disposition: novelty.DispositionDeferred}, nil

	case novelty.DispositionDiscard:
		s.record(ctx, &audit.Record{
			Owner:       owner,
			Actor:       "scheduler",
			ChangeType:  audit.ChangeDiscard,
			CandidateID: cand.ID,
			Score:       result.Score,
			Reason:      result.Reason,
		})
		return &Outcome{Disposition: novelty.DispositionDiscard}, nil

	default:
		return nil, fmt.Errorf("unknown disposition %q", result.Disposition)
	}
}

func (s *Scheduler) submitImmediate(ctx context.Context, owner string, cand *graph.CandidateFact, result *novelty.Result) (*Outcome, error) {
	var lastErr error
	delay := s.cfg.RetryBaseDelay

	for attempt := 1; attempt <= s.cfg.MaxWriteAttempts; attempt++ {
		edge, err := s.applyWrite(ctx, owner, cand, result)
		if err == nil {
			return &Outcome{
				Disposition: novelty.DispositionImmediate,
				Edge:        edge,
				Superseded:  supersededID(result),
			}, nil
		}
		if errors.Is(err, graph.ErrConflict) || errors.Is(err, graph.ErrValidation) {
			// Retrying cannot help; a concurrent writer won the key or the
			// candidate is malformed. Requeue for re-classification.
			lastErr = err
			break
		}

		lastErr = err
		s.logger.Warn("immediate write attempt failed",
			zap.String("owner", owner),
			zap.String("candidate_id", cand.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < s.cfg.MaxWriteAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	// The fact is retained, not lost: downgrade to the deferred queue.
	if err := s.queue.Enqueue(ctx, cand); err != nil {
		return nil, fmt.Errorf("downgrading candidate after write failure: %w (write: %v)", err, lastErr)
	}
	s.record(ctx, &audit.Record{
		Owner:       owner,
		Actor:       "scheduler",
		ChangeType:  audit.ChangeDowngrade,
		CandidateID: cand.ID,
		Score:       result.Score,
		Reason:      fmt.Sprintf("immediate write failed: %v", lastErr),
	})
	return &Outcome{
		Disposition: novelty.DispositionDeferred,
		Downgraded:  true,
	}, nil
}

// applyWrite upserts the endpoint entities, writes the edge (superseding the
// contradicted one when present) and indexes the new fact. The graph write is
// atomic; indexing happens after commit and degrades to a warning on failure.
func (s *Scheduler) applyWrite(ctx context.Context, owner string, cand *graph.CandidateFact, result *novelty.Result) (*graph.Relation, error) {
	subject := result.Subject
	if subject == nil {
		subjectType := cand.SubjectType
		if subjectType == "" {
			subjectType = "thing"
		}
		var err error
		subject, err = s.store.UpsertEntity(ctx, owner, subjectType, cand.SubjectRef)
		if err != nil {
			return nil, fmt.Errorf("upserting subject: %w", err)
		}
		s.indexEntity(ctx, subject)
	}

	rel := &graph.Relation{
		ID:         uuid.NewString(),
		Owner:      owner,
		Type:       cand.RelationType,
		SourceID:   subject.ID,
		ValidFrom:  time.Now().UTC(),
		IngestedAt: time.Now().UTC(),
		SourceRef:  cand.SourceRef,
		SourceText: cand.RawText,
		Confidence: cand.Confidence,
	}
	rel.Properties = map[string]any{"candidate_id": cand.ID}

	if isLiteral(cand.ObjectType) {
		rel.Literal = cand.ObjectRef
	} else {
		object := result.Object
		if object == nil {
			objectType := cand.ObjectType
			if objectType == "" {
				objectType = "thing"
			}
			var err error
			object, err = s.store.UpsertEntity(ctx, owner, objectType, cand.ObjectRef)
			if err != nil {
				return nil, fmt.Errorf("upserting object: %w", err)
			}
			s.indexEntity(ctx, object)
		}
		rel.TargetID = object.ID
	}

	supersedes := supersededID(result)
	written, err := s.store.WriteFact(ctx, owner, rel, supersedes)
	if err != nil {
		return nil, err
	}

	s.indexFact(ctx, written, cand)

	changeType := audit.ChangeCreate
	if supersedes != "" {
		changeType = audit.ChangeUpdate
		s.record(ctx, &audit.Record{
			Owner:      owner,
			Actor:      "scheduler",
			ChangeType: audit.ChangeExpire,
			EdgeID:     supersedes,
			Reason:     "superseded by " + written.ID,
		})
	}
	s.record(ctx, &audit.Record{
		Owner:       owner,
		Actor:       "scheduler",
		ChangeType:  changeType,
		EdgeID:      written.ID,
		CandidateID: cand.ID,
		Score:       result.Score,
		Reason:      result.Reason,
	})

	return written, nil
}

// DrainBatch re-classifies and applies up to the configured batch of queued
// candidates for the owner. Items that fail to write stay queued for the
// next pass; the content-derived candidate id makes retries idempotent.
func (s *Scheduler) DrainBatch(ctx context.Context, owner string) (*DrainReport, error) {
	items, err := s.queue.Peek(ctx, owner, s.cfg.DrainBatchSize)
	if err != nil {
		return nil, fmt.Errorf("peeking queue: %w", err)
	}

	report := &DrainReport{}
	var done, failed []string

	for _, item := range items {
		report.Processed++
		cand := item.Candidate

		if cand.RelationType == RawObservationRelation {
			settled, err := s.drainRaw(ctx, owner, cand, report)
			if err != nil {
				s.logger.Warn("re-extracting raw observation failed",
					zap.String("owner", owner),
					zap.String("candidate_id", cand.ID),
					zap.Error(err),
				)
			}
			if settled {
				done = append(done, cand.ID)
			} else {
				failed = append(failed, cand.ID)
				report.Requeued++
			}
			continue
		}

		result, err := s.classifier.Classify(ctx, owner, cand)
		if err != nil {
			if errors.Is(err, graph.ErrValidation) {
				// Malformed payloads can never succeed; drop with a record.
				s.record(ctx, &audit.Record{
					Owner:       owner,
					Actor:       "drain",
					ChangeType:  audit.ChangeDiscard,
					CandidateID: cand.ID,
					Reason:      fmt.Sprintf("invalid queued candidate: %v", err),
				})
				done = append(done, cand.ID)
				report.Discarded++
				continue
			}
			s.logger.Warn("re-classifying queued candidate failed",
				zap.String("owner", owner),
				zap.String("candidate_id", cand.ID),
				zap.Error(err),
			)
			failed = append(failed, cand.ID)
			report.Requeued++
			continue
		}

		if result.Disposition == novelty.DispositionDiscard {
			s.record(ctx, &audit.Record{
				Owner:       owner,
				Actor:       "drain",
				ChangeType:  audit.ChangeDiscard,
				CandidateID: cand.ID,
				Score:       result.Score,
				Reason:      result.Reason,
			})
			done = append(done, cand.ID)
			report.Discarded++
			continue
		}

		edge, err := s.applyWrite(ctx, owner, cand, result)
		switch {
		case err == nil:
			s.record(ctx, &audit.Record{
				Owner:       owner,
				Actor:       "drain",
				ChangeType:  audit.ChangeDrain,
				EdgeID:      edge.ID,
				CandidateID: cand.ID,
				Score:       result.Score,
				Reason:      result.Reason,
			})
			done = append(done, cand.ID)
			report.Written++
		case errors.Is(err, graph.ErrConflict):
			// A concurrent writer already holds the key; the candidate's
			// content either landed or was contradicted. Settled either way.
			s.record(ctx, &audit.Record{
				Owner:       owner,
				Actor:       "drain",
				ChangeType:  audit.ChangeDiscard,
				CandidateID: cand.ID,
				Score:       result.Score,
				Reason:      "superseded before drain",
			})
			done = append(done, cand.ID)
			report.Discarded++
		default:
			s.logger.Warn("draining queued candidate failed",
				zap.String("owner", owner),
				zap.String("candidate_id", cand.ID),
				zap.Error(err),
			)
			failed = append(failed, cand.ID)
			report.Requeued++
		}
	}

	if err := s.queue.Ack(ctx, owner, done); err != nil {
		return report, fmt.Errorf("acking drained items: %w", err)
	}
	if err := s.queue.Nack(ctx, owner, failed); err != nil {
		return report, fmt.Errorf("nacking failed items: %w", err)
	}
	return report, nil
}

// drainRaw re-extracts a parked utterance and feeds the resulting candidates
// back through classification. Returns false when extraction is still down
// and the item should stay queued.
func (s *Scheduler) drainRaw(ctx context.Context, owner string, cand *graph.CandidateFact, report *DrainReport) (bool, error) {
	if s.extractor == nil {
		return false, nil
	}

	extracted, err := s.extractor.ExtractTriples(ctx, owner, cand.RawText, cand.SourceRef)
	if err != nil {
		if errors.Is(err, extraction.ErrUnavailable) {
			return false, nil
		}
		return false, err
	}

	for _, next := range extracted {
		result, err := s.classifier.Classify(ctx, owner, next)
		if err != nil {
			return false, err
		}
		if result.Disposition == novelty.DispositionDiscard {
			s.record(ctx, &audit.Record{
				Owner:       owner,
				Actor:       "drain",
				ChangeType:  audit.ChangeDiscard,
				CandidateID: next.ID,
				Score:       result.Score,
				Reason:      result.Reason,
			})
			report.Discarded++
			continue
		}
		edge, err := s.applyWrite(ctx, owner, next, result)
		if err != nil {
			if errors.Is(err, graph.ErrConflict) {
				report.Discarded++
				continue
			}
			return false, err
		}
		s.record(ctx, &audit.Record{
			Owner:       owner,
			Actor:       "drain",
			ChangeType:  audit.ChangeDrain,
			EdgeID:      edge.ID,
			CandidateID: next.ID,
			Score:       result.Score,
			Reason:      result.Reason,
		})
		report.Written++
	}
	return true, nil
}

// Owners returns the partitions this scheduler has seen traffic for.
func (s *Scheduler) Owners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make([]string, 0, len(s.owners))
	for owner := range s.owners {
		owners = append(owners, owner)
	}
	return owners
}

func (s *Scheduler) trackOwner(owner string) {
	s.mu.Lock()
	s.owners[owner] = struct{}{}
	s.mu.Unlock()
}

// RebuildIndex repopulates an empty vector index from the graph: every
// entity label and every current edge's source text is re-embedded and
// re-added. This recovers documents lost to best-effort indexing failures
// and primes a fresh index file at cold start. A non-empty index is left
// alone.
func (s *Scheduler) RebuildIndex(ctx context.Context) error {
	if s.vectors == nil {
		return nil
	}

	n, err := s.vectors.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting index documents: %w", err)
	}
	if n > 0 {
		return nil
	}

	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("listing owners: %w", err)
	}

	var entities, facts int
	for _, owner := range owners {
		s.trackOwner(owner)
		err := s.store.Snapshot(ctx, owner, func(item graph.SnapshotItem) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch {
			case item.Entity != nil:
				s.indexEntity(ctx, item.Entity)
				entities++
			case item.Relation != nil && item.Relation.Current():
				s.indexFact(ctx, item.Relation, nil)
				facts++
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuilding index for owner %s: %w", owner, err)
		}
	}

	if entities+facts > 0 {
		s.logger.Info("rebuilt vector index from graph",
			zap.Int("owners", len(owners)),
			zap.Int("entities", entities),
			zap.Int("facts", facts),
		)
	}
	return nil
}

// indexFact embeds the fact's source text into the vector index. Indexing is
// best-effort; the cold-start RebuildIndex pass recovers missed documents.
func (s *Scheduler) indexFact(ctx context.Context, rel *graph.Relation, cand *graph.CandidateFact) {
	if s.vectors == nil || rel.SourceText == "" {
		return
	}

	var emb []float32
	if cand != nil {
		emb = cand.Embedding
	}
	if len(emb) == 0 && s.embedder != nil {
		var err error
		emb, err = s.embedder.Embed(ctx, rel.SourceText)
		if err != nil {
			s.logger.Warn("embedding fact for indexing failed",
				zap.String("edge_id", rel.ID), zap.Error(err))
			return
		}
	}
	if len(emb) == 0 {
		return
	}

	err := s.vectors.Add(ctx, []vector.Document{{
		ID:        rel.ID,
		Owner:     rel.Owner,
		Kind:      vector.KindFact,
		Text:      rel.SourceText,
		Embedding: emb,
	}})
	if err != nil {
		s.logger.Warn("indexing fact failed",
			zap.String("edge_id", rel.ID), zap.Error(err))
	}
}

func (s *Scheduler) indexEntity(ctx context.Context, entity *graph.Entity) {
	if s.vectors == nil || s.embedder == nil {
		return
	}

	emb, err := s.embedder.Embed(ctx, entity.Label)
	if err != nil {
		s.logger.Warn("embedding entity label failed",
			zap.String("entity_id", entity.ID), zap.Error(err))
		return
	}

	err = s.vectors.Add(ctx, []vector.Document{{
		ID:        entity.ID,
		Owner:     entity.Owner,
		Kind:      vector.KindEntity,
		Text:      entity.Label,
		Embedding: emb,
	}})
	if err != nil {
		s.logger.Warn("indexing entity failed",
			zap.String("entity_id", entity.ID), zap.Error(err))
	}
}

// record appends to the audit log and fans out to the publisher. Audit
// failures are logged, never propagated into the write path.
func (s *Scheduler) record(ctx context.Context, rec *audit.Record) {
	if err := s.auditLog.Append(ctx, rec); err != nil {
		s.logger.Error("appending audit record failed",
			zap.String("owner", rec.Owner),
			zap.String("change_type", string(rec.ChangeType)),
			zap.Error(err),
		)
		return
	}
	if err := s.publisher.Publish(ctx, rec); err != nil {
		s.logger.Warn("publishing audit record failed", zap.Error(err))
	}
}

func supersededID(result *novelty.Result) string {
	if result.MatchedEdge != nil {
		return result.MatchedEdge.ID
	}
	return ""
}

func isLiteral(objectType string) bool {
	return strings.EqualFold(objectType, "literal")
}
