// Package recall implements hybrid retrieval over the temporal graph: a
// graph-walk path, a vector-similarity path and a keyword path run
// concurrently and their results are merged into one ranked list.
package recall

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/embeddings"
	"github.com/engramdev/engram/pkg/extraction"
	"github.com/engramdev/engram/pkg/graph"
	"github.com/engramdev/engram/pkg/vector"
)

// Config holds the retrieval tunables.
type Config struct {
	// HopRadius bounds the graph walk around each mentioned entity.
	HopRadius int

	// TopK caps each sub-search's result count before merging.
	TopK int

	// SubSearchTimeout bounds each path; a path that misses the deadline
	// contributes nothing rather than stalling the whole query.
	SubSearchTimeout time.Duration

	// GraphWeight, VectorWeight and KeywordWeight blend the path scores.
	GraphWeight   float64
	VectorWeight  float64
	KeywordWeight float64
}

// DefaultConfig returns the default retrieval tunables.
func DefaultConfig() Config {
	return Config{
		HopRadius:        1,
		TopK:             10,
		SubSearchTimeout: 30 * time.Millisecond,
		GraphWeight:      0.5,
		VectorWeight:     0.35,
		KeywordWeight:    0.15,
	}
}

// Fact is one ranked recall result.
type Fact struct {
	Edge  *graph.Relation `json:"edge"`
	Score float64         `json:"score"`

	// Paths names the sub-searches that surfaced the edge.
	Paths []string `json:"paths"`
}

// Engine runs hybrid retrieval across the owner's partition and the shared
// global partition.
type Engine struct {
	store     graph.Store
	vectors   vector.Driver
	embedder  embeddings.Embedder
	extractor extraction.Extractor
	cfg       Config
	logger    *zap.Logger
}

// NewEngine creates a recall engine.
func NewEngine(
	store graph.Store,
	vectors vector.Driver,
	embedder embeddings.Embedder,
	extractor extraction.Extractor,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.HopRadius <= 0 {
		cfg.HopRadius = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.SubSearchTimeout <= 0 {
		cfg.SubSearchTimeout = 30 * time.Millisecond
	}
	return &Engine{
		store:     store,
		vectors:   vectors,
		embedder:  embedder,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// pathHit is one sub-search's vote for an edge.
type pathHit struct {
	edge  *graph.Relation
	score float64
	path  string
}

// Recall runs the three sub-searches concurrently and merges their hits.
// Sub-search failures and timeouts degrade the result set, they never fail
// the query. Only current edges are returned.
func (e *Engine) Recall(ctx context.Context, owner, query string, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = e.cfg.TopK
	}

	partitions := []string{owner}
	if owner != graph.GlobalOwner {
		partitions = append(partitions, graph.GlobalOwner)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		hits []pathHit
	)

	run := func(name string, search func(context.Context) ([]pathHit, error)) {
		defer wg.Done()

		subCtx, cancel := context.WithTimeout(ctx, e.cfg.SubSearchTimeout)
		defer cancel()

		found, err := search(subCtx)
		if err != nil {
			e.logger.Warn("recall sub-search failed",
				zap.String("path", name),
				zap.String("owner", owner),
				zap.Error(err),
			)
			return
		}
		mu.Lock()
		hits = append(hits, found...)
		mu.Unlock()
	}

	wg.Add(3)
	go run("graph", func(ctx context.Context) ([]pathHit, error) {
		return e.graphSearch(ctx, partitions, query)
	})
	go run("vector", func(ctx context.Context) ([]pathHit, error) {
		return e.vectorSearch(ctx, partitions, query)
	})
	go run("keyword", func(ctx context.Context) ([]pathHit, error) {
		return e.keywordSearch(ctx, partitions, query)
	})
	wg.Wait()

	facts := e.merge(hits)
	if len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

// graphSearch walks the neighborhood of every entity mentioned in the query.
func (e *Engine) graphSearch(ctx context.Context, partitions []string, query string) ([]pathHit, error) {
	if e.extractor == nil {
		return nil, nil
	}

	mentions, err := e.extractor.ExtractMentions(ctx, query)
	if err != nil {
		return nil, err
	}

	var hits []pathHit
	for _, partition := range partitions {
		for _, mention := range mentions {
			entity, err := e.store.FindEntityByLabel(ctx, partition, mention)
			if err != nil {
				if graph.IsNotFound(err) {
					continue
				}
				return hits, err
			}

			edges, err := e.store.Neighborhood(ctx, partition, entity.ID, e.cfg.HopRadius)
			if err != nil {
				return hits, err
			}
			for _, edge := range edges {
				hits = append(hits, pathHit{edge: edge, score: 1.0, path: "graph"})
			}
		}
	}
	return hits, nil
}

// vectorSearch embeds the query and hydrates the nearest fact documents back
// into edges, skipping any that have since been superseded.
func (e *Engine) vectorSearch(ctx context.Context, partitions []string, query string) ([]pathHit, error) {
	if e.embedder == nil || e.vectors == nil {
		return nil, nil
	}

	emb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var hits []pathHit
	for _, partition := range partitions {
		results, err := e.vectors.Query(ctx, partition, vector.KindFact, emb, e.cfg.TopK)
		if err != nil {
			return hits, err
		}
		for _, result := range results {
			edge, err := e.store.GetEdge(ctx, partition, result.ID)
			if err != nil {
				if graph.IsNotFound(err) {
					continue
				}
				return hits, err
			}
			if !edge.Current() {
				continue
			}
			hits = append(hits, pathHit{edge: edge, score: float64(result.Score), path: "vector"})
		}
	}
	return hits, nil
}

// keywordSearch runs full-text search over stored source text. Scores decay
// with rank since the store only guarantees best-first ordering.
func (e *Engine) keywordSearch(ctx context.Context, partitions []string, query string) ([]pathHit, error) {
	var hits []pathHit
	for _, partition := range partitions {
		edges, err := e.store.SearchText(ctx, partition, query, e.cfg.TopK)
		if err != nil {
			return hits, err
		}
		for i, edge := range edges {
			hits = append(hits, pathHit{edge: edge, score: 1.0 / float64(1+i), path: "keyword"})
		}
	}
	return hits, nil
}

// merge deduplicates hits by edge id, blends the per-path scores and sorts
// best first. The blend is order-independent: each path contributes its best
// score once, so shuffling the input hits cannot change the ranking.
func (e *Engine) merge(hits []pathHit) []*Fact {
	type accum struct {
		edge   *graph.Relation
		scores map[string]float64
	}

	byEdge := make(map[string]*accum)
	for _, hit := range hits {
		acc, ok := byEdge[hit.edge.ID]
		if !ok {
			acc = &accum{edge: hit.edge, scores: make(map[string]float64)}
			byEdge[hit.edge.ID] = acc
		}
		if hit.score > acc.scores[hit.path] {
			acc.scores[hit.path] = hit.score
		}
	}

	facts := make([]*Fact, 0, len(byEdge))
	for _, acc := range byEdge {
		fact := &Fact{Edge: acc.edge}
		fact.Score = acc.scores["graph"]*e.cfg.GraphWeight +
			acc.scores["vector"]*e.cfg.VectorWeight +
			acc.scores["keyword"]*e.cfg.KeywordWeight
		for _, path := range []string{"graph", "vector", "keyword"} {
			if _, ok := acc.scores[path]; ok {
				fact.Paths = append(fact.Paths, path)
			}
		}
		facts = append(facts, fact)
	}

	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Score != facts[j].Score {
			return facts[i].Score > facts[j].Score
		}
		if !facts[i].Edge.ValidFrom.Equal(facts[j].Edge.ValidFrom) {
			return facts[i].Edge.ValidFrom.After(facts[j].Edge.ValidFrom)
		}
		return facts[i].Edge.ID < facts[j].Edge.ID
	})
	return facts
}

// RecallAsOf returns the edges that were believed true for the entity at ts,
// reconstructing the point-in-time view from edge validity intervals.
func (e *Engine) RecallAsOf(ctx context.Context, owner, entityLabel string, ts time.Time) ([]*graph.Relation, error) {
	entity, err := e.store.FindEntityByLabel(ctx, owner, entityLabel)
	if err != nil {
		return nil, err
	}
	return e.store.GetAsOf(ctx, owner, entity.ID, ts)
}
