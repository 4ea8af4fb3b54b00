package recall_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/graph"
	graphinmemory "github.com/engramdev/engram/pkg/graph/inmemory"
	"github.com/engramdev/engram/pkg/recall"
	testutils "github.com/engramdev/engram/pkg/utils/test"
	"github.com/engramdev/engram/pkg/vector"
	vectorinmemory "github.com/engramdev/engram/pkg/vector/inmemory"
)

const owner = "alice"

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		store     *graphinmemory.Store
		vectors   *vectorinmemory.Driver
		embedder  *testutils.MockEmbedder
		extractor *testutils.MockExtractor
		engine    *recall.Engine
	)

	newEngine := func(cfg recall.Config) *recall.Engine {
		return recall.NewEngine(store, vectors, embedder, extractor, cfg, zap.NewNop())
	}

	writeEdge := func(edgeOwner string, source, target *graph.Entity, relType, text string) *graph.Relation {
		written, err := store.WriteFact(ctx, edgeOwner, &graph.Relation{
			Owner:      edgeOwner,
			Type:       relType,
			SourceID:   source.ID,
			TargetID:   target.ID,
			SourceText: text,
		}, "")
		Expect(err).NotTo(HaveOccurred())
		return written
	}

	indexFact := func(edge *graph.Relation) {
		emb, err := embedder.Embed(ctx, edge.SourceText)
		Expect(err).NotTo(HaveOccurred())
		Expect(vectors.Add(ctx, []vector.Document{{
			ID:        edge.ID,
			Owner:     edge.Owner,
			Kind:      vector.KindFact,
			Text:      edge.SourceText,
			Embedding: emb,
		}})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = graphinmemory.NewStore()
		vectors = vectorinmemory.NewDriver()
		embedder = testutils.NewMockEmbedder()
		extractor = testutils.NewMockExtractor()

		cfg := recall.DefaultConfig()
		cfg.SubSearchTimeout = time.Second
		engine = newEngine(cfg)
	})

	It("merges the three paths and deduplicates by edge", func() {
		alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
		Expect(err).NotTo(HaveOccurred())
		fido, err := store.UpsertEntity(ctx, owner, "pet", "Fido")
		Expect(err).NotTo(HaveOccurred())

		edge := writeEdge(owner, alice, fido, "owns", "Alice owns Fido")
		indexFact(edge)
		extractor.Mentions["who owns Fido"] = []string{"Fido"}

		facts, err := engine.Recall(ctx, owner, "who owns Fido", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Edge.ID).To(Equal(edge.ID))
		// All three sub-searches surfaced the same edge.
		Expect(facts[0].Paths).To(ConsistOf("graph", "vector", "keyword"))
		Expect(facts[0].Score).To(BeNumerically(">", 0.5))
	})

	It("ranks graph-anchored facts above keyword-only ones", func() {
		alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
		Expect(err).NotTo(HaveOccurred())
		fido, err := store.UpsertEntity(ctx, owner, "pet", "Fido")
		Expect(err).NotTo(HaveOccurred())
		bob, err := store.UpsertEntity(ctx, owner, "person", "Bob")
		Expect(err).NotTo(HaveOccurred())
		rex, err := store.UpsertEntity(ctx, owner, "pet", "Rex")
		Expect(err).NotTo(HaveOccurred())

		anchored := writeEdge(owner, alice, fido, "owns", "Alice owns Fido")
		writeEdge(owner, bob, rex, "owns", "Bob owns Rex")
		extractor.Mentions["tell me about Alice"] = []string{"Alice"}

		facts, err := engine.Recall(ctx, owner, "tell me about Alice", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).NotTo(BeEmpty())
		Expect(facts[0].Edge.ID).To(Equal(anchored.ID))
	})

	It("includes the shared global partition", func() {
		sun, err := store.UpsertEntity(ctx, graph.GlobalOwner, "thing", "the sun")
		Expect(err).NotTo(HaveOccurred())
		east, err := store.UpsertEntity(ctx, graph.GlobalOwner, "place", "the east")
		Expect(err).NotTo(HaveOccurred())

		writeEdge(graph.GlobalOwner, sun, east, "related_to", "the sun rises in the east")

		facts, err := engine.Recall(ctx, owner, "sun rises", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Edge.Owner).To(Equal(graph.GlobalOwner))
	})

	It("excludes superseded edges from the vector path", func() {
		alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
		Expect(err).NotTo(HaveOccurred())
		paris, err := store.UpsertEntity(ctx, owner, "place", "Paris")
		Expect(err).NotTo(HaveOccurred())
		lyon, err := store.UpsertEntity(ctx, owner, "place", "Lyon")
		Expect(err).NotTo(HaveOccurred())

		old := writeEdge(owner, alice, paris, "lives_in", "Alice lives in Paris")
		indexFact(old)
		replacement, err := store.WriteFact(ctx, owner, &graph.Relation{
			Owner:      owner,
			Type:       "lives_in",
			SourceID:   alice.ID,
			TargetID:   lyon.ID,
			SourceText: "Alice lives in Lyon",
		}, old.ID)
		Expect(err).NotTo(HaveOccurred())
		indexFact(replacement)

		facts, err := engine.Recall(ctx, owner, "where does Alice live", 10)
		Expect(err).NotTo(HaveOccurred())
		for _, fact := range facts {
			Expect(fact.Edge.ID).NotTo(Equal(old.ID))
		}
	})

	It("returns partial results when a sub-search cannot run", func() {
		alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
		Expect(err).NotTo(HaveOccurred())
		fido, err := store.UpsertEntity(ctx, owner, "pet", "Fido")
		Expect(err).NotTo(HaveOccurred())
		writeEdge(owner, alice, fido, "owns", "Alice owns Fido")

		extractor.Unavailable = true
		embedder.Unavailable = true

		facts, err := engine.Recall(ctx, owner, "Alice owns", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Paths).To(ConsistOf("keyword"))
	})

	Describe("RecallAsOf", func() {
		It("reconstructs the historical view", func() {
			alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())
			paris, err := store.UpsertEntity(ctx, owner, "place", "Paris")
			Expect(err).NotTo(HaveOccurred())
			lyon, err := store.UpsertEntity(ctx, owner, "place", "Lyon")
			Expect(err).NotTo(HaveOccurred())

			old := writeEdge(owner, alice, paris, "lives_in", "Alice lives in Paris")

			time.Sleep(10 * time.Millisecond)
			between := time.Now().UTC()
			time.Sleep(10 * time.Millisecond)

			_, err = store.WriteFact(ctx, owner, &graph.Relation{
				Owner:      owner,
				Type:       "lives_in",
				SourceID:   alice.ID,
				TargetID:   lyon.ID,
				SourceText: "Alice lives in Lyon",
			}, old.ID)
			Expect(err).NotTo(HaveOccurred())

			past, err := engine.RecallAsOf(ctx, owner, "Alice", between)
			Expect(err).NotTo(HaveOccurred())
			Expect(past).To(HaveLen(1))
			Expect(past[0].ID).To(Equal(old.ID))
		})

		It("returns NotFoundError for unknown entities", func() {
			_, err := engine.RecallAsOf(ctx, owner, "nobody", time.Now())
			Expect(graph.IsNotFound(err)).To(BeTrue())
		})
	})
})
