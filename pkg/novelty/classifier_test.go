package novelty_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/graph"
	graphinmemory "github.com/engramdev/engram/pkg/graph/inmemory"
	"github.com/engramdev/engram/pkg/novelty"
	testutils "github.com/engramdev/engram/pkg/utils/test"
	"github.com/engramdev/engram/pkg/vector"
	vectorinmemory "github.com/engramdev/engram/pkg/vector/inmemory"
)

const owner = "alice"

var _ = Describe("Classifier", func() {
	var (
		ctx        context.Context
		store      *graphinmemory.Store
		vectors    *vectorinmemory.Driver
		embedder   *testutils.MockEmbedder
		registry   *graph.Registry
		classifier *novelty.Classifier
	)

	embed := func(text string) []float32 {
		emb, err := embedder.Embed(ctx, text)
		Expect(err).NotTo(HaveOccurred())
		return emb
	}

	candidate := func(subject, relation, object, text string) *graph.CandidateFact {
		return &graph.CandidateFact{
			ID:           graph.CandidateID(owner, subject, relation, object, text),
			Owner:        owner,
			SubjectRef:   subject,
			SubjectType:  "person",
			RelationType: relation,
			ObjectRef:    object,
			ObjectType:   "pet",
			RawText:      text,
		}
	}

	writeEdge := func(source, target *graph.Entity, relType, text string) *graph.Relation {
		written, err := store.WriteFact(ctx, owner, &graph.Relation{
			Owner:      owner,
			Type:       relType,
			SourceID:   source.ID,
			TargetID:   target.ID,
			SourceText: text,
		}, "")
		Expect(err).NotTo(HaveOccurred())
		return written
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = graphinmemory.NewStore()
		vectors = vectorinmemory.NewDriver()
		embedder = testutils.NewMockEmbedder()
		registry = graph.NewRegistry()
		classifier = novelty.NewClassifier(store, vectors, embedder, registry, novelty.DefaultConfig(), zap.NewNop())
	})

	It("rejects malformed candidates", func() {
		_, err := classifier.Classify(ctx, owner, &graph.CandidateFact{Owner: owner})
		Expect(err).To(MatchError(graph.ErrValidation))
	})

	Context("entity novelty", func() {
		It("routes facts about unknown entities to the immediate path", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice just got a dog called Fido")
			cand.Embedding = embed(cand.RawText)

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Score).To(Equal(1.0))
			Expect(result.Disposition).To(Equal(novelty.DispositionImmediate))
			Expect(result.Degraded).To(BeFalse())
		})

		It("resolves fuzzy entity references through the entity index", func() {
			barkley, err := store.UpsertEntity(ctx, owner, "pet", "Barkley")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())

			embedder.Embeddings["Barkley the dog"] = []float32{1, 0, 0}
			embedder.Embeddings["Barkley"] = []float32{1, 0, 0}
			err = vectors.Add(ctx, []vector.Document{{
				ID:        barkley.ID,
				Owner:     owner,
				Kind:      vector.KindEntity,
				Text:      "Barkley",
				Embedding: []float32{1, 0, 0},
			}})
			Expect(err).NotTo(HaveOccurred())

			cand := candidate("Alice", "owns", "Barkley the dog", "Alice owns Barkley the dog")
			cand.Embedding = embed(cand.RawText)

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Object).NotTo(BeNil())
			Expect(result.Object.ID).To(Equal(barkley.ID))
			Expect(result.Disposition).To(Equal(novelty.DispositionImmediate))
		})
	})

	Context("relation novelty", func() {
		It("scores a new relation between known entities as immediate", func() {
			_, err := store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.UpsertEntity(ctx, owner, "pet", "Fido")
			Expect(err).NotTo(HaveOccurred())

			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			cand.Embedding = embed(cand.RawText)

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Score).To(Equal(0.85))
			Expect(result.Disposition).To(Equal(novelty.DispositionImmediate))
			Expect(result.MatchedEdge).To(BeNil())
		})
	})

	Context("contradiction", func() {
		It("flags a functional relation pointing at a new object", func() {
			dog, err := store.UpsertEntity(ctx, owner, "pet", "my dog")
			Expect(err).NotTo(HaveOccurred())
			fido, err := store.UpsertEntity(ctx, owner, "pet", "Fido")
			Expect(err).NotTo(HaveOccurred())
			rex, err := store.UpsertEntity(ctx, owner, "pet", "Rex")
			Expect(err).NotTo(HaveOccurred())

			existing := writeEdge(dog, fido, "named", "My dog is named Fido")

			cand := candidate("my dog", "named", "Rex", "Actually, my dog is named Rex")
			cand.Embedding = embed(cand.RawText)

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Score).To(Equal(0.95))
			Expect(result.Disposition).To(Equal(novelty.DispositionImmediate))
			Expect(result.MatchedEdge).NotTo(BeNil())
			Expect(result.MatchedEdge.ID).To(Equal(existing.ID))
			Expect(result.Object.ID).To(Equal(rex.ID))
		})

		It("does not flag non-functional relations", func() {
			alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())
			fido, err := store.UpsertEntity(ctx, owner, "pet", "Fido")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.UpsertEntity(ctx, owner, "pet", "Rex")
			Expect(err).NotTo(HaveOccurred())

			writeEdge(alice, fido, "owns", "Alice owns Fido")

			cand := candidate("Alice", "owns", "Rex", "Alice also owns Rex")
			cand.Embedding = embed(cand.RawText)

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Score).To(Equal(0.85))
			Expect(result.MatchedEdge).To(BeNil())
		})
	})

	Context("semantic novelty", func() {
		var alice, fido *graph.Entity

		BeforeEach(func() {
			var err error
			alice, err = store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())
			fido, err = store.UpsertEntity(ctx, owner, "pet", "Fido")
			Expect(err).NotTo(HaveOccurred())
		})

		It("discards repetition of a current edge", func() {
			writeEdge(alice, fido, "owns", "Alice owns Fido")

			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			cand.Embedding = embed(cand.RawText)

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Score).To(Equal(0.0))
			Expect(result.Disposition).To(Equal(novelty.DispositionDiscard))
		})

		It("defers a rephrasing with low text similarity", func() {
			embedder.Embeddings["Alice owns Fido"] = []float32{1, 0, 0}
			embedder.Embeddings["Fido belongs to the one they call Alice"] = []float32{0, 1, 0}

			writeEdge(alice, fido, "owns", "Alice owns Fido")

			cand := candidate("Alice", "owns", "Fido", "Fido belongs to the one they call Alice")
			cand.Embedding = embed(cand.RawText)

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Score).To(Equal(0.4))
			Expect(result.Disposition).To(Equal(novelty.DispositionDeferred))
		})
	})

	Context("degraded embedding service", func() {
		It("defers unresolved entities instead of writing or dropping them", func() {
			embedder.Unavailable = true

			cand := candidate("Alice", "owns", "Fido", "Alice owns a dog named Fido")

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Disposition).To(Equal(novelty.DispositionDeferred))
			Expect(result.Degraded).To(BeTrue())
		})

		It("still discards verbatim repetition", func() {
			alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())
			fido, err := store.UpsertEntity(ctx, owner, "pet", "Fido")
			Expect(err).NotTo(HaveOccurred())
			writeEdge(alice, fido, "owns", "Alice owns Fido")

			embedder.Unavailable = true

			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Disposition).To(Equal(novelty.DispositionDiscard))
			Expect(result.Degraded).To(BeTrue())
		})

		It("defers non-verbatim repeats rather than discarding", func() {
			alice, err := store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())
			fido, err := store.UpsertEntity(ctx, owner, "pet", "Fido")
			Expect(err).NotTo(HaveOccurred())
			writeEdge(alice, fido, "owns", "Alice owns Fido")

			embedder.Unavailable = true

			cand := candidate("Alice", "owns", "Fido", "Fido is Alice's dog")

			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Disposition).To(Equal(novelty.DispositionDeferred))
			Expect(result.Degraded).To(BeTrue())
		})
	})
})
