package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/audit"
	auditinmemory "github.com/engramdev/engram/pkg/audit/inmemory"
	"github.com/engramdev/engram/pkg/graph"
	graphinmemory "github.com/engramdev/engram/pkg/graph/inmemory"
	"github.com/engramdev/engram/pkg/novelty"
	queueinmemory "github.com/engramdev/engram/pkg/queue/inmemory"
	"github.com/engramdev/engram/pkg/scheduler"
	testutils "github.com/engramdev/engram/pkg/utils/test"
	"github.com/engramdev/engram/pkg/vector"
	vectorinmemory "github.com/engramdev/engram/pkg/vector/inmemory"
)

const owner = "alice"

// flakyStore fails WriteFact a configured number of times before delegating,
// simulating transient storage trouble.
type flakyStore struct {
	graph.Store

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) WriteFact(ctx context.Context, owner string, rel *graph.Relation, supersedes string) (*graph.Relation, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()

	if fail {
		return nil, errors.New("storage hiccup")
	}
	return f.Store.WriteFact(ctx, owner, rel, supersedes)
}

var _ = Describe("Scheduler", func() {
	var (
		ctx        context.Context
		store      *graphinmemory.Store
		flaky      *flakyStore
		vectors    *vectorinmemory.Driver
		embedder   *testutils.MockEmbedder
		extractor  *testutils.MockExtractor
		q          *queueinmemory.Queue
		auditLog   *auditinmemory.Log
		classifier *novelty.Classifier
		sched      *scheduler.Scheduler
	)

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

	changeTypes := func() []audit.ChangeType {
		records, err := auditLog.List(ctx, owner, 100)
		Expect(err).NotTo(HaveOccurred())
		types := make([]audit.ChangeType, len(records))
		for i, rec := range records {
			types[i] = rec.ChangeType
		}
		return types
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = graphinmemory.NewStore()
		flaky = &flakyStore{Store: store}
		vectors = vectorinmemory.NewDriver()
		embedder = testutils.NewMockEmbedder()
		extractor = testutils.NewMockExtractor()
		q = queueinmemory.NewQueue()
		auditLog = auditinmemory.NewLog()
		registry := graph.NewRegistry()

		classifier = novelty.NewClassifier(flaky, vectors, embedder, registry, novelty.DefaultConfig(), zap.NewNop())
		sched = scheduler.NewScheduler(flaky, vectors, embedder, q, classifier, extractor, auditLog, audit.NopPublisher{}, scheduler.Config{
			MaxWriteAttempts: 3,
			RetryBaseDelay:   time.Millisecond,
			DrainBatchSize:   10,
		}, zap.NewNop())
	})

	Describe("Submit immediate", func() {
		It("writes the fact synchronously and makes it visible", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Disposition).To(Equal(novelty.DispositionImmediate))

			outcome, err := sched.Submit(ctx, owner, cand, result)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Edge).NotTo(BeNil())

			edge, err := store.GetEdge(ctx, owner, outcome.Edge.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(edge.Current()).To(BeTrue())
			Expect(changeTypes()).To(ContainElement(audit.ChangeCreate))
		})

		It("supersedes the contradicted edge atomically", func() {
			cand := candidate("my dog", "named", "Fido", "My dog is named Fido")
			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			first, err := sched.Submit(ctx, owner, cand, result)
			Expect(err).NotTo(HaveOccurred())

			update := candidate("my dog", "named", "Rex", "Actually, my dog is named Rex")
			result, err = classifier.Classify(ctx, owner, update)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.MatchedEdge).NotTo(BeNil())

			outcome, err := sched.Submit(ctx, owner, update, result)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Superseded).To(Equal(first.Edge.ID))

			old, err := store.GetEdge(ctx, owner, first.Edge.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(old.Current()).To(BeFalse())
			Expect(changeTypes()).To(ContainElements(audit.ChangeUpdate, audit.ChangeExpire))
		})

		It("indexes the written fact and its entities", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())
			cand.Embedding, err = embedder.Embed(ctx, cand.RawText)
			Expect(err).NotTo(HaveOccurred())

			_, err = sched.Submit(ctx, owner, cand, result)
			Expect(err).NotTo(HaveOccurred())

			// Fact document plus subject and object entity documents.
			n, err := vectors.Count(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
		})

		It("retries transient write failures", func() {
			flaky.failures = 2

			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())

			outcome, err := sched.Submit(ctx, owner, cand, result)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Downgraded).To(BeFalse())
			Expect(outcome.Edge).NotTo(BeNil())
		})

		It("downgrades to the queue when retries are exhausted", func() {
			flaky.failures = 100

			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			result, err := classifier.Classify(ctx, owner, cand)
			Expect(err).NotTo(HaveOccurred())

			outcome, err := sched.Submit(ctx, owner, cand, result)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Downgraded).To(BeTrue())
			Expect(outcome.Disposition).To(Equal(novelty.DispositionDeferred))

			n, err := q.Len(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(changeTypes()).To(ContainElement(audit.ChangeDowngrade))
		})
	})

	Describe("Submit deferred and discard", func() {
		It("enqueues deferred candidates durably", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			result := &novelty.Result{Score: 0.4, Disposition: novelty.DispositionDeferred}

			outcome, err := sched.Submit(ctx, owner, cand, result)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Disposition).To(Equal(novelty.DispositionDeferred))

			n, err := q.Len(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(changeTypes()).To(ContainElement(audit.ChangeEnqueue))
		})

		It("leaves only an audit record for discards", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			result := &novelty.Result{Score: 0, Disposition: novelty.DispositionDiscard, Reason: "repetition"}

			_, err := sched.Submit(ctx, owner, cand, result)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.EdgeCount(owner)).To(BeZero())
			Expect(changeTypes()).To(ContainElement(audit.ChangeDiscard))
		})
	})

	Describe("DrainBatch", func() {
		It("re-classifies and writes queued candidates", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			_, err := sched.Submit(ctx, owner, cand, &novelty.Result{Score: 0.4, Disposition: novelty.DispositionDeferred})
			Expect(err).NotTo(HaveOccurred())

			report, err := sched.DrainBatch(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Processed).To(Equal(1))
			Expect(report.Written).To(Equal(1))

			n, err := q.Len(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			Expect(store.EdgeCount(owner)).To(Equal(1))
			Expect(changeTypes()).To(ContainElement(audit.ChangeDrain))
		})

		It("is idempotent on re-enqueued candidates", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			_, err := sched.Submit(ctx, owner, cand, &novelty.Result{Score: 0.4, Disposition: novelty.DispositionDeferred})
			Expect(err).NotTo(HaveOccurred())

			_, err = sched.DrainBatch(ctx, owner)
			Expect(err).NotTo(HaveOccurred())

			// Same content arrives again: classification sees repetition.
			_, err = sched.Submit(ctx, owner, cand, &novelty.Result{Score: 0.4, Disposition: novelty.DispositionDeferred})
			Expect(err).NotTo(HaveOccurred())
			report, err := sched.DrainBatch(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Discarded).To(Equal(1))
			Expect(store.EdgeCount(owner)).To(Equal(1))
		})

		It("requeues candidates that fail to write", func() {
			cand := candidate("Alice", "owns", "Fido", "Alice owns Fido")
			_, err := sched.Submit(ctx, owner, cand, &novelty.Result{Score: 0.4, Disposition: novelty.DispositionDeferred})
			Expect(err).NotTo(HaveOccurred())

			flaky.failures = 100
			report, err := sched.DrainBatch(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Requeued).To(Equal(1))

			items, err := q.Peek(ctx, owner, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Attempts).To(Equal(1))
		})

		It("re-extracts parked raw observations", func() {
			raw := &graph.CandidateFact{
				ID:           graph.CandidateID(owner, "utterance", scheduler.RawObservationRelation, "", "Alice owns Fido"),
				Owner:        owner,
				SubjectRef:   "Alice owns Fido",
				RelationType: scheduler.RawObservationRelation,
				ObjectRef:    "Alice owns Fido",
				ObjectType:   "literal",
				RawText:      "Alice owns Fido",
			}
			_, err := sched.Submit(ctx, owner, raw, &novelty.Result{Score: 1.0, Disposition: novelty.DispositionDeferred})
			Expect(err).NotTo(HaveOccurred())

			extractor.Triples["Alice owns Fido"] = []testutils.Triple{
				{Subject: "Alice", SubjectType: "person", RelationType: "owns", Object: "Fido", ObjectType: "pet"},
			}

			report, err := sched.DrainBatch(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Written).To(Equal(1))
			Expect(store.EdgeCount(owner)).To(Equal(1))

			n, err := q.Len(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("keeps raw observations queued while extraction is down", func() {
			raw := &graph.CandidateFact{
				ID:           graph.CandidateID(owner, "utterance", scheduler.RawObservationRelation, "", "Alice owns Fido"),
				Owner:        owner,
				SubjectRef:   "Alice owns Fido",
				RelationType: scheduler.RawObservationRelation,
				ObjectRef:    "Alice owns Fido",
				ObjectType:   "literal",
				RawText:      "Alice owns Fido",
			}
			_, err := sched.Submit(ctx, owner, raw, &novelty.Result{Score: 1.0, Disposition: novelty.DispositionDeferred})
			Expect(err).NotTo(HaveOccurred())

			extractor.Unavailable = true

			report, err := sched.DrainBatch(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Requeued).To(Equal(1))

			n, err := q.Len(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("RebuildIndex", func() {
		var alice, paris, lyon *graph.Entity

		BeforeEach(func() {
			var err error
			alice, err = store.UpsertEntity(ctx, owner, "person", "Alice")
			Expect(err).NotTo(HaveOccurred())
			paris, err = store.UpsertEntity(ctx, owner, "place", "Paris")
			Expect(err).NotTo(HaveOccurred())
			lyon, err = store.UpsertEntity(ctx, owner, "place", "Lyon")
			Expect(err).NotTo(HaveOccurred())

			old, err := store.WriteFact(ctx, owner, &graph.Relation{
				Owner:      owner,
				Type:       "lives_in",
				SourceID:   alice.ID,
				TargetID:   paris.ID,
				SourceText: "Alice lives in Paris",
			}, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.WriteFact(ctx, owner, &graph.Relation{
				Owner:      owner,
				Type:       "lives_in",
				SourceID:   alice.ID,
				TargetID:   lyon.ID,
				SourceText: "Alice lives in Lyon",
			}, old.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("repopulates an empty index from the graph", func() {
			n, err := vectors.Count(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(0))

			Expect(sched.RebuildIndex(ctx)).To(Succeed())

			// Three entity documents plus the one current fact; the
			// superseded edge is not re-indexed.
			n, err = vectors.Count(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(4))

			emb, err := embedder.Embed(ctx, "Alice lives in Lyon")
			Expect(err).NotTo(HaveOccurred())
			results, err := vectors.Query(ctx, owner, vector.KindFact, emb, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).NotTo(BeEmpty())
		})

		It("leaves a populated index untouched", func() {
			emb, err := embedder.Embed(ctx, "Alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(vectors.Add(ctx, []vector.Document{{
				ID:        alice.ID,
				Owner:     owner,
				Kind:      vector.KindEntity,
				Text:      "Alice",
				Embedding: emb,
			}})).To(Succeed())

			Expect(sched.RebuildIndex(ctx)).To(Succeed())

			n, err := vectors.Count(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})
})
