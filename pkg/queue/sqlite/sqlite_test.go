package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/engramdev/engram/pkg/graph"
	"github.com/engramdev/engram/pkg/queue/sqlite"
)

const testOwner = "alice"

func queuedCandidate(text string) *graph.CandidateFact {
	return &graph.CandidateFact{
		ID:           graph.CandidateID(testOwner, "Alice", "owns", "Fido", text),
		Owner:        testOwner,
		SubjectRef:   "Alice",
		RelationType: "owns",
		ObjectRef:    "Fido",
		RawText:      text,
	}
}

var _ = Describe("SQLiteQueue", func() {
	var (
		q   *sqlite.Queue
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		q, err = sqlite.NewQueue(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if q != nil {
			q.Close()
		}
	})

	Describe("Enqueue", func() {
		It("stores the candidate", func() {
			Expect(q.Enqueue(ctx, queuedCandidate("Alice owns Fido"))).To(Succeed())

			n, err := q.Len(ctx, testOwner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})

		It("is idempotent on candidate id", func() {
			cand := queuedCandidate("Alice owns Fido")
			Expect(q.Enqueue(ctx, cand)).To(Succeed())
			Expect(q.Enqueue(ctx, cand)).To(Succeed())

			n, err := q.Len(ctx, testOwner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})

		It("rejects candidates without an id or owner", func() {
			err := q.Enqueue(ctx, &graph.CandidateFact{Owner: testOwner})
			Expect(err).To(MatchError(graph.ErrValidation))
		})
	})

	Describe("Peek", func() {
		It("returns items in enqueue order without removing them", func() {
			for i := 0; i < 3; i++ {
				Expect(q.Enqueue(ctx, queuedCandidate(fmt.Sprintf("fact %d", i)))).To(Succeed())
			}

			items, err := q.Peek(ctx, testOwner, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(3))

			again, err := q.Peek(ctx, testOwner, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(HaveLen(3))
			for i := range items {
				Expect(again[i].Candidate.ID).To(Equal(items[i].Candidate.ID))
			}
		})

		It("respects the batch limit", func() {
			for i := 0; i < 5; i++ {
				Expect(q.Enqueue(ctx, queuedCandidate(fmt.Sprintf("fact %d", i)))).To(Succeed())
			}

			items, err := q.Peek(ctx, testOwner, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(2))
		})

		It("scopes by owner", func() {
			Expect(q.Enqueue(ctx, queuedCandidate("Alice owns Fido"))).To(Succeed())

			items, err := q.Peek(ctx, "bob", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})
	})

	Describe("Ack and Nack", func() {
		It("removes acked items", func() {
			cand := queuedCandidate("Alice owns Fido")
			Expect(q.Enqueue(ctx, cand)).To(Succeed())
			Expect(q.Ack(ctx, testOwner, []string{cand.ID})).To(Succeed())

			n, err := q.Len(ctx, testOwner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("keeps nacked items and bumps attempts", func() {
			cand := queuedCandidate("Alice owns Fido")
			Expect(q.Enqueue(ctx, cand)).To(Succeed())
			Expect(q.Nack(ctx, testOwner, []string{cand.ID})).To(Succeed())

			items, err := q.Peek(ctx, testOwner, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Attempts).To(Equal(1))
		})
	})

	Describe("durability", func() {
		It("survives reopening the database", func() {
			tmpDir := GinkgoT().TempDir()
			dbPath := filepath.Join(tmpDir, "queue.db")

			first, err := sqlite.NewQueue(dbPath)
			Expect(err).NotTo(HaveOccurred())
			cand := queuedCandidate("Alice owns Fido")
			Expect(first.Enqueue(ctx, cand)).To(Succeed())
			Expect(first.Close()).To(Succeed())

			second, err := sqlite.NewQueue(dbPath)
			Expect(err).NotTo(HaveOccurred())
			defer second.Close()

			items, err := second.Peek(ctx, testOwner, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Candidate.ID).To(Equal(cand.ID))
			Expect(items[0].Candidate.RawText).To(Equal("Alice owns Fido"))
		})
	})
})
