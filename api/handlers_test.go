package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/audit"
	auditinmemory "github.com/engramdev/engram/pkg/audit/inmemory"
	"github.com/engramdev/engram/pkg/graph"
	graphinmemory "github.com/engramdev/engram/pkg/graph/inmemory"
	"github.com/engramdev/engram/pkg/memory"
	"github.com/engramdev/engram/pkg/novelty"
	queueinmemory "github.com/engramdev/engram/pkg/queue/inmemory"
	"github.com/engramdev/engram/pkg/recall"
	"github.com/engramdev/engram/pkg/scheduler"
	testutils "github.com/engramdev/engram/pkg/utils/test"
	vectorinmemory "github.com/engramdev/engram/pkg/vector/inmemory"
)

var _ = Describe("Handlers", func() {
	var (
		server    *Server
		extractor *testutils.MockExtractor
	)

	observeBody := func(owner, text string) io.Reader {
		body, err := json.Marshal(ObserveRequest{Owner: owner, Text: text})
		Expect(err).NotTo(HaveOccurred())
		return bytes.NewReader(body)
	}

	BeforeEach(func() {
		logger := zap.NewNop()
		store := graphinmemory.NewStore()
		vectors := vectorinmemory.NewDriver()
		embedder := testutils.NewMockEmbedder()
		extractor = testutils.NewMockExtractor()
		q := queueinmemory.NewQueue()
		auditLog := auditinmemory.NewLog()
		registry := graph.NewRegistry()

		classifier := novelty.NewClassifier(store, vectors, embedder, registry, novelty.DefaultConfig(), logger)
		sched := scheduler.NewScheduler(store, vectors, embedder, q, classifier, extractor, auditLog, audit.NopPublisher{}, scheduler.DefaultConfig(), logger)

		cfg := recall.DefaultConfig()
		cfg.SubSearchTimeout = time.Second
		recaller := recall.NewEngine(store, vectors, embedder, extractor, cfg, logger)

		engine := memory.NewEngine(store, extractor, embedder, classifier, sched, recaller, auditLog, logger)
		server = NewServer(Config{ListenAddr: ":0"}, engine, logger)
	})

	Describe("GET /ping", func() {
		It("answers pong", func() {
			req, err := http.NewRequest(http.MethodGet, "/ping", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("POST /v1/observe", func() {
		It("ingests an utterance and reports dispositions", func() {
			extractor.Triples["Alice owns Fido"] = []testutils.Triple{
				{Subject: "Alice", SubjectType: "person", RelationType: "owns", Object: "Fido", ObjectType: "pet"},
			}

			req, err := http.NewRequest(http.MethodPost, "/v1/observe", observeBody("alice", "Alice owns Fido"))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var report memory.DispositionReport
			Expect(json.NewDecoder(resp.Body).Decode(&report)).To(Succeed())
			Expect(report.Owner).To(Equal("alice"))
			Expect(report.Facts).To(HaveLen(1))
			Expect(report.Facts[0].Disposition).To(Equal(novelty.DispositionImmediate))
		})

		It("rejects a missing owner with 400", func() {
			req, err := http.NewRequest(http.MethodPost, "/v1/observe", observeBody("", "something"))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a malformed body with 400", func() {
			req, err := http.NewRequest(http.MethodPost, "/v1/observe", bytes.NewReader([]byte("{not json")))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /v1/recall", func() {
		BeforeEach(func() {
			extractor.Triples["Alice owns Fido"] = []testutils.Triple{
				{Subject: "Alice", SubjectType: "person", RelationType: "owns", Object: "Fido", ObjectType: "pet"},
			}
			req, err := http.NewRequest(http.MethodPost, "/v1/observe", observeBody("alice", "Alice owns Fido"))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")
			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("returns matching facts", func() {
			req, err := http.NewRequest(http.MethodGet, "/v1/recall?owner=alice&q="+url.QueryEscape("Alice owns"), nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Count int            `json:"count"`
				Facts []*recall.Fact `json:"facts"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Count).To(Equal(1))
			Expect(body.Facts[0].Edge.SourceText).To(Equal("Alice owns Fido"))
		})

		It("rejects a missing query with 400", func() {
			req, err := http.NewRequest(http.MethodGet, "/v1/recall?owner=alice", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /v1/recall/asof", func() {
		It("rejects a non-RFC3339 timestamp with 400", func() {
			req, err := http.NewRequest(http.MethodGet, "/v1/recall/asof?owner=alice&entity=Alice&ts=yesterday", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown entity", func() {
			ts := time.Now().UTC().Format(time.RFC3339)
			req, err := http.NewRequest(http.MethodGet, "/v1/recall/asof?owner=alice&entity=nobody&ts="+url.QueryEscape(ts), nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /v1/audit", func() {
		It("requires the owner parameter", func() {
			req, err := http.NewRequest(http.MethodGet, "/v1/audit", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns the trail after an observation", func() {
			extractor.Triples["Alice owns Fido"] = []testutils.Triple{
				{Subject: "Alice", SubjectType: "person", RelationType: "owns", Object: "Fido", ObjectType: "pet"},
			}
			req, err := http.NewRequest(http.MethodPost, "/v1/observe", observeBody("alice", "Alice owns Fido"))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")
			_, err = server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())

			req, err = http.NewRequest(http.MethodGet, "/v1/audit?owner=alice", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Count   int             `json:"count"`
				Records []*audit.Record `json:"records"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Count).To(BeNumerically(">", 0))
		})
	})

	Describe("POST /v1/drain", func() {
		It("requires the owner parameter", func() {
			req, err := http.NewRequest(http.MethodPost, "/v1/drain", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("reports an empty drain pass", func() {
			req, err := http.NewRequest(http.MethodPost, "/v1/drain?owner=alice", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var report scheduler.DrainReport
			Expect(json.NewDecoder(resp.Body).Decode(&report)).To(Succeed())
			Expect(report.Processed).To(Equal(0))
		})
	})
})
