package testutils

import (
	"context"
	"time"

	"github.com/engramdev/engram/pkg/extraction"
	"github.com/engramdev/engram/pkg/graph"
)

// MockExtractor is a scripted extractor: each utterance maps to the triples
// and mentions the test wants back.
type MockExtractor struct {
	// Triples maps utterance text to the triples it should yield.
	Triples map[string][]Triple

	// Mentions maps query text to the entity labels it should yield.
	Mentions map[string][]string

	// Unavailable makes every call fail with extraction.ErrUnavailable.
	Unavailable bool
}

// Triple is a scripted extraction result.
type Triple struct {
	Subject      string
	SubjectType  string
	RelationType string
	Object       string
	ObjectType   string
}

func NewMockExtractor() *MockExtractor {
	return &MockExtractor{
		Triples:  make(map[string][]Triple),
		Mentions: make(map[string][]string),
	}
}

func (m *MockExtractor) ExtractTriples(_ context.Context, owner, text, sourceRef string) ([]*graph.CandidateFact, error) {
	if m.Unavailable {
		return nil, extraction.ErrUnavailable
	}

	var cands []*graph.CandidateFact
	for _, t := range m.Triples[text] {
		cands = append(cands, &graph.CandidateFact{
			ID:           graph.CandidateID(owner, t.Subject, t.RelationType, t.Object, text),
			Owner:        owner,
			SubjectRef:   t.Subject,
			SubjectType:  t.SubjectType,
			RelationType: t.RelationType,
			ObjectRef:    t.Object,
			ObjectType:   t.ObjectType,
			RawText:      text,
			SourceRef:    sourceRef,
			Confidence:   1.0,
			ExtractedAt:  time.Now().UTC(),
		})
	}
	return cands, nil
}

func (m *MockExtractor) ExtractMentions(_ context.Context, text string) ([]string, error) {
	if m.Unavailable {
		return nil, extraction.ErrUnavailable
	}
	return m.Mentions[text], nil
}

func (m *MockExtractor) Close() error {
	return nil
}

// Ensure MockExtractor implements extraction.Extractor
var _ extraction.Extractor = (*MockExtractor)(nil)
