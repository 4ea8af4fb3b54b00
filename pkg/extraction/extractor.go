// Package extraction defines the gateway to the external entity/relation
// extractor. The gateway shapes requests and parses results; it has no
// classification logic of its own.
package extraction

import (
	"context"
	"errors"

	"github.com/engramdev/engram/pkg/graph"
)

// ErrUnavailable indicates the extraction service could not be reached.
// Distinguished from "no entities found", which is an empty non-error result.
var ErrUnavailable = errors.New("extraction service unavailable")

// Extractor turns free text into candidate facts and entity mentions.
type Extractor interface {
	// ExtractTriples parses the utterance into candidate facts for the
	// owner. An utterance containing no facts yields an empty slice and a
	// nil error.
	ExtractTriples(ctx context.Context, owner, text, sourceRef string) ([]*graph.CandidateFact, error)

	// ExtractMentions returns the entity labels mentioned in a query, used
	// by recall for graph anchoring.
	ExtractMentions(ctx context.Context, text string) ([]string, error)

	// Close releases any resources held by the extractor.
	Close() error
}
