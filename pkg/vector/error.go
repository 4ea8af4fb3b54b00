package vector

import "errors"

// ErrEmbedding indicates a failure while generating an embedding.
var ErrEmbedding = errors.New("embedding generation failed")

// ErrUnavailable indicates the embedding or index service could not be
// reached. Callers distinguish this from "no results" (empty, non-error) and
// degrade rather than fail ingestion.
var ErrUnavailable = errors.New("embedding service unavailable")

// IsUnavailable reports whether err is (or wraps) ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
