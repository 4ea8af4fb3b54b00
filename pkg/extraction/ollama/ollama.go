// Package ollama implements pkg/extraction's Extractor using an Ollama chat
// model constrained to JSON output.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/extraction"
	"github.com/engramdev/engram/pkg/graph"
)

const (
	// DefaultModel is the default chat model used for extraction.
	DefaultModel = "llama3.2"

	// DefaultBaseURL is the default Ollama API URL.
	DefaultBaseURL = "http://localhost:11434"
)

const triplesPrompt = `Extract factual triples from the user's message.
Respond with JSON only, in the form:
{"triples":[{"subject":"...","subject_type":"person|pet|place|organization|thing",
"relation":"named|lives_in|works_at|born_on|owns|likes|knows|related_to",
"object":"...","object_type":"person|pet|place|organization|thing|literal",
"confidence":0.0}]}
Use "literal" as object_type for values that are not things (names, dates).
Return {"triples":[]} when the message states no facts.`

const mentionsPrompt = `List the entities (people, pets, places, organizations,
things) mentioned in the user's message. Respond with JSON only:
{"entities":["..."]}. Return {"entities":[]} when none are mentioned.`

// Extractor wraps Ollama's chat API for triple and mention extraction.
type Extractor struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds configuration for the Ollama extractor.
type Config struct {
	// BaseURL is the Ollama API URL. Defaults to DefaultBaseURL if empty.
	BaseURL string

	// Model is the chat model to use. Defaults to DefaultModel if empty.
	Model string

	// Timeout bounds a single extraction call. Defaults to 60s.
	Timeout time.Duration
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Format   string        `json:"format"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

type triplesPayload struct {
	Triples []struct {
		Subject     string  `json:"subject"`
		SubjectType string  `json:"subject_type"`
		Relation    string  `json:"relation"`
		Object      string  `json:"object"`
		ObjectType  string  `json:"object_type"`
		Confidence  float64 `json:"confidence"`
	} `json:"triples"`
}

type mentionsPayload struct {
	Entities []string `json:"entities"`
}

// NewExtractor creates a new extractor using Ollama's chat API.
func NewExtractor(cfg Config, logger *zap.Logger) (*Extractor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Extractor{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// ExtractTriples parses the utterance into candidate facts for the owner.
func (e *Extractor) ExtractTriples(ctx context.Context, owner, text, sourceRef string) ([]*graph.CandidateFact, error) {
	raw, err := e.chat(ctx, triplesPrompt, text)
	if err != nil {
		return nil, err
	}

	var payload triplesPayload
	if err := json.Unmarshal(stripFences(raw), &payload); err != nil {
		e.logger.Warn("extractor returned unparseable triples",
			zap.String("raw", raw),
			zap.Error(err),
		)
		return nil, nil
	}

	now := time.Now().UTC()
	candidates := make([]*graph.CandidateFact, 0, len(payload.Triples))
	for _, t := range payload.Triples {
		subject := strings.TrimSpace(t.Subject)
		relation := strings.TrimSpace(t.Relation)
		object := strings.TrimSpace(t.Object)
		if subject == "" || relation == "" || object == "" {
			continue
		}

		confidence := t.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 1.0
		}

		candidates = append(candidates, &graph.CandidateFact{
			ID:           graph.CandidateID(owner, subject, relation, object, text),
			Owner:        owner,
			SubjectRef:   subject,
			SubjectType:  strings.TrimSpace(t.SubjectType),
			RelationType: relation,
			ObjectRef:    object,
			ObjectType:   strings.TrimSpace(t.ObjectType),
			RawText:      text,
			SourceRef:    sourceRef,
			Confidence:   confidence,
			ExtractedAt:  now,
		})
	}

	e.logger.Debug("extracted triples",
		zap.String("owner", owner),
		zap.Int("count", len(candidates)),
	)

	return candidates, nil
}

// ExtractMentions returns the entity labels mentioned in a query.
func (e *Extractor) ExtractMentions(ctx context.Context, text string) ([]string, error) {
	raw, err := e.chat(ctx, mentionsPrompt, text)
	if err != nil {
		return nil, err
	}

	var payload mentionsPayload
	if err := json.Unmarshal(stripFences(raw), &payload); err != nil {
		e.logger.Warn("extractor returned unparseable mentions",
			zap.String("raw", raw),
			zap.Error(err),
		)
		return nil, nil
	}

	mentions := make([]string, 0, len(payload.Entities))
	for _, m := range payload.Entities {
		if m = strings.TrimSpace(m); m != "" {
			mentions = append(mentions, m)
		}
	}
	return mentions, nil
}

// Close releases resources held by the extractor.
func (e *Extractor) Close() error {
	return nil
}

func (e *Extractor) chat(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format: "json",
		Stream: false,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", extraction.ErrUnavailable, err)
		}
		return "", fmt.Errorf("%w: sending request: %v", extraction.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: ollama returned status %d", extraction.ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return chatResp.Message.Content, nil
}

// stripFences removes markdown code fences some models wrap around JSON.
func stripFences(raw string) []byte {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}

// Ensure Extractor implements extraction.Extractor
var _ extraction.Extractor = (*Extractor)(nil)
