// Package embedding provides the client for converting text to vector
// representations via OpenAI-compatible API endpoints.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of an API reply is read into memory.
const maxResponseBytes = 50 << 20

// Service defines the interface for text embedding. The reconciler and the
// search path both depend on this rather than the concrete client so tests
// can count calls with a fake.
type Service interface {
	// Embed converts one text into a vector of the declared dimensionality.
	// Failures are either *TransportError or *RejectedError.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the dimensionality every returned vector carries.
	Dimensions() int
}

// TransportError wraps a network-level failure: connection refused, timeout,
// context cancellation. The request may never have reached the provider, so
// retrying later is reasonable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("embedding transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError means the provider answered but the request or response is
// unusable: bad credentials, quota exhaustion, malformed body, or a vector
// of the wrong dimensionality.
type RejectedError struct {
	StatusCode int // 0 when the HTTP exchange succeeded but the body was bad
	Message    string
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding rejected (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("embedding rejected: %s", e.Message)
}

// APIService implements Service against an OpenAI-compatible /embeddings
// endpoint. It is immutable; config updates construct a fresh client.
type APIService struct {
	Endpoint  string
	APIKey    string
	ModelName string

	dimensions int
	client     *http.Client
}

// NewAPIService creates an APIService. dimensions is the vector length the
// model is expected to produce; responses of any other length are rejected.
func NewAPIService(endpoint, apiKey, modelName string, dimensions int) *APIService {
	s := &APIService{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		ModelName:  modelName,
		dimensions: dimensions,
	}
	s.client = &http.Client{Timeout: 30 * time.Second}
	return s
}

// Dimensions returns the declared vector length.
func (s *APIService) Dimensions() int {
	return s.dimensions
}

// Wire types for the /embeddings endpoint. Only consumed fields are
// mirrored; everything else in the reply is ignored.
type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float64 `json:"embedding"`
}

type apiError struct {
	Message string `json:"message"`
}

// Embed converts a single text into an embedding vector. The context bounds
// the whole HTTP exchange; deadline expiry surfaces as a *TransportError.
func (s *APIService) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: s.ModelName, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	req, err := s.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	return s.decodeVector(resp)
}

// newRequest assembles an authenticated POST to the /embeddings endpoint.
func (s *APIService) newRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	url := strings.TrimRight(s.Endpoint, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	return req, nil
}

// decodeVector validates an /embeddings reply and narrows the vector to
// float32, enforcing the declared dimensionality.
func (s *APIService) decodeVector(resp *http.Response) ([]float32, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	var parsed embeddingResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && parsed.Error != nil {
			return nil, &RejectedError{StatusCode: resp.StatusCode, Message: parsed.Error.Message}
		}
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: truncateForError(body)}
	}
	if decodeErr != nil {
		return nil, &RejectedError{Message: fmt.Sprintf("unparsable response: %v", decodeErr)}
	}
	if parsed.Error != nil {
		return nil, &RejectedError{Message: parsed.Error.Message}
	}
	if len(parsed.Data) == 0 {
		return nil, &RejectedError{Message: "response contains no embedding"}
	}

	raw := parsed.Data[0].Embedding
	if s.dimensions > 0 && len(raw) != s.dimensions {
		return nil, &RejectedError{
			Message: fmt.Sprintf("model returned %d dimensions, expected %d", len(raw), s.dimensions),
		}
	}
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	return vector, nil
}

// truncateForError keeps error messages readable when the provider returns a
// large unstructured body.
func truncateForError(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
