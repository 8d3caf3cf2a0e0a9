// Package llm provides the chat completion client used for answer
// generation, keyword suggestion and document-to-record drafting against
// OpenAI-compatible endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"answerdesk/internal/corpus"
)

// Fallback is the answer Generate returns when both attempts against the
// API fail. Callers can compare against it to detect degraded replies.
const Fallback = "The service is temporarily unavailable. Please try again later."

const defaultSystemPrompt = "You are a support assistant for a product knowledge base. " +
	"Answer the user's question using the numbered reference material provided. " +
	"If the references do not contain the answer, say so plainly instead of guessing. " +
	"Keep answers concise and factual, and always reply in the language the question was asked in."

// requestTimeout bounds one completion round trip, generation included.
const requestTimeout = 60 * time.Second

// maxResponseBytes caps how much of an API reply is read into memory.
const maxResponseBytes = 50 << 20

// Message is one turn of an earlier conversation replayed into the prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Service is the text generation interface the rest of the system consumes.
type Service interface {
	Generate(ctx context.Context, systemPrompt string, contextChunks []string, history []Message, question string) (string, error)
	GenerateKeywords(ctx context.Context, question, answer string) ([]string, error)
	DraftRecords(ctx context.Context, documentText string) ([]corpus.Record, error)
}

// APIService talks to an OpenAI-compatible chat completion endpoint.
type APIService struct {
	Endpoint  string
	APIKey    string
	ModelName string

	Temperature float64
	MaxTokens   int

	client *http.Client
}

// NewAPIService returns a client for the given endpoint. Temperature and
// maxTokens are sent with every request.
func NewAPIService(endpoint, apiKey, modelName string, temperature float64, maxTokens int) *APIService {
	s := &APIService{
		Endpoint:    endpoint,
		APIKey:      apiKey,
		ModelName:   modelName,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	s.client = &http.Client{Timeout: requestTimeout}
	return s
}

// chatRequest mirrors the wire body of a chat completion call.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// chatMessage is one role/content turn on the wire.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse carries the completion choices, or a structured error.
type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

// chatChoice wraps one generated message.
type chatChoice struct {
	Message chatMessage `json:"message"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// BuildMessages constructs the chat messages sent to the model: the system
// prompt (or the default when empty), the replayed conversation history, and
// one user message carrying the numbered reference chunks and the question.
func BuildMessages(systemPrompt string, contextChunks []string, history []Message, question string) []chatMessage {
	system := systemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: system})
	for _, m := range history {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: m.Content})
	}

	var userParts []string
	if len(contextChunks) > 0 {
		userParts = append(userParts, "Reference material:")
		for i, chunk := range contextChunks {
			userParts = append(userParts, fmt.Sprintf("[%d] %s", i+1, chunk))
		}
		userParts = append(userParts, "")
	}
	userParts = append(userParts, "Question: "+question)

	return append(messages, chatMessage{Role: "user", Content: strings.Join(userParts, "\n")})
}

// Generate produces an answer grounded on the supplied reference chunks,
// retrying the API once. If both attempts fail it returns the fixed Fallback
// sentence together with the error from the last attempt, so callers always
// have something to show the user and can still see what went wrong.
func (s *APIService) Generate(ctx context.Context, systemPrompt string, contextChunks []string, history []Message, question string) (string, error) {
	messages := BuildMessages(systemPrompt, contextChunks, history, question)

	answer, err := s.callAPI(ctx, messages)
	if err == nil {
		return strings.TrimSpace(answer), nil
	}
	if ctx.Err() != nil {
		return Fallback, err
	}

	answer, err = s.callAPI(ctx, messages)
	if err == nil {
		return strings.TrimSpace(answer), nil
	}
	return Fallback, err
}

// GenerateKeywords asks the model for search keywords describing a QA pair.
// The reply is expected to be a JSON string array, possibly wrapped in prose
// or a markdown fence.
func (s *APIService) GenerateKeywords(ctx context.Context, question, answer string) ([]string, error) {
	messages := []chatMessage{
		{Role: "system", Content: "You generate search keywords for a QA knowledge base. " +
			"Reply with a JSON array of 3 to 8 short keywords in the language of the input and nothing else."},
		{Role: "user", Content: fmt.Sprintf("Question: %s\n\nAnswer: %s", question, answer)},
	}

	reply, err := s.callAPI(ctx, messages)
	if err != nil {
		return nil, err
	}

	var keywords []string
	if err := unmarshalLoose(reply, '[', ']', &keywords); err != nil {
		return nil, fmt.Errorf("parse keyword reply: %w", err)
	}
	cleaned := keywords[:0]
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	return cleaned, nil
}

// draftLimit caps the document text sent in one drafting request. Oversized
// documents are truncated rather than split across requests.
const draftLimit = 24000

// DraftRecords asks the model to turn extracted document text into QA
// records. Drafts missing a question or answer are dropped.
func (s *APIService) DraftRecords(ctx context.Context, documentText string) ([]corpus.Record, error) {
	text := documentText
	if runes := []rune(text); len(runes) > draftLimit {
		text = string(runes[:draftLimit])
	}

	messages := []chatMessage{
		{Role: "system", Content: "You convert product documentation into question/answer records for a support knowledge base. " +
			"Reply with a JSON array of objects with the fields \"question\", \"answer\", \"category\", \"audience\" and " +
			"\"keywords\" (array of strings) and nothing else. Write each question the way a user would actually ask it."},
		{Role: "user", Content: text},
	}

	reply, err := s.callAPI(ctx, messages)
	if err != nil {
		return nil, err
	}

	var drafts []struct {
		Question string   `json:"question"`
		Answer   string   `json:"answer"`
		Category string   `json:"category"`
		Audience string   `json:"audience"`
		Keywords []string `json:"keywords"`
	}
	if err := unmarshalLoose(reply, '[', ']', &drafts); err != nil {
		return nil, fmt.Errorf("parse draft reply: %w", err)
	}

	records := make([]corpus.Record, 0, len(drafts))
	for _, d := range drafts {
		r := corpus.Record{
			Question: strings.TrimSpace(d.Question),
			Answer:   strings.TrimSpace(d.Answer),
			Category: strings.TrimSpace(d.Category),
			Audience: strings.TrimSpace(d.Audience),
			Keywords: d.Keywords,
		}
		if r.Validate() != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// unmarshalLoose extracts the first JSON value delimited by open/shut from
// free-form model output and unmarshals it. Models often wrap JSON in prose
// or markdown fences despite instructions.
func unmarshalLoose(reply string, open, shut byte, v interface{}) error {
	start := strings.IndexByte(reply, open)
	end := strings.LastIndexByte(reply, shut)
	if start == -1 || end <= start {
		return fmt.Errorf("no %c...%c value found in reply", open, shut)
	}
	return json.Unmarshal([]byte(reply[start:end+1]), v)
}

// callAPI performs one chat completion round trip and returns the
// assistant text.
func (s *APIService) callAPI(ctx context.Context, messages []chatMessage) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       s.ModelName,
		Messages:    messages,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := s.newRequest(ctx, payload)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeChatResponse(resp)
}

// newRequest assembles an authenticated POST to the completion endpoint.
func (s *APIService) newRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	url := strings.TrimRight(s.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	return req, nil
}

// decodeChatResponse pulls the assistant message out of an API reply,
// mapping error payloads and non-200 statuses to errors.
func decodeChatResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && parsed.Error != nil {
			return "", fmt.Errorf("LLM API error (HTTP %d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("LLM API error (HTTP %d): %s", resp.StatusCode, truncateForError(body))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("LLM API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("LLM API returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// truncateForError keeps error messages readable when the API returns an
// unstructured body.
func truncateForError(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
