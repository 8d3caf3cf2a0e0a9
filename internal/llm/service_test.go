package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newStub starts a chat-completions stub and returns a service pointed at it.
func newStub(t *testing.T, h http.HandlerFunc) *APIService {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAPIService(srv.URL, "stub-key", "stub-model", 0.3, 2048)
}

// say builds a handler that answers every request with one assistant turn.
func say(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: content}}},
		})
	}
}

func TestBuildMessages(t *testing.T) {
	t.Run("default system prompt", func(t *testing.T) {
		msgs := BuildMessages("", nil, nil, "q")
		if len(msgs) != 2 || msgs[0].Role != "system" {
			t.Fatalf("unexpected message shape: %+v", msgs)
		}
		if msgs[0].Content == "" {
			t.Error("empty prompt should fall back to the built-in system prompt")
		}
	})

	t.Run("custom system prompt", func(t *testing.T) {
		msgs := BuildMessages("You answer tersely.", nil, nil, "q")
		if msgs[0].Content != "You answer tersely." {
			t.Errorf("system content = %q, want the custom prompt", msgs[0].Content)
		}
	})

	t.Run("numbered context block", func(t *testing.T) {
		msgs := BuildMessages("sys", []string{"alpha", "beta"}, nil, "which one?")
		want := "Reference material:\n[1] alpha\n[2] beta\n\nQuestion: which one?"
		if got := msgs[1].Content; got != want {
			t.Errorf("user content = %q, want %q", got, want)
		}
	})

	t.Run("no context header when empty", func(t *testing.T) {
		msgs := BuildMessages("sys", nil, nil, "which one?")
		if got := msgs[1].Content; got != "Question: which one?" {
			t.Errorf("user content = %q, want bare question", got)
		}
	})

	t.Run("history replay", func(t *testing.T) {
		history := []Message{
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "first answer"},
			{Role: "tool", Content: "odd role"},
		}
		got := BuildMessages("sys", nil, history, "follow-up")
		want := []chatMessage{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "first answer"},
			{Role: "user", Content: "odd role"},
			{Role: "user", Content: "Question: follow-up"},
		}
		if len(got) != len(want) {
			t.Fatalf("BuildMessages returned %d messages, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
			}
		}
	})
}

func TestGenerateRequestShape(t *testing.T) {
	var (
		gotMethod, gotPath string
		gotHeader          http.Header
		gotBody            chatRequest
	)
	svc := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotHeader = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&gotBody)
		say("ok")(w, r)
	})

	if _, err := svc.Generate(context.Background(), "sys", []string{"c"}, nil, "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wire := map[string][2]string{
		"method":        {gotMethod, http.MethodPost},
		"path":          {gotPath, "/chat/completions"},
		"content type":  {gotHeader.Get("Content-Type"), "application/json"},
		"authorization": {gotHeader.Get("Authorization"), "Bearer stub-key"},
	}
	for name, v := range wire {
		if v[0] != v[1] {
			t.Errorf("%s = %q, want %q", name, v[0], v[1])
		}
	}
	if gotBody.Model != "stub-model" || gotBody.Temperature != 0.3 || gotBody.MaxTokens != 2048 {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
	if len(gotBody.Messages) != 2 {
		t.Errorf("request carried %d messages, want 2", len(gotBody.Messages))
	}
}

func TestGenerateTrimsAnswer(t *testing.T) {
	svc := newStub(t, say("  The limit is 50. \n"))

	answer, err := svc.Generate(context.Background(), "", []string{"the limit is 50"}, nil, "what is the limit?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "The limit is 50." {
		t.Errorf("answer = %q, want surrounding whitespace trimmed", answer)
	}
}

func TestGenerateRetriesOnce(t *testing.T) {
	calls := 0
	svc := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"error":{"message":"backend hiccup"}}`, http.StatusBadGateway)
			return
		}
		say("second try")(w, r)
	})

	answer, err := svc.Generate(context.Background(), "", nil, nil, "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "second try" || calls != 2 {
		t.Errorf("answer=%q calls=%d, want the retried reply after 2 calls", answer, calls)
	}
}

func TestGenerateFallbackWhenBothAttemptsFail(t *testing.T) {
	calls := 0
	svc := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"backend down"}}`, http.StatusBadGateway)
	})

	answer, err := svc.Generate(context.Background(), "", nil, nil, "q")
	if err == nil {
		t.Fatal("two failed attempts should surface an error")
	}
	if answer != Fallback {
		t.Errorf("answer = %q, want the fallback text", answer)
	}
	if calls != 2 {
		t.Errorf("made %d calls, want exactly one retry", calls)
	}
}

func TestGenerateRejectsEmptyChoices(t *testing.T) {
	svc := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{})
	})

	answer, err := svc.Generate(context.Background(), "", nil, nil, "q")
	if err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Fatalf("want a no-choices error, got: %v", err)
	}
	if answer != Fallback {
		t.Errorf("answer = %q, want the fallback text", answer)
	}
}

func TestGenerateErrorInBody(t *testing.T) {
	svc := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Error: &apiError{Message: "rate limited"}})
	})

	_, err := svc.Generate(context.Background(), "", nil, nil, "q")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("want the body error surfaced, got: %v", err)
	}
}

func TestGenerateHonorsCanceledContext(t *testing.T) {
	calls := 0
	svc := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		say("ok")(w, r)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Generate(ctx, "", nil, nil, "q"); err == nil {
		t.Fatal("canceled context should fail the call")
	}
	if calls != 0 {
		t.Errorf("made %d calls, want no retry after cancellation", calls)
	}
}

func TestGenerateOmitsAuthWhenKeyEmpty(t *testing.T) {
	var auth string
	var seen bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, seen = r.Header.Get("Authorization"), true
		say("ok")(w, r)
	}))
	t.Cleanup(srv.Close)

	svc := NewAPIService(srv.URL, "", "stub-model", 0.3, 2048)
	if _, err := svc.Generate(context.Background(), "", nil, nil, "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen || auth != "" {
		t.Errorf("Authorization = %q, want the header absent", auth)
	}
}

func TestGenerateEndpointTrailingSlash(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		say("ok")(w, r)
	}))
	t.Cleanup(srv.Close)

	svc := NewAPIService(srv.URL+"/", "k", "m", 0.3, 2048)
	if _, err := svc.Generate(context.Background(), "", nil, nil, "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/chat/completions" {
		t.Errorf("request path = %q, want double slash collapsed", path)
	}
}

func TestGenerateKeywords(t *testing.T) {
	t.Run("fenced array", func(t *testing.T) {
		reply := "Sure, here are the keywords:\n```json\n[\"billing\", \" refunds \", \"\", \"invoices\"]\n```\nAnything else?"
		svc := newStub(t, say(reply))

		keywords, err := svc.GenerateKeywords(context.Background(), "How do refunds work?", "Refunds are issued within 5 days.")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := strings.Join(keywords, ","); got != "billing,refunds,invoices" {
			t.Errorf("keywords = %q, want trimmed list without blanks", got)
		}
	})

	t.Run("no array in reply", func(t *testing.T) {
		svc := newStub(t, say("I cannot help with that."))
		if _, err := svc.GenerateKeywords(context.Background(), "q", "a"); err == nil {
			t.Fatal("a reply without a JSON array should fail")
		}
	})
}

func TestDraftRecords(t *testing.T) {
	t.Run("skips invalid drafts", func(t *testing.T) {
		reply := `Here you go:
[
  {"question": " How do I reset my password? ", "answer": "Use the reset link.", "category": "account", "audience": "user", "keywords": ["password", "reset"]},
  {"question": "Orphan question without answer", "answer": "  "}
]`
		svc := newStub(t, say(reply))

		records, err := svc.DraftRecords(context.Background(), "Password resets use the reset link.")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("kept %d records, want only the complete one", len(records))
		}
		r := records[0]
		if r.Question != "How do I reset my password?" {
			t.Errorf("question not trimmed: %q", r.Question)
		}
		if r.Category != "account" || r.Audience != "user" || len(r.Keywords) != 2 {
			t.Errorf("unexpected draft metadata: %+v", r)
		}
	})

	t.Run("api rejection propagates", func(t *testing.T) {
		svc := newStub(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
		})

		_, err := svc.DraftRecords(context.Background(), "doc text")
		if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
			t.Fatalf("want the API message in the error, got: %v", err)
		}
	})
}
