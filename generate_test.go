package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type generatorFunc func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}

func TestHTTPGenerator(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr error
	}{
		{name: "success", status: http.StatusOK, body: `{"text":"A short summary."}`, want: "A short summary."},
		{name: "quota", status: http.StatusTooManyRequests, body: `{}`, wantErr: ErrQuotaExceeded},
		{name: "payment required", status: http.StatusPaymentRequired, body: `{}`, wantErr: ErrQuotaExceeded},
		{name: "forbidden", status: http.StatusForbidden, body: `{}`, wantErr: ErrPermissionDenied},
		{name: "blank text", status: http.StatusOK, body: `{"text":"  "}`, wantErr: ErrEmptyResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/generate" || r.Header.Get("Authorization") != "Bearer key-1" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				json.NewDecoder(r.Body).Decode(&gotReq)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gen := NewHTTPGenerator(srv.URL+"/", WithGeneratorAPIKey("key-1"))
			text, err := gen.Generate(context.Background(), "prompt", GenerateOptions{Model: "small", MaxTokens: 64})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || text != tt.want {
				t.Fatalf("Generate = %q, %v", text, err)
			}
			if gotReq["prompt"] != "prompt" || gotReq["model"] != "small" {
				t.Fatalf("request = %v", gotReq)
			}
		})
	}

	t.Run("error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":"INVALID_PROMPT","message":"too long"}}`))
		}))
		defer srv.Close()

		_, err := NewHTTPGenerator(srv.URL).Generate(context.Background(), "p", GenerateOptions{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_PROMPT" {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestSummarizer(t *testing.T) {
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "m1", AuthorID: "alice", Body: "Lunch at noon?", CreatedAt: base, State: StateConfirmed},
		{ClientID: "c2", AuthorID: "me", Body: "unsent draft", CreatedAt: base.Add(time.Minute), State: StatePending},
		{ClientID: "c3", AuthorID: "me", Body: "failed one", CreatedAt: base.Add(2 * time.Minute), State: StateFailed},
		{ID: "m4", AuthorID: "bob", Body: "removed", CreatedAt: base.Add(3 * time.Minute), State: StateConfirmed, Deleted: true},
		{ID: "m5", AuthorID: "bob", Body: "Sure.", CreatedAt: base.Add(4 * time.Minute), State: StateConfirmed},
	}

	t.Run("only confirmed records are sent", func(t *testing.T) {
		var prompt string
		s := NewSummarizer(generatorFunc(func(ctx context.Context, p string, opts GenerateOptions) (string, error) {
			prompt = p
			return " They agreed on lunch. ", nil
		}), GenerateOptions{})

		text, err := s.Summarize(context.Background(), msgs)
		if err != nil || text != "They agreed on lunch." {
			t.Fatalf("Summarize = %q, %v", text, err)
		}
		if !strings.Contains(prompt, "alice: Lunch at noon?") || !strings.Contains(prompt, "bob: Sure.") {
			t.Fatalf("prompt = %q", prompt)
		}
		for _, leaked := range []string{"unsent draft", "failed one", "removed"} {
			if strings.Contains(prompt, leaked) {
				t.Fatalf("prompt leaked %q", leaked)
			}
		}
	})

	t.Run("window keeps the most recent records", func(t *testing.T) {
		var prompt string
		s := NewSummarizer(generatorFunc(func(ctx context.Context, p string, opts GenerateOptions) (string, error) {
			prompt = p
			return "ok", nil
		}), GenerateOptions{})
		s.MaxMessages = 1
		s.Summarize(context.Background(), msgs)
		if strings.Contains(prompt, "Lunch") || !strings.Contains(prompt, "Sure.") {
			t.Fatalf("prompt = %q", prompt)
		}
	})

	t.Run("nothing to summarize", func(t *testing.T) {
		called := false
		s := NewSummarizer(generatorFunc(func(context.Context, string, GenerateOptions) (string, error) {
			called = true
			return "x", nil
		}), GenerateOptions{})
		if _, err := s.Summarize(context.Background(), msgs[1:3]); !errors.Is(err, ErrEmptyResult) {
			t.Fatalf("err = %v, want ErrEmptyResult", err)
		}
		if called {
			t.Fatal("generator called without confirmed records")
		}
	})
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrQuotaExceeded, "quota"},
		{ErrPermissionDenied, "permission"},
		{ErrEmptyResult, "nothing to summarize"},
		{context.DeadlineExceeded, "too long"},
		{&APIError{Code: "X", Message: "y"}, "service returned an error"},
		{errors.New("boom"), "could not be generated"},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("UserMessage(%v) = %q, want it to mention %q", tt.err, got, tt.want)
		}
	}
}
