package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/council/internal/retry"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := New(Settings{
		BaseURL: url + "/",
		APIKey:  "sk-test",
		Model:   "test-model",
		Retry: retry.Policy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestStreamChatSendsStreamingRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.Stream || req.Model != "test-model" || len(req.Messages) != 1 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	body, err := newTestClient(t, server.URL).StreamChat(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hello"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer body.Close()
	raw, _ := io.ReadAll(body)
	if !strings.Contains(string(raw), "[DONE]") {
		t.Fatalf("unexpected body %q", raw)
	}
}

func TestStreamChatRetriesGatewayFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	body, err := newTestClient(t, server.URL).StreamChat(context.Background(), nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	body.Close()
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRateLimitIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Complete(context.Background(), nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Status != http.StatusTooManyRequests {
		t.Fatalf("expected status error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if !UserVisible(err) || UserMessage(err) == "" {
		t.Fatalf("rate limit should be user visible")
	}
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"score\":7}"}}]}`)
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL).Complete(context.Background(), []ChatMessage{{Role: RoleUser, Content: "rate"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != `{"score":7}` {
		t.Fatalf("content = %q", got)
	}
}

func TestCompleteMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Complete(context.Background(), nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusInternalServerError, "", ErrTransientGateway},
		{http.StatusServiceUnavailable, "", ErrTransientGateway},
		{http.StatusTooManyRequests, "too many", ErrRateLimited},
		{http.StatusTooManyRequests, "You exceeded your current Quota", ErrQuotaExceeded},
		{http.StatusPaymentRequired, "", ErrQuotaExceeded},
		{http.StatusBadRequest, "bad", ErrRequestRejected},
	}
	for _, tc := range cases {
		err := classifyStatus(tc.status, tc.body)
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
	if Classify(classifyStatus(http.StatusBadGateway, "")) != retry.Retry {
		t.Fatalf("gateway errors should be retried")
	}
	if Classify(classifyStatus(http.StatusPaymentRequired, "")) != retry.Stop {
		t.Fatalf("quota errors should not be retried")
	}
}

func TestNewRequiresBaseURLAndModel(t *testing.T) {
	if _, err := New(Settings{Model: "m"}); err == nil {
		t.Fatalf("expected base url error")
	}
	if _, err := New(Settings{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected model error")
	}
}
