package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func completionServer(t *testing.T, content string, inspect func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if inspect != nil {
			inspect(r, body)
		}
		payload := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCompleteJSON_SendsJSONMode(t *testing.T) {
	server := completionServer(t, `{"ok":true}`, func(r *http.Request, body map[string]any) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("unexpected auth header %q", got)
		}
		rf, _ := body["response_format"].(map[string]any)
		if rf["type"] != "json_object" {
			t.Errorf("expected json_object response format, got %v", body["response_format"])
		}
		if body["model"] != "demo-model" {
			t.Errorf("unexpected model %v", body["model"])
		}
	})

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL, Model: "demo-model"})
	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.CompleteInto(context.Background(), "system", "user", &out); err != nil {
		t.Fatalf("CompleteInto: %v", err)
	}
	if !out.OK {
		t.Fatal("expected ok=true")
	}
}

func TestCompleteInto_CodeFence(t *testing.T) {
	server := completionServer(t, "```json\n{\"summary\":\"fine\"}\n```", nil)
	client := NewClient(Config{APIKey: "key", BaseURL: server.URL, Model: "m"})

	var out struct {
		Summary string `json:"summary"`
	}
	if err := client.CompleteInto(context.Background(), "s", "u", &out); err != nil {
		t.Fatalf("CompleteInto: %v", err)
	}
	if out.Summary != "fine" {
		t.Fatalf("expected fine, got %q", out.Summary)
	}
}

func TestCompleteText_OmitsResponseFormat(t *testing.T) {
	server := completionServer(t, "plain answer", func(_ *http.Request, body map[string]any) {
		if _, ok := body["response_format"]; ok {
			t.Error("text completion should not request json mode")
		}
	})
	client := NewClient(Config{APIKey: "key", BaseURL: server.URL, Model: "m"})

	got, err := client.CompleteText(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("CompleteText: %v", err)
	}
	if got != "plain answer" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestReadImage_UsesVisionModelAndDataURL(t *testing.T) {
	server := completionServer(t, "Hemoglobin 10.5", func(_ *http.Request, body map[string]any) {
		if body["model"] != "vision" {
			t.Errorf("expected vision model, got %v", body["model"])
		}
		msgs := body["messages"].([]any)
		parts := msgs[0].(map[string]any)["content"].([]any)
		img := parts[1].(map[string]any)["image_url"].(map[string]any)
		if !strings.HasPrefix(img["url"].(string), "data:image/png;base64,") {
			t.Errorf("unexpected image url %v", img["url"])
		}
	})
	client := NewClient(Config{APIKey: "key", BaseURL: server.URL, Model: "text", VisionModel: "vision"})

	got, err := client.ReadImage(context.Background(), "transcribe", "image/png", []byte{0x89, 0x50})
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if got != "Hemoglobin 10.5" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	client := NewClient(Config{})
	if client.Enabled() {
		t.Fatal("expected client without key to be disabled")
	}
	if _, err := client.CompleteJSON(context.Background(), "s", "u"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"ok":true}`}}},
		})
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewClient(Config{APIKey: "key", BaseURL: server.URL, Model: "m", MaxRetries: 3},
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }))

	if _, err := client.CompleteJSON(context.Background(), "s", "u"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", slept)
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "bad", BaseURL: server.URL, Model: "m"}, WithSleeper(func(time.Duration) {}))
	_, err := client.CompleteJSON(context.Background(), "s", "u")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
	if IsRetryable(err) {
		t.Fatal("401 should not be retryable")
	}
}

func TestClient_RespectsContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL, Model: "m"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.CompleteJSON(ctx, "s", "u")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDecodeJSON(t *testing.T) {
	var out map[string]any
	if err := DecodeJSON("Here you go: {\"a\": 1} thanks", &out); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if out["a"].(float64) != 1 {
		t.Fatalf("unexpected %v", out)
	}
	if err := DecodeJSON("   ", &out); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if err := DecodeJSON("not json at all", &out); err == nil {
		t.Fatal("expected error for prose")
	}
}

func TestStripCodeFence(t *testing.T) {
	if got := StripCodeFence("```\n[1,2]\n```"); got != "[1,2]" {
		t.Fatalf("unexpected %q", got)
	}
	if got := StripCodeFence(`{"x":1}`); got != `{"x":1}` {
		t.Fatalf("unexpected %q", got)
	}
}
