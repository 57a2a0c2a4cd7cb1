package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testExecutor(t *testing.T, timeout time.Duration) *Executor {
	t.Helper()
	holder, err := NewRuleHolder("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("rule holder: %v", err)
	}
	return NewExecutor(zaptest.NewLogger(t), holder, timeout)
}

func TestCallInjectsBearerFallback(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	exec := testExecutor(t, 5*time.Second)
	result, err := exec.Call(context.Background(), Request{TargetURL: upstream.URL}, "sk-secret-value")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotAuth != "Bearer sk-secret-value" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if result.StatusCode != 200 {
		t.Fatalf("status = %d", result.StatusCode)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["ok"] != true {
		t.Fatalf("data = %#v", result.Data)
	}
}

func TestCallRespectsCallerAuthHeader(t *testing.T) {
	var gotAuth, gotAPIKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	exec := testExecutor(t, 5*time.Second)
	_, err := exec.Call(context.Background(), Request{
		TargetURL: upstream.URL,
		Headers:   map[string]string{"X-Api-Key": "caller-supplied"},
	}, "sk-secret-value")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("fallback must not fire over a caller auth header, got %q", gotAuth)
	}
	if gotAPIKey != "caller-supplied" {
		t.Fatalf("caller header lost, got %q", gotAPIKey)
	}
}

func TestProviderRuleSelection(t *testing.T) {
	rules := DefaultRules()
	cases := []struct {
		host       string
		wantHeader string
		wantValue  string
	}{
		{"api.openai.com", "Authorization", "Bearer sk-x"},
		{"api.anthropic.com", "x-api-key", "sk-x"},
		{"generativelanguage.googleapis.com", "Authorization", "Bearer sk-x"},
		{"api.stripe.com", "Authorization", "Bearer sk-x"},
		{"api.github.com", "Authorization", "token sk-x"},
	}
	for _, tc := range cases {
		t.Run(tc.host, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://"+tc.host, nil)
			injectCredential(req, rules, tc.host, "sk-x", nil)
			if got := req.Header.Get(tc.wantHeader); got != tc.wantValue {
				t.Fatalf("%s = %q, want %q", tc.wantHeader, got, tc.wantValue)
			}
		})
	}
}

func TestCallSerializesJSONBody(t *testing.T) {
	var gotContentType string
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	exec := testExecutor(t, 5*time.Second)
	body := map[string]any{"model": "m", "prompt": "hello"}
	result, err := exec.Call(context.Background(), Request{
		TargetURL: upstream.URL,
		Method:    "post",
		Body:      body,
	}, "sk-secret-value")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotBody["prompt"] != "hello" {
		t.Fatalf("body = %#v", gotBody)
	}

	encoded, _ := json.Marshal(body)
	if result.PayloadSizeBytes != int64(len(encoded)) {
		t.Fatalf("payload size = %d, want %d", result.PayloadSizeBytes, len(encoded))
	}
}

func TestCallBodilessRequestHasZeroPayload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	exec := testExecutor(t, 5*time.Second)
	result, err := exec.Call(context.Background(), Request{
		TargetURL: upstream.URL,
		Body:      map[string]any{"ignored": true},
	}, "sk-secret-value")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.PayloadSizeBytes != 0 {
		t.Fatalf("GET must not carry a body, payload size = %d", result.PayloadSizeBytes)
	}
}

func TestCallWrapsNonJSONResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text, not json"))
	}))
	defer upstream.Close()

	exec := testExecutor(t, 5*time.Second)
	result, err := exec.Call(context.Background(), Request{TargetURL: upstream.URL}, "sk-secret-value")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	data, ok := result.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %#v", result.Data)
	}
	if data["rawResponse"] != "plain text, not json" {
		t.Fatalf("rawResponse = %#v", data["rawResponse"])
	}
}

func TestCallInvalidURL(t *testing.T) {
	exec := testExecutor(t, time.Second)
	for _, target := range []string{"", "not-a-url", "ftp://example.com/x", "http://"} {
		if _, err := exec.Call(context.Background(), Request{TargetURL: target}, "sk-x"); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("target %q: got %v, want ErrInvalidURL", target, err)
		}
	}
}

func TestCallTimeoutIsDistinct(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	exec := testExecutor(t, 20*time.Millisecond)
	_, err := exec.Call(context.Background(), Request{TargetURL: upstream.URL}, "sk-x")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestCallTransportError(t *testing.T) {
	// A closed listener refuses the connection outright.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	exec := testExecutor(t, time.Second)
	_, err := exec.Call(context.Background(), Request{TargetURL: target}, "sk-x")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
}

func TestRuleHolderDefaults(t *testing.T) {
	holder, err := NewRuleHolder("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRuleHolder: %v", err)
	}
	rules := holder.Get()
	if len(rules) == 0 {
		t.Fatal("expected default rules")
	}
	found := false
	for _, rule := range rules {
		if strings.Contains("api.anthropic.com", rule.HostContains) && rule.Header == "x-api-key" {
			found = true
		}
	}
	if !found {
		t.Fatal("default table must carry the anthropic rule")
	}
}
