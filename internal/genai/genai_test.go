package genai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	mu      sync.Mutex
	replies []openai.ChatCompletion
	errs    []error
	calls   int
	params  []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.params = append(m.params, params)
	if i < len(m.errs) && m.errs[i] != nil {
		return openai.ChatCompletion{}, m.errs[i]
	}
	if i < len(m.replies) {
		return m.replies[i], nil
	}
	if len(m.replies) > 0 {
		return m.replies[len(m.replies)-1], nil
	}
	return openai.ChatCompletion{}, nil
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func testClient(chat chatService) *Client {
	return &Client{
		chat:         chat,
		model:        string(DefaultModel),
		temperature:  DefaultTemperature,
		maxRetries:   DefaultMaxRetries,
		initialDelay: time.Millisecond,
		timeout:      time.Second,
	}
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{replies: []openai.ChatCompletion{completion("Hello World")}}
	out, err := testClient(mock).Generate(context.Background(), "system prompt", "user prompt", 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 call, got %d", mock.calls)
	}
}

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	mock := &mockChatService{
		errs:    []error{errors.New("timeout"), errors.New("503")},
		replies: []openai.ChatCompletion{{}, {}, completion("third time")},
	}
	out, err := testClient(mock).Generate(context.Background(), "sys", "usr", 100)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if out != "third time" {
		t.Errorf("expected 'third time', got %q", out)
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 calls, got %d", mock.calls)
	}
}

func TestGenerate_GivesUpAfterMaxRetries(t *testing.T) {
	fail := errors.New("service failure")
	mock := &mockChatService{errs: []error{fail, fail, fail, fail, fail}}
	_, err := testClient(mock).Generate(context.Background(), "sys", "usr", 0)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
	if mock.calls != DefaultMaxRetries+1 {
		t.Errorf("expected %d calls, got %d", DefaultMaxRetries+1, mock.calls)
	}
}

func TestGenerate_NoChoicesIsNotRetried(t *testing.T) {
	mock := &mockChatService{replies: []openai.ChatCompletion{{Choices: []openai.ChatCompletionChoice{}}}}
	_, err := testClient(mock).Generate(context.Background(), "sys", "usr", 0)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
	if mock.calls != 1 {
		t.Errorf("expected a single call, got %d", mock.calls)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	if _, err := NewClient(); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("expected ErrAPIKeyRequired, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithMaxRetries(1), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.maxRetries != 1 || cli.timeout != 5*time.Second {
		t.Errorf("options not applied: %+v", cli)
	}
	if cli.limiter == nil {
		t.Error("expected default rate limiter")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```":        `{"a":1}`,
		"```\n{\"a\":1}```":              `{"a":1}`,
		"  {\"a\":1}  ":                  `{"a":1}`,
		"Here:\n```json {\"b\":2} ``` ok": `{"b":2}`,
	}
	for in, want := range tests {
		if got := StripCodeFence(in); got != want {
			t.Errorf("StripCodeFence(%q) = %q, expected %q", in, got, want)
		}
	}
}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type staticGenerator struct {
	out string
	err error
}

func (g staticGenerator) Generate(ctx context.Context, s, u string, n int) (string, error) {
	return g.out, g.err
}

func TestGenerateStructured(t *testing.T) {
	got, err := GenerateStructured[payload](context.Background(), staticGenerator{out: "```json\n{\"name\":\"x\",\"count\":3}\n```"}, "s", "u", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "x" || got.Count != 3 {
		t.Errorf("unexpected decode: %+v", got)
	}

	_, err = GenerateStructured[payload](context.Background(), staticGenerator{out: "not json"}, "s", "u", 0)
	if !errors.Is(err, ErrMalformedJSON) {
		t.Errorf("expected ErrMalformedJSON, got %v", err)
	}

	callErr := errors.New("down")
	_, err = GenerateStructured[payload](context.Background(), staticGenerator{err: callErr}, "s", "u", 0)
	if !errors.Is(err, callErr) || errors.Is(err, ErrMalformedJSON) {
		t.Errorf("expected call error to pass through, got %v", err)
	}
}
