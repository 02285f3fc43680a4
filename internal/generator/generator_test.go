package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ape/internal/config"
	"ape/internal/fault"
)

// MockClient is a func-field Client for tests.
type MockClient struct {
	CompleteFunc func(ctx context.Context, prompt string) (string, error)
	Prompts      []string
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt)
	}
	return "", nil
}

func sampleContext() *fault.Context {
	return &fault.Context{
		FailedFunction: "fetchData",
		ErrorMessage:   `key "user" not found`,
		Traceback:      "error: key \"user\" not found\n",
		StackFunctions: []string{"fetchData", "main"},
		ContextSources: map[string]string{
			"fetchData": "func fetchData() (string, error) {\n\treturn \"\", errMissing\n}",
			"main":      "func main() {}",
			"helper":    fault.PlaceholderPrefix + "not bound",
		},
	}
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"go fence", "Here you go:\n```go\nfunc f() int { return 1 }\n```\nDone.", "func f() int { return 1 }"},
		{"bare fence", "```\nfunc f() {}\n```", "func f() {}"},
		{"other tag", "```golang\nfunc f() {}\n```", "func f() {}"},
		{"first of two", "```go\nfunc a() {}\n```\n```go\nfunc b() {}\n```", "func a() {}"},
		{"raw is verbatim", "  func f() int { return 2 }\n", "  func f() int { return 2 }\n"},
		{"inline fence", "```func f() int { return 1 }```", "func f() int { return 1 }"},
		{"inline fence in prose", "Use ```func f() int { return 1 }``` instead.", "func f() int { return 1 }"},
		{"unterminated", "```go\nfunc f() {}\n", "func f() {}"},
		{"empty fence", "```go\n```", ""},
		{"blank reply", "   ", "   "},
		{"tag only", "```go", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCode(tt.reply))
		})
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := BuildRequest(sampleContext())
	require.NoError(t, err)

	assert.Equal(t, "Function: fetchData\nError: key \"user\" not found\nFull Traceback:\nerror: key \"user\" not found\n", req.ErrorInfo)
	assert.Contains(t, req.FailedFunctionSource, "errMissing")

	assert.True(t, strings.HasPrefix(req.ContextSection, "\nCONTEXT FUNCTIONS (from call stack):\n"))
	assert.NotContains(t, req.ContextSection, "--- fetchData() ---")
	helper := strings.Index(req.ContextSection, "--- helper() ---")
	main := strings.Index(req.ContextSection, "--- main() ---\n```go\nfunc main() {}\n```\n")
	require.Positive(t, helper)
	require.Positive(t, main)
	assert.Less(t, helper, main, "context functions are sorted")
}

func TestBuildRequest_SourceUnavailable(t *testing.T) {
	fc := sampleContext()
	fc.ContextSources["fetchData"] = fault.Placeholder(errors.New("gone"))

	_, err := BuildRequest(fc)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestPrompt_Templates(t *testing.T) {
	dir := t.TempDir()
	req, err := BuildRequest(sampleContext())
	require.NoError(t, err)

	t.Run("missing file uses default", func(t *testing.T) {
		g := New(&MockClient{}, NewTemplateSource(filepath.Join(dir, "missing.md")))
		out, err := g.Prompt(req)
		require.NoError(t, err)
		assert.Contains(t, out, "FAILED FUNCTION SOURCE:")
		assert.Contains(t, out, req.ErrorInfo)

		_, fallback := g.Templates().Template()
		assert.True(t, fallback)
	})

	t.Run("custom file", func(t *testing.T) {
		path := filepath.Join(dir, "custom.md")
		require.NoError(t, os.WriteFile(path, []byte("FIX {{.FailedFunctionSource}}"), 0644))

		g := New(&MockClient{}, NewTemplateSource(path))
		out, err := g.Prompt(req)
		require.NoError(t, err)
		assert.Equal(t, "FIX "+req.FailedFunctionSource, out)
	})

	t.Run("unparsable file uses default", func(t *testing.T) {
		path := filepath.Join(dir, "broken.md")
		require.NoError(t, os.WriteFile(path, []byte("{{.ErrorInfo"), 0644))

		g := New(&MockClient{}, NewTemplateSource(path))
		out, err := g.Prompt(req)
		require.NoError(t, err)
		assert.Contains(t, out, "FAILED FUNCTION SOURCE:")
	})

	t.Run("unknown field uses default", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.md")
		require.NoError(t, os.WriteFile(path, []byte("{{.Nope}}"), 0644))

		g := New(&MockClient{}, NewTemplateSource(path))
		out, err := g.Prompt(req)
		require.NoError(t, err)
		assert.Contains(t, out, "FAILED FUNCTION SOURCE:")
	})
}

func TestTemplateWatchInvalidates(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "ape_prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	src := NewTemplateSource(path)
	require.NoError(t, src.Watch(context.Background()))
	defer src.Close()

	g := New(&MockClient{}, src)
	out, err := g.Prompt(Request{})
	require.NoError(t, err)
	require.Equal(t, "v1", out)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
	require.Eventually(t, func() bool {
		out, err := g.Prompt(Request{})
		return err == nil && out == "v2"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, src.Close())
}

func TestRequestFix(t *testing.T) {
	client := &MockClient{CompleteFunc: func(_ context.Context, prompt string) (string, error) {
		return "```go\nfunc fetchData() (string, error) { return \"ok\", nil }\n```", nil
	}}
	g := New(client, nil)

	code, err := g.RequestFix(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, `func fetchData() (string, error) { return "ok", nil }`, code)
	require.Len(t, client.Prompts, 1)
	assert.Contains(t, client.Prompts[0], "Function: fetchData")
}

func TestRequestFix_InlineFence(t *testing.T) {
	g := New(&MockClient{CompleteFunc: func(context.Context, string) (string, error) {
		return "```func fetchData() (string, error) { return \"ok\", nil }```", nil
	}}, nil)

	code, err := g.RequestFix(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, `func fetchData() (string, error) { return "ok", nil }`, code)
}

func TestRequestFix_Failures(t *testing.T) {
	t.Run("client error", func(t *testing.T) {
		g := New(&MockClient{CompleteFunc: func(context.Context, string) (string, error) {
			return "", &RequestError{Reason: "transport error"}
		}}, nil)
		_, err := g.RequestFix(context.Background(), sampleContext())
		var reqErr *RequestError
		assert.ErrorAs(t, err, &reqErr)
	})

	t.Run("empty reply", func(t *testing.T) {
		g := New(&MockClient{CompleteFunc: func(context.Context, string) (string, error) {
			return "```go\n\n```", nil
		}}, nil)
		_, err := g.RequestFix(context.Background(), sampleContext())
		assert.ErrorIs(t, err, ErrEmptyPatch)
	})

	t.Run("blank unfenced reply", func(t *testing.T) {
		g := New(&MockClient{CompleteFunc: func(context.Context, string) (string, error) {
			return " \n\t", nil
		}}, nil)
		_, err := g.RequestFix(context.Background(), sampleContext())
		assert.ErrorIs(t, err, ErrEmptyPatch)
	})

	t.Run("no source sends nothing", func(t *testing.T) {
		client := &MockClient{}
		fc := sampleContext()
		delete(fc.ContextSources, "fetchData")
		_, err := New(client, nil).RequestFix(context.Background(), fc)
		assert.ErrorIs(t, err, ErrSourceUnavailable)
		assert.Empty(t, client.Prompts)
	})
}

func testLLMConfig(endpoint string) config.LLMConfig {
	cfg := config.DefaultConfig().LLM
	cfg.Endpoint = endpoint
	cfg.APIKey = "test-key"
	return cfg
}

func TestHTTPClient_Success(t *testing.T) {
	var got MessagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"content":[{"type":"text","text":"hello"}]}`)
	}))
	defer server.Close()

	text, err := NewHTTPClient(testLLMConfig(server.URL), time.Second).Complete(context.Background(), "fix it")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	assert.Equal(t, "claude-3-sonnet-20240229", got.Model)
	assert.Equal(t, 1500, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, Message{Role: "user", Content: "fix it"}, got.Messages[0])
}

func TestHTTPClient_CustomCredentialHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"content":[{"text":"ok"}]}`)
	}))
	defer server.Close()

	cfg := testLLMConfig(server.URL)
	cfg.CredentialHeader = "Authorization"
	cfg.APIKey = "Bearer test-key"
	text, err := NewHTTPClient(cfg, time.Second).Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestHTTPClient_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"malformed json", http.StatusOK, `{"content": [`, "malformed reply"},
		{"server error", http.StatusInternalServerError, `boom`, "boom"},
		{"empty content", http.StatusOK, `{"content":[]}`, "no content text"},
		{"missing text", http.StatusOK, `{"content":[{"type":"tool_use"}]}`, "no content text"},
		{"wrong shape", http.StatusOK, `{"choices":[{"text":"x"}]}`, "no content text"},
		{"service error", http.StatusOK, `{"error":{"type":"overloaded","message":"busy"}}`, "service error: busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := NewHTTPClient(testLLMConfig(server.URL), time.Second).Complete(context.Background(), "p")
			var reqErr *RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Contains(t, reqErr.Reason, tt.reason)
		})
	}
}

func TestHTTPClient_RetriesRateLimitOnly(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"content":[{"text":"after retry"}]}`)
	}))
	defer server.Close()

	client := NewHTTPClient(testLLMConfig(server.URL), time.Second).WithBackoff(time.Millisecond)
	text, err := client.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "after retry", text)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	server500 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server500.Close()

	_, err = NewHTTPClient(testLLMConfig(server500.URL), time.Second).WithBackoff(time.Millisecond).Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewHTTPClient(testLLMConfig(url), time.Second).Complete(context.Background(), "p")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 0, reqErr.StatusCode)
	assert.Equal(t, "transport error", reqErr.Reason)
}
