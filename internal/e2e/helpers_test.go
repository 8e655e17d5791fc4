package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"inferd/internal/httpapi"
	"inferd/internal/llamacpp"
	"inferd/internal/manager"
	"inferd/internal/model"
	"inferd/internal/platform"
)

// llamaStub answers the llama-server routes the backend uses: whitespace
// tokenizer, a ChatML-like template and a fixed completion. It reports
// modelPath as the loaded GGUF.
type llamaStub struct {
	mu          sync.Mutex
	modelPath   string
	vocab       map[string]int
	words       []string
	reply       []string
	completions int
}

func newLlamaStub(reply ...string) *llamaStub {
	s := &llamaStub{modelPath: "/models/qwen2.5-0.5b-instruct-q8_0.gguf", vocab: map[string]int{}, reply: reply}
	s.id("<pad>")
	return s
}

func (s *llamaStub) id(w string) int {
	if id, ok := s.vocab[w]; ok {
		return id
	}
	s.vocab[w] = len(s.words)
	s.words = append(s.words, w)
	return len(s.words) - 1
}

func (s *llamaStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completions
}

func (s *llamaStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(w)
	switch r.URL.Path {
	case "/health":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case "/props":
		_ = enc.Encode(map[string]string{"model_path": s.modelPath})
	case "/apply-template":
		var in struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		var b strings.Builder
		for _, m := range in.Messages {
			fmt.Fprintf(&b, "<|im_start|> %s %s <|im_end|> ", m.Role, m.Content)
		}
		b.WriteString("<|im_start|> assistant")
		_ = enc.Encode(map[string]string{"prompt": b.String()})
	case "/tokenize":
		var in struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		ids := []int{}
		for _, f := range strings.Fields(in.Content) {
			ids = append(ids, s.id(f))
		}
		_ = enc.Encode(map[string][]int{"tokens": ids})
	case "/detokenize":
		var in struct {
			Tokens []int `json:"tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		parts := make([]string, 0, len(in.Tokens))
		for _, id := range in.Tokens {
			parts = append(parts, s.words[id])
		}
		_ = enc.Encode(map[string]string{"content": strings.Join(parts, " ")})
	case "/completion":
		s.completions++
		ids := []int{}
		for _, f := range s.reply {
			ids = append(ids, s.id(f))
		}
		_ = enc.Encode(map[string]any{"content": strings.Join(s.reply, " "), "tokens": ids, "stop_type": "eos"})
	default:
		http.NotFound(w, r)
	}
}

// newStack wires the HTTP API to a manager whose backend attaches to stub.
func newStack(t *testing.T, stub http.Handler, variant model.Variant) (*httptest.Server, *manager.Manager) {
	t.Helper()
	llama := httptest.NewServer(stub)
	t.Cleanup(llama.Close)

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Backend: llamacpp.New(llamacpp.Config{URL: llama.URL}, zerolog.Nop()),
		Variant: variant,
		Device:  platform.CPU,
	})
	t.Cleanup(func() { _ = mgr.Close() })
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(srv.Close)
	return srv, mgr
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func message(t *testing.T, body []byte) string {
	t.Helper()
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode message %q: %v", body, err)
	}
	return m.Message
}
