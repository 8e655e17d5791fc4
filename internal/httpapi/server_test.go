package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"inferd/internal/manager"
	"inferd/internal/model"
	"inferd/pkg/types"
)

type mockCall struct {
	prompt, sys, image string
	multimodal         bool
}

type mockService struct {
	mu      sync.Mutex
	initMsg string
	initErr error
	result  model.Result
	runErr  error
	status  types.StatusResponse
	ready   bool
	names   []string
	calls   []mockCall
}

func (m *mockService) Initialize(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return m.initMsg, m.initErr
}

func (m *mockService) RunText(ctx context.Context, prompt, sys string) (model.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{prompt: prompt, sys: sys})
	return m.result, m.runErr
}

func (m *mockService) RunMultimodal(ctx context.Context, prompt, sys, image string) (model.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{prompt: prompt, sys: sys, image: image, multimodal: true})
	return m.result, m.runErr
}

func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

const chatBody = `{"system":"You are terse.","messages":[{"content":[{"text":"Say hi."}]}]}`

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestInitialize_ReturnsMessage(t *testing.T) {
	for _, msg := range []string{manager.MsgLoaded, manager.MsgAlreadyLoaded, manager.MsgNotFound} {
		svc := &mockService{initMsg: msg}
		w := post(t, NewMux(svc), "/initialize", `{"model_name":"Qwen/Qwen2-VL-2B-Instruct"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
		}
		var body types.MessageResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body.Message != msg {
			t.Fatalf("message=%q want %q", body.Message, msg)
		}
		if len(svc.names) != 1 || svc.names[0] != "Qwen/Qwen2-VL-2B-Instruct" {
			t.Fatalf("names=%v", svc.names)
		}
	}
}

func TestInitialize_LoadFailureIs503(t *testing.T) {
	svc := &mockService{initErr: &model.LoadError{Model: "qwen", Err: context.Canceled}}
	w := post(t, NewMux(svc), "/initialize", `{"model_name":"qwen"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Code != http.StatusServiceUnavailable || body.Error == "" {
		t.Fatalf("body=%+v", body)
	}
}

func TestInitialize_RejectsNonJSON(t *testing.T) {
	svc := &mockService{}
	req := httptest.NewRequest(http.MethodPost, "/initialize", strings.NewReader(`{"model_name":"qwen"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
	if len(svc.names) != 0 {
		t.Fatalf("service should not be called")
	}
}

func TestInitialize_BadJSON(t *testing.T) {
	svc := &mockService{}
	w := post(t, NewMux(svc), "/initialize", `{"model_name":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInitialize_AlreadyLoadedSkipsBody(t *testing.T) {
	for _, tc := range []struct {
		ct, body string
	}{
		{"application/json", `{"model_name":"Qwen/Qwen2-VL-2B-Instruct"}`},
		{"application/json", `{"model_name":`},
		{"text/plain", `not json`},
		{"", ``},
	} {
		svc := &mockService{ready: true}
		req := httptest.NewRequest(http.MethodPost, "/initialize", strings.NewReader(tc.body))
		if tc.ct != "" {
			req.Header.Set("Content-Type", tc.ct)
		}
		w := httptest.NewRecorder()
		NewMux(svc).ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%q: status=%d body=%s", tc.body, w.Code, w.Body.String())
		}
		var body types.MessageResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body.Message != manager.MsgAlreadyLoaded {
			t.Fatalf("%q: message=%q", tc.body, body.Message)
		}
		if len(svc.names) != 0 {
			t.Fatalf("%q: service should not be called, names=%v", tc.body, svc.names)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	svc := &mockService{}
	w := post(t, NewMux(svc), "/initialize", `{"model_name":"`+strings.Repeat("q", 64)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if len(svc.names) != 0 {
		t.Fatalf("service should not be called")
	}
}

func TestTextInference_TextResult(t *testing.T) {
	svc := &mockService{result: model.Result{Texts: []string{"system You are terse. user Say hi. assistant Hi"}}}
	h := NewMux(svc)
	for _, path := range []string{"/text_inference", "/generate"} {
		w := post(t, h, path, chatBody)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, w.Code)
		}
		var got string
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("%s json: %v body=%s", path, err, w.Body.String())
		}
		if got != "system You are terse. user Say hi. assistant Hi" {
			t.Fatalf("%s got %q", path, got)
		}
	}
	if len(svc.calls) != 2 {
		t.Fatalf("calls=%d", len(svc.calls))
	}
	c := svc.calls[0]
	if c.prompt != "Say hi." || c.sys != "You are terse." || c.multimodal {
		t.Fatalf("call=%+v", c)
	}
}

func TestTextInference_VisionResultIsArray(t *testing.T) {
	svc := &mockService{result: model.Result{Texts: []string{"A cat."}, Batched: true}}
	w := post(t, NewMux(svc), "/text_inference", chatBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var got []string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v body=%s", err, w.Body.String())
	}
	if len(got) != 1 || got[0] != "A cat." {
		t.Fatalf("got %v", got)
	}
}

func TestTextAndImageInference_NoImage(t *testing.T) {
	svc := &mockService{result: model.Result{Texts: []string{"Hello"}, Batched: true}}
	w := post(t, NewMux(svc), "/text_and_image_inference", chatBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if len(svc.calls) != 1 {
		t.Fatalf("calls=%d", len(svc.calls))
	}
	c := svc.calls[0]
	if !c.multimodal || c.image != "" || c.prompt != "Say hi." || c.sys != "You are terse." {
		t.Fatalf("call=%+v", c)
	}
}

func TestTextInference_NotLoadedIsInBand(t *testing.T) {
	svc := &mockService{runErr: manager.ErrNotLoaded}
	for _, path := range []string{"/text_inference", "/text_and_image_inference"} {
		w := post(t, NewMux(svc), path, chatBody)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, w.Code)
		}
		var body types.MessageResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body.Message != "Model not loaded." {
			t.Fatalf("%s message=%q", path, body.Message)
		}
	}
}

func TestTextInference_MissingPrompt(t *testing.T) {
	svc := &mockService{}
	for _, body := range []string{`{"system":"x"}`, `{"messages":[{"content":[]}]}`} {
		w := post(t, NewMux(svc), "/text_inference", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status=%d", body, w.Code)
		}
	}
	if len(svc.calls) != 0 {
		t.Fatalf("service should not be called")
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "ready", LoadsTotal: 1, Model: &types.LoadedModel{Name: "qwen"}}}
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "ready" || body.LoadsTotal != 1 || body.Model == nil || body.Model.Name != "qwen" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff header=%q", got)
	}
}

func TestReadyz(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{ready: true}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	SetCORSOptions(true, nil, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/text_inference", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("missing Access-Control-Allow-Origin, headers=%v", w.Header())
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	if corsMiddleware() != nil {
		t.Fatalf("expected no CORS middleware when disabled")
	}
}
