package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// StatusError is a non-2xx reply from llama-server.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llama-server %s: http %d: %s", e.Path, e.Status, e.Body)
}

// client talks to one llama-server instance over its native JSON endpoints.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string, connectTimeout time.Duration) *client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	// Timeout stays 0: every call carries its deadline on the context.
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Transport: tr, Timeout: 0},
	}
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("llama-server %s: decode response: %w", path, err)
	}
	return nil
}

// health returns nil once the server has finished loading the model.
func (c *client) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// servedModels reports what the server has loaded: /props model_path, or
// the ids of the OpenAI-style /v1/models listing on builds without /props.
func (c *client) servedModels(ctx context.Context) ([]string, error) {
	var props struct {
		ModelPath string `json:"model_path"`
	}
	perr := c.do(ctx, http.MethodGet, "/props", nil, &props)
	if perr == nil && props.ModelPath != "" {
		return []string{props.ModelPath}, nil
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/models", nil, &list); err != nil {
		if perr != nil {
			return nil, perr
		}
		return nil, err
	}
	var out []string
	for _, m := range list.Data {
		if m.ID != "" {
			out = append(out, m.ID)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("llama-server reports no loaded model")
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *client) applyTemplate(ctx context.Context, msgs []chatMessage) (string, error) {
	var out struct {
		Prompt string `json:"prompt"`
	}
	if err := c.do(ctx, http.MethodPost, "/apply-template", map[string]any{"messages": msgs}, &out); err != nil {
		return "", err
	}
	return out.Prompt, nil
}

type tokenizeRequest struct {
	Content      string `json:"content"`
	AddSpecial   bool   `json:"add_special"`
	ParseSpecial bool   `json:"parse_special"`
}

// tokenize encodes a rendered chat; the template already carries the
// special tokens so none are added.
func (c *client) tokenize(ctx context.Context, content string) ([]int, error) {
	var out struct {
		Tokens []int `json:"tokens"`
	}
	in := tokenizeRequest{Content: content, ParseSpecial: true}
	if err := c.do(ctx, http.MethodPost, "/tokenize", in, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

func (c *client) detokenize(ctx context.Context, ids []int) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if ids == nil {
		ids = []int{}
	}
	if err := c.do(ctx, http.MethodPost, "/detokenize", map[string]any{"tokens": ids}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// multimodalPrompt is the /completion prompt form that carries images.
// Each image replaces one mediaMarker in PromptString, in order.
type multimodalPrompt struct {
	PromptString   string   `json:"prompt_string"`
	MultimodalData []string `json:"multimodal_data"`
}

type completionRequest struct {
	// Prompt is either []int or multimodalPrompt.
	Prompt        any      `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	ReturnTokens  bool     `json:"return_tokens"`
	CachePrompt   bool     `json:"cache_prompt"`
	Stream        bool     `json:"stream"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
}

type completionResponse struct {
	Content         string `json:"content"`
	Tokens          []int  `json:"tokens"`
	StopType        string `json:"stop_type"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	TokensPredicted int    `json:"tokens_predicted"`
}

func (c *client) completion(ctx context.Context, in completionRequest) (completionResponse, error) {
	var out completionResponse
	if err := c.do(ctx, http.MethodPost, "/completion", in, &out); err != nil {
		return completionResponse{}, err
	}
	if out.Tokens == nil && out.Content != "" {
		return completionResponse{}, errors.New("llama-server /completion: no tokens in response (server too old for return_tokens?)")
	}
	return out, nil
}
