package model

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"inferd/internal/vision"
)

// fakeRuntime tokenizes on whitespace and "generates" a fixed completion.
type fakeRuntime struct {
	mu         sync.Mutex
	vocab      map[string]int
	words      []string
	completion []string
	genErr     error
	genDelay   time.Duration

	templates [][]Message
	encodes   []EncodeRequest
	gens      []GenerateRequest
	closed    bool

	running atomic.Int32
	peak    atomic.Int32
}

func newFakeRuntime(completion ...string) *fakeRuntime {
	return &fakeRuntime{vocab: map[string]int{}, completion: completion}
}

func (f *fakeRuntime) id(word string) int {
	if id, ok := f.vocab[word]; ok {
		return id
	}
	id := len(f.words)
	f.vocab[word] = id
	f.words = append(f.words, word)
	return id
}

func (f *fakeRuntime) ApplyChatTemplate(_ context.Context, msgs []Message, addGen bool) (string, error) {
	f.mu.Lock()
	f.templates = append(f.templates, msgs)
	f.mu.Unlock()
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString("<|im_start|> " + string(m.Role) + " ")
		if m.Content != "" {
			b.WriteString(m.Content + " ")
		}
		for _, s := range m.Segments {
			switch s.Type {
			case SegmentImage:
				b.WriteString("<|vision_start|> <|image_pad|> <|vision_end|> ")
			case SegmentText:
				b.WriteString(s.Text + " ")
			}
		}
		b.WriteString("<|im_end|> ")
	}
	if addGen {
		b.WriteString("<|im_start|> assistant")
	}
	return b.String(), nil
}

func (f *fakeRuntime) Encode(_ context.Context, req EncodeRequest) (EncodedInput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodes = append(f.encodes, req)
	out := EncodedInput{Prompts: req.Texts, Images: req.Images}
	for _, t := range req.Texts {
		var ids, mask []int
		for _, w := range strings.Fields(t) {
			ids = append(ids, f.id(w))
			mask = append(mask, 1)
		}
		out.InputIDs = append(out.InputIDs, ids)
		out.AttentionMask = append(out.AttentionMask, mask)
	}
	return out, nil
}

func (f *fakeRuntime) Decode(_ context.Context, ids []int, opts DecodeOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var parts []string
	for _, id := range ids {
		if id < 0 || id >= len(f.words) {
			return "", errors.New("unknown token id")
		}
		w := f.words[id]
		if opts.SkipSpecialTokens && strings.HasPrefix(w, "<|") {
			continue
		}
		parts = append(parts, w)
	}
	return strings.Join(parts, " "), nil
}

func (f *fakeRuntime) Generate(ctx context.Context, req GenerateRequest) ([][]int, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if f.genDelay > 0 {
		select {
		case <-time.After(f.genDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gens = append(f.gens, req)
	if f.genErr != nil {
		return nil, f.genErr
	}
	out := make([][]int, len(req.InputIDs))
	for i, row := range req.InputIDs {
		seq := append([]int(nil), row...)
		for _, w := range f.completion {
			seq = append(seq, f.id(w))
		}
		seq = append(seq, f.id("<|im_end|>"))
		out[i] = seq
	}
	return out, nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeBackend struct {
	rt    *fakeRuntime
	err   error
	calls []LoadRequest
}

func (b *fakeBackend) Load(_ context.Context, req LoadRequest) (Runtime, error) {
	b.calls = append(b.calls, req)
	if b.err != nil {
		return nil, b.err
	}
	return b.rt, nil
}

type fakeImages struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (p *fakeImages) Process(_ context.Context, refs []string) ([]vision.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, refs)
	if p.err != nil {
		return nil, p.err
	}
	out := make([]vision.Image, len(refs))
	for i, r := range refs {
		out[i] = vision.Image{Source: r, Width: 28, Height: 28}
	}
	return out, nil
}

// countingExecutor runs fn inline and counts submissions.
type countingExecutor struct {
	calls atomic.Int32
	err   error
}

func (e *countingExecutor) Do(ctx context.Context, fn func(context.Context) error) error {
	e.calls.Add(1)
	if e.err != nil {
		return e.err
	}
	return fn(ctx)
}
