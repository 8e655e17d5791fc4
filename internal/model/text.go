package model

import (
	"context"
	"errors"
)

// TextMaxLength caps prompt plus generated tokens for the text variant.
const TextMaxLength = 4096

// TextHandle runs text-only chat completion on a causal language model.
type TextHandle struct {
	base
}

// NewTextHandle returns an unloaded text handle.
func NewTextHandle(name string, opts Options) *TextHandle {
	return &TextHandle{base: newBase(name, VariantText, opts.withDefaults())}
}

// Load binds tokenizer and weights, placing the weights on the selected
// device.
func (h *TextHandle) Load(ctx context.Context) error {
	return h.load(ctx, KindCausalLM, Placement{Device: h.device})
}

// Encode renders a system+user chat with a generation prompt and tokenizes
// it into a single-row batch.
func (h *TextHandle) Encode(ctx context.Context, prompt, sys string) (EncodedInput, error) {
	rt, err := h.runtime()
	if err != nil {
		return EncodedInput{}, err
	}
	return h.encode(ctx, rt, prompt, sys)
}

func (h *TextHandle) encode(ctx context.Context, rt Runtime, prompt, sys string) (EncodedInput, error) {
	msgs := []Message{
		{Role: RoleSystem, Content: sys},
		{Role: RoleUser, Content: prompt},
	}
	text, err := rt.ApplyChatTemplate(ctx, msgs, true)
	if err != nil {
		return EncodedInput{}, err
	}
	return rt.Encode(ctx, EncodeRequest{Texts: []string{text}})
}

// Run encodes, generates up to TextMaxLength total tokens and decodes the
// first output row. req.Image is ignored.
func (h *TextHandle) Run(ctx context.Context, req Request) (Result, error) {
	rt, err := h.runtime()
	if err != nil {
		return Result{}, err
	}
	enc, err := h.encode(ctx, rt, req.Prompt, req.Context)
	if err != nil {
		return Result{}, wrapInference(h.name, "encode", err)
	}
	greq := GenerateRequest{
		InputIDs:  enc.InputIDs,
		Prompts:   enc.Prompts,
		MaxLength: TextMaxLength,
		Sampling:  h.sampling,
	}
	if len(enc.AttentionMask) > 0 {
		greq.AttentionMask = enc.AttentionMask
	}
	out, err := h.generate(ctx, rt, greq)
	if err != nil {
		return Result{}, wrapInference(h.name, "generate", err)
	}
	if len(out) == 0 {
		return Result{}, wrapInference(h.name, "generate", errors.New("no output sequence"))
	}
	text, err := rt.Decode(ctx, out[0], DecodeOptions{SkipSpecialTokens: true})
	if err != nil {
		return Result{}, wrapInference(h.name, "decode", err)
	}
	return Result{Texts: []string{text}}, nil
}
