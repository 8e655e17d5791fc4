package model

import (
	"context"
	"errors"
)

// VisionMaxNewTokens caps generated tokens for the vision variant.
const VisionMaxNewTokens = 8192

// VisionHandle runs text and optional-image chat on a vision-language model.
type VisionHandle struct {
	base
	images ImageProcessor
}

// NewVisionHandle returns an unloaded vision handle.
func NewVisionHandle(name string, opts Options) *VisionHandle {
	opts = opts.withDefaults()
	return &VisionHandle{base: newBase(name, VariantVision, opts), images: opts.Images}
}

// Load binds the multimodal processor and weights with automatic placement.
func (h *VisionHandle) Load(ctx context.Context) error {
	return h.load(ctx, KindVisionLM, Placement{Device: h.device, Auto: true})
}

// visionMessages builds the typed-segment chat. The image segment precedes
// the user text and is present only when image != "".
func visionMessages(prompt, sys, image string) []Message {
	user := make([]Segment, 0, 2)
	if image != "" {
		user = append(user, Segment{Type: SegmentImage, Image: image})
	}
	user = append(user, Segment{Type: SegmentText, Text: prompt})
	return []Message{
		{Role: RoleSystem, Segments: []Segment{{Type: SegmentText, Text: sys}}},
		{Role: RoleUser, Segments: user},
	}
}

// imageRefs collects image references from segments in message order.
func imageRefs(msgs []Message) []string {
	var refs []string
	for _, m := range msgs {
		for _, s := range m.Segments {
			if s.Type == SegmentImage && s.Image != "" {
				refs = append(refs, s.Image)
			}
		}
	}
	return refs
}

// Encode renders the chat and encodes it. With an image the image processor
// runs once and text and pixels are encoded jointly into a padded batch;
// without one only the text is encoded.
func (h *VisionHandle) Encode(ctx context.Context, prompt, sys, image string) (EncodedInput, error) {
	rt, err := h.runtime()
	if err != nil {
		return EncodedInput{}, err
	}
	return h.encode(ctx, rt, prompt, sys, image)
}

func (h *VisionHandle) encode(ctx context.Context, rt Runtime, prompt, sys, image string) (EncodedInput, error) {
	msgs := visionMessages(prompt, sys, image)
	text, err := rt.ApplyChatTemplate(ctx, msgs, true)
	if err != nil {
		return EncodedInput{}, err
	}
	if image == "" {
		return rt.Encode(ctx, EncodeRequest{Texts: []string{text}})
	}
	if h.images == nil {
		return EncodedInput{}, errors.New("no image processor configured")
	}
	imgs, err := h.images.Process(ctx, imageRefs(msgs))
	if err != nil {
		return EncodedInput{}, err
	}
	return rt.Encode(ctx, EncodeRequest{Texts: []string{text}, Images: imgs, Pad: true})
}

// Run encodes, generates up to VisionMaxNewTokens, drops the echoed prompt
// prefix of every row and decodes each row.
func (h *VisionHandle) Run(ctx context.Context, req Request) (Result, error) {
	rt, err := h.runtime()
	if err != nil {
		return Result{}, err
	}
	enc, err := h.encode(ctx, rt, req.Prompt, req.Context, req.Image)
	if err != nil {
		return Result{}, wrapInference(h.name, "encode", err)
	}
	out, err := h.generate(ctx, rt, GenerateRequest{
		InputIDs:      enc.InputIDs,
		AttentionMask: enc.AttentionMask,
		Images:        enc.Images,
		Prompts:       enc.Prompts,
		MaxNewTokens:  VisionMaxNewTokens,
		Sampling:      h.sampling,
	})
	if err != nil {
		return Result{}, wrapInference(h.name, "generate", err)
	}
	trimmed := trimPrompt(enc.InputIDs, out)
	texts := make([]string, 0, len(trimmed))
	for _, ids := range trimmed {
		s, err := rt.Decode(ctx, ids, DecodeOptions{SkipSpecialTokens: true})
		if err != nil {
			return Result{}, wrapInference(h.name, "decode", err)
		}
		texts = append(texts, s)
	}
	return Result{Texts: texts, Batched: true}, nil
}

// trimPrompt returns outputs[i][len(inputs[i]):] for each row that has a
// matching input row.
func trimPrompt(inputs, outputs [][]int) [][]int {
	n := len(outputs)
	if len(inputs) < n {
		n = len(inputs)
	}
	res := make([][]int, n)
	for i := 0; i < n; i++ {
		p := len(inputs[i])
		if p > len(outputs[i]) {
			p = len(outputs[i])
		}
		res[i] = outputs[i][p:]
	}
	return res
}
