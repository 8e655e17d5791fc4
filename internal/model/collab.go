package model

import (
	"context"

	"inferd/internal/platform"
	"inferd/internal/vision"
)

// Role of a chat turn.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// SegmentType tags a typed content part.
type SegmentType string

const (
	SegmentText  SegmentType = "text"
	SegmentImage SegmentType = "image"
)

// Segment is one typed content part of a multimodal message.
type Segment struct {
	Type  SegmentType `json:"type"`
	Text  string      `json:"text,omitempty"`
	Image string      `json:"image,omitempty"`
}

// Message is a chat turn. Text models use Content; multimodal models use
// Segments.
type Message struct {
	Role     Role      `json:"role"`
	Content  string    `json:"content,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// EncodeRequest is the input to Tokenizer.Encode.
type EncodeRequest struct {
	Texts  []string
	Images []vision.Image
	// Pad right-aligns rows to the longest one and masks the padding.
	Pad bool
}

// EncodedInput is a tokenized batch.
type EncodedInput struct {
	// Prompts holds the rendered text of each row.
	Prompts  []string
	InputIDs [][]int
	// AttentionMask is nil when the encoder produced none.
	AttentionMask [][]int
	Images        []vision.Image
}

// DecodeOptions controls Tokenizer.Decode.
type DecodeOptions struct {
	SkipSpecialTokens bool
}

// Tokenizer is the text (or multimodal) encoder/decoder bound to a model.
type Tokenizer interface {
	ApplyChatTemplate(ctx context.Context, msgs []Message, addGenerationPrompt bool) (string, error)
	Encode(ctx context.Context, req EncodeRequest) (EncodedInput, error)
	Decode(ctx context.Context, ids []int, opts DecodeOptions) (string, error)
}

// Sampling holds decoding parameters. Zero values leave runtime defaults in
// place; Temperature < 0 requests greedy decoding.
type Sampling struct {
	Temperature   float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP          float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK          int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	Seed          int     `json:"seed" yaml:"seed" toml:"seed"`
	RepeatPenalty float32 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
}

// GenerateRequest is the input to Generator.Generate. Exactly one of
// MaxLength (prompt + new tokens) or MaxNewTokens is set.
type GenerateRequest struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Images        []vision.Image
	Prompts       []string
	MaxLength     int
	MaxNewTokens  int
	Sampling      Sampling
}

// Generator runs autoregressive generation. Each returned row is the input
// row followed by the generated tokens. Calls block for as long as the
// model computes.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([][]int, error)
}

// Runtime is a loaded model: its encoder/decoder plus its weights.
type Runtime interface {
	Tokenizer
	Generator
	Close() error
}

// Kind selects which model class a Backend materializes.
type Kind string

const (
	KindCausalLM Kind = "causal-lm"
	KindVisionLM Kind = "vision-lm"
)

// Placement says where weights go. Auto lets the runtime split layers
// across available devices itself.
type Placement struct {
	Device platform.Device
	Auto   bool
}

// LoadRequest asks a Backend for a runtime.
type LoadRequest struct {
	Name      string
	Kind      Kind
	Placement Placement
}

// Backend resolves a model identifier into a Runtime.
type Backend interface {
	Load(ctx context.Context, req LoadRequest) (Runtime, error)
}

// ImageProcessor extracts pictures referenced by image segments.
type ImageProcessor interface {
	Process(ctx context.Context, refs []string) ([]vision.Image, error)
}

// Executor runs a blocking call away from the request goroutine.
type Executor interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}
