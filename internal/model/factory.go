package model

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/platform"
	"inferd/internal/worker"
)

// Variant names a Handle implementation.
type Variant string

const (
	VariantText   Variant = "text"
	VariantVision Variant = "vision"
)

// ParseVariant maps a config value to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantText, VariantVision:
		return v, nil
	case "":
		return VariantVision, nil
	default:
		return "", fmt.Errorf("unknown model variant %q (want text or vision)", s)
	}
}

// Options are the collaborators handed to a new Handle.
type Options struct {
	Backend  Backend
	Executor Executor
	Images   ImageProcessor
	Device   platform.Device
	Sampling Sampling
	Logger   zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Executor == nil {
		o.Executor = worker.New(worker.Config{})
	}
	if o.Device == "" {
		o.Device = platform.Detect()
	}
	return o
}

// familyQwen is the only model family this server recognizes.
const familyQwen = "qwen"

// Resolve applies the model-name heuristic: names containing "qwen"
// (case-insensitive) map to the deployment's variant; anything else is
// unrecognized.
func Resolve(name string, deployment Variant) (Variant, bool) {
	if !strings.Contains(strings.ToLower(name), familyQwen) {
		return "", false
	}
	return deployment, true
}

// New constructs an unloaded handle of variant v.
func New(name string, v Variant, opts Options) (Handle, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("model %s: no backend configured", name)
	}
	switch v {
	case VariantText:
		return NewTextHandle(name, opts), nil
	case VariantVision:
		return NewVisionHandle(name, opts), nil
	default:
		return nil, fmt.Errorf("model %s: unknown variant %q", name, v)
	}
}
