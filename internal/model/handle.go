// Package model hides the differences between a text-only chat model and a
// vision-language model behind one Handle interface.
//
// A Handle is created unloaded, loaded once through a Backend, and then run
// concurrently. Generation is handed to an Executor and serialized per
// handle; encode and decode run on the caller's goroutine.
package model

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/platform"
)

// Request is one generation call.
type Request struct {
	Prompt  string
	Context string
	// Image is an image reference; "" means none.
	Image string
}

// Result is the decoded output. A batched result serializes as a JSON array,
// otherwise as a single JSON string.
type Result struct {
	Texts   []string
	Batched bool
}

// Text joins all rows.
func (r Result) Text() string { return strings.Join(r.Texts, "") }

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Batched {
		if r.Texts == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.Texts)
	}
	return json.Marshal(r.Text())
}

// Handle is a loaded model plus its encoder/decoder.
type Handle interface {
	ID() string
	Name() string
	Variant() Variant
	Device() platform.Device
	Loaded() bool
	// Load materializes the model. It is not idempotent: calling it again
	// replaces the runtime.
	Load(ctx context.Context) error
	Run(ctx context.Context, req Request) (Result, error)
	Close() error
}

// base carries the state shared by both variants.
type base struct {
	id       string
	name     string
	variant  Variant
	device   platform.Device
	backend  Backend
	exec     Executor
	sampling Sampling
	log      zerolog.Logger

	mu     sync.RWMutex
	rt     Runtime
	loaded bool

	// genMu makes the runtime a single-writer resource.
	genMu sync.Mutex
}

func newBase(name string, v Variant, opts Options) base {
	return base{
		id:       uuid.NewString(),
		name:     name,
		variant:  v,
		device:   opts.Device,
		backend:  opts.Backend,
		exec:     opts.Executor,
		sampling: opts.Sampling,
		log:      opts.Logger.With().Str("model", name).Str("variant", string(v)).Logger(),
	}
}

func (b *base) ID() string              { return b.id }
func (b *base) Name() string            { return b.name }
func (b *base) Variant() Variant        { return b.variant }
func (b *base) Device() platform.Device { return b.device }

func (b *base) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

func (b *base) load(ctx context.Context, kind Kind, placement Placement) error {
	start := time.Now()
	b.log.Info().Str("device", b.device.String()).Bool("auto_placement", placement.Auto).Msg("load start")
	rt, err := b.backend.Load(ctx, LoadRequest{Name: b.name, Kind: kind, Placement: placement})
	if err != nil {
		b.log.Error().Err(err).Msg("load failed")
		return &LoadError{Model: b.name, Err: err}
	}
	b.mu.Lock()
	prev := b.rt
	b.rt = rt
	b.loaded = true
	b.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	b.log.Info().Dur("dur", time.Since(start)).Msg("load ready")
	return nil
}

func (b *base) runtime() (Runtime, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.loaded || b.rt == nil {
		return nil, ErrNotLoaded
	}
	return b.rt, nil
}

// generate submits one Generate call to the executor, holding genMu while
// the runtime computes.
func (b *base) generate(ctx context.Context, rt Runtime, req GenerateRequest) ([][]int, error) {
	var out [][]int
	start := time.Now()
	err := b.exec.Do(ctx, func(ctx context.Context) error {
		b.genMu.Lock()
		defer b.genMu.Unlock()
		var err error
		out, err = rt.Generate(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.log.Debug().Dur("dur", time.Since(start)).Int("rows", len(out)).Msg("generate done")
	return out, nil
}

// Close releases the runtime and marks the handle unloaded.
func (b *base) Close() error {
	b.mu.Lock()
	rt := b.rt
	b.rt = nil
	b.loaded = false
	b.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Close()
}
