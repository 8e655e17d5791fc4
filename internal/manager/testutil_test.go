package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inferd/internal/model"
	"inferd/internal/platform"
)

// fakeHandle is an in-memory model.Handle used for tests.
type fakeHandle struct {
	name    string
	variant model.Variant
	opts    model.Options

	loadErr   error
	loadDelay time.Duration
	runFn     func(ctx context.Context, req model.Request) (model.Result, error)

	loads  atomic.Int32
	loaded atomic.Bool
	closed atomic.Bool

	mu   sync.Mutex
	reqs []model.Request
}

func (h *fakeHandle) ID() string              { return "fake-" + h.name }
func (h *fakeHandle) Name() string            { return h.name }
func (h *fakeHandle) Variant() model.Variant  { return h.variant }
func (h *fakeHandle) Device() platform.Device { return h.opts.Device }
func (h *fakeHandle) Loaded() bool            { return h.loaded.Load() }

func (h *fakeHandle) Load(ctx context.Context) error {
	h.loads.Add(1)
	if h.loadDelay > 0 {
		time.Sleep(h.loadDelay)
	}
	if h.loadErr != nil {
		return h.loadErr
	}
	h.loaded.Store(true)
	return nil
}

func (h *fakeHandle) Run(ctx context.Context, req model.Request) (model.Result, error) {
	h.mu.Lock()
	h.reqs = append(h.reqs, req)
	h.mu.Unlock()
	if h.runFn != nil {
		return h.runFn(ctx, req)
	}
	return model.Result{Texts: []string{"echo: " + req.Prompt}, Batched: h.variant == model.VariantVision}, nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	h.loaded.Store(false)
	return nil
}

func (h *fakeHandle) requests() []model.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Request(nil), h.reqs...)
}

// fakeFactory records every handle it builds. tmpl is copied per handle.
type fakeFactory struct {
	mu      sync.Mutex
	tmpl    fakeHandle
	handles []*fakeHandle
}

func (f *fakeFactory) New(name string, v model.Variant, opts model.Options) (model.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{
		name:      name,
		variant:   v,
		opts:      opts,
		loadErr:   f.tmpl.loadErr,
		loadDelay: f.tmpl.loadDelay,
		runFn:     f.tmpl.runFn,
	}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) built() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

// newTestManager builds a Manager whose handles come from f.
func newTestManager(cfg ManagerConfig, f *fakeFactory) *Manager {
	if cfg.Device == "" {
		cfg.Device = platform.CPU
	}
	m := NewWithConfig(cfg)
	m.newHandle = f.New
	return m
}

// failingBackend refuses every load.
type failingBackend struct{ err error }

func (b failingBackend) Load(context.Context, model.LoadRequest) (model.Runtime, error) {
	if b.err == nil {
		return nil, errors.New("no such repository")
	}
	return nil, b.err
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
