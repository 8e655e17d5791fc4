package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/model"
	"inferd/internal/platform"
	"inferd/internal/worker"
)

// In-band replies of Initialize and of the generation routes.
const (
	MsgAlreadyLoaded = "Model already loaded."
	MsgLoaded        = "Model loaded."
	MsgNotFound      = "Model not found."
	MsgNotLoaded     = "Model not loaded."
)

// State is the lifecycle state of the session.
type State string

const (
	StateEmpty   State = "empty"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Manager holds at most one loaded model handle. The handle is set once by
// a successful Initialize and never replaced.
type Manager struct {
	// loadMu serializes Initialize.
	loadMu sync.Mutex

	mu       sync.RWMutex
	state    State
	handle   model.Handle
	loadedAt time.Time
	lastErr  string

	backend   model.Backend
	images    model.ImageProcessor
	variant   model.Variant
	device    platform.Device
	sampling  model.Sampling
	pool      *worker.Pool
	publisher EventPublisher
	log       zerolog.Logger

	generateTimeout time.Duration
	newHandle       func(string, model.Variant, model.Options) (model.Handle, error)

	startTime   time.Time
	loads       atomic.Uint64
	generations atomic.Uint64
}

// New returns a Manager for the given backend with package defaults.
func New(backend model.Backend, images model.ImageProcessor) *Manager {
	return NewWithConfig(ManagerConfig{Backend: backend, Images: images})
}

func (m *Manager) current() model.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// Initialize resolves name and loads it unless a model is already held.
// It returns one of MsgAlreadyLoaded, MsgLoaded or MsgNotFound; a load
// failure returns an error and leaves the session empty.
func (m *Manager) Initialize(ctx context.Context, name string) (string, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if h := m.current(); h != nil {
		m.log.Debug().Str("model", name).Str("loaded", h.Name()).Msg("initialize: already loaded")
		return MsgAlreadyLoaded, nil
	}
	v, ok := model.Resolve(name, m.variant)
	if !ok {
		m.log.Info().Str("model", name).Msg("initialize: unrecognized model")
		m.publisher.Publish(Event{Name: EventModelNotFound, Model: name})
		return MsgNotFound, nil
	}

	h, err := m.newHandle(name, v, model.Options{
		Backend:  m.backend,
		Executor: m.pool,
		Images:   m.images,
		Device:   m.device,
		Sampling: m.sampling,
		Logger:   m.log,
	})
	if err != nil {
		err = &model.LoadError{Model: name, Err: err}
		m.fail(name, v, err)
		return "", err
	}

	m.setState(StateLoading, "")
	m.publisher.Publish(Event{Name: EventLoadStart, Model: name, Fields: map[string]any{"variant": string(v), "device": m.device.String()}})
	start := time.Now()
	if err := h.Load(ctx); err != nil {
		_ = h.Close()
		if !model.IsLoadError(err) {
			err = &model.LoadError{Model: name, Err: err}
		}
		m.fail(name, v, err)
		return "", err
	}

	m.mu.Lock()
	m.handle = h
	m.loadedAt = time.Now()
	m.state = StateReady
	m.lastErr = ""
	m.mu.Unlock()
	m.loads.Add(1)
	loadsTotal.WithLabelValues(string(v), "ok").Inc()
	m.publisher.Publish(Event{Name: EventLoadReady, Model: name, Fields: map[string]any{"id": h.ID(), "dur_ms": time.Since(start).Milliseconds()}})
	m.log.Info().Str("model", name).Str("variant", string(v)).Str("id", h.ID()).Dur("dur", time.Since(start)).Msg("model loaded")
	return MsgLoaded, nil
}

func (m *Manager) fail(name string, v model.Variant, err error) {
	m.setState(StateError, err.Error())
	loadsTotal.WithLabelValues(string(v), "error").Inc()
	m.publisher.Publish(Event{Name: EventLoadError, Model: name, Fields: map[string]any{"error": err.Error()}})
	m.log.Error().Err(err).Str("model", name).Msg("model load failed")
}

func (m *Manager) setState(s State, lastErr string) {
	m.mu.Lock()
	m.state = s
	m.lastErr = lastErr
	m.mu.Unlock()
}

// RunText runs the held model on a prompt and system context.
func (m *Manager) RunText(ctx context.Context, prompt, sys string) (model.Result, error) {
	return m.Run(ctx, model.Request{Prompt: prompt, Context: sys})
}

// RunMultimodal runs the held model with an optional image reference; ""
// means no image.
func (m *Manager) RunMultimodal(ctx context.Context, prompt, sys, image string) (model.Result, error) {
	return m.Run(ctx, model.Request{Prompt: prompt, Context: sys, Image: image})
}

// Run forwards req to the held handle under the generation timeout.
func (m *Manager) Run(ctx context.Context, req model.Request) (model.Result, error) {
	h := m.current()
	if h == nil {
		return model.Result{}, ErrNotLoaded
	}
	variant := string(h.Variant())

	runCtx := ctx
	if m.generateTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.generateTimeout)
		defer cancel()
	}

	generationsInflight.Inc()
	start := time.Now()
	res, err := h.Run(runCtx, req)
	generationsInflight.Dec()
	dur := time.Since(start)

	if err != nil {
		err = m.classify(ctx, runCtx, h.Name(), err)
		generationsTotal.WithLabelValues(variant, resultLabel(err)).Inc()
		m.publisher.Publish(Event{Name: EventGenerateError, Model: h.Name(), Fields: map[string]any{"error": err.Error()}})
		m.log.Warn().Err(err).Str("model", h.Name()).Dur("dur", dur).Msg("generation failed")
		return model.Result{}, err
	}
	m.generations.Add(1)
	generationsTotal.WithLabelValues(variant, "ok").Inc()
	generationDuration.WithLabelValues(variant).Observe(dur.Seconds())
	m.publisher.Publish(Event{Name: EventGenerateDone, Model: h.Name(), Fields: map[string]any{"dur_ms": dur.Milliseconds()}})
	m.log.Debug().Str("model", h.Name()).Dur("dur", dur).Int("rows", len(res.Texts)).Msg("generation done")
	return res, nil
}

// classify maps pool rejections to tooBusyError and our own deadline to
// timeoutError. A caller deadline or cancellation passes through.
func (m *Manager) classify(parent, runCtx context.Context, name string, err error) error {
	switch {
	case errors.Is(err, worker.ErrBusy):
		return tooBusyError{model: name}
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && runCtx.Err() != nil:
		return timeoutError{model: name, after: m.generateTimeout}
	}
	return err
}

// Close releases the held model.
func (m *Manager) Close() error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.state = StateEmpty
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	m.log.Info().Str("model", h.Name()).Msg("model released")
	return h.Close()
}
