package manager

import (
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/model"
	"inferd/internal/platform"
	"inferd/internal/worker"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultGenerateTimeout = 10 * time.Minute
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Backend model.Backend
	// Images is required for image references on the vision variant.
	Images model.ImageProcessor
	// Variant is what a qwen-family name resolves to; "" means vision.
	Variant  model.Variant
	Device   platform.Device
	Sampling model.Sampling

	// Generation pool. Zero values use worker package defaults.
	Workers       int
	MaxQueueDepth int
	MaxWait       time.Duration
	// GenerateTimeout bounds each generation call; 0 selects the default,
	// a negative value disables the limit.
	GenerateTimeout time.Duration

	Publisher EventPublisher
	Logger    zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:     StateEmpty,
		backend:   cfg.Backend,
		images:    cfg.Images,
		variant:   cfg.Variant,
		device:    cfg.Device,
		sampling:  cfg.Sampling,
		publisher: cfg.Publisher,
		log:       cfg.Logger.With().Str("component", "manager").Logger(),
		newHandle: model.New,
		startTime: time.Now(),
	}
	if m.variant == "" {
		m.variant = model.VariantVision
	}
	if m.device == "" {
		m.device = platform.Detect()
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	switch {
	case cfg.GenerateTimeout == 0:
		m.generateTimeout = defaultGenerateTimeout
	case cfg.GenerateTimeout > 0:
		m.generateTimeout = cfg.GenerateTimeout
	}
	m.pool = worker.New(worker.Config{
		Workers:    cfg.Workers,
		QueueDepth: cfg.MaxQueueDepth,
		MaxWait:    cfg.MaxWait,
	})
	return m
}
