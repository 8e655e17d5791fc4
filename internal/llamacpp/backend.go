// Package llamacpp implements model.Backend on top of llama.cpp's
// llama-server, either attached to a running instance or spawned per model.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/internal/model"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultHost           = "127.0.0.1"
	defaultReadyTimeout   = 10 * time.Minute
	defaultConnectTimeout = 5 * time.Second
)

// ErrBinNotFound is returned in spawn mode when no llama-server executable
// can be located.
var ErrBinNotFound = errors.New("llama-server not found: set llama_bin or install llama.cpp")

// ErrModelMismatch is returned in attach mode when the running server holds
// a different model than the one requested.
var ErrModelMismatch = errors.New("model not served")

// Config selects attach or spawn mode. A non-empty URL means attach.
type Config struct {
	URL    string
	APIKey string

	Bin       string
	Host      string
	PortStart int
	PortEnd   int
	CtxSize   int
	Threads   int
	ExtraArgs []string

	// ReadyTimeout bounds the wait for a spawned server, including any
	// model download triggered by -hf.
	ReadyTimeout   time.Duration
	ConnectTimeout time.Duration
}

// Backend materializes model.Runtime values backed by llama-server.
type Backend struct {
	cfg Config
	log zerolog.Logger
}

// New returns a Backend. Zero Config fields select defaults.
func New(cfg Config, log zerolog.Logger) *Backend {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = defaultHost
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Backend{cfg: cfg, log: log.With().Str("component", "llamacpp").Logger()}
}

// Load attaches to or spawns a server for req.Name and verifies it is
// healthy.
func (b *Backend) Load(ctx context.Context, req model.LoadRequest) (model.Runtime, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.New("empty model name")
	}
	if b.cfg.URL != "" {
		return b.attach(ctx, req)
	}
	return b.spawn(ctx, req)
}

func (b *Backend) attach(ctx context.Context, req model.LoadRequest) (model.Runtime, error) {
	c := newClient(b.cfg.URL, b.cfg.APIKey, b.cfg.ConnectTimeout)
	hctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := c.health(hctx); err != nil {
		return nil, fmt.Errorf("llama-server at %s: %w", b.cfg.URL, err)
	}
	served, err := c.servedModels(hctx)
	if err != nil {
		return nil, fmt.Errorf("llama-server at %s: %w", b.cfg.URL, err)
	}
	if !servesAny(req.Name, served) {
		return nil, fmt.Errorf("%w: llama-server at %s serves %s, not %s", ErrModelMismatch, b.cfg.URL, strings.Join(served, ", "), req.Name)
	}
	b.log.Info().Str("url", b.cfg.URL).Str("model", req.Name).Strs("served", served).Str("kind", string(req.Kind)).Msg("attached")
	return &session{client: c, kind: req.Kind, log: b.log}, nil
}

func (b *Backend) spawn(ctx context.Context, req model.LoadRequest) (model.Runtime, error) {
	bin := DiscoverBin(b.cfg.Bin)
	if bin == "" {
		return nil, ErrBinNotFound
	}
	var (
		port int
		err  error
	)
	if b.cfg.PortStart > 0 && b.cfg.PortEnd >= b.cfg.PortStart {
		port, err = pickPortInRange(b.cfg.Host, b.cfg.PortStart, b.cfg.PortEnd)
	} else {
		port, err = pickFreePort(b.cfg.Host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := "http://" + net.JoinHostPort(b.cfg.Host, strconv.Itoa(port))
	c := newClient(baseURL, "", b.cfg.ConnectTimeout)

	sctx, cancel := context.WithTimeout(ctx, b.cfg.ReadyTimeout)
	defer cancel()
	log := b.log.With().Str("model", req.Name).Logger()
	proc, err := spawn(sctx, bin, b.args(req, port), baseURL, c, log)
	if err != nil {
		return nil, err
	}
	return &session{client: c, proc: proc, kind: req.Kind, log: log}, nil
}

// args builds the llama-server command line. Local files are passed with
// -m, anything else is treated as a Hugging Face repo id.
func (b *Backend) args(req model.LoadRequest, port int) []string {
	var args []string
	if path, err := fsutil.ExpandHome(req.Name); err == nil && fsutil.IsRegularFile(path) {
		args = append(args, "-m", path)
	} else {
		args = append(args, "-hf", req.Name)
	}
	args = append(args, "--host", b.cfg.Host, "--port", strconv.Itoa(port))
	if !req.Placement.Auto {
		args = append(args, "-ngl", strconv.Itoa(req.Placement.Device.GPULayers()))
	}
	if b.cfg.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(b.cfg.CtxSize))
	}
	if b.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.cfg.Threads))
	}
	return append(args, b.cfg.ExtraArgs...)
}

// servesAny reports whether one of the served paths or ids names the
// requested model. Names compare by lower-cased base name without a GGUF
// suffix or quant tag, so a repo id matches any quantization cached from it.
func servesAny(name string, served []string) bool {
	want := modelBase(name)
	if want == "" {
		return false
	}
	for _, s := range served {
		if strings.Contains(strings.ToLower(s), want) {
			return true
		}
	}
	return false
}

func modelBase(s string) string {
	s = strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), `/\`)
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".gguf")
	return strings.TrimSuffix(s, "-gguf")
}
