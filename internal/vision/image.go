// Package vision resolves image references and prepares them for a
// vision-language model: fetch, decode, bound the pixel count, re-encode.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"inferd/internal/common/fsutil"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxPixels = 1280 * 28 * 28
	defaultMinPixels = 4 * 28 * 28
	defaultMaxBytes  = 20 << 20
	defaultTimeout   = 30 * time.Second
)

// ErrUnsupportedRef is returned for references that are neither URLs, data
// URIs nor (when allowed) local files.
var ErrUnsupportedRef = errors.New("unsupported image reference")

// Image is a decoded, size-bounded picture ready for the model runtime.
type Image struct {
	Source string
	Width  int
	Height int
	// PNG holds the re-encoded pixels.
	PNG []byte
}

// Base64 returns the PNG bytes as standard base64.
func (i Image) Base64() string { return base64.StdEncoding.EncodeToString(i.PNG) }

// Config bounds what a Loader accepts.
type Config struct {
	MaxPixels  int
	MinPixels  int
	MaxBytes   int64
	Timeout    time.Duration
	AllowLocal bool
}

// Loader fetches and normalizes images.
type Loader struct {
	cfg    Config
	client *http.Client
}

// NewLoader builds a Loader. client may be nil.
func NewLoader(cfg Config, client *http.Client) *Loader {
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = defaultMaxPixels
	}
	if cfg.MinPixels <= 0 {
		cfg.MinPixels = defaultMinPixels
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &Loader{cfg: cfg, client: client}
}

// Process loads every reference in order.
func (l *Loader) Process(ctx context.Context, refs []string) ([]Image, error) {
	out := make([]Image, 0, len(refs))
	for _, ref := range refs {
		img, err := l.Load(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// Load resolves one reference.
func (l *Loader) Load(ctx context.Context, ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	raw, err := l.fetch(ctx, ref)
	if err != nil {
		return Image{}, err
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("decode image %s: %w", shortRef(ref), err)
	}
	dst := l.bound(src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Image{}, fmt.Errorf("encode image: %w", err)
	}
	b := dst.Bounds()
	return Image{Source: ref, Width: b.Dx(), Height: b.Dy(), PNG: buf.Bytes()}, nil
}

func (l *Loader) fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return l.fetchHTTP(ctx, ref)
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURI(ref)
	case l.cfg.AllowLocal:
		p := strings.TrimPrefix(ref, "file://")
		p, err := fsutil.ExpandHome(p)
		if err != nil {
			return nil, err
		}
		if !fsutil.IsRegularFile(p) {
			return nil, fmt.Errorf("image file not found: %s", p)
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readLimited(f, l.cfg.MaxBytes)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRef, shortRef(ref))
	}
}

func (l *Loader) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image: %s", resp.Status)
	}
	return readLimited(resp.Body, l.cfg.MaxBytes)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("image exceeds %d bytes", max)
	}
	return b, nil
}

func decodeDataURI(ref string) ([]byte, error) {
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: malformed data URI", ErrUnsupportedRef)
	}
	meta := ref[len("data:"):comma]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("%w: data URI must be base64", ErrUnsupportedRef)
	}
	return base64.StdEncoding.DecodeString(ref[comma+1:])
}

// bound rescales src so its pixel count lies within [MinPixels, MaxPixels],
// keeping the aspect ratio.
func (l *Loader) bound(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return src
	}
	nw, nh := fitPixels(w, h, l.cfg.MinPixels, l.cfg.MaxPixels)
	if nw == w && nh == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func fitPixels(w, h, minPx, maxPx int) (int, int) {
	px := w * h
	var scale float64
	switch {
	case px > maxPx:
		scale = math.Sqrt(float64(maxPx) / float64(px))
	case px < minPx:
		scale = math.Sqrt(float64(minPx) / float64(px))
	default:
		return w, h
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

func shortRef(ref string) string {
	if len(ref) > 64 {
		return ref[:64] + "..."
	}
	return ref
}
