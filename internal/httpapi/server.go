// Package httpapi exposes the model session over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/manager"
	"inferd/internal/model"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Initialize(ctx context.Context, name string) (string, error)
	RunText(ctx context.Context, prompt, sys string) (model.Result, error)
	RunMultimodal(ctx context.Context, prompt, sys, image string) (model.Result, error)
	Status() types.StatusResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if c := corsMiddleware(); c != nil {
		r.Use(c)
	}

	r.Post("/initialize", handleInitialize(svc))
	r.Post("/generate", handleText(svc))
	r.Post("/text_inference", handleText(svc))
	r.Post("/text_and_image_inference", handleTextAndImage(svc))

	r.Get("/status", handleStatus(svc))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// decodeJSON enforces a JSON content type and the body size limit. It
// writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleInitialize godoc
//
//	@Summary		Load a model
//	@Description	Loads the named model unless one is already held, in which case the body is not read. Names containing "qwen" are recognized.
//	@Tags			model
//	@Accept			json
//	@Produce		json
//	@Param			body	body		types.InitializeRequest	true	"Model to load"
//	@Success		200		{object}	types.MessageResponse
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		503		{object}	types.ErrorResponse
//	@Router			/initialize [post]
func handleInitialize(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			writeJSON(w, types.MessageResponse{Message: manager.MsgAlreadyLoaded})
			return
		}
		var req types.InitializeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		rl := newRequestLog(r)
		rl.begin("initialize", map[string]any{"model": req.ModelName})

		ctx, cancel := workContext(r)
		defer cancel()
		msg, err := svc.Initialize(ctx, req.ModelName)
		if err != nil {
			if aborted(r) {
				rl.end("initialize", 499, err)
				return
			}
			rl.end("initialize", writeServiceError(w, err), err)
			return
		}
		writeJSON(w, types.MessageResponse{Message: msg})
		rl.end("initialize", http.StatusOK, nil)
	}
}

// handleText godoc
//
//	@Summary		Text generation
//	@Description	Runs the loaded model on messages[0].content[0].text with system as context. Text models return a string, vision models an array of strings.
//	@Tags			inference
//	@Accept			json
//	@Produce		json
//	@Param			body	body		types.ChatRequest	true	"Chat request"
//	@Success		200		{object}	types.MessageResponse	"Model not loaded."
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		429		{object}	types.ErrorResponse
//	@Failure		500		{object}	types.ErrorResponse
//	@Failure		504		{object}	types.ErrorResponse
//	@Router			/generate [post]
//	@Router			/text_inference [post]
func handleText(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runChat(w, r, func(ctx context.Context, prompt, sys string) (model.Result, error) {
			return svc.RunText(ctx, prompt, sys)
		})
	}
}

// handleTextAndImage godoc
//
//	@Summary		Multimodal generation
//	@Description	Same body as /text_inference; the request carries no image so the model runs text-only.
//	@Tags			inference
//	@Accept			json
//	@Produce		json
//	@Param			body	body		types.ChatRequest	true	"Chat request"
//	@Success		200		{object}	types.MessageResponse	"Model not loaded."
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		429		{object}	types.ErrorResponse
//	@Failure		500		{object}	types.ErrorResponse
//	@Failure		504		{object}	types.ErrorResponse
//	@Router			/text_and_image_inference [post]
func handleTextAndImage(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runChat(w, r, func(ctx context.Context, prompt, sys string) (model.Result, error) {
			return svc.RunMultimodal(ctx, prompt, sys, "")
		})
	}
}

func runChat(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, prompt, sys string) (model.Result, error)) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prompt, ok := req.Prompt()
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "messages[0].content[0].text is required")
		return
	}
	rl := newRequestLog(r)
	rl.begin("generate", nil)
	rl.debug("generate prompt", map[string]any{"prompt": prompt, "system": req.System})

	ctx, cancel := workContext(r)
	defer cancel()
	res, err := run(ctx, prompt, req.System)
	if err != nil {
		if manager.IsNotLoaded(err) {
			writeJSON(w, types.MessageResponse{Message: manager.MsgNotLoaded})
			rl.end("generate", http.StatusOK, nil)
			return
		}
		if aborted(r) {
			rl.end("generate", 499, err)
			return
		}
		rl.end("generate", writeServiceError(w, err), err)
		return
	}
	rl.debug("generate result", map[string]any{"text": res.Text()})
	writeJSON(w, res)
	rl.end("generate", http.StatusOK, nil)
}

// handleStatus godoc
//
//	@Summary	Session status
//	@Tags		ops
//	@Produce	json
//	@Success	200	{object}	types.StatusResponse
//	@Router		/status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	}
}
