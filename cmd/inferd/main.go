package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
	"inferd/internal/httpapi"
	"inferd/internal/llamacpp"
	"inferd/internal/manager"
	"inferd/internal/model"
	"inferd/internal/platform"
	"inferd/internal/vision"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// flagValues are the command-line overrides. Only flags the user set are
// applied over the config file.
type flagValues struct {
	configPath      string
	addr            string
	logLevel        string
	logFormat       string
	variant         string
	device          string
	workers         int
	queueDepth      int
	generateTimeout string
	llamaURL        string
	llamaBin        string
	llamaArgs       string
	ctxSize         int
	threads         int
	cors            bool
	corsOrigins     string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Single-model local inference server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newDeviceCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var fv flagValues
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, fv)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	bindServeFlags(cmd, &fv)
	return cmd
}

// bindServeFlags registers the serve flags on cmd, writing into fv.
func bindServeFlags(cmd *cobra.Command, fv *flagValues) {
	// Flags with environment variable defaults
	defaultAddr := ":8080"
	if v := os.Getenv("INFERD_ADDR"); v != "" {
		defaultAddr = v
	}
	defaultLogLevel := "info"
	if v := os.Getenv("INFERD_LOG_LEVEL"); v != "" {
		defaultLogLevel = v
	}

	f := cmd.Flags()
	f.StringVar(&fv.configPath, "config", os.Getenv("INFERD_CONFIG"), "Config file (.yaml, .json or .toml)")
	f.StringVar(&fv.addr, "addr", defaultAddr, "HTTP listen address, e.g. :8080")
	f.StringVar(&fv.logLevel, "log-level", defaultLogLevel, "Log level: debug, info, warn, error")
	f.StringVar(&fv.logFormat, "log-format", "console", "Log format: console or json")
	f.StringVar(&fv.variant, "variant", "vision", "What a qwen model name loads: text or vision")
	f.StringVar(&fv.device, "device", "auto", "Compute device: auto, cuda, metal or cpu")
	f.IntVar(&fv.workers, "workers", 0, "Generation workers (0=default)")
	f.IntVar(&fv.queueDepth, "queue-depth", 0, "Max queued generations before 429 (0=default, -1=no queue)")
	f.StringVar(&fv.generateTimeout, "generate-timeout", "10m", "Per-generation timeout; 0 disables")
	f.StringVar(&fv.llamaURL, "llama-url", "", "Attach to a running llama-server instead of spawning one")
	f.StringVar(&fv.llamaBin, "llama-bin", "", "Path to the llama-server binary")
	f.StringVar(&fv.llamaArgs, "llama-args", "", "Extra llama-server arguments, comma-separated")
	f.IntVar(&fv.ctxSize, "ctx-size", 0, "llama-server context size (0=server default)")
	f.IntVar(&fv.threads, "threads", 0, "llama-server threads (0=server default)")
	f.BoolVar(&fv.cors, "cors", false, "Enable CORS")
	f.StringVar(&fv.corsOrigins, "cors-origins", "", "Allowed CORS origins, comma-separated")
}

// resolveConfig layers defaults, the config file, environment defaults and
// explicitly set flags, in that order.
func resolveConfig(cmd *cobra.Command, fv flagValues) (config.Config, error) {
	cfg := config.Default()
	if fv.configPath != "" {
		fileCfg, err := config.Load(fv.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	if v := os.Getenv("INFERD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("INFERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	f := cmd.Flags()
	var over config.Config
	if f.Changed("addr") {
		over.Addr = fv.addr
	}
	if f.Changed("log-level") {
		over.LogLevel = fv.logLevel
	}
	if f.Changed("log-format") {
		over.LogFormat = fv.logFormat
	}
	if f.Changed("variant") {
		over.Variant = fv.variant
	}
	if f.Changed("device") {
		over.Device = fv.device
	}
	if f.Changed("workers") {
		over.Workers = fv.workers
	}
	if f.Changed("queue-depth") {
		over.QueueDepth = fv.queueDepth
	}
	if f.Changed("generate-timeout") {
		over.GenerateTimeout = fv.generateTimeout
	}
	if f.Changed("llama-url") {
		over.LlamaURL = fv.llamaURL
	}
	if f.Changed("llama-bin") {
		over.LlamaBin = fv.llamaBin
	}
	if f.Changed("llama-args") {
		over.LlamaArgs = splitCSV(fv.llamaArgs)
	}
	if f.Changed("ctx-size") {
		over.LlamaCtxSize = fv.ctxSize
	}
	if f.Changed("threads") {
		over.LlamaThreads = fv.threads
	}
	if f.Changed("cors-origins") {
		over.CORSOrigins = splitCSV(fv.corsOrigins)
	}
	cfg = config.Merge(cfg, over)
	// Merge only switches bools on; --cors=false must still win over the file.
	if f.Changed("cors") {
		cfg.CORSEnabled = fv.cors
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if strings.EqualFold(cfg.LogFormat, "json") {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l.Level(lvl).With().Timestamp().Str("svc", "inferd").Logger()
}

func newBackend(cfg config.Config, tm config.Timeouts, log zerolog.Logger) *llamacpp.Backend {
	return llamacpp.New(llamacpp.Config{
		URL:          cfg.LlamaURL,
		APIKey:       cfg.LlamaAPIKey,
		Bin:          cfg.LlamaBin,
		Host:         cfg.LlamaHost,
		PortStart:    cfg.LlamaPortStart,
		PortEnd:      cfg.LlamaPortEnd,
		CtxSize:      cfg.LlamaCtxSize,
		Threads:      cfg.LlamaThreads,
		ExtraArgs:    cfg.LlamaArgs,
		ReadyTimeout: tm.LlamaReady,
	}, log)
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := newLogger(cfg)
	tm, err := cfg.Timeouts()
	if err != nil {
		return err
	}
	variant, err := model.ParseVariant(cfg.Variant)
	if err != nil {
		return err
	}
	device := platform.Resolve(cfg.Device)

	images := vision.NewLoader(vision.Config{
		MaxPixels:  cfg.ImageMaxPixels,
		MinPixels:  cfg.ImageMinPixels,
		MaxBytes:   cfg.ImageMaxBytes,
		Timeout:    tm.Image,
		AllowLocal: cfg.ImageAllowLocal,
	}, nil)
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Backend:         newBackend(cfg, tm, log),
		Images:          images,
		Variant:         variant,
		Device:          device,
		Sampling:        cfg.Sampling,
		Workers:         cfg.Workers,
		MaxQueueDepth:   cfg.QueueDepth,
		MaxWait:         tm.MaxWait,
		GenerateTimeout: tm.Generate,
		Publisher:       manager.LogPublisher{Log: log.With().Str("component", "events").Logger()},
		Logger:          log,
	})

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetDefaultLogLevel(cfg.HTTPLogLevel)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, cfg.CORSMethods, cfg.CORSHeaders)

	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("device", device.String()).Str("variant", string(variant)).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	select {
	case err := <-errCh:
		if err != nil {
			_ = mgr.Close()
			return fmt.Errorf("server error: %w", err)
		}
	case <-stop:
	case <-ctx.Done():
	}

	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := mgr.Close(); err != nil {
		log.Warn().Err(err).Msg("model release error")
	}
	log.Info().Msg("inferd stopped")
	return nil
}

func newDeviceCmd() *cobra.Command {
	var llamaURL, llamaBin string
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Print the selected compute device and llama-server availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := llamacpp.New(llamacpp.Config{URL: llamaURL, Bin: llamaBin}, zerolog.Nop())
			out := struct {
				Device  string          `json:"device"`
				Backend llamacpp.Sanity `json:"backend"`
			}{Device: platform.Detect().String(), Backend: b.Check()}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&llamaURL, "llama-url", "", "Check a running llama-server instead of the binary")
	cmd.Flags().StringVar(&llamaBin, "llama-bin", "", "Path to the llama-server binary")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
