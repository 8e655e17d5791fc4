package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"inferd/internal/model"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nvariant: text\ndevice: cpu\nworkers: 2\ngenerate_timeout: 90s\nllama_args: [\"--flash-attn\"]\nsampling:\n  temperature: 0.5\n  top_k: 20\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.Variant != "text" || cfg.Device != "cpu" || cfg.Workers != 2 || cfg.GenerateTimeout != "90s" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.LlamaArgs) != 1 || cfg.LlamaArgs[0] != "--flash-attn" {
		t.Fatalf("llama_args=%v", cfg.LlamaArgs)
	}
	if cfg.Sampling.Temperature != 0.5 || cfg.Sampling.TopK != 20 {
		t.Fatalf("sampling=%+v", cfg.Sampling)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","llama_url":"http://127.0.0.1:8081","queue_depth":4,"cors_enabled":true,"cors_origins":["http://a"]}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.LlamaURL != "http://127.0.0.1:8081" || cfg.QueueDepth != 4 || !cfg.CORSEnabled || len(cfg.CORSOrigins) != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nllama_bin=\"/opt/llama-server\"\nllama_ctx_size=8192\nimage_allow_local=true\n[sampling]\nseed=42\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.LlamaBin != "/opt/llama-server" || cfg.LlamaCtxSize != 8192 || !cfg.ImageAllowLocal || cfg.Sampling.Seed != 42 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "bad.yaml", "addr: :8080\n: broken\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "bad.json", `{ "addr": ":8080", "variant": }`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "bad.toml", "addr=:8080\nvariant\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
}

func TestMerge_OverridesNonZero(t *testing.T) {
	base := Default()
	over := Config{Addr: ":9000", Workers: 3, CORSEnabled: true, LlamaArgs: []string{"-fa"}, Sampling: model.Sampling{TopP: 0.9}}
	got := Merge(base, over)
	if got.Addr != ":9000" || got.Workers != 3 || !got.CORSEnabled || got.Sampling.TopP != 0.9 {
		t.Fatalf("unexpected merge: %+v", got)
	}
	// untouched fields keep defaults
	if got.LogLevel != "info" || got.GenerateTimeout != "10m" || got.LlamaHost != "127.0.0.1" || got.MaxBodyBytes != 1<<20 {
		t.Fatalf("defaults lost: %+v", got)
	}
	over.LlamaArgs[0] = "changed"
	if got.LlamaArgs[0] != "-fa" {
		t.Fatalf("merge aliased caller slice")
	}
}

func TestTimeouts(t *testing.T) {
	cfg := Default()
	cfg.MaxWait = "250ms"
	cfg.LlamaReadyTimeout = "120"
	tm, err := cfg.Timeouts()
	if err != nil {
		t.Fatalf("timeouts: %v", err)
	}
	if tm.MaxWait != 250*time.Millisecond || tm.Generate != 10*time.Minute || tm.LlamaReady != 2*time.Minute || tm.Image != 0 {
		t.Fatalf("unexpected timeouts: %+v", tm)
	}

	cfg.GenerateTimeout = "0"
	if tm, _ = cfg.Timeouts(); tm.Generate >= 0 {
		t.Fatalf("explicit 0 should disable the generate timeout, got %v", tm.Generate)
	}
	cfg.GenerateTimeout = ""
	if tm, _ = cfg.Timeouts(); tm.Generate != 0 {
		t.Fatalf("empty generate timeout should be 0, got %v", tm.Generate)
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []Config{
		{Variant: "audio"},
		{Device: "tpu"},
		{GenerateTimeout: "soon"},
		{MaxWait: "-1s"},
		{LlamaPortStart: 9000, LlamaPortEnd: 8000},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":      0,
		"0":     0,
		"30":    30 * time.Second,
		"1m30s": 90 * time.Second,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil || got != want {
			t.Fatalf("ParseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDuration("-5"); err == nil {
		t.Fatalf("expected error for negative seconds")
	}
}
