package llamacpp

import (
	"os/exec"
	"strings"

	"inferd/internal/common/fsutil"
)

// binCandidates are checked in order when no binary is configured.
var binCandidates = []string{
	"~/apps/llama.cpp/build/bin/llama-server",
	"~/llama.cpp/build/bin/llama-server",
	"/usr/local/bin/llama-server",
	"/opt/homebrew/bin/llama-server",
}

// DiscoverBin resolves the llama-server executable: the configured path if
// it is executable, else a well-known install location, else PATH.
func DiscoverBin(configured string) string {
	if c := strings.TrimSpace(configured); c != "" {
		return fsutil.FirstExecutable(c)
	}
	if p := fsutil.FirstExecutable(binCandidates...); p != "" {
		return p
	}
	if p, err := exec.LookPath("llama-server"); err == nil {
		return p
	}
	return ""
}

// Sanity describes whether the runtime dependency is usable.
type Sanity struct {
	Mode     string `json:"mode"`
	URL      string `json:"url,omitempty"`
	BinFound bool   `json:"bin_found"`
	BinPath  string `json:"bin_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Check inspects the configuration without starting anything.
func (b *Backend) Check() Sanity {
	if b.cfg.URL != "" {
		return Sanity{Mode: "attach", URL: b.cfg.URL}
	}
	s := Sanity{Mode: "spawn"}
	s.BinPath = DiscoverBin(b.cfg.Bin)
	s.BinFound = s.BinPath != ""
	if !s.BinFound {
		if b.cfg.Bin != "" {
			s.Error = "llama-server not executable: " + b.cfg.Bin
		} else {
			s.Error = ErrBinNotFound.Error()
		}
	}
	return s
}
