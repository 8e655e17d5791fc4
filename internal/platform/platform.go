// Package platform picks the compute device a model is placed on.
package platform

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Device identifies a compute backend.
type Device string

const (
	CUDA  Device = "cuda"
	Metal Device = "metal"
	CPU   Device = "cpu"
)

// allLayers asks the runtime to offload every layer it can.
const allLayers = 999

// Accelerated reports whether d is a GPU-class device.
func (d Device) Accelerated() bool { return d == CUDA || d == Metal }

// GPULayers is the number of layers to offload when weights are moved
// explicitly onto d.
func (d Device) GPULayers() int {
	if d.Accelerated() {
		return allLayers
	}
	return 0
}

func (d Device) String() string { return string(d) }

// Probe reports whether a device is usable on this host.
type Probe struct {
	Device    Device
	Available func() bool
}

// DefaultProbes returns the probes in priority order: CUDA, then Metal.
// CPU is the implicit fallback.
func DefaultProbes() []Probe {
	return []Probe{
		{Device: CUDA, Available: cudaAvailable},
		{Device: Metal, Available: metalAvailable},
	}
}

// Select returns the first device whose probe succeeds, or CPU.
func Select(probes ...Probe) Device {
	for _, p := range probes {
		if p.Available != nil && p.Available() {
			return p.Device
		}
	}
	return CPU
}

// Detect runs the default probes.
func Detect() Device { return Select(DefaultProbes()...) }

// Parse maps a config value onto a device. "auto" and "" yield ok=false so
// callers fall back to Detect.
func Parse(s string) (Device, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cuda", "gpu":
		return CUDA, true
	case "metal", "mps":
		return Metal, true
	case "cpu":
		return CPU, true
	default:
		return "", false
	}
}

// Resolve returns the forced device when s names one, else Detect().
func Resolve(s string) Device {
	if d, ok := Parse(s); ok {
		return d
	}
	return Detect()
}

var nvidiaVersionFile = "/proc/driver/nvidia/version"

func cudaAvailable() bool {
	if _, err := os.Stat(nvidiaVersionFile); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func metalAvailable() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}
