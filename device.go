package fusedlayer

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/ajroetker/go-highway/hwy"
	"golang.org/x/sys/cpu"
)

// Device describes the compute device a layer's backend state lives on.
// The CPU backend exposes one logical device per host; every local rank
// maps onto it.
type Device struct {
	Index     int      `json:"index"`
	Rank      int      `json:"rank"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	CPUModel  string   `json:"cpu_model"`
	NumCPU    int      `json:"num_cpu"`
	SIMD      string   `json:"simd"`       // go-highway dispatch target
	SIMDWidth int      `json:"simd_width"` // register width in bytes
	Features  []string `json:"features"`
}

func (d Device) String() string {
	return fmt.Sprintf("cpu:%d (%s, %d cores, %s/%dB, rank %d)", d.Index, d.CPUModel, d.NumCPU, d.SIMD, d.SIMDWidth, d.Rank)
}

var (
	hostOnce sync.Once
	host     Device
)

// DetectDevice gathers information about the host CPU.
func DetectDevice() Device {
	hostOnce.Do(func() {
		host = Device{
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUModel:  cpuModel(),
			NumCPU:    runtime.NumCPU(),
			SIMD:      hwy.CurrentName(),
			SIMDWidth: hwy.CurrentWidth(),
			Features:  cpuFeatures(),
		}
	})
	return host
}

// SelectDevice returns the device serving localRank. A negative rank selects
// the default device.
func SelectDevice(localRank int) Device {
	d := DetectDevice()
	d.Index = 0
	d.Rank = localRank
	d.Features = append([]string(nil), d.Features...)
	logger.Debug("device selected", slog.Int("rank", localRank), slog.String("device", d.String()))
	return d
}

func cpuFeatures() []string {
	var fs []string
	add := func(ok bool, name string) {
		if ok {
			fs = append(fs, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE2, "sse2")
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
		add(cpu.X86.HasAVX512BF16, "avx512bf16")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "neon")
		add(cpu.ARM64.HasFPHP, "fp16")
		add(cpu.ARM64.HasASIMDHP, "asimdhp")
		add(cpu.ARM64.HasSVE, "sve")
		add(cpu.ARM64.HasSVE2, "sve2")
	}
	return fs
}

// cpuModel reads the model name from /proc/cpuinfo where available.
func cpuModel() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "unknown " + runtime.GOARCH
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "model name", "Model", "Hardware":
			return strings.TrimSpace(value)
		}
	}
	return "unknown " + runtime.GOARCH
}
