package gpu

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Info holds detected GPU information used for device selection and the
// model-size recommendation.
type Info struct {
	Available bool   `json:"available"`
	Name      string `json:"name,omitempty"`
	VRAMTotal int64  `json:"vram_total"` // bytes, 0 if unknown
	Driver    string `json:"driver,omitempty"`
}

var (
	cached     *Info
	detectOnce sync.Once
)

// Detect probes the system for a discrete GPU. Result is cached for the
// process lifetime; safe to call from multiple goroutines.
func Detect() *Info {
	detectOnce.Do(func() {
		cached = detect()
		logrus.WithFields(logrus.Fields{
			"available": cached.Available,
			"name":      cached.Name,
			"vram_mb":   cached.VRAMTotal / 1024 / 1024,
			"driver":    cached.Driver,
		}).Info("gpu detection complete")
	})
	return cached
}

func detect() *Info {
	if info := detectNvidiaSMI(); info.Available {
		return info
	}
	return detectSysfs()
}

// detectNvidiaSMI asks the NVIDIA driver directly. Covers the common
// CUDA case where sysfs VRAM counters are not exposed.
func detectNvidiaSMI() *Info {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return &Info{}
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return &Info{}
	}

	info := &Info{
		Available: true,
		Name:      strings.TrimSpace(parts[0]),
		Driver:    "nvidia",
	}
	if mb, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
		info.VRAMTotal = mb * 1024 * 1024
	}
	return info
}

// detectSysfs scans /sys/class/drm/card* for discrete GPUs with VRAM info.
func detectSysfs() *Info {
	info := &Info{}

	cards, err := filepath.Glob("/sys/class/drm/card[0-9]*")
	if err != nil {
		return info
	}

	for _, card := range cards {
		// Skip render nodes (cardN-XXX)
		base := filepath.Base(card)
		if strings.Contains(base, "-") {
			continue
		}

		deviceDir := filepath.Join(card, "device")

		vramBytes, err := readSysfsInt(filepath.Join(deviceDir, "mem_info_vram_total"))
		if err != nil || vramBytes == 0 {
			continue // Not a discrete GPU or no VRAM info
		}

		info.Available = true
		info.VRAMTotal = vramBytes
		info.Name = readDeviceName(deviceDir)

		driverLink, err := os.Readlink(filepath.Join(deviceDir, "driver"))
		if err == nil {
			info.Driver = filepath.Base(driverLink)
		}

		break
	}

	return info
}

// RecommendModel maps available accelerator memory to a whisper model
// size. Thresholds follow the tool's published guidance: >=10GB large,
// >=8GB medium, >=5GB small, otherwise base. CPU-only machines get base.
func RecommendModel(info *Info) (model, reason string) {
	if info == nil || !info.Available {
		return "base", "suited to CPU mode"
	}
	gb := float64(info.VRAMTotal) / (1024 * 1024 * 1024)
	switch {
	case gb >= 10:
		return "large", "best quality"
	case gb >= 8:
		return "medium", "balances speed and quality"
	case gb >= 5:
		return "small", "balances memory and quality"
	default:
		return "base", "suited to basic use"
	}
}

// ModelTooLarge reports whether the selected model size is likely to
// exhaust this machine's memory.
func ModelTooLarge(info *Info, model string) bool {
	if info == nil || !info.Available {
		return model == "large" || model == "medium"
	}
	gb := float64(info.VRAMTotal) / (1024 * 1024 * 1024)
	switch {
	case gb < 4:
		return model == "large" || model == "medium" || model == "small"
	case gb < 6:
		return model == "large" || model == "medium"
	case gb < 8:
		return model == "large"
	}
	return false
}

func readSysfsInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func readDeviceName(deviceDir string) string {
	data, err := os.ReadFile(filepath.Join(deviceDir, "uevent"))
	if err != nil {
		return "Unknown GPU"
	}

	var vendorID, deviceID string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PCI_ID=") {
			parts := strings.Split(strings.TrimPrefix(line, "PCI_ID="), ":")
			if len(parts) == 2 {
				vendorID = strings.ToLower(parts[0])
				deviceID = strings.ToLower(parts[1])
			}
		}
	}
	if vendorID == "" {
		return "Unknown GPU"
	}
	return "GPU (" + vendorID + ":" + deviceID + ")"
}
