package engine

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device describes a compute slot the engine may schedule work on
type Device struct {
	Index    int
	Name     string
	Features []string
}

func (d Device) String() string {
	return fmt.Sprintf("cpu:%d (%s)", d.Index, d.Name)
}

// AvailableDevices lists one device per logical core of the host CPU
func AvailableDevices() []Device {
	count := cpuid.CPU.LogicalCores
	if count <= 0 {
		count = runtime.NumCPU()
	}

	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}

	features := cpuid.CPU.FeatureSet()
	devices := make([]Device, count)
	for i := range devices {
		devices[i] = Device{Index: i, Name: name, Features: features}
	}
	return devices
}

// SelectDevices picks the devices to train on. selected is a comma-separated
// list of device indices ("0,2"); when it is empty the first num devices are
// used. The returned slice is never empty on success.
func SelectDevices(selected string, num int) ([]Device, error) {
	available := AvailableDevices()

	selected = strings.TrimSpace(selected)
	if selected == "" {
		if num <= 0 {
			num = 1
		}
		if num > len(available) {
			return nil, fmt.Errorf("requested %d devices, only %d available", num, len(available))
		}
		return available[:num], nil
	}

	var devices []Device
	seen := make(map[int]bool)
	for _, field := range strings.Split(selected, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid device index %q: %w", field, err)
		}
		if idx < 0 || idx >= len(available) {
			return nil, fmt.Errorf("device index %d out of range [0, %d)", idx, len(available))
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		devices = append(devices, available[idx])
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices selected from %q", selected)
	}
	return devices, nil
}

// SupportsAVX2 reports whether the host CPU has AVX2
func SupportsAVX2() bool {
	return cpuid.CPU.Supports(cpuid.AVX2)
}
