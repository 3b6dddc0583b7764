// Package sysinfo describes the host sweepoor runs on.
package sysinfo

import (
	"context"
	"fmt"
	"runtime"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemInfo is the host description recorded in the sweep manifest.
type SystemInfo struct {
	Hostname           string  `json:"hostname" yaml:"hostname"`
	OS                 string  `json:"os" yaml:"os"`
	Platform           string  `json:"platform" yaml:"platform"`
	PlatformVersion    string  `json:"platform_version" yaml:"platform_version"`
	KernelVersion      string  `json:"kernel_version" yaml:"kernel_version"`
	Arch               string  `json:"arch" yaml:"arch"`
	Virtualization     string  `json:"virtualization,omitempty" yaml:"virtualization,omitempty"`
	VirtualizationRole string  `json:"virtualization_role,omitempty" yaml:"virtualization_role,omitempty"`
	CPUVendor          string  `json:"cpu_vendor" yaml:"cpu_vendor"`
	CPUModel           string  `json:"cpu_model" yaml:"cpu_model"`
	CPUCores           int     `json:"cpu_cores" yaml:"cpu_cores"`
	CPUMhz             float64 `json:"cpu_mhz" yaml:"cpu_mhz"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes" yaml:"memory_total_bytes"`
}

// Collect gathers host information. Partial failures leave the affected
// fields empty; only a failing host query is an error.
func Collect(ctx context.Context) (*SystemInfo, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying host info: %w", err)
	}

	info := &SystemInfo{
		Hostname:           hi.Hostname,
		OS:                 hi.OS,
		Platform:           hi.Platform,
		PlatformVersion:    hi.PlatformVersion,
		KernelVersion:      hi.KernelVersion,
		Arch:               runtime.GOARCH,
		Virtualization:     hi.VirtualizationSystem,
		VirtualizationRole: hi.VirtualizationRole,
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = cores
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUVendor = cpus[0].VendorID
		info.CPUModel = cpus[0].ModelName
		info.CPUMhz = cpus[0].Mhz
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalBytes = vm.Total
	}

	return info, nil
}

// Fits reports whether a job needing cpus and memBytes can run on this
// host. Unknown host capacity (zero) is treated as unlimited.
func (s *SystemInfo) Fits(cpus int, memBytes int64) error {
	if s.CPUCores > 0 && cpus > s.CPUCores {
		return fmt.Errorf("requires %d CPUs, host has %d", cpus, s.CPUCores)
	}

	if s.MemoryTotalBytes > 0 && memBytes > 0 && uint64(memBytes) > s.MemoryTotalBytes {
		return fmt.Errorf(
			"requires %s memory, host has %s",
			units.BytesSize(float64(memBytes)),
			units.BytesSize(float64(s.MemoryTotalBytes)),
		)
	}

	return nil
}

// MemoryHuman returns the total memory as a human readable size.
func (s *SystemInfo) MemoryHuman() string {
	return units.BytesSize(float64(s.MemoryTotalBytes))
}
