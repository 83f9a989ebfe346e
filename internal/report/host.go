package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo describes the machine the benchmark ran on, so result tables
// from different hosts are not compared blindly.
type HostInfo struct {
	Hostname      string
	OS            string
	Platform      string
	KernelVersion string
	CPUModel      string
	LogicalCPUs   int
	TotalMemory   uint64 // bytes
}

// CollectHost gathers HostInfo. Fields that cannot be read stay zero; the
// returned error joins every lookup that failed.
func CollectHost(ctx context.Context) (HostInfo, error) {
	var (
		h    HostInfo
		errs []error
	)

	if info, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	} else {
		h.Hostname = info.Hostname
		h.OS = info.OS
		h.Platform = info.Platform
		h.KernelVersion = info.KernelVersion
	}

	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cpu info: %w", err))
	} else if len(infos) > 0 {
		h.CPUModel = infos[0].ModelName
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("cpu count: %w", err))
	} else {
		h.LogicalCPUs = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		h.TotalMemory = vm.Total
	}

	return h, errors.Join(errs...)
}

func (h HostInfo) String() string {
	return fmt.Sprintf("_host=%s os=%s/%s kernel=%s cpu=%q cpus=%d mem=%.1fGiB_",
		orUnknown(h.Hostname), orUnknown(h.OS), orUnknown(h.Platform), orUnknown(h.KernelVersion),
		h.CPUModel, h.LogicalCPUs, float64(h.TotalMemory)/(1<<30))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
