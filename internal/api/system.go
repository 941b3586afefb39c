package api

import (
	"context"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemStats reports the resources exports consume: free space where
// clips are written and memory held by the buffer.
type SystemStats struct {
	DiskPath          string  `json:"disk_path,omitempty"`
	DiskTotalBytes    uint64  `json:"disk_total_bytes,omitempty"`
	DiskFreeBytes     uint64  `json:"disk_free_bytes,omitempty"`
	DiskUsedPercent   float64 `json:"disk_used_percent,omitempty"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes,omitempty"`
	MemoryAvailBytes  uint64  `json:"memory_available_bytes,omitempty"`
	MemoryUsedPercent float64 `json:"memory_used_percent,omitempty"`
}

// collectSystemStats never fails; unavailable figures are left zero.
func collectSystemStats(ctx context.Context, dir string) *SystemStats {
	stats := &SystemStats{DiskPath: dir}

	if dir != "" {
		if usage, err := disk.UsageWithContext(ctx, dir); err == nil {
			stats.DiskTotalBytes = usage.Total
			stats.DiskFreeBytes = usage.Free
			stats.DiskUsedPercent = usage.UsedPercent
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotalBytes = vm.Total
		stats.MemoryAvailBytes = vm.Available
		stats.MemoryUsedPercent = vm.UsedPercent
	}

	return stats
}
