// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// freeDiskMB returns the free space, in MB, on the filesystem containing path.
func freeDiskMB(path string) (int, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return int(usage.Free / (1024 * 1024)), nil
}

// resourceUtilization returns current memory and CPU utilization as
// percentages, for the dynamic worker-count heuristic.
func resourceUtilization() (memPct float64, cpuPct float64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}

	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	cpuPct = 0
	if len(percentages) > 0 {
		cpuPct = percentages[0]
	}

	return vm.UsedPercent, cpuPct, nil
}

// DefaultChunkSize picks a chunk size that scales inversely with available
// memory: 50/100/250/500 files at the 4/8/16/>16 GB available-memory
// tiers. Callers pass the result as SchedulerConfig.ChunkSize's default;
// an explicit config value always wins over this heuristic. Falls back to
// 100 if host memory can't be read.
func DefaultChunkSize() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 100
	}

	availableGB := float64(vm.Available) / (1024 * 1024 * 1024)
	switch {
	case availableGB < 4:
		return 50
	case availableGB < 8:
		return 100
	case availableGB < 16:
		return 250
	default:
		return 500
	}
}
