package client

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"encoder-gateway/pkg/models"
)

// GatherNodeInfo builds the hardware profile reported to the gateway.
// Best-effort: fields that cannot be read are left zero.
func GatherNodeInfo(ctx context.Context, name string) (models.NodeInfo, error) {
	info := models.NodeInfo{
		Name:         name,
		TotalThreads: runtime.NumCPU(),
	}

	cpus, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to get cpu info: %w", err)
	}
	if len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to get mem stats: %w", err)
	}
	info.RAMTotalBytes = v.Total

	return info, nil
}
