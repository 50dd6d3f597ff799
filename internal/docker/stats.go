package docker

import (
	"github.com/docker/docker/api/types"
)

// cpuPercent follows the docker CLI: the container's share of the host's CPU
// time between the previous and current reading, scaled by online CPUs.
func cpuPercent(s types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}

	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}

// memoryUsage excludes reclaimable page cache, matching `docker stats`.
// cgroup v2 reports it as inactive_file, v1 as cache.
func memoryUsage(s types.StatsJSON) uint64 {
	usage := s.MemoryStats.Usage
	cache, ok := s.MemoryStats.Stats["inactive_file"]
	if !ok {
		cache = s.MemoryStats.Stats["cache"]
	}
	if cache > usage {
		return 0
	}
	return usage - cache
}

func networkBytes(s types.StatsJSON) uint64 {
	var total uint64
	for _, n := range s.Networks {
		total += n.RxBytes + n.TxBytes
	}
	return total
}

// networkRate is bytes per second between two cumulative readings. Counter
// resets and out-of-order readings yield zero.
func networkRate(prev, cur netSample) float64 {
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 || cur.bytes < prev.bytes {
		return 0
	}
	return float64(cur.bytes-prev.bytes) / elapsed
}
