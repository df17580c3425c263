package runtime

import (
	"time"

	"github.com/AjaxZhan/devspace/pkg/types"
)

// StatCounters holds the raw cumulative counters of one engine sample.
type StatCounters struct {
	CPUTotal    uint64 // cumulative container CPU time
	PreCPUTotal uint64 // the same counter at the previous sample
	System      uint64 // cumulative host CPU time
	PreSystem   uint64
	OnlineCPUs  uint32
	MemUsage    uint64
	MemCache    uint64 // page cache counted in MemUsage, excluded from "used"
	MemLimit    uint64
}

// ComputeStat converts counters into percentages. A sample whose CPU or
// system delta is not positive carries no usable CPU reading and is
// reported as absent (ok == false) rather than as zero usage.
func ComputeStat(c StatCounters, at time.Time) (types.Stat, bool) {
	if c.CPUTotal <= c.PreCPUTotal || c.System <= c.PreSystem {
		return types.Stat{}, false
	}
	cpuDelta := float64(c.CPUTotal - c.PreCPUTotal)
	sysDelta := float64(c.System - c.PreSystem)
	cpus := float64(c.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}

	used := c.MemUsage
	if c.MemCache < used {
		used -= c.MemCache
	}
	var memPercent float64
	if c.MemLimit > 0 {
		memPercent = float64(used) / float64(c.MemLimit) * 100
	}

	return types.Stat{
		CPUPercent: round1(cpuDelta / sysDelta * cpus * 100),
		MemUsed:    used,
		MemLimit:   c.MemLimit,
		MemPercent: round1(memPercent),
		At:         at,
	}, true
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}
