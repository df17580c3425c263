package runtime

import (
	"testing"
	"time"
)

func TestComputeStat(t *testing.T) {
	at := time.Unix(1700000000, 0)
	stat, ok := ComputeStat(StatCounters{
		CPUTotal: 2_000_000, PreCPUTotal: 1_000_000,
		System: 20_000_000, PreSystem: 10_000_000,
		OnlineCPUs: 4,
		MemUsage:   300, MemCache: 100, MemLimit: 1000,
	}, at)
	if !ok {
		t.Fatal("expected a usable sample")
	}
	if stat.CPUPercent != 40 {
		t.Errorf("CPUPercent = %v, want 40", stat.CPUPercent)
	}
	if stat.MemUsed != 200 || stat.MemPercent != 20 {
		t.Errorf("mem = %d / %v%%, want 200 / 20%%", stat.MemUsed, stat.MemPercent)
	}
	if !stat.At.Equal(at) {
		t.Errorf("At = %v", stat.At)
	}
}

func TestComputeStatAbsentOnNonPositiveDeltas(t *testing.T) {
	tests := []struct {
		name string
		c    StatCounters
	}{
		{"first sample", StatCounters{CPUTotal: 10, PreCPUTotal: 10, System: 10, PreSystem: 10}},
		{"cpu unchanged", StatCounters{CPUTotal: 10, PreCPUTotal: 10, System: 20, PreSystem: 10}},
		{"system went backwards", StatCounters{CPUTotal: 20, PreCPUTotal: 10, System: 5, PreSystem: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := ComputeStat(tt.c, time.Now()); ok {
				t.Error("expected sample to be treated as absent")
			}
		})
	}
}

func TestComputeStatZeroCPUsMeansOne(t *testing.T) {
	stat, ok := ComputeStat(StatCounters{CPUTotal: 2, PreCPUTotal: 1, System: 4, PreSystem: 2, MemLimit: 0}, time.Now())
	if !ok {
		t.Fatal("expected usable sample")
	}
	if stat.CPUPercent != 50 {
		t.Errorf("CPUPercent = %v, want 50", stat.CPUPercent)
	}
	if stat.MemPercent != 0 {
		t.Errorf("MemPercent with no limit = %v, want 0", stat.MemPercent)
	}
}

func TestImagePolicy(t *testing.T) {
	pinned := "dev-base@sha256:" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	p := &ImagePolicy{Default: "dev-base:latest", Allowed: []string{"dev-base:latest", pinned}}

	if img, err := p.Resolve(""); err != nil || img != "dev-base:latest" {
		t.Errorf("Resolve(\"\") = %q, %v", img, err)
	}
	if _, err := p.Resolve("ubuntu:latest"); err == nil {
		t.Error("image outside allow-list accepted")
	}

	p.DigestRequired = true
	if _, err := p.Resolve("dev-base:latest"); err == nil {
		t.Error("unpinned image accepted with digest required")
	}
	if img, err := p.Resolve(pinned); err != nil || img != pinned {
		t.Errorf("pinned image rejected: %v", err)
	}
}
