package treesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWatchNudgesOnHostChange(t *testing.T) {
	opts := defaultOptions()
	opts.WarmupScans = 1
	opts.ScanInterval = time.Hour
	f := newFixture(t, opts)
	f.sync.Start()
	f.clk.Advance(250 * time.Millisecond)
	f.rec.reset()
	idle := f.clk.PendingCount()

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sync.Watch(ctx, dir)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The watcher is registered asynchronously, so keep touching the
	// directory until a nudge timer is armed.
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; f.clk.PendingCount() <= idle; i++ {
		if time.Now().After(deadline) {
			t.Fatal("no nudge after host directory changes")
		}
		name := filepath.Join(dir, fmt.Sprintf("f%d.txt", i))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	for !strings.Contains(f.rec.reasons(), "debounced-watch") {
		if time.Now().After(deadline) {
			t.Fatalf("reasons = %q, want a debounced-watch emission", f.rec.reasons())
		}
		f.clk.Advance(opts.NudgeDelay)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchNewSubdirectory(t *testing.T) {
	opts := defaultOptions()
	opts.WarmupScans = 1
	opts.ScanInterval = time.Hour
	f := newFixture(t, opts)
	f.sync.Start()
	f.clk.Advance(250 * time.Millisecond)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sync.Watch(ctx, dir)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sub := filepath.Join(dir, "pkg")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no debounced-watch emission for a write inside a new directory")
		}
		if _, err := os.Stat(sub); os.IsNotExist(err) {
			if err := os.Mkdir(sub, 0o755); err != nil {
				t.Fatal(err)
			}
		}
		// Settle any nudge from the mkdir itself before writing inside it.
		f.clk.Advance(opts.NudgeMaxWait)
		time.Sleep(20 * time.Millisecond)
		f.clk.Advance(opts.NudgeMaxWait)
		f.rec.reset()

		if err := os.WriteFile(filepath.Join(sub, "util.go"), []byte("package pkg\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
		f.clk.Advance(opts.NudgeMaxWait)
		if strings.Contains(f.rec.reasons(), "debounced-watch") {
			return
		}
	}
}

func TestWatchReturnsWithoutHostDir(t *testing.T) {
	f := newFixture(t, defaultOptions())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sync.Watch(context.Background(), "")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch with no host directory should return at once")
	}
}
