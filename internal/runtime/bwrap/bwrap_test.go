package bwrap_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"

	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/internal/runtime/bwrap"
	"github.com/AjaxZhan/devspace/pkg/types"
)

func skipIfNoBwrap(t *testing.T) {
	t.Helper()
	if !bwrap.IsBwrapAvailable() {
		t.Skip("bwrap not available")
	}
}

func provision(t *testing.T, r *bwrap.BwrapRuntime) *runtime.Handle {
	t.Helper()
	h, _, err := r.Provision(context.Background(), &runtime.ProvisionRequest{
		SessionID: "bw_000000000001",
		Username:  "bw",
		HostDir:   t.TempDir(),
		Cols:      80,
		Rows:      24,
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	t.Cleanup(func() { r.Destroy(context.Background(), h) })
	return h
}

func TestBwrapRuntime_Name(t *testing.T) {
	if name := bwrap.New(nil).Name(); name != "bwrap" {
		t.Errorf("Name() = %q, want bwrap", name)
	}
}

func TestBwrapRuntime_RequiresHostDir(t *testing.T) {
	r := bwrap.New(nil)
	_, _, err := r.Provision(context.Background(), &runtime.ProvisionRequest{SessionID: "x"})
	if !errors.Is(err, types.ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}

func TestBwrapRuntime_ExecUnknownHandle(t *testing.T) {
	r := bwrap.New(nil)
	_, err := r.Exec(context.Background(), &runtime.Handle{ID: "missing"}, []string{"true"})
	if !errors.Is(err, types.ErrSandboxNotFound) {
		t.Errorf("err = %v, want ErrSandboxNotFound", err)
	}
}

func TestBwrapRuntime_StatsUnsupported(t *testing.T) {
	r := bwrap.New(nil)
	done := make(chan error, 1)
	stop := r.StreamStats(context.Background(), &runtime.Handle{ID: "x"}, func(types.Stat) {}, func(err error) { done <- err })
	defer stop()
	if err := <-done; !errors.Is(err, types.ErrNotSupported) {
		t.Errorf("onEnd err = %v", err)
	}
}

func TestBwrapRuntime_Exec(t *testing.T) {
	skipIfNoBwrap(t)
	r := bwrap.New(nil)
	h := provision(t, r)

	if err := os.WriteFile(filepath.Join(h.HostDir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := r.Exec(context.Background(), h, []string{"stat", "-c", "%F|%s", "--", "/workspace/hello.txt"})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "regular file|2" {
		t.Errorf("stat = %q (stderr %q)", res.Stdout, res.Stderr)
	}

	res, err = r.Exec(context.Background(), h, []string{"sh", "-c", "exit 3"})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestBwrapRuntime_CopyRoundTrip(t *testing.T) {
	skipIfNoBwrap(t)
	r := bwrap.New(nil)
	h := provision(t, r)
	ctx := context.Background()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "a.txt", Mode: 0o644, Size: 3, Typeflag: tar.TypeReg})
	tw.Write([]byte("abc"))
	tw.Close()

	if err := r.CopyTo(ctx, h, "/workspace", &buf); err != nil {
		t.Fatalf("CopyTo failed: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(h.HostDir, "a.txt")); string(data) != "abc" {
		t.Errorf("host file = %q", data)
	}

	rc, err := r.CopyFrom(ctx, h, "/workspace/a.txt")
	if err != nil {
		t.Fatalf("CopyFrom failed: %v", err)
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil || hdr.Name != "a.txt" {
		t.Fatalf("tar entry = %v, %v", hdr, err)
	}
	if data, _ := io.ReadAll(tr); string(data) != "abc" {
		t.Errorf("content = %q", data)
	}

	if _, err := r.CopyFrom(ctx, h, "/etc/passwd"); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("path outside workspace err = %v", err)
	}
}

func TestBwrapRuntime_CopyToRejectsTraversal(t *testing.T) {
	skipIfNoBwrap(t)
	r := bwrap.New(nil)
	h := provision(t, r)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg})
	tw.Write([]byte("x"))
	tw.Close()

	if err := r.CopyTo(context.Background(), h, "/workspace", &buf); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
}

func TestBwrapRuntime_DestroyEndsShell(t *testing.T) {
	skipIfNoBwrap(t)
	r := bwrap.New(nil)
	h, sh, err := r.Provision(context.Background(), &runtime.ProvisionRequest{SessionID: "bw2", HostDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	r.Destroy(context.Background(), h)

	buf := make([]byte, 1024)
	for {
		if _, err := sh.Read(buf); err != nil {
			break
		}
	}
	if _, err := r.Exec(context.Background(), h, []string{"true"}); !errors.Is(err, types.ErrSandboxNotFound) {
		t.Errorf("Exec after destroy err = %v", err)
	}
}

func TestIsBwrapAvailable(t *testing.T) {
	available := bwrap.IsBwrapAvailable()
	if goruntime.GOOS != "linux" && available {
		t.Error("IsBwrapAvailable should return false on non-Linux")
	}
	t.Logf("bwrap available: %v (GOOS: %s)", available, goruntime.GOOS)
}
