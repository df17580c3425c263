package mock

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/pkg/types"
)

func provision(t *testing.T, m *MockRuntime) *runtime.Handle {
	t.Helper()
	h, _, err := m.Provision(context.Background(), &runtime.ProvisionRequest{SessionID: "bob_000000000001"})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	return h
}

func run(t *testing.T, m *MockRuntime, h *runtime.Handle, argv ...string) *types.ExecResult {
	t.Helper()
	res, err := m.Exec(context.Background(), h, argv)
	if err != nil {
		t.Fatalf("Exec(%v) failed: %v", argv, err)
	}
	return res
}

func TestFindPrintf(t *testing.T) {
	m := New()
	h := provision(t, m)
	m.WriteFile(h, "src/main.go", "package main\n")
	m.Mkdir(h, "docs")

	res := run(t, m, h, "find", "/workspace", "-mindepth", "1", "-printf", `%y|%P\0`)
	records := strings.Split(strings.TrimSuffix(res.Stdout, "\x00"), "\x00")
	want := []string{"d|docs", "d|src", "f|src/main.go"}
	if strings.Join(records, ",") != strings.Join(want, ",") {
		t.Errorf("records = %q, want %q", records, want)
	}

	res = run(t, m, h, "find", "/workspace", "-mindepth", "1", "-maxdepth", "1", "-printf", `%y|%s|%f\0`)
	if strings.Count(res.Stdout, "\x00") != 2 {
		t.Errorf("maxdepth 1 should list two entries, got %q", res.Stdout)
	}
}

func TestStatHeadAndMutations(t *testing.T) {
	m := New()
	h := provision(t, m)
	m.WriteFile(h, "a.txt", "0123456789")
	m.WriteFile(h, "empty", "")

	tests := []struct {
		argv []string
		want string
	}{
		{[]string{"stat", "-c", "%F|%s", "--", "/workspace/a.txt"}, "regular file|10\n"},
		{[]string{"stat", "-c", "%F", "--", "/workspace/empty"}, "regular empty file\n"},
		{[]string{"head", "-c", "4", "--", "/workspace/a.txt"}, "0123"},
	}
	for _, tt := range tests {
		if got := run(t, m, h, tt.argv...).Stdout; got != tt.want {
			t.Errorf("%v = %q, want %q", tt.argv, got, tt.want)
		}
	}

	run(t, m, h, "mkdir", "-p", "--", "/workspace/x/y")
	if res := run(t, m, h, "mv", "-f", "--", "/workspace/a.txt", "/workspace/x/y/b.txt"); res.ExitCode != 0 {
		t.Fatalf("mv failed: %s", res.Stderr)
	}
	if res := run(t, m, h, "stat", "-c", "%F", "--", "/workspace/a.txt"); res.ExitCode == 0 {
		t.Error("source should be gone after mv")
	}
	run(t, m, h, "rm", "-rf", "--", "/workspace/x")
	if res := run(t, m, h, "stat", "-c", "%F", "--", "/workspace/x/y/b.txt"); res.ExitCode == 0 {
		t.Error("rm -rf should remove nested files")
	}
}

func TestUnknownCommand(t *testing.T) {
	m := New()
	h := provision(t, m)
	if res := run(t, m, h, "python3"); res.ExitCode != 127 {
		t.Errorf("exit = %d, want 127", res.ExitCode)
	}
}

func TestVanishedSandbox(t *testing.T) {
	m := New()
	h := provision(t, m)
	m.Vanish(h)
	_, err := m.Exec(context.Background(), h, []string{"find", "/workspace"})
	if !errors.Is(err, types.ErrSandboxNotFound) {
		t.Errorf("err = %v, want ErrSandboxNotFound", err)
	}
	if !strings.Contains(err.Error(), "No such container") {
		t.Errorf("err should mention missing container: %v", err)
	}
}

func TestShellEmitAndWrite(t *testing.T) {
	m := New()
	h, sh, _ := m.Provision(context.Background(), &runtime.ProvisionRequest{SessionID: "s"})

	if _, err := sh.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := m.ShellOf(h).Written(); got != "ls\n" {
		t.Errorf("Written = %q", got)
	}

	go m.ShellOf(h).Emit("file.txt\r\n")
	buf := make([]byte, 64)
	n, err := sh.Read(buf)
	if err != nil || string(buf[:n]) != "file.txt\r\n" {
		t.Errorf("Read = %q, %v", buf[:n], err)
	}

	m.Destroy(context.Background(), h)
	if _, err := sh.Read(buf); err != io.EOF {
		t.Errorf("Read after Destroy = %v, want EOF", err)
	}
	if m.Destroyed() != 1 || m.Live() != 0 {
		t.Errorf("destroyed=%d live=%d", m.Destroyed(), m.Live())
	}
}

func TestPushStat(t *testing.T) {
	m := New()
	h := provision(t, m)

	var got []types.Stat
	stop := m.StreamStats(context.Background(), h, func(s types.Stat) { got = append(got, s) }, nil)
	m.PushStat(h, types.Stat{CPUPercent: 12.5, At: time.Unix(1, 0)})
	stop()
	m.PushStat(h, types.Stat{CPUPercent: 99})

	if len(got) != 1 || got[0].CPUPercent != 12.5 {
		t.Errorf("samples = %+v", got)
	}
}

func TestCopyToRejectsTraversal(t *testing.T) {
	m := New()
	h := provision(t, m)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	err := m.CopyTo(context.Background(), h, "/workspace", &buf)
	if !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
	if res := run(t, m, h, "stat", "-c", "%F", "--", "/escape.txt"); res.ExitCode == 0 {
		t.Error("entry escaped the workspace")
	}
}

func TestEndStats(t *testing.T) {
	m := New()
	h := provision(t, m)

	var ended error
	m.StreamStats(context.Background(), h, func(types.Stat) {}, func(err error) { ended = err })
	m.EndStats(h, io.ErrUnexpectedEOF)
	m.EndStats(h, errors.New("again"))
	if ended != io.ErrUnexpectedEOF {
		t.Errorf("ended = %v", ended)
	}
}
