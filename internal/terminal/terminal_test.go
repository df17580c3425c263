package terminal

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/AjaxZhan/devspace/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBucketThrottles(t *testing.T) {
	const (
		burst  = 1000
		perSec = 500
	)
	clk := clock.Fake(epoch)
	var shell bytes.Buffer
	in := NewInput(&shell, NewBucket(perSec, burst, clk))

	// 1500 bytes in three chunks: the burst admits two, the third is dropped.
	chunk := strings.Repeat("a", 500)
	var accepted, rejected int
	for range 3 {
		if err := in.Write(chunk); errors.Is(err, ErrThrottled) {
			rejected++
		} else if err != nil {
			t.Fatal(err)
		} else {
			accepted++
		}
	}
	if accepted != 2 || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d", accepted, rejected)
	}
	if shell.Len() != burst {
		t.Errorf("shell received %d bytes, want %d", shell.Len(), burst)
	}

	// Excess is 500 bytes at 500 B/s: one second later it fits.
	clk.Advance(999 * time.Millisecond)
	if err := in.Write(chunk); !errors.Is(err, ErrThrottled) {
		t.Errorf("write before refill: %v", err)
	}
	clk.Advance(time.Millisecond)
	if err := in.Write(chunk); err != nil {
		t.Errorf("write after refill: %v", err)
	}
	if shell.Len() != burst+500 {
		t.Errorf("shell received %d bytes", shell.Len())
	}
}

func TestBucketRejectsOversizedInput(t *testing.T) {
	clk := clock.Fake(epoch)
	b := NewBucket(100, 100, clk)
	if b.Take(101) {
		t.Error("input larger than the burst can never fit")
	}
	if b.Available() != 100 {
		t.Errorf("rejected take consumed tokens: %v left", b.Available())
	}
	if !b.Take(0) {
		t.Error("empty input should pass")
	}
}

type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestPumpPreservesOrder(t *testing.T) {
	r := &chunkReader{chunks: []string{"one ", "two ", "three"}, err: io.EOF}
	var got []string
	var end error = errors.New("unset")
	Pump(r, func(b []byte) { got = append(got, string(b)) }, func(err error) { end = err })

	if strings.Join(got, "") != "one two three" || len(got) != 3 {
		t.Errorf("got %q", got)
	}
	if end != nil {
		t.Errorf("EOF should end cleanly, got %v", end)
	}
}

func TestPumpReportsReadError(t *testing.T) {
	boom := errors.New("stream reset")
	var end error
	Pump(&chunkReader{err: boom}, func([]byte) {}, func(err error) { end = err })
	if !errors.Is(end, boom) {
		t.Errorf("end = %v", end)
	}
}
