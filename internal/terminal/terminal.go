// Package terminal moves bytes between a client and a sandbox shell:
// throttled input in, ordered output out.
package terminal

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AjaxZhan/devspace/internal/clock"
)

// ThrottledNotice is written to the client when input is dropped.
const ThrottledNotice = "\r\n[input throttled]\r\n"

// ErrThrottled is returned by Input.Write when the bucket is short.
var ErrThrottled = errors.New("input throttled")

// Bucket is a byte token bucket: burst bytes of capacity, refilled at
// perSec bytes per second.
type Bucket struct {
	limiter *rate.Limiter
	clk     clock.Clock
}

// NewBucket creates a full bucket.
func NewBucket(perSec, burst int, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.Real()
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(perSec), burst), clk: clk}
}

// Take consumes n bytes if available. A short bucket consumes nothing.
func (b *Bucket) Take(n int) bool {
	if n == 0 {
		return true
	}
	return b.limiter.AllowN(b.clk.Now(), n)
}

// Available returns the bytes that could be taken right now.
func (b *Bucket) Available() float64 {
	return b.limiter.TokensAt(b.clk.Now())
}

// Input writes throttled keystrokes to a shell.
type Input struct {
	mu     sync.Mutex
	w      io.Writer
	bucket *Bucket
}

// NewInput wraps the shell writer with a bucket.
func NewInput(w io.Writer, bucket *Bucket) *Input {
	return &Input{w: w, bucket: bucket}
}

// Write forwards data whole or not at all. Dropped input is not queued.
func (in *Input) Write(data string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.bucket.Take(len(data)) {
		return ErrThrottled
	}
	_, err := io.WriteString(in.w, data)
	return err
}

// Pump copies shell output to sink in the order it was produced until the
// shell ends. done receives nil on a clean EOF and the read error otherwise.
// Pump blocks; run it in its own goroutine.
func Pump(r io.Reader, sink func([]byte), done func(error)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			}
			done(err)
			return
		}
	}
}
