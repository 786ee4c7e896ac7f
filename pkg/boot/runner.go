package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/flashline-dev/flashline/internal/framing"
)

// DefaultBufferSize fits a full data chunk plus structural and framing
// overhead for the default 2 KiB chunk geometry.
const DefaultBufferSize = 3072

// Runner drives a Machine over a byte-oriented transport: accumulate bytes
// until a frame terminator, process, write the reply to completion, then run
// the post-send hook. It owns its assembly buffer and reuses it across
// frames; everything is strictly sequential.
type Runner struct {
	machine *Machine
	rw      io.ReadWriter
	buf     []byte
	log     *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBufferSize sets the assembly buffer size. It must hold at least one
// maximally sized frame or every load will be rejected.
func WithBufferSize(n int) RunnerOption {
	return func(r *Runner) { r.buf = make([]byte, n) }
}

// WithLogger attaches a logger for frame-level diagnostics.
func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// NewRunner creates a runner for machine on rw.
func NewRunner(machine *Machine, rw io.ReadWriter, opts ...RunnerOption) *Runner {
	r := &Runner{
		machine: machine,
		rw:      rw,
		buf:     make([]byte, DefaultBufferSize),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run serves frames until the transport reports EOF, a transport error
// occurs, or ctx is cancelled. Cancellation is observed between reads; a
// blocked transport read is not interrupted. If a processed frame latched a
// boot request the post-send hook fires and, with a real flash underneath,
// never returns.
func (r *Runner) Run(ctx context.Context) error {
	tmp := make([]byte, 256)
	fill := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.rw.Read(tmp)
		for _, b := range tmp[:n] {
			if b == framing.Terminator {
				if werr := r.serveFrame(r.buf[:fill]); werr != nil {
					return werr
				}
				fill = 0
				continue
			}
			if fill == len(r.buf) {
				// Frame overran the buffer. Drop what we have; the tail up
				// to the next terminator decodes as a broken frame and the
				// peer gets a NAK to retry on.
				r.log.Warn("assembly buffer overfilled, dropping frame", "size", fill)
				fill = 0
			}
			r.buf[fill] = b
			fill++
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport read: %w", err)
		}
	}
}

func (r *Runner) serveFrame(frame []byte) error {
	r.log.Debug("frame received", "len", len(frame))
	out := r.machine.Process(frame)
	if len(out) > 0 {
		if _, err := r.rw.Write(out); err != nil {
			return fmt.Errorf("transport write: %w", err)
		}
	}
	r.machine.CheckAfterSend()
	return nil
}
