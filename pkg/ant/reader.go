package ant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InEndpoint is the read half of the USB transport.  *gousb.InEndpoint
// satisfies it; tests substitute an in-memory emulator.
type InEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// OutEndpoint is the write half of the USB transport.
type OutEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// transferState tracks the single bulk-IN transfer a Reader may have in
// flight.  An explicit tri-state avoids the ambiguity of a cleared boolean
// racing a late completion.
type transferState int

const (
	xferIdle transferState = iota
	xferInFlight
	xferCancelPending
)

type readResult struct {
	n   int
	err error
}

// Reader accumulates bytes from the bulk-IN endpoint and carves complete ANT
// frames out of them.  At any time either no transfer is in flight and the
// buffer may hold unparsed bytes, or exactly one transfer is in flight
// writing past the high-water mark.
type Reader struct {
	ep    InEndpoint
	buf   []byte
	mark  int // buffer position up to which data is valid
	state transferState
	done  chan readResult
	stop  context.CancelFunc
	err   error // first transport fault, sticky
}

// NewReader creates a Reader over the given endpoint.
func NewReader(ep InEndpoint) *Reader {
	return &Reader{ep: ep, buf: make([]byte, 0, 1024)}
}

// submit starts a new bulk-IN transfer into the buffer region past mark.
func (r *Reader) submit() {
	if r.state != xferIdle {
		return
	}
	need := r.mark + readChunkSize
	if cap(r.buf) < need {
		nb := make([]byte, r.mark, need)
		copy(nb, r.buf[:r.mark])
		r.buf = nb
	}
	dst := r.buf[r.mark:need]

	ctx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	r.done = make(chan readResult, 1)
	r.state = xferInFlight
	go func() {
		n, err := r.ep.ReadContext(ctx, dst)
		r.done <- readResult{n, err}
	}()
}

// complete folds a finished transfer back into the buffer.
func (r *Reader) complete(res readResult) {
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.state = xferIdle
	r.done = nil

	if res.n > 0 {
		r.mark += res.n
	}
	r.buf = r.buf[:r.mark]

	if res.err != nil &&
		!errors.Is(res.err, context.Canceled) &&
		!errors.Is(res.err, context.DeadlineExceeded) {
		if r.err == nil {
			r.err = fmt.Errorf("bulk-IN transfer: %w", res.err)
		}
	}
}

// TryNextFrame makes one attempt to produce a frame.  If a transfer is in
// flight it is pumped for up to wait; once idle the buffer is scanned.  When
// the buffer does not yet hold a complete frame a new transfer is submitted
// and (nil, nil) is returned.
func (r *Reader) TryNextFrame(wait time.Duration) (*Frame, error) {
	if r.err != nil {
		return nil, r.err
	}

	if r.state != xferIdle {
		t := time.NewTimer(wait)
		select {
		case res := <-r.done:
			t.Stop()
			r.complete(res)
		case <-t.C:
			return nil, nil
		}
		if r.err != nil {
			return nil, r.err
		}
	}

	skip, f, err := ScanFrame(r.buf[:r.mark])
	if skip > 0 {
		copy(r.buf, r.buf[skip:r.mark])
		r.mark -= skip
		r.buf = r.buf[:r.mark]
	}
	if err != nil {
		return nil, err
	}
	if f == nil {
		r.submit()
		return nil, nil
	}
	return f, nil
}

// NextFrame blocks until a frame is available or the deadline elapses, in
// which case ErrTimeout is returned.
func (r *Reader) NextFrame(deadline time.Duration) (*Frame, error) {
	dl := time.Now().Add(deadline)
	for {
		remaining := time.Until(dl)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		slice := readPumpSlice
		if remaining < slice {
			slice = remaining
		}
		f, err := r.TryNextFrame(slice)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

// Close cancels any in-flight transfer and waits for it to resolve before
// releasing the buffer.  The transfer goroutine writes into the buffer, so
// it must fully stop first.
func (r *Reader) Close() {
	if r.state == xferInFlight {
		r.stop()
		r.state = xferCancelPending
		select {
		case res := <-r.done:
			r.complete(res)
		case <-time.After(writeTimeout):
			// Transfer never resolved; leak the goroutine rather
			// than free the buffer under it.
			return
		}
	}
	r.buf = nil
	r.mark = 0
}
