package ant

import (
	"context"
	"fmt"
)

// Writer issues bulk-OUT transfers one at a time.  The caller blocks until
// the transfer completes or times out, so at most one write is ever in
// flight.
type Writer struct {
	ep OutEndpoint

	// clearHalt, when set, is invoked after a failed transfer to recover
	// a stalled endpoint.  Its own failure is folded into the original
	// error.
	clearHalt func() error

	pending []byte // payload of the current transfer, owned by the Writer
}

// NewWriter creates a Writer over the given endpoint.
func NewWriter(ep OutEndpoint) *Writer {
	return &Writer{ep: ep}
}

// WriteFrame transmits raw and waits for completion.
func (w *Writer) WriteFrame(raw []byte) error {
	// The transfer must not observe a caller-mutated slice.
	w.pending = append(w.pending[:0], raw...)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := w.ep.WriteContext(ctx, w.pending)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("bulk-OUT transfer: %w", ErrTimeout)
		}
		if w.clearHalt != nil {
			if cerr := w.clearHalt(); cerr != nil {
				return fmt.Errorf("bulk-OUT transfer: %v (clear halt: %v)", err, cerr)
			}
		}
		return fmt.Errorf("bulk-OUT transfer: %w", err)
	}
	if n != len(w.pending) {
		return fmt.Errorf("bulk-OUT transfer: short write: %d of %d bytes", n, len(w.pending))
	}
	return nil
}
