// ABOUTME: Tagged result of a forwarded call, either a bounded buffer or an open stream
// ABOUTME: Relay writes the result to the original caller and releases the node connection

package forward

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Mode selects how a node response is handed back
type Mode int

const (
	// Buffered reads the whole body under a per-call timeout and size limit
	Buffered Mode = iota
	// Streamed relays the body as it arrives; used for downloads
	Streamed
)

func (m Mode) String() string {
	if m == Streamed {
		return "streamed"
	}
	return "buffered"
}

// relayChunk is the copy buffer size for streamed bodies
const relayChunk = 32 << 10

// Result is the node's response. Exactly one of Body (Buffered) or Stream
// (Streamed) is used. A Streamed result owns the node connection until
// Relay or Close is called.
type Result struct {
	Mode   Mode
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// Close releases the node connection of a streamed result
func (r *Result) Close() error {
	if r.Stream == nil {
		return nil
	}
	err := r.Stream.Close()
	r.Stream = nil
	return err
}

// Relay writes status, headers and body to w. For streamed results every
// chunk is flushed before the next is read from the node, so the node is
// never read faster than the caller consumes. The stream is closed on return.
func (r *Result) Relay(w http.ResponseWriter) (int64, error) {
	defer func() { _ = r.Close() }()

	h := w.Header()
	for k, vv := range r.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}

	if r.Mode == Buffered {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
		w.WriteHeader(r.Status)
		n, err := w.Write(r.Body)
		return int64(n), err
	}

	w.WriteHeader(r.Status)
	if r.Stream == nil {
		return 0, nil
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, relayChunk)
	var written int64
	for {
		n, readErr := r.Stream.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("writing to caller: %w", err)
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, fmt.Errorf("flushing to caller: %w", err)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("%w: reading stream: %v", ErrNodeUnreachable, readErr)
		}
	}
}
