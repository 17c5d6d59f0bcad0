package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/cvsouth/tor-go/circuit"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// Stream is an io.ReadWriteCloser over a circuit.StreamHandle. All
// flow-control bookkeeping (circuit- and stream-level SENDME windows, fair
// round-robin scheduling among sibling streams) lives in the owning
// circuit's reactor (circuit/stream.go); this type only chunks outbound
// writes, buffers inbound data, and turns stream-end events into io.EOF.
type Stream struct {
	handle *circuit.StreamHandle
	buf    []byte
	eof    bool
	err    error
}

// Begin opens a new stream to target (host:port) over circ's last hop,
// blocking until RELAY_CONNECTED or RELAY_END arrives.
func Begin(ctx context.Context, circ *circuit.Circuit, target string) (*Stream, error) {
	h, err := circ.BeginStream(ctx, -1, target)
	if err != nil {
		return nil, fmt.Errorf("begin stream: %w", err)
	}
	return &Stream{handle: h}, nil
}

// BeginOnHop is like Begin but targets an explicit hop index rather than
// the circuit's last hop (used for half-built circuits during path probing).
func BeginOnHop(ctx context.Context, circ *circuit.Circuit, hop int, target string) (*Stream, error) {
	h, err := circ.BeginStream(ctx, hop, target)
	if err != nil {
		return nil, fmt.Errorf("begin stream: %w", err)
	}
	return &Stream{handle: h}, nil
}

// BeginDir opens a directory (BEGIN_DIR) stream over circ's last hop.
func BeginDir(ctx context.Context, circ *circuit.Circuit) (*Stream, error) {
	h, err := circ.BeginDirStream(ctx, -1)
	if err != nil {
		return nil, fmt.Errorf("begin dir stream: %w", err)
	}
	return &Stream{handle: h}, nil
}

// Write sends p as RELAY_DATA cells, chunked at circuit.MaxRelayDataLen and
// blocking for backpressure when the stream's outbound queue is full.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		if err := s.handle.Send(chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read blocks for the stream's next event, buffering any data beyond what p
// can hold, and returns io.EOF once the peer (or the circuit) ends it.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}
	if s.eof {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}

	ev, ok := <-s.handle.Events
	if !ok {
		s.eof = true
		return 0, io.EOF
	}
	if ev.Kind == circuit.StreamEventEnd {
		s.eof = true
		if ev.Reason != circuit.EndReasonDone {
			s.err = fmt.Errorf("stream ended: reason=%d", ev.Reason)
			return 0, s.err
		}
		return 0, io.EOF
	}

	n := copy(p, ev.Data)
	if n < len(ev.Data) {
		s.buf = append(s.buf, ev.Data[n:]...)
	}
	return n, nil
}

// Close sends RELAY_END and releases the stream id for reuse.
func (s *Stream) Close() error {
	return s.handle.Close()
}
