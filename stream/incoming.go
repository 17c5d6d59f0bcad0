package stream

import (
	"io"

	"github.com/cvsouth/tor-go/circuit"
)

// Filter decides whether to accept a peer-initiated stream request for
// target (empty for BEGIN_DIR). AllowIncomingStreamRequests rejects any
// request filter turns down and keeps waiting for the next one.
type Filter func(target string) bool

// IncomingStream is the server-role counterpart to Stream: a stream the
// remote peer opened back through our own tunnel (spec §6
// AllowIncomingStreamRequests), rather than one we opened ourselves. Once
// accepted it reads and writes exactly like Stream.
type IncomingStream struct {
	*Stream
	target string
}

var _ io.ReadWriteCloser = (*IncomingStream)(nil)

// Target returns the host:port the peer requested in its BEGIN cell (empty
// for BEGIN_DIR).
func (s *IncomingStream) Target() string { return s.target }

// NewIncoming wraps a handle obtained from circuit.Circuit.AcceptIncoming.
func NewIncoming(h *circuit.StreamHandle) *IncomingStream {
	return &IncomingStream{Stream: &Stream{handle: h}, target: h.Target}
}
