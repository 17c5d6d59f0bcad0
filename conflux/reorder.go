package conflux

import "container/heap"

// maxReorderBuffer bounds the number of out-of-order cells a Coordinator
// holds while waiting for a gap to fill, per design note §9's fixed bound.
const maxReorderBuffer = 1000

// seqCell is one inbound RELAY_DATA cell tagged with the logical tunnel
// sequence number the sending Coordinator assigned it (the prefix SendData
// writes and DeliverSequenced strips).
type seqCell struct {
	seq      uint64
	streamID uint16
	body     []byte
}

// seqHeap is a container/heap min-heap over seqCell.seq, used to hold cells
// that arrive out of order across legs until the missing lower-sequence
// cells show up.
type seqHeap []*seqCell

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) {
	*h = append(*h, x.(*seqCell))
}

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// reorderBuffer delivers sequenced cells to onDeliver in sequence order,
// holding cells that arrive ahead of the next expected sequence number.
type reorderBuffer struct {
	next  uint64
	heap  seqHeap
	limit int
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{limit: maxReorderBuffer}
}

// ErrReorderBufferFull is returned when a cell arrives too far ahead of the
// next expected sequence number for the bounded buffer to hold it.
var ErrReorderBufferFull = errReorderBufferFull{}

type errReorderBufferFull struct{}

func (errReorderBufferFull) Error() string { return "conflux: reorder buffer full" }

// accept pushes c into the buffer (or delivers it immediately if it's next),
// then drains every now-contiguous cell via deliver. A cell at or below the
// already-delivered watermark is a duplicate and is dropped silently (a
// retransmission racing the leg that originally carried it).
func (b *reorderBuffer) accept(c *seqCell, deliver func(streamID uint16, body []byte)) error {
	if c.seq < b.next {
		return nil
	}
	if c.seq == b.next {
		deliver(c.streamID, c.body)
		b.next++
		b.drain(deliver)
		return nil
	}
	if len(b.heap) >= b.limit {
		return ErrReorderBufferFull
	}
	heap.Push(&b.heap, c)
	return nil
}

func (b *reorderBuffer) drain(deliver func(streamID uint16, body []byte)) {
	for len(b.heap) > 0 && b.heap[0].seq == b.next {
		c := heap.Pop(&b.heap).(*seqCell)
		deliver(c.streamID, c.body)
		b.next++
	}
}
