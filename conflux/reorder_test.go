package conflux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReorderBufferInOrder(t *testing.T) {
	buf := newReorderBuffer()
	var delivered []uint16
	deliver := func(streamID uint16, body []byte) { delivered = append(delivered, streamID) }

	require.NoError(t, buf.accept(&seqCell{seq: 0, streamID: 1}, deliver))
	require.NoError(t, buf.accept(&seqCell{seq: 1, streamID: 2}, deliver))
	require.Equal(t, []uint16{1, 2}, delivered)
}

func TestReorderBufferOutOfOrder(t *testing.T) {
	buf := newReorderBuffer()
	var delivered []uint16
	deliver := func(streamID uint16, body []byte) { delivered = append(delivered, streamID) }

	require.NoError(t, buf.accept(&seqCell{seq: 2, streamID: 3}, deliver))
	require.NoError(t, buf.accept(&seqCell{seq: 1, streamID: 2}, deliver))
	require.Empty(t, delivered, "cells 1 and 2 must wait for seq 0")

	require.NoError(t, buf.accept(&seqCell{seq: 0, streamID: 1}, deliver))
	require.Equal(t, []uint16{1, 2, 3}, delivered)
}

func TestReorderBufferDropsDuplicate(t *testing.T) {
	buf := newReorderBuffer()
	var delivered []uint16
	deliver := func(streamID uint16, body []byte) { delivered = append(delivered, streamID) }

	require.NoError(t, buf.accept(&seqCell{seq: 0, streamID: 1}, deliver))
	require.NoError(t, buf.accept(&seqCell{seq: 0, streamID: 1}, deliver))
	require.Equal(t, []uint16{1}, delivered)
}

func TestReorderBufferFullReturnsError(t *testing.T) {
	buf := newReorderBuffer()
	buf.limit = 2
	deliver := func(uint16, []byte) {}

	require.NoError(t, buf.accept(&seqCell{seq: 5, streamID: 1}, deliver))
	require.NoError(t, buf.accept(&seqCell{seq: 6, streamID: 1}, deliver))
	require.ErrorIs(t, buf.accept(&seqCell{seq: 7, streamID: 1}, deliver), ErrReorderBufferFull)
}
