package dstc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packetSink records every packet an outbox sends.
type packetSink struct {
	packets [][]byte
	err     error
}

func (s *packetSink) send(packet []byte) error {
	if s.err != nil {
		return s.err
	}
	s.packets = append(s.packets, packet)
	return nil
}

func (s *packetSink) frames(t *testing.T) []Frame {
	t.Helper()
	var all []Frame
	for _, p := range s.packets {
		frames, err := SplitPacket(p)
		require.NoError(t, err)
		all = append(all, frames...)
	}
	return all
}

func TestOutbox_Unbuffered(t *testing.T) {
	t.Run("each frame is sent right away", func(t *testing.T) {
		sink := &packetSink{}
		o := newOutbox(outboxConfig{NodeID: 4, Send: sink.send})

		require.NoError(t, o.queueCall("f", []byte{1}))
		require.NoError(t, o.queueCallback(9, []byte{2}))
		assert.Len(t, sink.packets, 2)
		assert.Equal(t, 0, o.pendingFrames())

		frames := sink.frames(t)
		require.Len(t, frames, 2)
		assert.Equal(t, uint32(4), frames[0].NodeID)
		assert.Equal(t, "f", frames[0].Function)
		assert.Equal(t, uint64(9), frames[1].CallbackRef)
	})

	t.Run("failed send drops the refused frame", func(t *testing.T) {
		sink := &packetSink{err: errors.New("socket gone")}
		o := newOutbox(outboxConfig{Send: sink.send})

		assert.Error(t, o.queueCall("f", nil))
		assert.Error(t, o.queueCallback(3, nil))
		assert.Equal(t, 0, o.pendingFrames())

		sink.err = nil
		require.NoError(t, o.flush())
		assert.Empty(t, sink.packets)

		require.NoError(t, o.queueCall("g", nil))
		frames := sink.frames(t)
		require.Len(t, frames, 1)
		assert.Equal(t, "g", frames[0].Function)
	})

	t.Run("failed send keeps frames accepted earlier", func(t *testing.T) {
		sink := &packetSink{}
		o := newOutbox(outboxConfig{SendRate: 0.001, SendBurst: 1, Send: sink.send})
		require.NoError(t, o.queueCall("a", nil))

		// the limiter holds "b" back, so it rides along with the next send
		require.NoError(t, o.queueCall("b", nil))
		require.Equal(t, 1, o.pendingFrames())

		o.limiter = nil
		sink.err = errors.New("socket gone")
		assert.Error(t, o.queueCall("c", nil))
		assert.Equal(t, 1, o.pendingFrames())

		sink.err = nil
		require.NoError(t, o.flush())
		frames := sink.frames(t)
		require.Len(t, frames, 2)
		assert.Equal(t, "a", frames[0].Function)
		assert.Equal(t, "b", frames[1].Function)
	})

	t.Run("default packet size", func(t *testing.T) {
		o := newOutbox(outboxConfig{Send: (&packetSink{}).send})
		assert.Equal(t, DefaultMaxPacketSize, o.maxPacket)
	})
}

func TestOutbox_Buffering(t *testing.T) {
	t.Run("frames accumulate until buffering ends", func(t *testing.T) {
		sink := &packetSink{}
		o := newOutbox(outboxConfig{Send: sink.send})
		require.NoError(t, o.setBuffering(true))

		require.NoError(t, o.queueCall("a", nil))
		require.NoError(t, o.queueCall("b", nil))
		require.NoError(t, o.flush())
		assert.Empty(t, sink.packets)
		assert.Equal(t, 2, o.pendingFrames())

		require.NoError(t, o.setBuffering(false))
		require.Len(t, sink.packets, 1)
		frames := sink.frames(t)
		require.Len(t, frames, 2)
		assert.Equal(t, "a", frames[0].Function)
		assert.Equal(t, "b", frames[1].Function)
	})

	t.Run("failed flush keeps buffered frames", func(t *testing.T) {
		sink := &packetSink{}
		o := newOutbox(outboxConfig{Send: sink.send})
		require.NoError(t, o.setBuffering(true))
		require.NoError(t, o.queueCall("a", nil))

		sink.err = errors.New("socket gone")
		assert.Error(t, o.forceFlush())
		assert.Equal(t, 1, o.pendingFrames())

		sink.err = nil
		require.NoError(t, o.forceFlush())
		assert.Len(t, sink.packets, 1)
	})

	t.Run("force flush sends while buffering", func(t *testing.T) {
		sink := &packetSink{}
		o := newOutbox(outboxConfig{Send: sink.send})
		require.NoError(t, o.setBuffering(true))
		require.NoError(t, o.queueCall("a", nil))

		require.NoError(t, o.forceFlush())
		assert.Len(t, sink.packets, 1)

		require.NoError(t, o.queueCall("b", nil))
		assert.Len(t, sink.packets, 1)
	})

	t.Run("full buffer refuses with queue full", func(t *testing.T) {
		sink := &packetSink{}
		size := callFrameSize("f", []byte{1, 2, 3, 4})
		o := newOutbox(outboxConfig{MaxPacketSize: size * 2, Send: sink.send})
		require.NoError(t, o.setBuffering(true))

		require.NoError(t, o.queueCall("f", []byte{1, 2, 3, 4}))
		require.NoError(t, o.queueCall("f", []byte{1, 2, 3, 4}))
		err := o.queueCall("f", []byte{1, 2, 3, 4})
		assert.True(t, errors.Is(err, ErrQueueFull))
		assert.Equal(t, 2, o.pendingFrames())
	})
}

func TestOutbox_Limits(t *testing.T) {
	t.Run("frame larger than a packet is refused", func(t *testing.T) {
		o := newOutbox(outboxConfig{MaxPacketSize: 16, Send: (&packetSink{}).send})
		err := o.queueCall("f", make([]byte, 32))
		assert.True(t, errors.Is(err, ErrQueueFull))
	})

	t.Run("rate limited frames wait for a later flush", func(t *testing.T) {
		sink := &packetSink{}
		o := newOutbox(outboxConfig{SendRate: 0.001, SendBurst: 1, Send: sink.send})

		require.NoError(t, o.queueCall("a", nil))
		require.NoError(t, o.queueCall("b", nil))
		assert.Len(t, sink.packets, 1)
		assert.Equal(t, 1, o.pendingFrames())

		require.NoError(t, o.flush())
		assert.Len(t, sink.packets, 1)
	})

	t.Run("closed outbox refuses frames", func(t *testing.T) {
		sink := &packetSink{}
		o := newOutbox(outboxConfig{Send: sink.send})
		o.close()

		assert.True(t, errors.Is(o.queueCall("a", nil), ErrTransportClosed))
		assert.True(t, errors.Is(o.queueCallback(1, nil), ErrTransportClosed))
		require.NoError(t, o.flush())
		assert.Empty(t, sink.packets)
	})

	t.Run("invalid frame leaves nothing pending", func(t *testing.T) {
		o := newOutbox(outboxConfig{Send: (&packetSink{}).send})
		assert.True(t, errors.Is(o.queueCallback(0, nil), ErrEncode))
		assert.Equal(t, 0, o.pendingFrames())
	})
}
