package unit

import (
	"testing"

	"github.com/CoyAce/duplex/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, f audio.Factory) *Channel {
	t.Helper()
	ch, err := newChannel(0, DefaultConfig(), f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// cycle runs one step and delivers like a single-channel Unit would.
func cycle(t *testing.T, ch *Channel, availIn, availOut int) {
	t.Helper()
	require.NoError(t, ch.Cycle(availIn, availOut))
	ch.flush(ch.hasRoom())
}

func filled(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestChannel_StageOrder(t *testing.T) {
	f := &fakeDSP{}
	ch := newTestChannel(t, f)

	ch.echoOut.Write(filled(160, 5))
	ch.echoIn.Write(filled(160, 7))
	cycle(t, ch, ch.echoIn.AvailableToRead(), ch.echoOut.AvailableToRead())

	assert.Equal(t, []string{"far", "mic", "aec", "status", "ns", "agc"}, f.Calls())
	assert.Equal(t, int32(1), ch.level, "gain level is carried to the next cycle")
	assert.Equal(t, float32(fakeERLE), ch.ERLE())
	assert.Equal(t, 160, ch.deliveryIn.AvailableToRead())
	assert.Equal(t, 1, ch.flags.AvailableToRead())
}

func TestChannel_PartialCycle(t *testing.T) {
	f := &fakeDSP{}
	ch := newTestChannel(t, f)

	ch.echoIn.Write(filled(159, 1000))
	ch.echoOut.Write(filled(100, 1000))
	cycle(t, ch, ch.echoIn.AvailableToRead(), ch.echoOut.AvailableToRead())

	assert.Empty(t, f.Calls())
	assert.Equal(t, audio.QMFState{}, ch.analysis)
	assert.Equal(t, audio.QMFState{}, ch.synthesis)
	assert.Equal(t, 159, ch.echoIn.AvailableToRead())
	assert.Equal(t, 100, ch.echoOut.AvailableToRead())
	assert.Equal(t, 0, ch.deliveryIn.AvailableToRead())
}

func TestChannel_FarEndOnly(t *testing.T) {
	f := &fakeDSP{}
	ch := newTestChannel(t, f)

	ch.echoOut.Write(filled(160, 3))
	cycle(t, ch, 0, ch.echoOut.AvailableToRead())
	assert.Equal(t, []string{"far"}, f.Calls())
	assert.Equal(t, 0, ch.deliveryIn.AvailableToRead())
}

func TestChannel_SilenceIsIdempotent(t *testing.T) {
	ch := newTestChannel(t, audio.DefaultFactory{})

	out := make([]int16, 160)
	for i := 0; i < 100; i++ {
		ch.echoOut.Write(make([]int16, 160))
		ch.echoIn.Write(make([]int16, 160))
		cycle(t, ch, ch.echoIn.AvailableToRead(), ch.echoOut.AvailableToRead())

		_, ok := ch.receive(out)
		require.True(t, ok)
		require.Equal(t, make([]int16, 160), out, "chunk %d", i)
	}
	assert.Equal(t, audio.QMFState{}, ch.analysis)
	assert.Equal(t, audio.QMFState{}, ch.synthesis)
}

func TestChannel_DeliveryOverflowDropsWholeChunks(t *testing.T) {
	f := &fakeDSP{}
	cfg := DefaultConfig()
	cfg.BufferCapacity = 512 // three chunks
	ch, err := newChannel(0, cfg, f)
	require.NoError(t, err)
	defer ch.Close()

	for i := 0; i < 5; i++ {
		ch.echoIn.Write(filled(160, int16(i)))
		cycle(t, ch, ch.echoIn.AvailableToRead(), 0)
	}
	assert.Equal(t, 480, ch.deliveryIn.AvailableToRead())
	assert.Equal(t, 3, ch.flags.AvailableToRead())
	assert.Equal(t, uint64(2), ch.deliveryDropped.Load())
	assert.Equal(t, uint64(5), ch.processed.Load())
}

func TestChannel_FlushWithoutRoomDrops(t *testing.T) {
	f := &fakeDSP{}
	ch := newTestChannel(t, f)

	ch.echoIn.Write(filled(160, 9))
	require.NoError(t, ch.Cycle(160, 0))
	require.True(t, ch.hasRoom())
	ch.flush(false)
	assert.Equal(t, uint64(1), ch.deliveryDropped.Load())
	assert.Equal(t, 0, ch.deliveryIn.AvailableToRead())

	// nothing pending: flush is a no-op
	ch.flush(true)
	assert.Equal(t, 0, ch.flags.AvailableToRead())
	assert.Equal(t, uint64(1), ch.deliveryDropped.Load())
}

func TestChannel_StageError(t *testing.T) {
	f := &fakeDSP{nsErr: errInjected}
	ch := newTestChannel(t, f)

	ch.echoIn.Write(filled(160, 1))
	err := ch.Cycle(160, 0)
	assert.False(t, ch.ready)
	assert.ErrorIs(t, err, ErrStage)
	assert.ErrorIs(t, err, errInjected)
	assert.Contains(t, err.Error(), "ns")
}

func TestChannel_NoGainControl(t *testing.T) {
	f := &fakeDSP{}
	cfg := DefaultConfig()
	cfg.GainControl = false
	ch, err := newChannel(0, cfg, f)
	require.NoError(t, err)
	defer ch.Close()

	ch.echoIn.Write(filled(160, 1))
	cycle(t, ch, 160, 0)
	assert.Equal(t, []string{"aec", "status", "ns"}, f.Calls())
}

func TestChannel_CloseOnce(t *testing.T) {
	f := &fakeDSP{}
	ch, err := newChannel(0, DefaultConfig(), f)
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, int32(3), f.closed.Load())
}

func TestFlagCapacity(t *testing.T) {
	assert.Equal(t, 128, flagCapacity(16*1024, 160))
	assert.Equal(t, 4, flagCapacity(512, 160))
	assert.Equal(t, 2, flagCapacity(16, 160))
}
